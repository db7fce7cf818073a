package storage

import (
	"context"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:       "postgres",
	numbered:   true,
	lockNonces: `LOCK TABLE nonces IN SHARE ROW EXCLUSIVE MODE`,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS fp_events (
			seq BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			rule_id TEXT NOT NULL,
			rule_version TEXT NOT NULL,
			finding_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			is_false_positive BOOLEAN NOT NULL DEFAULT FALSE,
			ts BIGINT NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			reviewed_by TEXT NOT NULL DEFAULT '',
			ticket TEXT NOT NULL DEFAULT '',
			reviewed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fp_events_rule_ts ON fp_events(rule_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_fp_events_finding ON fp_events(finding_id)`,
		`CREATE TABLE IF NOT EXISTS consents (
			org_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			repo_id TEXT NOT NULL DEFAULT '',
			requested_by TEXT NOT NULL DEFAULT '',
			granted_by TEXT NOT NULL DEFAULT '',
			granted_at BIGINT,
			expires_at BIGINT,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			revoked_by TEXT NOT NULL DEFAULT '',
			revoked_at BIGINT,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (org_id, resource, repo_id)
		)`,
		`CREATE TABLE IF NOT EXISTS block_counters (
			bucket_key TEXT PRIMARY KEY,
			hits BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nonces (
			version BIGINT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			source TEXT NOT NULL
		)`,
	},
}

func NewPostgres(ctx context.Context, dsn string, opts Options) (*Backends, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/govoracle?sslmode=disable"
	}
	return openSQL(ctx, "pgx", dsn, postgresDialect, opts, nil)
}
