package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS fp_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			rule_id TEXT NOT NULL,
			rule_version TEXT NOT NULL,
			finding_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			is_false_positive BOOLEAN NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			reviewed_by TEXT NOT NULL DEFAULT '',
			ticket TEXT NOT NULL DEFAULT '',
			reviewed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fp_events_rule_ts ON fp_events(rule_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_fp_events_finding ON fp_events(finding_id)`,
		`CREATE TABLE IF NOT EXISTS consents (
			org_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			repo_id TEXT NOT NULL DEFAULT '',
			requested_by TEXT NOT NULL DEFAULT '',
			granted_by TEXT NOT NULL DEFAULT '',
			granted_at INTEGER,
			expires_at INTEGER,
			revoked BOOLEAN NOT NULL DEFAULT 0,
			revoked_by TEXT NOT NULL DEFAULT '',
			revoked_at INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (org_id, resource, repo_id)
		)`,
		`CREATE TABLE IF NOT EXISTS block_counters (
			bucket_key TEXT PRIMARY KEY,
			hits INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nonces (
			version INTEGER PRIMARY KEY,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			source TEXT NOT NULL
		)`,
	},
}

// NewSQLite opens a file-backed store. SQLite allows one writer, so the pool
// is pinned to a single connection; that also serializes counter upserts.
func NewSQLite(ctx context.Context, dsn string, opts Options) (*Backends, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:govoracle.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return openSQL(ctx, "sqlite", dsn, sqliteDialect, opts, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	})
}
