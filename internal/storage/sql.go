package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"govoracle/internal/model"
)

type dialect struct {
	name     string
	numbered bool
	schema   []string
	// lockNonces, when set, runs first in a rotation transaction.
	lockNonces string
}

// rebind rewrites ? placeholders to $n for drivers that need it.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

type sqlBackend struct {
	baseStore
	d dialect
}

// openSQL opens db, applies tune, pings and migrates the dialect schema.
func openSQL(ctx context.Context, driver, dsn string, d dialect, opts Options, tune func(*sql.DB)) (*Backends, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	b := &sqlBackend{baseStore: baseStore{db: db}, d: d}
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return &Backends{
		FP:           newFPStore(b, opts),
		Consent:      newConsentStore(b, opts),
		BlockCounter: newBlockCounter(b, opts),
		Secrets:      newSecretStore(b, opts),
		closers:      []func() error{b.Close},
	}, nil
}

func (s *sqlBackend) migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlBackend) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

const fpColumns = `event_id, rule_id, rule_version, finding_id, outcome, is_false_positive, ts,
	org_id, repo, branch, event_type, reviewed_by, ticket, reviewed_at`

func (s *sqlBackend) insertEvent(ctx context.Context, ev model.FPEvent) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO fp_events (`+fpColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID,
		ev.RuleID,
		ev.RuleVersion,
		ev.FindingID,
		string(ev.Outcome),
		ev.IsFalsePositive,
		ev.Timestamp.UTC().UnixNano(),
		ev.Context.OrgID,
		ev.Context.Repo,
		ev.Context.Branch,
		ev.Context.EventType,
		ev.ReviewedBy,
		ev.Ticket,
		nullableNanos(ev.ReviewedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlBackend) latestEvents(ctx context.Context, ruleID string, limit int, since time.Time) ([]model.FPEvent, error) {
	q := `SELECT ` + fpColumns + ` FROM fp_events WHERE rule_id = ?`
	args := []any{ruleID}
	if !since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, since.UTC().UnixNano())
	}
	q += ` ORDER BY ts DESC, seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.FPEvent, 0)
	for rows.Next() {
		var (
			ev       model.FPEvent
			outcome  string
			ts       int64
			reviewed sql.NullInt64
		)
		if err := rows.Scan(
			&ev.EventID,
			&ev.RuleID,
			&ev.RuleVersion,
			&ev.FindingID,
			&outcome,
			&ev.IsFalsePositive,
			&ts,
			&ev.Context.OrgID,
			&ev.Context.Repo,
			&ev.Context.Branch,
			&ev.Context.EventType,
			&ev.ReviewedBy,
			&ev.Ticket,
			&reviewed,
		); err != nil {
			return nil, err
		}
		ev.Outcome = model.Outcome(outcome)
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.ReviewedAt = fromNanos(reviewed)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlBackend) markEvent(ctx context.Context, eventID, reviewer, ticket string, at time.Time) (bool, error) {
	// The is_false_positive guard keeps the first reviewer on concurrent marks.
	res, err := s.exec(ctx,
		`UPDATE fp_events SET is_false_positive = ?, reviewed_by = ?, ticket = ?, reviewed_at = ?
		WHERE event_id = ? AND is_false_positive = ?`,
		true, reviewer, ticket, at.UTC().UnixNano(), eventID, false,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM fp_events WHERE event_id = ?`), eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlBackend) isFalsePositive(ctx context.Context, orgID, ruleID, findingID string) (bool, error) {
	q := `SELECT COUNT(*) FROM fp_events WHERE finding_id = ? AND is_false_positive = ?`
	args := []any{findingID, true}
	if orgID != "" {
		q += ` AND org_id = ?`
		args = append(args, orgID)
	}
	if ruleID != "" {
		q += ` AND rule_id = ?`
		args = append(args, ruleID)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, s.d.rebind(q), args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

const consentColumns = `org_id, resource, repo_id, requested_by, granted_by, granted_at, expires_at,
	revoked, revoked_by, revoked_at, updated_at`

func scanConsent(scan func(dest ...any) error) (model.ConsentRecord, error) {
	var (
		rec                           model.ConsentRecord
		grantedAt, expiresAt, revoked sql.NullInt64
		updatedAt                     int64
	)
	if err := scan(
		&rec.OrgID,
		&rec.Resource,
		&rec.RepoID,
		&rec.RequestedBy,
		&rec.GrantedBy,
		&grantedAt,
		&expiresAt,
		&rec.Revoked,
		&rec.RevokedBy,
		&revoked,
		&updatedAt,
	); err != nil {
		return rec, err
	}
	rec.GrantedAt = fromNanos(grantedAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	rec.RevokedAt = fromNanos(revoked)
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

func (s *sqlBackend) getRecord(ctx context.Context, orgID, resource, repoID string) (*model.ConsentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT `+consentColumns+` FROM consents WHERE org_id = ? AND resource = ? AND repo_id = ?`),
		orgID, resource, repoID)
	rec, err := scanConsent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqlBackend) putRecord(ctx context.Context, rec model.ConsentRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO consents (`+consentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, resource, repo_id) DO UPDATE SET
			requested_by = excluded.requested_by,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at,
			revoked = excluded.revoked,
			revoked_by = excluded.revoked_by,
			revoked_at = excluded.revoked_at,
			updated_at = excluded.updated_at`,
		rec.OrgID,
		rec.Resource,
		rec.RepoID,
		rec.RequestedBy,
		rec.GrantedBy,
		nullableNanos(rec.GrantedAt),
		nullableNanos(rec.ExpiresAt),
		rec.Revoked,
		rec.RevokedBy,
		nullableNanos(rec.RevokedAt),
		rec.UpdatedAt.UTC().UnixNano(),
	)
	return err
}

func (s *sqlBackend) listRecords(ctx context.Context, orgID string) ([]model.ConsentRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+consentColumns+` FROM consents WHERE org_id = ?`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ConsentRecord, 0)
	for rows.Next() {
		rec, err := scanConsent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlBackend) incr(ctx context.Context, key string, at time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO block_counters (bucket_key, hits, updated_at) VALUES (?, 1, ?)
		ON CONFLICT (bucket_key) DO UPDATE SET hits = block_counters.hits + 1, updated_at = excluded.updated_at
		RETURNING hits`),
		key, at.UTC().UnixNano(),
	).Scan(&n)
	return n, err
}

func (s *sqlBackend) get(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT hits FROM block_counters WHERE bucket_key = ?`), key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

const maxRotateAttempts = 5

func (s *sqlBackend) appendNonce(ctx context.Context, value, source string, at time.Time) error {
	var err error
	for attempt := 0; attempt < maxRotateAttempts; attempt++ {
		if err = s.tryAppendNonce(ctx, value, source, at); err == nil {
			return nil
		}
		// A concurrent rotation took the version; retry with the next one.
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (s *sqlBackend) tryAppendNonce(ctx context.Context, value, source string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if s.d.lockNonces != "" {
		if _, err := tx.ExecContext(ctx, s.d.lockNonces); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM nonces`).Scan(&current); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.d.rebind(`INSERT INTO nonces (version, value, created_at, source) VALUES (?, ?, ?, ?)`),
		current+1, value, at.UTC().UnixNano(), source,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlBackend) listNonces(ctx context.Context) ([]model.NonceConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, value, created_at, source FROM nonces ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.NonceConfig, 0)
	for rows.Next() {
		var (
			n       model.NonceConfig
			created int64
		)
		if err := rows.Scan(&n.Version, &n.Value, &created, &n.Source); err != nil {
			return nil, err
		}
		n.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlBackend) latestNonce(ctx context.Context) (*model.NonceConfig, error) {
	var (
		n       model.NonceConfig
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, value, created_at, source FROM nonces ORDER BY version DESC LIMIT 1`,
	).Scan(&n.Version, &n.Value, &created, &n.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.CreatedAt = time.Unix(0, created).UTC()
	return &n, nil
}
