package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"govoracle/internal/config"
	"govoracle/internal/faults"
	"govoracle/internal/model"
)

// FPStore is the append-only false-positive event log.
type FPStore interface {
	RecordEvent(ctx context.Context, ev model.FPEvent) error
	GetWindowByCount(ctx context.Context, ruleID string, n int) (model.FPWindow, error)
	GetWindowBySince(ctx context.Context, ruleID string, since time.Time) (model.FPWindow, error)
	MarkFalsePositive(ctx context.Context, eventID, reviewer, ticket string) error
	// IsFalsePositive reports whether orgID reviewed findingID as a false
	// positive. An empty orgID matches reviews from any organization.
	IsFalsePositive(ctx context.Context, orgID, ruleID, findingID string) (bool, error)
	EventsByRule(ctx context.Context, ruleID string) ([]model.FPEvent, error)
}

// ConsentStore tracks per-organization, per-resource consent. State is
// derived at read time and never stored.
type ConsentStore interface {
	RequestConsent(ctx context.Context, orgID, resource, repoID, requestedBy string) error
	GrantConsent(ctx context.Context, grant model.ConsentGrant) error
	RevokeConsent(ctx context.Context, orgID, resource, repoID, revokedBy string) error
	CheckResourceConsent(ctx context.Context, orgID, resource, repoID string) (model.ConsentCheck, error)
	CheckMultipleResources(ctx context.Context, orgID, repoID string, resources []string) (model.MultiConsentCheck, error)
	GetConsentSummary(ctx context.Context, orgID string) (model.ConsentSummary, error)
}

// BlockCounter counts block events per rule and org in UTC hour buckets.
type BlockCounter interface {
	Increment(ctx context.Context, ruleID, orgID string) (int64, error)
	GetCount(ctx context.Context, ruleID, orgID string) (int64, error)
	IsCircuitBroken(ctx context.Context, ruleID, orgID string, threshold int64) (bool, error)
}

// SecretStore keeps an append-only, version-ordered list of nonces.
type SecretStore interface {
	RotateNonce(ctx context.Context, value, source string) error
	GetNonce(ctx context.Context) (model.NonceConfig, error)
	GetNonces(ctx context.Context) ([]string, error)
}

type Options struct {
	Clock   func() time.Time
	Timeout time.Duration
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock().UTC()
	}
	return time.Now().UTC()
}

// call applies the configured per-operation timeout on top of the caller's
// context.
func (o Options) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return context.WithCancel(ctx)
}

type Backends struct {
	FP           FPStore
	Consent      ConsentStore
	BlockCounter BlockCounter
	Secrets      SecretStore
	closers      []func() error
}

func (b *Backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Open builds all four stores from configuration. The block counter and
// secret store may be overridden to a different backend, including redis.
func Open(ctx context.Context, cfg config.StorageConfig, clock func() time.Time) (*Backends, error) {
	opts := Options{Clock: clock, Timeout: cfg.Timeout}
	out := &Backends{}
	primary, err := openDriver(ctx, cfg.Driver, cfg.DSN, opts)
	if err != nil {
		return nil, err
	}
	out.closers = append(out.closers, primary.Close)
	out.FP = primary.FP
	out.Consent = primary.Consent
	out.BlockCounter = primary.BlockCounter
	out.Secrets = primary.Secrets

	var rc *RedisConn
	redisFor := func() (*RedisConn, error) {
		if rc != nil {
			return rc, nil
		}
		c, err := DialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		rc = c
		out.closers = append(out.closers, c.Close)
		return c, nil
	}

	if d := cfg.BlockCounter.Driver; d != "" && !sameBackend(d, cfg.BlockCounter.DSN, cfg) {
		if strings.EqualFold(d, "redis") {
			c, err := redisFor()
			if err != nil {
				_ = out.Close()
				return nil, err
			}
			out.BlockCounter = NewRedisBlockCounter(c, opts)
		} else {
			b, err := openDriver(ctx, d, cfg.BlockCounter.DSN, opts)
			if err != nil {
				_ = out.Close()
				return nil, err
			}
			out.closers = append(out.closers, b.Close)
			out.BlockCounter = b.BlockCounter
		}
	}
	if d := cfg.Secrets.Driver; d != "" && !sameBackend(d, cfg.Secrets.DSN, cfg) {
		if strings.EqualFold(d, "redis") {
			c, err := redisFor()
			if err != nil {
				_ = out.Close()
				return nil, err
			}
			out.Secrets = NewRedisSecretStore(c, opts)
		} else {
			b, err := openDriver(ctx, d, cfg.Secrets.DSN, opts)
			if err != nil {
				_ = out.Close()
				return nil, err
			}
			out.closers = append(out.closers, b.Close)
			out.Secrets = b.Secrets
		}
	}
	return out, nil
}

func sameBackend(driver, dsn string, cfg config.StorageConfig) bool {
	return strings.EqualFold(driver, cfg.Driver) && (dsn == "" || dsn == cfg.DSN)
}

func openDriver(ctx context.Context, driver, dsn string, opts Options) (*Backends, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemory(opts), nil
	case "sqlite":
		return NewSQLite(ctx, dsn, opts)
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn, opts)
	default:
		return nil, faults.New("StorageError", faults.CodeUnsupportedBackend, "unsupported storage driver").With("driver", driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
