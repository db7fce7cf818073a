package storage

import (
	"context"
	"strings"
	"time"

	"govoracle/internal/faults"
)

const (
	counterErr = "BlockCounterError"

	bucketLayout = "2006-01-02-15"
	// Buckets outlive their hour so late readers still see the final count.
	bucketTTL = 2 * time.Hour
)

type counterBackend interface {
	incr(ctx context.Context, key string, at time.Time) (int64, error)
	get(ctx context.Context, key string) (int64, error)
}

// BucketKey is ruleID:orgID:YYYY-MM-DD-HH in UTC.
func BucketKey(ruleID, orgID string, at time.Time) string {
	return ruleID + ":" + orgID + ":" + at.UTC().Format(bucketLayout)
}

type blockCounter struct {
	backend counterBackend
	opts    Options
}

func newBlockCounter(b counterBackend, opts Options) *blockCounter {
	return &blockCounter{backend: b, opts: opts}
}

func counterKeyError(ruleID, orgID string) error {
	if strings.TrimSpace(ruleID) == "" || strings.TrimSpace(orgID) == "" {
		return faults.New(counterErr, faults.CodeValidation, "rule_id and org_id required").
			With("rule_id", ruleID).With("org_id", orgID)
	}
	return nil
}

func (c *blockCounter) Increment(ctx context.Context, ruleID, orgID string) (int64, error) {
	if err := counterKeyError(ruleID, orgID); err != nil {
		return 0, err
	}
	ctx, cancel := c.opts.call(ctx)
	defer cancel()
	now := c.opts.now()
	key := BucketKey(ruleID, orgID, now)
	n, err := c.backend.incr(ctx, key, now)
	if err != nil {
		return 0, faults.Wrap(counterErr, faults.CodeIncrementFailed, err, "increment").With("key", key)
	}
	return n, nil
}

func (c *blockCounter) GetCount(ctx context.Context, ruleID, orgID string) (int64, error) {
	if err := counterKeyError(ruleID, orgID); err != nil {
		return 0, err
	}
	ctx, cancel := c.opts.call(ctx)
	defer cancel()
	key := BucketKey(ruleID, orgID, c.opts.now())
	n, err := c.backend.get(ctx, key)
	if err != nil {
		return 0, faults.Wrap(counterErr, faults.CodeReadFailed, err, "get count").With("key", key)
	}
	return n, nil
}

func (c *blockCounter) IsCircuitBroken(ctx context.Context, ruleID, orgID string, threshold int64) (bool, error) {
	if threshold <= 0 {
		return false, faults.New(counterErr, faults.CodeValidation, "threshold must be positive").With("threshold", threshold)
	}
	n, err := c.GetCount(ctx, ruleID, orgID)
	if err != nil {
		return false, err
	}
	return n >= threshold, nil
}
