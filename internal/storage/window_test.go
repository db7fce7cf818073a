package storage

import (
	"context"
	"testing"
	"time"

	"govoracle/internal/config"
	"govoracle/internal/faults"
	"govoracle/internal/model"
)

func TestComputeWindowTieGoesToNewest(t *testing.T) {
	// Most recent first: v2, v1, v1, v2.
	events := []model.FPEvent{
		{RuleVersion: "v2"},
		{RuleVersion: "v1", IsFalsePositive: true},
		{RuleVersion: "v1"},
		{RuleVersion: "v2"},
	}
	w := ComputeWindow("r", events)
	if w.RuleVersion != "v2" {
		t.Fatalf("expected v2 on tie, got %s", w.RuleVersion)
	}
	if w.Statistics.Total != 4 || w.Statistics.FalsePositives != 1 || w.Statistics.TruePositives != 3 {
		t.Fatalf("unexpected stats: %+v", w.Statistics)
	}
	if w.Statistics.ObservedFPR != 0.25 {
		t.Fatalf("expected FPR 0.25, got %v", w.Statistics.ObservedFPR)
	}
}

func TestComputeWindowEmpty(t *testing.T) {
	w := ComputeWindow("r", nil)
	if w.Events == nil || len(w.Events) != 0 {
		t.Fatalf("expected empty non-nil events")
	}
	if w.Statistics.ObservedFPR != 0 || w.RuleVersion != "" {
		t.Fatalf("unexpected empty window: %+v", w)
	}
}

func TestBucketKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 59, 59, 0, time.FixedZone("X", 2*3600))
	if got := BucketKey("rule", "org", at); got != "rule:org:2026-03-01-21" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := sqliteDialect.rebind(q); got != q {
		t.Fatalf("sqlite must keep ? placeholders, got %s", got)
	}
	if got := postgresDialect.rebind(q); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Fatalf("unexpected postgres query %s", got)
	}
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, config.StorageConfig{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if b.FP == nil || b.Consent == nil || b.BlockCounter == nil || b.Secrets == nil {
		t.Fatalf("missing store: %+v", b)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = Open(ctx, config.StorageConfig{Driver: "mongo"}, nil)
	if !faults.HasCode(err, faults.CodeUnsupportedBackend) {
		t.Fatalf("expected unsupported backend, got %v", err)
	}

	_, err = Open(ctx, config.StorageConfig{
		Driver:       "memory",
		BlockCounter: config.BackendOverride{Driver: "redis"},
	}, nil)
	if err == nil {
		t.Fatalf("expected redis override without addr to fail")
	}
}

func TestOptionsTimeout(t *testing.T) {
	opts := Options{Timeout: time.Millisecond}
	ctx, cancel := opts.call(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Fatalf("expected deadline")
	}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts.Clock = func() time.Time { return fixed }
	if !opts.now().Equal(fixed) {
		t.Fatalf("clock not applied")
	}
}
