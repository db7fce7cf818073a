package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"govoracle/internal/faults"
)

const (
	defaultDedupeTTL = 10 * time.Minute
	defaultAttempts  = 3
	defaultBackoff   = 200 * time.Millisecond
)

// Review is a reviewer verdict that a recorded event was a false positive.
type Review struct {
	EventID  string `json:"event_id"`
	Reviewer string `json:"reviewer"`
	Ticket   string `json:"ticket,omitempty"`
	Source   string `json:"source,omitempty"`
	Raw      string `json:"-"`
}

// ReviewSink is satisfied by storage.FPStore.
type ReviewSink interface {
	MarkFalsePositive(ctx context.Context, eventID, reviewer, ticket string) error
}

type Stats struct {
	Applied    int64 `json:"applied"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
}

// Applier feeds reviews from any source into a ReviewSink. Redeliveries of
// the same review inside the dedupe TTL are dropped; transient store errors
// are retried with backoff.
type Applier struct {
	sink     ReviewSink
	dedupe   *DedupeCache
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration
	attempts int
	backoff  time.Duration

	applied    atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64
}

func NewApplier(sink ReviewSink, logger *slog.Logger) *Applier {
	return &Applier{
		sink:     sink,
		dedupe:   NewDedupeCache(),
		logger:   logger,
		now:      time.Now,
		ttl:      defaultDedupeTTL,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
}

func (a *Applier) Apply(ctx context.Context, r Review) error {
	r.EventID = strings.TrimSpace(r.EventID)
	r.Reviewer = strings.TrimSpace(r.Reviewer)
	if r.EventID == "" || r.Reviewer == "" {
		a.rejected.Add(1)
		return faults.New("ReviewError", faults.CodeValidation, "event_id and reviewer required").With("source", r.Source)
	}
	key := r.EventID + "|" + r.Reviewer
	if a.dedupe.Seen(key, a.now(), a.ttl) {
		a.duplicates.Add(1)
		return nil
	}
	delay := a.backoff
	var err error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		err = a.sink.MarkFalsePositive(ctx, r.EventID, r.Reviewer, r.Ticket)
		if err == nil {
			a.applied.Add(1)
			if a.logger != nil {
				a.logger.Info("false positive recorded", "event_id", r.EventID, "reviewer", r.Reviewer, "ticket", r.Ticket, "source", r.Source)
			}
			return nil
		}
		if permanent(err) || attempt == a.attempts || !BackoffSleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	a.dedupe.Forget(key)
	if permanent(err) {
		a.rejected.Add(1)
	} else {
		a.failed.Add(1)
	}
	if a.logger != nil {
		a.logger.Warn("review not applied", "event_id", r.EventID, "source", r.Source, "code", faults.CodeOf(err), "err", err)
	}
	return err
}

func (a *Applier) Stats() Stats {
	return Stats{
		Applied:    a.applied.Load(),
		Duplicates: a.duplicates.Load(),
		Rejected:   a.rejected.Load(),
		Failed:     a.failed.Load(),
	}
}

func permanent(err error) bool {
	return faults.HasCode(err, faults.CodeValidation) || faults.HasCode(err, faults.CodeEventNotFound)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = defaultBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
