package storagetest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/model"
	"govoracle/internal/storage"
)

func RunFPStore(t *testing.T, f Factory[storage.FPStore]) {
	t.Run("DuplicateRejected", func(t *testing.T) { fpDuplicate(t, f) })
	t.Run("WindowByCount", func(t *testing.T) { fpWindowByCount(t, f) })
	t.Run("WindowBySince", func(t *testing.T) { fpWindowBySince(t, f) })
	t.Run("NominalVersion", func(t *testing.T) { fpNominalVersion(t, f) })
	t.Run("MarkFalsePositive", func(t *testing.T) { fpMark(t, f) })
	t.Run("ConcurrentMark", func(t *testing.T) { fpConcurrentMark(t, f) })
	t.Run("IsFalsePositive", func(t *testing.T) { fpIsFalsePositive(t, f) })
	t.Run("Validation", func(t *testing.T) { fpValidation(t, f) })
	t.Run("CancelledWrite", func(t *testing.T) { fpCancelled(t, f) })
}

func fpEvent(i int, at time.Time) model.FPEvent {
	return model.FPEvent{
		EventID:     fmt.Sprintf("ev-%03d", i),
		RuleID:      "secrets.aws",
		RuleVersion: "v1",
		FindingID:   fmt.Sprintf("finding-%03d", i),
		Outcome:     model.OutcomeBlock,
		Timestamp:   at,
		Context:     model.EventContext{OrgID: "org-1", Repo: "api", Branch: "main", EventType: "push"},
	}
}

func fpDuplicate(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	ev := fpEvent(1, Epoch)
	mustNot(t, store.RecordEvent(ctx, ev))

	dup := ev
	dup.Outcome = model.OutcomeWarn
	dup.FindingID = "other"
	wantCode(t, store.RecordEvent(ctx, dup), faults.CodeDuplicateEvent)

	events, err := store.EventsByRule(ctx, ev.RuleID)
	mustNot(t, err)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Outcome != model.OutcomeBlock || events[0].FindingID != ev.FindingID {
		t.Fatalf("original event was overwritten: %+v", events[0])
	}
}

func seedHundred(t *testing.T, store storage.FPStore) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ev := fpEvent(i, Epoch.Add(time.Duration(i)*time.Second))
		ev.IsFalsePositive = i%10 == 0
		mustNot(t, store.RecordEvent(ctx, ev))
	}
}

func fpWindowByCount(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	seedHundred(t, store)

	full, err := store.GetWindowByCount(ctx, "secrets.aws", 100)
	mustNot(t, err)
	if full.Statistics.Total != 100 || full.Statistics.FalsePositives != 10 {
		t.Fatalf("unexpected full stats: %+v", full.Statistics)
	}
	if math.Abs(full.Statistics.ObservedFPR-0.1) > 1e-9 {
		t.Fatalf("expected FPR 0.1, got %v", full.Statistics.ObservedFPR)
	}
	if full.Statistics.TruePositives != 90 || full.Statistics.Pending != 0 {
		t.Fatalf("unexpected tp/pending: %+v", full.Statistics)
	}

	w, err := store.GetWindowByCount(ctx, "secrets.aws", 50)
	mustNot(t, err)
	if len(w.Events) != 50 || w.Statistics.Total != 50 {
		t.Fatalf("expected 50 events, got %d (total %d)", len(w.Events), w.Statistics.Total)
	}
	if w.Events[0].EventID != "ev-099" || w.Events[49].EventID != "ev-050" {
		t.Fatalf("window not most recent first: first=%s last=%s", w.Events[0].EventID, w.Events[49].EventID)
	}
	for i := 1; i < len(w.Events); i++ {
		if w.Events[i].Timestamp.After(w.Events[i-1].Timestamp) {
			t.Fatalf("events out of order at %d", i)
		}
	}
	want := float64(w.Statistics.FalsePositives) / float64(w.Statistics.Total)
	if w.Statistics.FalsePositives != 5 || w.Statistics.ObservedFPR != want {
		t.Fatalf("unexpected window stats: %+v", w.Statistics)
	}
	if w.RuleID != "secrets.aws" || w.RuleVersion != "v1" {
		t.Fatalf("unexpected window identity: %s@%s", w.RuleID, w.RuleVersion)
	}

	more, err := store.GetWindowByCount(ctx, "secrets.aws", 500)
	mustNot(t, err)
	if len(more.Events) != 100 {
		t.Fatalf("expected all 100 events, got %d", len(more.Events))
	}

	empty, err := store.GetWindowByCount(ctx, "unknown.rule", 10)
	mustNot(t, err)
	if len(empty.Events) != 0 || empty.Statistics.ObservedFPR != 0 {
		t.Fatalf("expected empty window, got %+v", empty.Statistics)
	}
}

func fpWindowBySince(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	seedHundred(t, store)

	w, err := store.GetWindowBySince(ctx, "secrets.aws", Epoch.Add(90*time.Second))
	mustNot(t, err)
	if len(w.Events) != 10 {
		t.Fatalf("expected 10 events since +90s, got %d", len(w.Events))
	}
	if w.Events[0].EventID != "ev-099" || w.Events[9].EventID != "ev-090" {
		t.Fatalf("unexpected bounds: %s..%s", w.Events[0].EventID, w.Events[9].EventID)
	}
	if w.Statistics.FalsePositives != 1 {
		t.Fatalf("expected 1 false positive, got %d", w.Statistics.FalsePositives)
	}
}

func fpNominalVersion(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		ev := fpEvent(i, Epoch.Add(time.Duration(i)*time.Second))
		if i < 3 {
			ev.RuleVersion = "v1"
		} else {
			ev.RuleVersion = "v2"
		}
		mustNot(t, store.RecordEvent(ctx, ev))
	}
	w, err := store.GetWindowByCount(ctx, "secrets.aws", 50)
	mustNot(t, err)
	if w.RuleVersion != "v2" {
		t.Fatalf("expected nominal version v2, got %s", w.RuleVersion)
	}
	if w.Statistics.Total != 8 {
		t.Fatalf("statistics must span all versions, got %d", w.Statistics.Total)
	}
}

func fpMark(t *testing.T, f Factory[storage.FPStore]) {
	store, clock := newStore(t, f)
	ctx := context.Background()
	ev := fpEvent(7, Epoch)
	mustNot(t, store.RecordEvent(ctx, ev))

	clock.Advance(time.Minute)
	mustNot(t, store.MarkFalsePositive(ctx, ev.EventID, "alice", "SEC-1"))
	mustNot(t, store.MarkFalsePositive(ctx, ev.EventID, "bob", "SEC-2"))

	events, err := store.EventsByRule(ctx, ev.RuleID)
	mustNot(t, err)
	got := events[0]
	if !got.IsFalsePositive {
		t.Fatalf("expected event marked")
	}
	if got.ReviewedBy != "alice" || got.Ticket != "SEC-1" {
		t.Fatalf("first review must win, got %s/%s", got.ReviewedBy, got.Ticket)
	}
	if got.ReviewedAt == nil || !got.ReviewedAt.Equal(Epoch.Add(time.Minute)) {
		t.Fatalf("unexpected reviewed_at: %v", got.ReviewedAt)
	}
	if !got.Timestamp.Equal(Epoch) {
		t.Fatalf("mark must not move the event timestamp: %v", got.Timestamp)
	}

	wantCode(t, store.MarkFalsePositive(ctx, "missing", "alice", ""), faults.CodeEventNotFound)
}

func fpConcurrentMark(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	ev := fpEvent(3, Epoch)
	mustNot(t, store.RecordEvent(ctx, ev))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.MarkFalsePositive(ctx, ev.EventID, fmt.Sprintf("reviewer-%d", i), "")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		mustNot(t, err)
	}
	fp, err := store.IsFalsePositive(ctx, "", ev.RuleID, ev.FindingID)
	mustNot(t, err)
	if !fp {
		t.Fatalf("expected false positive after concurrent marks")
	}
}

func fpIsFalsePositive(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()

	fp, err := store.IsFalsePositive(ctx, "org-1", "secrets.aws", "never-seen")
	mustNot(t, err)
	if fp {
		t.Fatalf("unknown finding must not be a false positive")
	}

	ev := fpEvent(1, Epoch)
	mustNot(t, store.RecordEvent(ctx, ev))
	fp, err = store.IsFalsePositive(ctx, "org-1", ev.RuleID, ev.FindingID)
	mustNot(t, err)
	if fp {
		t.Fatalf("unreviewed finding must not be a false positive")
	}

	mustNot(t, store.MarkFalsePositive(ctx, ev.EventID, "alice", ""))
	for _, tc := range []struct {
		org, rule string
		want      bool
	}{
		{"org-1", ev.RuleID, true},
		{"org-1", "", true},
		{"", ev.RuleID, true},
		{"org-1", "other.rule", false},
		{"org-2", ev.RuleID, false},
	} {
		fp, err := store.IsFalsePositive(ctx, tc.org, tc.rule, ev.FindingID)
		mustNot(t, err)
		if fp != tc.want {
			t.Fatalf("org %q rule %q: expected %v, got %v", tc.org, tc.rule, tc.want, fp)
		}
	}

	// The same finding seen by another organization stays live for it even
	// after org-1 reviewed its own copy.
	other := fpEvent(2, Epoch)
	other.FindingID = ev.FindingID
	other.Context.OrgID = "org-2"
	mustNot(t, store.RecordEvent(ctx, other))
	fp, err = store.IsFalsePositive(ctx, "org-2", ev.RuleID, ev.FindingID)
	mustNot(t, err)
	if fp {
		t.Fatalf("a review by org-1 must not suppress org-2")
	}
}

func fpValidation(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()

	ev := fpEvent(1, Epoch)
	ev.EventID = ""
	wantCode(t, store.RecordEvent(ctx, ev), faults.CodeValidation)

	ev = fpEvent(1, Epoch)
	ev.Outcome = "maybe"
	wantCode(t, store.RecordEvent(ctx, ev), faults.CodeValidation)

	_, err := store.GetWindowByCount(ctx, "secrets.aws", 0)
	wantCode(t, err, faults.CodeValidation)
	_, err = store.GetWindowBySince(ctx, "secrets.aws", time.Time{})
	wantCode(t, err, faults.CodeValidation)
	wantCode(t, store.MarkFalsePositive(ctx, "ev-1", "", ""), faults.CodeValidation)
	_, err = store.IsFalsePositive(ctx, "org-1", "secrets.aws", "")
	wantCode(t, err, faults.CodeValidation)
}

func fpCancelled(t *testing.T, f Factory[storage.FPStore]) {
	store, _ := newStore(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := fpEvent(1, Epoch)
	wantCode(t, store.RecordEvent(ctx, ev), faults.CodeWriteFailed)
	mustNot(t, store.RecordEvent(context.Background(), ev))
}
