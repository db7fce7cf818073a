package metrics

import (
	"sync"
	"testing"
	"time"

	"govoracle/internal/model"
)

func TestRuleCounters(t *testing.T) {
	s := NewStore(10)
	s.RecordFinding("r1", model.OutcomeBlock)
	s.RecordFinding("r1", model.OutcomeWarn)
	s.RecordFPSuppressed("r1")
	s.RecordCircuitOpen("r1")
	s.RecordFinding("", model.OutcomeBlock)

	c, at, ok := s.Rule("r1")
	if !ok || at.IsZero() {
		t.Fatalf("expected r1 counters")
	}
	want := RuleCounters{Findings: 2, Blocks: 1, Warns: 1, Suppressed: 1, CircuitOpen: 1}
	if c != want {
		t.Fatalf("expected %+v, got %+v", want, c)
	}
	if len(s.Snapshot().Rules) != 1 {
		t.Fatalf("empty rule id must be ignored")
	}
}

func TestEvictsLeastRecentlyUpdated(t *testing.T) {
	s := NewStore(2)
	s.RecordFinding("a", model.OutcomeBlock)
	time.Sleep(time.Millisecond)
	s.RecordFinding("b", model.OutcomeBlock)
	time.Sleep(time.Millisecond)
	s.RecordFinding("a", model.OutcomeBlock)
	time.Sleep(time.Millisecond)
	s.RecordFinding("c", model.OutcomeBlock)

	if _, _, ok := s.Rule("b"); ok {
		t.Fatalf("expected b evicted")
	}
	if _, _, ok := s.Rule("a"); !ok {
		t.Fatalf("expected a kept")
	}
}

func TestConcurrentCounters(t *testing.T) {
	s := NewStore(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordDecision(model.OutcomeAllow)
			s.RecordSuppressedError(SiteFPLookup)
		}()
	}
	wg.Wait()
	snap := s.Snapshot()
	if snap.Decisions[model.OutcomeAllow] != 50 || s.SuppressedErrors(SiteFPLookup) != 50 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	s.Clear()
	if len(s.Snapshot().Decisions) != 0 {
		t.Fatalf("expected cleared store")
	}
}
