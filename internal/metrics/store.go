package metrics

import (
	"sync"
	"time"

	"govoracle/internal/model"
)

// Suppressed-error sites. Each fail-open call in the engine records one.
const (
	SiteFPLookup     = "fp_lookup"
	SiteCircuitCheck = "circuit_check"
	SiteIncrement    = "counter_increment"
	SiteRecordEvent  = "fp_record"
	SitePublish      = "decision_publish"
)

type RuleCounters struct {
	Findings    int64 `json:"findings"`
	Blocks      int64 `json:"blocks"`
	Warns       int64 `json:"warns"`
	Suppressed  int64 `json:"fp_suppressed"`
	CircuitOpen int64 `json:"circuit_open"`
}

type Snapshot struct {
	Decisions        map[model.Outcome]int64 `json:"decisions"`
	SuppressedErrors map[string]int64        `json:"suppressed_errors"`
	Rules            map[string]RuleCounters `json:"rules"`
}

// Store keeps in-process counters. Per-rule entries are capped at limit;
// the least recently updated rule is evicted first.
type Store struct {
	mu        sync.RWMutex
	decisions map[model.Outcome]int64
	errors    map[string]int64
	byRule    map[string]*RuleCounters
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	s := &Store{limit: limit}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.decisions = make(map[model.Outcome]int64)
	s.errors = make(map[string]int64)
	s.byRule = make(map[string]*RuleCounters)
	s.updatedAt = make(map[string]time.Time)
}

func (s *Store) RecordDecision(outcome model.Outcome) {
	s.mu.Lock()
	s.decisions[outcome]++
	s.mu.Unlock()
}

func (s *Store) RecordSuppressedError(site string) {
	s.mu.Lock()
	s.errors[site]++
	s.mu.Unlock()
}

func (s *Store) RecordFinding(ruleID string, severity model.Outcome) {
	s.updateRule(ruleID, func(c *RuleCounters) {
		c.Findings++
		switch severity {
		case model.OutcomeBlock:
			c.Blocks++
		case model.OutcomeWarn:
			c.Warns++
		}
	})
}

func (s *Store) RecordFPSuppressed(ruleID string) {
	s.updateRule(ruleID, func(c *RuleCounters) { c.Suppressed++ })
}

func (s *Store) RecordCircuitOpen(ruleID string) {
	s.updateRule(ruleID, func(c *RuleCounters) { c.CircuitOpen++ })
}

func (s *Store) updateRule(ruleID string, fn func(*RuleCounters)) {
	if ruleID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byRule[ruleID]
	if !ok {
		c = &RuleCounters{}
		s.byRule[ruleID] = c
	}
	fn(c)
	s.updatedAt[ruleID] = time.Now().UTC()
	if len(s.byRule) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Rule(ruleID string) (RuleCounters, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byRule[ruleID]
	if !ok {
		return RuleCounters{}, time.Time{}, false
	}
	return *c, s.updatedAt[ruleID], true
}

func (s *Store) SuppressedErrors(site string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errors[site]
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Decisions:        make(map[model.Outcome]int64, len(s.decisions)),
		SuppressedErrors: make(map[string]int64, len(s.errors)),
		Rules:            make(map[string]RuleCounters, len(s.byRule)),
	}
	for k, v := range s.decisions {
		out.Decisions[k] = v
	}
	for k, v := range s.errors {
		out.SuppressedErrors[k] = v
	}
	for k, v := range s.byRule {
		out.Rules[k] = *v
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestRule string
	var oldest time.Time
	for rule, ts := range s.updatedAt {
		if oldestRule == "" || ts.Before(oldest) {
			oldestRule = rule
			oldest = ts
		}
	}
	if oldestRule != "" {
		delete(s.byRule, oldestRule)
		delete(s.updatedAt, oldestRule)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}
