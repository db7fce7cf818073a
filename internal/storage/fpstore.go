package storage

import (
	"context"
	"strings"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/model"
)

const fpErr = "FPStoreError"

// fpBackend is the record-level contract each FP backend implements. The
// shared fpStore owns validation, timeouts and error codes so every backend
// surfaces identical faults.
type fpBackend interface {
	insertEvent(ctx context.Context, ev model.FPEvent) (bool, error)
	// latestEvents returns events most recent first. limit <= 0 means no
	// limit; a zero since means no lower bound.
	latestEvents(ctx context.Context, ruleID string, limit int, since time.Time) ([]model.FPEvent, error)
	// markEvent flips is_false_positive only if it is still false. exists
	// reports whether the event is known at all.
	markEvent(ctx context.Context, eventID, reviewer, ticket string, at time.Time) (exists bool, err error)
	isFalsePositive(ctx context.Context, orgID, ruleID, findingID string) (bool, error)
}

type fpStore struct {
	backend fpBackend
	opts    Options
}

func newFPStore(b fpBackend, opts Options) *fpStore {
	return &fpStore{backend: b, opts: opts}
}

func (s *fpStore) RecordEvent(ctx context.Context, ev model.FPEvent) error {
	if strings.TrimSpace(ev.EventID) == "" || strings.TrimSpace(ev.RuleID) == "" || strings.TrimSpace(ev.FindingID) == "" {
		return faults.New(fpErr, faults.CodeValidation, "event_id, rule_id and finding_id are required").
			With("event_id", ev.EventID).With("rule_id", ev.RuleID)
	}
	if ev.Outcome == "" {
		ev.Outcome = model.OutcomeBlock
	}
	if !ev.Outcome.Valid() {
		return faults.New(fpErr, faults.CodeValidation, "invalid outcome").With("outcome", string(ev.Outcome))
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.opts.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	inserted, err := s.backend.insertEvent(ctx, ev)
	if err != nil {
		return faults.Wrap(fpErr, faults.CodeWriteFailed, err, "record event").With("event_id", ev.EventID)
	}
	if !inserted {
		return faults.New(fpErr, faults.CodeDuplicateEvent, "event already recorded").
			With("event_id", ev.EventID).With("rule_id", ev.RuleID)
	}
	return nil
}

func (s *fpStore) GetWindowByCount(ctx context.Context, ruleID string, n int) (model.FPWindow, error) {
	if ruleID == "" || n <= 0 {
		return model.FPWindow{}, faults.New(fpErr, faults.CodeValidation, "rule_id and positive count required").
			With("rule_id", ruleID).With("n", n)
	}
	return s.window(ctx, ruleID, n, time.Time{})
}

func (s *fpStore) GetWindowBySince(ctx context.Context, ruleID string, since time.Time) (model.FPWindow, error) {
	if ruleID == "" || since.IsZero() {
		return model.FPWindow{}, faults.New(fpErr, faults.CodeValidation, "rule_id and since required").With("rule_id", ruleID)
	}
	return s.window(ctx, ruleID, 0, since.UTC())
}

func (s *fpStore) window(ctx context.Context, ruleID string, limit int, since time.Time) (model.FPWindow, error) {
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	events, err := s.backend.latestEvents(ctx, ruleID, limit, since)
	if err != nil {
		return model.FPWindow{}, faults.Wrap(fpErr, faults.CodeReadFailed, err, "read window").With("rule_id", ruleID)
	}
	return ComputeWindow(ruleID, events), nil
}

func (s *fpStore) MarkFalsePositive(ctx context.Context, eventID, reviewer, ticket string) error {
	if strings.TrimSpace(eventID) == "" || strings.TrimSpace(reviewer) == "" {
		return faults.New(fpErr, faults.CodeValidation, "event_id and reviewer required").With("event_id", eventID)
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	exists, err := s.backend.markEvent(ctx, eventID, reviewer, ticket, s.opts.now())
	if err != nil {
		return faults.Wrap(fpErr, faults.CodeWriteFailed, err, "mark false positive").With("event_id", eventID)
	}
	if !exists {
		return faults.New(fpErr, faults.CodeEventNotFound, "event not found").With("event_id", eventID)
	}
	return nil
}

func (s *fpStore) IsFalsePositive(ctx context.Context, orgID, ruleID, findingID string) (bool, error) {
	if findingID == "" {
		return false, faults.New(fpErr, faults.CodeValidation, "finding_id required").With("rule_id", ruleID)
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	fp, err := s.backend.isFalsePositive(ctx, orgID, ruleID, findingID)
	if err != nil {
		return false, faults.Wrap(fpErr, faults.CodeReadFailed, err, "lookup false positive").
			With("org_id", orgID).With("rule_id", ruleID).With("finding_id", findingID)
	}
	return fp, nil
}

func (s *fpStore) EventsByRule(ctx context.Context, ruleID string) ([]model.FPEvent, error) {
	if ruleID == "" {
		return nil, faults.New(fpErr, faults.CodeValidation, "rule_id required")
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	events, err := s.backend.latestEvents(ctx, ruleID, 0, time.Time{})
	if err != nil {
		return nil, faults.Wrap(fpErr, faults.CodeReadFailed, err, "read events").With("rule_id", ruleID)
	}
	return events, nil
}
