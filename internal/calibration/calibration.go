// Package calibration releases cross-organization false-positive statistics
// only when they blend at least k distinct organizations.
package calibration

import (
	"context"
	"log/slog"
	"strings"

	"govoracle/internal/faults"
	"govoracle/internal/model"
)

const (
	DefaultK = 10

	calibrationErr = "CalibrationError"
)

// EventSource is the slice of the FP store the aggregator reads.
type EventSource interface {
	EventsByRule(ctx context.Context, ruleID string) ([]model.FPEvent, error)
}

type Aggregator struct {
	source EventSource
	k      int
	logger *slog.Logger
}

func NewAggregator(source EventSource, k int, logger *slog.Logger) *Aggregator {
	if k <= 0 {
		k = DefaultK
	}
	return &Aggregator{source: source, k: k, logger: logger}
}

func (a *Aggregator) K() int {
	return a.k
}

// AggregateFPsByRule releases the rule's FP totals only when the events
// span at least k distinct organizations and, when any false positive
// exists, the false positives do too. Below k nothing is returned, not even
// partial counts; the rejection carries only the rule id and k.
func (a *Aggregator) AggregateFPsByRule(ctx context.Context, ruleID string) (model.CalibrationResult, error) {
	if strings.TrimSpace(ruleID) == "" {
		return model.CalibrationResult{}, faults.New(calibrationErr, faults.CodeValidation, "rule_id required")
	}
	events, err := a.source.EventsByRule(ctx, ruleID)
	if err != nil {
		return model.CalibrationResult{}, faults.Wrap(calibrationErr, faults.CodeReadFailed, err, "read events").With("rule_id", ruleID)
	}
	orgs := make(map[string]struct{})
	fpOrgs := make(map[string]struct{})
	var fps int
	for _, ev := range events {
		if ev.IsFalsePositive {
			fps++
		}
		if ev.Context.OrgID == "" {
			continue
		}
		orgs[ev.Context.OrgID] = struct{}{}
		if ev.IsFalsePositive {
			fpOrgs[ev.Context.OrgID] = struct{}{}
		}
	}
	if len(orgs) < a.k || (fps > 0 && len(fpOrgs) < a.k) {
		if a.logger != nil {
			a.logger.Info("calibration withheld", "rule_id", ruleID, "k", a.k)
		}
		return model.CalibrationResult{}, faults.New(calibrationErr, faults.CodeInsufficientK, "insufficient distinct organizations").
			With("rule_id", ruleID).With("k", a.k)
	}
	res := model.CalibrationResult{
		RuleID:          ruleID,
		TotalFPs:        fps,
		TotalEvents:     len(events),
		MeetsKAnonymity: true,
		DistinctOrgs:    len(orgs),
	}
	if len(events) > 0 {
		res.FalsePositiveRate = float64(fps) / float64(len(events))
	}
	return res, nil
}
