package storage

import "govoracle/internal/model"

// ComputeWindow aggregates events (most recent first) into an FPWindow.
// Statistics span every rule version present; the nominal version is the
// most frequent one, ties going to the most recent.
func ComputeWindow(ruleID string, events []model.FPEvent) model.FPWindow {
	w := model.FPWindow{RuleID: ruleID, Events: events}
	if w.Events == nil {
		w.Events = []model.FPEvent{}
	}
	counts := make(map[string]int)
	var order []string
	for _, ev := range events {
		w.Statistics.Total++
		if ev.IsFalsePositive {
			w.Statistics.FalsePositives++
		}
		if counts[ev.RuleVersion] == 0 {
			order = append(order, ev.RuleVersion)
		}
		counts[ev.RuleVersion]++
	}
	// order is by most recent appearance, so a strict > keeps the newer
	// version on ties.
	best := 0
	for _, v := range order {
		if counts[v] > best {
			best = counts[v]
			w.RuleVersion = v
		}
	}
	// No in-review state exists yet, so nothing is pending.
	w.Statistics.Pending = 0
	w.Statistics.TruePositives = w.Statistics.Total - w.Statistics.FalsePositives - w.Statistics.Pending
	if decided := w.Statistics.Total - w.Statistics.Pending; decided > 0 {
		w.Statistics.ObservedFPR = float64(w.Statistics.FalsePositives) / float64(decided)
	}
	return w
}
