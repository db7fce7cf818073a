package engine

import (
	"testing"
	"time"

	"govoracle/internal/config"
	"govoracle/internal/model"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		glob, path string
		want       bool
	}{
		{"**/*.go", "main.go", true},
		{"**/*.go", "cmd/app/main.go", true},
		{"**/*.go", "cmd/app/main.py", false},
		{"*.env", "config/prod.env", true},
		{".github/workflows/*.yml", ".github/workflows/ci.yml", true},
		{".github/workflows/*.yml", "docs/.github/workflows/ci.yml", false},
		{"**/workflows/*.yml", "docs/.github/workflows/ci.yml", true},
		{"config/*.env", "./config/prod.env", true},
	}
	for _, tc := range cases {
		if got := matchGlob(tc.glob, tc.path); got != tc.want {
			t.Fatalf("matchGlob(%q, %q) = %v, want %v", tc.glob, tc.path, got, tc.want)
		}
	}
}

func TestBuildRuleSetRejects(t *testing.T) {
	cases := map[string][]config.RuleConfig{
		"missing id":   {{Pattern: "x"}},
		"duplicate id": {{ID: "a", Pattern: "x"}, {ID: "a", Pattern: "y"}},
		"bad severity": {{ID: "a", Severity: "allow", Pattern: "x"}},
		"no criteria":  {{ID: "a", Severity: "block"}},
		"bad glob":     {{ID: "a", PathGlob: "[", Severity: "warn"}},
		"bad pattern":  {{ID: "a", Pattern: "(", Severity: "warn"}},
	}
	for name, cfgs := range cases {
		if _, err := buildRuleSet(cfgs); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRuleDefaultsAndSelect(t *testing.T) {
	rs, err := buildRuleSet([]config.RuleConfig{
		{ID: "a", Pattern: "x"},
		{ID: "b", Pattern: "y", Disabled: true},
		{ID: "c", PathGlob: "*.tf", Severity: "BLOCK"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rs.Len() != 3 {
		t.Fatalf("expected 3 rules, got %d", rs.Len())
	}
	all, _ := rs.Select(nil)
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "c" {
		t.Fatalf("expected enabled rules a,c in order, got %v", all)
	}
	if all[0].Severity != model.OutcomeWarn || all[0].Version != "1" {
		t.Fatalf("unexpected defaults: %+v", all[0])
	}
	if all[1].Severity != model.OutcomeBlock {
		t.Fatalf("severity must be case-insensitive, got %s", all[1].Severity)
	}
	picked, unknown := rs.Select([]string{"c", "zz"})
	if len(picked) != 1 || picked[0].ID != "c" || len(unknown) != 1 || unknown[0] != "zz" {
		t.Fatalf("unexpected selection: %v unknown=%v", picked, unknown)
	}
}

func TestRuleCategories(t *testing.T) {
	rs, err := buildRuleSet([]config.RuleConfig{{ID: "wf", Categories: []string{"Workflow"}, Pattern: "pull_request_target"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	r := rs.ordered[0]
	wf := model.Artifact{Path: "ci.yml", Content: "on: pull_request_target", Category: model.CategoryWorkflow}
	if !r.Match(wf) {
		t.Fatalf("expected workflow artifact to match")
	}
	wf.Category = ""
	if r.Match(wf) {
		t.Fatalf("uncategorized artifacts are files and must not match")
	}
}

func TestFindingIDStable(t *testing.T) {
	a := model.Artifact{Path: "a.txt", Content: "secret"}
	if FindingID("r", a) != FindingID("r", a) {
		t.Fatalf("finding id must be deterministic")
	}
	if FindingID("r", a) == FindingID("s", a) {
		t.Fatalf("finding id must depend on rule")
	}
	b := a
	b.Content = "other"
	if FindingID("r", a) == FindingID("r", b) {
		t.Fatalf("finding id must depend on content")
	}
	withHash := model.Artifact{Path: "a.txt", Content: "ignored", Hash: "abc"}
	sameHash := model.Artifact{Path: "a.txt", Content: "different", Hash: "abc"}
	if FindingID("r", withHash) != FindingID("r", sameHash) {
		t.Fatalf("a supplied hash must replace the content digest")
	}
}

func TestEvaluateDedupes(t *testing.T) {
	rs, err := buildRuleSet([]config.RuleConfig{{ID: "r", Pattern: "x"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a := model.Artifact{Path: "a.txt", Content: "x"}
	got := evaluate(rs.ordered, []model.Artifact{a, a})
	if len(got) != 1 {
		t.Fatalf("expected duplicate artifacts to yield one finding, got %d", len(got))
	}
}

func TestCooldownAllowKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewCooldown(func() time.Time { return now })
	if !c.AllowKey("k", time.Minute) {
		t.Fatalf("expected first call to be allowed")
	}
	if c.AllowKey("k", time.Minute) {
		t.Fatalf("expected cooldown to suppress")
	}
	if !c.AllowKey("other", time.Minute) {
		t.Fatalf("keys must be independent")
	}
	now = now.Add(time.Minute)
	if !c.AllowKey("k", time.Minute) {
		t.Fatalf("expected allow after cooldown")
	}
	if !c.AllowKey("k", 0) {
		t.Fatalf("zero cooldown always allows")
	}
}
