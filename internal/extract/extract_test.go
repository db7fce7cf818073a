package extract

import (
	"testing"

	"govoracle/internal/faults"
	"govoracle/internal/model"
)

func TestPermissionBits(t *testing.T) {
	cases := []struct {
		name  string
		wf    string
		bits  int
		found bool
	}{
		{"none declared", "on: push\njobs:\n  build:\n    runs-on: ubuntu-latest\n", 0, false},
		{"read-all", "permissions: read-all\n", 0, true},
		{"write-all", "permissions: write-all\n", BitWriteAll, true},
		{"read scopes", "permissions:\n  contents: read\n  issues: read\n", 0, true},
		{"write contents", "permissions:\n  contents: write\n", 1 << 2, true},
		{"unknown scope", "permissions:\n  repository-projects: write\n", BitUnknownScope, true},
		{
			"job level merged",
			"permissions:\n  contents: write\njobs:\n  release:\n    permissions:\n      packages: write\n      id-token: write\n",
			1<<2 | 1<<7 | 1<<4,
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bits, found, err := PermissionBits(tc.wf)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bits != tc.bits || found != tc.found {
				t.Fatalf("expected %#x/%v, got %#x/%v", tc.bits, tc.found, bits, found)
			}
		})
	}
}

func TestPermissionBitsRejectsUnknownLevel(t *testing.T) {
	if _, _, err := PermissionBits("permissions:\n  contents: admin\n"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, _, err := PermissionBits("permissions: everything\n"); err == nil {
		t.Fatalf("expected error for unknown shorthand")
	}
	if _, _, err := PermissionBits("permissions: [a, b]\n"); err == nil {
		t.Fatalf("expected error for sequence")
	}
}

func TestDrift(t *testing.T) {
	d, err := Drift(`{"current": 12.5, "baseline": 10}`)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if d.Current != 12.5 || d.Baseline != 10 || d.Threshold != nil {
		t.Fatalf("unexpected drift input: %+v", d)
	}
	d, err = Drift("current: 1\nbaseline: 2\nthreshold: 0.2\n")
	if err != nil || d.Threshold == nil || *d.Threshold != 0.2 {
		t.Fatalf("expected yaml threshold, got %+v %v", d, err)
	}
	if _, err := Drift(`{"current": 1}`); err == nil {
		t.Fatalf("expected error for missing baseline")
	}
}

func TestFromArtifacts(t *testing.T) {
	arts := []model.Artifact{
		{Path: "README.md", Category: model.CategoryFile, Content: "hello"},
		{Path: ".github/workflows/a.yml", Category: model.CategoryWorkflow, Content: "permissions:\n  contents: write\n"},
		{Path: ".github/workflows/b.yml", Category: model.CategoryWorkflow, Content: "permissions:\n  issues: write\n"},
		{Path: "metrics/latency.json", Category: model.CategoryMetric, Content: `{"current": 3, "baseline": 2}`},
		{Path: "metrics/other.json", Category: model.CategoryMetric, Content: `{"current": 100, "baseline": 1}`},
	}
	d, err := FromArtifacts(arts)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if d.PermissionBits == nil || *d.PermissionBits != 1<<2|1<<5 {
		t.Fatalf("unexpected bits: %v", d.PermissionBits)
	}
	if d.Drift == nil || d.Drift.Current != 3 {
		t.Fatalf("expected first metric sample, got %+v", d.Drift)
	}

	empty, err := FromArtifacts([]model.Artifact{{Path: "x.go", Category: model.CategoryFile}})
	if err != nil || empty.PermissionBits != nil || empty.Drift != nil {
		t.Fatalf("expected nothing derived, got %+v %v", empty, err)
	}

	mixed, err := FromArtifacts([]model.Artifact{
		{Path: "ci.yml", Category: "Workflow", Content: "permissions: write-all\n"},
		{Path: "m.json", Category: " METRIC ", Content: `{"current": 1, "baseline": 1}`},
	})
	if err != nil || mixed.PermissionBits == nil || *mixed.PermissionBits != BitWriteAll || mixed.Drift == nil {
		t.Fatalf("category must match case-insensitively, got %+v %v", mixed, err)
	}

	_, err = FromArtifacts([]model.Artifact{{Path: "bad.yml", Category: model.CategoryWorkflow, Content: "permissions: [\n"}})
	if !faults.HasCode(err, faults.CodeValidation) {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}
