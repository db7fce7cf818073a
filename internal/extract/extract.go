// Package extract derives L0 invariant inputs from artifact content.
package extract

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"govoracle/internal/faults"
	"govoracle/internal/model"
)

const extractErr = "ExtractError"

// Write grants on known workflow scopes occupy bits 0-11. Anything outside
// that space lands in the reserved nibble so the permission-bits check rejects it.
var scopeBits = map[string]int{
	"actions":         1 << 0,
	"checks":          1 << 1,
	"contents":        1 << 2,
	"deployments":     1 << 3,
	"id-token":        1 << 4,
	"issues":          1 << 5,
	"discussions":     1 << 6,
	"packages":        1 << 7,
	"pages":           1 << 8,
	"pull-requests":   1 << 9,
	"security-events": 1 << 10,
	"statuses":        1 << 11,
}

const (
	BitUnknownScope = 1 << 12
	BitWriteAll     = 1 << 15
)

// Derived holds inputs found in artifacts. Nil fields were not present.
type Derived struct {
	PermissionBits *int
	Drift          *model.DriftInput
}

type workflow struct {
	Permissions yaml.Node            `yaml:"permissions"`
	Jobs        map[string]yaml.Node `yaml:"jobs"`
}

// PermissionBits reads top-level and per-job permissions blocks. found is
// false when no block is declared anywhere.
func PermissionBits(content string) (bits int, found bool, err error) {
	var wf workflow
	if err := yaml.Unmarshal([]byte(content), &wf); err != nil {
		return 0, false, err
	}
	if wf.Permissions.Kind != 0 {
		b, err := permissionNode(&wf.Permissions)
		if err != nil {
			return 0, false, err
		}
		bits |= b
		found = true
	}
	for name, job := range wf.Jobs {
		var j struct {
			Permissions yaml.Node `yaml:"permissions"`
		}
		if err := job.Decode(&j); err != nil {
			return 0, false, fmt.Errorf("job %s: %w", name, err)
		}
		if j.Permissions.Kind == 0 {
			continue
		}
		b, err := permissionNode(&j.Permissions)
		if err != nil {
			return 0, false, fmt.Errorf("job %s: %w", name, err)
		}
		bits |= b
		found = true
	}
	return bits, found, nil
}

func permissionNode(n *yaml.Node) (int, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		switch strings.ToLower(strings.TrimSpace(n.Value)) {
		case "write-all":
			return BitWriteAll, nil
		case "read-all", "":
			return 0, nil
		default:
			return 0, fmt.Errorf("unknown permissions shorthand %q", n.Value)
		}
	case yaml.MappingNode:
		var scopes map[string]string
		if err := n.Decode(&scopes); err != nil {
			return 0, err
		}
		bits := 0
		for scope, level := range scopes {
			switch strings.ToLower(strings.TrimSpace(level)) {
			case "read", "none":
				continue
			case "write":
			default:
				return 0, fmt.Errorf("scope %s: unknown level %q", scope, level)
			}
			if b, ok := scopeBits[strings.ToLower(scope)]; ok {
				bits |= b
			} else {
				bits |= BitUnknownScope
			}
		}
		return bits, nil
	default:
		return 0, fmt.Errorf("permissions must be a string or mapping")
	}
}

type metricSample struct {
	Current   *float64 `yaml:"current"`
	Baseline  *float64 `yaml:"baseline"`
	Threshold *float64 `yaml:"threshold"`
}

// Drift parses a metric artifact. The format is JSON or YAML with current,
// baseline and an optional threshold.
func Drift(content string) (*model.DriftInput, error) {
	var s metricSample
	if err := yaml.Unmarshal([]byte(content), &s); err != nil {
		return nil, err
	}
	if s.Current == nil || s.Baseline == nil {
		return nil, fmt.Errorf("metric sample needs current and baseline")
	}
	in := &model.DriftInput{Current: *s.Current, Baseline: *s.Baseline}
	if s.Threshold != nil && !math.IsNaN(*s.Threshold) {
		th := *s.Threshold
		in.Threshold = &th
	}
	return in, nil
}

// FromArtifacts ORs permission bits across every workflow and takes drift
// from the first metric artifact. An unparseable artifact is an error: its
// inputs are unknown, not absent.
func FromArtifacts(artifacts []model.Artifact) (Derived, error) {
	var out Derived
	for _, a := range artifacts {
		switch a.Kind() {
		case model.CategoryWorkflow:
			bits, found, err := PermissionBits(a.Content)
			if err != nil {
				return out, faults.Wrap(extractErr, faults.CodeValidation, err, "unparseable workflow").With("path", a.Path)
			}
			if !found {
				continue
			}
			if out.PermissionBits == nil {
				out.PermissionBits = new(int)
			}
			*out.PermissionBits |= bits
		case model.CategoryMetric:
			if out.Drift != nil {
				continue
			}
			d, err := Drift(a.Content)
			if err != nil {
				return out, faults.Wrap(extractErr, faults.CodeValidation, err, "unparseable metric sample").With("path", a.Path)
			}
			out.Drift = d
		}
	}
	return out, nil
}
