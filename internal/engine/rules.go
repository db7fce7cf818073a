package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"govoracle/internal/config"
	"govoracle/internal/model"
)

type Rule struct {
	ID         string
	Version    string
	Severity   model.Outcome
	Categories map[string]struct{}
	PathGlob   string
	Pattern    *regexp.Regexp
	Message    string
	Disabled   bool
}

type RuleSet struct {
	ordered []*Rule
	byID    map[string]*Rule
}

func buildRuleSet(cfgs []config.RuleConfig) (*RuleSet, error) {
	rs := &RuleSet{byID: make(map[string]*Rule, len(cfgs))}
	for i, rc := range cfgs {
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return nil, fmt.Errorf("rules[%d]: id required", i)
		}
		if _, dup := rs.byID[id]; dup {
			return nil, fmt.Errorf("rules[%d]: duplicate id %s", i, id)
		}
		r := &Rule{
			ID:       id,
			Version:  rc.Version,
			Severity: model.Outcome(strings.ToLower(strings.TrimSpace(rc.Severity))),
			PathGlob: strings.TrimSpace(rc.PathGlob),
			Message:  rc.Message,
			Disabled: rc.Disabled,
		}
		if r.Version == "" {
			r.Version = "1"
		}
		if r.Severity == "" {
			r.Severity = model.OutcomeWarn
		}
		if r.Severity != model.OutcomeBlock && r.Severity != model.OutcomeWarn {
			return nil, fmt.Errorf("rule %s: severity must be block or warn", id)
		}
		if r.PathGlob != "" {
			if _, err := path.Match(strings.TrimPrefix(r.PathGlob, "**/"), ""); err != nil {
				return nil, fmt.Errorf("rule %s: path_glob: %w", id, err)
			}
		}
		if rc.Pattern != "" {
			re, err := regexp.Compile(rc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: pattern: %w", id, err)
			}
			r.Pattern = re
		}
		if r.PathGlob == "" && r.Pattern == nil {
			return nil, fmt.Errorf("rule %s: path_glob or pattern required", id)
		}
		if len(rc.Categories) > 0 {
			r.Categories = make(map[string]struct{}, len(rc.Categories))
			for _, c := range rc.Categories {
				r.Categories[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
			}
		}
		rs.ordered = append(rs.ordered, r)
		rs.byID[id] = r
	}
	return rs, nil
}

// Select returns the rules named by ids in configuration order, or every
// enabled rule when ids is empty. unknown lists ids with no definition.
func (rs *RuleSet) Select(ids []string) (rules []*Rule, unknown []string) {
	if len(ids) == 0 {
		for _, r := range rs.ordered {
			if !r.Disabled {
				rules = append(rules, r)
			}
		}
		return rules, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := rs.byID[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		want[id] = struct{}{}
	}
	for _, r := range rs.ordered {
		if _, ok := want[r.ID]; ok && !r.Disabled {
			rules = append(rules, r)
		}
	}
	return rules, unknown
}

func (rs *RuleSet) Len() int {
	return len(rs.ordered)
}

// Match reports whether the rule fires on the artifact. Every configured
// criterion must hold.
func (r *Rule) Match(a model.Artifact) bool {
	if r.Categories != nil {
		if _, ok := r.Categories[a.Kind()]; !ok {
			return false
		}
	}
	if r.PathGlob != "" && !matchGlob(r.PathGlob, a.Path) {
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(a.Content) {
		return false
	}
	return true
}

func (r *Rule) finding(a model.Artifact) model.Finding {
	msg := r.Message
	if msg == "" {
		msg = "rule " + r.ID + " matched"
	}
	return model.Finding{
		FindingID:   FindingID(r.ID, a),
		RuleID:      r.ID,
		RuleVersion: r.Version,
		Severity:    r.Severity,
		Path:        a.Path,
		Message:     msg,
	}
}

// FindingID is stable across requests for the same rule, path and content,
// so a reviewed false positive stays suppressed until the content changes.
func FindingID(ruleID string, a model.Artifact) string {
	hash := a.Hash
	if hash == "" {
		sum := sha256.Sum256([]byte(a.Content))
		hash = hex.EncodeToString(sum[:])
	}
	h := sha256.Sum256([]byte(ruleID + "|" + a.Path + "|" + hash))
	return hex.EncodeToString(h[:])
}

// matchGlob is path.Match with one extension: a leading "**/" matches any
// number of directories, and a glob without "/" matches the base name.
func matchGlob(glob, p string) bool {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if rest, ok := strings.CutPrefix(glob, "**/"); ok {
		segs := strings.Split(p, "/")
		for i := range segs {
			if ok, _ := path.Match(rest, strings.Join(segs[i:], "/")); ok {
				return true
			}
		}
		return false
	}
	if !strings.Contains(glob, "/") {
		ok, _ := path.Match(glob, path.Base(p))
		return ok
	}
	ok, _ := path.Match(glob, p)
	return ok
}
