package model

import (
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeBlock Outcome = "block"
)

// Rank orders outcomes by severity: allow < warn < block.
func (o Outcome) Rank() int {
	switch o {
	case OutcomeBlock:
		return 2
	case OutcomeWarn:
		return 1
	default:
		return 0
	}
}

func (o Outcome) Valid() bool {
	return o == OutcomeAllow || o == OutcomeWarn || o == OutcomeBlock
}

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeAdvisory Mode = "advisory"
)

const (
	CategoryFile     = "file"
	CategoryWorkflow = "workflow"
	CategoryMetric   = "metric"
)

type Artifact struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Hash     string `json:"hash"`
	Category string `json:"category"`
}

// Kind is the trimmed, lowercased category; uncategorized artifacts are
// files.
func (a Artifact) Kind() string {
	if c := strings.ToLower(strings.TrimSpace(a.Category)); c != "" {
		return c
	}
	return CategoryFile
}

type Finding struct {
	FindingID   string  `json:"finding_id"`
	RuleID      string  `json:"rule_id"`
	RuleVersion string  `json:"rule_version"`
	Severity    Outcome `json:"severity"`
	Path        string  `json:"path"`
	Message     string  `json:"message"`
	Reason      string  `json:"reason,omitempty"`
}

type Decision struct {
	RequestID          string            `json:"request_id"`
	OrgID              string            `json:"org_id"`
	Outcome            Outcome           `json:"outcome"`
	Findings           []Finding         `json:"findings"`
	SuppressedFindings []Finding         `json:"suppressed_findings"`
	ChecksPerformed    int               `json:"checks_performed"`
	Reasons            []string          `json:"reasons"`
	Invariants         []InvariantResult `json:"invariants,omitempty"`
	DecidedAt          time.Time         `json:"decided_at"`
}

type InvariantResult struct {
	InvariantID string `json:"invariant_id"`
	Passed      bool   `json:"passed"`
	Message     string `json:"message"`
	Evidence    string `json:"evidence,omitempty"`
	LatencyNs   int64  `json:"latency_ns"`
}

type EventContext struct {
	OrgID     string `json:"org_id"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

type FPEvent struct {
	EventID         string       `json:"event_id"`
	RuleID          string       `json:"rule_id"`
	RuleVersion     string       `json:"rule_version"`
	FindingID       string       `json:"finding_id"`
	Outcome         Outcome      `json:"outcome"`
	IsFalsePositive bool         `json:"is_false_positive"`
	Timestamp       time.Time    `json:"timestamp"`
	Context         EventContext `json:"context"`
	ReviewedBy      string       `json:"reviewed_by,omitempty"`
	Ticket          string       `json:"ticket,omitempty"`
	ReviewedAt      *time.Time   `json:"reviewed_at,omitempty"`
}

type WindowStatistics struct {
	Total          int     `json:"total"`
	FalsePositives int     `json:"false_positives"`
	TruePositives  int     `json:"true_positives"`
	Pending        int     `json:"pending"`
	ObservedFPR    float64 `json:"observed_fpr"`
}

type FPWindow struct {
	RuleID      string           `json:"rule_id"`
	RuleVersion string           `json:"rule_version"`
	Events      []FPEvent        `json:"events"`
	Statistics  WindowStatistics `json:"statistics"`
}

type ConsentState string

const (
	ConsentGranted      ConsentState = "granted"
	ConsentExpired      ConsentState = "expired"
	ConsentRevoked      ConsentState = "revoked"
	ConsentPending      ConsentState = "pending"
	ConsentNotRequested ConsentState = "not_requested"
)

type ConsentRecord struct {
	OrgID       string     `json:"org_id"`
	Resource    string     `json:"resource"`
	RepoID      string     `json:"repo_id,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	GrantedBy   string     `json:"granted_by,omitempty"`
	GrantedAt   *time.Time `json:"granted_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Revoked     bool       `json:"revoked"`
	RevokedBy   string     `json:"revoked_by,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// State derives the consent state at now. Revoked wins over expired,
// expired wins over granted.
func (r ConsentRecord) State(now time.Time) ConsentState {
	if r.Revoked {
		return ConsentRevoked
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return ConsentExpired
	}
	if r.GrantedAt != nil {
		return ConsentGranted
	}
	return ConsentPending
}

type ConsentGrant struct {
	OrgID     string     `json:"org_id"`
	Resource  string     `json:"resource"`
	RepoID    string     `json:"repo_id,omitempty"`
	GrantedBy string     `json:"granted_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type ConsentCheck struct {
	Resource string         `json:"resource"`
	Granted  bool           `json:"granted"`
	State    ConsentState   `json:"state"`
	Record   *ConsentRecord `json:"record,omitempty"`
}

type MultiConsentCheck struct {
	AllGranted     bool                    `json:"all_granted"`
	MissingConsent []string                `json:"missing_consent"`
	Results        map[string]ConsentCheck `json:"results"`
}

type ConsentSummary struct {
	OrgID   string               `json:"org_id"`
	Records []ConsentRecord      `json:"records"`
	States  map[ConsentState]int `json:"states"`
}

type NonceConfig struct {
	Value     string    `json:"value"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
}

type CalibrationResult struct {
	RuleID            string  `json:"rule_id"`
	TotalFPs          int     `json:"total_fps"`
	TotalEvents       int     `json:"total_events"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	MeetsKAnonymity   bool    `json:"meets_k_anonymity"`
	DistinctOrgs      int     `json:"distinct_orgs"`
}

type DriftInput struct {
	Current   float64  `json:"current"`
	Baseline  float64  `json:"baseline"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type NonceInput struct {
	IssuedAt      time.Time `json:"issued_at"`
	MaxAgeSeconds int64     `json:"max_age_seconds,omitempty"`
}

type ContractionInput struct {
	PreviousFPR       float64 `json:"previous_fpr"`
	CurrentFPR        float64 `json:"current_fpr"`
	WitnessEventCount int     `json:"witness_event_count"`
	MinRequiredEvents int     `json:"min_required_events,omitempty"`
}

// InvariantInputs carries caller-sourced inputs for the L0 checks. A nil
// field means the check was not requested.
type InvariantInputs struct {
	SchemaVersion  *string           `json:"schema_version,omitempty"`
	PermissionBits *int              `json:"permission_bits,omitempty"`
	Drift          *DriftInput       `json:"drift,omitempty"`
	Nonce          *NonceInput       `json:"nonce,omitempty"`
	Contraction    *ContractionInput `json:"contraction,omitempty"`
}

type NonceClaim struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

type Request struct {
	RequestID  string          `json:"request_id"`
	OrgID      string          `json:"org_id"`
	RepoID     string          `json:"repo_id,omitempty"`
	Artifacts  []Artifact      `json:"artifacts"`
	RuleSet    []string        `json:"rule_set,omitempty"`
	Mode       Mode            `json:"mode,omitempty"`
	Invariants InvariantInputs `json:"invariants"`
	Nonce      *NonceClaim     `json:"nonce,omitempty"`
	Context    EventContext    `json:"context"`
}
