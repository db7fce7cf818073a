package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"govoracle/internal/audit"
	"govoracle/internal/config"
	"govoracle/internal/extract"
	"govoracle/internal/faults"
	"govoracle/internal/invariant"
	"govoracle/internal/logging"
	"govoracle/internal/metrics"
	"govoracle/internal/model"
	"govoracle/internal/storage"
)

const (
	engineErr = "EngineError"

	maxConcurrentLookups = 16
	circuitLogCooldown   = time.Minute
)

// Deps are the collaborators of an Engine. The four stores are required;
// the rest fall back to in-process defaults.
type Deps struct {
	FP        storage.FPStore
	Consent   storage.ConsentStore
	Counter   storage.BlockCounter
	Secrets   storage.SecretStore
	Metrics   *metrics.Store
	Audit     *audit.Log
	Publisher audit.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Engine struct {
	logger    *slog.Logger
	metrics   *metrics.Store
	audit     *audit.Log
	publisher audit.Publisher
	fp        storage.FPStore
	consent   storage.ConsentStore
	counter   storage.BlockCounter
	secrets   storage.SecretStore
	cfg       atomic.Value
	rules     atomic.Value
	cooldown  *Cooldown
	now       func() time.Time
}

func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.FP == nil || deps.Consent == nil || deps.Counter == nil || deps.Secrets == nil {
		return nil, errors.New("engine requires fp, consent, block counter and secret stores")
	}
	rs, err := buildRuleSet(cfg.Rules)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		audit:     deps.Audit,
		publisher: deps.Publisher,
		fp:        deps.FP,
		consent:   deps.Consent,
		counter:   deps.Counter,
		secrets:   deps.Secrets,
		now:       deps.Clock,
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	if e.audit == nil {
		e.audit = audit.NewLog(cfg.Audit.StoreLimit)
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.cooldown = NewCooldown(e.now)
	e.cfg.Store(cfg)
	e.rules.Store(rs)
	return e, nil
}

// UpdateConfig swaps configuration and rules atomically. A rule set that
// does not compile leaves the previous one in place.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	rs, err := buildRuleSet(cfg.Rules)
	if err != nil {
		return err
	}
	e.cfg.Store(cfg)
	e.rules.Store(rs)
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) ruleSet() *RuleSet {
	return e.rules.Load().(*RuleSet)
}

func (e *Engine) Metrics() *metrics.Store {
	return e.metrics
}

func (e *Engine) Audit() *audit.Log {
	return e.audit
}

// pass is the state of a single Decide call.
type pass struct {
	cfg     *config.Config
	req     model.Request
	d       model.Decision
	blocked []string
}

func (p *pass) raise(o model.Outcome, reason string) {
	if o.Rank() > p.d.Outcome.Rank() {
		p.d.Outcome = o
	}
	if reason != "" {
		p.d.Reasons = append(p.d.Reasons, reason)
	}
}

// Decide runs one request through the pipeline: L0 invariants, consent,
// nonce, rule evaluation, false-positive filtering with circuit breaking,
// then aggregation. Only malformed requests return an error; every store
// failure is resolved into the decision by the policy of its call site.
func (e *Engine) Decide(ctx context.Context, req model.Request) (model.Decision, error) {
	if err := validateRequest(&req); err != nil {
		return model.Decision{}, err
	}
	rules, unknown := e.ruleSet().Select(req.RuleSet)
	if len(unknown) > 0 {
		return model.Decision{}, faults.New(engineErr, faults.CodeValidation, "unknown rules requested").
			With("rules", strings.Join(unknown, ","))
	}
	p := &pass{
		cfg: e.config(),
		req: req,
		d: model.Decision{
			RequestID:          req.RequestID,
			OrgID:              req.OrgID,
			Outcome:            model.OutcomeAllow,
			Findings:           []model.Finding{},
			SuppressedFindings: []model.Finding{},
			Reasons:            []string{},
		},
	}
	if p.d.RequestID == "" {
		p.d.RequestID = uuid.NewString()
	}

	if e.runInvariants(p) && e.checkConsent(ctx, p) && e.checkNonce(ctx, p) {
		findings := evaluate(rules, req.Artifacts)
		p.d.ChecksPerformed += len(rules)
		e.filterFindings(ctx, p, findings)
	}
	return e.finish(ctx, p), nil
}

func validateRequest(req *model.Request) error {
	req.OrgID = strings.TrimSpace(req.OrgID)
	if req.OrgID == "" {
		return faults.New(engineErr, faults.CodeValidation, "org_id required")
	}
	switch req.Mode {
	case "":
		req.Mode = model.ModeEnforce
	case model.ModeEnforce, model.ModeAdvisory:
	default:
		return faults.New(engineErr, faults.CodeValidation, "invalid mode").With("mode", string(req.Mode))
	}
	for i, a := range req.Artifacts {
		if strings.TrimSpace(a.Path) == "" {
			return faults.New(engineErr, faults.CodeValidation, "artifact path required").With("index", i)
		}
	}
	return nil
}

func invariantParams(cfg *config.Config) invariant.Params {
	return invariant.Params{
		Schema:               invariant.SchemaPin{Version: cfg.Invariants.SchemaVersion, Hash: cfg.Invariants.SchemaHash},
		DriftThreshold:       cfg.Invariants.DriftThreshold,
		NonceMaxAge:          cfg.Invariants.NonceMaxAge,
		ContractionMinEvents: cfg.Invariants.ContractionMinEvents,
	}
}

// runInvariants is fail-closed: any failing check except advisory drift ends
// the pass with BLOCK.
func (e *Engine) runInvariants(p *pass) bool {
	in := p.req.Invariants
	derived, err := extract.FromArtifacts(p.req.Artifacts)
	if err != nil {
		e.logger.Warn("invariant inputs unreadable", "request_id", p.d.RequestID, "org_id", p.req.OrgID, "err", err)
		p.raise(model.OutcomeBlock, "invariant_input_invalid")
		return false
	}
	if in.PermissionBits == nil {
		in.PermissionBits = derived.PermissionBits
	}
	if in.Drift == nil {
		in.Drift = derived.Drift
	}
	if in.Nonce == nil && p.req.Nonce != nil {
		in.Nonce = &model.NonceInput{IssuedAt: p.req.Nonce.IssuedAt}
	}
	results := invariant.Evaluate(in, invariantParams(p.cfg), e.now().UTC())
	p.d.Invariants = results
	p.d.ChecksPerformed += len(results)
	ok := true
	for _, r := range results {
		if r.Passed {
			continue
		}
		if r.InvariantID == invariant.IDDrift && !p.cfg.Invariants.DriftBlocking {
			p.raise(model.OutcomeWarn, "invariant_warn:"+r.InvariantID)
			continue
		}
		p.raise(model.OutcomeBlock, "invariant_failed:"+r.InvariantID)
		ok = false
	}
	return ok
}

// checkConsent is fail-closed: an unreachable consent store blocks.
func (e *Engine) checkConsent(ctx context.Context, p *pass) bool {
	resources := p.cfg.Consent.RequiredResources
	if len(resources) == 0 {
		return true
	}
	check, err := e.consent.CheckMultipleResources(ctx, p.req.OrgID, p.req.RepoID, resources)
	if err != nil {
		e.logger.Error("consent check failed, blocking",
			"request_id", p.d.RequestID,
			"org_id", p.req.OrgID,
			"code", faults.CodeOf(err),
			"err", err,
		)
		p.raise(model.OutcomeBlock, "consent_unavailable")
		return false
	}
	if check.AllGranted {
		return true
	}
	for _, res := range check.MissingConsent {
		p.raise(model.OutcomeBlock, "consent_required:"+res)
	}
	return false
}

// checkNonce is fail-closed. Any stored version is accepted so claims signed
// with the previous nonce survive a rotation.
func (e *Engine) checkNonce(ctx context.Context, p *pass) bool {
	if p.req.Nonce == nil {
		return true
	}
	values, err := e.secrets.GetNonces(ctx)
	if err != nil {
		reason := "nonce_unavailable"
		if faults.HasCode(err, faults.CodeNonceNotFound) {
			reason = "nonce_not_configured"
		}
		e.logger.Error("nonce lookup failed, blocking",
			"request_id", p.d.RequestID,
			"org_id", p.req.OrgID,
			"code", faults.CodeOf(err),
			"err", err,
		)
		p.raise(model.OutcomeBlock, reason)
		return false
	}
	claim := []byte(p.req.Nonce.Value)
	for _, v := range values {
		if subtle.ConstantTimeCompare(claim, []byte(v)) == 1 {
			return true
		}
	}
	p.raise(model.OutcomeBlock, "nonce_mismatch")
	return false
}

func evaluate(rules []*Rule, artifacts []model.Artifact) []model.Finding {
	out := make([]model.Finding, 0)
	seen := make(map[string]struct{})
	for _, r := range rules {
		for _, a := range artifacts {
			if !r.Match(a) {
				continue
			}
			f := r.finding(a)
			if _, dup := seen[f.FindingID]; dup {
				continue
			}
			seen[f.FindingID] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// filterFindings runs false-positive lookups and circuit checks
// concurrently. Both are fail-open: an error leaves the finding unsuppressed
// and the circuit closed.
func (e *Engine) filterFindings(ctx context.Context, p *pass, findings []model.Finding) {
	if len(findings) == 0 {
		return
	}
	suppressed := make([]bool, len(findings))
	var (
		mu     sync.Mutex
		broken = make(map[string]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, f := range findings {
		g.Go(func() error {
			fp, err := e.fp.IsFalsePositive(gctx, p.req.OrgID, f.RuleID, f.FindingID)
			if err != nil {
				e.suppressedError(metrics.SiteFPLookup, p, f.RuleID, err)
				return nil
			}
			suppressed[i] = fp
			return nil
		})
	}
	if p.cfg.CircuitBreaker.Enabled {
		threshold := int64(p.cfg.CircuitBreaker.Threshold)
		for _, ruleID := range blockingRules(findings) {
			g.Go(func() error {
				open, err := e.counter.IsCircuitBroken(gctx, ruleID, p.req.OrgID, threshold)
				if err != nil {
					e.suppressedError(metrics.SiteCircuitCheck, p, ruleID, err)
					return nil
				}
				if open {
					mu.Lock()
					broken[ruleID] = true
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	advisory := p.req.Mode == model.ModeAdvisory
	capped := false
	contributed := make(map[string]model.Outcome)
	var order []string
	circuitNoted := make(map[string]bool)
	for i, f := range findings {
		if suppressed[i] {
			f.Reason = "false_positive"
			p.d.SuppressedFindings = append(p.d.SuppressedFindings, f)
			e.metrics.RecordFPSuppressed(f.RuleID)
			continue
		}
		if f.Severity == model.OutcomeBlock && broken[f.RuleID] {
			if p.cfg.CircuitBreaker.OnOpen != config.OnOpenBlock {
				f.Severity = model.OutcomeWarn
			}
			f.Reason = "circuit_open"
			if !circuitNoted[f.RuleID] {
				circuitNoted[f.RuleID] = true
				e.circuitOpen(p, f.RuleID)
			}
		}
		p.d.Findings = append(p.d.Findings, f)

		effect := f.Severity
		if advisory && effect == model.OutcomeBlock {
			effect = model.OutcomeWarn
			capped = true
		}
		prev, seen := contributed[f.RuleID]
		if !seen {
			order = append(order, f.RuleID)
		}
		if !seen || effect.Rank() > prev.Rank() {
			contributed[f.RuleID] = effect
		}
	}
	for _, ruleID := range order {
		effect := contributed[ruleID]
		p.raise(effect, string(effect)+":"+ruleID)
		if effect == model.OutcomeBlock {
			p.blocked = append(p.blocked, ruleID)
		}
	}
	if capped {
		p.raise(model.OutcomeWarn, "advisory_mode")
	}
}

func blockingRules(findings []model.Finding) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, f := range findings {
		if f.Severity != model.OutcomeBlock {
			continue
		}
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		out = append(out, f.RuleID)
	}
	return out
}

func (e *Engine) circuitOpen(p *pass, ruleID string) {
	p.d.Reasons = append(p.d.Reasons, "circuit_open:"+ruleID)
	e.metrics.RecordCircuitOpen(ruleID)
	if e.cooldown.AllowKey(ruleID+"|"+p.req.OrgID, circuitLogCooldown) {
		e.logger.Warn("circuit open",
			"rule_id", ruleID,
			"org_id", p.req.OrgID,
			"threshold", p.cfg.CircuitBreaker.Threshold,
			"on_open", p.cfg.CircuitBreaker.OnOpen,
		)
	}
}

func (e *Engine) suppressedError(site string, p *pass, ruleID string, err error) {
	e.metrics.RecordSuppressedError(site)
	e.logger.Warn("store error ignored",
		"site", site,
		"request_id", p.d.RequestID,
		"rule_id", ruleID,
		"org_id", p.req.OrgID,
		"code", faults.CodeOf(err),
		"err", err,
	)
}

// finish stamps the decision and performs fail-open bookkeeping: block
// counters, FP event records, metrics, the audit log and publishing.
func (e *Engine) finish(ctx context.Context, p *pass) model.Decision {
	p.d.DecidedAt = e.now().UTC()
	for _, ruleID := range p.blocked {
		if _, err := e.counter.Increment(ctx, ruleID, p.req.OrgID); err != nil {
			e.suppressedError(metrics.SiteIncrement, p, ruleID, err)
		}
	}
	// Suppressed findings are not recorded; only a review flips an event to
	// a false positive.
	if p.cfg.FP.RecordEvents {
		for _, f := range p.d.Findings {
			e.recordEvent(ctx, p, f)
		}
	}
	for _, f := range p.d.Findings {
		e.metrics.RecordFinding(f.RuleID, f.Severity)
	}
	e.metrics.RecordDecision(p.d.Outcome)
	e.audit.Add(p.d)
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, p.d); err != nil {
			e.suppressedError(metrics.SitePublish, p, "", err)
		}
	}
	e.logger.Info("decision",
		"request_id", p.d.RequestID,
		"org_id", p.req.OrgID,
		"outcome", p.d.Outcome,
		"findings", len(p.d.Findings),
		"suppressed", len(p.d.SuppressedFindings),
		"checks", p.d.ChecksPerformed,
		"reasons", p.d.Reasons,
	)
	return p.d
}

func (e *Engine) recordEvent(ctx context.Context, p *pass, f model.Finding) {
	evCtx := p.req.Context
	evCtx.OrgID = p.req.OrgID
	if evCtx.Repo == "" {
		evCtx.Repo = p.req.RepoID
	}
	ev := model.FPEvent{
		EventID:     uuid.NewString(),
		RuleID:      f.RuleID,
		RuleVersion: f.RuleVersion,
		FindingID:   f.FindingID,
		Outcome:     f.Severity,
		Timestamp:   p.d.DecidedAt,
		Context:     evCtx,
	}
	if err := e.fp.RecordEvent(ctx, ev); err != nil {
		e.suppressedError(metrics.SiteRecordEvent, p, f.RuleID, err)
	}
}
