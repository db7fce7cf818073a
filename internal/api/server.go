package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"govoracle/internal/audit"
	"govoracle/internal/calibration"
	"govoracle/internal/config"
	"govoracle/internal/faults"
	"govoracle/internal/ingest"
	"govoracle/internal/metrics"
	"govoracle/internal/model"
	"govoracle/internal/storage"
)

const apiErr = "APIError"

type EngineControl interface {
	Decide(ctx context.Context, req model.Request) (model.Decision, error)
	UpdateConfig(cfg *config.Config) error
}

type Deps struct {
	Config  *config.Manager
	Engine  EngineControl
	Stores  *storage.Backends
	Metrics *metrics.Store
	Audit   *audit.Log
	Reviews *ingest.Applier
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg     *config.Manager
	engine  EngineControl
	stores  *storage.Backends
	metrics *metrics.Store
	audit   *audit.Log
	reviews *ingest.Applier
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status         string                      `json:"status"`
	Time           string                      `json:"time"`
	Version        string                      `json:"version"`
	ConfigPath     string                      `json:"config_path"`
	Storage        storageStatus               `json:"storage"`
	Rules          int                         `json:"rules"`
	CircuitBreaker config.CircuitBreakerConfig `json:"circuit_breaker"`
	Consent        config.ConsentConfig        `json:"consent"`
	Kafka          kafkaStatus                 `json:"kafka"`
	Reviews        *ingest.Stats               `json:"reviews,omitempty"`
}

type storageStatus struct {
	Driver       string `json:"driver"`
	BlockCounter string `json:"block_counter"`
	Secrets      string `json:"secrets"`
}

type kafkaStatus struct {
	Reviews   bool `json:"reviews"`
	Decisions bool `json:"decisions"`
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:     deps.Config,
		engine:  deps.Engine,
		stores:  deps.Stores,
		metrics: deps.Metrics,
		audit:   deps.Audit,
		reviews: deps.Reviews,
		logger:  deps.Logger,
		version: deps.Version,
	}
	if s.cfg == nil {
		s.cfg = config.NewStaticManager(nil)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/decide", s.handleDecide)
	mux.HandleFunc("/decisions", s.handleDecisions)
	mux.HandleFunc("/decisions/", s.handleDecisions)
	mux.HandleFunc("/fp/events", s.handleEvents)
	mux.HandleFunc("/fp/events/", s.handleMark)
	mux.HandleFunc("/fp/window", s.handleWindow)
	if s.reviews != nil {
		mux.Handle("/fp/reviews", ingest.NewReviewHandler(s.reviews, s.logger))
	}
	mux.HandleFunc("/consent/request", s.handleConsentRequest)
	mux.HandleFunc("/consent/grant", s.handleConsentGrant)
	mux.HandleFunc("/consent/revoke", s.handleConsentRevoke)
	mux.HandleFunc("/consent/check", s.handleConsentCheck)
	mux.HandleFunc("/consent/summary", s.handleConsentSummary)
	mux.HandleFunc("/nonce", s.handleNonce)
	mux.HandleFunc("/nonce/rotate", s.handleNonceRotate)
	mux.HandleFunc("/calibration/", s.handleCalibration)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/", s.handleMetrics)
	mux.HandleFunc("/admin/clear", s.handleClear)
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage: storageStatus{
			Driver:       cfg.Storage.Driver,
			BlockCounter: overrideDriver(cfg.Storage.BlockCounter, cfg.Storage.Driver),
			Secrets:      overrideDriver(cfg.Storage.Secrets, cfg.Storage.Driver),
		},
		Rules:          len(cfg.Rules),
		CircuitBreaker: cfg.CircuitBreaker,
		Consent:        cfg.Consent,
		Kafka: kafkaStatus{
			Reviews:   cfg.Kafka.Reviews.Enabled,
			Decisions: cfg.Kafka.Decisions.Enabled,
		},
	}
	if s.reviews != nil {
		stats := s.reviews.Stats()
		resp.Reviews = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func overrideDriver(o config.BackendOverride, fallback string) string {
	if o.Driver != "" {
		return o.Driver
	}
	return fallback
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.Request
	if !readJSON(w, r, 8<<20, &req) {
		return
	}
	d, err := s.engine.Decide(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/decisions"), "/"); id != "" {
		d, ok := s.audit.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}
	var list []model.Decision
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.audit.Since(ts)
	} else {
		list = s.audit.List(queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": list,
		"count":     len(list),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		events, err := s.orgEvents(r.Context(), q.Get("rule_id"), q.Get("org_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"count":  len(events),
		})
	case http.MethodPost:
		var ev model.FPEvent
		if !readJSON(w, r, 1<<20, &ev) {
			return
		}
		if err := s.stores.FP.RecordEvent(r.Context(), ev); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "event_id": ev.EventID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleMark serves POST /fp/events/{id}/mark.
func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/fp/events/")
	eventID, ok := strings.CutSuffix(rest, "/mark")
	if !ok || eventID == "" || strings.Contains(eventID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body struct {
		Reviewer string `json:"reviewer"`
		Ticket   string `json:"ticket"`
	}
	if !readJSON(w, r, 1<<20, &body) {
		return
	}
	if err := s.stores.FP.MarkFalsePositive(r.Context(), eventID, body.Reviewer, body.Ticket); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "event_id": eventID})
}

// orgEvents returns ruleID's events recorded for orgID, most recent first.
// Per-event views are always org-scoped; cross-org figures are served only
// through calibration.
func (s *Server) orgEvents(ctx context.Context, ruleID, orgID string) ([]model.FPEvent, error) {
	if ruleID == "" || orgID == "" {
		return nil, faults.New(apiErr, faults.CodeValidation, "rule_id and org_id required").
			With("rule_id", ruleID).With("org_id", orgID)
	}
	events, err := s.stores.FP.EventsByRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	out := make([]model.FPEvent, 0, len(events))
	for _, ev := range events {
		if ev.Context.OrgID == orgID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// handleWindow serves GET /fp/window?rule_id=..&org_id=..&n=.. or
// &since=RFC3339, computed over the organization's own events.
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	var (
		since time.Time
		n     int
	)
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.writeError(w, faults.New(apiErr, faults.CodeValidation, "since must be RFC3339").With("since", sinceStr))
			return
		}
		since = ts
	} else {
		n = queryInt(r, "n", s.cfg.Get().FP.WindowSize)
		if n <= 0 {
			s.writeError(w, faults.New(apiErr, faults.CodeValidation, "n must be positive").With("n", n))
			return
		}
	}
	events, err := s.orgEvents(r.Context(), q.Get("rule_id"), q.Get("org_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	windowed := events[:0]
	for _, ev := range events {
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		windowed = append(windowed, ev)
		if n > 0 && len(windowed) == n {
			break
		}
	}
	writeJSON(w, http.StatusOK, storage.ComputeWindow(q.Get("rule_id"), windowed))
}

type consentBody struct {
	OrgID       string `json:"org_id"`
	Resource    string `json:"resource"`
	RepoID      string `json:"repo_id"`
	RequestedBy string `json:"requested_by"`
	RevokedBy   string `json:"revoked_by"`
}

func (s *Server) handleConsentRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body consentBody
	if !readJSON(w, r, 1<<20, &body) {
		return
	}
	if err := s.stores.Consent.RequestConsent(r.Context(), body.OrgID, body.Resource, body.RepoID, body.RequestedBy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeConsentState(w, r, body.OrgID, body.Resource, body.RepoID)
}

func (s *Server) handleConsentGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var grant model.ConsentGrant
	if !readJSON(w, r, 1<<20, &grant) {
		return
	}
	if err := s.stores.Consent.GrantConsent(r.Context(), grant); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeConsentState(w, r, grant.OrgID, grant.Resource, grant.RepoID)
}

func (s *Server) handleConsentRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body consentBody
	if !readJSON(w, r, 1<<20, &body) {
		return
	}
	if err := s.stores.Consent.RevokeConsent(r.Context(), body.OrgID, body.Resource, body.RepoID, body.RevokedBy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeConsentState(w, r, body.OrgID, body.Resource, body.RepoID)
}

func (s *Server) writeConsentState(w http.ResponseWriter, r *http.Request, orgID, resource, repoID string) {
	check, err := s.stores.Consent.CheckResourceConsent(r.Context(), orgID, resource, repoID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// handleConsentCheck serves GET /consent/check?org_id=..&resource=..[&resource=..][&repo_id=..].
// A single resource returns one check; several return the combined result.
func (s *Server) handleConsentCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	resources := q["resource"]
	if len(resources) == 1 {
		s.writeConsentState(w, r, q.Get("org_id"), resources[0], q.Get("repo_id"))
		return
	}
	check, err := s.stores.Consent.CheckMultipleResources(r.Context(), q.Get("org_id"), q.Get("repo_id"), resources)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleConsentSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	summary, err := s.stores.Consent.GetConsentSummary(r.Context(), r.URL.Query().Get("org_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type nonceView struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
}

// handleNonce reports the current nonce version. The value itself is never
// served.
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := s.stores.Secrets.GetNonce(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonceView{Version: n.Version, CreatedAt: n.CreatedAt, Source: n.Source})
}

func (s *Server) handleNonceRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Value  string `json:"value"`
		Source string `json:"source"`
	}
	if !readJSON(w, r, 1<<20, &body) {
		return
	}
	n, err := RotateNonce(r.Context(), s.stores.Secrets, body.Value, body.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.logger != nil {
		s.logger.Info("nonce rotated", "version", n.Version, "source", n.Source)
	}
	writeJSON(w, http.StatusOK, nonceView{Version: n.Version, CreatedAt: n.CreatedAt, Source: n.Source})
}

// RotateNonce stores value as the next nonce version, generating a random
// 32-byte value when empty, and returns the new current nonce.
func RotateNonce(ctx context.Context, secrets storage.SecretStore, value, source string) (model.NonceConfig, error) {
	if value == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return model.NonceConfig{}, faults.Wrap(apiErr, faults.CodeNonceRotateFailed, err, "generate nonce")
		}
		value = hex.EncodeToString(buf)
	}
	if err := secrets.RotateNonce(ctx, value, source); err != nil {
		return model.NonceConfig{}, err
	}
	return secrets.GetNonce(ctx)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ruleID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/calibration/"), "/")
	agg := calibration.NewAggregator(s.stores.FP, s.cfg.Get().Calibration.K, s.logger)
	res, err := agg.AggregateFPsByRule(r.Context(), ruleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/metrics")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		counters, updated, ok := s.metrics.Rule(path)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rule_id":    path,
			"updated_at": updated.Format(time.RFC3339Nano),
			"metrics":    counters,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, faults.Wrap(apiErr, faults.CodeValidation, err, "read body"))
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, faults.Wrap(apiErr, faults.CodeValidation, err, "decode body"))
			return
		}
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.audit.Clear()
	case "decisions":
		s.audit.Clear()
	case "metrics":
		s.metrics.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(faults.CodeOf(err))
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("api request failed", "code", faults.CodeOf(err), "err", err)
	}
	body := map[string]any{"error": err.Error()}
	if code := faults.CodeOf(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func statusFor(code faults.Code) int {
	switch code {
	case faults.CodeValidation:
		return http.StatusBadRequest
	case faults.CodeDuplicateEvent:
		return http.StatusConflict
	case faults.CodeEventNotFound, faults.CodeNonceNotFound, faults.CodeConsentNotFound:
		return http.StatusNotFound
	case faults.CodeInsufficientK:
		return http.StatusForbidden
	case faults.CodeReadFailed, faults.CodeWriteFailed, faults.CodeIncrementFailed, faults.CodeNonceRotateFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error(), "code": faults.CodeValidation})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
