package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/history"
	"eventcorrelator/internal/hook"
	"eventcorrelator/internal/ingest"
	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
	"eventcorrelator/internal/registry"
)

// EngineControl is the slice of *engine.Engine the admin surface drives.
type EngineControl interface {
	Windows() []model.WindowSnapshot
	OpenWindows() int
	StartedAt() time.Time
	Reset() int
	EvaluateNow(ctx context.Context, ruleID string, bucket []model.Event) (model.EvaluationResult, bool)
}

type Registry interface {
	Rules() []model.Rule
	Rule(id string) (model.Rule, bool)
	Snapshot() *registry.Snapshot
	Refresh(ctx context.Context) (*registry.Snapshot, error)
}

// ExecutionLister reads persisted execution records, newest limit in
// oldest-first order.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]model.ExecutionRecord, error)
}

type Deps struct {
	Config   *config.Manager
	Engine   EngineControl
	Registry Registry
	Metrics  *metrics.Store
	History  *history.Store
	// Storage is optional; when set, ?source=storage reads from it.
	Storage ExecutionLister
	Logger  *slog.Logger
	Version string
}

type Server struct {
	Deps
	now func() time.Time
}

type statusResponse struct {
	Status      string         `json:"status"`
	Time        string         `json:"time"`
	Version     string         `json:"version"`
	ConfigPath  string         `json:"config_path"`
	StartedAt   string         `json:"started_at"`
	Uptime      string         `json:"uptime"`
	Ingest      ingestStatus   `json:"ingest"`
	API         apiStatus      `json:"api"`
	Registry    registryStatus `json:"registry"`
	OpenWindows int            `json:"open_windows"`
	HookEnabled bool           `json:"hook_enabled"`
	Storage     bool           `json:"storage"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type registryStatus struct {
	Source   string `json:"source"`
	Rules    int    `json:"rules"`
	Skipped  int    `json:"skipped"`
	LoadedAt string `json:"loaded_at,omitempty"`
}

type evaluateResponse struct {
	RCAObject hook.Envelope `json:"rca_object"`
	Status    int           `json:"status"`
}

func New(deps Deps) *Server {
	if deps.Config == nil {
		deps.Config = &config.Manager{}
	}
	return &Server{Deps: deps, now: time.Now}
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	if !current.Enabled {
		if deps.Logger != nil {
			deps.Logger.Info("api disabled")
		}
		return nil
	}
	if deps.Logger != nil {
		deps.Logger.Info("api enabled", "addr", current.Addr)
	}
	server := New(deps)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if deps.Logger != nil {
				deps.Logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics/rules", s.handleRuleStats)
	r.Get("/windows", s.handleWindows)
	r.Get("/executions", s.handleExecutions)
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.handleRules)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/{id}", s.handleRule)
		r.Get("/{id}/executions", s.handleExecutions)
	})
	r.Post("/evaluate/{ruleType}", s.handleEvaluate)
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/restart", s.handleRestart)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config.Get()
	now := s.now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:         apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Registry:    registryStatus{Source: cfg.Registry.Source},
		HookEnabled: !cfg.Hook.Disabled,
		Storage:     s.Storage != nil,
	}
	if s.Engine != nil {
		started := s.Engine.StartedAt()
		resp.StartedAt = started.Format(time.RFC3339Nano)
		resp.Uptime = now.Sub(started).Truncate(time.Second).String()
		resp.OpenWindows = s.Engine.OpenWindows()
	}
	if s.Registry != nil {
		if snap := s.Registry.Snapshot(); snap != nil {
			resp.Registry.Rules = snap.Set.Len()
			resp.Registry.Skipped = snap.Skipped
			if !snap.LoadedAt.IsZero() {
				resp.Registry.LoadedAt = snap.LoadedAt.Format(time.RFC3339Nano)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.Metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	open := 0
	if s.Engine != nil {
		open = s.Engine.OpenWindows()
	}
	w.Header().Set("Content-Type", metrics.ContentType())
	if err := s.Metrics.WritePrometheus(w, open); err != nil && s.Logger != nil {
		s.Logger.Warn("metrics write failed", "err", err)
	}
}

func (s *Server) handleRuleStats(w http.ResponseWriter, _ *http.Request) {
	if s.Metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	all := s.Metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": s.Metrics.Counters(),
		"rules":    all,
		"count":    len(all),
	})
}

func (s *Server) handleWindows(w http.ResponseWriter, _ *http.Request) {
	list := []model.WindowSnapshot{}
	if s.Engine != nil {
		list = s.Engine.Windows()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"windows": list,
		"count":   len(list),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	list := []model.Rule{}
	if s.Registry != nil {
		list = s.Registry.Rules()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Registry == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	rule, ok := s.Registry.Rule(id)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	resp := map[string]any{"rule": rule}
	if s.Metrics != nil {
		if stats, ok := s.Metrics.Get(id); ok {
			resp["stats"] = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	snap, err := s.Registry.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"rules":   snap.Set.Len(),
		"skipped": snap.Skipped,
	})
}

// handleExecutions serves both /executions and /rules/{id}/executions.
// Query: limit, since (RFC3339, ring buffer only), source=memory|storage.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var list []model.ExecutionRecord
	switch source := strings.ToLower(q.Get("source")); source {
	case "storage":
		if s.Storage == nil {
			writeError(w, http.StatusBadRequest, "storage is not enabled")
			return
		}
		if limit == 0 {
			limit = 100
		}
		records, err := s.Storage.ListExecutions(r.Context(), ruleID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		list = records
	case "", "memory":
		if s.History == nil {
			break
		}
		if since := q.Get("since"); since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			list = filterRule(s.History.Since(ts), ruleID)
			list = tail(list, limit)
		} else if ruleID != "" {
			list = s.History.ForRule(ruleID, limit)
		} else {
			list = s.History.List(limit)
		}
	default:
		writeError(w, http.StatusBadRequest, "source must be memory or storage")
		return
	}
	if list == nil {
		list = []model.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": list,
		"count":      len(list),
	})
}

// handleEvaluate runs the script of rule ruleType over the posted bucket
// and answers with the envelope a hook would receive. Status 1 means the
// rule type is unknown.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ruleType := chi.URLParam(r, "ruleType")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.bodyLimit()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	bucket, errs, err := ingest.DecodeEvents(body, s.now())
	if err != nil && !errors.Is(err, ingest.ErrEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, e := range errs {
		if e != nil {
			writeError(w, http.StatusBadRequest, e.Error())
			return
		}
	}
	if s.Engine == nil {
		writeJSON(w, http.StatusOK, evaluateResponse{RCAObject: hook.UnknownRuleEnvelope(s.now()), Status: 1})
		return
	}
	result, ok := s.Engine.EvaluateNow(r.Context(), ruleType, bucket)
	if !ok {
		writeJSON(w, http.StatusOK, evaluateResponse{RCAObject: hook.UnknownRuleEnvelope(s.now()), Status: 1})
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{RCAObject: hook.NewEnvelope(result, s.now()), Status: 0})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.clearMetrics()
		s.clearHistory()
	case "history", "executions":
		s.clearHistory()
	case "metrics":
		s.clearMetrics()
	default:
		writeError(w, http.StatusBadRequest, "target must be all, history or metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

// handleRestart drops open windows without evaluating them, clears in-memory
// state and reloads the rule set.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	dropped := 0
	if s.Engine != nil {
		dropped = s.Engine.Reset()
	}
	s.clearMetrics()
	s.clearHistory()
	resp := map[string]any{"status": "ok", "dropped_windows": dropped}
	if s.Registry != nil {
		snap, err := s.Registry.Refresh(r.Context())
		if err != nil {
			resp["refresh_error"] = err.Error()
		}
		if snap != nil {
			resp["rules"] = snap.Set.Len()
		}
	}
	if s.Logger != nil {
		s.Logger.Info("engine restarted", "dropped_windows", dropped)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) clearMetrics() {
	if s.Metrics != nil {
		s.Metrics.Clear()
	}
}

func (s *Server) clearHistory() {
	if s.History != nil {
		s.History.Clear()
	}
}

func (s *Server) bodyLimit() int64 {
	if n := s.Config.Get().Ingest.REST.MaxBodyBytes; n > 0 {
		return n
	}
	return 1 << 20
}

func filterRule(list []model.ExecutionRecord, ruleID string) []model.ExecutionRecord {
	if ruleID == "" {
		return list
	}
	out := make([]model.ExecutionRecord, 0, len(list))
	for _, rec := range list {
		if rec.RuleID == ruleID {
			out = append(out, rec)
		}
	}
	return out
}

func tail(list []model.ExecutionRecord, limit int) []model.ExecutionRecord {
	if limit <= 0 || limit >= len(list) {
		return list
	}
	return list[len(list)-limit:]
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
