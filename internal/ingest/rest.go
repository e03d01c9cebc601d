package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/engine"
	"eventcorrelator/internal/model"
)

// Ingester accepts one validated event. *engine.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, ev model.Event) (engine.IngestResult, error)
}

type RESTServer struct {
	cfg    *config.Manager
	engine Ingester
	logger *slog.Logger
	now    func() time.Time
}

type errorResponse struct {
	Error  string       `json:"error"`
	Errors []indexedErr `json:"errors,omitempty"`
}

type indexedErr struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type batchResponse struct {
	Results []engine.IngestResult `json:"results"`
}

func NewRESTServer(cfg *config.Manager, ing Ingester, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, engine: ing, logger: logger, now: time.Now}
}

func StartREST(ctx context.Context, cfg *config.Manager, ing Ingester, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, ing, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/event", s.handleEvent)
	r.Post("/events", s.handleEvents)
	r.Post("/sinks/{source}", s.handleSink)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *RESTServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := s.cfg.Get().Ingest.REST.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return nil, false
	}
	return body, true
}

func (s *RESTServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	events, errs, err := DecodeEvents(body, s.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(events) != 1 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected a single event object, use /events for batches"})
		return
	}
	if errs[0] != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errs[0].Error()})
		return
	}
	s.ingestOne(r.Context(), w, events[0])
}

// handleEvents accepts an eventBucket. The batch is rejected as a whole when
// any member fails validation, so a 2xx means every event was routed.
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	events, errs, err := DecodeEvents(body, s.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	var invalid []indexedErr
	for i, e := range errs {
		if e != nil {
			invalid = append(invalid, indexedErr{Index: i, Error: e.Error()})
		}
	}
	if len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid events in batch", Errors: invalid})
		return
	}
	results := make([]engine.IngestResult, 0, len(events))
	for _, ev := range events {
		res, err := s.engine.Ingest(r.Context(), ev)
		if err != nil {
			s.writeIngestError(w, err)
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusAccepted, batchResponse{Results: results})
}

func (s *RESTServer) handleSink(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	adapter, ok := Adapter(source)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown alert source " + source})
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ev, err := adapter(body, s.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.ingestOne(r.Context(), w, ev)
}

func (s *RESTServer) ingestOne(ctx context.Context, w http.ResponseWriter, ev model.Event) {
	res, err := s.engine.Ingest(ctx, ev)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *RESTServer) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		if s.logger != nil {
			s.logger.Warn("rest ingest error", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
