package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/safety"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is the agent surface the gateway drives.
type Service interface {
	Ready(ctx context.Context) error
	Start(ctx context.Context, objective domain.TaskObjective) (string, error)
	Cancel(runID string) error
	Active() []string
	Load(ctx context.Context, runID string) (*domain.RunState, error)
	List(ctx context.Context) ([]string, error)
}

// Server holds the gateway dependencies.
type Server struct {
	Service Service
	Streams *StreamManager
	Audit   ports.AuditLog

	gatherer prometheus.Gatherer
	limiter  *clientLimiter
	logger   *slog.Logger
}

// Option configures the gateway.
type Option func(*Server)

// WithStreams shares a StreamManager with the engine's event sink.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) { s.Streams = sm }
}

// WithAuditLog enables GET /runs/{id}/audit.
func WithAuditLog(a ports.AuditLog) Option {
	return func(s *Server) { s.Audit = a }
}

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithRateLimit limits each client to rps requests per second on /runs.
// Zero disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newClientLimiter(rps, burst)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// RunRequest is the body of POST /runs.
type RunRequest struct {
	Goal                string   `json:"goal"`
	SuccessCriteria     string   `json:"success_criteria,omitempty"`
	IterationCap        int      `json:"iteration_cap,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	Seed                int64    `json:"seed,omitempty"`
}

type RunAccepted struct {
	RunID  string `json:"run_id"`
	Status string `json:"status,omitempty"`
}

type RunList struct {
	Runs   []string `json:"runs"`
	Active []string `json:"active,omitempty"`
}

type Status struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewHandler creates the gateway router for svc.
func NewHandler(svc Service, opts ...Option) http.Handler {
	s := &Server{
		Service: svc,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager(WithStreamLogger(s.logger))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/ready", s.GetReady)
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(rawSpec)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/runs", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/", s.CreateRun)
		r.Get("/", s.ListRuns)
		r.Get("/{id}", s.GetRun)
		r.Post("/{id}/cancel", s.CancelRun)
		r.Get("/{id}/events", s.StreamRunEvents)
		r.Get("/{id}/audit", s.GetRunAudit)
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// CreateRun handles POST /runs.
func (s *Server) CreateRun(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Ready(r.Context()); err != nil {
		s.logger.Warn("CreateRun: service not ready", "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var body RunRequest
	if err := decodeBody(w, r, "RunRequest", &body); err != nil {
		s.logger.Warn("CreateRun: invalid request body", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	goal, err := safety.SanitizeInput(body.Goal)
	if err == nil {
		body.SuccessCriteria, err = safety.SanitizeInput(body.SuccessCriteria)
	}
	if err != nil {
		s.logger.Warn("CreateRun: input rejected", "err", err, "size", len(body.Goal))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid input: %v", err))
		return
	}

	runID, err := s.Service.Start(r.Context(), domain.TaskObjective{
		Goal:                goal,
		SuccessCriteria:     body.SuccessCriteria,
		IterationCap:        body.IterationCap,
		ConfidenceThreshold: body.ConfidenceThreshold,
		Seed:                body.Seed,
	})
	switch {
	case errors.Is(err, domain.ErrInvalidObjective):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("CreateRun: start failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("run accepted", "run_id", runID)
	w.Header().Set("Location", "/runs/"+runID)
	writeJSON(w, http.StatusAccepted, RunAccepted{RunID: runID, Status: string(domain.StatusRunning)})
}

// ListRuns handles GET /runs.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Service.List(r.Context())
	if err != nil {
		s.logger.Error("ListRuns failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := s.Service.Active()
	for _, id := range active {
		if !slices.Contains(runs, id) {
			runs = append(runs, id)
		}
	}
	slices.Sort(runs)
	if runs == nil {
		runs = []string{}
	}
	writeJSON(w, http.StatusOK, RunList{Runs: runs, Active: active})
}

// runID binds {id} and writes a 400 on failure.
func (s *Server) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := pathRunID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// GetRun handles GET /runs/{id}.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	state, err := s.Service.Load(r.Context(), id)
	if errors.Is(err, domain.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("GetRun failed", "run_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// CancelRun handles POST /runs/{id}/cancel.
func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	err := s.Service.Cancel(id)
	if errors.Is(err, domain.ErrRunNotFound) {
		// Not active: either finished or never existed.
		if state, loadErr := s.Service.Load(r.Context(), id); loadErr == nil && state.Terminated() {
			writeError(w, http.StatusConflict, fmt.Sprintf("run %s already %s", id, state.Status))
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("run cancellation requested", "run_id", id)
	writeJSON(w, http.StatusAccepted, RunAccepted{RunID: id, Status: "cancelling"})
}

// GetRunAudit handles GET /runs/{id}/audit.
func (s *Server) GetRunAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	if s.Audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log not configured")
		return
	}
	entries, err := s.Audit.Query(r.Context(), id)
	if err != nil {
		s.logger.Error("GetRunAudit failed", "run_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []ports.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{Status: "ok", Version: strings.TrimSpace(espalier.Version)})
}

// GetReady handles GET /ready.
func (s *Server) GetReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Status{Status: "ready"})
}

// StreamRunEvents handles GET /runs/{id}/events (SSE).
func (s *Server) StreamRunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	params, err := bindEventsParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since := 0
	if params.Since != nil {
		since = *params.Since
	} else if last := r.Header.Get("Last-Event-ID"); last != "" {
		fmt.Sscanf(last, "%d", &since)
	}

	if !s.Streams.Known(id) && !slices.Contains(s.Service.Active(), id) {
		if _, err := s.Service.Load(r.Context(), id); errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	backlog, ch, cancel := s.Streams.Subscribe(id, since)
	defer cancel()

	s.logger.Debug("SSE: subscribed", "run_id", id, "since", since, "backlog", len(backlog))
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	for _, ev := range backlog {
		writeEvent(w, ev)
	}
	flusher.Flush()

	if ch == nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE: client disconnected", "run_id", id)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev domain.LifecycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("SSE: event encode failed", "err", err)
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}
