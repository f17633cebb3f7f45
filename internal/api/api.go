// Package api provides HTTP handlers and the main API server logic for
// Attune.
//
// It exposes RESTful endpoints over the session manager, workflow engine, and
// component integrator, plus health and Prometheus metrics. The core stays
// wire-format agnostic; this layer only translates JSON payloads into core
// calls and the error taxonomy into status codes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/attuneai/attune/internal/integrator"
	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/session"
	"github.com/attuneai/attune/internal/workflow"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Server hosts the HTTP surface over the core services.
type Server struct {
	sessions   *session.Manager
	engine     *workflow.Engine
	integrator *integrator.Integrator
	httpServer *http.Server
}

// Opts holds server configuration.
type Opts struct {
	Addr string
}

// Option configures server creation.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// NewServer wires the HTTP routes over the given services.
func NewServer(sm *session.Manager, eng *workflow.Engine, in *integrator.Integrator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{sessions: sm, engine: eng, integrator: in}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/validate", s.validateSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/extend", s.extendSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/transfer", s.transferSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/transfer-code", s.transferCodeHandler)
	mux.HandleFunc("POST /sessions/{id}/activity", s.recordActivityHandler)
	mux.HandleFunc("POST /sessions/{id}/ratelimit/{action}", s.checkRateLimitHandler)
	mux.HandleFunc("GET /sessions/{id}/metrics", s.sessionMetricsHandler)
	mux.HandleFunc("GET /sessions/{id}/security", s.sessionSecurityHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.deactivateSessionHandler)
	mux.HandleFunc("POST /users/{uid}/logout", s.logoutUserHandler)

	mux.HandleFunc("POST /workflows/{workflow}/start", s.startWorkflowHandler)
	mux.HandleFunc("POST /workflows/{workflow}/continue", s.continueWorkflowHandler)
	mux.HandleFunc("GET /workflows/{workflow}/status", s.workflowStatusHandler)
	mux.HandleFunc("DELETE /workflows/{workflow}", s.cancelWorkflowHandler)

	mux.HandleFunc("POST /process", s.processHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /breakers", s.breakersHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// statusForError maps the error taxonomy to HTTP status codes.
func statusForError(err error) int {
	switch {
	case models.IsAuthError(err):
		switch models.AuthReason(err) {
		case models.ReasonSessionNotFound:
			return http.StatusNotFound
		case models.ReasonUnsupportedPlatform,
			models.ReasonVerificationRequired,
			models.ReasonInvalidTransferCode,
			models.ReasonExtensionNotAllowed:
			return http.StatusForbidden
		default:
			return http.StatusUnauthorized
		}
	case models.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrCircuitOpen), errors.Is(err, models.ErrSystemUnhealthy):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUnknownWorkflow), errors.Is(err, models.ErrNoActiveWorkflow):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps and writes an error response.
func writeError(w http.ResponseWriter, err error) {
	writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
}
