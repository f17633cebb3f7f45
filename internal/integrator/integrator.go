// Package integrator composes the session manager, workflow engine, and
// processing capability behind one fault-tolerant entry point.
//
// Every downstream call passes through a named circuit breaker. The entry
// point deliberately never hard-fails the user: exhausted retries yield a
// canned low-confidence fallback. Session-validation failures are the one
// exception and always propagate.
package integrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/attuneai/attune/internal/breaker"
	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/genai"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/session"
	"github.com/attuneai/attune/internal/store"
	"github.com/attuneai/attune/internal/workflow"
)

// Named downstream capabilities, each with its own breaker.
const (
	BreakerSession    = "session"
	BreakerWorkflow   = "workflow"
	BreakerProcessing = "processing"
)

// DefaultMaxRetryAttempts bounds the error-recovery retry loop.
const DefaultMaxRetryAttempts = 3

// learningCollection receives best-effort adaptive-learning events.
const learningCollection = "learning_events"

// fallbackResponse is returned when every recovery attempt is exhausted.
const fallbackResponse = "I'm having a little trouble right now, but I'm still here. Could you try that again in a moment?"

// Opts holds integrator configuration.
type Opts struct {
	MaxRetryAttempts int
	ErrorRecovery    bool
	BreakerConfig    breaker.Config
}

// Option configures integrator creation.
type Option func(*Opts)

// WithMaxRetryAttempts bounds the recovery retry loop.
func WithMaxRetryAttempts(n int) Option {
	return func(o *Opts) { o.MaxRetryAttempts = n }
}

// WithErrorRecovery toggles the retry-then-fallback policy.
func WithErrorRecovery(enabled bool) Option {
	return func(o *Opts) { o.ErrorRecovery = enabled }
}

// WithBreakerConfig tunes every capability breaker.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(o *Opts) { o.BreakerConfig = cfg }
}

// Integrator routes integrated requests and synthesizes system health.
type Integrator struct {
	sessions  *session.Manager
	engine    *workflow.Engine
	processor genai.Processor
	store     store.Store
	cache     cache.Cache
	timer     metrics.Timer

	breakers      map[string]*breaker.CircuitBreaker
	maxRetries    int
	errorRecovery bool
}

// NewIntegrator creates the integrator and its breaker registry. Breakers are
// process-local and live for the process lifetime.
func NewIntegrator(sm *session.Manager, eng *workflow.Engine, proc genai.Processor, st store.Store, c cache.Cache, timer metrics.Timer, opts ...Option) *Integrator {
	cfg := Opts{
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		ErrorRecovery:    true,
		BreakerConfig:    breaker.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	breakers := map[string]*breaker.CircuitBreaker{
		BreakerSession:    breaker.New(BreakerSession, cfg.BreakerConfig),
		BreakerWorkflow:   breaker.New(BreakerWorkflow, cfg.BreakerConfig),
		BreakerProcessing: breaker.New(BreakerProcessing, cfg.BreakerConfig),
	}
	slog.Debug("Creating Integrator", "maxRetries", cfg.MaxRetryAttempts, "errorRecovery", cfg.ErrorRecovery)
	return &Integrator{
		sessions:      sm,
		engine:        eng,
		processor:     proc,
		store:         st,
		cache:         c,
		timer:         timer,
		breakers:      breakers,
		maxRetries:    cfg.MaxRetryAttempts,
		errorRecovery: cfg.ErrorRecovery,
	}
}

// ProcessIntegratedRequest is the single fault-tolerant entry point. It fails
// fast when the system is unhealthy, validates the session, routes to the
// workflow engine or direct processing, and on failure retries with
// exponential backoff while progressively simplifying the request. Exhausted
// retries produce a canned fallback instead of an error.
func (i *Integrator) ProcessIntegratedRequest(ctx context.Context, req *models.IntegratedRequest) (*models.IntegratedResponse, error) {
	tid := i.timer.StartTimer("integrated_request")
	defer i.timer.EndTimer(tid)
	slog.Debug("Integrator.ProcessIntegratedRequest", "userID", req.UserID, "sessionID", req.SessionID, "workflowID", req.WorkflowID)

	health := i.GetSystemHealth(ctx)
	if health.State == models.HealthUnhealthy {
		slog.Error("Integrator.ProcessIntegratedRequest: failing fast, system unhealthy", "userID", req.UserID)
		return nil, models.ErrSystemUnhealthy
	}

	// Session validation always propagates, never retried, never fallback.
	var sess *models.Session
	err := i.breakers[BreakerSession].Execute(ctx, func(ctx context.Context) error {
		var err error
		sess, err = i.sessions.ValidateSession(ctx, req.SessionID, true)
		return err
	})
	if err != nil {
		slog.Error("Integrator.ProcessIntegratedRequest: session validation failed", "error", err, "sessionID", req.SessionID)
		return nil, err
	}
	if req.Platform == "" {
		req.Platform = sess.Platform
	}

	allowed, err := i.sessions.CheckRateLimit(ctx, req.SessionID, "message")
	if err != nil {
		return nil, err
	}
	if !allowed {
		return &models.IntegratedResponse{
			Response:   "You're sending messages very quickly. Give me a moment to catch up.",
			Confidence: 1.0,
			Source:     "rate_limit",
		}, nil
	}

	resp, err := i.routeWithRecovery(ctx, req)
	if err != nil {
		return nil, err
	}

	// Best-effort adaptive-learning update. Failure never fails the request.
	if warnErr := i.recordLearningEvent(ctx, req, resp); warnErr != nil {
		slog.Warn("Integrator.ProcessIntegratedRequest: learning update failed", "error", warnErr, "userID", req.UserID)
		resp.Warnings = append(resp.Warnings, "adaptive learning update failed")
	}
	return resp, nil
}

// routeWithRecovery runs the first attempt and, when error recovery is
// enabled, bounded backoff retries that simplify the request. Each wait is
// 2^attempt seconds. Non-retryable errors escape immediately.
func (i *Integrator) routeWithRecovery(ctx context.Context, req *models.IntegratedRequest) (*models.IntegratedResponse, error) {
	resp, err := i.route(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !models.IsRetryable(err) {
		return nil, err
	}
	if !i.errorRecovery {
		return nil, err
	}
	slog.Warn("Integrator.routeWithRecovery: entering recovery", "error", err, "userID", req.UserID)

	attempt := 0
	op := func() error {
		attempt++
		simplified := simplifyRequest(req, attempt)
		r, err := i.route(ctx, simplified)
		if err != nil {
			if !models.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("Integrator.routeWithRecovery: retry failed", "error", err, "attempt", attempt, "userID", req.UserID)
			return err
		}
		resp = r
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(i.maxRetries)), ctx))
	if err == nil {
		return resp, nil
	}
	if !models.IsRetryable(err) {
		return nil, err
	}

	slog.Error("Integrator.routeWithRecovery: retries exhausted, serving fallback", "error", err, "userID", req.UserID)
	metrics.IntegratorFallbacks.Inc()
	return &models.IntegratedResponse{
		Response:   fallbackResponse,
		Confidence: 0.1,
		Source:     "fallback",
		Fallback:   true,
	}, nil
}

// route dispatches one attempt to the workflow engine or direct processing,
// each through its capability breaker.
func (i *Integrator) route(ctx context.Context, req *models.IntegratedRequest) (*models.IntegratedResponse, error) {
	workflowID := req.WorkflowID
	if workflowID == "" && req.ContinueWorkflow {
		workflowID = i.engine.ActiveWorkflowID(req.UserID)
	}

	if workflowID != "" {
		var result *models.WorkflowResult
		err := i.breakers[BreakerWorkflow].Execute(ctx, func(ctx context.Context) error {
			var err error
			if req.ContinueWorkflow {
				result, err = i.engine.ContinueWorkflow(ctx, req.UserID, workflowID, req.Message)
			} else {
				result, err = i.engine.StartWorkflow(ctx, workflowID, req.UserID, req.Platform, req.SessionID, nil)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		status, statusErr := i.engine.GetWorkflowStatus(ctx, req.UserID, workflowID)
		if statusErr != nil {
			slog.Warn("Integrator.route: status projection failed", "error", statusErr, "workflowID", workflowID)
		}
		return &models.IntegratedResponse{
			Response:       result.Message,
			Confidence:     1.0,
			Source:         "workflow",
			WorkflowStatus: &status,
		}, nil
	}

	pt := req.ProcessingType
	if pt == "" {
		pt = models.ProcessingChat
	}
	var procResp *models.ProcessingResponse
	err := i.breakers[BreakerProcessing].Execute(ctx, func(ctx context.Context) error {
		var err error
		procResp, err = i.processor.Process(ctx, &models.ProcessingRequest{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Platform:  req.Platform,
			Type:      pt,
			Message:   req.Message,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.IntegratedResponse{
		Response:   procResp.Response,
		Confidence: procResp.Confidence,
		Source:     "processing",
	}, nil
}

// simplifyRequest degrades a request for retry: workflow routing is disabled
// first, then processing falls back to the minimal type.
func simplifyRequest(req *models.IntegratedRequest, attempt int) *models.IntegratedRequest {
	out := *req
	out.WorkflowID = ""
	out.ContinueWorkflow = false
	if attempt > 1 {
		out.ProcessingType = models.ProcessingMinimal
	}
	return &out
}

// recordLearningEvent persists a per-turn adaptive-learning signal.
func (i *Integrator) recordLearningEvent(ctx context.Context, req *models.IntegratedRequest, resp *models.IntegratedResponse) error {
	event := map[string]any{
		"user_id":    req.UserID,
		"session_id": req.SessionID,
		"platform":   req.Platform,
		"source":     resp.Source,
		"confidence": resp.Confidence,
		"fallback":   resp.Fallback,
		"created_at": time.Now().UTC().Truncate(time.Second),
	}
	id := fmt.Sprintf("%s:%d", req.UserID, time.Now().UnixNano())
	return i.store.Set(ctx, learningCollection, id, event)
}

// BreakerStats snapshots every capability breaker.
func (i *Integrator) BreakerStats() map[string]breaker.Stats {
	out := make(map[string]breaker.Stats, len(i.breakers))
	for name, cb := range i.breakers {
		out[name] = cb.GetStats()
	}
	return out
}
