package integrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attuneai/attune/internal/breaker"
	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/genai"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/session"
	"github.com/attuneai/attune/internal/store"
	"github.com/attuneai/attune/internal/workflow"
)

// flakyProcessor fails a fixed number of calls before recovering.
type flakyProcessor struct {
	failures int
	calls    int
}

func (f *flakyProcessor) Process(ctx context.Context, req *models.ProcessingRequest) (*models.ProcessingResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("processing unavailable")
	}
	return &models.ProcessingResponse{Response: "recovered reply", Confidence: 0.8}, nil
}

type testEnv struct {
	integrator *Integrator
	sessions   *session.Manager
	store      *store.InMemoryStore
	cache      *cache.TTLCache
}

func newTestEnv(t *testing.T, proc genai.Processor, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	c := cache.NewTTLCache()
	t.Cleanup(c.Stop)
	sm := session.NewManager(st, c, metrics.NopTimer{})
	eng := workflow.NewEngine(st, proc, metrics.NopTimer{})
	return &testEnv{
		integrator: NewIntegrator(sm, eng, proc, st, c, metrics.NopTimer{}, opts...),
		sessions:   sm,
		store:      st,
		cache:      c,
	}
}

func (env *testEnv) newSession(t *testing.T, uid string) *models.Session {
	t.Helper()
	sess, err := env.sessions.CreateSession(context.Background(), uid, "whatsapp", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func TestProcessIntegratedRequestDirect(t *testing.T) {
	env := newTestEnv(t, &genai.StaticProcessor{Response: "AI reply", Confidence: 0.9})
	ctx := context.Background()
	sess := env.newSession(t, "u1")

	resp, err := env.integrator.ProcessIntegratedRequest(ctx, &models.IntegratedRequest{
		UserID:    "u1",
		SessionID: sess.SessionID,
		Message:   "hello",
	})
	if err != nil {
		t.Fatalf("ProcessIntegratedRequest failed: %v", err)
	}
	if resp.Source != "processing" || resp.Response != "AI reply" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Fallback {
		t.Error("successful request must not be marked fallback")
	}

	// Every turn leaves an adaptive-learning event behind.
	var events []map[string]any
	total, err := env.store.Query(ctx, learningCollection, nil, store.QueryOptions{}, &events)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 1 {
		t.Errorf("expected one learning event, got %d", total)
	}
}

func TestProcessIntegratedRequestWorkflowRoute(t *testing.T) {
	env := newTestEnv(t, &genai.StaticProcessor{Response: "AI reply", Confidence: 0.9})
	ctx := context.Background()
	sess := env.newSession(t, "u1")

	resp, err := env.integrator.ProcessIntegratedRequest(ctx, &models.IntegratedRequest{
		UserID:     "u1",
		SessionID:  sess.SessionID,
		WorkflowID: models.WorkflowDailyCheckin,
	})
	if err != nil {
		t.Fatalf("ProcessIntegratedRequest failed: %v", err)
	}
	if resp.Source != "workflow" {
		t.Fatalf("expected workflow source, got %q", resp.Source)
	}
	if resp.WorkflowStatus == nil || !resp.WorkflowStatus.Active || resp.WorkflowStatus.CurrentStep != 1 {
		t.Errorf("unexpected workflow status: %+v", resp.WorkflowStatus)
	}

	// A continuation without an explicit id routes to the user's live workflow.
	resp, err = env.integrator.ProcessIntegratedRequest(ctx, &models.IntegratedRequest{
		UserID:           "u1",
		SessionID:        sess.SessionID,
		Message:          "ready",
		ContinueWorkflow: true,
	})
	if err != nil {
		t.Fatalf("continuation failed: %v", err)
	}
	if resp.Source != "workflow" {
		t.Errorf("expected workflow source, got %q", resp.Source)
	}
	if resp.WorkflowStatus == nil || resp.WorkflowStatus.CurrentStep != 2 {
		t.Errorf("expected advance to step 2, got %+v", resp.WorkflowStatus)
	}
}

func TestSessionValidationAlwaysPropagates(t *testing.T) {
	env := newTestEnv(t, &genai.StaticProcessor{Response: "AI reply"})
	_, err := env.integrator.ProcessIntegratedRequest(context.Background(), &models.IntegratedRequest{
		UserID:    "u1",
		SessionID: "ghost",
		Message:   "hello",
	})
	if models.AuthReason(err) != models.ReasonSessionNotFound {
		t.Fatalf("expected session_not_found, got %v", err)
	}
}

func TestRateLimitedRequestGetsCannedResponse(t *testing.T) {
	env := newTestEnv(t, &genai.StaticProcessor{Response: "AI reply"})
	ctx := context.Background()

	// Tight limit so the second message is denied.
	platforms := map[string]models.PlatformConfig{
		"app": {
			SessionTimeout:        time.Hour,
			MaxConcurrentSessions: 5,
			RateLimits:            []models.RateLimitRule{{Action: "message", MaxRequests: 1, Window: time.Minute}},
		},
	}
	st := env.store
	c := env.cache
	sm := session.NewManager(st, c, metrics.NopTimer{}, session.WithPlatformConfigs(platforms))
	proc := &genai.StaticProcessor{Response: "AI reply"}
	eng := workflow.NewEngine(st, proc, metrics.NopTimer{})
	integ := NewIntegrator(sm, eng, proc, st, c, metrics.NopTimer{})

	sess, err := sm.CreateSession(ctx, "u1", "app", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	req := &models.IntegratedRequest{UserID: "u1", SessionID: sess.SessionID, Message: "hi"}
	if _, err := integ.ProcessIntegratedRequest(ctx, req); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	resp, err := integ.ProcessIntegratedRequest(ctx, req)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if resp.Source != "rate_limit" {
		t.Errorf("expected rate_limit source, got %q", resp.Source)
	}
	if resp.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %f", resp.Confidence)
	}
}

func TestRecoveryRetriesSimplifiedRequest(t *testing.T) {
	// First call fails, the simplified retry succeeds without a backoff wait.
	env := newTestEnv(t, &flakyProcessor{failures: 1})
	ctx := context.Background()
	sess := env.newSession(t, "u1")

	resp, err := env.integrator.ProcessIntegratedRequest(ctx, &models.IntegratedRequest{
		UserID:    "u1",
		SessionID: sess.SessionID,
		Message:   "hello",
	})
	if err != nil {
		t.Fatalf("ProcessIntegratedRequest failed: %v", err)
	}
	if resp.Response != "recovered reply" || resp.Fallback {
		t.Errorf("expected recovered response, got %+v", resp)
	}
}

func TestExhaustedRetriesServeFallback(t *testing.T) {
	proc := &genai.StaticProcessor{Err: errors.New("processing down")}
	env := newTestEnv(t, proc, WithMaxRetryAttempts(0))
	ctx := context.Background()
	sess := env.newSession(t, "u1")

	resp, err := env.integrator.ProcessIntegratedRequest(ctx, &models.IntegratedRequest{
		UserID:    "u1",
		SessionID: sess.SessionID,
		Message:   "hello",
	})
	if err != nil {
		t.Fatalf("expected fallback instead of error, got %v", err)
	}
	if !resp.Fallback || resp.Source != "fallback" {
		t.Errorf("expected fallback response, got %+v", resp)
	}
	if resp.Confidence != 0.1 {
		t.Errorf("expected low confidence, got %f", resp.Confidence)
	}
}

func TestErrorRecoveryDisabledPropagates(t *testing.T) {
	proc := &genai.StaticProcessor{Err: errors.New("processing down")}
	env := newTestEnv(t, proc, WithErrorRecovery(false))
	ctx := context.Background()
	sess := env.newSession(t, "u1")

	_, err := env.integrator.ProcessIntegratedRequest(ctx, &models.IntegratedRequest{
		UserID:    "u1",
		SessionID: sess.SessionID,
		Message:   "hello",
	})
	if err == nil {
		t.Fatal("expected error with recovery disabled")
	}
}

func TestUnhealthySystemFailsFast(t *testing.T) {
	env := newTestEnv(t, &genai.StaticProcessor{Response: "AI reply"})
	ctx := context.Background()
	sess := env.newSession(t, "u1")

	env.cache.Set(ctx, healthCacheKey, models.SystemHealth{State: models.HealthUnhealthy}, time.Minute)
	_, err := env.integrator.ProcessIntegratedRequest(ctx, &models.IntegratedRequest{
		UserID:    "u1",
		SessionID: sess.SessionID,
		Message:   "hello",
	})
	if !errors.Is(err, models.ErrSystemUnhealthy) {
		t.Fatalf("expected ErrSystemUnhealthy, got %v", err)
	}
}

func TestGetSystemHealthHealthy(t *testing.T) {
	env := newTestEnv(t, &genai.StaticProcessor{Response: "AI reply"})
	health := env.integrator.GetSystemHealth(context.Background())
	if health.State != models.HealthHealthy {
		t.Fatalf("expected healthy, got %s", health.State)
	}
	for _, name := range []string{"store", "cache", BreakerSession, BreakerWorkflow, BreakerProcessing} {
		if _, ok := health.Components[name]; !ok {
			t.Errorf("missing component %s", name)
		}
	}
}

func TestBreakerHealthClassification(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	fail := func(ctx context.Context) error { return errors.New("downstream failed") }
	ok := func(ctx context.Context) error { return nil }

	open := breaker.New("open", breaker.Config{FailureThreshold: 2, Timeout: time.Minute})
	open.Execute(ctx, fail)
	open.Execute(ctx, fail)
	if h := breakerHealth("open", open, now); h.State != models.HealthUnhealthy || h.Detail != "circuit open" {
		t.Errorf("unexpected health for open breaker: %+v", h)
	}

	noisy := breaker.New("noisy", breaker.Config{FailureThreshold: 10, Timeout: time.Minute})
	noisy.Execute(ctx, ok)
	noisy.Execute(ctx, fail)
	noisy.Execute(ctx, fail)
	if h := breakerHealth("noisy", noisy, now); h.State != models.HealthDegraded {
		t.Errorf("expected degraded for elevated error rate, got %+v", h)
	}

	quiet := breaker.New("quiet", breaker.Config{FailureThreshold: 10, Timeout: time.Minute})
	quiet.Execute(ctx, ok)
	if h := breakerHealth("quiet", quiet, now); h.State != models.HealthHealthy {
		t.Errorf("expected healthy, got %+v", h)
	}
}

func TestRollup(t *testing.T) {
	mk := func(states ...models.HealthState) map[string]models.ComponentHealth {
		out := make(map[string]models.ComponentHealth, len(states))
		for i, s := range states {
			out[string(rune('a'+i))] = models.ComponentHealth{State: s}
		}
		return out
	}
	cases := []struct {
		name   string
		in     map[string]models.ComponentHealth
		expect models.HealthState
	}{
		{"all healthy", mk(models.HealthHealthy, models.HealthHealthy), models.HealthHealthy},
		{"one unhealthy degrades", mk(models.HealthUnhealthy, models.HealthHealthy), models.HealthDegraded},
		{"two unhealthy", mk(models.HealthUnhealthy, models.HealthUnhealthy), models.HealthUnhealthy},
		{"two degraded tolerated", mk(models.HealthDegraded, models.HealthDegraded), models.HealthHealthy},
		{"three degraded", mk(models.HealthDegraded, models.HealthDegraded, models.HealthDegraded), models.HealthDegraded},
	}
	for _, tc := range cases {
		if got := rollup(tc.in); got != tc.expect {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.expect, got)
		}
	}
}

func TestBreakerStats(t *testing.T) {
	env := newTestEnv(t, &genai.StaticProcessor{Response: "AI reply"})
	stats := env.integrator.BreakerStats()
	if len(stats) != 3 {
		t.Fatalf("expected 3 breakers, got %d", len(stats))
	}
	for _, name := range []string{BreakerSession, BreakerWorkflow, BreakerProcessing} {
		s, ok := stats[name]
		if !ok {
			t.Errorf("missing breaker %s", name)
			continue
		}
		if s.State != breaker.StateClosed {
			t.Errorf("expected %s closed, got %s", name, s.State)
		}
	}
}
