package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/genai"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/session"
	"github.com/attuneai/attune/internal/store"
	"github.com/attuneai/attune/internal/workflow"
)

type stubRecoverable struct {
	err    error
	called bool
}

func (s *stubRecoverable) RecoverState(ctx context.Context) error {
	s.called = true
	return s.err
}

func TestRecoverAllContinuesPastFailures(t *testing.T) {
	m := NewManager()
	good := &stubRecoverable{}
	bad := &stubRecoverable{err: errors.New("corrupt state")}
	alsoGood := &stubRecoverable{}
	m.Register(good)
	m.Register(bad)
	m.Register(alsoGood)

	err := m.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected aggregate error when a component fails")
	}
	if !good.called || !bad.called || !alsoGood.called {
		t.Error("every component must be attempted")
	}
}

func TestRecoverAllEmpty(t *testing.T) {
	if err := NewManager().RecoverAll(context.Background()); err != nil {
		t.Fatalf("expected no error with no components, got %v", err)
	}
}

func TestWorkflowContextRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	proc := &genai.StaticProcessor{Response: "AI reply"}
	ctx := context.Background()

	// A previous process left two contexts behind, one for a workflow that is
	// no longer registered.
	known := &models.WorkflowContext{
		UserID:      "u1",
		WorkflowID:  models.WorkflowDailyCheckin,
		CurrentStep: 2,
		TotalSteps:  7,
		Data:        map[string]any{"mood": 6.0},
		StartTime:   time.Now().UTC().Truncate(time.Second),
		Version:     3,
	}
	unknown := &models.WorkflowContext{UserID: "u2", WorkflowID: "retired_workflow", TotalSteps: 4}
	st.Set(ctx, models.CollectionWorkflowContexts, models.ContextKey(known.UserID, known.WorkflowID), known)
	st.Set(ctx, models.CollectionWorkflowContexts, models.ContextKey(unknown.UserID, unknown.WorkflowID), unknown)

	eng := workflow.NewEngine(st, proc, metrics.NopTimer{})
	rec := NewWorkflowContextRecovery(st, eng)
	if err := rec.RecoverState(ctx); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}

	if id := eng.ActiveWorkflowID("u1"); id != models.WorkflowDailyCheckin {
		t.Errorf("expected restored workflow for u1, got %q", id)
	}
	if id := eng.ActiveWorkflowID("u2"); id != "" {
		t.Errorf("unregistered workflow must not be restored, got %q", id)
	}

	// The restored context picks up where it left off.
	res, err := eng.ContinueWorkflow(ctx, "u1", models.WorkflowDailyCheckin, "a long day at work")
	if err != nil {
		t.Fatalf("ContinueWorkflow after recovery failed: %v", err)
	}
	if res.Completed || res.Retryable {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExpiredSessionRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	c := cache.NewTTLCache()
	t.Cleanup(c.Stop)
	sm := session.NewManager(st, c, metrics.NopTimer{})
	ctx := context.Background()

	sess, err := sm.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	var stored models.Session
	st.Get(ctx, models.CollectionSessions, sess.SessionID, &stored)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	if err := st.Update(ctx, models.CollectionSessions, sess.SessionID, &stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rec := NewExpiredSessionRecovery(session.NewSweeper(sm, time.Minute))
	if err := rec.RecoverState(ctx); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	st.Get(ctx, models.CollectionSessions, sess.SessionID, &stored)
	if stored.IsActive || stored.DeactivationReason != models.ReasonSessionExpired {
		t.Errorf("expected expired deactivation, got %+v", stored)
	}
}
