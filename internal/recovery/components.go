package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/session"
	"github.com/attuneai/attune/internal/store"
	"github.com/attuneai/attune/internal/workflow"
)

// WorkflowContextRecovery reloads persisted workflow contexts into the
// engine's live map so in-flight conversations survive a restart.
type WorkflowContextRecovery struct {
	store  store.Store
	engine *workflow.Engine
}

// NewWorkflowContextRecovery creates the workflow recovery component.
func NewWorkflowContextRecovery(st store.Store, eng *workflow.Engine) *WorkflowContextRecovery {
	return &WorkflowContextRecovery{store: st, engine: eng}
}

// RecoverState loads every persisted workflow context back into the engine.
// Contexts referencing workflows no longer registered are skipped and left in
// the store.
func (r *WorkflowContextRecovery) RecoverState(ctx context.Context) error {
	var contexts []models.WorkflowContext
	total, err := r.store.Query(ctx, models.CollectionWorkflowContexts, nil, store.QueryOptions{}, &contexts)
	if err != nil {
		return fmt.Errorf("failed to query workflow contexts: %w", err)
	}

	restored := 0
	for idx := range contexts {
		wc := &contexts[idx]
		if _, ok := r.engine.Definitions()[wc.WorkflowID]; !ok {
			slog.Warn("WorkflowContextRecovery: skipping context for unregistered workflow",
				"workflowID", wc.WorkflowID, "userID", wc.UserID)
			continue
		}
		r.engine.Restore(wc)
		restored++
	}
	slog.Info("WorkflowContextRecovery: contexts restored", "restored", restored, "total", total)
	return nil
}

// ExpiredSessionRecovery deactivates sessions whose expiry passed while the
// process was down, before the periodic sweeper takes over.
type ExpiredSessionRecovery struct {
	sweeper *session.Sweeper
}

// NewExpiredSessionRecovery creates the session recovery component.
func NewExpiredSessionRecovery(sw *session.Sweeper) *ExpiredSessionRecovery {
	return &ExpiredSessionRecovery{sweeper: sw}
}

// RecoverState runs one immediate expiry sweep.
func (r *ExpiredSessionRecovery) RecoverState(ctx context.Context) error {
	n, err := r.sweeper.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	slog.Info("ExpiredSessionRecovery: downtime expiries handled", "deactivated", n)
	return nil
}
