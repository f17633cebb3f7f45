// Package recovery restores process-local working sets after a restart.
//
// In-memory maps are never a source of truth: workflow contexts and session
// records live in the document store, and this package reloads or repairs
// them at startup so a restarted instance behaves as if it never went down.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can restore its state during startup.
type Recoverable interface {
	// RecoverState is called once during application startup.
	RecoverState(ctx context.Context) error
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component to the startup recovery pass.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component's recovery. Individual failures
// are logged and counted; recovery continues so one broken component does not
// block the rest.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(m.recoverables))

	recovered := 0
	failed := 0
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", r))
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Application recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
