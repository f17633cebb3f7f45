package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attuneai/attune/internal/models"
)

// ActivityRecord describes one unit of session activity.
type ActivityRecord struct {
	ResponseTime     time.Duration
	BytesTransferred int64
	IsError          bool
	Concurrency      int
}

// RecordActivity folds one activity into the session's metrics record.
// Updates are strictly incremental: counters accumulate and the average
// response time advances by avg += (rt - avg) / n, so no per-request history
// is kept.
func (m *Manager) RecordActivity(ctx context.Context, sessionID string, rec ActivityRecord) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var sm models.SessionMetrics
	found, err := m.store.Get(ctx, models.CollectionSessionMetrics, sessionID, &sm)
	if err != nil {
		return fmt.Errorf("failed to load metrics for %s: %w", sessionID, err)
	}
	if !found {
		return models.NewAuthError(models.ReasonSessionNotFound, "session "+sessionID+" not found")
	}

	now := nowUTC()
	sm.ActivityCount++
	sm.RequestCount++
	sm.LastActivity = now
	sm.DataTransferred += rec.BytesTransferred
	if rec.IsError {
		sm.ErrorCount++
	}
	rt := float64(rec.ResponseTime.Milliseconds())
	sm.AverageResponseTime += (rt - sm.AverageResponseTime) / float64(sm.RequestCount)
	if rec.Concurrency > sm.PeakConcurrency {
		sm.PeakConcurrency = rec.Concurrency
	}

	// Duration measures from session creation.
	var session models.Session
	if ok, err := m.store.Get(ctx, models.CollectionSessions, sessionID, &session); err == nil && ok {
		sm.Duration = now.Sub(session.CreatedAt)
	}

	if err := m.store.Set(ctx, models.CollectionSessionMetrics, sessionID, &sm); err != nil {
		return fmt.Errorf("failed to persist metrics for %s: %w", sessionID, err)
	}
	slog.Debug("Manager.RecordActivity", "sessionID", sessionID, "requests", sm.RequestCount, "avgResponseMs", sm.AverageResponseTime)
	return nil
}

// GetSessionMetrics returns the live metrics record for a session, falling
// back to the archive for deactivated sessions.
func (m *Manager) GetSessionMetrics(ctx context.Context, sessionID string) (*models.SessionMetrics, error) {
	var sm models.SessionMetrics
	found, err := m.store.Get(ctx, models.CollectionSessionMetrics, sessionID, &sm)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics for %s: %w", sessionID, err)
	}
	if !found {
		found, err = m.store.Get(ctx, models.CollectionMetricsArchive, sessionID, &sm)
		if err != nil {
			return nil, fmt.Errorf("failed to load archived metrics for %s: %w", sessionID, err)
		}
		if !found {
			return nil, models.NewAuthError(models.ReasonSessionNotFound, "session "+sessionID+" not found")
		}
	}
	return &sm, nil
}
