package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/store"
)

// DefaultSweepInterval is how often the sweeper scans for expired sessions.
const DefaultSweepInterval = time.Minute

// Sweeper periodically deactivates sessions whose expiry passed without a
// validation touching them. Validation already deactivates lazily; the sweeper
// closes the gap for sessions nobody asks about.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper creates a sweeper over the given manager. A non-positive
// interval falls back to DefaultSweepInterval.
func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: m, interval: interval}
}

// Run executes the sweep loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("Sweeper.Run: starting session sweeper", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper.Run: context cancelled, stopping")
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepExpired(ctx); err != nil {
				slog.Error("Sweeper.Run: sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Sweeper.Run: sweep complete", "deactivated", n)
			}
		}
	}
}

// SweepExpired deactivates every active session whose expiry is in the past.
// Returns the number deactivated.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	var sessions []models.Session
	filters := []store.Filter{
		{Field: "is_active", Op: store.OpEqual, Value: true},
		{Field: "expires_at", Op: store.OpLess, Value: nowUTC().Format(time.RFC3339)},
	}
	if _, err := s.manager.store.Query(ctx, models.CollectionSessions, filters, store.QueryOptions{}, &sessions); err != nil {
		return 0, err
	}
	count := 0
	for _, sess := range sessions {
		if err := s.manager.DeactivateSession(ctx, sess.SessionID, models.ReasonSessionExpired); err != nil {
			slog.Error("Sweeper.SweepExpired: deactivation failed", "error", err, "sessionID", sess.SessionID)
			continue
		}
		count++
	}
	return count, nil
}
