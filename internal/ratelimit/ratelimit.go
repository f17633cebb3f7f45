// Package ratelimit provides fixed-window request counting for Attune
// sessions.
//
// Counters live in the TTL cache keyed by (session, action), with entry
// lifetime equal to the remaining window. Counting is a read-then-write
// sequence and is deliberately best-effort: occasional over-admission under
// heavy concurrent traffic is acceptable.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
)

const keyPrefix = "ratelimit:"

// windowEntry is the cached counter for one (session, action) window.
type windowEntry struct {
	Count int
	Start time.Time
}

// Limiter counts requests per (session, action) over fixed windows.
type Limiter struct {
	cache cache.Cache
}

// NewLimiter creates a Limiter over the given cache.
func NewLimiter(c cache.Cache) *Limiter {
	return &Limiter{cache: c}
}

// Allow records one request against the rule's window and reports whether it
// is admitted. The counter denies once it has reached rule.MaxRequests inside
// the current window; denied requests do not advance the counter.
func (l *Limiter) Allow(ctx context.Context, sessionID, action string, rule models.RateLimitRule) bool {
	key := keyPrefix + sessionID + ":" + action
	now := time.Now().UTC()

	v, ok := l.cache.Get(ctx, key)
	if ok {
		if w, valid := v.(windowEntry); valid && now.Sub(w.Start) < rule.Window {
			if w.Count >= rule.MaxRequests {
				slog.Debug("Limiter.Allow: denied", "sessionID", sessionID, "action", action, "count", w.Count, "max", rule.MaxRequests)
				metrics.RateLimitDenials.Inc()
				return false
			}
			w.Count++
			l.cache.Set(ctx, key, w, rule.Window-now.Sub(w.Start))
			return true
		}
	}

	// New window.
	l.cache.Set(ctx, key, windowEntry{Count: 1, Start: now}, rule.Window)
	return true
}

// Reset clears the counter for a (session, action) pair.
func (l *Limiter) Reset(ctx context.Context, sessionID, action string) {
	l.cache.Delete(ctx, keyPrefix+sessionID+":"+action)
}
