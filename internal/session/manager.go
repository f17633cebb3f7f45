// Package session owns the session lifecycle for Attune: issuing,
// validating, extending, transferring, and retiring sessions under
// per-platform policy, with rate limiting and security risk scoring.
//
// Durable session, security, and metrics records live in the document store;
// the TTL cache only accelerates lookups and may be dropped at any time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/ratelimit"
	"github.com/attuneai/attune/internal/store"
	"github.com/attuneai/attune/internal/util"
)

// Cache key prefixes and lifetimes.
const (
	sessionKeyPrefix  = "session:"
	securityKeyPrefix = "security:"
	transferKeyPrefix = "transfer:"

	sessionCacheTTL  = 5 * time.Minute
	transferCodeTTL  = 10 * time.Minute
	transferCodeSize = 8
)

// Opts holds manager configuration.
type Opts struct {
	Platforms map[string]models.PlatformConfig
}

// Option configures manager creation.
type Option func(*Opts)

// WithPlatformConfigs replaces the built-in platform policy table.
func WithPlatformConfigs(platforms map[string]models.PlatformConfig) Option {
	return func(o *Opts) { o.Platforms = platforms }
}

// Manager issues and retires sessions. It is the single gate every
// downstream call must pass through via ValidateSession.
//
// Mutations of one session are serialized through a per-session mutex, and
// cached records are immutable snapshots: writers copy, persist, and re-cache,
// so a pointer handed out earlier never changes under its holder.
type Manager struct {
	store     store.Store
	cache     cache.Cache
	limiter   *ratelimit.Limiter
	timer     metrics.Timer
	platforms map[string]models.PlatformConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a session manager over the given store and cache.
func NewManager(st store.Store, c cache.Cache, timer metrics.Timer, opts ...Option) *Manager {
	cfg := Opts{Platforms: models.DefaultPlatformConfigs()}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating session Manager", "platforms", len(cfg.Platforms))
	return &Manager{
		store:     st,
		cache:     c,
		limiter:   ratelimit.NewLimiter(c),
		timer:     timer,
		platforms: cfg.Platforms,
		locks:     make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing all mutations of one session.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[sessionID]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[sessionID] = l
	return l
}

// nowUTC returns the current time truncated to seconds, so timestamps
// marshal as plain RFC3339 and order lexicographically in store queries.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// PlatformConfig returns the policy for a platform.
func (m *Manager) PlatformConfig(platform string) (models.PlatformConfig, bool) {
	cfg, ok := m.platforms[platform]
	return cfg, ok
}

// CreateSession issues a fresh session for (uid, platform), evicting the
// least-recently-active session first when the platform's concurrency limit
// is reached.
func (m *Manager) CreateSession(ctx context.Context, uid, platform string, device models.DeviceInfo, ip, userAgent string) (*models.Session, error) {
	tid := m.timer.StartTimer("session_create")
	defer m.timer.EndTimer(tid)
	slog.Debug("Manager.CreateSession", "uid", uid, "platform", platform)

	cfg, ok := m.platforms[platform]
	if !ok {
		slog.Error("Manager.CreateSession: unsupported platform", "uid", uid, "platform", platform)
		return nil, models.NewAuthError(models.ReasonUnsupportedPlatform, "platform "+platform+" is not supported")
	}

	active, err := m.activeSessions(ctx, uid, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	// Evict oldest-activity sessions until we are under the limit. The
	// read-then-write sequence is best-effort under concurrent creation.
	for i := 0; len(active)-i >= cfg.MaxConcurrentSessions && i < len(active); i++ {
		evict := active[i]
		slog.Info("Manager.CreateSession: evicting session over concurrency limit",
			"uid", uid, "platform", platform, "evicted", evict.SessionID, "lastActivity", evict.LastActivity)
		if err := m.DeactivateSession(ctx, evict.SessionID, models.ReasonSessionLimitExceeded); err != nil {
			slog.Error("Manager.CreateSession: eviction failed", "error", err, "sessionID", evict.SessionID)
		}
	}

	now := nowUTC()
	session := &models.Session{
		SessionID:    uuid.NewString(),
		UID:          uid,
		Platform:     platform,
		DeviceID:     device.DeviceID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(cfg.SessionTimeout),
		LastActivity: now,
		IPAddress:    ip,
		UserAgent:    userAgent,
		IsActive:     true,
	}

	if err := m.store.Set(ctx, models.CollectionSessions, session.SessionID, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	security := &models.SessionSecurity{SessionID: session.SessionID}
	if err := m.store.Set(ctx, models.CollectionSessionSecurity, session.SessionID, security); err != nil {
		return nil, fmt.Errorf("failed to persist session security record: %w", err)
	}
	sm := &models.SessionMetrics{SessionID: session.SessionID, UID: uid, Platform: platform, LastActivity: now}
	if err := m.store.Set(ctx, models.CollectionSessionMetrics, session.SessionID, sm); err != nil {
		return nil, fmt.Errorf("failed to persist session metrics record: %w", err)
	}

	m.cache.Set(ctx, sessionKeyPrefix+session.SessionID, session, sessionCacheTTL)
	m.cache.Set(ctx, securityKeyPrefix+session.SessionID, security, sessionCacheTTL)
	metrics.SessionsCreated.WithLabelValues(platform).Inc()
	slog.Info("session_created", "sessionID", session.SessionID, "uid", uid, "platform", platform, "expiresAt", session.ExpiresAt)
	return session, nil
}

// ValidateSession resolves and checks a session. It deactivates on expiry or
// elevated security risk, and optionally bumps last-activity. Every
// downstream call must pass this gate.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string, updateActivity bool) (*models.Session, error) {
	tid := m.timer.StartTimer("session_validate")
	defer m.timer.EndTimer(tid)

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.validateLocked(ctx, sessionID, updateActivity)
}

// validateLocked implements ValidateSession. The caller holds the session's
// lock.
func (m *Manager) validateLocked(ctx context.Context, sessionID string, updateActivity bool) (*models.Session, error) {
	session, err := m.lookupSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, models.NewAuthError(models.ReasonSessionNotFound, "session "+sessionID+" not found")
	}
	if !session.IsActive {
		// Preserve the original deactivation reason so callers can tell
		// "expired" from "revoked for risk" from "evicted".
		reason := models.ReasonSessionInactive
		if session.DeactivationReason != "" {
			reason = session.DeactivationReason
		}
		return nil, models.NewAuthError(reason, "session "+sessionID+" is no longer active")
	}
	if session.ExpiresAt.Before(nowUTC()) {
		slog.Info("Manager.ValidateSession: session expired", "sessionID", sessionID, "expiresAt", session.ExpiresAt)
		if err := m.deactivateLocked(ctx, sessionID, models.ReasonSessionExpired); err != nil {
			slog.Error("Manager.ValidateSession: expiry deactivation failed", "error", err, "sessionID", sessionID)
		}
		return nil, models.NewAuthError(models.ReasonSessionExpired, "session "+sessionID+" has expired")
	}

	if updateActivity {
		updated := *session
		updated.LastActivity = nowUTC()
		if err := m.store.Update(ctx, models.CollectionSessions, sessionID, &updated); err != nil {
			return nil, fmt.Errorf("failed to update session activity: %w", err)
		}
		m.cache.Set(ctx, sessionKeyPrefix+sessionID, &updated, sessionCacheTTL)
		session = &updated
	}

	security, err := m.loadSecurity(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if security != nil {
		if security.RiskScore > models.RiskScoreDeactivationThreshold {
			slog.Warn("Manager.ValidateSession: risk score over threshold", "sessionID", sessionID, "riskScore", security.RiskScore)
			if err := m.deactivateLocked(ctx, sessionID, models.ReasonHighSecurityRisk); err != nil {
				slog.Error("Manager.ValidateSession: risk deactivation failed", "error", err, "sessionID", sessionID)
			}
			return nil, models.NewAuthError(models.ReasonHighSecurityRisk, "session terminated for elevated risk")
		}
		if security.HasUnresolvedCritical() {
			slog.Warn("Manager.ValidateSession: unresolved critical security event", "sessionID", sessionID)
			if err := m.deactivateLocked(ctx, sessionID, models.ReasonCriticalSecurityEvent); err != nil {
				slog.Error("Manager.ValidateSession: critical-event deactivation failed", "error", err, "sessionID", sessionID)
			}
			return nil, models.NewAuthError(models.ReasonCriticalSecurityEvent, "session terminated for critical security event")
		}
	}

	return session, nil
}

// ExtendSession pushes a session's expiry forward, capped at the platform's
// session timeout.
func (m *Manager) ExtendSession(ctx context.Context, req models.ExtendSessionRequest) (*models.Session, error) {
	slog.Debug("Manager.ExtendSession", "sessionID", req.SessionID, "requested", req.RequestedDuration)

	lock := m.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.validateLocked(ctx, req.SessionID, false)
	if err != nil {
		return nil, err
	}
	cfg, ok := m.platforms[session.Platform]
	if !ok {
		return nil, models.NewAuthError(models.ReasonUnsupportedPlatform, "platform "+session.Platform+" is not supported")
	}
	if !cfg.AllowsSessionExtension {
		return nil, models.NewAuthError(models.ReasonExtensionNotAllowed, "platform "+session.Platform+" does not allow session extension")
	}
	if cfg.RequiresDeviceVerification && req.VerificationToken == "" {
		return nil, models.NewAuthError(models.ReasonVerificationRequired, "device verification token required")
	}

	duration := req.RequestedDuration
	if duration <= 0 || duration > cfg.SessionTimeout {
		duration = cfg.SessionTimeout
	}
	updated := *session
	updated.ExpiresAt = nowUTC().Add(duration)
	if err := m.store.Update(ctx, models.CollectionSessions, updated.SessionID, &updated); err != nil {
		return nil, fmt.Errorf("failed to persist session extension: %w", err)
	}
	m.cache.Set(ctx, sessionKeyPrefix+updated.SessionID, &updated, sessionCacheTTL)
	slog.Info("session_extended", "sessionID", updated.SessionID, "expiresAt", updated.ExpiresAt)
	return &updated, nil
}

// GenerateTransferCode creates a one-time code allowing a session transfer.
func (m *Manager) GenerateTransferCode(ctx context.Context, sessionID string) (string, error) {
	if _, err := m.ValidateSession(ctx, sessionID, false); err != nil {
		return "", err
	}
	code := util.GenerateRandomAlphaNumeric(transferCodeSize)
	m.cache.Set(ctx, transferKeyPrefix+sessionID, code, transferCodeTTL)
	slog.Debug("Manager.GenerateTransferCode: code issued", "sessionID", sessionID)
	return code, nil
}

// TransferSession moves a session to another platform: a new session is
// created on the target reusing the source's network identity, and the source
// is deactivated with reason "transferred".
func (m *Manager) TransferSession(ctx context.Context, req models.TransferSessionRequest) (*models.Session, error) {
	slog.Debug("Manager.TransferSession", "sessionID", req.SessionID, "target", req.TargetPlatform)

	source, err := m.ValidateSession(ctx, req.SessionID, false)
	if err != nil {
		return nil, err
	}
	if _, ok := m.platforms[req.TargetPlatform]; !ok {
		return nil, models.NewAuthError(models.ReasonUnsupportedPlatform, "platform "+req.TargetPlatform+" is not supported")
	}
	if req.TransferCode != "" {
		cached, ok := m.cache.Get(ctx, transferKeyPrefix+req.SessionID)
		code, _ := cached.(string)
		if !ok || code != req.TransferCode {
			return nil, models.NewAuthError(models.ReasonInvalidTransferCode, "transfer code is invalid or expired")
		}
		m.cache.Delete(ctx, transferKeyPrefix+req.SessionID)
	}

	target, err := m.CreateSession(ctx, source.UID, req.TargetPlatform,
		models.DeviceInfo{DeviceID: source.DeviceID}, source.IPAddress, source.UserAgent)
	if err != nil {
		return nil, err
	}
	if len(req.CarryOverData) > 0 {
		tl := m.sessionLock(target.SessionID)
		tl.Lock()
		updated := *target
		updated.TransferData = req.CarryOverData
		if err := m.store.Update(ctx, models.CollectionSessions, updated.SessionID, &updated); err != nil {
			tl.Unlock()
			return nil, fmt.Errorf("failed to persist carry-over data: %w", err)
		}
		m.cache.Set(ctx, sessionKeyPrefix+updated.SessionID, &updated, sessionCacheTTL)
		tl.Unlock()
		target = &updated
	}
	if err := m.DeactivateSession(ctx, source.SessionID, models.ReasonTransferred); err != nil {
		slog.Error("Manager.TransferSession: source deactivation failed", "error", err, "sessionID", source.SessionID)
	}
	slog.Info("session_transferred", "from", source.SessionID, "to", target.SessionID, "targetPlatform", req.TargetPlatform)
	return target, nil
}

// CheckRateLimit admits or denies one action against the platform's rate
// rule. The session passes the same validity gate as every other operation,
// so inactive or expired sessions cannot consume windows. Platforms without
// a rule for the action always allow. A denial appends a medium-severity
// rate_limit_exceeded security event.
func (m *Manager) CheckRateLimit(ctx context.Context, sessionID, action string) (bool, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.validateLocked(ctx, sessionID, false)
	if err != nil {
		return false, err
	}
	cfg, ok := m.platforms[session.Platform]
	if !ok {
		return false, models.NewAuthError(models.ReasonUnsupportedPlatform, "platform "+session.Platform+" is not supported")
	}
	rule, ok := cfg.RateLimitFor(action)
	if !ok {
		return true, nil
	}

	if m.limiter.Allow(ctx, sessionID, action, rule) {
		return true, nil
	}
	slog.Warn("Manager.CheckRateLimit: limit exceeded", "sessionID", sessionID, "action", action, "max", rule.MaxRequests, "window", rule.Window)
	if err := m.recordSecurityEventLocked(ctx, sessionID, models.SecurityEventRateLimitExceeded, models.SeverityMedium,
		fmt.Sprintf("rate limit exceeded for action %s", action)); err != nil {
		slog.Error("Manager.CheckRateLimit: failed to record security event", "error", err, "sessionID", sessionID)
	}
	return false, nil
}

// DeactivateSession is the one-way transition out of the active state. The
// live metrics record moves to the archive collection and cache entries are
// evicted. Deactivating an already-inactive session is a no-op.
func (m *Manager) DeactivateSession(ctx context.Context, sessionID, reason string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.deactivateLocked(ctx, sessionID, reason)
}

func (m *Manager) deactivateLocked(ctx context.Context, sessionID, reason string) error {
	slog.Debug("Manager.DeactivateSession", "sessionID", sessionID, "reason", reason)

	var session models.Session
	found, err := m.store.Get(ctx, models.CollectionSessions, sessionID, &session)
	if err != nil {
		return fmt.Errorf("failed to load session for deactivation: %w", err)
	}
	if !found {
		return models.NewAuthError(models.ReasonSessionNotFound, "session "+sessionID+" not found")
	}
	if !session.IsActive {
		return nil
	}

	session.IsActive = false
	session.DeactivatedAt = nowUTC()
	session.DeactivationReason = reason
	if err := m.store.Update(ctx, models.CollectionSessions, sessionID, &session); err != nil {
		return fmt.Errorf("failed to persist session deactivation: %w", err)
	}

	// Archive metrics: move the live record to the archive collection.
	var sm models.SessionMetrics
	if found, err := m.store.Get(ctx, models.CollectionSessionMetrics, sessionID, &sm); err != nil {
		slog.Error("Manager.DeactivateSession: failed to load metrics for archive", "error", err, "sessionID", sessionID)
	} else if found {
		sm.Duration = session.DeactivatedAt.Sub(session.CreatedAt)
		if err := m.store.Set(ctx, models.CollectionMetricsArchive, sessionID, &sm); err != nil {
			slog.Error("Manager.DeactivateSession: failed to archive metrics", "error", err, "sessionID", sessionID)
		} else if err := m.store.Delete(ctx, models.CollectionSessionMetrics, sessionID); err != nil {
			slog.Error("Manager.DeactivateSession: failed to delete live metrics", "error", err, "sessionID", sessionID)
		}
	}

	m.cache.Delete(ctx, sessionKeyPrefix+sessionID)
	m.cache.Delete(ctx, securityKeyPrefix+sessionID)
	metrics.SessionsDeactivated.WithLabelValues(reason).Inc()
	slog.Info("session_deactivated", "sessionID", sessionID, "reason", reason)
	return nil
}

// DeactivateAllUserSessions retires every active session of a user across
// platforms, optionally sparing one. Returns the number deactivated.
func (m *Manager) DeactivateAllUserSessions(ctx context.Context, uid, exceptID string) (int, error) {
	var sessions []models.Session
	filters := []store.Filter{
		{Field: "uid", Op: store.OpEqual, Value: uid},
		{Field: "is_active", Op: store.OpEqual, Value: true},
	}
	if _, err := m.store.Query(ctx, models.CollectionSessions, filters, store.QueryOptions{}, &sessions); err != nil {
		return 0, fmt.Errorf("failed to query user sessions: %w", err)
	}
	count := 0
	for _, s := range sessions {
		if s.SessionID == exceptID {
			continue
		}
		if err := m.DeactivateSession(ctx, s.SessionID, models.ReasonLogout); err != nil {
			slog.Error("Manager.DeactivateAllUserSessions: deactivation failed", "error", err, "sessionID", s.SessionID)
			continue
		}
		count++
	}
	slog.Info("Manager.DeactivateAllUserSessions: done", "uid", uid, "count", count)
	return count, nil
}

// lookupSession resolves a session via cache then store. A nil session with
// nil error means not found.
func (m *Manager) lookupSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if v, ok := m.cache.Get(ctx, sessionKeyPrefix+sessionID); ok {
		if s, ok := v.(*models.Session); ok {
			return s, nil
		}
	}
	var session models.Session
	found, err := m.store.Get(ctx, models.CollectionSessions, sessionID, &session)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}
	m.cache.Set(ctx, sessionKeyPrefix+sessionID, &session, sessionCacheTTL)
	return &session, nil
}

// activeSessions lists a user's active sessions on one platform ordered by
// last activity, oldest first.
func (m *Manager) activeSessions(ctx context.Context, uid, platform string) ([]models.Session, error) {
	var sessions []models.Session
	filters := []store.Filter{
		{Field: "uid", Op: store.OpEqual, Value: uid},
		{Field: "platform", Op: store.OpEqual, Value: platform},
		{Field: "is_active", Op: store.OpEqual, Value: true},
	}
	opts := store.QueryOptions{OrderBy: "last_activity"}
	if _, err := m.store.Query(ctx, models.CollectionSessions, filters, opts, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}
