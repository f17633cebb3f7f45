package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/attuneai/attune/internal/models"
)

// RecordSecurityEvent appends an event to a session's security log, bumps the
// matching per-type counter, and raises the risk score by the severity's
// weight, clamped to 1.0. The score never decreases during a session's life.
// Concurrent calls for one session are serialized so no event is lost.
func (m *Manager) RecordSecurityEvent(ctx context.Context, sessionID, eventType string, severity models.SecuritySeverity, details string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.recordSecurityEventLocked(ctx, sessionID, eventType, severity, details)
}

func (m *Manager) recordSecurityEventLocked(ctx context.Context, sessionID, eventType string, severity models.SecuritySeverity, details string) error {
	slog.Debug("Manager.RecordSecurityEvent", "sessionID", sessionID, "type", eventType, "severity", severity)

	security, err := m.loadSecurity(ctx, sessionID)
	if err != nil {
		return err
	}
	if security == nil {
		return models.NewAuthError(models.ReasonSessionNotFound, "session "+sessionID+" not found")
	}

	// Mutate a copy: the cached record may be held by concurrent readers.
	updated := *security
	events := make([]models.SecurityEvent, len(security.SecurityEvents), len(security.SecurityEvents)+1)
	copy(events, security.SecurityEvents)
	updated.SecurityEvents = append(events, models.SecurityEvent{
		Type:      eventType,
		Timestamp: nowUTC(),
		Details:   details,
		Severity:  severity,
	})
	switch eventType {
	case models.SecurityEventIPChange:
		updated.IPAddressChanges++
	case models.SecurityEventUserAgentChange:
		updated.UserAgentChanges++
	case models.SecurityEventSuspicious:
		updated.SuspiciousActivity++
	case models.SecurityEventGeoChange:
		updated.GeoLocationChanges++
	case models.SecurityEventDeviceChange:
		updated.DeviceFingerprintChange++
	}
	updated.RiskScore += severity.RiskWeight()
	if updated.RiskScore > 1.0 {
		updated.RiskScore = 1.0
	}

	if err := m.store.Set(ctx, models.CollectionSessionSecurity, sessionID, &updated); err != nil {
		return fmt.Errorf("failed to persist security record: %w", err)
	}
	m.cache.Set(ctx, securityKeyPrefix+sessionID, &updated, sessionCacheTTL)
	slog.Info("security_event_recorded", "sessionID", sessionID, "type", eventType, "severity", severity, "riskScore", updated.RiskScore)
	return nil
}

// GetSessionSecurity returns the security record for a session, or nil when
// none exists.
func (m *Manager) GetSessionSecurity(ctx context.Context, sessionID string) (*models.SessionSecurity, error) {
	return m.loadSecurity(ctx, sessionID)
}

func (m *Manager) loadSecurity(ctx context.Context, sessionID string) (*models.SessionSecurity, error) {
	if v, ok := m.cache.Get(ctx, securityKeyPrefix+sessionID); ok {
		if s, ok := v.(*models.SessionSecurity); ok {
			return s, nil
		}
	}
	var security models.SessionSecurity
	found, err := m.store.Get(ctx, models.CollectionSessionSecurity, sessionID, &security)
	if err != nil {
		return nil, fmt.Errorf("failed to load security record for %s: %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}
	m.cache.Set(ctx, securityKeyPrefix+sessionID, &security, sessionCacheTTL)
	return &security, nil
}
