package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/store"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	c := cache.NewTTLCache()
	t.Cleanup(c.Stop)
	return NewManager(st, c, metrics.NopTimer{}, opts...), st
}

func testPlatforms() map[string]models.PlatformConfig {
	return map[string]models.PlatformConfig{
		"app": {
			SessionTimeout:         time.Hour,
			MaxConcurrentSessions:  2,
			AllowsSessionExtension: true,
			SecurityLevel:          "standard",
			RateLimits: []models.RateLimitRule{
				{Action: "message", MaxRequests: 5, Window: time.Minute},
			},
		},
	}
}

func TestCreateSessionUnsupportedPlatform(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateSession(context.Background(), "u1", "pager", models.DeviceInfo{}, "", "")
	if models.AuthReason(err) != models.ReasonUnsupportedPlatform {
		t.Fatalf("expected unsupported_platform, got %v", err)
	}
}

func TestCreateAndValidateSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{DeviceID: "d1"}, "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !sess.IsActive {
		t.Error("new session should be active")
	}
	wantExpiry := sess.CreatedAt.Add(24 * time.Hour)
	if !sess.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected expiry %v, got %v", wantExpiry, sess.ExpiresAt)
	}

	got, err := m.ValidateSession(ctx, sess.SessionID, true)
	if err != nil {
		t.Fatalf("ValidateSession failed: %v", err)
	}
	if got.SessionID != sess.SessionID {
		t.Errorf("expected session %s, got %s", sess.SessionID, got.SessionID)
	}
	if got.LastActivity.Before(sess.LastActivity) {
		t.Error("expected last activity to advance")
	}
}

func TestValidateSessionNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ValidateSession(context.Background(), "nope", false)
	if models.AuthReason(err) != models.ReasonSessionNotFound {
		t.Fatalf("expected session_not_found, got %v", err)
	}
}

func TestSessionLimitEvictsLeastRecentlyActive(t *testing.T) {
	m, st := newTestManager(t, WithPlatformConfigs(testPlatforms()))
	ctx := context.Background()

	s1, err := m.CreateSession(ctx, "u1", "app", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	s2, err := m.CreateSession(ctx, "u1", "app", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Backdate s1's activity so it is the eviction candidate.
	var stored models.Session
	if _, err := st.Get(ctx, models.CollectionSessions, s1.SessionID, &stored); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stored.LastActivity = stored.LastActivity.Add(-10 * time.Minute)
	if err := st.Update(ctx, models.CollectionSessions, s1.SessionID, &stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	s3, err := m.CreateSession(ctx, "u1", "app", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var sessions []models.Session
	total, err := st.Query(ctx, models.CollectionSessions, []store.Filter{
		{Field: "uid", Op: store.OpEqual, Value: "u1"},
		{Field: "is_active", Op: store.OpEqual, Value: true},
	}, store.QueryOptions{}, &sessions)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected exactly 2 active sessions, got %d", total)
	}

	var evicted models.Session
	if _, err := st.Get(ctx, models.CollectionSessions, s1.SessionID, &evicted); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if evicted.IsActive {
		t.Error("expected s1 to be evicted")
	}
	if evicted.DeactivationReason != models.ReasonSessionLimitExceeded {
		t.Errorf("expected reason session_limit_exceeded, got %q", evicted.DeactivationReason)
	}
	for _, id := range []string{s2.SessionID, s3.SessionID} {
		var s models.Session
		st.Get(ctx, models.CollectionSessions, id, &s)
		if !s.IsActive {
			t.Errorf("expected session %s to remain active", id)
		}
	}
}

func TestValidateExpiredSessionIdempotent(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "u1", "web", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var stored models.Session
	st.Get(ctx, models.CollectionSessions, sess.SessionID, &stored)
	stored.ExpiresAt = nowUTC().Add(-time.Hour)
	if err := st.Update(ctx, models.CollectionSessions, sess.SessionID, &stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	m.cache.Delete(ctx, sessionKeyPrefix+sess.SessionID)

	_, err = m.ValidateSession(ctx, sess.SessionID, false)
	if models.AuthReason(err) != models.ReasonSessionExpired {
		t.Fatalf("expected expired, got %v", err)
	}
	st.Get(ctx, models.CollectionSessions, sess.SessionID, &stored)
	if stored.IsActive {
		t.Error("expected session to be deactivated after expiry")
	}

	// Repeat calls keep reporting expired.
	_, err = m.ValidateSession(ctx, sess.SessionID, false)
	if models.AuthReason(err) != models.ReasonSessionExpired {
		t.Errorf("expected expired on repeat validation, got %v", err)
	}
}

func TestCheckRateLimit(t *testing.T) {
	m, _ := newTestManager(t, WithPlatformConfigs(testPlatforms()))
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "u1", "app", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		allowed, err := m.CheckRateLimit(ctx, sess.SessionID, "message")
		if err != nil {
			t.Fatalf("CheckRateLimit failed: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	allowed, err := m.CheckRateLimit(ctx, sess.SessionID, "message")
	if err != nil {
		t.Fatalf("CheckRateLimit failed: %v", err)
	}
	if allowed {
		t.Fatal("sixth request should be denied")
	}

	sec, err := m.GetSessionSecurity(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSessionSecurity failed: %v", err)
	}
	count := 0
	for _, ev := range sec.SecurityEvents {
		if ev.Type == models.SecurityEventRateLimitExceeded {
			count++
			if ev.Severity != models.SeverityMedium {
				t.Errorf("expected medium severity, got %s", ev.Severity)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one rate_limit_exceeded event, got %d", count)
	}
	if sec.RiskScore != 0.2 {
		t.Errorf("expected risk score 0.2, got %f", sec.RiskScore)
	}
}

func TestCheckRateLimitRejectsInactiveSession(t *testing.T) {
	m, _ := newTestManager(t, WithPlatformConfigs(testPlatforms()))
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, "u1", "app", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := m.DeactivateSession(ctx, sess.SessionID, models.ReasonLogout); err != nil {
		t.Fatalf("DeactivateSession failed: %v", err)
	}

	allowed, err := m.CheckRateLimit(ctx, sess.SessionID, "message")
	if allowed {
		t.Error("deactivated session must not be admitted")
	}
	if models.AuthReason(err) != models.ReasonLogout {
		t.Errorf("expected logout reason, got %v", err)
	}
}

func TestCheckRateLimitUnconfiguredActionAllows(t *testing.T) {
	m, _ := newTestManager(t, WithPlatformConfigs(testPlatforms()))
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "u1", "app", models.DeviceInfo{}, "", "")

	for i := 0; i < 50; i++ {
		allowed, err := m.CheckRateLimit(ctx, sess.SessionID, "unlimited_action")
		if err != nil || !allowed {
			t.Fatalf("unconfigured action should always allow, got allowed=%v err=%v", allowed, err)
		}
	}
}

func TestConcurrentSecurityEventsLoseNothing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	const writers = 64
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			if err := m.RecordSecurityEvent(ctx, sess.SessionID, models.SecurityEventSuspicious, models.SeverityLow, "burst"); err != nil {
				t.Errorf("RecordSecurityEvent failed: %v", err)
			}
		}()
	}
	wg.Wait()

	sec, err := m.GetSessionSecurity(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSessionSecurity failed: %v", err)
	}
	if len(sec.SecurityEvents) != writers {
		t.Errorf("expected %d events, got %d", writers, len(sec.SecurityEvents))
	}
	if sec.SuspiciousActivity != writers {
		t.Errorf("expected suspicious counter %d, got %d", writers, sec.SuspiciousActivity)
	}
	if sec.RiskScore != 1.0 {
		t.Errorf("expected risk score clamped to 1.0, got %f", sec.RiskScore)
	}
}

func TestConcurrentValidationAndActivity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	const rounds = 16
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := m.ValidateSession(ctx, sess.SessionID, true); err != nil {
				t.Errorf("ValidateSession failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := m.RecordActivity(ctx, sess.SessionID, ActivityRecord{ResponseTime: 10 * time.Millisecond}); err != nil {
				t.Errorf("RecordActivity failed: %v", err)
			}
		}()
	}
	wg.Wait()

	sm, err := m.GetSessionMetrics(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSessionMetrics failed: %v", err)
	}
	if sm.RequestCount != rounds {
		t.Errorf("expected %d requests recorded, got %d", rounds, sm.RequestCount)
	}
}

func TestRiskScoreClampAndDeactivation(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	sess, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	for i := 0; i < 3; i++ {
		if err := m.RecordSecurityEvent(ctx, sess.SessionID, models.SecurityEventSuspicious, models.SeverityCritical, "repeated critical"); err != nil {
			t.Fatalf("RecordSecurityEvent failed: %v", err)
		}
	}
	sec, _ := m.GetSessionSecurity(ctx, sess.SessionID)
	if sec.RiskScore != 1.0 {
		t.Errorf("expected risk score clamped to 1.0, got %f", sec.RiskScore)
	}

	_, err := m.ValidateSession(ctx, sess.SessionID, false)
	if models.AuthReason(err) != models.ReasonHighSecurityRisk {
		t.Fatalf("expected high_security_risk, got %v", err)
	}
	var stored models.Session
	st.Get(ctx, models.CollectionSessions, sess.SessionID, &stored)
	if stored.IsActive || stored.DeactivationReason != models.ReasonHighSecurityRisk {
		t.Errorf("expected deactivation with high_security_risk, got active=%v reason=%q", stored.IsActive, stored.DeactivationReason)
	}
}

func TestUnresolvedCriticalEventDeactivates(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	sess, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")

	// Craft a security record below the risk threshold but holding an
	// unresolved critical event.
	security := &models.SessionSecurity{
		SessionID: sess.SessionID,
		RiskScore: 0.5,
		SecurityEvents: []models.SecurityEvent{
			{Type: models.SecurityEventSuspicious, Severity: models.SeverityCritical, Timestamp: nowUTC()},
		},
	}
	if err := st.Set(ctx, models.CollectionSessionSecurity, sess.SessionID, security); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	m.cache.Delete(ctx, securityKeyPrefix+sess.SessionID)

	_, err := m.ValidateSession(ctx, sess.SessionID, false)
	if models.AuthReason(err) != models.ReasonCriticalSecurityEvent {
		t.Fatalf("expected critical_security_event, got %v", err)
	}
}

func TestExtendSessionRules(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// sms does not allow extension.
	smsSess, _ := m.CreateSession(ctx, "u1", "sms", models.DeviceInfo{}, "", "")
	_, err := m.ExtendSession(ctx, models.ExtendSessionRequest{SessionID: smsSess.SessionID, RequestedDuration: time.Hour})
	if models.AuthReason(err) != models.ReasonExtensionNotAllowed {
		t.Fatalf("expected extension_not_allowed, got %v", err)
	}

	// web requires device verification.
	webSess, _ := m.CreateSession(ctx, "u2", "web", models.DeviceInfo{}, "", "")
	_, err = m.ExtendSession(ctx, models.ExtendSessionRequest{SessionID: webSess.SessionID, RequestedDuration: time.Hour})
	if models.AuthReason(err) != models.ReasonVerificationRequired {
		t.Fatalf("expected verification_required, got %v", err)
	}

	extended, err := m.ExtendSession(ctx, models.ExtendSessionRequest{
		SessionID:         webSess.SessionID,
		RequestedDuration: 30 * time.Minute,
		VerificationToken: "token",
	})
	if err != nil {
		t.Fatalf("ExtendSession failed: %v", err)
	}
	if !extended.ExpiresAt.After(webSess.ExpiresAt.Add(-2*time.Hour)) || extended.ExpiresAt.After(nowUTC().Add(30*time.Minute+time.Second)) {
		t.Errorf("unexpected extended expiry %v", extended.ExpiresAt)
	}

	// Requests beyond the platform timeout are capped at the timeout.
	capped, err := m.ExtendSession(ctx, models.ExtendSessionRequest{
		SessionID:         webSess.SessionID,
		RequestedDuration: 100 * time.Hour,
		VerificationToken: "token",
	})
	if err != nil {
		t.Fatalf("ExtendSession failed: %v", err)
	}
	if capped.ExpiresAt.After(nowUTC().Add(2*time.Hour + time.Second)) {
		t.Errorf("expected expiry capped at platform timeout, got %v", capped.ExpiresAt)
	}
}

func TestTransferSession(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	source, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{DeviceID: "d1"}, "10.0.0.1", "agent")
	code, err := m.GenerateTransferCode(ctx, source.SessionID)
	if err != nil {
		t.Fatalf("GenerateTransferCode failed: %v", err)
	}

	_, err = m.TransferSession(ctx, models.TransferSessionRequest{
		SessionID:      source.SessionID,
		TargetPlatform: "sms",
		TransferCode:   "wrong",
	})
	if models.AuthReason(err) != models.ReasonInvalidTransferCode {
		t.Fatalf("expected invalid_transfer_code, got %v", err)
	}

	target, err := m.TransferSession(ctx, models.TransferSessionRequest{
		SessionID:      source.SessionID,
		TargetPlatform: "sms",
		TransferCode:   code,
		CarryOverData:  map[string]any{"topic": "sleep"},
	})
	if err != nil {
		t.Fatalf("TransferSession failed: %v", err)
	}
	if target.Platform != "sms" || target.UID != "u1" || target.DeviceID != "d1" {
		t.Errorf("unexpected target session: %+v", target)
	}
	if target.TransferData["topic"] != "sleep" {
		t.Errorf("expected carry-over data, got %+v", target.TransferData)
	}

	var stored models.Session
	st.Get(ctx, models.CollectionSessions, source.SessionID, &stored)
	if stored.IsActive || stored.DeactivationReason != models.ReasonTransferred {
		t.Errorf("expected source deactivated with reason transferred, got %+v", stored)
	}

	_, err = m.ValidateSession(ctx, source.SessionID, false)
	if models.AuthReason(err) != models.ReasonTransferred {
		t.Errorf("expected transferred on source validation, got %v", err)
	}
}

func TestTransferSessionUnsupportedTarget(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	source, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")

	_, err := m.TransferSession(ctx, models.TransferSessionRequest{
		SessionID:      source.SessionID,
		TargetPlatform: "pager",
	})
	if models.AuthReason(err) != models.ReasonUnsupportedPlatform {
		t.Fatalf("expected unsupported_platform, got %v", err)
	}
}

func TestRecordActivityIncrementalMetrics(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	records := []ActivityRecord{
		{ResponseTime: 100 * time.Millisecond, BytesTransferred: 50, Concurrency: 2},
		{ResponseTime: 200 * time.Millisecond, BytesTransferred: 70, IsError: true, Concurrency: 1},
	}
	for _, rec := range records {
		if err := m.RecordActivity(ctx, sess.SessionID, rec); err != nil {
			t.Fatalf("RecordActivity failed: %v", err)
		}
	}

	sm, err := m.GetSessionMetrics(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSessionMetrics failed: %v", err)
	}
	if sm.RequestCount != 2 || sm.ActivityCount != 2 {
		t.Errorf("unexpected counts: %+v", sm)
	}
	if sm.AverageResponseTime != 150 {
		t.Errorf("expected running average 150ms, got %f", sm.AverageResponseTime)
	}
	if sm.DataTransferred != 120 {
		t.Errorf("expected 120 bytes, got %d", sm.DataTransferred)
	}
	if sm.ErrorCount != 1 {
		t.Errorf("expected 1 error, got %d", sm.ErrorCount)
	}
	if sm.PeakConcurrency != 2 {
		t.Errorf("expected peak concurrency 2, got %d", sm.PeakConcurrency)
	}
}

func TestDeactivateArchivesMetrics(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	sess, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	m.RecordActivity(ctx, sess.SessionID, ActivityRecord{ResponseTime: 100 * time.Millisecond})

	if err := m.DeactivateSession(ctx, sess.SessionID, models.ReasonLogout); err != nil {
		t.Fatalf("DeactivateSession failed: %v", err)
	}

	var live models.SessionMetrics
	if found, _ := st.Get(ctx, models.CollectionSessionMetrics, sess.SessionID, &live); found {
		t.Error("expected live metrics record to be removed")
	}
	var archived models.SessionMetrics
	if found, _ := st.Get(ctx, models.CollectionMetricsArchive, sess.SessionID, &archived); !found {
		t.Fatal("expected archived metrics record")
	}
	if archived.RequestCount != 1 {
		t.Errorf("unexpected archived metrics: %+v", archived)
	}

	// The read accessor falls back to the archive.
	sm, err := m.GetSessionMetrics(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSessionMetrics failed: %v", err)
	}
	if sm.RequestCount != 1 {
		t.Errorf("unexpected metrics from archive: %+v", sm)
	}
}

func TestDeactivateSessionIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	sess, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")

	if err := m.DeactivateSession(ctx, sess.SessionID, models.ReasonLogout); err != nil {
		t.Fatalf("DeactivateSession failed: %v", err)
	}
	if err := m.DeactivateSession(ctx, sess.SessionID, models.ReasonSessionExpired); err != nil {
		t.Fatalf("repeat DeactivateSession failed: %v", err)
	}
	// The original reason is preserved.
	_, err := m.ValidateSession(ctx, sess.SessionID, false)
	if models.AuthReason(err) != models.ReasonLogout {
		t.Errorf("expected original reason logout, got %v", err)
	}
}

func TestDeactivateAllUserSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s1, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	m.CreateSession(ctx, "u1", "sms", models.DeviceInfo{}, "", "")
	m.CreateSession(ctx, "u1", "web", models.DeviceInfo{}, "", "")
	m.CreateSession(ctx, "u2", "web", models.DeviceInfo{}, "", "")

	count, err := m.DeactivateAllUserSessions(ctx, "u1", s1.SessionID)
	if err != nil {
		t.Fatalf("DeactivateAllUserSessions failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 deactivated, got %d", count)
	}
	if _, err := m.ValidateSession(ctx, s1.SessionID, false); err != nil {
		t.Errorf("excepted session should remain valid: %v", err)
	}
}
