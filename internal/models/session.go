// Package models defines session lifecycle structures for Attune.
package models

import "time"

// Document collection names used by the session components.
const (
	CollectionSessions        = "sessions"
	CollectionSessionSecurity = "session_security"
	CollectionSessionMetrics  = "session_metrics"
	CollectionMetricsArchive  = "session_metrics_archive"
)

// Session is a bounded-lifetime authorization context for one user on one
// platform. Deactivation is one-way: once IsActive flips to false the session
// never becomes valid again.
type Session struct {
	SessionID          string         `json:"session_id"`
	UID                string         `json:"uid"`
	Platform           string         `json:"platform"`
	DeviceID           string         `json:"device_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	ExpiresAt          time.Time      `json:"expires_at"`
	LastActivity       time.Time      `json:"last_activity"`
	IPAddress          string         `json:"ip_address,omitempty"`
	UserAgent          string         `json:"user_agent,omitempty"`
	Permissions        []string       `json:"permissions,omitempty"`
	IsActive           bool           `json:"is_active"`
	TransferData       map[string]any `json:"transfer_data,omitempty"`
	DeactivatedAt      time.Time      `json:"deactivated_at,omitempty"`
	DeactivationReason string         `json:"deactivation_reason,omitempty"`
}

// SecuritySeverity classifies a security event.
type SecuritySeverity string

const (
	SeverityLow      SecuritySeverity = "low"
	SeverityMedium   SecuritySeverity = "medium"
	SeverityHigh     SecuritySeverity = "high"
	SeverityCritical SecuritySeverity = "critical"
)

// RiskWeight returns the risk-score increment for a severity. Scores are
// clamped to [0,1] by the caller and never decremented automatically.
func (s SecuritySeverity) RiskWeight() float64 {
	switch s {
	case SeverityLow:
		return 0.1
	case SeverityMedium:
		return 0.2
	case SeverityHigh:
		return 0.4
	case SeverityCritical:
		return 0.8
	default:
		return 0
	}
}

// RiskScoreDeactivationThreshold forces deactivation once crossed.
const RiskScoreDeactivationThreshold = 0.7

// Well-known security event types.
const (
	SecurityEventRateLimitExceeded = "rate_limit_exceeded"
	SecurityEventIPChange          = "ip_address_change"
	SecurityEventUserAgentChange   = "user_agent_change"
	SecurityEventDeviceChange      = "device_fingerprint_change"
	SecurityEventGeoChange         = "geo_location_change"
	SecurityEventSuspicious        = "suspicious_activity"
)

// SecurityEvent is one entry in a session's append-only security log.
type SecurityEvent struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Details   string           `json:"details,omitempty"`
	Severity  SecuritySeverity `json:"severity"`
	Resolved  bool             `json:"resolved"`
}

// SessionSecurity accumulates risk signals for one session. RiskScore only
// increases during a session's life; it resets implicitly on session
// re-creation.
type SessionSecurity struct {
	SessionID               string          `json:"session_id"`
	RiskScore               float64         `json:"risk_score"`
	SecurityEvents          []SecurityEvent `json:"security_events,omitempty"`
	IPAddressChanges        int             `json:"ip_address_changes"`
	UserAgentChanges        int             `json:"user_agent_changes"`
	SuspiciousActivity      int             `json:"suspicious_activity"`
	GeoLocationChanges      int             `json:"geo_location_changes"`
	DeviceFingerprintChange int             `json:"device_fingerprint_changes"`
}

// HasUnresolvedCritical reports whether any unresolved critical event exists.
func (s *SessionSecurity) HasUnresolvedCritical() bool {
	for _, ev := range s.SecurityEvents {
		if ev.Severity == SeverityCritical && !ev.Resolved {
			return true
		}
	}
	return false
}

// SessionMetrics aggregates per-session activity. Updated strictly
// incrementally (running average for response time, cumulative counters) and
// archived to a separate collection on deactivation.
type SessionMetrics struct {
	SessionID           string        `json:"session_id"`
	UID                 string        `json:"uid"`
	Platform            string        `json:"platform"`
	Duration            time.Duration `json:"duration"`
	ActivityCount       int64         `json:"activity_count"`
	LastActivity        time.Time     `json:"last_activity"`
	DataTransferred     int64         `json:"data_transferred"`
	RequestCount        int64         `json:"request_count"`
	ErrorCount          int64         `json:"error_count"`
	AverageResponseTime float64       `json:"average_response_time"`
	PeakConcurrency     int           `json:"peak_concurrency"`
}

// RateLimitRule caps requests for one named action over a fixed window.
type RateLimitRule struct {
	Action      string        `json:"action"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// PlatformConfig is the static per-platform session policy. It is an
// immutable configuration table, never persisted per user.
type PlatformConfig struct {
	SessionTimeout             time.Duration
	MaxConcurrentSessions      int
	RequiresDeviceVerification bool
	AllowsSessionExtension     bool
	SecurityLevel              string
	RateLimits                 []RateLimitRule
}

// RateLimitFor returns the rule for an action, if one is configured.
func (c PlatformConfig) RateLimitFor(action string) (RateLimitRule, bool) {
	for _, r := range c.RateLimits {
		if r.Action == action {
			return r, true
		}
	}
	return RateLimitRule{}, false
}

// DefaultPlatformConfigs returns the built-in platform policy table.
func DefaultPlatformConfigs() map[string]PlatformConfig {
	return map[string]PlatformConfig{
		"whatsapp": {
			SessionTimeout:             24 * time.Hour,
			MaxConcurrentSessions:      3,
			RequiresDeviceVerification: false,
			AllowsSessionExtension:     true,
			SecurityLevel:              "standard",
			RateLimits: []RateLimitRule{
				{Action: "message", MaxRequests: 30, Window: time.Minute},
				{Action: "workflow_start", MaxRequests: 5, Window: time.Minute},
			},
		},
		"sms": {
			SessionTimeout:             12 * time.Hour,
			MaxConcurrentSessions:      2,
			RequiresDeviceVerification: false,
			AllowsSessionExtension:     false,
			SecurityLevel:              "standard",
			RateLimits: []RateLimitRule{
				{Action: "message", MaxRequests: 10, Window: time.Minute},
			},
		},
		"web": {
			SessionTimeout:             2 * time.Hour,
			MaxConcurrentSessions:      5,
			RequiresDeviceVerification: true,
			AllowsSessionExtension:     true,
			SecurityLevel:              "elevated",
			RateLimits: []RateLimitRule{
				{Action: "message", MaxRequests: 60, Window: time.Minute},
				{Action: "workflow_start", MaxRequests: 10, Window: time.Minute},
			},
		},
	}
}

// DeviceInfo describes the device a session is created from.
type DeviceInfo struct {
	DeviceID    string `json:"device_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Model       string `json:"model,omitempty"`
}

// ExtendSessionRequest asks for a session lifetime extension. The granted
// duration is capped at the platform's session timeout.
type ExtendSessionRequest struct {
	SessionID         string        `json:"session_id"`
	RequestedDuration time.Duration `json:"requested_duration"`
	VerificationToken string        `json:"verification_token,omitempty"`
}

// TransferSessionRequest moves a user's session to another platform. When
// TransferCode is set it is compared against the cached one-time code.
type TransferSessionRequest struct {
	SessionID      string         `json:"session_id"`
	TargetPlatform string         `json:"target_platform"`
	TransferCode   string         `json:"transfer_code,omitempty"`
	CarryOverData  map[string]any `json:"carry_over_data,omitempty"`
}
