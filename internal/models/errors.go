// Package models defines the core data structures for Attune.
//
// This file declares the error taxonomy shared by all components. Errors fall
// into four kinds with distinct propagation rules: auth errors surface to the
// caller and are never retried, validation errors surface immediately, system
// errors are retryable by the integrator, and ErrCircuitOpen signals transient
// unavailability of a protected capability.
package models

import (
	"errors"
	"fmt"
)

// Auth failure reason codes. Callers use these to distinguish "expired" from
// "revoked for risk" from "evicted for concurrency limits".
const (
	ReasonSessionNotFound       = "session_not_found"
	ReasonSessionInactive       = "session_inactive"
	ReasonSessionExpired        = "expired"
	ReasonHighSecurityRisk      = "high_security_risk"
	ReasonCriticalSecurityEvent = "critical_security_event"
	ReasonUnsupportedPlatform   = "unsupported_platform"
	ReasonVerificationRequired  = "verification_required"
	ReasonInvalidTransferCode   = "invalid_transfer_code"
	ReasonExtensionNotAllowed   = "extension_not_allowed"
	ReasonSessionLimitExceeded  = "session_limit_exceeded"
	ReasonTransferred           = "transferred"
	ReasonLogout                = "logout"
)

// Sentinel errors for workflow and circuit-breaker failures.
var (
	// ErrCircuitOpen is returned when a circuit breaker rejects a call without
	// invoking the protected operation. It is always retryable, but callers
	// should back off at least until the breaker's timeout elapses.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrUnknownWorkflow is returned when a workflow id is not registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrNoActiveWorkflow is returned when no live context exists for a
	// (user, workflow) pair.
	ErrNoActiveWorkflow = errors.New("no active workflow")
	// ErrVersionConflict is returned when a workflow context save loses an
	// optimistic-concurrency race.
	ErrVersionConflict = errors.New("workflow context version conflict")
	// ErrSystemUnhealthy is returned when the integrator fails fast because
	// the aggregate health verdict is unhealthy.
	ErrSystemUnhealthy = errors.New("system is unhealthy")
)

// AuthError represents a session authorization failure. The Reason field
// carries one of the Reason* codes above.
type AuthError struct {
	Reason  string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "auth error: " + e.Reason
	}
	return fmt.Sprintf("auth error (%s): %s", e.Reason, e.Message)
}

// NewAuthError creates an AuthError with the given reason code and message.
func NewAuthError(reason, message string) *AuthError {
	return &AuthError{Reason: reason, Message: message}
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// AuthReason extracts the reason code from an AuthError, or "" if err is not one.
func AuthReason(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// ValidationError represents malformed or unacceptable input. It is surfaced
// immediately and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether the integrator may retry after err. Auth and
// validation failures are terminal; everything else (system errors, open
// circuits) is fair game for bounded backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) || IsValidationError(err) {
		return false
	}
	if errors.Is(err, ErrUnknownWorkflow) || errors.Is(err, ErrNoActiveWorkflow) {
		return false
	}
	return true
}
