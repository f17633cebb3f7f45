package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestAuthErrorReason(t *testing.T) {
	err := NewAuthError(ReasonSessionExpired, "session s1 has expired")
	if !IsAuthError(err) {
		t.Fatal("expected auth error")
	}
	if AuthReason(err) != ReasonSessionExpired {
		t.Errorf("unexpected reason %q", AuthReason(err))
	}

	wrapped := fmt.Errorf("validate: %w", err)
	if AuthReason(wrapped) != ReasonSessionExpired {
		t.Error("reason must survive wrapping")
	}
	if AuthReason(errors.New("plain")) != "" {
		t.Error("non-auth errors have no reason")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		expect bool
	}{
		{"nil", nil, false},
		{"auth", NewAuthError(ReasonHighSecurityRisk, ""), false},
		{"validation", NewValidationError("uid", "required"), false},
		{"unknown workflow", fmt.Errorf("workflow x: %w", ErrUnknownWorkflow), false},
		{"no active workflow", ErrNoActiveWorkflow, false},
		{"circuit open", ErrCircuitOpen, true},
		{"system error", errors.New("store unreachable"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.expect {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expect, got)
		}
	}
}
