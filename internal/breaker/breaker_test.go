package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attuneai/attune/internal/models"
)

var errDownstream = errors.New("downstream failed")

func failingOp(ctx context.Context) error { return errDownstream }
func successOp(ctx context.Context) error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 5, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cb.Execute(ctx, failingOp); !errors.Is(err, errDownstream) {
			t.Fatalf("call %d: expected downstream error, got %v", i+1, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", cb.State())
	}

	// An open breaker short-circuits without invoking the operation.
	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, models.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Error("operation must not run while the breaker is open")
	}
}

func TestBreakerHalfOpenTrialSuccess(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 2, Timeout: 30 * time.Millisecond})
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(50 * time.Millisecond)
	if err := cb.Execute(ctx, successOp); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after successful trial, got %s", cb.State())
	}
	stats := cb.GetStats()
	if stats.FailureCount != 0 {
		t.Errorf("expected failure count reset to 0, got %d", stats.FailureCount)
	}
}

func TestBreakerHalfOpenTrialFailure(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 2, Timeout: 30 * time.Millisecond})
	ctx := context.Background()

	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	time.Sleep(50 * time.Millisecond)

	if err := cb.Execute(ctx, failingOp); !errors.Is(err, errDownstream) {
		t.Fatalf("expected downstream error from trial, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("expected reopened breaker after failed trial, got %s", cb.State())
	}
}

func TestBreakerErrorRate(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 10, Timeout: time.Minute})
	ctx := context.Background()

	if rate := cb.ErrorRate(); rate != 0 {
		t.Errorf("expected zero error rate with no requests, got %f", rate)
	}
	cb.Execute(ctx, successOp)
	cb.Execute(ctx, successOp)
	cb.Execute(ctx, failingOp)
	cb.Execute(ctx, failingOp)
	if rate := cb.ErrorRate(); rate != 0.5 {
		t.Errorf("expected error rate 0.5, got %f", rate)
	}
}

func TestBreakerStats(t *testing.T) {
	cb := New("processing", Config{FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	cb.Execute(ctx, successOp)
	cb.Execute(ctx, failingOp)
	stats := cb.GetStats()
	if stats.Name != "processing" {
		t.Errorf("unexpected name %q", stats.Name)
	}
	if stats.SuccessCount != 1 || stats.FailureCount != 1 || stats.TotalRequests != 2 {
		t.Errorf("unexpected counters: %+v", stats)
	}
	if stats.LastFailureTime.IsZero() {
		t.Error("expected last failure time to be recorded")
	}
}
