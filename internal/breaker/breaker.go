// Package breaker provides per-capability circuit breaking for Attune.
//
// A breaker wraps every call to one downstream capability and stops calling
// it after repeated failures until a recovery timeout has elapsed. States:
//
//   - closed: normal operation, calls pass through.
//   - open: calls fail immediately with models.ErrCircuitOpen; the wrapped
//     operation is not invoked.
//   - half-open: after the timeout, exactly one trial call is allowed; a
//     successful trial closes the breaker and resets the failure count, a
//     failed one reopens it.
//
// One breaker instance exists per protected capability and lives for the
// process lifetime. Safe for concurrent use.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/models"
)

// State is the breaker's gate position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Default breaker tuning.
const (
	DefaultFailureThreshold = 5
	DefaultTimeout          = 30 * time.Second
)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the failure count that opens the breaker.
	FailureThreshold int
	// Timeout is how long the breaker stays open before a half-open trial.
	Timeout time.Duration
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{FailureThreshold: DefaultFailureThreshold, Timeout: DefaultTimeout}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int64     `json:"failure_count"`
	SuccessCount    int64     `json:"success_count"`
	TotalRequests   int64     `json:"total_requests"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker gates one asynchronous operation per named capability.
type CircuitBreaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           State
	failureCount    int64
	successCount    int64
	totalRequests   int64
	lastFailureTime time.Time
	trialInFlight   bool
}

// New creates a closed breaker for the named capability.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	slog.Debug("CircuitBreaker created", "name", name, "threshold", config.FailureThreshold, "timeout", config.Timeout)
	return &CircuitBreaker{name: name, config: config, state: StateClosed}
}

// Execute runs op through the breaker. While open it returns
// models.ErrCircuitOpen without invoking op — a hard short-circuit, not a
// slow failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterCall(err)
	return err
}

// beforeCall admits or rejects a call and accounts for it.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.config.Timeout {
			cb.transition(StateHalfOpen)
			cb.trialInFlight = true
			cb.totalRequests++
			return nil
		}
		return models.ErrCircuitOpen
	case StateHalfOpen:
		// Exactly one trial call may be in flight.
		if cb.trialInFlight {
			return models.ErrCircuitOpen
		}
		cb.trialInFlight = true
		cb.totalRequests++
		return nil
	default:
		cb.totalRequests++
		return nil
	}
}

// afterCall records the call outcome and drives state transitions.
func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}

	if err == nil {
		cb.successCount++
		if cb.state == StateHalfOpen {
			cb.failureCount = 0
			cb.transition(StateClosed)
		}
		return
	}

	cb.failureCount++
	cb.lastFailureTime = time.Now()
	if cb.state == StateHalfOpen || cb.failureCount >= int64(cb.config.FailureThreshold) {
		if cb.state != StateOpen {
			cb.transition(StateOpen)
		}
	}
}

// transition updates state under cb.mu and records the change.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	slog.Info("CircuitBreaker state change", "name", cb.name, "from", from, "to", to, "failureCount", cb.failureCount)
	metrics.BreakerTransitions.WithLabelValues(cb.name, string(to)).Inc()
}

// State returns the current gate position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ErrorRate returns failureCount / totalRequests over the breaker's lifetime.
func (cb *CircuitBreaker) ErrorRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.totalRequests == 0 {
		return 0
	}
	return float64(cb.failureCount) / float64(cb.totalRequests)
}

// GetStats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalRequests:   cb.totalRequests,
		LastFailureTime: cb.lastFailureTime,
	}
}
