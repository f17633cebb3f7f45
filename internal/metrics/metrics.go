// Package metrics provides the timer/metrics sink for Attune.
//
// The sink is purely observational: durations and counters feed Prometheus
// and never affect control flow. Components depend on the Timer interface so
// tests can substitute a no-op implementation.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/attuneai/attune/internal/util"
)

// Timer tracks operation durations by name.
type Timer interface {
	// StartTimer begins a measurement and returns an opaque timer id.
	StartTimer(name string) string
	// EndTimer completes the measurement for id. Unknown ids are ignored.
	EndTimer(id string)
}

// Prometheus collectors shared across the process.
var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attune",
		Name:      "operation_duration_seconds",
		Help:      "Duration of named core operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attune",
		Name:      "sessions_created_total",
		Help:      "Sessions created, by platform.",
	}, []string{"platform"})

	SessionsDeactivated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attune",
		Name:      "sessions_deactivated_total",
		Help:      "Sessions deactivated, by reason.",
	}, []string{"reason"})

	RateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attune",
		Name:      "rate_limit_denials_total",
		Help:      "Requests denied by the fixed-window rate limiter.",
	})

	WorkflowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attune",
		Name:      "workflows_completed_total",
		Help:      "Workflows completed, by workflow id.",
	}, []string{"workflow"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attune",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions, by breaker and new state.",
	}, []string{"breaker", "state"})

	IntegratorFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attune",
		Name:      "integrator_fallbacks_total",
		Help:      "Integrated requests answered with the canned fallback response.",
	})
)

// PromTimer is the Prometheus-backed Timer implementation.
type PromTimer struct {
	mu       sync.Mutex
	inFlight map[string]pending
}

type pending struct {
	name  string
	start time.Time
}

// NewPromTimer creates a Timer recording into the shared histogram.
func NewPromTimer() *PromTimer {
	return &PromTimer{inFlight: make(map[string]pending)}
}

func (t *PromTimer) StartTimer(name string) string {
	id := util.GenerateRandomID("t_", 16)
	t.mu.Lock()
	t.inFlight[id] = pending{name: name, start: time.Now()}
	t.mu.Unlock()
	return id
}

func (t *PromTimer) EndTimer(id string) {
	t.mu.Lock()
	p, ok := t.inFlight[id]
	if ok {
		delete(t.inFlight, id)
	}
	t.mu.Unlock()
	if !ok {
		slog.Debug("PromTimer.EndTimer: unknown timer id", "id", id)
		return
	}
	operationDuration.WithLabelValues(p.name).Observe(time.Since(p.start).Seconds())
}

// NopTimer is a Timer that records nothing. Used by tests.
type NopTimer struct{}

func (NopTimer) StartTimer(name string) string { return "" }
func (NopTimer) EndTimer(id string)            {}
