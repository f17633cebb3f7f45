package integrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/attuneai/attune/internal/breaker"
	"github.com/attuneai/attune/internal/models"
)

// Health probe tuning.
const (
	healthCacheKey = "health:system"
	healthCacheTTL = 15 * time.Second

	// degradedErrorRate marks a closed breaker degraded once its lifetime
	// error rate crosses it.
	degradedErrorRate = 0.5
)

// GetSystemHealth probes each named component and rolls the results into one
// verdict. Probes are cached with a short TTL to avoid probe storms; the
// verdict is derived state and never persisted.
func (i *Integrator) GetSystemHealth(ctx context.Context) models.SystemHealth {
	if v, ok := i.cache.Get(ctx, healthCacheKey); ok {
		if h, ok := v.(models.SystemHealth); ok {
			return h
		}
	}

	now := time.Now().UTC()
	components := map[string]models.ComponentHealth{
		"store": i.probeStore(ctx, now),
		"cache": i.probeCache(ctx, now),
	}
	for name, cb := range i.breakers {
		components[name] = breakerHealth(name, cb, now)
	}

	health := models.SystemHealth{
		State:      rollup(components),
		Components: components,
		CheckedAt:  now,
	}
	i.cache.Set(ctx, healthCacheKey, health, healthCacheTTL)
	if health.State != models.HealthHealthy {
		slog.Warn("Integrator.GetSystemHealth: system not healthy", "state", health.State)
	}
	return health
}

// probeStore checks the document store with a cheap read.
func (i *Integrator) probeStore(ctx context.Context, now time.Time) models.ComponentHealth {
	var probe map[string]any
	_, err := i.store.Get(ctx, models.CollectionSessions, "health-probe", &probe)
	if err != nil {
		slog.Error("Integrator.probeStore: store probe failed", "error", err)
		return models.ComponentHealth{Name: "store", State: models.HealthUnhealthy, ErrorRate: 1, Detail: err.Error(), CheckedAt: now}
	}
	return models.ComponentHealth{Name: "store", State: models.HealthHealthy, CheckedAt: now}
}

// probeCache checks the TTL cache with a set/get roundtrip.
func (i *Integrator) probeCache(ctx context.Context, now time.Time) models.ComponentHealth {
	i.cache.Set(ctx, "health:probe", "ok", time.Minute)
	if _, ok := i.cache.Get(ctx, "health:probe"); !ok {
		return models.ComponentHealth{Name: "cache", State: models.HealthDegraded, Detail: "probe value not readable", CheckedAt: now}
	}
	return models.ComponentHealth{Name: "cache", State: models.HealthHealthy, CheckedAt: now}
}

// breakerHealth classifies a capability by its breaker state and error rate.
func breakerHealth(name string, cb *breaker.CircuitBreaker, now time.Time) models.ComponentHealth {
	rate := cb.ErrorRate()
	state := models.HealthHealthy
	detail := ""
	switch cb.State() {
	case breaker.StateOpen:
		state = models.HealthUnhealthy
		detail = "circuit open"
	case breaker.StateHalfOpen:
		state = models.HealthDegraded
		detail = "circuit half-open"
	default:
		if rate > degradedErrorRate {
			state = models.HealthDegraded
			detail = "elevated error rate"
		}
	}
	return models.ComponentHealth{Name: name, State: state, ErrorRate: rate, Detail: detail, CheckedAt: now}
}

// rollup aggregates component states: more than one unhealthy component means
// unhealthy; any unhealthy or more than two degraded means degraded.
func rollup(components map[string]models.ComponentHealth) models.HealthState {
	unhealthy, degraded := 0, 0
	for _, c := range components {
		switch c.State {
		case models.HealthUnhealthy:
			unhealthy++
		case models.HealthDegraded:
			degraded++
		}
	}
	if unhealthy > 1 {
		return models.HealthUnhealthy
	}
	if unhealthy > 0 || degraded > 2 {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}
