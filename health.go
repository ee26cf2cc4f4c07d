package authmesh

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/MrEthical07/authmesh/breaker"
)

// Component statuses. "disabled" marks a tier that is not configured.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)

// ComponentHealth is the state of one component.
type ComponentHealth struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// HealthReport aggregates every component. Status is healthy only when every
// component is healthy or disabled; a failed dependency degrades the report but
// never fails it, since validation continues on the remaining tiers.
type HealthReport struct {
	Status       string                     `json:"status"`
	DegradedMode bool                       `json:"degraded_mode"`
	Timestamp    time.Time                  `json:"timestamp"`
	Components   map[string]ComponentHealth `json:"components"`
}

// HealthCheckFunc reports the health of an externally owned component.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// RegisterHealthCheck adds a named component to [Engine.Health]. Registering a
// name twice replaces the earlier check.
func (e *Engine) RegisterHealthCheck(name string, fn HealthCheckFunc) {
	if e == nil || fn == nil {
		return
	}
	e.healthMu.Lock()
	if e.healthChecks == nil {
		e.healthChecks = make(map[string]HealthCheckFunc)
	}
	e.healthChecks[name] = fn
	e.healthMu.Unlock()
}

// Health probes both session tiers and collects coordinator and registered
// component state.
func (e *Engine) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth),
	}
	if e == nil || e.closed.Load() {
		report.Status = StatusFailed
		return report
	}
	report.Timestamp = e.now().UTC()

	probe := e.sessions.Probe(ctx)
	states := e.breaker.Status()

	report.Components["cache"] = tierHealth(probe.CacheConfigured, probe.CacheErr, states[breaker.DepCache], map[string]any{
		"latency_ms": probe.CacheLatency.Milliseconds(),
		"replayed":   probe.Replayed,
	})
	report.Components["durable"] = tierHealth(probe.DurableConfigured, probe.DurableErr, states[breaker.DepDurable], nil)

	stats := e.sessions.Stats()
	sm := ComponentHealth{Status: StatusHealthy, Details: map[string]any{
		"fallback_entries":      stats.FallbackEntries,
		"dirty_sessions":        stats.DirtySessions,
		"pending_invalidations": stats.PendingInvalidations,
	}}
	cacheDown := !stats.CacheConfigured || stats.CacheOpen
	durableDown := !stats.DurableConfigured || stats.DurableOpen
	if cacheDown && durableDown {
		report.DegradedMode = true
		sm.Status = StatusDegraded
		sm.Details["mode"] = "token_only"
	} else if stats.CacheOpen || stats.DurableOpen {
		sm.Status = StatusDegraded
	}
	report.Components["session_manager"] = sm

	circuits := make(map[string]any, len(states))
	cb := ComponentHealth{Status: StatusHealthy}
	for dep, st := range states {
		circuits[dep] = st
		if st.Open {
			cb.Status = StatusDegraded
		}
	}
	cb.Details = circuits
	report.Components["circuit_breaker"] = cb

	ch := e.coordinator.HealthCheck(ctx)
	listeners := make(map[string]any, len(ch.Listeners))
	for name, status := range ch.Listeners {
		listeners[name] = status
	}
	coord := ComponentHealth{Status: ch.Status, Details: map[string]any{
		"running":   ch.Running,
		"listeners": listeners,
		"dropped":   e.coordinator.Stats().Dropped,
	}}
	if len(ch.Errors) > 0 {
		names := make([]string, 0, len(ch.Errors))
		for name := range ch.Errors {
			names = append(names, name)
		}
		sort.Strings(names)
		coord.Error = "unreachable listeners: " + strings.Join(names, ", ")
	}
	report.Components["coordinator"] = coord

	e.healthMu.RLock()
	extra := make(map[string]HealthCheckFunc, len(e.healthChecks))
	for name, fn := range e.healthChecks {
		extra[name] = fn
	}
	e.healthMu.RUnlock()
	for name, fn := range extra {
		report.Components[name] = fn(ctx)
	}

	report.Status = StatusHealthy
	for _, c := range report.Components {
		if c.Status != StatusHealthy && c.Status != StatusDisabled {
			report.Status = StatusDegraded
			break
		}
	}
	return report
}

func tierHealth(configured bool, err error, st breaker.State, details map[string]any) ComponentHealth {
	if !configured {
		return ComponentHealth{Status: StatusDisabled}
	}
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["circuit"] = st.Phase
	if st.Phase == "" {
		details["circuit"] = breaker.Closed.String()
	}
	h := ComponentHealth{Status: StatusHealthy, Details: details}
	switch {
	case err != nil:
		h.Status = StatusFailed
		h.Error = "unreachable"
	case st.Open:
		h.Status = StatusDegraded
	}
	return h
}
