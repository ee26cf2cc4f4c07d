package internaldefs

import (
	"github.com/MrEthical07/authmesh"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   authmesh.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine latency histogram to its exported name.
type HistogramDef struct {
	ID   authmesh.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: authmesh.MetricValidateAccepted, Name: "authmesh_validate_accepted_total", Help: "Validations that resolved an active session."},
	{ID: authmesh.MetricValidateRejected, Name: "authmesh_validate_rejected_total", Help: "Validations that ended in any non-success outcome."},
	{ID: authmesh.MetricValidateDegraded, Name: "authmesh_validate_degraded_total", Help: "Validations accepted on token claims alone while session tiers were unavailable."},
	{ID: authmesh.MetricTokenExpired, Name: "authmesh_token_expired_total", Help: "Tokens rejected because exp has passed."},
	{ID: authmesh.MetricTokenInvalid, Name: "authmesh_token_invalid_total", Help: "Tokens rejected as malformed or wrongly signed."},
	{ID: authmesh.MetricSessionNotFound, Name: "authmesh_session_not_found_total", Help: "Validations whose session was missing or inactive."},
	{ID: authmesh.MetricSessionCreated, Name: "authmesh_session_created_total", Help: "Created sessions."},
	{ID: authmesh.MetricSessionRefreshed, Name: "authmesh_session_refreshed_total", Help: "Token refreshes against an active session."},
	{ID: authmesh.MetricSessionInvalidated, Name: "authmesh_session_invalidated_total", Help: "Invalidated sessions."},
	{ID: authmesh.MetricRevokeAll, Name: "authmesh_revoke_all_total", Help: "Revoke-all-sessions operations."},
	{ID: authmesh.MetricReadCache, Name: "authmesh_session_read_cache_total", Help: "Session reads served by the cache tier."},
	{ID: authmesh.MetricReadFallback, Name: "authmesh_session_read_fallback_total", Help: "Session reads served by the in-process fallback store."},
	{ID: authmesh.MetricReadDurable, Name: "authmesh_session_read_durable_total", Help: "Session reads served by the durable tier."},
	{ID: authmesh.MetricBreakerOpened, Name: "authmesh_breaker_opened_total", Help: "Circuit breaker transitions to open."},
	{ID: authmesh.MetricBreakerClosed, Name: "authmesh_breaker_closed_total", Help: "Circuit breaker transitions back to closed."},
	{ID: authmesh.MetricWSAccepted, Name: "authmesh_ws_accepted_total", Help: "Authenticated WebSocket handshakes."},
	{ID: authmesh.MetricWSRejected, Name: "authmesh_ws_rejected_total", Help: "Rejected WebSocket handshakes."},
	{ID: authmesh.MetricWSThrottled, Name: "authmesh_ws_throttled_total", Help: "WebSocket handshakes refused by the failure throttle."},
	{ID: authmesh.MetricWSDisconnected, Name: "authmesh_ws_disconnected_total", Help: "WebSocket connections removed from the registry."},
	{ID: authmesh.MetricEventPublished, Name: "authmesh_event_published_total", Help: "Auth-state events accepted by the coordinator."},
	{ID: authmesh.MetricListenerFailure, Name: "authmesh_listener_failure_total", Help: "Failed listener deliveries."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: authmesh.MetricValidateLatency, Name: "authmesh_validate_latency_seconds", Help: "Validate latency histogram."},
	{ID: authmesh.MetricHandshakeLatency, Name: "authmesh_ws_handshake_latency_seconds", Help: "WebSocket authentication latency histogram."},
}

// EventsDroppedName is the counter for coordinator events lost to backpressure.
const EventsDroppedName = "authmesh_events_dropped_total"

// EventsDroppedHelp documents EventsDroppedName.
const EventsDroppedHelp = "Auth-state events dropped because the dispatch buffer was full."

// HistogramBounds are the Prometheus le labels, aligned with the engine buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds for attribute-safe names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
