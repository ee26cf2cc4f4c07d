// Package rate provides the Redis-backed failed-handshake throttle used by the
// WebSocket gateway.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Keys are
// "{prefix}:wsf:{client}" where client is the remote host.
//
// # What this package must NOT do
//
//   - Decide fail-open or fail-closed; callers see [ErrRedisUnavailable] and choose.
//   - Be imported outside the authmesh module.
package rate
