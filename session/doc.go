// Package session owns session lifecycle across three tiers: a shared Redis cache,
// a process-local fallback table, and a durable SQL store.
//
// # Tiers
//
// Reads prefer the cache, then the fallback table, then the durable store. A durable
// hit repopulates the cache while the cache circuit is closed. Writes go to the cache
// (or the fallback table when the cache is unavailable) and reach the durable store
// asynchronously: creates and invalidations immediately, activity updates on a
// debounce.
//
// # Invalidation
//
// Once [Manager.Invalidate] returns, no tier reachable from this process reports the
// session as active. The cache holds an invalidated tombstone until the session's
// absolute expiry; when the cache is down the tombstone lives in the fallback table
// and is replayed into the cache on recovery. The durable store may lag.
//
// # What this package must NOT do
//
//   - Interpret tokens or make authorization decisions.
//   - Hold a lock across cache or durable-store I/O.
//   - Return a durable-store failure from a best-effort sync.
package session
