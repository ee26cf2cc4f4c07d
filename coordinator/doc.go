// Package coordinator fans authentication-state changes out to every interested
// party: other service instances, the audit trail and local caches.
//
// # Delivery model
//
// [Coordinator.Coordinate] never blocks on listeners. Events go into a bounded queue
// drained by one worker; each listener call runs with its own timeout, panic recovery
// and circuit, so a slow or broken subscriber is isolated from the publisher and from
// the other listeners. A full queue drops the event and counts it.
//
// # Cross-instance consistency
//
// [RedisPublisher] and [RedisSubscriber] share a pub/sub channel. Each event carries
// the publishing instance id; subscribers skip their own events and apply remote
// revocations to the process-local fallback tier, which the shared cache does not
// cover.
package coordinator
