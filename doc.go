// Package authmesh is a hybrid authentication layer for fleets of services that
// share one user population but mint tokens in two formats.
//
// Every request is validated the same way: the token is normalized into a
// canonical [token.Identity], the backing session is resolved through the
// Redis cache tier, the in-process fallback store, or the SQL durable tier, and
// the result is classified into an [Outcome]. When neither shared tier can answer,
// the configured [DegradedPolicy] decides between token-only acceptance and
// rejection. There is no bypass mode.
//
// # Architecture boundaries
//
// authmesh is the public surface. It exposes [Engine], [Builder], [Config] and
// value types. Token handling lives in token/, sessions in session/ and durable/,
// circuit state in breaker/, and auth-state propagation in coordinator/. Flow
// orchestration lives under internal/ and is never exported. HTTP and WebSocket
// adapters live in middleware/ and wsgateway/, which import this package and never
// the reverse.
//
// # What this package must NOT do
//
//   - Log raw tokens, secrets or key material.
//   - Perform I/O during construction; [Builder.Build] only allocates.
//   - Report dependency failures to end users as anything other than
//     service_degraded.
package authmesh
