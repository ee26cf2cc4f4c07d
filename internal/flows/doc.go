// Package flows contains pure-function orchestrators for the Engine's
// authentication operations.
//
// Each flow function (RunValidate, RunLogin, RunRefresh, RunLogout, RunRevokeUser)
// accepts a typed dependency struct and returns a classified result. The Engine owns
// the session manager, normalizer, issuer and coordinator; flows only sequence calls
// to them, which keeps every branch testable with in-memory fakes.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authmesh (to avoid import cycles).
//   - Map failures to HTTP responses; that belongs to the root package.
package flows
