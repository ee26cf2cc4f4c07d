// Package token turns raw bearer tokens of either historical signing scheme into a
// single canonical [Identity].
//
// Two token shapes are in circulation:
//
//   - legacy: HS256, principal in the standard "sub" claim as a stringified integer,
//     no session binding.
//   - enhanced: HS256 or Ed25519, principal in an integer "user_id" claim, a
//     "token_type" claim, and an optional "sid" session binding.
//
// The shape is detected by inspecting claim names, never by a version header. When the
// first guess fails to verify, the other shape is tried before the token is rejected.
//
// # What this package must NOT do
//
//   - Perform I/O of any kind. Normalization is a pure function of the token and the
//     clock.
//   - Log or emit metrics. Callers own observability.
package token
