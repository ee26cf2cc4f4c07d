// Package middleware adapts [authmesh.Engine] validation to net/http.
//
// # Guards
//
//   - [Validator] checks the public-path allow-list, extracts the token from the
//     Authorization header or the access cookie, and calls Engine.Validate.
//   - [RequireRole] rejects authenticated callers without one of the given roles.
//
// Accepted requests carry the result in their context; handlers read it with
// [CurrentIdentity] or [authmesh.IdentityFromContext]. Rejections are written as the
// standard JSON body with the outcome's HTTP status.
//
// # What this package must NOT do
//
//   - Parse or create tokens directly (delegates to Engine).
//   - Access Redis or SQL (Engine handles I/O).
//   - Expose why a dependency failed; callers only see service_degraded.
package middleware
