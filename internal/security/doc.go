// Package security derives the posture report exposed by Engine.SecurityReport
// from the effective configuration.
//
// # What this package must NOT do
//
//   - Perform I/O or read secrets beyond their presence.
package security
