// Package wsgateway authenticates WebSocket handshakes with the same engine that
// guards HTTP routes.
//
// Every attempt runs Connecting → TokenExtraction → Normalization →
// SessionValidation → UserLookup and ends Authenticated or Rejected. A handshake
// without a token is rejected; there is no guest connection. Rejected handshakes
// are answered with an HTTP error before any upgrade, tagged with the close code
// (1008 policy violation, or 1011 when authentication itself failed unexpectedly),
// and never register a [ConnectionRecord].
//
// The gateway is also a coordinator listener: a revoke event closes the live
// connections it names.
package wsgateway
