package authmesh

import (
	"errors"
	"net/http"
)

var (
	// ErrTokenMissing is returned when a request carries no token.
	ErrTokenMissing = errors.New("token missing")
	// ErrTokenMalformed is returned for tokens that cannot be decoded or lack required claims.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenExpired is returned for tokens past their exp claim.
	ErrTokenExpired = errors.New("token expired")
	// ErrSignatureInvalid is returned when no configured key verifies the token.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrSessionNotFound is returned when a reachable store affirmatively has no live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDependencyUnavailable is returned when no session tier could answer. It is
	// never shown to end users.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrUserMismatch is returned when the session belongs to another principal.
	ErrUserMismatch = errors.New("session user mismatch")
	// ErrUserInactive is returned when the user directory reports a disabled account.
	ErrUserInactive = errors.New("user inactive")
	// ErrForbidden is returned when an authenticated principal lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrEngineNotReady is returned by methods on a nil or closed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// Outcome is the user-visible classification of a validation attempt.
type Outcome uint8

const (
	OutcomeAccepted Outcome = iota
	OutcomeUnauthorized
	OutcomeForbidden
	OutcomeTokenExpired
	OutcomeServiceDegraded
	OutcomeValidationFailed
)

// Code is the stable machine-readable error code; empty for OutcomeAccepted.
func (o Outcome) Code() string {
	switch o {
	case OutcomeUnauthorized:
		return "authentication_required"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeTokenExpired:
		return "token_expired"
	case OutcomeServiceDegraded:
		return "service_degraded"
	case OutcomeValidationFailed:
		return "validation_failed"
	default:
		return ""
	}
}

// HTTPStatus maps the outcome onto a response status.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeAccepted:
		return http.StatusOK
	case OutcomeForbidden:
		return http.StatusForbidden
	case OutcomeServiceDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// Message is a fixed human-readable text. It never carries internal detail.
func (o Outcome) Message() string {
	switch o {
	case OutcomeUnauthorized:
		return "Authentication required"
	case OutcomeForbidden:
		return "Insufficient permissions"
	case OutcomeTokenExpired:
		return "Token has expired"
	case OutcomeServiceDegraded:
		return "Authentication service temporarily unavailable"
	case OutcomeValidationFailed:
		return "Session validation failed"
	default:
		return ""
	}
}

func (o Outcome) String() string {
	if o == OutcomeAccepted {
		return "accepted"
	}
	return o.Code()
}

// ErrorBody is the JSON body written for every rejection.
type ErrorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	DegradedMode bool   `json:"degraded_mode"`
}

// Body returns the standardized response body for o.
func (o Outcome) Body(degraded bool) ErrorBody {
	return ErrorBody{Error: o.Code(), Message: o.Message(), DegradedMode: degraded}
}

// OutcomeFor classifies an error returned by an engine operation.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAccepted
	case errors.Is(err, ErrTokenExpired):
		return OutcomeTokenExpired
	case errors.Is(err, ErrForbidden):
		return OutcomeForbidden
	case errors.Is(err, ErrDependencyUnavailable), errors.Is(err, ErrEngineNotReady):
		return OutcomeServiceDegraded
	case errors.Is(err, ErrTokenMalformed), errors.Is(err, ErrSignatureInvalid):
		return OutcomeValidationFailed
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrUserMismatch), errors.Is(err, ErrUserInactive):
		return OutcomeValidationFailed
	default:
		return OutcomeUnauthorized
	}
}
