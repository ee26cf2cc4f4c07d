package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authmesh/session"
	"github.com/MrEthical07/authmesh/token"
)

// ValidateState is a step of the validation state machine.
type ValidateState uint8

const (
	StateUnvalidated ValidateState = iota
	StateTokenExtracted
	StateNormalized
	StateSessionChecked
	StateAccepted
	StateRejected
)

func (s ValidateState) String() string {
	switch s {
	case StateUnvalidated:
		return "unvalidated"
	case StateTokenExtracted:
		return "token_extracted"
	case StateNormalized:
		return "normalized"
	case StateSessionChecked:
		return "session_checked"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureTokenMissing
	ValidateFailureTokenMalformed
	ValidateFailureTokenExpired
	ValidateFailureSignatureInvalid
	ValidateFailureSessionNotFound
	ValidateFailureSessionInactive
	ValidateFailureUserMismatch
	ValidateFailureDependencyUnavailable
	ValidateFailureInternal
)

// ValidateResult carries the final state, the identity on success and the
// classified failure otherwise. Degraded is set when the session could not be
// consulted and the token alone was accepted.
type ValidateResult struct {
	State ValidateState
	// FailedAt is the last state reached before a rejection.
	FailedAt ValidateState
	Failure  ValidateFailureKind
	Err      error
	Identity token.Identity
	Session  *session.Record
	Degraded bool
}

// ValidateSessionStore is the session lookup the validator needs.
type ValidateSessionStore interface {
	Get(ctx context.Context, sessionID string) (*session.Record, error)
	ActiveSessionForUser(ctx context.Context, userID int64) (*session.Record, error)
	Touch(ctx context.Context, sessionID string) (bool, error)
}

// ValidateDeps captures validation dependencies.
type ValidateDeps struct {
	Normalize func(string) (token.Identity, error)
	Sessions  ValidateSessionStore
	Now       func() time.Time
	// AllowDegraded accepts a verified token when no session tier can answer.
	AllowDegraded bool
	// TouchOnSuccess records activity on the session after acceptance.
	TouchOnSuccess bool
}

func reject(state ValidateState, kind ValidateFailureKind, err error) ValidateResult {
	return ValidateResult{State: StateRejected, FailedAt: state, Failure: kind, Err: err}
}

// RunValidate drives Unvalidated → TokenExtracted → Normalized → SessionChecked →
// Accepted, rejecting at the first failing step.
func RunValidate(ctx context.Context, raw string, deps ValidateDeps) ValidateResult {
	if raw == "" {
		return reject(StateUnvalidated, ValidateFailureTokenMissing, nil)
	}

	// TokenExtracted
	id, err := deps.Normalize(raw)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			return reject(StateTokenExtracted, ValidateFailureTokenExpired, err)
		case errors.Is(err, token.ErrSignatureInvalid):
			return reject(StateTokenExtracted, ValidateFailureSignatureInvalid, err)
		default:
			return reject(StateTokenExtracted, ValidateFailureTokenMalformed, err)
		}
	}

	// Normalized
	rec, err := resolveSession(ctx, deps.Sessions, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserMismatch):
			return reject(StateSessionChecked, ValidateFailureUserMismatch, err)
		case errors.Is(err, session.ErrNotFound):
			return reject(StateNormalized, ValidateFailureSessionNotFound, err)
		case errors.Is(err, session.ErrDependencyUnavailable):
			if deps.AllowDegraded {
				return ValidateResult{State: StateAccepted, Identity: id, Degraded: true}
			}
			return reject(StateNormalized, ValidateFailureDependencyUnavailable, err)
		default:
			return reject(StateNormalized, ValidateFailureInternal, err)
		}
	}

	// SessionChecked
	now := time.Now()
	if deps.Now != nil {
		now = deps.Now()
	}
	if !rec.Live(now) {
		return reject(StateSessionChecked, ValidateFailureSessionInactive, session.ErrInactive)
	}

	if deps.TouchOnSuccess {
		// Activity is best effort; a racing invalidation surfaces on the next request.
		_, _ = deps.Sessions.Touch(ctx, rec.SessionID)
	}
	return ValidateResult{State: StateAccepted, Identity: id, Session: rec}
}
