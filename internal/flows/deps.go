package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authmesh/coordinator"
	"github.com/MrEthical07/authmesh/session"
	"github.com/MrEthical07/authmesh/token"
)

// ErrUserMismatch is returned when a session belongs to someone other than the
// token subject.
var ErrUserMismatch = errors.New("session does not belong to token subject")

// SessionStore is the manager surface used by the state-changing flows.
type SessionStore interface {
	Create(ctx context.Context, userID int64, email, role string, metadata map[string]any) (*session.Record, error)
	Get(ctx context.Context, sessionID string) (*session.Record, error)
	ActiveSessionForUser(ctx context.Context, userID int64) (*session.Record, error)
	Touch(ctx context.Context, sessionID string) (bool, error)
	Invalidate(ctx context.Context, sessionID string) (bool, error)
	InvalidateUser(ctx context.Context, userID int64) (int, error)
}

// NotifyFunc publishes an auth-state change. It must not block.
type NotifyFunc func(ctx context.Context, userID int64, email string, typ coordinator.EventType, details map[string]string)

// Deps groups flow dependency sets. The root engine builds this once and delegates
// request methods to the matching flow implementation.
type Deps struct {
	Validate ValidateDeps
	Session  SessionDeps
}

// SessionDeps captures login, refresh and logout dependencies.
type SessionDeps struct {
	Normalize     func(string) (token.Identity, error)
	IssueLegacy   func(userID int64, email string, role token.Role) (string, error)
	IssueEnhanced func(userID int64, email string, role token.Role, sessionID string) (string, error)
	Sessions      SessionStore
	Notify        NotifyFunc
	Source        string
}

func (d SessionDeps) notify(ctx context.Context, userID int64, email string, typ coordinator.EventType, details map[string]string) {
	if d.Notify != nil {
		d.Notify(ctx, userID, email, typ, details)
	}
}

// resolveSession finds the session a token refers to: by id for enhanced tokens,
// by the user's most recent live session for legacy ones.
func resolveSession(ctx context.Context, sessions interface {
	Get(ctx context.Context, sessionID string) (*session.Record, error)
	ActiveSessionForUser(ctx context.Context, userID int64) (*session.Record, error)
}, id token.Identity) (*session.Record, error) {
	var (
		rec *session.Record
		err error
	)
	if id.SessionID != "" {
		rec, err = sessions.Get(ctx, id.SessionID)
	} else {
		rec, err = sessions.ActiveSessionForUser(ctx, id.UserID)
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != id.UserID || (rec.Email != "" && !id.SameEmail(rec.Email)) {
		return nil, ErrUserMismatch
	}
	return rec, nil
}
