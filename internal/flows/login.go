package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrEthical07/authmesh/coordinator"
	"github.com/MrEthical07/authmesh/session"
	"github.com/MrEthical07/authmesh/token"
)

// LoginInput describes an already-authenticated principal. Credential checks
// happen before the engine is called.
type LoginInput struct {
	UserID   int64
	Email    string
	Role     token.Role
	Format   token.Format
	Metadata map[string]any
}

// LoginResult is the outcome of a login or refresh.
type LoginResult struct {
	AccessToken string
	Format      token.Format
	Session     *session.Record
}

// RunLogin creates a session, issues a token bound to it and publishes a login
// event. A token failure rolls the session back.
func RunLogin(ctx context.Context, in LoginInput, deps SessionDeps) (LoginResult, error) {
	if in.UserID <= 0 || in.Email == "" || in.Role == "" {
		return LoginResult{}, errors.New("login requires user id, email and role")
	}
	format := in.Format
	if format == 0 {
		format = token.FormatEnhanced
	}

	rec, err := deps.Sessions.Create(ctx, in.UserID, in.Email, string(in.Role), in.Metadata)
	if err != nil {
		return LoginResult{}, err
	}

	tok, err := issue(deps, format, in.UserID, in.Email, in.Role, rec.SessionID)
	if err != nil {
		_, _ = deps.Sessions.Invalidate(ctx, rec.SessionID)
		return LoginResult{}, err
	}

	deps.notify(ctx, in.UserID, in.Email, coordinator.EventLogin, map[string]string{
		coordinator.DetailSessionID: rec.SessionID,
		"format":                    format.String(),
	})
	return LoginResult{AccessToken: tok, Format: format, Session: rec}, nil
}

func issue(deps SessionDeps, format token.Format, userID int64, email string, role token.Role, sessionID string) (string, error) {
	switch format {
	case token.FormatLegacy:
		if deps.IssueLegacy == nil {
			return "", errors.New("legacy token issuing not configured")
		}
		return deps.IssueLegacy(userID, email, role)
	case token.FormatEnhanced:
		if deps.IssueEnhanced == nil {
			return "", errors.New("enhanced token issuing not configured")
		}
		return deps.IssueEnhanced(userID, email, role, sessionID)
	default:
		return "", fmt.Errorf("unknown token format %d", format)
	}
}

// RunRefresh re-issues a token for a live session in the same format and slides
// the session's expiry.
func RunRefresh(ctx context.Context, raw string, deps SessionDeps) (LoginResult, error) {
	id, err := deps.Normalize(raw)
	if err != nil {
		return LoginResult{}, err
	}
	rec, err := resolveSession(ctx, deps.Sessions, id)
	if err != nil {
		return LoginResult{}, err
	}
	if _, err := deps.Sessions.Touch(ctx, rec.SessionID); err != nil {
		return LoginResult{}, err
	}

	tok, err := issue(deps, id.SourceFormat, id.UserID, id.Email, id.Role, rec.SessionID)
	if err != nil {
		return LoginResult{}, err
	}
	deps.notify(ctx, id.UserID, id.Email, coordinator.EventRefresh, map[string]string{
		coordinator.DetailSessionID: rec.SessionID,
	})
	return LoginResult{AccessToken: tok, Format: id.SourceFormat, Session: rec}, nil
}

// LogoutResult reports which session a logout ended.
type LogoutResult struct {
	UserID    int64
	SessionID string
}

// RunLogout invalidates the session behind raw and publishes an applied revoke.
func RunLogout(ctx context.Context, raw string, deps SessionDeps) (LogoutResult, error) {
	id, err := deps.Normalize(raw)
	if err != nil {
		return LogoutResult{}, err
	}
	rec, err := resolveSession(ctx, deps.Sessions, id)
	if err != nil {
		return LogoutResult{}, err
	}
	if _, err := deps.Sessions.Invalidate(ctx, rec.SessionID); err != nil {
		return LogoutResult{}, err
	}
	deps.notify(ctx, id.UserID, id.Email, coordinator.EventRevoke, map[string]string{
		coordinator.DetailSessionID: rec.SessionID,
		coordinator.DetailApplied:   "true",
		"reason":                    "logout",
	})
	return LogoutResult{UserID: id.UserID, SessionID: rec.SessionID}, nil
}

// RunRevokeUser invalidates every session of a user and publishes an applied
// revoke so other instances evict their local copies.
func RunRevokeUser(ctx context.Context, userID int64, email, reason string, deps SessionDeps) (int, error) {
	if userID <= 0 {
		return 0, errors.New("revoke requires a user id")
	}
	n, err := deps.Sessions.InvalidateUser(ctx, userID)
	deps.notify(ctx, userID, email, coordinator.EventRevoke, map[string]string{
		coordinator.DetailApplied: "true",
		"reason":                  reason,
		"count":                   strconv.Itoa(n),
	})
	return n, err
}
