package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is an affirmative miss: a reachable tier reported no such session.
	ErrNotFound = errors.New("session not found")
	// ErrDependencyUnavailable means no tier could answer.
	ErrDependencyUnavailable = errors.New("session storage unavailable")
	// ErrInactive is returned by activity updates against a terminal session.
	ErrInactive = errors.New("session not active")
)

// Durable is the SQL-backed tier. Upsert must never turn a terminal row back into
// an active one, so delayed asynchronous writes cannot resurrect a session.
type Durable interface {
	Upsert(ctx context.Context, rec *Record) error
	// Get returns [ErrNotFound] for a missing id.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// SetStatus returns [ErrNotFound] when no row exists.
	SetStatus(ctx context.Context, sessionID string, status Status, at time.Time) error
	// DeleteExpired removes rows expired at now or in a terminal status.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// InvalidateUser marks every active row of userID invalidated.
	InvalidateUser(ctx context.Context, userID int64, at time.Time) (int64, error)
	SessionIDsForUser(ctx context.Context, userID int64) ([]string, error)
	Ping(ctx context.Context) error
}
