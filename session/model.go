package session

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a [Record].
type Status string

const (
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusInvalidated Status = "invalidated"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusInvalidated:
		return true
	default:
		return false
	}
}

// Record is one logical login. ExpiresAt is never before CreatedAt, and a record
// whose Status is not active accepts no further activity updates.
type Record struct {
	SessionID    string         `json:"session_id"`
	UserID       int64          `json:"user_id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares nothing mutable with r. Nested metadata values
// are copied one level deep.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}
	return &out
}

// Terminal reports whether r has left the active state.
func (r *Record) Terminal() bool {
	return r.Status != StatusActive
}

// Expired reports whether r's expiry is at or before now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Live reports whether r is active and unexpired at now.
func (r *Record) Live(now time.Time) bool {
	return !r.Terminal() && !r.Expired(now)
}

// Remaining is the time left before ExpiresAt, never negative.
func (r *Record) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (r *Record) validate() error {
	if r.SessionID == "" {
		return errInvalidRecord("missing session id")
	}
	if !r.Status.Valid() {
		return errInvalidRecord("unknown status " + string(r.Status))
	}
	if r.ExpiresAt.Before(r.CreatedAt) {
		return errInvalidRecord("expires_at before created_at")
	}
	return nil
}
