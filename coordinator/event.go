package coordinator

import (
	"errors"
	"time"
)

// EventType is the kind of auth-state change.
type EventType string

const (
	EventLogin   EventType = "login"
	EventRefresh EventType = "refresh"
	EventRevoke  EventType = "revoke"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventLogin, EventRefresh, EventRevoke:
		return true
	default:
		return false
	}
}

// Well-known detail keys.
const (
	// DetailSessionID scopes a revoke to one session; absent means every session.
	DetailSessionID = "session_id"
	// DetailApplied marks a revoke the publisher already applied to the shared tiers.
	DetailApplied = "applied"
)

// ErrUnknownEventType rejects an event whose type is not login, refresh or revoke.
var ErrUnknownEventType = errors.New("unknown auth-state event type")

// Event is one auth-state change. It is delivered once and not retained.
type Event struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	Email     string            `json:"email"`
	Type      EventType         `json:"event_type"`
	Source    string            `json:"source"`
	Origin    string            `json:"origin"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionID returns the session scoped by a revoke, if any.
func (e Event) SessionID() string {
	return e.Details[DetailSessionID]
}

// Applied reports whether the publisher already updated the shared tiers.
func (e Event) Applied() bool {
	return e.Details[DetailApplied] == "true"
}
