package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// ChannelListener writes events into a buffered channel.
type ChannelListener struct {
	name   string
	events chan Event
}

func NewChannelListener(name string, buffer int) *ChannelListener {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelListener{name: name, events: make(chan Event, buffer)}
}

func (l *ChannelListener) Name() string { return l.name }

func (l *ChannelListener) Handle(ctx context.Context, ev Event) error {
	select {
	case l.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ChannelListener) Events() <-chan Event {
	return l.events
}

// JSONWriterListener writes one JSON object per line, typically an audit log.
type JSONWriterListener struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterListener(w io.Writer) *JSONWriterListener {
	return &JSONWriterListener{writer: w}
}

func (l *JSONWriterListener) Name() string { return "audit_log" }

func (l *JSONWriterListener) Handle(_ context.Context, ev Event) error {
	if l == nil || l.writer == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(data)
	return err
}

// SessionInvalidator is the subset of the session manager a revoke needs.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, sessionID string) (bool, error)
	InvalidateUser(ctx context.Context, userID int64) (int, error)
}

// LocalInvalidator applies revoke events that were published without being
// applied, for example by a service that only holds the coordinator.
type LocalInvalidator struct {
	sessions SessionInvalidator
}

func NewLocalInvalidator(s SessionInvalidator) *LocalInvalidator {
	return &LocalInvalidator{sessions: s}
}

func (l *LocalInvalidator) Name() string { return "local_invalidator" }

func (l *LocalInvalidator) Handle(ctx context.Context, ev Event) error {
	if ev.Type != EventRevoke || ev.Applied() {
		return nil
	}
	if sid := ev.SessionID(); sid != "" {
		_, err := l.sessions.Invalidate(ctx, sid)
		return err
	}
	if ev.UserID <= 0 {
		return nil
	}
	_, err := l.sessions.InvalidateUser(ctx, ev.UserID)
	return err
}

// ListenerFunc adapts a function to a [Listener].
type ListenerFunc struct {
	ListenerName string
	Fn           func(ctx context.Context, ev Event) error
}

func (f ListenerFunc) Name() string { return f.ListenerName }

func (f ListenerFunc) Handle(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }
