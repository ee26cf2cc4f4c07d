package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel shared by all instances.
const DefaultChannel = "authmesh:auth-state"

// RedisPublisher forwards events to other instances over Redis pub/sub.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis_pubsub" }

func (p *RedisPublisher) Handle(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, payload).Err()
}

func (p *RedisPublisher) Check(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// LocalEvictor applies a remote revocation to process-local state.
type LocalEvictor interface {
	EvictLocal(userID int64, sessionID string) int
}

// RedisSubscriber consumes events published by other instances.
type RedisSubscriber struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	apply      func(context.Context, Event) error
	logger     *slog.Logger
}

// NewRedisSubscriber builds a subscriber that hands every remote event to apply.
// Events stamped with instanceID are skipped.
func NewRedisSubscriber(rdb redis.UniversalClient, channel, instanceID string, apply func(context.Context, Event) error, logger *slog.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{
		rdb:        rdb,
		channel:    channel,
		instanceID: instanceID,
		apply:      apply,
		logger:     logger.With("component", "coordinator_subscriber"),
	}
}

// EvictOnRevoke returns an apply function that drops revoked sessions from the
// local tier of e.
func EvictOnRevoke(e LocalEvictor) func(context.Context, Event) error {
	return func(_ context.Context, ev Event) error {
		if ev.Type != EventRevoke {
			return nil
		}
		e.EvictLocal(ev.UserID, ev.SessionID())
		return nil
	}
}

// Run subscribes and applies events until ctx is done. ready, when non-nil, is
// closed once the subscription is confirmed.
func (s *RedisSubscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("subscription channel closed")
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *RedisSubscriber) handle(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warn("discarding malformed auth-state event", "error", err)
		return
	}
	if ev.Origin == s.instanceID {
		return
	}
	if err := s.apply(ctx, ev); err != nil {
		s.logger.Warn("applying remote auth-state event failed", "event_type", ev.Type, "user_id", ev.UserID, "origin", ev.Origin, "error", err)
	}
}
