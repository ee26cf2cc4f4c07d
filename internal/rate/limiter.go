package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds throttle tuning parameters.
type Config struct {
	MaxFailures int
	Window      time.Duration
	KeyPrefix   string
}

// Limiter counts failed handshakes per client in fixed windows.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "authmesh"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Allow returns [ErrRateLimited] once client has reached the failure budget.
func (l *Limiter) Allow(ctx context.Context, client string) error {
	count, err := l.redis.Get(ctx, l.key(client)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(l.config.MaxFailures) {
		return ErrRateLimited
	}
	return nil
}

// RecordFailure counts one failed handshake and returns the window total.
func (l *Limiter) RecordFailure(ctx context.Context, client string) (int64, error) {
	return l.incrementWithTTL(ctx, l.key(client), l.config.Window)
}

// Reset clears the counter, for example after a successful handshake.
func (l *Limiter) Reset(ctx context.Context, client string) error {
	if err := l.redis.Del(ctx, l.key(client)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Failures returns the current window count. Missing keys return zero.
func (l *Limiter) Failures(ctx context.Context, client string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(client)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) key(client string) string {
	return l.config.KeyPrefix + ":wsf:" + client
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
