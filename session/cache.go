package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps every transport-level cache failure.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrCacheMiss means the cache answered and holds no record for the id.
	ErrCacheMiss = errors.New("session not in cache")
)

const (
	defaultKeyPrefix = "session"
	minRecordTTL     = time.Second
	maxWatchRetries  = 3
	sweepBatch       = 500
)

// Cache is the key-value tier consumed by [Manager]. Implementations return
// [ErrCacheMiss] for absent keys and wrap transport failures in [ErrRedisUnavailable].
type Cache interface {
	Save(ctx context.Context, rec *Record, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Update applies mutate under optimistic concurrency and writes the result with
	// the TTL mutate returns. An error from mutate aborts without writing.
	Update(ctx context.Context, sessionID string, mutate func(*Record) (time.Duration, error)) (*Record, error)
	Delete(ctx context.Context, sessionID string) error
	UserSessionIDs(ctx context.Context, userID int64) ([]string, error)
	Sweep(ctx context.Context, keep func(*Record) bool) (int, error)
	Ping(ctx context.Context) (time.Duration, error)
}

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
if redis.call("SCARD", KEYS[2]) == 0 then
  redis.call("DEL", KEYS[2])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// RedisCache stores records under "{prefix}:{session_id}" with a per-user index set
// at "{prefix}_user:{user_id}".
type RedisCache struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisCache creates a [RedisCache]. An empty prefix means "session".
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{redis: client, prefix: prefix}
}

func (c *RedisCache) key(sessionID string) string {
	return c.prefix + ":" + sessionID
}

func (c *RedisCache) userKey(userID int64) string {
	return c.prefix + "_user:" + strconv.FormatInt(userID, 10)
}

// Save writes rec with ttl and adds it to the owner's index.
func (c *RedisCache) Save(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}

	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(rec.SessionID), data, ttl)
		pipe.SAdd(ctx, c.userKey(rec.UserID), rec.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get reads one record without touching its TTL.
func (c *RedisCache) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := c.redis.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Decode(data)
}

// Update runs a WATCH/MULTI compare-and-set so a concurrent invalidation can never
// be overwritten by an activity update read before it.
func (c *RedisCache) Update(ctx context.Context, sessionID string, mutate func(*Record) (time.Duration, error)) (*Record, error) {
	key := c.key(sessionID)
	var (
		out       *Record
		mutateErr error
	)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrCacheMiss
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		rec, err := Decode(data)
		if err != nil {
			return err
		}
		ttl, err := mutate(rec)
		if err != nil {
			mutateErr = err
			return err
		}
		if ttl < minRecordTTL {
			ttl = minRecordTTL
		}
		encoded, err := Encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err != nil {
			if errors.Is(err, redis.TxFailedErr) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		out = rec
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		mutateErr = nil
		err := c.redis.Watch(ctx, txf, key)
		var invalid errInvalidRecord
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case mutateErr != nil:
			return nil, mutateErr
		case errors.Is(err, ErrCacheMiss), errors.Is(err, ErrRedisUnavailable),
			errors.Is(err, ErrCorruptRecord), errors.As(err, &invalid):
			return nil, err
		default:
			// WATCH/UNWATCH itself failed.
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return nil, fmt.Errorf("%w: update contention on %s", ErrRedisUnavailable, sessionID)
}

// Delete removes a record and its index entry. Deleting a missing id is a no-op.
func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	rec, err := c.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		if errors.Is(err, ErrCorruptRecord) {
			if err := c.redis.Del(ctx, c.key(sessionID)).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			return nil
		}
		return err
	}
	return c.deleteSessionAndIndex(ctx, rec.UserID, sessionID)
}

// UserSessionIDs returns the indexed session ids for userID. Entries may be stale;
// callers must tolerate ids whose record is gone.
func (c *RedisCache) UserSessionIDs(ctx context.Context, userID int64) ([]string, error) {
	ids, err := c.redis.SMembers(ctx, c.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// Sweep scans every session key and deletes those keep rejects, plus undecodable
// blobs. It works one batch at a time and never runs in the request path.
func (c *RedisCache) Sweep(ctx context.Context, keep func(*Record) bool) (int, error) {
	pattern := c.prefix + ":*"
	var (
		cursor  uint64
		removed int
	)

	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, sweepBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		for _, key := range keys {
			sessionID := strings.TrimPrefix(key, c.prefix+":")
			rec, err := c.Get(ctx, sessionID)
			switch {
			case errors.Is(err, ErrCacheMiss):
				continue
			case errors.Is(err, ErrCorruptRecord):
				if err := c.redis.Del(ctx, key).Err(); err != nil {
					return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
				removed++
				continue
			case err != nil:
				return removed, err
			}
			if keep(rec) {
				continue
			}
			if err := c.deleteSessionAndIndex(ctx, rec.UserID, sessionID); err != nil {
				return removed, err
			}
			removed++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := c.pruneIndexes(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// pruneIndexes drops user index entries whose record has expired out of Redis.
func (c *RedisCache) pruneIndexes(ctx context.Context) error {
	pattern := c.prefix + "_user:*"
	var cursor uint64

	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, sweepBatch).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		for _, userKey := range keys {
			ids, err := c.redis.SMembers(ctx, userKey).Result()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			if len(ids) == 0 {
				continue
			}

			pipe := c.redis.Pipeline()
			exists := make([]*redis.IntCmd, len(ids))
			for i, id := range ids {
				exists[i] = pipe.Exists(ctx, c.key(id))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}

			var stale []interface{}
			for i, cmd := range exists {
				if cmd.Val() == 0 {
					stale = append(stale, ids[i])
				}
			}
			if len(stale) > 0 {
				if err := c.redis.SRem(ctx, userKey, stale...).Err(); err != nil {
					return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping returns a point-in-time availability check and latency.
func (c *RedisCache) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (c *RedisCache) deleteSessionAndIndex(ctx context.Context, userID int64, sessionID string) error {
	keys := []string{c.key(sessionID), c.userKey(userID)}
	if _, err := deleteSessionLua.Run(ctx, c.redis, keys, sessionID).Result(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
