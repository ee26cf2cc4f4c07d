package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authmesh/breaker"
)

var errInjected = errors.New("injected outage")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisCacheTest(t *testing.T) (*RedisCache, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewRedisCache(rdb, ""), rdb, mr
}

// flakyCache wraps a real cache and fails every call while down is set.
type flakyCache struct {
	Cache
	down atomic.Bool
}

func (f *flakyCache) fail() error {
	return errors.Join(ErrRedisUnavailable, errInjected)
}

func (f *flakyCache) Save(ctx context.Context, rec *Record, ttl time.Duration) error {
	if f.down.Load() {
		return f.fail()
	}
	return f.Cache.Save(ctx, rec, ttl)
}

func (f *flakyCache) Get(ctx context.Context, id string) (*Record, error) {
	if f.down.Load() {
		return nil, f.fail()
	}
	return f.Cache.Get(ctx, id)
}

func (f *flakyCache) Update(ctx context.Context, id string, mutate func(*Record) (time.Duration, error)) (*Record, error) {
	if f.down.Load() {
		return nil, f.fail()
	}
	return f.Cache.Update(ctx, id, mutate)
}

func (f *flakyCache) Delete(ctx context.Context, id string) error {
	if f.down.Load() {
		return f.fail()
	}
	return f.Cache.Delete(ctx, id)
}

func (f *flakyCache) UserSessionIDs(ctx context.Context, userID int64) ([]string, error) {
	if f.down.Load() {
		return nil, f.fail()
	}
	return f.Cache.UserSessionIDs(ctx, userID)
}

func (f *flakyCache) Sweep(ctx context.Context, keep func(*Record) bool) (int, error) {
	if f.down.Load() {
		return 0, f.fail()
	}
	return f.Cache.Sweep(ctx, keep)
}

func (f *flakyCache) Ping(ctx context.Context) (time.Duration, error) {
	if f.down.Load() {
		return 0, f.fail()
	}
	return f.Cache.Ping(ctx)
}

// memDurable is an in-memory Durable honoring the no-resurrection rule.
type memDurable struct {
	mu      sync.Mutex
	rows    map[string]*Record
	down    atomic.Bool
	upserts atomic.Int64
}

func newMemDurable() *memDurable {
	return &memDurable{rows: make(map[string]*Record)}
}

func (d *memDurable) Upsert(_ context.Context, rec *Record) error {
	if d.down.Load() {
		return errInjected
	}
	d.upserts.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.rows[rec.SessionID]; ok && prev.Terminal() {
		return nil
	}
	d.rows[rec.SessionID] = rec.Clone()
	return nil
}

func (d *memDurable) Get(_ context.Context, id string) (*Record, error) {
	if d.down.Load() {
		return nil, errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (d *memDurable) SetStatus(_ context.Context, id string, status Status, at time.Time) error {
	if d.down.Load() {
		return errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rows[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.LastActivity = at
	return nil
}

func (d *memDurable) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	if d.down.Load() {
		return 0, errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, rec := range d.rows {
		if rec.Expired(now) || rec.Terminal() {
			delete(d.rows, id)
			n++
		}
	}
	return n, nil
}

func (d *memDurable) InvalidateUser(_ context.Context, userID int64, at time.Time) (int64, error) {
	if d.down.Load() {
		return 0, errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, rec := range d.rows {
		if rec.UserID == userID && !rec.Terminal() {
			rec.Status = StatusInvalidated
			rec.LastActivity = at
			n++
		}
	}
	return n, nil
}

func (d *memDurable) SessionIDsForUser(_ context.Context, userID int64) ([]string, error) {
	if d.down.Load() {
		return nil, errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, rec := range d.rows {
		if rec.UserID == userID && !rec.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *memDurable) Ping(context.Context) error {
	if d.down.Load() {
		return errInjected
	}
	return nil
}

func (d *memDurable) row(id string) (*Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rows[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

type managerFixture struct {
	mgr     *Manager
	cache   *flakyCache
	durable *memDurable
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	clock   *testClock
	br      *breaker.Breaker
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	rc, rdb, mr := newRedisCacheTest(t)
	clock := newTestClock()
	br := breaker.New(breaker.Config{Threshold: 3, Window: time.Minute, Now: clock.Now})
	cache := &flakyCache{Cache: rc}
	durable := newMemDurable()

	mgr := NewManager(Config{
		IdleTTL:          30 * time.Minute,
		AbsoluteLifetime: 2 * time.Hour,
		SyncInterval:     time.Minute,
		RetryBackoff:     time.Millisecond,
		Now:              clock.Now,
	}, cache, durable, br, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(mgr.Close)

	return &managerFixture{mgr: mgr, cache: cache, durable: durable, mr: mr, rdb: rdb, clock: clock, br: br}
}

// settle waits for background durable writes.
func (f *managerFixture) settle() {
	f.mgr.wg.Wait()
}

func (f *managerFixture) tripCache() {
	for i := 0; i < f.br.Threshold(); i++ {
		f.br.RecordFailure(breaker.DepCache)
	}
}
