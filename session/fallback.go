package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const fallbackShards = 32

// FallbackStore is the process-local session table used while the cache is
// unavailable. Each shard has its own lock; no operation holds more than one shard
// lock, and sweeps remove one record per lock acquisition.
type FallbackStore struct {
	shards [fallbackShards]fallbackShard
	now    func() time.Time
}

type fallbackShard struct {
	mu    sync.RWMutex
	items map[string]*Record
}

// NewFallbackStore returns an empty store. now may be nil.
func NewFallbackStore(now func() time.Time) *FallbackStore {
	if now == nil {
		now = time.Now
	}
	f := &FallbackStore{now: now}
	for i := range f.shards {
		f.shards[i].items = make(map[string]*Record)
	}
	return f
}

func (f *FallbackStore) shard(sessionID string) *fallbackShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &f.shards[h.Sum32()%fallbackShards]
}

// Put stores a copy of rec, replacing any previous entry. A tombstone is never
// replaced by an active record.
func (f *FallbackStore) Put(rec *Record) {
	s := f.shard(rec.SessionID)
	s.mu.Lock()
	if prev, ok := s.items[rec.SessionID]; ok && prev.Terminal() && !rec.Terminal() {
		s.mu.Unlock()
		return
	}
	s.items[rec.SessionID] = rec.Clone()
	s.mu.Unlock()
}

// Get returns a copy of the record for sessionID. Expired entries are removed on
// read and reported as absent.
func (f *FallbackStore) Get(sessionID string) (*Record, bool) {
	s := f.shard(sessionID)
	now := f.now()

	s.mu.RLock()
	rec, ok := s.items[sessionID]
	if ok && !rec.Expired(now) {
		out := rec.Clone()
		s.mu.RUnlock()
		return out, true
	}
	s.mu.RUnlock()

	if ok {
		f.deleteIfExpired(s, sessionID, now)
	}
	return nil, false
}

// Update applies mutate to the stored record in place. It reports false when the
// id is absent or expired; a mutate error leaves the record unchanged.
func (f *FallbackStore) Update(sessionID string, mutate func(*Record) error) (*Record, bool, error) {
	s := f.shard(sessionID)
	now := f.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[sessionID]
	if !ok || rec.Expired(now) {
		delete(s.items, sessionID)
		return nil, false, nil
	}
	next := rec.Clone()
	if err := mutate(next); err != nil {
		return nil, true, err
	}
	s.items[sessionID] = next
	return next.Clone(), true, nil
}

// Invalidate marks sessionID invalidated. When the id is unknown a bare tombstone
// living until expiresAt is recorded instead, so later reads cannot fall through to
// a stale tier.
func (f *FallbackStore) Invalidate(sessionID string, userID int64, expiresAt time.Time) {
	s := f.shard(sessionID)
	now := f.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.items[sessionID]; ok && !rec.Expired(now) {
		rec.Status = StatusInvalidated
		rec.LastActivity = now
		return
	}
	if !expiresAt.After(now) {
		return
	}
	s.items[sessionID] = &Record{
		SessionID:    sessionID,
		UserID:       userID,
		Status:       StatusInvalidated,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    expiresAt,
	}
}

// InvalidateUser marks every active record owned by userID invalidated and
// returns their ids.
func (f *FallbackStore) InvalidateUser(userID int64) []string {
	now := f.now()
	var ids []string
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.Lock()
		for id, rec := range s.items {
			if rec.UserID == userID && !rec.Terminal() {
				rec.Status = StatusInvalidated
				rec.LastActivity = now
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()
	}
	return ids
}

// Delete removes sessionID.
func (f *FallbackStore) Delete(sessionID string) {
	s := f.shard(sessionID)
	s.mu.Lock()
	delete(s.items, sessionID)
	s.mu.Unlock()
}

// UserSessionIDs lists ids held for userID, active or not.
func (f *FallbackStore) UserSessionIDs(userID int64) []string {
	var ids []string
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.RLock()
		for id, rec := range s.items {
			if rec.UserID == userID {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
	}
	return ids
}

// Snapshot copies every unexpired record.
func (f *FallbackStore) Snapshot() []*Record {
	now := f.now()
	var out []*Record
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.RLock()
		for _, rec := range s.items {
			if !rec.Expired(now) {
				out = append(out, rec.Clone())
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Len reports the number of stored records, including expired ones not yet swept.
func (f *FallbackStore) Len() int {
	n := 0
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Sweep removes records expired at now. Candidates are collected under a read lock
// and deleted one at a time, each re-checked under the write lock.
func (f *FallbackStore) Sweep(now time.Time) int {
	removed := 0
	for i := range f.shards {
		s := &f.shards[i]

		s.mu.RLock()
		var expired []string
		for id, rec := range s.items {
			if rec.Expired(now) {
				expired = append(expired, id)
			}
		}
		s.mu.RUnlock()

		for _, id := range expired {
			if f.deleteIfExpired(s, id, now) {
				removed++
			}
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (f *FallbackStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Sweep(f.now())
		}
	}
}

func (f *FallbackStore) deleteIfExpired(s *fallbackShard, sessionID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[sessionID]
	if !ok || !rec.Expired(now) {
		return false
	}
	delete(s.items, sessionID)
	return true
}
