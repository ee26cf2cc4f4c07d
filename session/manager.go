package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/authmesh/breaker"
)

// Tier names the storage tier that answered a read.
type Tier uint8

const (
	TierCache Tier = iota + 1
	TierFallback
	TierDurable
)

func (t Tier) String() string {
	switch t {
	case TierCache:
		return "cache"
	case TierFallback:
		return "fallback"
	case TierDurable:
		return "durable"
	default:
		return "none"
	}
}

// Config tunes a [Manager]. Zero values select defaults.
type Config struct {
	// IdleTTL is the sliding lifetime extended by each activity update.
	IdleTTL time.Duration
	// AbsoluteLifetime caps ExpiresAt relative to CreatedAt.
	AbsoluteLifetime time.Duration

	CacheTimeout       time.Duration
	DurableTimeout     time.Duration
	MaintenanceTimeout time.Duration

	// SyncInterval debounces durable writes caused by activity updates.
	SyncInterval    time.Duration
	BackupInterval  time.Duration
	CleanupInterval time.Duration
	ProbeInterval   time.Duration
	SweepInterval   time.Duration

	InvalidateRetries int
	RetryBackoff      time.Duration

	// OnRead, when set, is told which tier served each successful Get.
	OnRead func(Tier)

	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.AbsoluteLifetime <= 0 {
		c.AbsoluteLifetime = 24 * time.Hour
	}
	if c.IdleTTL > c.AbsoluteLifetime {
		c.IdleTTL = c.AbsoluteLifetime
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = 2 * time.Second
	}
	if c.DurableTimeout <= 0 {
		c.DurableTimeout = 5 * time.Second
	}
	if c.MaintenanceTimeout <= 0 {
		c.MaintenanceTimeout = 30 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
	if c.BackupInterval <= 0 {
		c.BackupInterval = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.InvalidateRetries <= 0 {
		c.InvalidateRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Manager owns session lifecycle across the cache, fallback and durable tiers.
// It is safe for concurrent use and holds no lock across I/O.
type Manager struct {
	cfg      Config
	cache    Cache
	durable  Durable
	fallback *FallbackStore
	breaker  *breaker.Breaker
	logger   *slog.Logger
	now      func() time.Time

	syncMu   sync.Mutex
	lastSync map[string]time.Time
	dirty    map[string]*Record

	pendingMu sync.Mutex
	pending   map[string]struct{}

	wg        sync.WaitGroup
	stop      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewManager wires the tiers together. cache and durable may be nil; a nil breaker
// gets a default one.
func NewManager(cfg Config, cache Cache, durable Durable, br *breaker.Breaker, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if br == nil {
		br = breaker.New(breaker.Config{Now: cfg.Now})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		cache:    cache,
		durable:  durable,
		fallback: NewFallbackStore(cfg.Now),
		breaker:  br,
		logger:   logger.With("component", "session"),
		now:      cfg.Now,
		lastSync: make(map[string]time.Time),
		dirty:    make(map[string]*Record),
		pending:  make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// Fallback exposes the process-local tier.
func (m *Manager) Fallback() *FallbackStore { return m.fallback }

// Breaker exposes the circuit breaker shared with validators.
func (m *Manager) Breaker() *breaker.Breaker { return m.breaker }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// HasDurable reports whether a durable tier is configured.
func (m *Manager) HasDurable() bool { return m.durable != nil }

// Create starts a session for the given principal. A cache failure parks the record
// in the fallback tier; the durable copy is written asynchronously and never fails
// the call.
func (m *Manager) Create(ctx context.Context, userID int64, email, role string, metadata map[string]any) (*Record, error) {
	if userID <= 0 {
		return nil, errors.New("session: user id required")
	}
	now := m.now()
	rec := &Record{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		Email:        email,
		Role:         role,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    m.nextExpiry(now, now),
		Metadata:     maps.Clone(metadata),
	}
	// Surface unencodable metadata to the caller rather than as a cache failure.
	if _, err := Encode(rec); err != nil {
		return nil, err
	}

	stored := false
	if m.cacheUsable() {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		err := m.cache.Save(cctx, rec, rec.Remaining(now))
		cancel()
		m.observe(ctx, breaker.DepCache, err)
		switch {
		case err == nil:
			stored = true
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !unavailable(err):
			return nil, err
		default:
			m.logger.Warn("cache write failed, using fallback store", "session_id", rec.SessionID, "error", err)
		}
	}
	if !stored {
		m.fallback.Put(rec)
	}

	m.markSynced(rec.SessionID, now)
	m.persistAsync(rec.Clone())
	return rec.Clone(), nil
}

// Get returns the session for sessionID, which may be terminal. It returns
// [ErrNotFound] when a reachable tier affirmatively has no live copy and
// [ErrDependencyUnavailable] when no tier could answer.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Record, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	now := m.now()

	local, hasLocal := m.fallback.Get(sessionID)
	if hasLocal && local.Terminal() {
		m.onRead(TierFallback)
		return local, nil
	}

	cacheAnswered := false
	if m.cacheUsable() {
		rec, err := m.cacheGet(ctx, sessionID)
		switch {
		case err == nil && !rec.Expired(now):
			m.onRead(TierCache)
			return rec, nil
		case err == nil, errors.Is(err, ErrCacheMiss):
			cacheAnswered = true
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrCorruptRecord):
			cacheAnswered = true
			m.logger.Warn("discarding corrupt cache entry", "session_id", sessionID, "error", err)
		default:
			m.logger.Debug("cache read failed", "session_id", sessionID, "error", err)
		}
	}

	if hasLocal {
		m.onRead(TierFallback)
		return local, nil
	}

	durableAnswered := false
	if m.durableUsable() {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DurableTimeout)
		rec, err := m.durable.Get(dctx, sessionID)
		cancel()
		m.observe(ctx, breaker.DepDurable, err)
		switch {
		case err == nil && !rec.Expired(now):
			m.repopulate(ctx, rec, now)
			m.onRead(TierDurable)
			return rec, nil
		case err == nil, errors.Is(err, ErrNotFound):
			durableAnswered = true
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			m.logger.Debug("durable read failed", "session_id", sessionID, "error", err)
		}
	}

	if cacheAnswered || durableAnswered {
		return nil, ErrNotFound
	}
	return nil, ErrDependencyUnavailable
}

// Touch records activity: LastActivity moves to now and ExpiresAt slides forward,
// capped by the absolute lifetime. Terminal sessions return [ErrInactive]. Durable
// sync is debounced per session by SyncInterval.
func (m *Manager) Touch(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrNotFound
	}
	now := m.now()
	if local, ok := m.fallback.Get(sessionID); ok && local.Terminal() {
		return false, ErrInactive
	}

	mutate := func(rec *Record) error {
		if rec.Terminal() {
			return ErrInactive
		}
		if rec.Expired(now) {
			return ErrNotFound
		}
		rec.LastActivity = now
		rec.ExpiresAt = m.nextExpiry(rec.CreatedAt, now)
		return nil
	}

	updated, err := m.touchCache(ctx, sessionID, mutate, now)
	if err != nil {
		return false, err
	}

	if updated == nil {
		rec, found, err := m.fallback.Update(sessionID, mutate)
		if err != nil {
			return false, err
		}
		if found {
			updated = rec
		}
	}

	if updated == nil {
		// Known only to the durable tier. Get re-homes it in the cache when it can.
		rec, err := m.Get(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if rec.Terminal() {
			return false, ErrInactive
		}
		if updated, err = m.touchCache(ctx, sessionID, mutate, now); err != nil {
			return false, err
		}
		if updated == nil {
			if err := mutate(rec); err != nil {
				return false, err
			}
			m.fallback.Put(rec)
			updated = rec
		}
	}

	m.scheduleSync(updated, now)
	return true, nil
}

// touchCache returns (nil, nil) when the cache cannot serve the update and the
// caller should try the next tier.
func (m *Manager) touchCache(ctx context.Context, sessionID string, mutate func(*Record) error, now time.Time) (*Record, error) {
	if !m.cacheUsable() {
		return nil, nil
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
	rec, err := m.cache.Update(cctx, sessionID, func(r *Record) (time.Duration, error) {
		if err := mutate(r); err != nil {
			return 0, err
		}
		return r.Remaining(now), nil
	})
	cancel()
	m.observe(ctx, breaker.DepCache, err)

	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, ErrInactive), errors.Is(err, ErrNotFound):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrCacheMiss):
		return nil, nil
	default:
		m.logger.Debug("cache activity update failed", "session_id", sessionID, "error", err)
		return nil, nil
	}
}

// Invalidate moves a session to the invalidated state. It reports true when the
// session is terminal afterwards and false when no tier knows the id. Calling it
// again returns the same result. The durable write is retried in the background.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	now := m.now()

	mark := func(r *Record) {
		if r.Status == StatusActive {
			r.Status = StatusInvalidated
			r.LastActivity = now
		}
	}

	var (
		rec       *Record
		cacheDone bool
		cacheMiss bool
	)

	if m.cacheUsable() {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		r, err := m.cache.Update(cctx, sessionID, func(r *Record) (time.Duration, error) {
			mark(r)
			return r.Remaining(now), nil
		})
		cancel()
		m.observe(ctx, breaker.DepCache, err)
		switch {
		case err == nil:
			rec, cacheDone = r, true
		case errors.Is(err, ErrCacheMiss):
			cacheMiss = true
		case ctx.Err() != nil:
			return false, ctx.Err()
		default:
			m.logger.Warn("cache invalidation failed, recording local tombstone", "session_id", sessionID, "error", err)
		}
	}

	if local, ok := m.fallback.Get(sessionID); ok {
		if rec == nil {
			rec = local
		}
		_, _, _ = m.fallback.Update(sessionID, func(r *Record) error {
			mark(r)
			return nil
		})
	}

	durableMiss := false
	if rec == nil && m.durableUsable() {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DurableTimeout)
		r, err := m.durable.Get(dctx, sessionID)
		cancel()
		m.observe(ctx, breaker.DepDurable, err)
		switch {
		case err == nil:
			rec = r
		case errors.Is(err, ErrNotFound):
			durableMiss = true
		default:
			m.logger.Warn("durable lookup during invalidation failed", "session_id", sessionID, "error", err)
		}
	}

	if rec == nil {
		if cacheMiss && (durableMiss || m.durable == nil) {
			return false, nil
		}
		// Existence unknown: block the id locally for the longest possible lifetime.
		m.fallback.Invalidate(sessionID, 0, now.Add(m.cfg.AbsoluteLifetime))
		m.invalidateDurableAsync(&Record{SessionID: sessionID, Status: StatusInvalidated})
		return true, nil
	}

	mark(rec)
	if !cacheDone && cacheMiss && !rec.Expired(now) {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		err := m.cache.Save(cctx, rec, rec.Remaining(now))
		cancel()
		m.observe(ctx, breaker.DepCache, err)
		cacheDone = err == nil
	}
	if !cacheDone {
		m.fallback.Put(rec)
	}

	m.forgetSync(sessionID)
	m.invalidateDurableAsync(rec)
	return true, nil
}

// InvalidateUser invalidates every session of userID known to any tier and returns
// how many were invalidated.
func (m *Manager) InvalidateUser(ctx context.Context, userID int64) (int, error) {
	ids, _ := m.userSessionIDs(ctx, userID)
	count := 0
	var errs []error
	for _, id := range ids {
		ok, err := m.Invalidate(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}

	if m.durable != nil && !m.closed.Load() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			dctx, cancel := context.WithTimeout(context.Background(), m.cfg.DurableTimeout)
			defer cancel()
			_, err := m.durable.InvalidateUser(dctx, userID, m.now())
			m.observe(context.Background(), breaker.DepDurable, err)
			if err != nil {
				m.logger.Warn("durable user invalidation failed", "user_id", userID, "error", err)
			}
		}()
	}
	return count, errors.Join(errs...)
}

// ListUserSessions returns the live sessions of userID, most recently active first.
func (m *Manager) ListUserSessions(ctx context.Context, userID int64) ([]*Record, error) {
	ids, answered := m.userSessionIDs(ctx, userID)
	now := m.now()

	out := make([]*Record, 0, len(ids))
	unavailableSeen := false
	for _, id := range ids {
		rec, err := m.Get(ctx, id)
		switch {
		case err == nil:
			if rec.UserID == userID && rec.Live(now) {
				out = append(out, rec)
			}
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrDependencyUnavailable):
			unavailableSeen = true
		default:
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if len(out) == 0 && (!answered || unavailableSeen) {
		return nil, ErrDependencyUnavailable
	}
	return out, nil
}

// ActiveSessionForUser returns the most recently active live session of userID. It
// serves tokens that carry no session id.
func (m *Manager) ActiveSessionForUser(ctx context.Context, userID int64) (*Record, error) {
	list, err := m.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// EvictLocal applies a revocation published by another instance to the fallback
// tier only; the shared tiers were already updated by the publisher. An empty
// sessionID revokes every local session of userID.
func (m *Manager) EvictLocal(userID int64, sessionID string) int {
	if sessionID == "" {
		return len(m.fallback.InvalidateUser(userID))
	}
	_, found, _ := m.fallback.Update(sessionID, func(r *Record) error {
		r.Status = StatusInvalidated
		r.LastActivity = m.now()
		return nil
	})
	if found {
		return 1
	}
	return 0
}

// CleanupExpired removes expired records from every tier and terminal rows from the
// durable store. Cache tombstones stay until their own expiry so another instance
// cannot read a stale active row from a lagging durable store.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	total := m.fallback.Sweep(now)
	var errs []error

	if m.cacheUsable() {
		n, err := m.cache.Sweep(ctx, func(r *Record) bool {
			return !r.Expired(now) && r.Status != StatusExpired
		})
		m.observe(ctx, breaker.DepCache, err)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if m.durableUsable() {
		n, err := m.durable.DeleteExpired(ctx, now)
		m.observe(ctx, breaker.DepDurable, err)
		total += int(n)
		if err != nil {
			errs = append(errs, err)
		}
	}

	m.pruneSyncState(now)
	return total, errors.Join(errs...)
}

// BackupDirty writes every session with unsynced activity to the durable store and
// returns how many were written. Failed records stay queued.
func (m *Manager) BackupDirty(ctx context.Context) (int, error) {
	if m.durable == nil {
		return 0, nil
	}
	m.syncMu.Lock()
	batch := m.dirty
	m.dirty = make(map[string]*Record)
	m.syncMu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	written := 0
	var firstErr error
	for id, rec := range batch {
		if firstErr != nil || !m.durableUsable() {
			m.markDirty(rec)
			continue
		}
		err := m.durable.Upsert(ctx, rec)
		m.observe(ctx, breaker.DepDurable, err)
		if err != nil {
			firstErr = err
			m.markDirty(rec)
			continue
		}
		written++
		m.markSynced(id, m.now())
		if rec.Terminal() {
			m.setPending(id, false)
		}
	}
	return written, firstErr
}

// ProbeResult reports one health probe round.
type ProbeResult struct {
	CacheConfigured   bool
	CacheLatency      time.Duration
	CacheErr          error
	DurableConfigured bool
	DurableErr        error
	Replayed          int
}

// Probe pings both tiers, feeding the breaker even while a circuit is open. When the
// cache is healthy, records parked in the fallback tier are replayed into it.
func (m *Manager) Probe(ctx context.Context) ProbeResult {
	var res ProbeResult

	if m.cache != nil {
		res.CacheConfigured = true
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		res.CacheLatency, res.CacheErr = m.cache.Ping(cctx)
		cancel()
		m.observe(ctx, breaker.DepCache, res.CacheErr)
		if res.CacheErr == nil && !m.breaker.IsOpen(breaker.DepCache) {
			res.Replayed = m.replayFallback(ctx)
		}
	}

	if m.durable != nil {
		res.DurableConfigured = true
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DurableTimeout)
		res.DurableErr = m.durable.Ping(dctx)
		cancel()
		m.observe(ctx, breaker.DepDurable, res.DurableErr)
	}

	return res
}

// RunMaintenance runs cleanup, durable backup, probing and fallback sweeps on their
// own tickers until ctx is done or the manager is closed. Each round gets its own
// timeout budget.
func (m *Manager) RunMaintenance(ctx context.Context) {
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	backup := time.NewTicker(m.cfg.BackupInterval)
	probe := time.NewTicker(m.cfg.ProbeInterval)
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer cleanup.Stop()
	defer backup.Stop()
	defer probe.Stop()
	defer sweep.Stop()

	round := func(name string, fn func(context.Context) error) {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.MaintenanceTimeout)
		defer cancel()
		if err := fn(rctx); err != nil {
			m.logger.Warn("session maintenance failed", "task", name, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-cleanup.C:
			round("cleanup", func(c context.Context) error {
				n, err := m.CleanupExpired(c)
				if n > 0 {
					m.logger.Info("expired sessions removed", "count", n)
				}
				return err
			})
		case <-backup.C:
			round("backup", func(c context.Context) error {
				_, err := m.BackupDirty(c)
				return err
			})
		case <-probe.C:
			round("probe", func(c context.Context) error {
				res := m.Probe(c)
				return errors.Join(res.CacheErr, res.DurableErr)
			})
		case <-sweep.C:
			m.fallback.Sweep(m.now())
		}
	}
}

// Stats is a point-in-time view of manager state.
type Stats struct {
	CacheConfigured      bool `json:"cache_configured"`
	DurableConfigured    bool `json:"durable_configured"`
	CacheOpen            bool `json:"cache_circuit_open"`
	DurableOpen          bool `json:"durable_circuit_open"`
	FallbackEntries      int  `json:"fallback_entries"`
	DirtySessions        int  `json:"dirty_sessions"`
	PendingInvalidations int  `json:"pending_invalidations"`
}

// Stats returns counters for health reporting.
func (m *Manager) Stats() Stats {
	m.syncMu.Lock()
	dirty := len(m.dirty)
	m.syncMu.Unlock()
	m.pendingMu.Lock()
	pending := len(m.pending)
	m.pendingMu.Unlock()

	return Stats{
		CacheConfigured:      m.cache != nil,
		DurableConfigured:    m.durable != nil,
		CacheOpen:            m.breaker.IsOpen(breaker.DepCache),
		DurableOpen:          m.breaker.IsOpen(breaker.DepDurable),
		FallbackEntries:      m.fallback.Len(),
		DirtySessions:        dirty,
		PendingInvalidations: pending,
	}
}

// Close stops background retries and waits for in-flight durable writes.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stop)
	})
	m.wg.Wait()
}

func (m *Manager) cacheUsable() bool {
	return m.cache != nil && m.breaker.AllowProbe(breaker.DepCache)
}

func (m *Manager) durableUsable() bool {
	return m.durable != nil && m.breaker.AllowProbe(breaker.DepDurable)
}

func (m *Manager) cacheGet(ctx context.Context, sessionID string) (*Record, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
	defer cancel()
	rec, err := m.cache.Get(cctx, sessionID)
	m.observe(ctx, breaker.DepCache, err)
	return rec, err
}

// observe feeds dependency outcomes into the breaker. A timeout from our own
// deadline counts as a failure; cancellation by the caller does not.
func (m *Manager) observe(parent context.Context, dep string, err error) {
	switch {
	case err == nil, !unavailable(err):
		m.breaker.RecordSuccess(dep)
	case parent.Err() != nil:
	default:
		m.breaker.RecordFailure(dep)
	}
}

func (m *Manager) onRead(t Tier) {
	if m.cfg.OnRead != nil {
		m.cfg.OnRead(t)
	}
}

func (m *Manager) nextExpiry(createdAt, now time.Time) time.Time {
	next := now.Add(m.cfg.IdleTTL)
	limit := createdAt.Add(m.cfg.AbsoluteLifetime)
	if next.After(limit) {
		next = limit
	}
	if next.Before(createdAt) {
		next = createdAt
	}
	return next
}

func (m *Manager) repopulate(ctx context.Context, rec *Record, now time.Time) {
	if m.cache == nil || m.breaker.IsOpen(breaker.DepCache) {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
	err := m.cache.Save(cctx, rec, rec.Remaining(now))
	cancel()
	m.observe(ctx, breaker.DepCache, err)
	if err != nil {
		m.logger.Debug("cache repopulation failed", "session_id", rec.SessionID, "error", err)
	}
}

// replayFallback pushes locally parked records into the recovered cache. Tombstones
// always win; active records are written only where the cache has nothing.
func (m *Manager) replayFallback(ctx context.Context) int {
	replayed := 0
	now := m.now()
	for _, rec := range m.fallback.Snapshot() {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		var err error
		if rec.Terminal() {
			_, err = m.cache.Update(cctx, rec.SessionID, func(r *Record) (time.Duration, error) {
				r.Status = rec.Status
				r.LastActivity = rec.LastActivity
				return r.Remaining(now), nil
			})
		} else {
			_, err = m.cache.Get(cctx, rec.SessionID)
			if err == nil {
				// Cache copy already present; keep the newer activity if ours is ahead.
				_, err = m.cache.Update(cctx, rec.SessionID, func(r *Record) (time.Duration, error) {
					if !r.Terminal() && rec.LastActivity.After(r.LastActivity) {
						r.LastActivity = rec.LastActivity
						r.ExpiresAt = rec.ExpiresAt
					}
					return r.Remaining(now), nil
				})
			}
		}
		if errors.Is(err, ErrCacheMiss) {
			err = m.cache.Save(cctx, rec, rec.Remaining(now))
		}
		cancel()
		m.observe(ctx, breaker.DepCache, err)
		if err != nil {
			m.logger.Debug("fallback replay stopped", "session_id", rec.SessionID, "error", err)
			break
		}
		m.fallback.Delete(rec.SessionID)
		replayed++
	}
	if replayed > 0 {
		m.logger.Info("fallback sessions replayed into cache", "count", replayed)
	}
	return replayed
}

func (m *Manager) persistAsync(rec *Record) {
	if m.durable == nil {
		return
	}
	if m.closed.Load() {
		m.markDirty(rec)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if !m.durableUsable() {
			m.markDirty(rec)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DurableTimeout)
		defer cancel()
		err := m.durable.Upsert(ctx, rec)
		m.observe(context.Background(), breaker.DepDurable, err)
		if err != nil {
			m.logger.Warn("durable session sync failed", "session_id", rec.SessionID, "error", err)
			m.markDirty(rec)
		}
	}()
}

func (m *Manager) invalidateDurableAsync(rec *Record) {
	if m.durable == nil {
		return
	}
	m.setPending(rec.SessionID, true)
	if m.closed.Load() {
		m.requeueInvalidation(rec)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		backoff := m.cfg.RetryBackoff
		for attempt := 1; attempt <= m.cfg.InvalidateRetries; attempt++ {
			err := m.invalidateDurableOnce(rec)
			if err == nil {
				m.setPending(rec.SessionID, false)
				return
			}
			m.logger.Warn("durable invalidation failed", "session_id", rec.SessionID, "attempt", attempt, "error", err)

			timer := time.NewTimer(backoff)
			select {
			case <-m.stop:
				timer.Stop()
				m.requeueInvalidation(rec)
				return
			case <-timer.C:
			}
			backoff *= 2
		}
		m.logger.Error("durable invalidation deferred to backup", "session_id", rec.SessionID, "attempts", m.cfg.InvalidateRetries)
		m.requeueInvalidation(rec)
	}()
}

func (m *Manager) invalidateDurableOnce(rec *Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DurableTimeout)
	defer cancel()

	err := m.durable.SetStatus(ctx, rec.SessionID, StatusInvalidated, m.now())
	if errors.Is(err, ErrNotFound) {
		// The async create may not have landed yet; write the tombstone row so the
		// late upsert cannot revive it.
		err = nil
		if rec.UserID > 0 {
			err = m.durable.Upsert(ctx, rec)
		}
	}
	m.observe(context.Background(), breaker.DepDurable, err)
	return err
}

// requeueInvalidation hands a failed invalidation to the backup loop. Bare
// tombstones without an owner cannot be upserted and stay local only.
func (m *Manager) requeueInvalidation(rec *Record) {
	if rec.UserID > 0 {
		m.markDirty(rec)
		return
	}
	m.setPending(rec.SessionID, false)
}

func (m *Manager) scheduleSync(rec *Record, now time.Time) {
	if m.durable == nil {
		return
	}
	m.syncMu.Lock()
	last := m.lastSync[rec.SessionID]
	if now.Sub(last) < m.cfg.SyncInterval {
		m.dirty[rec.SessionID] = rec.Clone()
		m.syncMu.Unlock()
		return
	}
	m.lastSync[rec.SessionID] = now
	delete(m.dirty, rec.SessionID)
	m.syncMu.Unlock()

	m.persistAsync(rec.Clone())
}

func (m *Manager) markSynced(sessionID string, at time.Time) {
	m.syncMu.Lock()
	m.lastSync[sessionID] = at
	m.syncMu.Unlock()
}

func (m *Manager) markDirty(rec *Record) {
	m.syncMu.Lock()
	if prev, ok := m.dirty[rec.SessionID]; !ok || !prev.Terminal() || rec.Terminal() {
		m.dirty[rec.SessionID] = rec
	}
	m.syncMu.Unlock()
}

func (m *Manager) forgetSync(sessionID string) {
	m.syncMu.Lock()
	delete(m.lastSync, sessionID)
	if rec, ok := m.dirty[sessionID]; ok && !rec.Terminal() {
		delete(m.dirty, sessionID)
	}
	m.syncMu.Unlock()
}

func (m *Manager) pruneSyncState(now time.Time) {
	cutoff := now.Add(-m.cfg.AbsoluteLifetime)
	m.syncMu.Lock()
	for id, at := range m.lastSync {
		if at.Before(cutoff) {
			delete(m.lastSync, id)
		}
	}
	m.syncMu.Unlock()
}

func (m *Manager) setPending(sessionID string, on bool) {
	m.pendingMu.Lock()
	if on {
		m.pending[sessionID] = struct{}{}
	} else {
		delete(m.pending, sessionID)
	}
	m.pendingMu.Unlock()
}

// userSessionIDs unions the ids every reachable tier knows for userID. answered is
// false when neither shared tier could be asked.
func (m *Manager) userSessionIDs(ctx context.Context, userID int64) ([]string, bool) {
	seen := make(map[string]struct{})
	add := func(ids []string) {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	add(m.fallback.UserSessionIDs(userID))

	answered := false
	if m.cacheUsable() {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		ids, err := m.cache.UserSessionIDs(cctx, userID)
		cancel()
		m.observe(ctx, breaker.DepCache, err)
		if err == nil {
			answered = true
			add(ids)
		}
	}
	if m.durableUsable() {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DurableTimeout)
		ids, err := m.durable.SessionIDsForUser(dctx, userID)
		cancel()
		m.observe(ctx, breaker.DepDurable, err)
		if err == nil {
			answered = true
			add(ids)
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, answered
}

func unavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCacheMiss) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInactive) || errors.Is(err, ErrCorruptRecord) {
		return false
	}
	var invalid errInvalidRecord
	return !errors.As(err, &invalid)
}
