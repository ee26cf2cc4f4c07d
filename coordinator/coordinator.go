package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authmesh/breaker"
	"github.com/MrEthical07/authmesh/internal/audit"
)

// Listener receives auth-state events. Handle must honor ctx.
type Listener interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Checker is implemented by listeners that can report their downstream health.
type Checker interface {
	Check(ctx context.Context) error
}

// Config tunes a [Coordinator]. Zero values select defaults.
type Config struct {
	// InstanceID identifies this process on shared channels. Generated when empty.
	InstanceID      string
	BufferSize      int
	ListenerTimeout time.Duration
	// Breaker thresholds apply per listener.
	BreakerThreshold int
	BreakerWindow    time.Duration
	// OnDelivery, when set, observes every listener call.
	OnDelivery func(listener string, err error)
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.ListenerTimeout <= 0 {
		c.ListenerTimeout = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Coordinator publishes auth-state events to registered listeners. It is safe
// for concurrent use.
type Coordinator struct {
	cfg        Config
	logger     *slog.Logger
	breaker    *breaker.Breaker
	dispatcher *audit.Dispatcher[Event]

	mu        sync.RWMutex
	listeners []Listener
	perL      map[string]*listenerCounters

	published atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	panics    atomic.Uint64
}

type listenerCounters struct {
	delivered   atomic.Uint64
	failed      atomic.Uint64
	mu          sync.Mutex
	lastError   string
	lastFailure time.Time
}

// New starts a coordinator with the given listeners.
func New(cfg Config, logger *slog.Logger, listeners ...Listener) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: logger.With("component", "coordinator", "instance_id", cfg.InstanceID),
		breaker: breaker.New(breaker.Config{
			Threshold: cfg.BreakerThreshold,
			Window:    cfg.BreakerWindow,
			Now:       cfg.Now,
		}),
		perL: make(map[string]*listenerCounters),
	}
	for _, l := range listeners {
		c.Register(l)
	}
	c.dispatcher = audit.NewDispatcher(audit.Config{BufferSize: cfg.BufferSize, DropIfFull: true}, c.deliver)
	return c
}

// InstanceID is the id stamped on every event this coordinator publishes.
func (c *Coordinator) InstanceID() string { return c.cfg.InstanceID }

// Register adds a listener. Names must be unique; a nil listener is ignored.
func (c *Coordinator) Register(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.perL[l.Name()]; dup {
		c.logger.Warn("listener already registered", "listener", l.Name())
		return
	}
	c.listeners = append(c.listeners, l)
	c.perL[l.Name()] = &listenerCounters{}
}

// Coordinate publishes an auth-state change without waiting for delivery. It fails
// only for an unknown event type; a full queue drops the event and counts it.
func (c *Coordinator) Coordinate(ctx context.Context, userID int64, email string, eventType EventType, source string, details map[string]string) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	ev := Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     email,
		Type:      eventType,
		Source:    source,
		Origin:    c.cfg.InstanceID,
		Details:   maps.Clone(details),
		Timestamp: c.cfg.Now().UTC(),
	}
	c.Publish(ctx, ev)
	return nil
}

// Publish queues a prepared event. It reports whether the event was accepted.
func (c *Coordinator) Publish(ctx context.Context, ev Event) bool {
	if c.dispatcher.Emit(ctx, ev) {
		c.published.Add(1)
		return true
	}
	c.rejected.Add(1)
	c.logger.Warn("auth-state event dropped", "event_type", ev.Type, "user_id", ev.UserID)
	return false
}

func (c *Coordinator) deliver(ev Event) {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()

	var g errgroup.Group
	for _, l := range listeners {
		g.Go(func() error {
			c.deliverOne(l, ev)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) deliverOne(l Listener, ev Event) {
	name := l.Name()
	if !c.breaker.AllowProbe(name) {
		c.skipped.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ListenerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.panics.Add(1)
				done <- fmt.Errorf("listener panic: %v", r)
			}
		}()
		done <- l.Handle(ctx, ev)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	counters := c.counters(name)
	if err != nil {
		c.failed.Add(1)
		c.breaker.RecordFailure(name)
		if counters != nil {
			counters.failed.Add(1)
			counters.mu.Lock()
			counters.lastError = err.Error()
			counters.lastFailure = c.cfg.Now()
			counters.mu.Unlock()
		}
		c.logger.Warn("auth-state listener failed", "listener", name, "event_type", ev.Type, "user_id", ev.UserID, "error", err)
	} else {
		c.delivered.Add(1)
		c.breaker.RecordSuccess(name)
		if counters != nil {
			counters.delivered.Add(1)
		}
	}
	if c.cfg.OnDelivery != nil {
		c.cfg.OnDelivery(name, err)
	}
}

func (c *Coordinator) counters(name string) *listenerCounters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.perL[name]
}

// CircuitBreakerStatus returns the per-listener circuit states.
func (c *Coordinator) CircuitBreakerStatus() map[string]breaker.State {
	c.mu.RLock()
	names := make([]string, 0, len(c.listeners))
	for _, l := range c.listeners {
		names = append(names, l.Name())
	}
	c.mu.RUnlock()

	out := make(map[string]breaker.State, len(names))
	for _, n := range names {
		out[n] = c.breaker.State(n)
	}
	return out
}

// ListenerStats are delivery counters of one listener.
type ListenerStats struct {
	Name        string    `json:"name"`
	Delivered   uint64    `json:"delivered"`
	Failed      uint64    `json:"failed"`
	CircuitOpen bool      `json:"circuit_open"`
	LastError   string    `json:"last_error,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Stats is a read-only snapshot of coordination counters.
type Stats struct {
	InstanceID string          `json:"instance_id"`
	Published  uint64          `json:"published"`
	Dropped    uint64          `json:"dropped"`
	Pending    int             `json:"pending"`
	Delivered  uint64          `json:"delivered"`
	Failed     uint64          `json:"failed"`
	Skipped    uint64          `json:"skipped"`
	Panics     uint64          `json:"panics"`
	Listeners  []ListenerStats `json:"listeners"`
}

// Stats returns coordination counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		InstanceID: c.cfg.InstanceID,
		Published:  c.published.Load(),
		Dropped:    c.rejected.Load(),
		Pending:    c.dispatcher.Pending(),
		Delivered:  c.delivered.Load(),
		Failed:     c.failed.Load(),
		Skipped:    c.skipped.Load(),
		Panics:     c.panics.Load(),
	}
	c.mu.RLock()
	for _, l := range c.listeners {
		pc := c.perL[l.Name()]
		pc.mu.Lock()
		s.Listeners = append(s.Listeners, ListenerStats{
			Name:        l.Name(),
			Delivered:   pc.delivered.Load(),
			Failed:      pc.failed.Load(),
			CircuitOpen: c.breaker.IsOpen(l.Name()),
			LastError:   pc.lastError,
			LastFailure: pc.lastFailure,
		})
		pc.mu.Unlock()
	}
	c.mu.RUnlock()
	sort.Slice(s.Listeners, func(i, j int) bool { return s.Listeners[i].Name < s.Listeners[j].Name })
	return s
}

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// Health is the aggregated state of everything the coordinator delivers to.
type Health struct {
	Status    string            `json:"status"`
	Running   bool              `json:"running"`
	Listeners map[string]string `json:"listeners"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// HealthCheck reports healthy when every listener is reachable, degraded when some
// are not and failed when the queue is stopped or no listener is usable.
func (c *Coordinator) HealthCheck(ctx context.Context) Health {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()

	h := Health{
		Running:   c.dispatcher.Running(),
		Listeners: make(map[string]string, len(listeners)),
	}
	bad := 0
	for _, l := range listeners {
		name := l.Name()
		status := StatusHealthy
		if c.breaker.IsOpen(name) {
			status = StatusFailed
		}
		if ch, ok := l.(Checker); ok {
			cctx, cancel := context.WithTimeout(ctx, c.cfg.ListenerTimeout)
			err := ch.Check(cctx)
			cancel()
			if err != nil {
				status = StatusFailed
				if h.Errors == nil {
					h.Errors = make(map[string]string)
				}
				h.Errors[name] = err.Error()
			}
		}
		if status != StatusHealthy {
			bad++
		}
		h.Listeners[name] = status
	}

	switch {
	case !h.Running:
		h.Status = StatusFailed
	case len(listeners) > 0 && bad == len(listeners):
		h.Status = StatusFailed
	case bad > 0:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
	return h
}

// Close drains queued events and stops the worker. Listeners that own resources
// are closed afterwards.
func (c *Coordinator) Close() error {
	c.dispatcher.Close()

	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()

	var errs []error
	for _, l := range listeners {
		if cl, ok := l.(interface{ Close() error }); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
