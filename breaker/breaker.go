// Package breaker tracks failures per named dependency and exposes whether callers
// should treat that dependency as unavailable.
//
// A circuit moves Closed → Open once Threshold failures land inside the trailing
// Window. It stays Open until the window has elapsed since the last failure and a
// success is recorded, at which point it passes through HalfOpen and closes.
// Degraded mode is never stored: callers derive it from [Breaker.IsOpen].
package breaker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Dependency names shared by the session manager, validators and health reporting.
const (
	DepCache   = "cache"
	DepDurable = "durable"
)

const (
	defaultThreshold = 5
	defaultWindow    = 60 * time.Second
)

// Phase is the lifecycle position of one circuit.
type Phase uint8

const (
	Closed Phase = iota
	Open
	HalfOpen
)

func (p Phase) String() string {
	switch p {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot of one circuit.
type State struct {
	Dependency          string    `json:"dependency"`
	Phase               string    `json:"state"`
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowStart         time.Time `json:"window_start,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Config tunes a [Breaker]. Zero values select the defaults (5 failures in 60s).
type Config struct {
	Threshold int
	Window    time.Duration

	// OnStateChange is called after a transition, outside any lock.
	OnStateChange func(dependency string, from, to Phase)

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Breaker is a set of independent circuits keyed by dependency name.
// It is safe for concurrent use; IsOpen never takes a lock.
type Breaker struct {
	threshold int
	window    time.Duration
	onChange  func(string, Phase, Phase)
	now       func() time.Time

	circuits sync.Map // string -> *circuit
}

type circuit struct {
	open atomic.Bool

	mu       sync.Mutex
	phase    Phase
	failures []time.Time
	openedAt time.Time
}

type transition struct {
	from, to Phase
}

// New returns a [Breaker] with cfg applied over the defaults.
func New(cfg Config) *Breaker {
	b := &Breaker{
		threshold: cfg.Threshold,
		window:    cfg.Window,
		onChange:  cfg.OnStateChange,
		now:       cfg.Now,
	}
	if b.threshold <= 0 {
		b.threshold = defaultThreshold
	}
	if b.window <= 0 {
		b.window = defaultWindow
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Breaker) circuit(dep string) *circuit {
	if c, ok := b.circuits.Load(dep); ok {
		return c.(*circuit)
	}
	c, _ := b.circuits.LoadOrStore(dep, &circuit{})
	return c.(*circuit)
}

// RecordFailure appends a failure for dep and opens the circuit once the trailing
// window holds Threshold failures. A failure while open restarts the open window.
func (b *Breaker) RecordFailure(dep string) {
	c := b.circuit(dep)
	now := b.now()

	var changes []transition
	c.mu.Lock()
	c.failures = pruneBefore(c.failures, now.Add(-b.window))
	c.failures = append(c.failures, now)
	switch c.phase {
	case Closed:
		if len(c.failures) >= b.threshold {
			changes = append(changes, transition{Closed, Open})
			c.phase = Open
			c.openedAt = now
			c.open.Store(true)
		}
	case Open:
		c.openedAt = now
	}
	c.mu.Unlock()

	b.notify(dep, changes)
}

// RecordSuccess clears the failure list for dep. An open circuit closes only when
// the window has elapsed since it last saw a failure.
func (b *Breaker) RecordSuccess(dep string) {
	c := b.circuit(dep)
	now := b.now()

	var changes []transition
	c.mu.Lock()
	c.failures = c.failures[:0]
	if c.phase == Open && !now.Before(c.openedAt.Add(b.window)) {
		changes = append(changes, transition{Open, HalfOpen}, transition{HalfOpen, Closed})
		c.phase = Closed
		c.openedAt = time.Time{}
		c.open.Store(false)
	}
	c.mu.Unlock()

	b.notify(dep, changes)
}

// IsOpen reports whether dep's circuit is open. It has no side effects.
func (b *Breaker) IsOpen(dep string) bool {
	c, ok := b.circuits.Load(dep)
	if !ok {
		return false
	}
	return c.(*circuit).open.Load()
}

// AllowProbe reports whether a caller may try dep: always while closed, and once
// the open window has elapsed so that a success can close the circuit.
func (b *Breaker) AllowProbe(dep string) bool {
	c, ok := b.circuits.Load(dep)
	if !ok {
		return true
	}
	cc := c.(*circuit)
	if !cc.open.Load() {
		return true
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return !b.now().Before(cc.openedAt.Add(b.window))
}

// State returns the snapshot for dep. An open circuit whose window has elapsed is
// reported as half-open.
func (b *Breaker) State(dep string) State {
	c, ok := b.circuits.Load(dep)
	if !ok {
		return State{Dependency: dep, Phase: Closed.String()}
	}
	return b.snapshot(dep, c.(*circuit))
}

// Status returns a snapshot of every circuit that has recorded anything.
func (b *Breaker) Status() map[string]State {
	out := make(map[string]State)
	b.circuits.Range(func(key, value any) bool {
		dep := key.(string)
		out[dep] = b.snapshot(dep, value.(*circuit))
		return true
	})
	return out
}

// Dependencies lists known dependency names in sorted order.
func (b *Breaker) Dependencies() []string {
	var deps []string
	b.circuits.Range(func(key, _ any) bool {
		deps = append(deps, key.(string))
		return true
	})
	sort.Strings(deps)
	return deps
}

// Reset forces dep back to closed with no recorded failures.
func (b *Breaker) Reset(dep string) {
	c := b.circuit(dep)

	var changes []transition
	c.mu.Lock()
	if c.phase != Closed {
		changes = append(changes, transition{c.phase, Closed})
	}
	c.phase = Closed
	c.failures = nil
	c.openedAt = time.Time{}
	c.open.Store(false)
	c.mu.Unlock()

	b.notify(dep, changes)
}

// Threshold returns the configured failure threshold.
func (b *Breaker) Threshold() int { return b.threshold }

// Window returns the configured sliding window.
func (b *Breaker) Window() time.Duration { return b.window }

func (b *Breaker) snapshot(dep string, c *circuit) State {
	now := b.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	phase := c.phase
	if phase == Open && !now.Before(c.openedAt.Add(b.window)) {
		phase = HalfOpen
	}
	live := pruneBefore(append([]time.Time(nil), c.failures...), now.Add(-b.window))

	st := State{
		Dependency:          dep,
		Phase:               phase.String(),
		Open:                c.phase == Open,
		ConsecutiveFailures: len(live),
		OpenedAt:            c.openedAt,
	}
	if len(live) > 0 {
		st.WindowStart = live[0]
	}
	return st
}

func (b *Breaker) notify(dep string, changes []transition) {
	if b.onChange == nil {
		return
	}
	for _, t := range changes {
		b.onChange(dep, t.from, t.to)
	}
}

// pruneBefore drops timestamps older than cutoff, reusing the slice.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	n := copy(ts, ts[i:])
	return ts[:n]
}
