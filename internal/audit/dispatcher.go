package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	BufferSize int
	DropIfFull bool
}

// Dispatcher asynchronously forwards events of type E to a handler.
type Dispatcher[E any] struct {
	cfg       Config
	handle    func(E)
	ch        chan E
	done      chan struct{}
	wg        sync.WaitGroup
	enqueued  atomic.Uint64
	handled   atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the worker. A nil handler discards events.
func NewDispatcher[E any](cfg Config, handle func(E)) *Dispatcher[E] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if handle == nil {
		handle = func(E) {}
	}

	d := &Dispatcher[E]{
		cfg:    cfg,
		handle: handle,
		ch:     make(chan E, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher[E]) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher[E]) deliver(event E) {
	d.handle(event)
	d.handled.Add(1)
}

// Emit queues event and reports whether it was accepted.
func (d *Dispatcher[E]) Emit(ctx context.Context, event E) bool {
	if d == nil || d.closed.Load() {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
			d.enqueued.Add(1)
			return true
		case <-d.done:
			return false
		default:
			d.dropped.Add(1)
			return false
		}
	}

	select {
	case d.ch <- event:
		d.enqueued.Add(1)
		return true
	case <-ctx.Done():
		d.dropped.Add(1)
		return false
	case <-d.done:
		return false
	}
}

// Close stops accepting events, drains what is queued and waits for the worker.
func (d *Dispatcher[E]) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Running reports whether the dispatcher still accepts events.
func (d *Dispatcher[E]) Running() bool {
	return d != nil && !d.closed.Load()
}

func (d *Dispatcher[E]) Enqueued() uint64 {
	if d == nil {
		return 0
	}
	return d.enqueued.Load()
}

func (d *Dispatcher[E]) Handled() uint64 {
	if d == nil {
		return 0
	}
	return d.handled.Load()
}

func (d *Dispatcher[E]) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Pending is the number of queued, unhandled events.
func (d *Dispatcher[E]) Pending() int {
	if d == nil {
		return 0
	}
	return len(d.ch)
}
