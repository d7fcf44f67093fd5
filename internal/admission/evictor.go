package admission

import (
	"context"
	"sync"
	"time"

	"github.com/admissiond/admissiond/internal/log"
)

// Evictor periodically removes expired windows from a store so memory stays
// bounded by the number of keys active within roughly one window plus grace.
//
// The sweep shares the store's per-shard locking, so it composes with
// concurrent evaluations without a stop-the-world pause. The handle is owned
// by the server lifecycle: Start and Stop are idempotent, Stop before Start
// is a no-op, and Stop never leaks the timer goroutine.
type Evictor struct {
	store  *WindowStore
	period time.Duration
	grace  time.Duration
	lg     log.Logger

	// OnSweep is called after each sweep with the removed and remaining
	// entry counts, used for metrics.
	OnSweep func(removed, remaining int)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// EvictorOption configures an Evictor.
type EvictorOption func(*Evictor)

// WithPeriod sets the sweep interval.
func WithPeriod(d time.Duration) EvictorOption {
	return func(e *Evictor) {
		if d > 0 {
			e.period = d
		}
	}
}

// WithGrace sets how long past its reset an idle window is kept. The grace
// keeps a just-rolled-over window's diagnostics around briefly.
func WithGrace(d time.Duration) EvictorOption {
	return func(e *Evictor) {
		if d >= 0 {
			e.grace = d
		}
	}
}

// WithOnSweep sets the post-sweep callback.
func WithOnSweep(fn func(removed, remaining int)) EvictorOption {
	return func(e *Evictor) { e.OnSweep = fn }
}

// NewEvictor creates a stopped evictor for the given store.
func NewEvictor(store *WindowStore, lg log.Logger, opts ...EvictorOption) *Evictor {
	e := &Evictor{
		store:  store,
		period: 5 * time.Minute,
		grace:  time.Minute,
		lg:     lg,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the sweep goroutine. Calling Start on a running evictor is
// a no-op.
func (e *Evictor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.stop, e.done)
}

// Stop halts the sweep goroutine and waits for it to exit. Stopping twice,
// or stopping a never-started evictor, does nothing.
func (e *Evictor) Stop() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (e *Evictor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

func (e *Evictor) sweep(now time.Time) {
	removed := e.store.Evict(now, e.grace)
	remaining := e.store.Len()
	if removed > 0 {
		e.lg.Debug(context.Background(), "evicted expired rate limit windows",
			"removed", removed,
			"remaining", remaining,
		)
	}
	if e.OnSweep != nil {
		e.OnSweep(removed, remaining)
	}
}
