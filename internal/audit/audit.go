// Package audit is the fire-and-forget event trail for admission decisions.
//
// Rate-limit exceedances, suspicious-activity blocks, and limiter-internal
// faults are emitted as structured events. Emit never blocks and never
// returns an error: events are queued to a bounded channel and drained by a
// background goroutine, and anything that cannot be queued is counted and
// dropped. A sink failure must never abort or slow the request path.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/admissiond/admissiond/internal/log"
)

// Event types emitted by the admission path.
const (
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventSuspiciousActivity = "suspicious_activity_detected"
	EventStoreUnavailable   = "store_unavailable"
	EventHistoryLookupFail  = "history_lookup_failed"
)

// Event is one audit record.
type Event struct {
	Type   string         `json:"event_type"`
	At     time.Time      `json:"timestamp"`
	Fields map[string]any `json:"event_data,omitempty"`
}

// Sink accepts events. Implementations must be safe for concurrent use and
// must not block the caller.
type Sink interface {
	Emit(Event)
}

// Writer persists drained event batches. Errors are logged and swallowed by
// the async sink; a writer is never retried within a batch.
type Writer interface {
	WriteEvents(ctx context.Context, events []Event) error
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

// Async is the production sink: bounded queue, background drain, optional
// per-second event cap so an abuse storm cannot flood the writer.
type Async struct {
	queue   chan Event
	limiter *rate.Limiter
	writers []Writer
	lg      log.Logger

	flushEvery time.Duration
	batchSize  int

	dropped atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// AsyncOption configures an Async sink.
type AsyncOption func(*Async)

// WithQueueSize bounds the number of events waiting to be drained.
func WithQueueSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queue = make(chan Event, n)
		}
	}
}

// WithEventRate caps accepted events per second with the given burst.
// Events over the cap are dropped, not queued.
func WithEventRate(perSecond float64, burst int) AsyncOption {
	return func(a *Async) { a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithFlushInterval controls how long a partial batch may sit before being
// written out.
func WithFlushInterval(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.flushEvery = d
		}
	}
}

// WithBatchSize sets the max events per writer call.
func WithBatchSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// NewAsync creates the sink and starts its drain goroutine. The goroutine
// exits when ctx is cancelled or Close is called; Close also flushes the
// final partial batch.
func NewAsync(ctx context.Context, lg log.Logger, writers []Writer, opts ...AsyncOption) *Async {
	a := &Async{
		queue:      make(chan Event, 1024),
		limiter:    rate.NewLimiter(rate.Limit(100), 200),
		writers:    writers,
		lg:         lg,
		flushEvery: 5 * time.Second,
		batchSize:  64,
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.drain(ctx)
	return a
}

// Emit queues an event. Non-blocking: if the queue is full or the event rate
// cap is exceeded, the event is dropped and counted.
func (a *Async) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if a.limiter != nil && !a.limiter.Allow() {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded so far.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops the drain goroutine after flushing queued events. Safe to call
// more than once. Events queued after the drain goroutine already exited on
// context cancellation are still flushed here, so Close always means written.
func (a *Async) Close() {
	a.stopOnce.Do(func() { close(a.stopped) })
	<-a.done
	a.flushQueue()
}

// flushQueue synchronously writes whatever is still queued.
func (a *Async) flushQueue() {
	batch := make([]Event, 0, a.batchSize)
	for {
		select {
		case e := <-a.queue:
			batch = append(batch, e)
			if len(batch) >= a.batchSize {
				a.write(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				a.write(batch)
			}
			return
		}
	}
}

func (a *Async) drain(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-a.stopped:
			// partial batch only; Close takes whatever is still queued
			flush()
			return
		case e := <-a.queue:
			batch = append(batch, e)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write hands the batch to every writer. Writer errors are logged and
// swallowed here; this is the boundary past which failures must not travel.
func (a *Async) write(batch []Event) {
	// bounded so a hung writer cannot stall the drain loop forever
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cp := make([]Event, len(batch))
	copy(cp, batch)
	for _, w := range a.writers {
		if err := w.WriteEvents(ctx, cp); err != nil && a.lg != nil {
			a.lg.Warn(ctx, "audit writer failed", "events", len(cp), "error", err)
		}
	}
}

// LogWriter writes events to the structured log, for deployments without an
// external archive.
type LogWriter struct {
	Logger log.Logger
}

func (w LogWriter) WriteEvents(ctx context.Context, events []Event) error {
	for _, e := range events {
		w.Logger.Info(ctx, "audit event",
			"event_type", e.Type,
			"event_at", e.At,
			"event_data", e.Fields,
		)
	}
	return nil
}
