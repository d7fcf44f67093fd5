package admission

import (
	"net/http"
	"time"

	"github.com/admissiond/admissiond/internal/audit"
	"github.com/admissiond/admissiond/internal/httpmw"
	"github.com/admissiond/admissiond/internal/log"
)

// Engine evaluates requests against policies. It is a thin layer over the
// store: derive the key, charge the counter, and convert store faults into
// fail-open decisions so a limiter-internal problem never rejects traffic.
type Engine struct {
	store *WindowStore
	sink  audit.Sink
	lg    log.Logger

	// OnDenied is called with the policy name on every denied request,
	// used for incrementing prometheus counters.
	OnDenied func(policy string)

	// OnFailOpen is called with the policy name whenever a store fault is
	// converted into an allow.
	OnFailOpen func(policy string)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithOnDenied sets the per-denial callback.
func WithOnDenied(fn func(policy string)) EngineOption {
	return func(e *Engine) { e.OnDenied = fn }
}

// WithOnFailOpen sets the fail-open callback.
func WithOnFailOpen(fn func(policy string)) EngineOption {
	return func(e *Engine) { e.OnFailOpen = fn }
}

// NewEngine creates an engine over the given store. The sink and logger may
// be nil'd out with audit.Nop()/log.Nop() in tests.
func NewEngine(store *WindowStore, sink audit.Sink, lg log.Logger, opts ...EngineOption) *Engine {
	e := &Engine{store: store, sink: sink, lg: lg}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Check charges r against p and returns the decision. A denied decision is
// control flow, not a failure: it is audited and counted, never logged at
// error severity. A store fault is the opposite: logged loudly, audited,
// and converted into an allow, because blocking all traffic on a local
// cache fault is worse than briefly disabling the limiter.
func (e *Engine) Check(r *http.Request, p Policy, now time.Time) Decision {
	ctx := r.Context()
	key := p.Keys.Key(r)

	d, err := e.store.Evaluate(key, p, now)
	if err != nil {
		e.lg.Error(ctx, err, "rate limit store unavailable, failing open",
			"policy", p.Name,
			"key_strategy", p.Keys.Kind(),
		)
		e.sink.Emit(audit.Event{
			Type: audit.EventStoreUnavailable,
			At:   now,
			Fields: map[string]any{
				"policy": p.Name,
				"error":  err.Error(),
			},
		})
		if e.OnFailOpen != nil {
			e.OnFailOpen(p.Name)
		}
		return Decision{
			Allowed:   true,
			Limit:     p.MaxRequests,
			Remaining: p.MaxRequests,
			ResetAt:   now.Add(p.Window),
		}
	}

	if !d.Allowed {
		e.lg.Debug(ctx, "rate limit exceeded",
			"policy", p.Name,
			"limit", d.Limit,
			"retry_after_s", d.RetryAfterSeconds,
		)
		e.sink.Emit(audit.Event{
			Type: audit.EventRateLimitExceeded,
			At:   now,
			Fields: map[string]any{
				"policy":       p.Name,
				"key":          key,
				"max_requests": p.MaxRequests,
				"window_ms":    p.Window.Milliseconds(),
				"ip":           httpmw.ClientIPFromContext(ctx),
				"user_agent":   r.UserAgent(),
				"endpoint":     r.URL.Path,
			},
		})
		if e.OnDenied != nil {
			e.OnDenied(p.Name)
		}
	}

	return d
}

// Store exposes the underlying store for the evictor and ops probes.
func (e *Engine) Store() *WindowStore { return e.store }
