// Package abuse is the secondary heuristic check behind the rate limiter.
//
// It inspects a trailing window of request history for one identity and
// raises a temporary block when at least two independent indicators fire.
// The majority rule keeps a single shared NAT address or an odd user-agent
// from blocking anyone on its own. The check is advisory: it only runs after
// the policy tiers have already allowed the request, it is skipped for
// anonymous traffic, and any trouble reading history fails open.
package abuse

import (
	"context"
	"regexp"
	"time"

	"github.com/admissiond/admissiond/internal/audit"
	"github.com/admissiond/admissiond/internal/log"
)

// Entry is one observed request, read-only here. Owned by the history log
// collaborator; the detector never mutates entries.
type Entry struct {
	Identity   string
	SourceAddr string
	UserAgent  string
	At         time.Time
	Failed     bool
}

// HistoryProvider supplies the trailing request history for an identity.
// Implementations may do I/O; the detector bounds each call with its fetch
// timeout.
type HistoryProvider interface {
	Recent(ctx context.Context, identity string, since time.Time) ([]Entry, error)
}

// Indicators are the per-evaluation suspicion flags. Computed fresh each
// time, never persisted.
type Indicators struct {
	RapidRequests       bool
	MultipleSourceAddrs bool
	UnusualUserAgent    bool
	RepeatedFailures    bool
}

// Count returns how many indicators fired.
func (in Indicators) Count() int {
	n := 0
	for _, b := range []bool{in.RapidRequests, in.MultipleSourceAddrs, in.UnusualUserAgent, in.RepeatedFailures} {
		if b {
			n++
		}
	}
	return n
}

// Verdict is the outcome of one assessment.
type Verdict struct {
	Blocked    bool
	RetryAfter time.Duration
	Indicators Indicators
}

// automationUA matches user-agents of well-known automation tooling.
var automationUA = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|curl|wget|python|java|postman|insomnia`)

// Detector thresholds, overridable through options.
const (
	defaultWindow         = time.Minute
	defaultCoolDown       = 5 * time.Minute
	defaultFetchTimeout   = 2 * time.Second
	defaultRapidThreshold = 50
	defaultAddrThreshold  = 3
	defaultFailThreshold  = 10
)

// Detector evaluates one identity's recent behavior.
type Detector struct {
	history HistoryProvider
	sink    audit.Sink
	lg      log.Logger

	window       time.Duration
	coolDown     time.Duration
	fetchTimeout time.Duration

	rapidThreshold int
	addrThreshold  int
	failThreshold  int

	// OnBlocked is called with the identity whenever an assessment blocks,
	// used for metrics.
	OnBlocked func(identity string)
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow sets the trailing history window.
func WithWindow(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.window = d
		}
	}
}

// WithCoolDown sets the retry-after returned on block.
func WithCoolDown(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.coolDown = d
		}
	}
}

// WithFetchTimeout bounds the history lookup. Must stay well under the
// request-handling deadline; on expiry the check fails open.
func WithFetchTimeout(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.fetchTimeout = d
		}
	}
}

// WithThresholds overrides the indicator thresholds: entries in window,
// distinct source addresses, failed entries.
func WithThresholds(rapid, addrs, failures int) Option {
	return func(det *Detector) {
		if rapid > 0 {
			det.rapidThreshold = rapid
		}
		if addrs > 0 {
			det.addrThreshold = addrs
		}
		if failures > 0 {
			det.failThreshold = failures
		}
	}
}

// WithOnBlocked sets the block callback.
func WithOnBlocked(fn func(identity string)) Option {
	return func(det *Detector) { det.OnBlocked = fn }
}

// NewDetector creates a detector reading from the given history provider.
func NewDetector(history HistoryProvider, sink audit.Sink, lg log.Logger, opts ...Option) *Detector {
	d := &Detector{
		history:        history,
		sink:           sink,
		lg:             lg,
		window:         defaultWindow,
		coolDown:       defaultCoolDown,
		fetchTimeout:   defaultFetchTimeout,
		rapidThreshold: defaultRapidThreshold,
		addrThreshold:  defaultAddrThreshold,
		failThreshold:  defaultFailThreshold,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Assess computes the indicators for identity over the trailing window and
// decides whether to block. A history lookup failure is treated as "not
// suspicious": warned, audited, never propagated.
func (d *Detector) Assess(ctx context.Context, identity string, now time.Time) Verdict {
	if identity == "" {
		return Verdict{}
	}

	fctx, cancel := context.WithTimeout(ctx, d.fetchTimeout)
	defer cancel()

	entries, err := d.history.Recent(fctx, identity, now.Add(-d.window))
	if err != nil {
		d.lg.Warn(ctx, "request history unavailable, skipping abuse check",
			"identity", identity,
			"error", err,
		)
		d.sink.Emit(audit.Event{
			Type: audit.EventHistoryLookupFail,
			At:   now,
			Fields: map[string]any{
				"identity": identity,
				"error":    err.Error(),
			},
		})
		return Verdict{}
	}

	in := computeIndicators(entries, d.rapidThreshold, d.addrThreshold, d.failThreshold)
	if in.Count() < 2 {
		return Verdict{Indicators: in}
	}

	d.lg.Warn(ctx, "suspicious activity detected",
		"identity", identity,
		"rapid_requests", in.RapidRequests,
		"multiple_source_addrs", in.MultipleSourceAddrs,
		"unusual_user_agent", in.UnusualUserAgent,
		"repeated_failures", in.RepeatedFailures,
		"recent_requests", len(entries),
	)
	d.sink.Emit(audit.Event{
		Type: audit.EventSuspiciousActivity,
		At:   now,
		Fields: map[string]any{
			"identity": identity,
			"indicators": map[string]bool{
				"rapid_requests":        in.RapidRequests,
				"multiple_source_addrs": in.MultipleSourceAddrs,
				"unusual_user_agent":    in.UnusualUserAgent,
				"repeated_failures":     in.RepeatedFailures,
			},
			"indicator_count":      in.Count(),
			"recent_request_count": len(entries),
		},
	})
	if d.OnBlocked != nil {
		d.OnBlocked(identity)
	}

	return Verdict{Blocked: true, RetryAfter: d.coolDown, Indicators: in}
}

// computeIndicators folds the window of entries into the four flags. The
// user-agent check looks at the most recent entry only; the rest are counts
// over the whole window.
func computeIndicators(entries []Entry, rapid, addrs, failures int) Indicators {
	var in Indicators
	in.RapidRequests = len(entries) > rapid

	distinct := make(map[string]struct{}, 4)
	failed := 0
	var latest *Entry
	for i := range entries {
		e := &entries[i]
		distinct[e.SourceAddr] = struct{}{}
		if e.Failed {
			failed++
		}
		if latest == nil || e.At.After(latest.At) {
			latest = e
		}
	}
	in.MultipleSourceAddrs = len(distinct) > addrs
	in.RepeatedFailures = failed > failures
	if latest != nil {
		in.UnusualUserAgent = automationUA.MatchString(latest.UserAgent)
	}
	return in
}
