package admission

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/admissiond/admissiond/internal/abuse"
	"github.com/admissiond/admissiond/internal/httpmw"
	"github.com/admissiond/admissiond/internal/identity"
	"github.com/admissiond/admissiond/internal/log"
)

// Stable machine-readable rejection codes.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
)

// HistoryRecorder receives one entry per authenticated request after its
// response is written.
type HistoryRecorder interface {
	Record(abuse.Entry)
}

// Gate is the admission middleware: it composes the policy tiers for each
// request, charges them in order, runs the abuse detector behind an allow,
// and feeds the request history recorder.
type Gate struct {
	engine   *Engine
	composer *Composer
	detector *abuse.Detector
	recorder HistoryRecorder
	lg       log.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithDetector enables the suspicious-activity check for authenticated
// requests.
func WithDetector(d *abuse.Detector) GateOption {
	return func(g *Gate) { g.detector = d }
}

// WithHistoryRecorder enables request history recording.
func WithHistoryRecorder(r HistoryRecorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

// NewGate wires the engine and composer into a middleware.
func NewGate(engine *Engine, composer *Composer, lg log.Logger, opts ...GateOption) *Gate {
	g := &Gate{engine: engine, composer: composer, lg: lg}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Middleware returns the admission handler wrapper. Tier evaluation
// short-circuits: once a tier denies, later tiers are not charged, so a
// rejected request cannot inflate unrelated counters. Response headers
// always carry limit/remaining/reset from the deciding tier (the denying
// one, or the most specific allowing one).
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		sw := &admissionWriter{ResponseWriter: w}
		defer g.recordHistory(r, sw, now)

		var last Decision
		for _, p := range g.composer.PoliciesFor(r) {
			d := g.engine.Check(r, p, now)
			if !d.Allowed {
				writeLimitHeaders(sw, d)
				writeDenied(sw, http.StatusTooManyRequests, p.Message, CodeRateLimitExceeded, d.RetryAfterSeconds)
				return
			}
			last = d
		}
		writeLimitHeaders(sw, last)

		if g.detector != nil {
			if p, ok := identity.FromContext(r.Context()); ok {
				if v := g.detector.Assess(r.Context(), p.UserID, now); v.Blocked {
					retry := int(v.RetryAfter / time.Second)
					writeDenied(sw, http.StatusTooManyRequests,
						"Suspicious activity detected. Please try again later.",
						CodeSuspiciousActivity, retry)
					return
				}
			}
		}

		next.ServeHTTP(sw, r)
	})
}

// recordHistory appends the finished request to the history log. Anonymous
// requests carry no identity to correlate by and are skipped inside Record.
func (g *Gate) recordHistory(r *http.Request, sw *admissionWriter, now time.Time) {
	if g.recorder == nil {
		return
	}
	uid := ""
	if p, ok := identity.FromContext(r.Context()); ok {
		uid = p.UserID
	}
	g.recorder.Record(abuse.Entry{
		Identity:   uid,
		SourceAddr: httpmw.ClientIPFromContext(r.Context()),
		UserAgent:  r.UserAgent(),
		At:         now,
		Failed:     sw.Status() >= http.StatusBadRequest,
	})
}

func writeLimitHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(unixCeil(d.ResetAt), 10))
}

// unixCeil rounds the reset timestamp up to whole seconds, matching the
// header contract clients already parse.
func unixCeil(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

type deniedBody struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter"`
}

func writeDenied(w http.ResponseWriter, status int, message, code string, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(deniedBody{
		Error:      message,
		Code:       code,
		RetryAfter: retryAfter,
	})
}

// admissionWriter captures the response status for history recording.
type admissionWriter struct {
	http.ResponseWriter
	status int
}

func (w *admissionWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *admissionWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *admissionWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// support Flush if the underlying writer does; the proxied upstream may
// stream its response.
func (w *admissionWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// support Hijack (websockets, etc).
func (w *admissionWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (w *admissionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
