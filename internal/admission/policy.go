package admission

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/admissiond/admissiond/internal/httpmw"
	"github.com/admissiond/admissiond/internal/identity"
	"github.com/admissiond/admissiond/internal/xerrors"
)

// ErrInvalidPolicy is returned by NewPolicy for out-of-range parameters.
// It is the only error in this package that should abort startup.
var ErrInvalidPolicy = xerrors.New("invalid rate limit policy")

// uaKeyPrefixLen bounds how much of the user-agent participates in the
// default key, so adversarial user-agent strings cannot inflate key
// cardinality.
const uaKeyPrefixLen = 50

// KeyFunc derives the counter key for a request.
type KeyFunc func(r *http.Request) string

// KeyStrategy picks which counter a request is charged against. It is a
// tagged variant rather than a bare function so a configured policy set
// stays inspectable in logs and tests.
type KeyStrategy struct {
	kind string
	fn   KeyFunc
}

// Kind returns the strategy's tag ("remote_addr", "user", "user_endpoint",
// or "custom").
func (s KeyStrategy) Kind() string { return s.kind }

// Key derives the counter key for r.
func (s KeyStrategy) Key(r *http.Request) string {
	if s.fn == nil {
		return defaultKey(r)
	}
	return s.fn(r)
}

// ByRemoteAddress keys on client address plus a bounded user-agent prefix.
// This is the default strategy and the anonymous fallback for the others.
func ByRemoteAddress() KeyStrategy {
	return KeyStrategy{kind: "remote_addr", fn: defaultKey}
}

// ByAuthenticatedUser keys on the authenticated identity, falling back to
// the default strategy for anonymous requests.
func ByAuthenticatedUser() KeyStrategy {
	return KeyStrategy{kind: "user", fn: func(r *http.Request) string {
		if p, ok := identity.FromContext(r.Context()); ok {
			return p.UserID
		}
		return defaultKey(r)
	}}
}

// ByUserAndEndpoint keys on identity plus the normalized request path, so
// per-endpoint policies count separately from the general per-user policy.
func ByUserAndEndpoint() KeyStrategy {
	return KeyStrategy{kind: "user_endpoint", fn: func(r *http.Request) string {
		uid := "anonymous"
		if p, ok := identity.FromContext(r.Context()); ok {
			uid = p.UserID
		}
		return uid + ":" + normalizePath(r.URL.Path)
	}}
}

// Custom wraps an explicit key function for strategies this package does not
// provide.
func Custom(fn KeyFunc) KeyStrategy {
	return KeyStrategy{kind: "custom", fn: fn}
}

// defaultKey combines the resolved client address with a truncated
// user-agent fingerprint.
func defaultKey(r *http.Request) string {
	addr := httpmw.ClientIPFromContext(r.Context())
	if addr == "" {
		addr = "unknown"
	}
	ua := r.UserAgent()
	if ua == "" {
		ua = "unknown"
	}
	if len(ua) > uaKeyPrefixLen {
		ua = ua[:uaKeyPrefixLen]
	}
	return addr + ":" + ua
}

// normalizePath cleans the request path so trivially different spellings of
// the same endpoint share one counter.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned != "/" {
		cleaned = strings.TrimSuffix(cleaned, "/")
	}
	return cleaned
}

// Policy is one immutable rate limit: a fixed window, a ceiling, a key
// strategy, and the message served on denial. Construct with NewPolicy;
// values are shared read-only across all concurrent evaluations.
type Policy struct {
	// Name labels the policy in metrics and audit events.
	Name string

	Window      time.Duration
	MaxRequests int
	Keys        KeyStrategy
	Message     string
}

// NewPolicy validates and builds a Policy. A ceiling below 1 or a
// non-positive window is a configuration error and must prevent startup.
func NewPolicy(name string, window time.Duration, maxRequests int, keys KeyStrategy, message string) (Policy, error) {
	if maxRequests < 1 {
		return Policy{}, xerrors.Wrapf(ErrInvalidPolicy, "policy %s: max requests %d (must be >= 1)", name, maxRequests)
	}
	if window <= 0 {
		return Policy{}, xerrors.Wrapf(ErrInvalidPolicy, "policy %s: window %s (must be positive)", name, window)
	}
	if message == "" {
		message = "Too many requests"
	}
	return Policy{
		Name:        name,
		Window:      window,
		MaxRequests: maxRequests,
		Keys:        keys,
		Message:     message,
	}, nil
}

// MustPolicy is NewPolicy for compiled-in defaults that cannot fail.
func MustPolicy(name string, window time.Duration, maxRequests int, keys KeyStrategy, message string) Policy {
	p, err := NewPolicy(name, window, maxRequests, keys, message)
	if err != nil {
		panic(err)
	}
	return p
}
