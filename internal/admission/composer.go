package admission

import (
	"net/http"
	"strings"
	"time"

	"github.com/admissiond/admissiond/internal/httpmw"
	"github.com/admissiond/admissiond/internal/identity"
	"github.com/admissiond/admissiond/internal/xerrors"
)

// Limits holds every tunable ceiling and window the composer uses. The zero
// value is invalid; start from DefaultLimits and override selectively (the
// SSM overrides loader works the same way).
type Limits struct {
	GlobalWindow time.Duration
	GlobalMax    int

	UserWindow time.Duration
	UserMax    int

	SensitiveWindow time.Duration
	SensitiveMax    int

	AdminWindow time.Duration
	AdminMax    int

	UploadWindow time.Duration
	UploadMax    int

	AIWindow     time.Duration
	AIPremiumMax int
	AIFreeMax    int
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{
		GlobalWindow: 15 * time.Minute,
		GlobalMax:    10000,

		UserWindow: 15 * time.Minute,
		UserMax:    1000,

		SensitiveWindow: time.Minute,
		SensitiveMax:    10,

		AdminWindow: time.Minute,
		AdminMax:    100,

		UploadWindow: time.Minute,
		UploadMax:    5,

		AIWindow:     time.Hour,
		AIPremiumMax: 1000,
		AIFreeMax:    50,
	}
}

// Routes classifies request paths into the operation classes that carry
// extra policies. Paths are compared after normalization; prefixes match
// whole path segments.
type Routes struct {
	// Sensitive lists exact paths for credential refresh, account deletion
	// and similar operations.
	Sensitive []string
	// AdminPrefixes lists path prefixes for operator endpoints.
	AdminPrefixes []string
	// Uploads lists exact upload endpoints.
	Uploads []string
	// AIPrefixes lists path prefixes for resource-intensive inference
	// endpoints whose ceiling depends on subscription tier.
	AIPrefixes []string
}

// DefaultRoutes matches the served API surface.
func DefaultRoutes() Routes {
	return Routes{
		Sensitive:     []string{"/api/auth/refresh", "/api/auth/account"},
		AdminPrefixes: []string{"/api/admin"},
		Uploads:       []string{"/api/uploads"},
		AIPrefixes:    []string{"/api/ai"},
	}
}

// Composer derives the ordered set of policies a request must pass. All
// tiers must allow; evaluation order is coarse to fine so the caller can
// short-circuit on the first denial without charging later tiers.
type Composer struct {
	routes Routes

	global    Policy
	user      Policy
	sensitive Policy
	admin     Policy
	upload    Policy

	aiWindow     time.Duration
	aiPremiumMax int
	aiFreeMax    int
}

// NewComposer validates every configured tier up front; a bad ceiling or
// window is a startup failure, not something to discover per request.
func NewComposer(limits Limits, routes Routes) (*Composer, error) {
	c := &Composer{
		routes:       routes,
		aiWindow:     limits.AIWindow,
		aiPremiumMax: limits.AIPremiumMax,
		aiFreeMax:    limits.AIFreeMax,
	}

	var err error
	c.global, err = NewPolicy("global_ip", limits.GlobalWindow, limits.GlobalMax,
		Custom(clientAddrKey), "Global rate limit exceeded")
	if err != nil {
		return nil, err
	}
	c.user, err = NewPolicy("user", limits.UserWindow, limits.UserMax,
		ByAuthenticatedUser(), "User rate limit exceeded")
	if err != nil {
		return nil, err
	}
	c.sensitive, err = NewPolicy("sensitive_op", limits.SensitiveWindow, limits.SensitiveMax,
		ByUserAndEndpoint(), "Strict rate limit exceeded")
	if err != nil {
		return nil, err
	}
	c.admin, err = NewPolicy("admin_op", limits.AdminWindow, limits.AdminMax,
		ByUserAndEndpoint(), "Admin API rate limit exceeded")
	if err != nil {
		return nil, err
	}
	c.upload, err = NewPolicy("upload", limits.UploadWindow, limits.UploadMax,
		ByUserAndEndpoint(), "Upload rate limit exceeded")
	if err != nil {
		return nil, err
	}

	// validate both AI ceilings now; the per-request policy construction
	// below can then use MustPolicy
	if _, err := NewPolicy("ai_premium", limits.AIWindow, limits.AIPremiumMax,
		ByAuthenticatedUser(), ""); err != nil {
		return nil, err
	}
	if _, err := NewPolicy("ai_free", limits.AIWindow, limits.AIFreeMax,
		ByAuthenticatedUser(), ""); err != nil {
		return nil, err
	}
	if limits.AIPremiumMax < limits.AIFreeMax {
		return nil, xerrors.Wrapf(ErrInvalidPolicy,
			"ai premium ceiling %d below free ceiling %d", limits.AIPremiumMax, limits.AIFreeMax)
	}

	return c, nil
}

// clientAddrKey keys the global tier on address alone. Coarse volumetric
// protection must not let user-agent rotation split one address across
// counters.
func clientAddrKey(r *http.Request) string {
	if addr := httpmw.ClientIPFromContext(r.Context()); addr != "" {
		return addr
	}
	return "unknown"
}

// PoliciesFor returns the tiers r must pass, coarse first. The slice is
// freshly allocated per call; the Policy values inside are shared and
// read-only.
func (c *Composer) PoliciesFor(r *http.Request) []Policy {
	p := normalizePath(r.URL.Path)
	out := make([]Policy, 0, 4)
	out = append(out, c.global, c.user)

	switch {
	case containsPath(c.routes.Sensitive, p):
		out = append(out, c.sensitive)
	case hasPrefixPath(c.routes.AdminPrefixes, p):
		out = append(out, c.admin)
	case containsPath(c.routes.Uploads, p):
		out = append(out, c.upload)
	}

	if hasPrefixPath(c.routes.AIPrefixes, p) {
		out = append(out, c.aiPolicy(r))
	}
	return out
}

// aiPolicy builds the tier-dependent inference policy for this request. The
// ceiling depends on the caller's runtime subscription tier, so the policy
// value is constructed per evaluation; the counter key stays per-identity
// either way, so a tier change mid-window keeps charging the same counter.
func (c *Composer) aiPolicy(r *http.Request) Policy {
	max := c.aiFreeMax
	name := "ai_free"
	msg := "AI API rate limit exceeded (Free tier)"
	if p, ok := identity.FromContext(r.Context()); ok && p.Premium() {
		max = c.aiPremiumMax
		name = "ai_premium"
		msg = "AI API rate limit exceeded (Premium)"
	}
	return MustPolicy(name, c.aiWindow, max, ByAuthenticatedUser(), msg)
}

func containsPath(set []string, p string) bool {
	for _, s := range set {
		if normalizePath(s) == p {
			return true
		}
	}
	return false
}

func hasPrefixPath(prefixes []string, p string) bool {
	for _, pre := range prefixes {
		pre = normalizePath(pre)
		if p == pre || strings.HasPrefix(p, pre+"/") {
			return true
		}
	}
	return false
}
