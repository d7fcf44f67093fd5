// Package identity carries the authenticated principal for a request.
//
// Authentication itself happens upstream (API gateway / auth proxy); this
// package only extracts the already-verified identity headers and makes the
// principal available through the request context. No identity means the
// request is anonymous and admission falls back to address-based keys.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Tier is the caller's subscription tier, used for tier-dependent ceilings.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Principal is a stable authenticated identity plus its subscription tier.
type Principal struct {
	UserID string
	Tier   Tier
}

// Premium reports whether the principal is on the premium tier.
func (p Principal) Premium() bool { return p.Tier == TierPremium }

type principalKey struct{}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if p.UserID == "" {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// HeaderOptions configures which headers the middleware trusts.
type HeaderOptions struct {
	// UserHeader names the header carrying the verified user id.
	UserHeader string
	// TierHeader names the header carrying the subscription tier.
	TierHeader string
}

// FromHeaders returns middleware that reads the upstream auth headers and
// stores a Principal in the request context. The headers must only be
// reachable through a proxy that strips client-supplied values; the server
// wiring pairs this with the client-ip trust configuration.
func FromHeaders(opts HeaderOptions) func(http.Handler) http.Handler {
	userHeader := opts.UserHeader
	if userHeader == "" {
		userHeader = "X-Auth-User"
	}
	tierHeader := opts.TierHeader
	if tierHeader == "" {
		tierHeader = "X-Auth-Tier"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid := strings.TrimSpace(r.Header.Get(userHeader))
			if uid == "" {
				next.ServeHTTP(w, r)
				return
			}
			p := Principal{UserID: uid, Tier: parseTier(r.Header.Get(tierHeader))}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// parseTier normalizes the tier header value. Unknown values map to free so
// a bad header can only ever lower a caller's ceiling.
func parseTier(s string) Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(TierPremium)) {
		return TierPremium
	}
	return TierFree
}
