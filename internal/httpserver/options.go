package httpserver

import (
	"net/http"
	"net/url"

	"github.com/admissiond/admissiond/internal/health"
	"github.com/admissiond/admissiond/internal/httpmw"
	"github.com/admissiond/admissiond/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()

	// Upstream is the origin every admitted request is proxied to.
	Upstream *url.URL

	// AdmissionMW enforces rate limits and abuse checks. Requests it denies
	// never reach the upstream.
	AdmissionMW func(http.Handler) http.Handler

	// IdentityMW resolves the authenticated principal from request headers.
	// Runs before AdmissionMW so per-user tiers see the identity.
	IdentityMW func(http.Handler) http.Handler

	MetricsMW    func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe
}
