package httpserver

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/admissiond/admissiond/internal/log"
)

// NewReverseProxy forwards admitted requests to the upstream origin.
// Upstream failures surface as 502 so callers can tell gateway denials
// (429) apart from origin trouble.
func NewReverseProxy(upstream *url.URL, L log.Logger) http.Handler {
	p := httputil.NewSingleHostReverseProxy(upstream)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		L.Error(r.Context(), err, "upstream proxy error",
			"upstream", upstream.Host,
			"method", r.Method,
			"path", r.URL.Path,
		)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return p
}
