package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/admissiond/admissiond/internal/log"
)

// App is the full runtime configuration. Populate with Register +
// FillFromEnv, then Validate before anything else starts.
type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	UpstreamURL string
	TrustedHops int

	AuthUserHeader string
	AuthTierHeader string

	StoreMaxKeys  int
	EvictInterval time.Duration
	EvictGrace    time.Duration

	EnableDetector  bool
	DetectorWindow  time.Duration
	DetectorTimeout time.Duration

	PolicySSMParam string

	AuditS3Bucket     string
	AuditS3Prefix     string
	AuditQueueSize    int
	AuditEventsPerSec float64

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "backend URL admitted requests are proxied to")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted reverse proxies for X-Forwarded-For (0 = header ignored)")

	fs.StringVar(&c.AuthUserHeader, "auth-user-header", "X-Auth-User", "header carrying the verified user id from upstream auth")
	fs.StringVar(&c.AuthTierHeader, "auth-tier-header", "X-Auth-Tier", "header carrying the subscription tier from upstream auth")

	fs.IntVar(&c.StoreMaxKeys, "store-max-keys", 100000, "max tracked rate limit keys before failing open (0 = unbounded)")
	fs.DurationVar(&c.EvictInterval, "evict-interval", 5*time.Minute, "expired window sweep period")
	fs.DurationVar(&c.EvictGrace, "evict-grace", time.Minute, "how long past reset an idle window is kept")

	fs.BoolVar(&c.EnableDetector, "enable-detector", true, "Enable the suspicious-activity detector")
	fs.DurationVar(&c.DetectorWindow, "detector-window", time.Minute, "trailing history window the detector inspects")
	fs.DurationVar(&c.DetectorTimeout, "detector-timeout", 2*time.Second, "history lookup timeout before failing open")

	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding JSON rate limit overrides (optional)")

	fs.StringVar(&c.AuditS3Bucket, "audit-s3-bucket", "", "s3 bucket for audit event archives (empty = log only)")
	fs.StringVar(&c.AuditS3Prefix, "audit-s3-prefix", "audit/admissiond", "s3 key prefix for audit event archives")
	fs.IntVar(&c.AuditQueueSize, "audit-queue-size", 1024, "bounded audit event queue size")
	fs.Float64Var(&c.AuditEventsPerSec, "audit-events-per-sec", 100, "audit event rate cap (events over it are dropped)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Upstream
	if c.UpstreamURL == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL is required"))
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be a URL (got %q)", c.UpstreamURL))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Store / eviction
	if c.StoreMaxKeys < 0 {
		errs = append(errs, fmt.Errorf("STORE_MAX_KEYS must be >= 0 (got %d)", c.StoreMaxKeys))
	}
	if c.EvictInterval <= 0 {
		errs = append(errs, fmt.Errorf("EVICT_INTERVAL must be positive (got %s)", c.EvictInterval))
	}
	if c.EvictGrace < 0 {
		errs = append(errs, fmt.Errorf("EVICT_GRACE must be >= 0 (got %s)", c.EvictGrace))
	}

	// Detector
	if c.EnableDetector {
		if c.DetectorWindow <= 0 {
			errs = append(errs, fmt.Errorf("DETECTOR_WINDOW must be positive (got %s)", c.DetectorWindow))
		}
		if c.DetectorTimeout <= 0 {
			errs = append(errs, fmt.Errorf("DETECTOR_TIMEOUT must be positive (got %s)", c.DetectorTimeout))
		}
	}

	// Audit
	if c.AuditQueueSize < 1 {
		errs = append(errs, fmt.Errorf("AUDIT_QUEUE_SIZE must be >= 1 (got %d)", c.AuditQueueSize))
	}
	if c.AuditEventsPerSec <= 0 {
		errs = append(errs, fmt.Errorf("AUDIT_EVENTS_PER_SEC must be positive (got %g)", c.AuditEventsPerSec))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
