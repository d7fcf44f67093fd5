package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if c.UpstreamURL != "" {
		t.Errorf("UpstreamURL: want empty, got %q", c.UpstreamURL)
	}
	if c.TrustedHops != 0 {
		t.Errorf("TrustedHops: want 0, got %d", c.TrustedHops)
	}
	if c.AuthUserHeader != "X-Auth-User" {
		t.Errorf("AuthUserHeader: want X-Auth-User, got %q", c.AuthUserHeader)
	}
	if c.AuthTierHeader != "X-Auth-Tier" {
		t.Errorf("AuthTierHeader: want X-Auth-Tier, got %q", c.AuthTierHeader)
	}
	if c.StoreMaxKeys != 100000 {
		t.Errorf("StoreMaxKeys: want 100000, got %d", c.StoreMaxKeys)
	}
	if c.EvictInterval != 5*time.Minute {
		t.Errorf("EvictInterval: want 5m, got %s", c.EvictInterval)
	}
	if c.EvictGrace != time.Minute {
		t.Errorf("EvictGrace: want 1m, got %s", c.EvictGrace)
	}
	if !c.EnableDetector {
		t.Error("EnableDetector: want true")
	}
	if c.DetectorWindow != time.Minute {
		t.Errorf("DetectorWindow: want 1m, got %s", c.DetectorWindow)
	}
	if c.DetectorTimeout != 2*time.Second {
		t.Errorf("DetectorTimeout: want 2s, got %s", c.DetectorTimeout)
	}
	if c.AuditQueueSize != 1024 {
		t.Errorf("AuditQueueSize: want 1024, got %d", c.AuditQueueSize)
	}
	if c.AuditEventsPerSec != 100 {
		t.Errorf("AuditEventsPerSec: want 100, got %g", c.AuditEventsPerSec)
	}
	if !c.EnablePprof {
		t.Error("EnablePprof: want true")
	}
	if c.EnablePyroscope {
		t.Error("EnablePyroscope: want false")
	}
	if c.EnableTracing {
		t.Error("EnableTracing: want false")
	}
	if !c.IncludeErrorLinks {
		t.Error("IncludeErrorLinks: want true")
	}
	if c.StacktraceLevel != "error" {
		t.Errorf("StacktraceLevel: want %q, got %q", "error", c.StacktraceLevel)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-log-json=false",
		"-log-level=debug",
		"-http-port=9090",
		"-admin-port=9100",
		"-upstream-url=http://origin:3000",
		"-trusted-hops=2",
		"-auth-user-header=X-User",
		"-auth-tier-header=X-Tier",
		"-store-max-keys=500",
		"-evict-interval=30s",
		"-evict-grace=10s",
		"-enable-detector=false",
		"-policy-ssm-param=/admissiond/limits",
		"-audit-s3-bucket=my-bucket",
		"-audit-s3-prefix=my/prefix",
		"-audit-queue-size=256",
		"-audit-events-per-sec=50",
		"-enable-pprof=false",
		"-enable-pyroscope=true",
		"-enable-tracing=true",
		"-trace-sample=0.5",
		"-stacktrace-level=warn",
		"-include-error-links=false",
		"-max-error-links=16",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-otlp-endpoint=otel:4317",
	})

	if c.LogJSON != false {
		t.Error("LogJSON: want false")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9100 {
		t.Errorf("AdminPort: want 9100, got %d", c.AdminPort)
	}
	if c.UpstreamURL != "http://origin:3000" {
		t.Errorf("UpstreamURL: got %q", c.UpstreamURL)
	}
	if c.TrustedHops != 2 {
		t.Errorf("TrustedHops: want 2, got %d", c.TrustedHops)
	}
	if c.AuthUserHeader != "X-User" {
		t.Errorf("AuthUserHeader: got %q", c.AuthUserHeader)
	}
	if c.AuthTierHeader != "X-Tier" {
		t.Errorf("AuthTierHeader: got %q", c.AuthTierHeader)
	}
	if c.StoreMaxKeys != 500 {
		t.Errorf("StoreMaxKeys: want 500, got %d", c.StoreMaxKeys)
	}
	if c.EvictInterval != 30*time.Second {
		t.Errorf("EvictInterval: want 30s, got %s", c.EvictInterval)
	}
	if c.EvictGrace != 10*time.Second {
		t.Errorf("EvictGrace: want 10s, got %s", c.EvictGrace)
	}
	if c.EnableDetector {
		t.Error("EnableDetector: want false")
	}
	if c.PolicySSMParam != "/admissiond/limits" {
		t.Errorf("PolicySSMParam: got %q", c.PolicySSMParam)
	}
	if c.AuditS3Bucket != "my-bucket" {
		t.Errorf("AuditS3Bucket: got %q", c.AuditS3Bucket)
	}
	if c.AuditS3Prefix != "my/prefix" {
		t.Errorf("AuditS3Prefix: got %q", c.AuditS3Prefix)
	}
	if c.AuditQueueSize != 256 {
		t.Errorf("AuditQueueSize: want 256, got %d", c.AuditQueueSize)
	}
	if c.AuditEventsPerSec != 50 {
		t.Errorf("AuditEventsPerSec: want 50, got %g", c.AuditEventsPerSec)
	}
	if c.EnablePprof != false {
		t.Error("EnablePprof: want false")
	}
	if c.EnablePyroscope != true {
		t.Error("EnablePyroscope: want true")
	}
	if c.EnableTracing != true {
		t.Error("EnableTracing: want true")
	}
	if c.TraceSample != 0.5 {
		t.Errorf("TraceSample: want 0.5, got %f", c.TraceSample)
	}
	if c.StacktraceLevel != "warn" {
		t.Errorf("StacktraceLevel: want %q, got %q", "warn", c.StacktraceLevel)
	}
	if c.IncludeErrorLinks != false {
		t.Error("IncludeErrorLinks: want false")
	}
	if c.MaxErrorLinks != 16 {
		t.Errorf("MaxErrorLinks: want 16, got %d", c.MaxErrorLinks)
	}
	if c.PyroServer != "https://pyro:4040" {
		t.Errorf("PyroServer: got %q", c.PyroServer)
	}
	if c.PyroTenantID != "test-tenant" {
		t.Errorf("PyroTenantID: got %q", c.PyroTenantID)
	}
	if c.OTLPEndpoint != "otel:4317" {
		t.Errorf("OTLPEndpoint: got %q", c.OTLPEndpoint)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_JSON", "false")
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"ADMIN_PORT", "9100")
	t.Setenv(pfx+"UPSTREAM_URL", "http://origin:3000")
	t.Setenv(pfx+"TRUSTED_HOPS", "1")
	t.Setenv(pfx+"STORE_MAX_KEYS", "2048")
	t.Setenv(pfx+"EVICT_INTERVAL", "90s")
	t.Setenv(pfx+"ENABLE_DETECTOR", "false")
	t.Setenv(pfx+"AUDIT_S3_BUCKET", "env-bucket")
	t.Setenv(pfx+"ENABLE_PPROF", "false")
	t.Setenv(pfx+"ENABLE_PYROSCOPE", "true")
	t.Setenv(pfx+"ENABLE_TRACING", "true")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")
	t.Setenv(pfx+"STACKTRACE_LEVEL", "warn")
	t.Setenv(pfx+"INCLUDE_ERROR_LINKS", "false")
	t.Setenv(pfx+"MAX_ERROR_LINKS", "12")
	t.Setenv(pfx+"PYRO_SERVER", "https://pyro:4040")
	t.Setenv(pfx+"OTLP_ENDPOINT", "otel:4317")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogJSON != false {
		t.Error("LogJSON: want false from env")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.HTTPPort != 8088 {
		t.Errorf("HTTPPort: want 8088, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9100 {
		t.Errorf("AdminPort: want 9100, got %d", c.AdminPort)
	}
	if c.UpstreamURL != "http://origin:3000" {
		t.Errorf("UpstreamURL: got %q", c.UpstreamURL)
	}
	if c.TrustedHops != 1 {
		t.Errorf("TrustedHops: want 1, got %d", c.TrustedHops)
	}
	if c.StoreMaxKeys != 2048 {
		t.Errorf("StoreMaxKeys: want 2048, got %d", c.StoreMaxKeys)
	}
	if c.EvictInterval != 90*time.Second {
		t.Errorf("EvictInterval: want 90s, got %s", c.EvictInterval)
	}
	if c.EnableDetector {
		t.Error("EnableDetector: want false from env")
	}
	if c.AuditS3Bucket != "env-bucket" {
		t.Errorf("AuditS3Bucket: got %q", c.AuditS3Bucket)
	}
	if c.EnablePprof != false {
		t.Error("EnablePprof: want false from env")
	}
	if c.EnablePyroscope != true {
		t.Error("EnablePyroscope: want true from env")
	}
	if c.EnableTracing != true {
		t.Error("EnableTracing: want true from env")
	}
	if c.TraceSample != 0.25 {
		t.Errorf("TraceSample: want 0.25, got %f", c.TraceSample)
	}
	if c.StacktraceLevel != "warn" {
		t.Errorf("StacktraceLevel: want %q, got %q", "warn", c.StacktraceLevel)
	}
	if c.IncludeErrorLinks != false {
		t.Error("IncludeErrorLinks: want false from env")
	}
	if c.MaxErrorLinks != 12 {
		t.Errorf("MaxErrorLinks: want 12, got %d", c.MaxErrorLinks)
	}
	if c.PyroServer != "https://pyro:4040" {
		t.Errorf("PyroServer: got %q", c.PyroServer)
	}
	if c.OTLPEndpoint != "otel:4317" {
		t.Errorf("OTLPEndpoint: got %q", c.OTLPEndpoint)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"ENABLE_PPROF", "false")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug", "-enable-pprof=true"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	// CLI wins
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090 (cli), got %d", c.HTTPPort)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q (cli), got %q", "debug", c.LogLevel)
	}
	if c.EnablePprof != true {
		t.Error("EnablePprof: want true (cli)")
	}

	// Should have logged override messages for all three
	if len(overrideMessages) != 3 {
		t.Errorf("expected 3 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	// Should keep default, not crash
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080 (default), got %d", c.HTTPPort)
	}
	// Should have logged the error
	if len(logMessages) != 1 {
		t.Fatalf("expected 1 log message, got %d: %v", len(logMessages), logMessages)
	}
	if !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Errorf("unexpected log message: %s", logMessages[0])
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-upstream-url=http://origin:3000",
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_MissingUpstream(t *testing.T) {
	c := newTestConfig(t, nil)
	wantErrContains(t, Validate(c), "UPSTREAM_URL is required")
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-upstream-url=not-a-url",
		"-trusted-hops=-1",
		"-store-max-keys=-1",
		"-evict-interval=0s",
		"-detector-window=0s",
		"-audit-queue-size=0",
		"-audit-events-per-sec=0",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-include-error-links=true",
		"-max-error-links=0",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "UPSTREAM_URL must be a URL")
	wantErrContains(t, err, "TRUSTED_HOPS")
	wantErrContains(t, err, "STORE_MAX_KEYS")
	wantErrContains(t, err, "EVICT_INTERVAL")
	wantErrContains(t, err, "DETECTOR_WINDOW")
	wantErrContains(t, err, "AUDIT_QUEUE_SIZE")
	wantErrContains(t, err, "AUDIT_EVENTS_PER_SEC")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
