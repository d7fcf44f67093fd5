package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/admissiond/admissiond/internal/abuse"
	"github.com/admissiond/admissiond/internal/admission"
	"github.com/admissiond/admissiond/internal/audit"
	"github.com/admissiond/admissiond/internal/cfg"
	"github.com/admissiond/admissiond/internal/health"
	"github.com/admissiond/admissiond/internal/httpmw"
	"github.com/admissiond/admissiond/internal/identity"
	"github.com/admissiond/admissiond/internal/opshttp"
	"github.com/admissiond/admissiond/internal/policyssm"

	"github.com/admissiond/admissiond/internal/httpserver"
	"github.com/admissiond/admissiond/internal/log"
	"github.com/admissiond/admissiond/internal/metrics"
	"github.com/admissiond/admissiond/internal/otelx"
	"github.com/admissiond/admissiond/internal/prof"
	v "github.com/admissiond/admissiond/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix ADMISSIOND_ and validate
	cfg.FillFromEnv(flag.CommandLine, "ADMISSIOND_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"store_max_keys", conf.StoreMaxKeys,
		"evict_interval", conf.EvictInterval,
		"evict_grace", conf.EvictGrace,
		"enable_detector", conf.EnableDetector,
		"policy_ssm_param", conf.PolicySSMParam,
		"audit_s3_bucket", conf.AuditS3Bucket,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"include_error_links", conf.IncludeErrorLinks,
		"max_error_links", conf.MaxErrorLinks,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	upstream, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		// Validate already parses this, belt and suspenders
		L.Error(ctx, err, "invalid upstream url", "upstream_url", conf.UpstreamURL)
		os.Exit(1)
	}

	// AWS clients are only needed when SSM overrides or the S3 audit
	// archive are configured
	var ssmClient *ssm.Client
	var s3Client *s3.Client
	if conf.PolicySSMParam != "" || conf.AuditS3Bucket != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		if conf.PolicySSMParam != "" {
			ssmClient = ssm.NewFromConfig(awsCfg)
		}
		if conf.AuditS3Bucket != "" {
			s3Client = s3.NewFromConfig(awsCfg)
		}
	}

	// Rate limit tiers: built-in defaults, optionally overridden from SSM
	limits := admission.DefaultLimits()
	if ssmClient != nil {
		overrides, err := policyssm.Load(ctx, ssmClient, conf.PolicySSMParam)
		if err != nil {
			// run with defaults rather than refusing to start
			L.Error(ctx, err, "failed to load policy overrides, using defaults",
				"ssm_param", conf.PolicySSMParam)
		} else {
			limits, err = overrides.Apply(limits)
			if err != nil {
				L.Error(ctx, err, "invalid policy overrides, using defaults",
					"ssm_param", conf.PolicySSMParam)
				limits = admission.DefaultLimits()
			} else {
				L.Info(ctx, "applied policy overrides from SSM", "ssm_param", conf.PolicySSMParam)
			}
		}
	}

	composer, err := admission.NewComposer(limits, admission.DefaultRoutes())
	if err != nil {
		L.Error(ctx, err, "invalid rate limit configuration")
		os.Exit(1)
	}

	// Audit pipeline: structured log always, S3 archive when configured
	writers := []audit.Writer{audit.LogWriter{Logger: lg.With("component", "audit")}}
	if s3Client != nil {
		s3w, err := audit.NewS3Writer(s3Client, conf.AuditS3Bucket, conf.AuditS3Prefix)
		if err != nil {
			L.Error(ctx, err, "failed to create audit S3 writer", "bucket", conf.AuditS3Bucket)
			os.Exit(1)
		}
		writers = append(writers, s3w)
	}
	// detach from the signal context so the drain loop keeps writing while
	// the server serves out its shutdown window; sink.Close flushes the rest
	sink := audit.NewAsync(context.WithoutCancel(ctx), L,
		writers,
		audit.WithQueueSize(conf.AuditQueueSize),
		audit.WithEventRate(conf.AuditEventsPerSec, int(conf.AuditEventsPerSec*2)),
	)
	defer sink.Close()

	// Window store + engine
	store := admission.NewStore(admission.WithMaxKeys(conf.StoreMaxKeys))
	engine := admission.NewEngine(store, sink, L,
		// increment prometheus counter on each denied request
		admission.WithOnDenied(func(policy string) {
			m.IncAdmissionDenied(policy)
		}),
		// store faults fail open and are worth alerting on
		admission.WithOnFailOpen(func(policy string) {
			m.IncFailOpen(policy)
			L.Warn(ctx, "rate limit store fault, request admitted unchecked", "policy", policy)
		}),
	)

	// Background eviction of idle windows
	evictor := admission.NewEvictor(store, L,
		admission.WithPeriod(conf.EvictInterval),
		admission.WithGrace(conf.EvictGrace),
		admission.WithOnSweep(func(removed, remaining int) {
			m.AddEvictedWindows(removed)
			m.SetStoreKeys(remaining)
		}),
	)
	evictor.Start()
	defer evictor.Stop()

	// Request history + abuse detector for authenticated traffic
	gateOpts := []admission.GateOption{}
	var recorder *abuse.Recorder
	if conf.EnableDetector {
		recorder = abuse.NewRecorder()
		detector := abuse.NewDetector(recorder, sink, L,
			abuse.WithWindow(conf.DetectorWindow),
			abuse.WithFetchTimeout(conf.DetectorTimeout),
			abuse.WithOnBlocked(func(identity string) {
				m.IncSuspiciousBlocked()
			}),
		)
		gateOpts = append(gateOpts,
			admission.WithDetector(detector),
			admission.WithHistoryRecorder(recorder),
		)
	}

	gate := admission.NewGate(engine, composer, L, gateOpts...)

	// Periodic gauge refresh for store size, history identities, audit drops
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.SetStoreKeys(store.Len())
				m.SetAuditEventsDropped(sink.Dropped())
				if recorder != nil {
					recorder.Sweep(time.Now())
					m.SetHistoryIdentities(recorder.Identities())
				}
			}
		}
	}()

	// setup toggle for server shutdown
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())

	// start gateway http server
	gwHTTPStop, err := httpserver.Start(
		ctx,
		&httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			Upstream:     upstream,
			AdmissionMW:  gate.Middleware,
			IdentityMW: identity.FromHeaders(identity.HeaderOptions{
				UserHeader: conf.AuthUserHeader,
				TierHeader: conf.AuthTierHeader,
			}),
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
			Logger:       L,
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = gwHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware to prevent accidental
	// exposure if sg is misconfigured or load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// will make sleep time tunable in the future
	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := gwHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "gateway http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	evictor.Stop()
	sink.Close()

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
