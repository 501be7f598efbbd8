package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/pkgfetch/internal/api"
	"github.com/keithlinneman/pkgfetch/internal/archive"
	"github.com/keithlinneman/pkgfetch/internal/cfg"
	"github.com/keithlinneman/pkgfetch/internal/fetch"
	"github.com/keithlinneman/pkgfetch/internal/health"
	"github.com/keithlinneman/pkgfetch/internal/httpserver"
	"github.com/keithlinneman/pkgfetch/internal/inspect"
	"github.com/keithlinneman/pkgfetch/internal/log"
	"github.com/keithlinneman/pkgfetch/internal/metrics"
	"github.com/keithlinneman/pkgfetch/internal/mirror"
	"github.com/keithlinneman/pkgfetch/internal/opshttp"
	"github.com/keithlinneman/pkgfetch/internal/otelx"
	"github.com/keithlinneman/pkgfetch/internal/prof"
	"github.com/keithlinneman/pkgfetch/internal/ratelimit"
	v "github.com/keithlinneman/pkgfetch/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var inspectURL string

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&inspectURL, "inspect", "", "inspect one archive URL, print the summary JSON and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	component := "server"
	if inspectURL != "" {
		component = "cli"
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Component:         component,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		// stdout carries the summary in cli mode
		Writer: os.Stderr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg
	ctx = log.WithContext(ctx, L)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.HostRate, conf.HostBurst),
		ratelimit.WithMaxWait(conf.DownloadTimeout),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimited("host") }),
		ratelimit.WithOnFirstDenied(func(host string) {
			L.Warn(ctx, "download rate limit triggered", "host", host)
		}),
	)

	provider, err := newProvider(ctx, L, conf, m, limiter)
	if err != nil {
		L.Error(ctx, err, "failed to build inspection pipeline")
		os.Exit(1)
	}

	if inspectURL != "" {
		os.Exit(runOnce(ctx, provider, inspectURL))
	}

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"max_bytes", conf.MaxBytes,
		"max_entries", conf.MaxEntries,
		"download_timeout", conf.DownloadTimeout.String(),
		"tmp_dir", conf.TempDir,
		"mirror_s3_bucket", conf.MirrorS3Bucket,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Version:       vi.Version,
		Tags:          map[string]string{"component": component, "commit": vi.Commit},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	var gate health.ShutdownGate
	liveness := health.WritableDir(conf.TempDir)
	readiness := health.All(gate.Probe(), liveness)

	clientLimiter := ratelimit.New(ctx,
		ratelimit.WithRate(2, 10),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimited("client") }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "client rate limit triggered", "ip", ip)
		}),
	)

	inspectAPI := api.New(provider, api.Limits{
		Download:   conf.MaxBytes,
		Extraction: provider.Limits(),
	}, L)

	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		APIRoutes:    inspectAPI.RegisterRoutes,
		Health:       liveness,
		Readiness:    readiness,
		MetricsMW:    m.Middleware,
		RateLimitMW:  clientLimiter.Middleware,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	}, conf.DownloadTimeout)
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}

	// ops listener answers private peers only
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      liveness,
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "error", err.Error())
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	// let the load balancer see the failing readiness probe
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(15 * time.Second):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.DownloadTimeout+10*time.Second)
	defer cancel()
	if err := httpStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	L.Info(context.Background(), "shutdown complete")
}

// pipeline is the inspect.Provider plus the limits it was built with.
type pipeline struct {
	*inspect.Provider
	extractor *archive.Extractor
}

func (p pipeline) Limits() archive.Limits { return p.extractor.Limits() }

func newProvider(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics, limiter *ratelimit.Limiter) (pipeline, error) {
	downloader := fetch.NewDownloader(fetch.Options{
		Logger:    L.With("component", "fetch"),
		Limiter:   limiter,
		Metrics:   m,
		Timeout:   conf.DownloadTimeout,
		TempDir:   conf.TempDir,
		UserAgent: v.AppName + "/" + v.Get().Version,
	})
	extractor := archive.NewExtractor(archive.Options{
		Logger:     L.With("component", "archive"),
		Metrics:    m,
		MaxBytes:   conf.MaxBytes,
		MaxEntries: conf.MaxEntries,
		TempDir:    conf.TempDir,
	})

	opts := inspect.Options{
		Logger:     L.With("component", "inspect"),
		Downloader: downloader,
		Extractor:  extractor,
		Metrics:    m,
		MaxBytes:   conf.MaxBytes,
		TempDir:    conf.TempDir,
	}
	// an unset interface, not a nil *mirror.Mirror, disables the mirror
	if conf.MirrorS3Bucket != "" {
		mir, err := mirror.New(ctx, mirror.Options{
			Logger:   L.With("component", "mirror"),
			Metrics:  m,
			Bucket:   conf.MirrorS3Bucket,
			Prefix:   conf.MirrorS3Prefix,
			MaxBytes: conf.MaxBytes,
			TempDir:  conf.TempDir,
		})
		if err != nil {
			return pipeline{}, err
		}
		opts.Mirror = mir
	}
	return pipeline{Provider: inspect.NewProvider(opts), extractor: extractor}, nil
}

func runOnce(ctx context.Context, p pipeline, rawURL string) int {
	sum := p.Inspect(ctx, rawURL)
	if sum == nil {
		fmt.Fprintln(os.Stderr, "no content available for", rawURL)
		return 2
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		fmt.Fprintln(os.Stderr, "encode summary:", err)
		return 1
	}
	return 0
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return conn.Close()
}
