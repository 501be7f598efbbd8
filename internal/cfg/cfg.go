// Package cfg holds the process configuration: flags with inline defaults,
// filled from PKGFETCH_* environment variables for anything not passed on
// the command line.
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

	"github.com/keithlinneman/pkgfetch/internal/archive"
	"github.com/keithlinneman/pkgfetch/internal/log"
)

const EnvPrefix = "PKGFETCH_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	// ingestion limits
	MaxBytes        int64
	MaxEntries      int
	DownloadTimeout time.Duration
	HostRate        float64
	HostBurst       int
	TempDir         string

	MirrorS3Bucket string
	MirrorS3Prefix string
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
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.Int64Var(&c.MaxBytes, "max-bytes", archive.DefaultMaxBytes, "max archive size in bytes, for downloads and extraction")
	fs.IntVar(&c.MaxEntries, "max-entries", archive.DefaultMaxEntries, "max entries per archive")
	fs.DurationVar(&c.DownloadTimeout, "download-timeout", 60*time.Second, "per-download deadline")
	fs.Float64Var(&c.HostRate, "host-rate", 5, "downloads per second per registry host")
	fs.IntVar(&c.HostBurst, "host-burst", 10, "download burst per registry host")
	fs.StringVar(&c.TempDir, "tmp-dir", os.TempDir(), "directory download and extraction workspaces are created in")

	fs.StringVar(&c.MirrorS3Bucket, "mirror-s3-bucket", "", "s3 bucket to mirror downloaded archives in (empty disables the mirror)")
	fs.StringVar(&c.MirrorS3Prefix, "mirror-s3-prefix", "pkgfetch/archives", "s3 key prefix for mirrored archives")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
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
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate returns every invalid field joined, or nil.
func Validate(c App) error {
	var errs []error

	if !validPort(c.HTTPPort) {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if !validPort(c.AdminPort) {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	if c.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BYTES must be positive (got %d)", c.MaxBytes))
	}
	if c.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ENTRIES must be positive (got %d)", c.MaxEntries))
	}
	if c.DownloadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DOWNLOAD_TIMEOUT must be positive (got %s)", c.DownloadTimeout))
	}
	if c.HostRate <= 0 || c.HostBurst < 1 {
		errs = append(errs, fmt.Errorf("HOST_RATE and HOST_BURST must be positive (got %g, %d)", c.HostRate, c.HostBurst))
	}
	if fi, err := os.Stat(c.TempDir); err != nil || !fi.IsDir() {
		errs = append(errs, fmt.Errorf("TMP_DIR %q is not a directory", c.TempDir))
	}

	if c.MirrorS3Bucket != "" && strings.Contains(c.MirrorS3Bucket, "/") {
		errs = append(errs, fmt.Errorf("MIRROR_S3_BUCKET must be a bare bucket name (got %q)", c.MirrorS3Bucket))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
