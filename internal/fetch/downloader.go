package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/pkgfetch/internal/log"
	"github.com/keithlinneman/pkgfetch/internal/workspace"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

const (
	// workspacePrefix names every download workspace, Release relies on it
	workspacePrefix = "pkgfetch-dl"

	chunkSize = 32 * 1024

	defaultTimeout = 60 * time.Second
)

// Doer is the HTTP client the downloader drives. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// HostLimiter throttles outbound requests per host. *ratelimit.Limiter
// satisfies it.
type HostLimiter interface {
	Wait(ctx context.Context, host string) error
}

// Metrics receives download outcomes. *metrics.ServerMetrics satisfies it.
type Metrics interface {
	ObserveDownload(ok bool, bytes int64, seconds float64)
	IncRejection(reason string)
}

type Options struct {
	Logger log.Logger

	// Client defaults to NewHTTPClient(Timeout)
	Client Doer

	// Limiter is optional
	Limiter HostLimiter

	// Metrics is optional
	Metrics Metrics

	// Timeout bounds the whole request including the body, default 60s
	Timeout time.Duration

	// TempDir is where download workspaces are created, default os.TempDir()
	TempDir string

	UserAgent string
}

type Downloader struct {
	client    Doer
	limiter   HostLimiter
	metrics   Metrics
	logger    log.Logger
	timeout   time.Duration
	tempDir   string
	userAgent string
	tracer    trace.Tracer
}

func NewDownloader(opts Options) *Downloader {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Client == nil {
		opts.Client = NewHTTPClient(opts.Timeout)
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pkgfetch"
	}
	return &Downloader{
		client:    opts.Client,
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		timeout:   opts.Timeout,
		tempDir:   opts.TempDir,
		userAgent: opts.UserAgent,
		tracer:    otel.Tracer("pkgfetch/fetch"),
	}
}

// rejection tags a validation failure with a bounded metrics reason
type rejection struct {
	reason string
	err    error
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func reject(reason string, err error) error {
	return &rejection{reason: reason, err: err}
}

// Download streams req.URL into a fresh workspace and returns the local file
// path. The caller owns the file from then on and should hand it back to
// Release.
//
// Every failure is a validation error (see xerrors.IsInvalid) and the
// workspace is already gone by the time it is returned.
func (d *Downloader) Download(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "fetch.download",
		trace.WithAttributes(attribute.Int64("fetch.max_bytes", req.MaxBytes)),
	)
	defer span.End()

	p, n, err := d.download(ctx, req)
	if err != nil {
		reason := "other"
		var rj *rejection
		if errors.As(err, &rj) {
			reason = rj.reason
			err = rj.err
		}
		err = xerrors.AsInvalid(err, "download failed")

		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		if d.metrics != nil {
			d.metrics.IncRejection(reason)
			d.metrics.ObserveDownload(false, 0, 0)
		}
		d.logger.Warn(ctx, "download rejected",
			"url", req.URL,
			"reason", reason,
			"error", err.Error(),
		)
		return "", err
	}

	span.SetAttributes(attribute.Int64("fetch.bytes", n))
	if d.metrics != nil {
		d.metrics.ObserveDownload(true, n, time.Since(start).Seconds())
	}
	d.logger.Info(ctx, "downloaded archive",
		"url", req.URL,
		"bytes", n,
		"path", p,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return p, nil
}

func (d *Downloader) download(ctx context.Context, req Request) (string, int64, error) {
	// no network activity before the URL and limits check out
	u, err := parseSourceURL(req.URL)
	if err != nil {
		return "", 0, reject("scheme", err)
	}
	if err := req.Validate(); err != nil {
		return "", 0, reject("config", err)
	}

	ws, err := workspace.NewIn(d.tempDir, workspacePrefix)
	if err != nil {
		return "", 0, reject("workspace", err)
	}
	defer func() {
		// success calls Keep, every other path removes the tree
		if cerr := ws.Close(); cerr != nil {
			d.logger.Error(ctx, cerr, "failed to remove download workspace", "dir", ws.Dir())
		}
	}()

	f, err := ws.CreateFile("archive", archiveExtension(u))
	if err != nil {
		return "", 0, reject("workspace", err)
	}
	// closed explicitly below before sniffing, this covers early returns
	defer f.Close()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, u.Hostname()); err != nil {
			return "", 0, reject("rate_limited", err)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(rctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", 0, reject("scheme", xerrors.AsInvalid(err, "build request"))
	}
	hreq.Header.Set("User-Agent", d.userAgent)
	hreq.Header.Set("Accept", "application/octet-stream, application/gzip, application/x-tar, application/zip, */*;q=0.1")

	resp, err := d.client.Do(hreq)
	if err != nil {
		return "", 0, reject("transport", xerrors.AsInvalid(err, "request failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, reject("status", xerrors.Invalidf("unexpected HTTP status %d", resp.StatusCode))
	}

	ct := resp.Header.Get("Content-Type")
	if !ContentTypeAllowed(ct) {
		return "", 0, reject("content_type", xerrors.Invalidf("disallowed content type %q", ct))
	}

	if resp.ContentLength > req.MaxBytes {
		return "", 0, reject("too_large", xerrors.Invalidf("content exceeds max size (declared %d bytes, limit %d)", resp.ContentLength, req.MaxBytes))
	}

	n, err := copyBounded(f, resp.Body, req.MaxBytes)
	if err != nil {
		var rj *rejection
		switch {
		case errors.As(err, &rj):
			return "", n, err
		case xerrors.IsInvalid(err):
			return "", n, reject("too_large", err)
		}
		return "", n, reject("transport", xerrors.AsInvalid(err, "read body"))
	}
	if err := f.Close(); err != nil {
		return "", n, reject("workspace", xerrors.Wrap(err, "close download"))
	}

	if _, err := SniffArchive(f.Name()); err != nil {
		return "", n, reject("sniff", err)
	}

	p := f.Name()
	if filepath.Ext(p) == "" {
		// the URL did not name the format, fall back to the magic bytes
		if ext := ExtensionForSniffed(p); ext != "" {
			renamed := p + ext
			if err := os.Rename(p, renamed); err != nil {
				return "", n, reject("workspace", xerrors.Wrap(err, "rename download"))
			}
			p = renamed
		}
	}

	ws.Keep()
	return p, n, nil
}

// copyBounded copies src to dst chunk by chunk, in order, and stops before
// writing the chunk that would take the total past max. Local write failures
// come back tagged "workspace", read failures untagged.
func copyBounded(dst io.Writer, src io.Reader, max int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if total+int64(n) > max {
				return total, xerrors.Invalidf("content exceeds max size (more than %d bytes)", max)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, reject("workspace", xerrors.Wrap(werr, "write download"))
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// Release removes a file returned by Download together with its workspace.
func (d *Downloader) Release(path string) error {
	if path == "" {
		return nil
	}
	if dir := workspace.Owner(path, workspacePrefix); dir != "" {
		return workspace.RemoveTree(dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrapf(err, "remove %s", path)
	}
	return nil
}
