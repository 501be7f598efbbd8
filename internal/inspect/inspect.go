// Package inspect turns a package archive URL into a content summary:
// download (or mirror fetch), safe extraction, directory scan, cleanup.
//
// Inspection fails closed. Any failure along the way is logged and yields a
// nil Summary, never an error, so one hostile archive cannot take down the
// analysis around it.
package inspect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/keithlinneman/pkgfetch/internal/archive"
	"github.com/keithlinneman/pkgfetch/internal/fetch"
	"github.com/keithlinneman/pkgfetch/internal/log"
	"github.com/keithlinneman/pkgfetch/internal/mirror"
	"github.com/keithlinneman/pkgfetch/internal/workspace"
)

const (
	SourceUpstream = "upstream"
	SourceMirror   = "mirror"

	workspacePrefix = "pkgfetch-src"
)

type Downloader interface {
	Download(ctx context.Context, req fetch.Request) (string, error)
	Release(path string) error
}

type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) (archive.Result, error)
}

// Mirror is optional. *mirror.Mirror satisfies it.
type Mirror interface {
	Key(rawURL string) string
	Fetch(ctx context.Context, key string) (string, error)
	Store(ctx context.Context, key, localPath string) error
	Release(path string) error
}

type Metrics interface {
	IncInspection(ok bool)
}

type Options struct {
	Logger     log.Logger
	Downloader Downloader
	Extractor  Extractor
	Mirror     Mirror
	Metrics    Metrics

	// MaxBytes is passed to every download, default fetch.DefaultMaxBytes
	MaxBytes int64

	TempDir string
}

type Provider struct {
	opts   Options
	logger log.Logger
}

func NewProvider(opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = fetch.DefaultMaxBytes
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Provider{opts: opts, logger: opts.Logger}
}

// Inspect returns a summary of the archive at rawURL, or nil when no content
// is available for it.
func (p *Provider) Inspect(ctx context.Context, rawURL string) *Summary {
	start := time.Now()
	logger := p.logger.With("url", rawURL)

	sum, err := p.inspect(ctx, logger, rawURL)
	if p.opts.Metrics != nil {
		p.opts.Metrics.IncInspection(err == nil)
	}
	if err != nil {
		logger.Warn(ctx, "no content available", "error", err.Error())
		return nil
	}
	logger.Info(ctx, "inspected package",
		"source", sum.Source,
		"files", sum.FileCount,
		"bytes", sum.TotalBytes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return sum
}

func (p *Provider) inspect(ctx context.Context, logger log.Logger, rawURL string) (*Summary, error) {
	archivePath, source, release, err := p.acquire(ctx, logger, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(archivePath); rerr != nil {
			logger.Error(ctx, rerr, "failed to remove downloaded archive", "path", archivePath)
		}
	}()

	ws, err := workspace.NewIn(p.opts.TempDir, workspacePrefix)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			logger.Error(ctx, cerr, "failed to remove extraction workspace", "dir", ws.Dir())
		}
	}()

	dest := filepath.Join(ws.Dir(), "package")
	files, err := p.opts.Extractor.Extract(ctx, archivePath, dest)
	if err != nil {
		return nil, err
	}

	sum, err := Scan(dest)
	if err != nil {
		return nil, err
	}
	sum.URL = rawURL
	sum.Source = source
	sum.Files = files
	if sum.Files == nil {
		sum.Files = []string{}
	}
	return sum, nil
}

// acquire gets the archive from the mirror when it has it, else downloads it
// and offers the copy to the mirror.
func (p *Provider) acquire(ctx context.Context, logger log.Logger, rawURL string) (string, string, func(string) error, error) {
	var key string
	if p.opts.Mirror != nil {
		key = p.opts.Mirror.Key(rawURL)
		path, err := p.opts.Mirror.Fetch(ctx, key)
		switch {
		case err == nil:
			return path, SourceMirror, p.opts.Mirror.Release, nil
		case errors.Is(err, mirror.ErrNotFound):
			logger.Debug(ctx, "mirror miss", "key", key)
		default:
			logger.Warn(ctx, "mirror fetch failed, falling back to upstream", "key", key, "error", err.Error())
		}
	}

	path, err := p.opts.Downloader.Download(ctx, fetch.Request{URL: rawURL, MaxBytes: p.opts.MaxBytes})
	if err != nil {
		return "", "", nil, err
	}
	if p.opts.Mirror != nil {
		if err := p.opts.Mirror.Store(ctx, key, path); err != nil {
			logger.Warn(ctx, "mirror store failed", "key", key, "error", err.Error())
		}
	}
	return path, SourceUpstream, p.opts.Downloader.Release, nil
}
