package archive

import (
	"context"
	"errors"
	"io/fs"
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
	DefaultMaxEntries       = 1000
	DefaultMaxBytes   int64 = 100 * 1024 * 1024

	scratchPrefix = "pkgfetch-x"
)

// Entry is one member of an opened archive as seen during enumeration.
type Entry struct {
	RelativePath string
	DeclaredSize int64
	IsDir        bool
}

// Result lists the relative paths written, in archive order. Directories and
// skipped entries are not included.
type Result []string

// Metrics receives extraction outcomes. *metrics.ServerMetrics satisfies it.
type Metrics interface {
	ObserveExtraction(kind string, ok bool, entries int)
	IncRejection(reason string)
}

type Options struct {
	Logger  log.Logger
	Metrics Metrics

	// MaxBytes caps the archive file itself, default 100MiB
	MaxBytes int64

	// MaxUncompressed caps decompressed tar size and the total bytes written,
	// default 4*MaxBytes
	MaxUncompressed int64

	// MaxFileBytes caps a single extracted file, default MaxBytes
	MaxFileBytes int64

	// MaxEntries caps the number of archive members, default 1000
	MaxEntries int

	// TempDir hosts the scratch workspace for decompressing tar.gz
	TempDir string
}

// Limits are the active ceilings, reported by the API.
type Limits struct {
	MaxBytes        int64 `json:"max_bytes"`
	MaxUncompressed int64 `json:"max_uncompressed_bytes"`
	MaxFileBytes    int64 `json:"max_file_bytes"`
	MaxEntries      int   `json:"max_entries"`
}

type Extractor struct {
	logger  log.Logger
	metrics Metrics
	limits  Limits
	tempDir string
	tracer  trace.Tracer
}

func NewExtractor(opts Options) *Extractor {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxUncompressed <= 0 {
		opts.MaxUncompressed = 4 * opts.MaxBytes
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = opts.MaxBytes
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Extractor{
		logger:  opts.Logger,
		metrics: opts.Metrics,
		limits: Limits{
			MaxBytes:        opts.MaxBytes,
			MaxUncompressed: opts.MaxUncompressed,
			MaxFileBytes:    opts.MaxFileBytes,
			MaxEntries:      opts.MaxEntries,
		},
		tempDir: opts.TempDir,
		tracer:  otel.Tracer("pkgfetch/archive"),
	}
}

func (e *Extractor) Limits() Limits { return e.limits }

type rejection struct {
	reason string
	err    error
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func reject(reason string, err error) error {
	return &rejection{reason: reason, err: err}
}

// Extract unpacks archivePath into destDir and returns the relative paths of
// the files written. destDir is created when missing.
//
// All failures are validation errors. When one is returned, whatever this
// call created under destDir (or destDir itself, if this call created it)
// has already been removed.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) (Result, error) {
	start := time.Now()
	kind := KindFromPath(archivePath)
	ctx, span := e.tracer.Start(ctx, "archive.extract",
		trace.WithAttributes(attribute.String("archive.kind", kind.String())),
	)
	defer span.End()

	res, entries, err := e.extract(ctx, kind, archivePath, destDir)
	if err != nil {
		reason := "other"
		var rj *rejection
		if errors.As(err, &rj) {
			reason = rj.reason
			err = rj.err
		}
		err = xerrors.AsInvalid(err, "extraction failed")

		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		if e.metrics != nil {
			e.metrics.IncRejection(reason)
			e.metrics.ObserveExtraction(kind.String(), false, entries)
		}
		e.logger.Warn(ctx, "extraction rejected",
			"archive", filepath.Base(archivePath),
			"kind", kind.String(),
			"reason", reason,
			"error", err.Error(),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("archive.entries", entries),
		attribute.Int("archive.files", len(res)),
	)
	if e.metrics != nil {
		e.metrics.ObserveExtraction(kind.String(), true, entries)
	}
	e.logger.Info(ctx, "extracted archive",
		"archive", filepath.Base(archivePath),
		"kind", kind.String(),
		"entries", entries,
		"files", len(res),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Extractor) extract(ctx context.Context, kind Kind, archivePath, destDir string) (_ Result, entries int, retErr error) {
	fi, err := os.Stat(archivePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, 0, reject("missing", xerrors.Invalidf("archive %s does not exist", filepath.Base(archivePath)))
	case err != nil:
		return nil, 0, reject("missing", xerrors.AsInvalid(err, "stat archive"))
	case !fi.Mode().IsRegular():
		return nil, 0, reject("missing", xerrors.Invalidf("archive %s is not a regular file", filepath.Base(archivePath)))
	}
	// checked again here, the file may not have come through the downloader
	if fi.Size() > e.limits.MaxBytes {
		return nil, 0, reject("too_large", xerrors.Invalidf("archive exceeds max size (%d bytes, limit %d)", fi.Size(), e.limits.MaxBytes))
	}
	if kind == KindUnknown {
		return nil, 0, reject("format", xerrors.Invalidf("unsupported archive format: %s", filepath.Base(archivePath)))
	}

	p := newPlan(e.limits.MaxEntries, e.limits.MaxFileBytes)

	var src archiveSource
	switch kind {
	case KindZip:
		zs, err := openZip(archivePath)
		if err != nil {
			return nil, 0, err
		}
		defer zs.Close()
		src = zs
	case KindTarGz:
		ws, err := workspace.NewIn(e.tempDir, scratchPrefix)
		if err != nil {
			return nil, 0, reject("workspace", err)
		}
		defer func() {
			if cerr := ws.Close(); cerr != nil {
				e.logger.Error(ctx, cerr, "failed to remove extraction scratch", "dir", ws.Dir())
			}
		}()
		tarPath, err := gunzip(archivePath, ws, e.limits.MaxUncompressed)
		if err != nil {
			return nil, 0, err
		}
		src = tarSource(tarPath)
	default:
		src = tarSource(archivePath)
	}

	if err := src.scan(ctx, p); err != nil {
		return nil, p.seen, err
	}

	// destination untouched until every entry has been admitted
	w, err := newWriter(destDir, e.limits.MaxFileBytes, e.limits.MaxUncompressed)
	if err != nil {
		return nil, p.seen, err
	}
	defer func() {
		if retErr == nil {
			return
		}
		if rerr := w.rollback(); rerr != nil {
			e.logger.Error(ctx, rerr, "failed to roll back partial extraction", "dest", w.root)
		}
	}()

	if err := src.write(ctx, p, w); err != nil {
		return nil, p.seen, err
	}
	return p.result, p.seen, nil
}

// archiveSource is a format that can be enumerated and then written.
type archiveSource interface {
	scan(ctx context.Context, p *plan) error
	write(ctx context.Context, p *plan, w *writer) error
}
