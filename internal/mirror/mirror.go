// Package mirror keeps copies of downloaded archives in S3 so repeat
// inspections of the same URL skip the upstream registry.
//
// Objects are keyed by the SHA-256 of the source URL and carry the SHA-256
// of their body in the "sha256" metadata field, checked on every fetch. The
// "suffix" field records the archive suffix when the key has none.
package mirror

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/pkgfetch/internal/archive"
	"github.com/keithlinneman/pkgfetch/internal/cryptoutil"
	"github.com/keithlinneman/pkgfetch/internal/fetch"
	"github.com/keithlinneman/pkgfetch/internal/log"
	"github.com/keithlinneman/pkgfetch/internal/pathutil"
	"github.com/keithlinneman/pkgfetch/internal/workspace"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

const (
	workspacePrefix = "pkgfetch-mirror"
	metaSHA256      = "sha256"
	metaSuffix      = "suffix"
)

// ErrNotFound is returned by Fetch when the mirror has no object for a key.
var ErrNotFound = errors.New("mirror: object not found")

// S3API is the subset of *s3.Client the mirror uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Metrics interface {
	IncMirrorLookup(result string)
}

type Options struct {
	Logger  log.Logger
	Metrics Metrics

	// s3://{bucket}/{prefix}/{sha256(url)}/{basename}
	Bucket string
	Prefix string

	// MaxBytes bounds fetched objects, same ceiling as downloads
	MaxBytes int64

	TempDir string

	// Client overrides the S3 client built from AWSConfig
	Client S3API

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

type Mirror struct {
	opts   Options
	client S3API
	logger log.Logger
}

func New(ctx context.Context, opts Options) (*Mirror, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("mirror bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = archive.DefaultMaxBytes
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")

	client := opts.Client
	if client == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &Mirror{opts: opts, client: client, logger: opts.Logger}, nil
}

// Key returns the object key for a source URL. The basename keeps the
// archive suffix so the extractor can dispatch on a fetched copy.
func (m *Mirror) Key(rawURL string) string {
	name := "archive"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "." && b != "/" && pathutil.IsPathSafe(b) {
			name = b
		}
	}
	key := cryptoutil.SHA256Hex([]byte(rawURL)) + "/" + name
	if m.opts.Prefix != "" {
		return m.opts.Prefix + "/" + key
	}
	return key
}

func (m *Mirror) lookup(result string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncMirrorLookup(result)
	}
}

// Fetch copies the object at key into a fresh workspace and returns the
// local path. Hand the path to Release when done.
func (m *Mirror) Fetch(ctx context.Context, key string) (_ string, retErr error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			m.lookup("miss")
			return "", ErrNotFound
		}
		m.lookup("error")
		return "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", m.opts.Bucket, key)
	}
	defer out.Body.Close()
	defer func() {
		if retErr != nil {
			m.lookup("error")
		}
	}()

	if out.ContentLength != nil && *out.ContentLength > m.opts.MaxBytes {
		return "", xerrors.Invalidf("mirrored object exceeds max size (%d bytes, limit %d)", *out.ContentLength, m.opts.MaxBytes)
	}

	ws, err := workspace.NewIn(m.opts.TempDir, workspacePrefix)
	if err != nil {
		return "", err
	}
	defer ws.Close()

	suffix := archiveSuffix(key)
	if suffix == "" {
		suffix = archiveSuffix(out.Metadata[metaSuffix])
	}
	f, err := ws.CreateFile("archive", suffix)
	if err != nil {
		return "", err
	}
	defer f.Close()

	n, sum, err := cryptoutil.CopyWithHash(f, io.LimitReader(out.Body, m.opts.MaxBytes+1))
	if err != nil {
		return "", xerrors.Wrapf(err, "read S3 object %s", key)
	}
	if n > m.opts.MaxBytes {
		return "", xerrors.Invalidf("mirrored object exceeds max size (more than %d bytes)", m.opts.MaxBytes)
	}
	if want := out.Metadata[metaSHA256]; want != "" && !cryptoutil.HashEqual(sum, want) {
		return "", xerrors.Newf("mirror checksum mismatch for %s: expected %s, got %s", key, want, sum)
	}
	if err := f.Close(); err != nil {
		return "", xerrors.Wrap(err, "close mirrored archive")
	}

	p := f.Name()
	if suffix == "" {
		// stored without a suffix, go by the magic bytes like a download does
		ext := fetch.ExtensionForSniffed(p)
		if ext == "" {
			return "", xerrors.Invalidf("mirrored object %s is not a recognized archive", key)
		}
		if err := os.Rename(p, p+ext); err != nil {
			return "", xerrors.Wrap(err, "rename mirrored archive")
		}
		p += ext
	}

	m.logger.Debug(ctx, "mirror hit", "key", key, "bytes", n, "sha256", sum)
	m.lookup("hit")
	ws.Keep()
	return p, nil
}

// archiveSuffix returns the suffix the extractor dispatches on, "" when name
// carries none.
func archiveSuffix(key string) string {
	switch archive.KindFromPath(key) {
	case archive.KindTarGz:
		if strings.HasSuffix(strings.ToLower(key), ".tgz") {
			return ".tgz"
		}
		return ".tar.gz"
	case archive.KindTar:
		return ".tar"
	case archive.KindZip:
		return ".zip"
	}
	return ""
}

// Store uploads the archive at localPath under key.
func (m *Mirror) Store(ctx context.Context, key, localPath string) error {
	sum, err := cryptoutil.FileSHA256(localPath)
	if err != nil {
		return xerrors.Wrapf(err, "hash %s", localPath)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return xerrors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return xerrors.Wrapf(err, "stat %s", localPath)
	}

	meta := map[string]string{metaSHA256: sum}
	if suffix := archiveSuffix(localPath); suffix != "" && archiveSuffix(key) == "" {
		meta[metaSuffix] = suffix
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.opts.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      meta,
	})
	if err != nil {
		m.lookup("store_error")
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", m.opts.Bucket, key)
	}
	m.lookup("stored")
	m.logger.Info(ctx, "stored archive in mirror", "key", key, "bytes", fi.Size(), "sha256", sum)
	return nil
}

// Release removes a path returned by Fetch along with its workspace.
func (m *Mirror) Release(p string) error {
	if dir := workspace.Owner(p, workspacePrefix); dir != "" {
		return workspace.RemoveTree(dir)
	}
	return nil
}
