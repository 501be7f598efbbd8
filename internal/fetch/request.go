package fetch

import (
	"net/url"
	"path"
	"strings"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// DefaultMaxBytes is the download ceiling when none is configured.
const DefaultMaxBytes int64 = 100 * 1024 * 1024 // 100MiB

// Request is a single download. It is not reused.
type Request struct {
	URL      string
	MaxBytes int64
}

func (r Request) Validate() error {
	if r.MaxBytes <= 0 {
		return xerrors.Invalidf("max bytes must be positive (got %d)", r.MaxBytes)
	}
	return nil
}

// parseSourceURL accepts only absolute http/https URLs with a host.
func parseSourceURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.Invalid("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.AsInvalid(err, "malformed URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return nil, xerrors.Invalidf("URL %q has no scheme, only http and https are allowed", raw)
	default:
		return nil, xerrors.Invalidf("URL scheme %q is not allowed, only http and https", u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, xerrors.Invalidf("URL %q has no host", raw)
	}
	if u.User != nil {
		return nil, xerrors.Invalid("URL must not carry credentials")
	}
	return u, nil
}

// archiveExtension keeps the suffix of the URL path when it is one the
// extractor dispatches on.
func archiveExtension(u *url.URL) string {
	name := strings.ToLower(path.Base(u.Path))
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return ".tar.gz"
	case strings.HasSuffix(name, ".tgz"):
		return ".tgz"
	case strings.HasSuffix(name, ".tar"):
		return ".tar"
	case strings.HasSuffix(name, ".zip"):
		return ".zip"
	}
	return ""
}
