package fetch

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// allowedContentTypes are accepted regardless of top-level class. Everything
// under application/ is accepted as well, registries are inconsistent about
// which archive type they declare.
var allowedContentTypes = map[string]bool{
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/x-tar":            true,
	"application/x-compressed-tar": true,
	"application/zip":              true,
	"application/octet-stream":     true,
	"text/plain":                   true,
}

// ContentTypeAllowed reports whether a declared Content-Type header value is
// acceptable for an archive payload. Parameters are ignored; an empty or
// unparsable value is rejected.
func ContentTypeAllowed(ct string) bool {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(ct))
	if err != nil || mt == "" {
		return false
	}
	mt = strings.ToLower(mt)
	if allowedContentTypes[mt] {
		return true
	}
	return strings.HasPrefix(mt, "application/")
}

// sniffed mime types that are never an archive no matter what was declared
func sniffRejected(mt string) bool {
	switch {
	case mt == "text/html", mt == "application/xhtml+xml":
		return true
	case strings.HasPrefix(mt, "image/"), strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"):
		return true
	}
	return false
}

func baseType(m *mimetype.MIME) string {
	mt, _, err := mime.ParseMediaType(m.String())
	if err != nil {
		return m.String()
	}
	return mt
}

// SniffArchive inspects the magic bytes of a downloaded file. It returns the
// detected media type, and a validation error when the content is plainly
// not an archive (an HTML error page, an image).
func SniffArchive(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", xerrors.AsInvalid(err, "sniff downloaded content")
	}
	mt := baseType(m)
	if sniffRejected(mt) {
		return mt, xerrors.Invalidf("downloaded content is %s, not an archive", mt)
	}
	return mt, nil
}

// ExtensionForSniffed maps a sniffed type (or one of its parents) to the
// suffix archive dispatch understands, or "" when there is no match.
func ExtensionForSniffed(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	for ; m != nil; m = m.Parent() {
		switch baseType(m) {
		case "application/gzip", "application/x-gzip":
			return ".tar.gz"
		case "application/x-tar":
			return ".tar"
		case "application/zip":
			return ".zip"
		}
	}
	return ""
}
