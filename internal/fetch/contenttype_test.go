package fetch

import (
	"archive/zip"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

func TestContentTypeAllowed(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"application/gzip", true},
		{"application/x-gzip", true},
		{"application/x-tar", true},
		{"application/zip", true},
		{"application/octet-stream", true},
		{"application/octet-stream; charset=binary", true},
		{"Application/Zip", true},
		{"application/vnd.npm.install-v1+json", true},
		{"text/plain", true},
		{"text/plain; charset=utf-8", true},
		{"text/html", false},
		{"text/html; charset=utf-8", false},
		{"image/png", false},
		{"video/mp4", false},
		{"", false},
		{";;;", false},
	}
	for _, tt := range tests {
		if got := ContentTypeAllowed(tt.ct); got != tt.want {
			t.Errorf("ContentTypeAllowed(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestSniffArchive(t *testing.T) {
	gz := writeFile(t, "a", gzipBytes(t, "payload"))
	if _, err := SniffArchive(gz); err != nil {
		t.Fatalf("gzip should pass sniffing: %v", err)
	}
	if ext := ExtensionForSniffed(gz); ext != ".tar.gz" {
		t.Fatalf("ExtensionForSniffed(gzip) = %q", ext)
	}

	zp := filepath.Join(t.TempDir(), "b")
	f, err := os.Create(zp)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("README.md")
	_, _ = w.Write([]byte("# hi"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	if ext := ExtensionForSniffed(zp); ext != ".zip" {
		t.Fatalf("ExtensionForSniffed(zip) = %q", ext)
	}

	png := writeFile(t, "c", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	mt, err := SniffArchive(png)
	if !xerrors.IsInvalid(err) {
		t.Fatalf("png should be rejected as invalid, got %v", err)
	}
	if mt != "image/png" {
		t.Fatalf("sniffed type = %q", mt)
	}

	if _, err := SniffArchive(filepath.Join(t.TempDir(), "missing")); !xerrors.IsInvalid(err) {
		t.Fatalf("missing file should be a validation error, got %v", err)
	}
}

func TestArchiveExtension(t *testing.T) {
	tests := map[string]string{
		"https://r.example.com/pkg/-/pkg-1.0.0.tgz":  ".tgz",
		"https://r.example.com/pkg-1.0.0.tar.gz":     ".tar.gz",
		"https://r.example.com/PKG.TAR":              ".tar",
		"https://r.example.com/dist/pkg.zip?sig=abc": ".zip",
		"https://r.example.com/download":             "",
		"https://r.example.com/readme.md":            "",
	}
	for raw, want := range tests {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := archiveExtension(u); got != want {
			t.Errorf("archiveExtension(%q) = %q, want %q", raw, got, want)
		}
	}
}
