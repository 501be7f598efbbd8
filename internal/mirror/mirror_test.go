package mirror

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/pkgfetch/internal/cryptoutil"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

type object struct {
	body []byte
	meta map[string]string
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
	getErr  error
	putErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string]object{}} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.body)),
		ContentLength: aws.Int64(int64(len(obj.body))),
		Metadata:      obj.meta,
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = object{body: b, meta: in.Metadata}
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

type lookups struct{ results []string }

func (l *lookups) IncMirrorLookup(r string) { l.results = append(l.results, r) }

func newTestMirror(t *testing.T, fake *fakeS3, opts Options) (*Mirror, string) {
	t.Helper()
	opts.Client = fake
	if opts.Bucket == "" {
		opts.Bucket = "archives"
	}
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	m, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, opts.TempDir
}

func emptyDir(t *testing.T, dir string) bool {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(ents) == 0
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Options{Client: newFakeS3()}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestKey(t *testing.T) {
	m, _ := newTestMirror(t, newFakeS3(), Options{Prefix: "/mirror/"})
	raw := "https://registry.example.com/pkg/-/pkg-1.0.0.tgz"
	want := "mirror/" + cryptoutil.SHA256Hex([]byte(raw)) + "/pkg-1.0.0.tgz"
	if got := m.Key(raw); got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}

	if got := m.Key("https://registry.example.com/"); !strings.HasSuffix(got, "/archive") {
		t.Fatalf("Key without basename = %q", got)
	}
	if got := m.Key("https://registry.example.com/a/.."); !strings.HasSuffix(got, "/archive") {
		t.Fatalf("Key with dot segment = %q", got)
	}
}

func TestStoreThenFetch(t *testing.T) {
	fake := newFakeS3()
	l := &lookups{}
	m, tmp := newTestMirror(t, fake, Options{Metrics: l})

	src := filepath.Join(t.TempDir(), "pkg.tgz")
	if err := os.WriteFile(src, []byte("archive-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	key := m.Key("https://registry.example.com/pkg.tgz")
	if err := m.Store(context.Background(), key, src); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got := fake.objects[key].meta["sha256"]; got != cryptoutil.SHA256Hex([]byte("archive-bytes")) {
		t.Fatalf("stored sha256 metadata = %q", got)
	}

	p, err := m.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasSuffix(p, ".tgz") {
		t.Fatalf("fetched path %q should keep the archive suffix", p)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != "archive-bytes" {
		t.Fatalf("fetched content = %q, %v", b, err)
	}

	if err := m.Release(p); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !emptyDir(t, tmp) {
		t.Fatal("Release should remove the mirror workspace")
	}
	if strings.Join(l.results, ",") != "stored,hit" {
		t.Fatalf("lookups = %v", l.results)
	}
}

func TestFetch_Miss(t *testing.T) {
	l := &lookups{}
	m, _ := newTestMirror(t, newFakeS3(), Options{Metrics: l})
	_, err := m.Fetch(context.Background(), "nope/pkg.tgz")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(l.results) != 1 || l.results[0] != "miss" {
		t.Fatalf("lookups = %v", l.results)
	}
}

func TestFetch_OversizeRemovesWorkspace(t *testing.T) {
	fake := newFakeS3()
	fake.objects["k/pkg.tgz"] = object{body: bytes.Repeat([]byte("x"), 2048)}
	m, tmp := newTestMirror(t, fake, Options{MaxBytes: 1024})

	_, err := m.Fetch(context.Background(), "k/pkg.tgz")
	if !xerrors.IsInvalid(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !emptyDir(t, tmp) {
		t.Fatal("workspace should be removed")
	}
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	fake := newFakeS3()
	fake.objects["k/pkg.zip"] = object{
		body: []byte("tampered"),
		meta: map[string]string{"sha256": cryptoutil.SHA256Hex([]byte("original"))},
	}
	m, tmp := newTestMirror(t, fake, Options{})

	_, err := m.Fetch(context.Background(), "k/pkg.zip")
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
	if !emptyDir(t, tmp) {
		t.Fatal("workspace should be removed")
	}
}

func TestFetch_BackendError(t *testing.T) {
	fake := newFakeS3()
	fake.getErr = errors.New("access denied")
	l := &lookups{}
	m, _ := newTestMirror(t, fake, Options{Metrics: l})

	_, err := m.Fetch(context.Background(), "k/pkg.tgz")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want backend error", err)
	}
	if len(l.results) != 1 || l.results[0] != "error" {
		t.Fatalf("lookups = %v", l.results)
	}
}

func TestStore_Error(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("throttled")
	m, _ := newTestMirror(t, fake, Options{})

	src := filepath.Join(t.TempDir(), "pkg.tgz")
	if err := os.WriteFile(src, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Store(context.Background(), "k/pkg.tgz", src); err == nil {
		t.Fatal("expected store error")
	}
	if err := m.Store(context.Background(), "k/pkg.tgz", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestArchiveSuffix(t *testing.T) {
	tests := map[string]string{
		"a/pkg.tar.gz": ".tar.gz",
		"a/pkg.TGZ":    ".tgz",
		"a/pkg.tar":    ".tar",
		"a/pkg.zip":    ".zip",
		"a/archive":    "",
	}
	for key, want := range tests {
		if got := archiveSuffix(key); got != want {
			t.Errorf("archiveSuffix(%q) = %q, want %q", key, got, want)
		}
	}
}

func gzipBytes(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStoreThenFetch_SuffixlessKey(t *testing.T) {
	fake := newFakeS3()
	m, _ := newTestMirror(t, fake, Options{})

	src := filepath.Join(t.TempDir(), "archive-1.tar.gz")
	if err := os.WriteFile(src, gzipBytes(t, "tar"), 0o600); err != nil {
		t.Fatal(err)
	}
	key := m.Key("https://files.example.com/download?pkg=foo&v=1")
	if archiveSuffix(key) != "" {
		t.Fatalf("key %q should not carry a suffix", key)
	}
	if err := m.Store(context.Background(), key, src); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got := fake.objects[key].meta["suffix"]; got != ".tar.gz" {
		t.Fatalf("stored suffix metadata = %q", got)
	}

	p, err := m.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer m.Release(p)
	if !strings.HasSuffix(p, ".tar.gz") {
		t.Fatalf("fetched path %q should end in .tar.gz", p)
	}
}

func TestStore_SuffixedKeyOmitsSuffixMetadata(t *testing.T) {
	fake := newFakeS3()
	m, _ := newTestMirror(t, fake, Options{})

	src := filepath.Join(t.TempDir(), "pkg.zip")
	if err := os.WriteFile(src, []byte("zip"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Store(context.Background(), "k/pkg.zip", src); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := fake.objects["k/pkg.zip"].meta["suffix"]; ok {
		t.Fatal("suffix metadata should only be set when the key has none")
	}
}

func TestFetch_SniffsObjectWithoutSuffix(t *testing.T) {
	fake := newFakeS3()
	fake.objects["k/download"] = object{body: gzipBytes(t, "tar")}
	m, tmp := newTestMirror(t, fake, Options{})

	p, err := m.Fetch(context.Background(), "k/download")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasSuffix(p, ".tar.gz") {
		t.Fatalf("fetched path %q should end in .tar.gz", p)
	}
	if err := m.Release(p); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !emptyDir(t, tmp) {
		t.Fatal("Release should remove the mirror workspace")
	}
}

func TestFetch_UnrecognizedObjectWithoutSuffix(t *testing.T) {
	fake := newFakeS3()
	fake.objects["k/download"] = object{body: []byte("<html>not found</html>")}
	l := &lookups{}
	m, tmp := newTestMirror(t, fake, Options{Metrics: l})

	_, err := m.Fetch(context.Background(), "k/download")
	if !xerrors.IsInvalid(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !emptyDir(t, tmp) {
		t.Fatal("workspace should be removed")
	}
	if len(l.results) != 1 || l.results[0] != "error" {
		t.Fatalf("lookups = %v", l.results)
	}
}
