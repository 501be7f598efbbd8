package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/keithlinneman/pkgfetch/internal/archive"
	"github.com/keithlinneman/pkgfetch/internal/inspect"
)

type fakeInspector struct {
	sums map[string]*inspect.Summary
	got  []string
}

func (f *fakeInspector) Inspect(_ context.Context, rawURL string) *inspect.Summary {
	f.got = append(f.got, rawURL)
	return f.sums[rawURL]
}

func newRouter(t *testing.T, f *fakeInspector) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	New(f, Limits{
		Download:   1024,
		Extraction: archive.NewExtractor(archive.Options{MaxBytes: 1024, MaxEntries: 10}).Limits(),
	}, nil).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHandleInspect(t *testing.T) {
	f := &fakeInspector{sums: map[string]*inspect.Summary{
		"https://registry.example.com/demo.tgz": {
			URL:       "https://registry.example.com/demo.tgz",
			Source:    inspect.SourceUpstream,
			FileCount: 1,
			HasReadme: true,
			Readme:    "README.md",
			Files:     []string{"README.md"},
		},
	}}
	h := newRouter(t, f)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"ok", `{"url":" https://registry.example.com/demo.tgz "}`, http.StatusOK, ""},
		{"fails closed", `{"url":"https://registry.example.com/evil.tgz"}`, http.StatusUnprocessableEntity, "no content available"},
		{"bad json", `{"url":`, http.StatusBadRequest, "invalid JSON body"},
		{"unknown field", `{"url":"x","depth":3}`, http.StatusBadRequest, "invalid JSON body"},
		{"trailing data", `{"url":"x"}{"url":"y"}`, http.StatusBadRequest, "single JSON object"},
		{"missing url", `{}`, http.StatusBadRequest, "url is required"},
		{"too large", `{"url":"` + strings.Repeat("a", maxRequestBytes) + `"}`, http.StatusRequestEntityTooLarge, "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/inspect", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Fatalf("Content-Type = %q", ct)
			}
			if tt.wantErr == "" {
				var got inspect.Summary
				if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if diff := cmp.Diff([]string{"README.md"}, got.Files); diff != "" || !got.HasReadme {
					t.Fatalf("summary = %+v (-want +got files):\n%s", got, diff)
				}
				return
			}
			var e errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.Contains(e.Error, tt.wantErr) {
				t.Fatalf("error = %q, want %q", e.Error, tt.wantErr)
			}
		})
	}

	want := []string{"https://registry.example.com/demo.tgz", "https://registry.example.com/evil.tgz"}
	if diff := cmp.Diff(want, f.got); diff != "" {
		t.Fatalf("inspected urls (-want +got):\n%s", diff)
	}
}

func TestHandleLimits(t *testing.T) {
	rec := do(t, newRouter(t, &fakeInspector{}), http.MethodGet, "/v1/limits", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Limits
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Limits{
		Download: 1024,
		Extraction: archive.Limits{
			MaxBytes:        1024,
			MaxUncompressed: 4096,
			MaxFileBytes:    1024,
			MaxEntries:      10,
		},
		Schemes: []string{"http", "https"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("limits (-want +got):\n%s", diff)
	}
}

func TestInspect_MethodNotAllowed(t *testing.T) {
	if rec := do(t, newRouter(t, &fakeInspector{}), http.MethodGet, "/v1/inspect", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
