package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/pkgfetch/internal/version"
)

// counterValue gathers the registry and returns the value of the counter
// family name whose labels match want
func counterValue(t *testing.T, m *ServerMetrics, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, want) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNew_HandlerServesRegistry(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("pkgfetch", "server", version.Get())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"http_inflight_requests", "http_panic_total", "build_info", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestObserveDownload(t *testing.T) {
	m := New()
	m.ObserveDownload(true, 2048, 0.2)
	m.ObserveDownload(false, 0, 0)
	m.ObserveDownload(false, 0, 0)

	if got := counterValue(t, m, "fetch_downloads_total", map[string]string{"result": "ok"}); got != 1 {
		t.Fatalf("ok = %v, want 1", got)
	}
	if got := counterValue(t, m, "fetch_downloads_total", map[string]string{"result": "rejected"}); got != 2 {
		t.Fatalf("rejected = %v, want 2", got)
	}
}

func TestObserveExtractionAndRejections(t *testing.T) {
	m := New()
	m.ObserveExtraction("zip", false, 0)
	m.ObserveExtraction("tar", true, 3)
	m.IncRejection("entries")
	m.IncRejection("entries")

	if got := counterValue(t, m, "fetch_extractions_total", map[string]string{"kind": "zip", "result": "rejected"}); got != 1 {
		t.Fatalf("zip rejected = %v, want 1", got)
	}
	if got := counterValue(t, m, "fetch_rejections_total", map[string]string{"reason": "entries"}); got != 2 {
		t.Fatalf("entries = %v, want 2", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := m.Middleware(r)

	for _, p := range []string{"/v1/items/1", "/v1/items/2"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
	}

	got := counterValue(t, m, "http_requests_total", map[string]string{
		"method": "GET",
		"route":  "/v1/items/{id}",
		"status": "204",
	})
	if got != 2 {
		t.Fatalf("requests for pattern = %v, want 2", got)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m := New()
	h := m.Middleware(chi.NewRouter())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope/"+strings.Repeat("x", 10), nil))

	got := counterValue(t, m, "http_requests_total", map[string]string{"route": "unmatched", "status": "404"})
	if got != 1 {
		t.Fatalf("unmatched = %v, want 1", got)
	}
}
