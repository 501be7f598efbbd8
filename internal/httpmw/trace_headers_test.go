package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceResponseHeaders(t *testing.T) {
	h := TraceResponseHeaders("", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Trace-Id") != "" {
		t.Fatal("no span, no header")
	}

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	ctx, span := tp.Tracer("test").Start(t.Context(), "req")
	defer span.End()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	sc := span.SpanContext()
	if rec.Header().Get("X-Trace-Id") != sc.TraceID().String() || rec.Header().Get("X-Span-Id") != sc.SpanID().String() {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestAnnotateHTTPRoute(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx, span := tp.Tracer("test").Start(req.Context(), "http")
			defer span.End()
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}, AnnotateHTTPRoute)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/42", nil))

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if got := ended[0].Name(); got != "GET /v1/jobs/{id}" {
		t.Fatalf("span name = %q", got)
	}
}
