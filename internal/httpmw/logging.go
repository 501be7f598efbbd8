package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/pkgfetch/internal/log"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

const tracerName = "pkgfetch/httpmw"

// quietPaths are polled by load balancers and never access-logged.
var quietPaths = map[string]bool{
	"/-/ready":   true,
	"/-/healthy": true,
}

// statusWriter records status and body size, and times the response write in
// its own span.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	reqStart time.Time

	writeSpan    trace.Span
	started      bool
	ttfb         time.Duration
	writeBlocked time.Duration
	writeErr     error
}

func (sw *statusWriter) startWrite() {
	if sw.started {
		return
	}
	sw.started = true
	sw.ttfb = time.Since(sw.reqStart)

	if !trace.SpanFromContext(sw.ctx).IsRecording() {
		return
	}
	sw.ctx, sw.writeSpan = otel.Tracer(tracerName).Start(sw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", sw.ttfb.Seconds())),
	)
}

func (sw *statusWriter) finish() {
	if sw.writeSpan == nil {
		return
	}
	sw.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", sw.statusCode()),
		attribute.Int64("http.response.body.size", sw.bytes),
		attribute.Float64("http.server.write.block_seconds", sw.writeBlocked.Seconds()),
	)
	if sw.writeErr != nil {
		sw.writeSpan.RecordError(sw.writeErr)
		sw.writeSpan.SetStatus(codes.Error, sw.writeErr.Error())
	}
	sw.writeSpan.End()
}

func (sw *statusWriter) statusCode() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.startWrite()
	if sw.status == 0 {
		sw.status = code
	}
	start := time.Now()
	sw.ResponseWriter.WriteHeader(code)
	sw.writeBlocked += time.Since(start)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.startWrite()
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	start := time.Now()
	n, err := sw.ResponseWriter.Write(b)
	sw.writeBlocked += time.Since(start)
	sw.bytes += int64(n)
	if err != nil && sw.writeErr == nil {
		sw.writeErr = err
	}
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// WithLogger stores a request-scoped logger in the context. Run it after
// RequestID and ClientIP so their values are picked up.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			clientAddr := ClientIPFromContext(ctx)
			if clientAddr == "" {
				clientAddr = peerIP(r.RemoteAddr)
			}
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerIP(r.RemoteAddr)),
				)
			}

			l := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, l)))
		})
	}
}

// AccessLog writes one line per request through the logger WithLogger put in
// the context.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, ctx: r.Context(), reqStart: start}

			next.ServeHTTP(sw, r)
			sw.finish()

			if quietPaths[r.URL.Path] {
				return
			}
			ctx := r.Context()
			var reqBody int64
			if r.ContentLength > 0 {
				reqBody = r.ContentLength
			}
			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", sw.statusCode(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sw.bytes,
				"http.request.body.size", reqBody,
				"http.route", routePattern(r),
			)
		})
	}
}

// Scope tags the logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func peerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
