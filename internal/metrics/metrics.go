package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/pkgfetch/internal/version"
)

// ServerMetrics is the single registry for the process. Labels are bounded
// enums (result, kind, reason, method, route, status); URLs and hosts never
// become labels.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal *prometheus.CounterVec

	downloadsTotal    *prometheus.CounterVec
	downloadBytes     prometheus.Histogram
	downloadDuration  prometheus.Histogram
	extractionsTotal  *prometheus.CounterVec
	extractedEntries  prometheus.Histogram
	rejectionsTotal   *prometheus.CounterVec
	inspectionsTotal  *prometheus.CounterVec
	mirrorLookupTotal *prometheus.CounterVec
}

// New returns a fresh registry with go/process collectors and the fetch,
// extraction and HTTP metrics registered
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total requests rejected or deferred by a rate limiter, by scope (inbound|outbound)",
		}, []string{"scope"}),
		downloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_downloads_total",
			Help: "Archive downloads by result (ok|rejected)",
		}, []string{"result"}),
		downloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_download_bytes",
			Help:    "Bytes written to disk per successful download",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_download_duration_seconds",
			Help:    "Time from request to archive on disk",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		extractionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_extractions_total",
			Help: "Archive extractions by archive kind and result",
		}, []string{"kind", "result"}),
		extractedEntries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_extracted_entries",
			Help:    "Files reported per successful extraction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_rejections_total",
			Help: "Validation failures by reason",
		}, []string{"reason"}),
		inspectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspect_total",
			Help: "Content inspections by result (ok|unavailable)",
		}, []string{"result"}),
		mirrorLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_lookups_total",
			Help: "S3 mirror lookups by result (hit|miss|error)",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.downloadsTotal,
		m.downloadBytes,
		m.downloadDuration,
		m.extractionsTotal,
		m.extractedEntries,
		m.rejectionsTotal,
		m.inspectionsTotal,
		m.mirrorLookupTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimited(scope string) {
	m.ratelimitDeniedTotal.WithLabelValues(scope).Inc()
}

// ObserveDownload records one finished download. bytes and seconds are only
// observed for successful downloads.
func (m *ServerMetrics) ObserveDownload(ok bool, bytes int64, seconds float64) {
	if !ok {
		m.downloadsTotal.WithLabelValues("rejected").Inc()
		return
	}
	m.downloadsTotal.WithLabelValues("ok").Inc()
	m.downloadBytes.Observe(float64(bytes))
	m.downloadDuration.Observe(seconds)
}

func (m *ServerMetrics) ObserveExtraction(kind string, ok bool, entries int) {
	if !ok {
		m.extractionsTotal.WithLabelValues(kind, "rejected").Inc()
		return
	}
	m.extractionsTotal.WithLabelValues(kind, "ok").Inc()
	m.extractedEntries.Observe(float64(entries))
}

func (m *ServerMetrics) IncRejection(reason string) {
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncInspection(ok bool) {
	if ok {
		m.inspectionsTotal.WithLabelValues("ok").Inc()
	} else {
		m.inspectionsTotal.WithLabelValues("unavailable").Inc()
	}
}

func (m *ServerMetrics) IncMirrorLookup(result string) {
	m.mirrorLookupTotal.WithLabelValues(result).Inc()
}
