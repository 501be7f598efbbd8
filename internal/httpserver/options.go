package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/pkgfetch/internal/health"
	"github.com/keithlinneman/pkgfetch/internal/httpmw"
	"github.com/keithlinneman/pkgfetch/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// APIRoutes registers the service routes on the router
	APIRoutes func(chi.Router)

	Health    health.Probe
	Readiness health.Probe

	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	UseRecoverMW bool
	OnPanic      func()

	// MaxBodyBytes caps request bodies router-wide, default 64KiB
	MaxBodyBytes int64
}
