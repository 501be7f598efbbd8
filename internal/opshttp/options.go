package opshttp

import (
	"net/http"

	"github.com/keithlinneman/pkgfetch/internal/health"
)

type Options struct {
	// Port defaults to 9000
	Port int

	// Metrics is served at /metrics when set
	Metrics http.Handler

	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	// OnPanic runs after a recovered handler panic, e.g. a counter
	OnPanic func()
}
