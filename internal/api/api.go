// Package api serves package inspection over HTTP.
//
//	POST /v1/inspect  {"url": "..."}  200 summary, 422 when no content is available
//	GET  /v1/limits                   active ingestion ceilings
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/pkgfetch/internal/archive"
	"github.com/keithlinneman/pkgfetch/internal/httpmw"
	"github.com/keithlinneman/pkgfetch/internal/inspect"
	"github.com/keithlinneman/pkgfetch/internal/log"
)

// maxRequestBytes bounds the JSON body; it only carries a URL.
const maxRequestBytes = 8 << 10

type Inspector interface {
	Inspect(ctx context.Context, rawURL string) *inspect.Summary
}

type API struct {
	inspector Inspector
	limits    Limits
	logger    log.Logger
}

// Limits is what GET /v1/limits reports.
type Limits struct {
	Download   int64          `json:"max_download_bytes"`
	Extraction archive.Limits `json:"extraction"`
	Schemes    []string       `json:"allowed_schemes"`
}

type inspectRequest struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(inspector Inspector, limits Limits, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if limits.Schemes == nil {
		limits.Schemes = []string{"http", "https"}
	}
	return &API{inspector: inspector, limits: limits, logger: logger}
}

func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.MaxBody(maxRequestBytes), httpmw.Scope("inspect")).Post("/v1/inspect", api.HandleInspect)
	r.With(httpmw.Scope("limits")).Get("/v1/limits", api.HandleLimits)
}

func (api *API) HandleInspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req inspectRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "body must hold a single JSON object"})
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		return
	}

	// the inspector logs the reason; callers only learn that nothing is available
	sum := api.inspector.Inspect(ctx, req.URL)
	if sum == nil {
		api.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{Error: "no content available"})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, sum)
}

func (api *API) HandleLimits(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, api.limits)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
