// Package api provides the HTTP and websocket surface for learning sessions.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/questline/internal/catalog"
	"github.com/ashureev/questline/internal/metrics"
	"github.com/ashureev/questline/internal/session"
	"github.com/ashureev/questline/internal/store"
)

const maxBodyBytes = 64 << 10

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a service error onto an HTTP status. Anything unrecognised,
// a corrupt snapshot included, is a server error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, catalog.ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrSequenceConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionNotActive),
		errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, session.ErrInvalidAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and
// their detail is kept out of the response.
func fail(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	if status == http.StatusConflict {
		Error(w, status, "session changed concurrently, reload and retry")
		return
	}
	Error(w, status, err.Error())
}

// decodeBody reads an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// HealthHandler reports storage reachability.
type HealthHandler struct {
	pinger  Pinger
	metrics *metrics.Metrics
}

// NewHealthHandler creates a health handler over p.
func NewHealthHandler(p Pinger, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{pinger: p, metrics: m}
}

// Health returns 200 when storage answers a ping, 503 otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "healthy"}
	checks := map[string]string{"api": "ok"}
	code := http.StatusOK

	if err := h.pinger.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	status["checks"] = checks
	JSON(w, code, status)
}

// RegisterRoutes registers the health check and metrics endpoints.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
}
