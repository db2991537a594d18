// Package api provides the read-only HTTP query surface over the audit trail.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loom-io/loom/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second

	serviceName    = "loom"
	serviceVersion = "v0.1.0" // TODO: inject version at build time via ldflags
)

// HealthStatus is the payload served by the healthz endpoint.
type HealthStatus struct {
	Status      string `json:"status"`
	ServiceName string `json:"serviceName"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime,omitempty"`
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health endpoints skip authentication so probes can reach them. The
	// catch-all keeps 404 responses in the problem document format.
	s.registerPublic(mux, "GET /ping", s.handlePing)
	s.registerPublic(mux, "GET /ready", s.handleReady)
	s.registerPublic(mux, "GET /healthz", s.handleHealthz)
	s.registerPublic(mux, "/", s.handleNotFound)

	// Audit query endpoints, guarded by authentication and rate limiting.
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRunDetails)
	mux.HandleFunc("GET /api/v1/runs/{id}/tokens/{tokenID}/lineage", s.handleGetTokenLineage)
}

// registerPublic mounts a handler and exempts its path from authentication.
// Reserve this for health probes; query endpoints must stay guarded.
func (s *Server) registerPublic(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, handler)

	path := pathOnly(pattern)
	if path == "" {
		s.logger.Warn("malformed route pattern, not registered as public", slog.String("pattern", pattern))

		return
	}

	middleware.RegisterPublicEndpoint(path)
}

// pathOnly strips the optional method prefix from a mux pattern, since the
// public endpoint registry matches on r.URL.Path alone. "GET /ping" becomes
// "/ping"; a bare "/" passes through unchanged.
func pathOnly(pattern string) string {
	if _, path, found := strings.Cut(pattern, " "); found {
		return strings.TrimSpace(path)
	}

	return pattern
}

// writeText answers with a small plain text body, logging a failed write.
func (s *Server) writeText(w http.ResponseWriter, r *http.Request, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// writeJSON marshals payload and answers 200, degrading to a problem
// document when encoding fails before any bytes have gone out.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// handlePing answers liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Loom-Version", serviceVersion)
	s.writeText(w, r, http.StatusOK, "pong")
}

// handleReady answers readiness probes. It reports 503 when the audit store
// fails its health check, so traffic is routed away until storage recovers.
// Without a configured store there is nothing to probe and the server
// reports ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.logger.Warn("audit store not configured, readiness probe runs degraded",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
		s.writeText(w, r, http.StatusOK, "ready")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("storage health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writeText(w, r, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	s.writeText(w, r, http.StatusOK, "ready")
}

// handleHealthz reports service identity, version and uptime.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     serviceVersion,
	}

	if !s.startTime.IsZero() {
		health.Uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set("X-Loom-Version", serviceVersion)
	s.writeJSON(w, r, health)
}

// handleNotFound keeps unknown paths on the problem document format.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}
