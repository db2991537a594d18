// Package api provides the read-only HTTP query surface over the audit trail.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loom-io/loom/internal/api/middleware"
)

// problemTypeBase prefixes the type URI carried by every problem document.
const problemTypeBase = "https://loom.io/problems/"

// ProblemDetail is an RFC 7807 problem document. Every error the query
// surface returns takes this shape.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail builds a problem document whose type URI is derived from
// the status code.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   problemTypeBase + strconv.Itoa(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// BadRequest builds a 400 problem document.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound builds a 404 problem document.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// InternalServerError builds a 500 problem document.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// WriteErrorResponse sends the problem document, stamping the request's
// correlation ID and path onto it unless the caller already set them.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	if problem.CorrelationID == "" {
		problem.CorrelationID = middleware.GetCorrelationID(r.Context())
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		// The status line is already out, so the failure can only be logged.
		logger.Error("failed to encode problem response",
			slog.String("correlation_id", problem.CorrelationID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", problem.Status),
			slog.String("error", err.Error()),
		)
	}
}
