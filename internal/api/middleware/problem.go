// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// problem is the RFC 7807 shape the middleware emits for its own rejections
// (auth failures, rate limits, recovered panics). Handler-level errors use
// the richer type in the api package; importing it here would be a cycle.
type problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlation_id"` //nolint:tagliatelle
}

// writeProblem writes an RFC 7807 response with the request's correlation
// ID. An encode failure is only logged: the status line is already out, so
// there is nothing better left to send.
func writeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, detail string) {
	p := problem{
		Type:          fmt.Sprintf("https://loom.io/problems/%d", status),
		Title:         problemTitle(status),
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(p); err != nil {
		logger.Error("failed to encode problem response",
			slog.Int("status", status),
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", p.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

func problemTitle(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusTooManyRequests:
		return "Too Many Requests"
	case http.StatusInternalServerError:
		return "Internal Server Error"
	default:
		return http.StatusText(status)
	}
}
