// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery turns handler panics into logged 500 responses so one bad request
// cannot take the server down.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}

				logger.Error("request panicked",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.Any("panic", v),
					slog.String("stack", string(debug.Stack())),
				)

				writeProblem(w, r, logger, http.StatusInternalServerError,
					"An unexpected error occurred while processing the request")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
