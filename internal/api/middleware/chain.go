// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/loom-io/loom/internal/audit"
)

// Option is one link of the middleware chain built by Apply.
type Option func(http.Handler) http.Handler

// Apply wraps handler with the configured middleware. Options are listed
// outermost first, so the first option sees the request before any other.
func Apply(handler http.Handler, options ...Option) http.Handler {
	for _, opt := range slices.Backward(options) {
		handler = opt(handler)
	}

	return handler
}

// nop passes requests through untouched. Used when an optional middleware
// has no backing dependency.
func nop() Option {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// WithCorrelationID tags every request with a correlation ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery converts downstream panics into 500 responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithClientAuth authenticates requests against the key store. A nil store
// disables authentication entirely.
func WithClientAuth(store audit.KeyStore, logger *slog.Logger) Option {
	if store == nil {
		return nop()
	}

	return AuthenticateClient(store, logger)
}

// WithRateLimit throttles clients through the given limiter. A nil limiter
// disables throttling.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return nop()
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs request start and completion.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS applies the cross-origin policy.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}
