// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// CorrelationHeader carries the request's correlation ID in and out. Clients
// that send one keep it; everyone else gets a generated ID echoed back.
const CorrelationHeader = "X-Correlation-ID"

const correlationIDBytes = 8

type correlationIDKey struct{}

// CorrelationID tags every request with a correlation ID, stashes it in the
// context for downstream logging, and echoes it in the response so clients
// can quote it in bug reports.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationHeader)
			if id == "" {
				id = newCorrelationID()
			}

			w.Header().Set(CorrelationHeader, id)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the request's correlation ID, or "unknown" when
// called outside the middleware chain.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}

	return "unknown"
}

func newCorrelationID() string {
	raw := make([]byte, correlationIDBytes)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failing is effectively unheard of; a timestamp keeps
		// IDs unique enough for request tracing.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}

	return hex.EncodeToString(raw)
}
