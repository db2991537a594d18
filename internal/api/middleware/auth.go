// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loom-io/loom/internal/audit"
)

// publicEndpoints lists paths that skip authentication. Only liveness and
// health probes belong here. Register them during route setup, before the
// server starts accepting traffic.
var publicEndpoints = map[string]struct{}{} //nolint:gochecknoglobals

// RegisterPublicEndpoint exempts a path from authentication. Not safe to
// call once the server is serving requests.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = struct{}{}
}

// Authentication failure categories. AuthError wraps one of these so
// callers can branch with errors.Is.
var (
	ErrMissingAPIKey  = errors.New("missing API key")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrAPIKeyExpired  = errors.New("API key expired")
	ErrAPIKeyInactive = errors.New("API key inactive")
)

// AuthError pairs a failure category with a client-safe message.
type AuthError struct {
	Type    error
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed: " + e.Type.Error()
	}

	return "authentication failed: " + e.Type.Error() + ": " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractAPIKey pulls the API key from the X-Api-Key header, falling back
// to an Authorization bearer token. A present but malformed X-Api-Key is
// terminal; the bearer token is only consulted when X-Api-Key is absent.
func extractAPIKey(r *http.Request) (string, bool) {
	if raw := r.Header.Get("X-Api-Key"); raw != "" {
		return cleanKey(raw)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cleanKey(token)
	}

	return "", false
}

// cleanKey trims surrounding whitespace and rejects empty values and values
// carrying newline characters, which could smuggle extra headers.
func cleanKey(raw string) (string, bool) {
	if strings.ContainsAny(raw, "\r\n") {
		return "", false
	}

	key := strings.TrimSpace(raw)

	return key, key != ""
}

// timingHash is a throwaway bcrypt hash at the same cost as stored keys.
// Rejected lookups compare against it so a missing key costs the same as a
// mismatched one.
var timingHash = sync.OnceValue(func() string { //nolint:gochecknoglobals
	hash, err := audit.HashAPIKey(strings.Repeat("0", 72))
	if err != nil {
		return ""
	}

	return hash
})

func equalizeTiming(key string) {
	_ = audit.CompareAPIKeyHash(timingHash(), key)
}

// checkUsable verifies that a stored key is still serviceable.
func checkUsable(key *audit.Key) *AuthError {
	if !key.Active {
		return &AuthError{Type: ErrAPIKeyInactive, Message: "API key is inactive"}
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}
	}

	return nil
}

// authenticate resolves the presented key against the store. Format errors
// and unknown keys collapse into the same generic failure so callers cannot
// probe which keys exist.
func authenticate(ctx context.Context, store audit.KeyStore, apiKey string) (*audit.Key, *AuthError) {
	parsed, err := audit.ParseAPIKey(apiKey)
	if err != nil {
		equalizeTiming(apiKey)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	key, ok := store.FindByKey(ctx, parsed)
	if !ok {
		equalizeTiming(parsed)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	if authErr := checkUsable(key); authErr != nil {
		return nil, authErr
	}

	return key, nil
}

// AuthenticateClient validates API keys against the store and enriches the
// request context with the calling client's identity. Paths registered via
// RegisterPublicEndpoint pass through untouched.
func AuthenticateClient(store audit.KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, public := publicEndpoints[r.URL.Path]; public {
				next.ServeHTTP(w, r)

				return
			}

			start := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			key, authErr := authenticate(r.Context(), store, apiKey)
			if authErr != nil {
				writeAuthError(w, r, logger, authErr)

				return
			}

			clientCtx := ClientContext{
				ClientID:    key.ClientID,
				Name:        key.Name,
				Permissions: key.Permissions,
				KeyID:       key.ID,
				AuthTime:    time.Now(),
			}

			logger.Info("client authenticated",
				slog.String("client_id", clientCtx.ClientID),
				slog.String("key_id", clientCtx.KeyID),
				slog.String("api_key", audit.MaskKey(apiKey)),
				slog.Duration("auth_latency", time.Since(start)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("path", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(SetClientContext(r.Context(), clientCtx)))
		})
	}
}

// writeAuthError logs the failure and answers with a problem document. Only
// an inactive key yields 403; every other failure is a plain 401 so the
// response does not reveal why the key was refused.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, authErr *AuthError) {
	status := http.StatusUnauthorized
	if errors.Is(authErr, ErrAPIKeyInactive) {
		status = http.StatusForbidden
	}

	logger.Warn("authentication failed",
		slog.String("reason", authErr.Error()),
		slog.String("correlation_id", GetCorrelationID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	writeProblem(w, r, logger, status, authErr.Message)
}
