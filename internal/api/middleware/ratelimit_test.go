// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// stubLimiter returns a fixed decision and records the client ID it saw.
type stubLimiter struct {
	allow      bool
	lastClient string
}

func (s *stubLimiter) Allow(clientID string) bool {
	s.lastClient = clientID

	return s.allow
}

func newTestLimiter(t *testing.T, cfg *Config) *InMemoryRateLimiter {
	t.Helper()

	// Long cleanup interval keeps the ticker quiet during the test
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}

	rl := NewInMemoryRateLimiter(cfg)
	t.Cleanup(func() { _ = rl.Close() })

	return rl
}

func TestComputeBurstCapacity(t *testing.T) {
	assert.Equal(t, 200, computeBurstCapacity(100, 0))
	assert.Equal(t, 500, computeBurstCapacity(100, 500))
}

func TestUnauthenticatedTier(t *testing.T) {
	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1000,
		ClientRPS:  1000,
		UnAuthRPS:  1,
		MaxClients: 10,
	})

	// Burst is 2 × rate, so two unauthenticated requests pass before the
	// bucket is empty
	assert.True(t, rl.Allow(""))
	assert.True(t, rl.Allow(""))
	assert.False(t, rl.Allow(""))
}

func TestPerClientIsolation(t *testing.T) {
	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1000,
		ClientRPS:  1,
		UnAuthRPS:  1000,
		MaxClients: 10,
	})

	assert.True(t, rl.Allow("ci-runner"))
	assert.True(t, rl.Allow("ci-runner"))
	assert.False(t, rl.Allow("ci-runner"))

	// A different client has its own bucket
	assert.True(t, rl.Allow("dashboard"))
}

func TestGlobalTierCapsEveryone(t *testing.T) {
	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1,
		ClientRPS:  1000,
		UnAuthRPS:  1000,
		MaxClients: 10,
	})

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.False(t, rl.Allow("c"))
}

func TestRateLimitMiddlewareDenies(t *testing.T) {
	limiter := &stubLimiter{allow: false}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, discardLogger())(next)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")
}

func TestRateLimitMiddlewareUsesClientID(t *testing.T) {
	limiter := &stubLimiter{allow: true}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, discardLogger())(next)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	r = r.WithContext(SetClientContext(r.Context(), ClientContext{ClientID: "ci-runner"}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ci-runner", limiter.lastClient)
}

func TestCleanupEvictsIdleClients(t *testing.T) {
	rl := newTestLimiter(t, &Config{
		GlobalRPS:   1000,
		ClientRPS:   10,
		UnAuthRPS:   10,
		IdleTimeout: time.Nanosecond,
		MaxClients:  10,
	})

	rl.Allow("ci-runner")

	rl.mu.RLock()
	_, present := rl.perClient["ci-runner"]
	rl.mu.RUnlock()
	assert.True(t, present)

	time.Sleep(time.Millisecond)
	rl.sweep()

	rl.mu.RLock()
	_, present = rl.perClient["ci-runner"]
	rl.mu.RUnlock()
	assert.False(t, present)
}
