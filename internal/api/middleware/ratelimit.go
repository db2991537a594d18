// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"cmp"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstMultiplier = 2

	defaultGlobalRPS  = 100
	defaultClientRPS  = 50
	defaultUnAuthRPS  = 10
	defaultMaxClients = 100

	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTimeout     = time.Hour
)

// RateLimiter decides whether a request may proceed. The in-memory
// implementation below suits single-node deployments; a store-backed
// implementation can replace it without touching the middleware.
type RateLimiter interface {
	// Allow reports whether a request from the given client may proceed.
	// Unauthenticated requests pass an empty clientID.
	Allow(clientID string) bool
}

// clientBucket is one client's token bucket plus the last time it was used,
// kept as UnixNano so Allow never takes a lock to record activity.
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// InMemoryRateLimiter enforces three tiers of token-bucket limits: one
// global bucket, one per authenticated client, and one shared by all
// unauthenticated traffic. Idle client buckets are swept periodically.
type InMemoryRateLimiter struct {
	global *rate.Limiter
	unauth *rate.Limiter

	mu        sync.RWMutex
	perClient map[string]*clientBucket

	clientRPS   int
	clientBurst int
	idleTimeout time.Duration
	warnAt      int
	maxClients  int

	ticker *time.Ticker
	done   chan struct{}
}

// NewInMemoryRateLimiter builds a limiter from config, filling zero fields
// with the package defaults, and starts the background sweep. Call Close
// when the limiter is no longer needed.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalRPS := cmp.Or(config.GlobalRPS, defaultGlobalRPS)
	clientRPS := cmp.Or(config.ClientRPS, defaultClientRPS)
	unauthRPS := cmp.Or(config.UnAuthRPS, defaultUnAuthRPS)
	maxClients := cmp.Or(config.MaxClients, defaultMaxClients)

	rl := &InMemoryRateLimiter{
		global:      rate.NewLimiter(rate.Limit(globalRPS), computeBurstCapacity(globalRPS, config.GlobalBurst)),
		unauth:      rate.NewLimiter(rate.Limit(unauthRPS), computeBurstCapacity(unauthRPS, config.UnAuthBurst)),
		perClient:   make(map[string]*clientBucket),
		clientRPS:   clientRPS,
		clientBurst: computeBurstCapacity(clientRPS, config.ClientBurst),
		idleTimeout: cmp.Or(config.IdleTimeout, defaultIdleTimeout),
		warnAt:      maxClients * 8 / 10,
		maxClients:  maxClients,
		ticker:      time.NewTicker(cmp.Or(config.CleanupInterval, defaultCleanupInterval)),
		done:        make(chan struct{}),
	}

	go rl.janitor()

	return rl
}

// computeBurstCapacity returns the burst override when set, otherwise twice
// the sustained rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstMultiplier
}

// Allow reports whether a request may proceed. The global bucket is drained
// first, then the per-client or unauthenticated bucket.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if clientID == "" {
		return rl.unauth.Allow()
	}

	bucket := rl.bucket(clientID)
	bucket.lastSeen.Store(time.Now().UnixNano())

	return bucket.limiter.Allow()
}

// bucket returns the client's bucket, creating it on first sight.
func (rl *InMemoryRateLimiter) bucket(clientID string) *clientBucket {
	rl.mu.RLock()
	b, ok := rl.perClient[clientID]
	rl.mu.RUnlock()

	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok = rl.perClient[clientID]; ok {
		return b
	}

	b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst)}
	b.lastSeen.Store(time.Now().UnixNano())
	rl.perClient[clientID] = b

	if n := len(rl.perClient); n >= rl.warnAt {
		slog.Warn("rate limiter client table filling up",
			slog.Int("clients", n),
			slog.Int("max_clients", rl.maxClients),
		)
	}

	return b
}

// Close stops the sweep goroutine. It satisfies io.Closer so callers that
// only hold the RateLimiter interface can shut the limiter down through a
// type assertion.
func (rl *InMemoryRateLimiter) Close() error {
	rl.ticker.Stop()
	close(rl.done)

	return nil
}

func (rl *InMemoryRateLimiter) janitor() {
	for {
		select {
		case <-rl.ticker.C:
			rl.sweep()
		case <-rl.done:
			return
		}
	}
}

// sweep drops buckets that have been idle longer than the configured
// timeout so the client table cannot grow without bound.
func (rl *InMemoryRateLimiter) sweep() {
	deadline := time.Now().Add(-rl.idleTimeout).UnixNano()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientID, bucket := range rl.perClient {
		if bucket.lastSeen.Load() < deadline {
			delete(rl.perClient, clientID)
		}
	}
}

// RateLimit rejects requests that exceed the limiter's budget with a 429
// problem document. It must sit after authentication in the chain so
// authenticated clients are throttled per client rather than through the
// shared unauthenticated bucket.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if clientCtx, ok := GetClientContext(r.Context()); ok {
				clientID = clientCtx.ClientID
			}

			if !limiter.Allow(clientID) {
				writeProblem(w, r, logger, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after some time.")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
