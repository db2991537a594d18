// Package api provides the read-only HTTP query surface over the audit trail.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loom-io/loom/internal/api/middleware"
	"github.com/loom-io/loom/internal/audit"
)

// Server is the audit query API: an http.Server wrapped in the middleware
// stack, plus the dependencies the handlers read from.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	store       Store
	keyStore    audit.KeyStore
	rateLimiter middleware.RateLimiter
}

// NewServer assembles the server around its dependencies. Config carries
// only environment-derived settings; the store, key store and rate limiter
// are injected so callers pick the backing implementations. A nil keyStore
// disables authentication and a nil rateLimiter disables throttling; both
// are logged at startup.
func NewServer(cfg *ServerConfig, store Store, keyStore audit.KeyStore, rateLimiter middleware.RateLimiter) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	s := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		keyStore:    keyStore,
		rateLimiter: rateLimiter,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	if keyStore == nil { // pragma: allowlist secret
		logger.Warn("no key store configured, client authentication disabled")
	}

	if rateLimiter == nil {
		logger.Warn("no rate limiter configured, throttling disabled")
	}

	// Correlation runs first so every later stage can tag its logs, with
	// recovery directly under it to catch the rest. Auth precedes the
	// rate limiter so authenticated clients get per-client budgets, and
	// the request logger follows the limiter to keep rejected floods out
	// of the log.
	s.httpServer = &http.Server{
		Addr: cfg.Address(),
		Handler: middleware.Apply(mux,
			middleware.WithCorrelationID(),
			middleware.WithRecovery(logger),
			middleware.WithClientAuth(keyStore, logger),
			middleware.WithRateLimit(rateLimiter, logger),
			middleware.WithRequestLogger(logger),
			middleware.WithCORS(cfg.ToCORSConfig()),
		),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the fully assembled handler, middleware included.
// Exposed for httptest based handler tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server until SIGINT or SIGTERM arrives or the listener
// fails, then shuts down gracefully.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)

	go func() {
		s.logger.Info("starting audit API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		return s.shutdown()
	}
}

// shutdown drains in-flight requests within the configured timeout, then
// releases the server's dependencies.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependencies()
	s.logger.Info("server shutdown complete")

	return nil
}

// closeDependencies closes every injected dependency that implements
// io.Closer. Failures are logged rather than returned; the process is
// exiting either way.
func (s *Server) closeDependencies() {
	deps := []struct {
		name string
		dep  any
	}{
		{"audit store", s.store},
		{"key store", s.keyStore},
		{"rate limiter", s.rateLimiter},
	}

	for _, d := range deps {
		closer, ok := d.dep.(io.Closer)
		if !ok {
			continue
		}

		if err := closer.Close(); err != nil {
			s.logger.Error("failed to close dependency",
				slog.String("dependency", d.name),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Info("dependency closed", slog.String("dependency", d.name))
	}
}
