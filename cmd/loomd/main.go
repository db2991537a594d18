// Package main implements loomd, the Loom audit API daemon.
//
// loomd serves the read-only query surface over a recorded audit trail:
// run listings, run details, and token lineage explanations. It connects
// to the same PostgreSQL store that pipeline runs write through and
// exposes the data over HTTP with authentication and rate limiting.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/loom-io/loom/internal/api"
	"github.com/loom-io/loom/internal/api/middleware"
	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/config"
)

// Build-time variables injected via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

const name = "loomd"

func main() {
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s (%s)\n", name, Version, GitCommit)

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

// run wires the daemon together and blocks until shutdown. Keeping the
// exit out of this function lets the deferred cleanup actually run.
func run() error {
	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting audit API daemon",
		slog.String("service", name),
		slog.String("version", Version),
		slog.String("address", serverConfig.Address()),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	limiterConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(limiterConfig)

	logger.Info("rate limiter configured",
		slog.Int("global_rps", limiterConfig.GlobalRPS),
		slog.Int("client_rps", limiterConfig.ClientRPS),
		slog.Int("unauth_rps", limiterConfig.UnAuthRPS),
	)

	auditConfig := audit.LoadConfig()

	dbConn, err := audit.NewConnection(auditConfig)
	if err != nil {
		return fmt.Errorf("connect to audit database: %w", err)
	}

	defer func() {
		if closeErr := dbConn.Close(); closeErr != nil {
			logger.Error("failed to close database connection", slog.Any("error", closeErr))
		}
	}()

	var keyStore audit.KeyStore

	if config.GetEnvBool("LOOM_AUTH_ENABLED", false) {
		persistentStore, storeErr := audit.NewPersistentKeyStore(dbConn)
		if storeErr != nil {
			return fmt.Errorf("initialize key store: %w", storeErr)
		}

		keyStore = persistentStore

		logger.Info("client authentication enabled",
			slog.String("database_url", auditConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("client authentication disabled",
			slog.String("note", "set LOOM_AUTH_ENABLED=true before exposing this daemon outside a trusted network"),
		)
	}

	auditStore, err := audit.NewPostgresStore(dbConn)
	if err != nil {
		return fmt.Errorf("initialize audit store: %w", err)
	}

	logger.Info("audit store ready",
		slog.String("database_url", auditConfig.MaskDatabaseURL()),
		slog.Int("max_open_conns", auditConfig.MaxOpenConns),
		slog.Int("max_idle_conns", auditConfig.MaxIdleConns),
		slog.Duration("conn_max_lifetime", auditConfig.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", auditConfig.ConnMaxIdleTime),
	)

	server := api.NewServer(serverConfig, auditStore, keyStore, rateLimiter)

	if err := server.Start(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("audit API daemon stopped")

	return nil
}
