package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/config"
	"github.com/loom-io/loom/internal/engine"
	"github.com/loom-io/loom/internal/payload"
	"github.com/loom-io/loom/internal/pipeline"
)

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "pipeline YAML file")
	databaseURL := fs.String("database-url", "", "Postgres audit store URL (defaults to DATABASE_URL)")
	_ = fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "run: -config is required")

		return exitFailed
	}

	return runPipeline(*configPath, *databaseURL, "")
}

func cmdResume(args []string) int {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "resume: a run id is required")

		return exitFailed
	}

	runID := args[0]

	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "pipeline YAML file")
	databaseURL := fs.String("database-url", "", "Postgres audit store URL (defaults to DATABASE_URL)")
	_ = fs.Parse(args[1:])

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "resume: -config is required")

		return exitFailed
	}

	return runPipeline(*configPath, *databaseURL, runID)
}

// runPipeline loads and assembles the pipeline file, opens the audit
// store, and drives one run to its end. An empty runID starts a fresh
// run; otherwise the named interrupted run is resumed. Returns the
// process exit code.
func runPipeline(configPath, databaseURL, runID string) int {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spec, err := pipeline.Load(configPath)
	if err != nil {
		logger.Error("Failed to load pipeline file", "path", configPath, "error", err)

		return exitFailed
	}

	asm, err := pipeline.Assemble(ctx, spec, pipeline.Builtins())
	if err != nil {
		logger.Error("Invalid pipeline", "path", configPath, "error", err)

		return exitFailed
	}

	if asm.PayloadStore != nil {
		defer func() {
			if cerr := asm.PayloadStore.Close(); cerr != nil {
				logger.Warn("Failed to close payload store", "error", cerr)
			}
		}()
	}

	var (
		store   audit.Store
		cleanup func()
	)

	if runID == "" {
		store, cleanup, err = openAuditStore(databaseURL, asm.PayloadStore, logger)
	} else {
		// Resume reads the interrupted run back from the store, so the
		// in-memory fallback cannot serve it.
		store, cleanup, err = openPostgresStore(databaseURL, asm.PayloadStore, logger)
	}

	if err != nil {
		logger.Error("Failed to open audit store", "error", err)

		return exitFailed
	}
	defer cleanup()

	events := newConsoleEvents(logger, os.Stdout)

	orch, err := engine.NewOrchestrator(engine.Config{
		Recorder:         store,
		Reader:           store,
		Graph:            asm.Graph,
		Source:           asm.Source,
		Sinks:            asm.Sinks,
		Plugins:          asm.Plugins,
		BranchSinks:      asm.BranchSinks,
		Aggregations:     asm.Aggregations,
		Coalesces:        asm.Coalesces,
		Retry:            asm.Retry,
		ConfigHash:       asm.ConfigHash,
		CanonicalVersion: audit.CanonicalVersion,
		Checkpoints:      asm.Checkpoints,
		Events:           events,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("Invalid pipeline wiring", "path", configPath, "error", err)

		return exitFailed
	}

	var result engine.RunResult

	if runID == "" {
		logger.Info("Starting pipeline",
			"pipeline", spec.Pipeline,
			"config", configPath,
			"config_hash", asm.ConfigHash)

		result, err = orch.Run(ctx)
	} else {
		logger.Info("Resuming run",
			"run_id", runID,
			"pipeline", spec.Pipeline,
			"config", configPath)

		result, err = orch.Resume(ctx, runID)
	}

	if err != nil {
		logger.Error("Run did not complete", "run_id", result.RunID, "error", err)
	}

	return exitCode(result, err, events.FailedPhase())
}

// exitCode maps a run's disposition to the process exit code. A sink
// phase failure after rows were processed is a partial export: earlier
// deliveries in the same run are durable and recorded, so the caller
// can triage with explain instead of rerunning blindly.
func exitCode(result engine.RunResult, err error, failed engine.Phase) int {
	if err == nil {
		return exitCompleted
	}

	if failed == engine.PhaseSink && result.RowsProcessed > 0 {
		return exitPartial
	}

	return exitFailed
}

// openAuditStore selects the audit backend for a fresh run. A database
// URL selects Postgres; without one the run records to an in-memory
// store that vanishes with the process, which keeps dry runs cheap but
// leaves nothing to resume or explain.
func openAuditStore(databaseURL string, payloads payload.Store, logger *slog.Logger) (audit.Store, func(), error) {
	if resolveDatabaseURL(databaseURL) == "" {
		logger.Warn("No database URL configured; the audit trail is in-memory and discarded at exit")

		return audit.NewMemoryStore(), func() {}, nil
	}

	return openPostgresStore(databaseURL, payloads, logger)
}

// openPostgresStore opens the persistent audit store. The returned
// cleanup closes the database connection; the store itself holds no
// resources beyond it.
func openPostgresStore(databaseURL string, payloads payload.Store, logger *slog.Logger) (audit.Store, func(), error) {
	url := resolveDatabaseURL(databaseURL)
	if url == "" {
		return nil, nil, errors.New("a database URL is required: pass -database-url or set DATABASE_URL")
	}

	cfg := audit.NewConfig(url)

	conn, err := audit.NewConnection(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	opts := []audit.PostgresStoreOption{}
	if payloads != nil {
		opts = append(opts, audit.WithPayloadStore(payloads))
	}

	store, err := audit.NewPostgresStore(conn, opts...)
	if err != nil {
		_ = conn.Close()

		return nil, nil, err
	}

	logger.Info("Audit store connected", "database_url", cfg.MaskDatabaseURL())

	cleanup := func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("Failed to close database connection", "error", cerr)
		}
	}

	return store, cleanup, nil
}

func resolveDatabaseURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return config.GetEnvStr("DATABASE_URL", "")
}

// newLogger builds the runner's logger. The console handler is the
// default; LOOM_LOG_FORMAT=json switches to structured output for
// scheduled or captured runs. Logs go to stderr so stdout carries only
// command output.
func newLogger() *slog.Logger {
	level := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	if strings.EqualFold(config.GetEnvStr("LOOM_LOG_FORMAT", "console"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
