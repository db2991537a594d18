// Package main provides the schema migration CLI for the Loom audit store.
//
// The SQL ships embedded in the binary, so a deployment needs nothing but
// this executable and a DATABASE_URL to bring the audit schema up, roll it
// back, or inspect its version.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loom-io/loom/internal/config"
	"github.com/loom-io/loom/migrations"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const name = "migrator"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up", "down", "status", "version", "drop":
		os.Exit(runCommand(os.Args[1]))
	case "-version", "--version":
		printVersionInfo()
	case "help", "-help", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runCommand(command string) int {
	logger := newLogger()

	cfg, err := migrations.LoadConfig()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)

		return 1
	}

	runner, err := migrations.NewRunner(cfg, migrations.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to initialize migration runner", "error", err)

		return 1
	}

	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("Failed to close migration runner", "error", cerr)
		}
	}()

	switch command {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "status":
		err = runner.Status()
	case "version":
		err = runner.Version()
	case "drop":
		if !confirmDrop(os.Stdin) {
			fmt.Println("Cancelled.")

			return 0
		}

		err = runner.Drop()
	}

	if err != nil {
		logger.Error("Migration command failed", "command", command, "error", err)

		return 1
	}

	return 0
}

// confirmDrop asks the operator before destroying the schema.
func confirmDrop(in *os.File) bool {
	fmt.Print("This drops every table in the database, including the audit trail. Continue? (y/N): ")

	var answer string

	_, _ = fmt.Fscanln(in, &answer)

	return strings.EqualFold(answer, "y")
}

func newLogger() *slog.Logger {
	level := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printVersionInfo() {
	fmt.Printf("%s version %s\n", name, Version)
	fmt.Printf("  commit: %s\n", GitCommit)
	fmt.Printf("  built:  %s\n", BuildTime)
}

func printUsage() {
	fmt.Printf(`%s applies the Loom audit trail schema to Postgres.

Usage:
  %s <command>

Commands:
  up       Apply all pending migrations
  down     Roll back the most recent migration
  status   Compare the database schema with this binary
  version  Print the current database schema version
  drop     Drop every table (asks for confirmation)
  help     Print this help

Environment:
  DATABASE_URL     Postgres connection string (required)
  MIGRATION_TABLE  Bookkeeping table name (default: schema_migrations)
  LOG_LEVEL        debug, info, warn, or error (default: info)

The SQL is embedded in the binary; no migration files are read from disk.
`, name, name)
}
