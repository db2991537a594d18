// Package main provides the Loom pipeline runner CLI.
//
// loom executes pipeline files against the audit trail: run starts a
// pipeline, resume settles an interrupted run, explain prints the
// recorded lineage of one token, and version reports build information.
package main

import (
	"fmt"
	"os"
)

// Build-time variables set via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const name = "loom"

// Exit codes mirror the run disposition: a completed run exits 0, a run
// that failed during delivery after processing rows exits 1 (artifacts
// may exist; triage with explain), everything else exits 2.
const (
	exitCompleted = 0
	exitPartial   = 1
	exitFailed    = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFailed)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "resume":
		os.Exit(cmdResume(os.Args[2:]))
	case "explain":
		os.Exit(cmdExplain(os.Args[2:]))
	case "version":
		printVersionInfo()
	case "help", "-help", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitFailed)
	}
}

func printVersionInfo() {
	fmt.Printf("%s version information:\n", name)
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build time: %s\n", BuildTime)
}

func printUsage() {
	fmt.Printf(`Loom pipeline runner

Usage:
  %s <command> [arguments]

Commands:
  run     -config <file>                Execute a pipeline to completion
  resume  <run-id> -config <file>       Resume an interrupted run
  explain <run-id> <token-id> [-json]   Print the recorded lineage of one token
  version                               Show version information
  help                                  Show this help message

Flags:
  -config <file>         Pipeline YAML file (run, resume)
  -database-url <url>    Postgres audit store URL; defaults to DATABASE_URL
  -json                  Emit lineage as JSON instead of text (explain)

Environment:
  DATABASE_URL       Postgres audit store URL. When unset, run records to an
                     in-memory audit trail that is discarded at exit; resume
                     and explain require a persistent store.
  LOOM_LOG_FORMAT    Log handler: console (default) or json
  LOG_LEVEL          Log level: debug, info, warn, error (default info)

Exit codes:
  0  run completed
  1  run failed during sink delivery after rows were processed
  2  run failed, or the command could not start

Examples:
  %s run -config pipeline.yaml
  %s resume 4cddb0f2-6a3e-4d9d-9c37-8e1f2ab9d1a4 -config pipeline.yaml
  %s explain 4cddb0f2-6a3e-4d9d-9c37-8e1f2ab9d1a4 a3f8c1d2-... -json
`, name, name, name, name)
}
