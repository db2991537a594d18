package main

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/loom-io/loom/internal/engine"
)

// consoleEvents renders engine notifications for an interactive run. It
// also remembers which phase failed, which feeds the exit code: a sink
// phase failure after processing is a partial export, not a dead run.
//
// The orchestrator calls these methods inline from its dispatch loop,
// so no locking is needed.
type consoleEvents struct {
	logger *slog.Logger
	out    io.Writer

	failedPhase engine.Phase
}

var _ engine.Events = (*consoleEvents)(nil)

func newConsoleEvents(logger *slog.Logger, out io.Writer) *consoleEvents {
	return &consoleEvents{logger: logger, out: out}
}

func (e *consoleEvents) PhaseStarted(phase engine.Phase, target string) {
	e.logger.Info("Phase started", "phase", phase, "target", target)
}

func (e *consoleEvents) PhaseCompleted(phase engine.Phase, duration time.Duration) {
	e.logger.Info("Phase completed", "phase", phase, "duration", duration.Round(time.Millisecond))
}

func (e *consoleEvents) PhaseError(phase engine.Phase, target string, err error) {
	e.failedPhase = phase
	e.logger.Error("Phase failed", "phase", phase, "target", target, "error", err)
}

func (e *consoleEvents) Progress(p engine.Progress) {
	e.logger.Info("Progress",
		"rows", p.RowsProcessed,
		"succeeded", p.RowsSucceeded,
		"failed", p.RowsFailed,
		"quarantined", p.RowsQuarantined,
		"elapsed", p.Elapsed.Round(time.Second))
}

func (e *consoleEvents) Summary(result engine.RunResult) {
	printSummary(e.out, result)
}

// FailedPhase returns the phase reported by PhaseError, or the zero
// Phase when no phase failed.
func (e *consoleEvents) FailedPhase() engine.Phase {
	return e.failedPhase
}

// printSummary writes the run's closing block: disposition, the row
// counters, and where routed rows went.
func printSummary(w io.Writer, r engine.RunResult) {
	fmt.Fprintf(w, "\nRun %s %s in %s\n", r.RunID, r.Status, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  rows processed  %d\n", r.RowsProcessed)
	fmt.Fprintf(w, "  succeeded       %d\n", r.RowsSucceeded)
	fmt.Fprintf(w, "  failed          %d\n", r.RowsFailed)
	fmt.Fprintf(w, "  quarantined     %d\n", r.RowsQuarantined)
	fmt.Fprintf(w, "  routed          %d\n", r.RowsRouted)
	fmt.Fprintf(w, "  forked          %d\n", r.RowsForked)

	if len(r.RoutedDestinations) == 0 {
		return
	}

	names := make([]string, 0, len(r.RoutedDestinations))
	for name := range r.RoutedDestinations {
		names = append(names, name)
	}

	sort.Strings(names)

	fmt.Fprintln(w, "  destinations")

	for _, name := range names {
		fmt.Fprintf(w, "    %-16s %d\n", name, r.RoutedDestinations[name])
	}
}
