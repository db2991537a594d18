package engine

import (
	"time"

	"github.com/loom-io/loom/internal/audit"
)

// RunResult summarizes one finished run. Counters count terminal
// outcomes at the row level: a forked parent increments RowsForked once,
// its children then count individually under whatever outcome they
// reach. Buffered, coalesced, expanded, and consumed-in-batch tokens are
// intermediate and never counted here.
type RunResult struct {
	RunID              string
	Status             audit.RunStatus
	RowsProcessed      int
	RowsSucceeded      int
	RowsFailed         int
	RowsQuarantined    int
	RowsRouted         int
	RowsForked         int
	RoutedDestinations map[string]int
	Duration           time.Duration
}

// runCounters accumulates outcome counts during the process phase. The
// orchestrator owns a single instance; all writes happen from the
// dispatch loop.
type runCounters struct {
	rowsProcessed      int
	rowsSucceeded      int
	rowsFailed         int
	rowsQuarantined    int
	rowsRouted         int
	rowsForked         int
	routedDestinations map[string]int
}

func newRunCounters() *runCounters {
	return &runCounters{routedDestinations: make(map[string]int)}
}

// count records one token result. Intermediate outcomes are ignored.
func (c *runCounters) count(res TokenResult) {
	switch res.Outcome {
	case audit.OutcomeCompleted:
		c.rowsSucceeded++
	case audit.OutcomeRouted:
		c.rowsRouted++
		if res.SinkName != "" {
			c.routedDestinations[res.SinkName]++
		}
	case audit.OutcomeFailed:
		c.rowsFailed++
	case audit.OutcomeQuarantined:
		c.rowsQuarantined++
	case audit.OutcomeForked:
		c.rowsForked++
	}
}

func (c *runCounters) result(runID string, status audit.RunStatus, duration time.Duration) RunResult {
	dests := make(map[string]int, len(c.routedDestinations))
	for k, v := range c.routedDestinations {
		dests[k] = v
	}

	return RunResult{
		RunID:              runID,
		Status:             status,
		RowsProcessed:      c.rowsProcessed,
		RowsSucceeded:      c.rowsSucceeded,
		RowsFailed:         c.rowsFailed,
		RowsQuarantined:    c.rowsQuarantined,
		RowsRouted:         c.rowsRouted,
		RowsForked:         c.rowsForked,
		RoutedDestinations: dests,
		Duration:           duration,
	}
}
