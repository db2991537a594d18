package engine

import "time"

// Phase identifies a stage of the run lifecycle in event notifications.
type Phase string

// Run phases, in execution order.
const (
	PhaseSource  Phase = "source"
	PhaseProcess Phase = "process"
	PhaseSink    Phase = "sink"
)

// Progress is a point-in-time snapshot of the row counters, emitted on
// the first row, every hundredth row, and at least every few seconds so
// long runs stay observable from the console.
type Progress struct {
	RowsProcessed   int
	RowsSucceeded   int
	RowsFailed      int
	RowsQuarantined int
	Elapsed         time.Duration
}

// Events receives run lifecycle notifications. The orchestrator calls
// the methods inline between rows, so implementations must return
// quickly; anything slow belongs on the consumer's side of a channel.
//
// PhaseError is called at most once per run: the first phase to fail
// reports, and the error then propagates as the run error.
type Events interface {
	PhaseStarted(phase Phase, target string)
	PhaseCompleted(phase Phase, duration time.Duration)
	PhaseError(phase Phase, target string, err error)
	Progress(p Progress)
	Summary(result RunResult)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) PhaseStarted(Phase, string)          {}
func (NopEvents) PhaseCompleted(Phase, time.Duration) {}
func (NopEvents) PhaseError(Phase, string, error)     {}
func (NopEvents) Progress(Progress)                   {}
func (NopEvents) Summary(RunResult)                   {}
