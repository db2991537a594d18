package engine

import (
	"fmt"
	"time"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/expr"
)

// TriggerType identifies which condition fired an aggregation flush. The
// value is recorded on the batch as its trigger reason.
type TriggerType string

// Aggregation triggers, checked in this order. The first to fire wins
// and names the batch's trigger reason.
const (
	TriggerCount       TriggerType = "count"
	TriggerSize        TriggerType = "size"
	TriggerTimeout     TriggerType = "timeout"
	TriggerCondition   TriggerType = "condition"
	TriggerEndOfSource TriggerType = "end_of_source"

	// TriggerRunCancelled marks batches failed because the run was
	// cancelled while they were still open.
	TriggerRunCancelled TriggerType = "run_cancelled"

	// TriggerRunFailed marks batches failed because the run died while
	// they were still open.
	TriggerRunFailed TriggerType = "run_failed"
)

// AggregationSettings configures buffering at one batch-aware transform
// node. Zero-valued triggers are disabled; end-of-source always flushes
// whatever remains. Output mode is not configured here: a transform
// declaring CreatesTokens consumes its batch, one that does not runs in
// passthrough mode.
type AggregationSettings struct {
	NodeID string

	// MaxCount flushes after this many buffered rows.
	MaxCount int

	// MaxBytes flushes when the canonical payload bytes buffered reach
	// this threshold.
	MaxBytes int64

	// Timeout flushes when the first buffered row of the open batch
	// reaches this age. Sampled on every row arrival, not just rows
	// reaching this node, so an idle buffer still times out.
	Timeout time.Duration

	// Condition is a CEL expression over the just-buffered row (`row`)
	// and the batch counters (`batch.count`, `batch.bytes`).
	Condition string
}

// triggerEvaluator tracks buffer counters for one aggregation node and
// decides when the buffer flushes. Fire offsets mark counter progress a
// previous fire already consumed, so a fired-but-not-yet-reset evaluator
// never reports the same trigger twice for the same rows; they travel
// through checkpoints for the same reason.
type triggerEvaluator struct {
	settings AggregationSettings
	eval     *expr.Evaluator
	clock    Clock

	count   int
	bytes   int64
	firstAt time.Time

	countFireOffset     int
	conditionFireOffset int
}

func newTriggerEvaluator(settings AggregationSettings, eval *expr.Evaluator, clock Clock) *triggerEvaluator {
	return &triggerEvaluator{
		settings: settings,
		eval:     eval,
		clock:    clock,
	}
}

// recordAccept updates the counters for one buffered row.
func (t *triggerEvaluator) recordAccept(row map[string]any) error {
	if t.count == 0 {
		t.firstAt = t.clock.Now()
	}

	t.count++

	if t.settings.MaxBytes > 0 {
		data, err := audit.CanonicalJSON(row)
		if err != nil {
			return fmt.Errorf("failed to size buffered row: %w", err)
		}

		t.bytes += int64(len(data))
	}

	return nil
}

// shouldTrigger evaluates the triggers after buffering row.
func (t *triggerEvaluator) shouldTrigger(row map[string]any) (TriggerType, bool, error) {
	if t.settings.MaxCount > 0 && t.count-t.countFireOffset >= t.settings.MaxCount {
		t.countFireOffset = t.count

		return TriggerCount, true, nil
	}

	if t.settings.MaxBytes > 0 && t.bytes >= t.settings.MaxBytes {
		return TriggerSize, true, nil
	}

	if t.timedOut() {
		return TriggerTimeout, true, nil
	}

	if t.settings.Condition != "" && t.count > t.conditionFireOffset {
		fired, err := t.eval.Bool(t.settings.Condition, row, t.batchVars())
		if err != nil {
			return "", false, fmt.Errorf("trigger condition failed for node %s: %w", t.settings.NodeID, err)
		}

		if fired {
			t.conditionFireOffset = t.count

			return TriggerCondition, true, nil
		}
	}

	return "", false, nil
}

// checkTimeout samples only the timeout trigger. The executor calls it
// between rows so idle buffers still flush.
func (t *triggerEvaluator) checkTimeout() (TriggerType, bool) {
	if t.timedOut() {
		return TriggerTimeout, true
	}

	return "", false
}

func (t *triggerEvaluator) timedOut() bool {
	if t.settings.Timeout <= 0 || t.count == 0 {
		return false
	}

	return t.clock.Now().Sub(t.firstAt) >= t.settings.Timeout
}

// reset clears all counters after a flush, successful or not.
func (t *triggerEvaluator) reset() {
	t.count = 0
	t.bytes = 0
	t.firstAt = time.Time{}
	t.countFireOffset = 0
	t.conditionFireOffset = 0
}

// ageSeconds reports how long the current batch has been open.
func (t *triggerEvaluator) ageSeconds() float64 {
	if t.count == 0 {
		return 0
	}

	return t.clock.Now().Sub(t.firstAt).Seconds()
}

// restore rehydrates the counters from checkpoint state. The age is
// re-anchored against the current clock so a restored buffer keeps
// aging from where it left off.
func (t *triggerEvaluator) restore(count int, bytes int64, age time.Duration, countFireOffset, conditionFireOffset int) {
	t.count = count
	t.bytes = bytes
	t.countFireOffset = countFireOffset
	t.conditionFireOffset = conditionFireOffset

	if count > 0 {
		t.firstAt = t.clock.Now().Add(-age)
	} else {
		t.firstAt = time.Time{}
	}
}

func (t *triggerEvaluator) batchVars() map[string]any {
	return map[string]any{
		"count": t.count,
		"bytes": t.bytes,
	}
}
