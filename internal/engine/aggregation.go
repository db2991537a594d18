package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/expr"
	"github.com/loom-io/loom/internal/plugin"
)

// FlushError reports a batch transform that raised during flush. By the
// time it is returned the batch and its node state are already closed
// as failed and the node's buffer is reset; the caller owns the
// buffered tokens' outcomes.
type FlushError struct {
	NodeID string
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("batch flush of node %s failed: %v", e.NodeID, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// FlushExecution is the recorded disposition of one batch flush. Tokens
// holds every buffered token the flush consumed, in buffer order; the
// first one is the representative whose node state carries the batch
// input and output. Result may be a declared error, in which case the
// batch is already marked failed and the caller decides what the
// consumed tokens become.
type FlushExecution struct {
	Result  plugin.TransformResult
	Tokens  []*Token
	BatchID string
	StateID string
}

// AggregationExecutor owns the row buffers for every batch-aware node
// in the pipeline. The engine buffers, the plugin only ever sees a
// complete batch at flush time.
//
// Batch lifecycle per node: an audit batch opens on the first buffered
// row, collects members in arrival order, transitions to flushing when
// a trigger fires, and completes or fails with the flush. The buffer
// and trigger counters reset after every flush so the next row opens a
// fresh batch.
//
// Token outcomes are deliberately not recorded here. Whether a buffered
// token is terminal depends on the transform's output mode, which the
// processor resolves; this executor only guarantees the batch audit
// trail is consistent with what the plugin was shown.
type AggregationExecutor struct {
	rec    audit.Recorder
	eval   *expr.Evaluator
	clock  Clock
	logger *slog.Logger

	settings map[string]AggregationSettings
	triggers map[string]*triggerEvaluator

	buffers      map[string][]map[string]any
	bufferTokens map[string][]*Token
	batchIDs     map[string]string
	memberCounts map[string]int
}

// NewAggregationExecutor creates an executor for the given aggregation
// nodes. Nodes absent from settings are not aggregations; BufferRow on
// them is an invariant violation.
func NewAggregationExecutor(rec audit.Recorder, eval *expr.Evaluator, clock Clock, logger *slog.Logger, settings []AggregationSettings) *AggregationExecutor {
	if clock == nil {
		clock = SystemClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	e := &AggregationExecutor{
		rec:          rec,
		eval:         eval,
		clock:        clock,
		logger:       logger,
		settings:     make(map[string]AggregationSettings, len(settings)),
		triggers:     make(map[string]*triggerEvaluator, len(settings)),
		buffers:      make(map[string][]map[string]any, len(settings)),
		bufferTokens: make(map[string][]*Token, len(settings)),
		batchIDs:     make(map[string]string, len(settings)),
		memberCounts: make(map[string]int),
	}

	for _, s := range settings {
		e.settings[s.NodeID] = s
		e.triggers[s.NodeID] = newTriggerEvaluator(s, eval, clock)
	}

	return e
}

// IsAggregation reports whether nodeID buffers through this executor.
func (e *AggregationExecutor) IsAggregation(nodeID string) bool {
	_, ok := e.settings[nodeID]

	return ok
}

// Nodes returns the configured aggregation nodes in sorted order, so
// timeout sweeps and end-of-source flushes are deterministic.
func (e *AggregationExecutor) Nodes() []string {
	nodes := make([]string, 0, len(e.settings))
	for nodeID := range e.settings {
		nodes = append(nodes, nodeID)
	}

	sort.Strings(nodes)

	return nodes
}

// BufferCount returns how many rows are currently buffered for nodeID.
func (e *AggregationExecutor) BufferCount(nodeID string) int {
	return len(e.buffers[nodeID])
}

// BufferedTokens returns a snapshot of the tokens parked at nodeID in
// buffer order. Callers take it before a flush so a failed flush, which
// resets the buffer, still leaves them the tokens to account for.
func (e *AggregationExecutor) BufferedTokens(nodeID string) []*Token {
	return slices.Clone(e.bufferTokens[nodeID])
}

// BatchID returns the open batch id for nodeID, or "" when the buffer
// is empty.
func (e *AggregationExecutor) BatchID(nodeID string) string {
	return e.batchIDs[nodeID]
}

// BufferRow appends the token's row to the node's buffer and records
// its batch membership. The first row of a fresh buffer opens a new
// audit batch.
func (e *AggregationExecutor) BufferRow(ctx context.Context, runID, nodeID string, token *Token) error {
	if _, ok := e.settings[nodeID]; !ok {
		return invariantf("node %s is not a configured aggregation", nodeID)
	}

	batchID := e.batchIDs[nodeID]
	if batchID == "" {
		batch, err := e.rec.CreateBatch(ctx, runID, nodeID)
		if err != nil {
			return fmt.Errorf("failed to open batch for node %s: %w", nodeID, err)
		}

		batchID = batch.ID
		e.batchIDs[nodeID] = batchID
		e.memberCounts[batchID] = 0
	}

	ordinal := e.memberCounts[batchID]
	if err := e.rec.AddBatchMember(ctx, batchID, token.ID, ordinal); err != nil {
		return fmt.Errorf("failed to record batch member for node %s: %w", nodeID, err)
	}

	e.memberCounts[batchID] = ordinal + 1
	e.buffers[nodeID] = append(e.buffers[nodeID], token.Data)
	e.bufferTokens[nodeID] = append(e.bufferTokens[nodeID], token)

	if err := e.triggers[nodeID].recordAccept(token.Data); err != nil {
		return err
	}

	return nil
}

// ShouldFlush evaluates the node's triggers against the just-buffered
// row and reports which trigger fired, if any.
func (e *AggregationExecutor) ShouldFlush(nodeID string, row map[string]any) (TriggerType, bool, error) {
	ev, ok := e.triggers[nodeID]
	if !ok {
		return "", false, nil
	}

	return ev.shouldTrigger(row)
}

// CheckTimeout samples only the timeout trigger. Returns false for
// empty buffers regardless of age.
func (e *AggregationExecutor) CheckTimeout(nodeID string) (TriggerType, bool) {
	ev, ok := e.triggers[nodeID]
	if !ok || len(e.buffers[nodeID]) == 0 {
		return "", false
	}

	return ev.checkTimeout()
}

// ExecuteFlush drains the node's buffer through the batch transform
// under full audit: the batch transitions to flushing, a node state
// opens on the representative token with every buffered row as input,
// and the batch completes or fails with the plugin's answer. The buffer
// and trigger counters are reset either way; the next row starts a new
// batch.
//
// A raised plugin error is recorded and propagated. A declared error
// result is recorded and returned inside the execution for the caller
// to translate into token outcomes.
func (e *AggregationExecutor) ExecuteFlush(ctx context.Context, nodeID string, tr plugin.BatchTransform, pc *plugin.Context, stepIndex int, trigger TriggerType) (*FlushExecution, error) {
	batchID := e.batchIDs[nodeID]
	if batchID == "" {
		return nil, invariantf("flush requested for node %s with no open batch", nodeID)
	}

	rows := e.buffers[nodeID]
	tokens := e.bufferTokens[nodeID]

	if len(rows) == 0 {
		return nil, invariantf("flush requested for node %s with an empty buffer", nodeID)
	}

	if len(rows) != len(tokens) {
		return nil, invariantf("node %s buffer holds %d rows but %d tokens", nodeID, len(rows), len(tokens))
	}

	if err := e.rec.MarkBatchFlushing(ctx, batchID); err != nil {
		return nil, fmt.Errorf("failed to mark batch %s flushing: %w", batchID, err)
	}

	// The first buffered token represents the batch operation in the
	// audit trail. Batch membership links the rest.
	state, err := e.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     pc.RunID,
		TokenID:   tokens[0].ID,
		NodeID:    nodeID,
		StepIndex: stepIndex,
		Attempt:   0,
		Input:     map[string]any{"batch_rows": rows},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open node state for flush of %s: %w", nodeID, err)
	}

	flushPC := pc.WithState(nodeID, state.ID, 0)

	start := time.Now()
	result, perr := tr.ProcessBatch(ctx, rows, flushPC)
	durationMS := time.Since(start).Milliseconds()

	if perr != nil {
		errorJSON, _ := json.Marshal(map[string]any{
			"error":     perr.Error(),
			"retryable": plugin.IsRetryable(perr),
		})

		if cerr := e.rec.CompleteNodeState(ctx, state.ID, audit.CompleteNodeStateParams{
			Status:     audit.StateFailed,
			DurationMS: durationMS,
			ErrorJSON:  errorJSON,
		}); cerr != nil {
			return nil, fmt.Errorf("failed to record flush failure (%v): %w", perr, cerr)
		}

		if cerr := e.rec.CompleteBatch(ctx, batchID, audit.BatchFailed, string(trigger)); cerr != nil {
			return nil, fmt.Errorf("failed to fail batch %s (%v): %w", batchID, perr, cerr)
		}

		e.resetNode(nodeID, batchID)

		return nil, &FlushError{NodeID: nodeID, Err: perr}
	}

	switch result.Kind {
	case plugin.ResultSuccess, plugin.ResultSuccessMulti:
		err = e.completeFlushSuccess(ctx, nodeID, batchID, state.ID, result, durationMS, trigger)
	case plugin.ResultError:
		err = e.completeFlushError(ctx, nodeID, batchID, state.ID, result, durationMS, trigger)
	default:
		return nil, invariantf("batch transform %s returned unknown result kind %q", nodeID, result.Kind)
	}

	if err != nil {
		return nil, err
	}

	e.resetNode(nodeID, batchID)

	return &FlushExecution{
		Result:  result,
		Tokens:  tokens,
		BatchID: batchID,
		StateID: state.ID,
	}, nil
}

func (e *AggregationExecutor) completeFlushSuccess(ctx context.Context, nodeID, batchID, stateID string, result plugin.TransformResult, durationMS int64, trigger TriggerType) error {
	var output map[string]any

	switch {
	case result.Kind == plugin.ResultSuccess:
		if result.Row == nil {
			return invariantf("batch transform %s returned success without an output row", nodeID)
		}

		output = result.Row
	case result.Rows == nil:
		return invariantf("batch transform %s returned multi-row success without rows", nodeID)
	default:
		output = map[string]any{"rows": result.Rows}
	}

	contextAfter, err := marshalContextAfter(result.ContextAfter)
	if err != nil {
		return fmt.Errorf("batch transform %s emitted non-serializable context: %w", nodeID, err)
	}

	err = e.rec.CompleteNodeState(ctx, stateID, audit.CompleteNodeStateParams{
		Status:           audit.StateCompleted,
		Output:           output,
		DurationMS:       durationMS,
		ContextAfterJSON: contextAfter,
	})
	if err != nil {
		return fmt.Errorf("failed to close flush state for %s: %w", nodeID, err)
	}

	if err := e.rec.CompleteBatch(ctx, batchID, audit.BatchCompleted, string(trigger)); err != nil {
		return fmt.Errorf("failed to complete batch %s: %w", batchID, err)
	}

	return nil
}

func (e *AggregationExecutor) completeFlushError(ctx context.Context, nodeID, batchID, stateID string, result plugin.TransformResult, durationMS int64, trigger TriggerType) error {
	if result.Reason == nil {
		return invariantf("batch transform %s returned an error result without a reason", nodeID)
	}

	errorJSON, err := json.Marshal(result.Reason)
	if err != nil {
		return fmt.Errorf("batch transform %s emitted non-serializable error reason: %w", nodeID, err)
	}

	err = e.rec.CompleteNodeState(ctx, stateID, audit.CompleteNodeStateParams{
		Status:     audit.StateFailed,
		DurationMS: durationMS,
		ErrorJSON:  errorJSON,
	})
	if err != nil {
		return fmt.Errorf("failed to close flush state for %s: %w", nodeID, err)
	}

	if err := e.rec.CompleteBatch(ctx, batchID, audit.BatchFailed, string(trigger)); err != nil {
		return fmt.Errorf("failed to fail batch %s: %w", batchID, err)
	}

	return nil
}

// FailOpenBatch marks the node's open batch failed without running the
// transform. Used when a run is cancelled with rows still buffered.
func (e *AggregationExecutor) FailOpenBatch(ctx context.Context, nodeID string, trigger TriggerType) error {
	batchID := e.batchIDs[nodeID]
	if batchID == "" {
		return nil
	}

	if err := e.rec.CompleteBatch(ctx, batchID, audit.BatchFailed, string(trigger)); err != nil {
		return fmt.Errorf("failed to fail open batch %s: %w", batchID, err)
	}

	e.resetNode(nodeID, batchID)

	return nil
}

// RebindBatch moves the node's restored buffer onto a fresh batch,
// re-recording membership in buffer order. Used on resume when the
// checkpointed batch already left the open state, so the stale batch
// can be failed without orphaning its rows.
func (e *AggregationExecutor) RebindBatch(ctx context.Context, runID, nodeID string) error {
	tokens := e.bufferTokens[nodeID]
	if len(tokens) == 0 {
		return invariantf("batch rebind requested for node %s with an empty buffer", nodeID)
	}

	batch, err := e.rec.CreateBatch(ctx, runID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to open replacement batch for node %s: %w", nodeID, err)
	}

	for i, t := range tokens {
		if err := e.rec.AddBatchMember(ctx, batch.ID, t.ID, i); err != nil {
			return fmt.Errorf("failed to re-record batch member for node %s: %w", nodeID, err)
		}
	}

	delete(e.memberCounts, e.batchIDs[nodeID])
	e.batchIDs[nodeID] = batch.ID
	e.memberCounts[batch.ID] = len(tokens)

	return nil
}

func (e *AggregationExecutor) resetNode(nodeID, batchID string) {
	delete(e.memberCounts, batchID)
	e.batchIDs[nodeID] = ""
	e.buffers[nodeID] = nil
	e.bufferTokens[nodeID] = nil

	if ev, ok := e.triggers[nodeID]; ok {
		ev.reset()
	}
}
