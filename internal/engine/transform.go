package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/graph"
	"github.com/loom-io/loom/internal/plugin"
)

// EdgeMap resolves graph edges to the audit edge ids assigned when the
// run's graph was registered. Executors record routing events against
// audit ids, never the graph-local ones.
type EdgeMap map[graph.EdgeKey]string

// Lookup returns the audit edge id for (from, label).
func (m EdgeMap) Lookup(from, label string) (string, bool) {
	id, ok := m[graph.EdgeKey{From: from, Label: label}]

	return id, ok
}

// TransformExecution is the recorded disposition of one transform
// attempt. Token carries the updated payload for single-row successes
// and the unchanged input token otherwise; ErrorSink names where a
// declared error result was routed (OnErrorDiscard for quarantine).
type TransformExecution struct {
	Result    plugin.TransformResult
	Token     *Token
	StateID   string
	ErrorSink string
}

// TransformExecutor runs single transform attempts under full audit: a
// node state opens before the plugin call and closes with the result,
// and declared error results are recorded and routed before the caller
// sees them. Retries are the caller's loop; each call here is exactly
// one attempt.
type TransformExecutor struct {
	rec   audit.Recorder
	graph *graph.Graph
	edges EdgeMap
}

// NewTransformExecutor creates a transform executor recording through rec.
func NewTransformExecutor(rec audit.Recorder, g *graph.Graph, edges EdgeMap) *TransformExecutor {
	return &TransformExecutor{rec: rec, graph: g, edges: edges}
}

// Execute runs one attempt of tr against the token's payload.
//
// A raised error closes the node state as failed and propagates to the
// caller for retry classification. A declared error result also closes
// the state failed, but is then recorded as a transform error, routed
// over the node's divert edge when on_error names a sink, and returned
// as a normal execution whose ErrorSink tells the processor where the
// token went.
func (e *TransformExecutor) Execute(ctx context.Context, tr plugin.Transform, token *Token, pc *plugin.Context, stepIndex, attempt int) (*TransformExecution, error) {
	info := tr.Info()

	state, err := e.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     pc.RunID,
		TokenID:   token.ID,
		NodeID:    info.NodeID,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Input:     token.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open node state for transform %s: %w", info.NodeID, err)
	}

	attemptPC := pc.WithState(info.NodeID, state.ID, attempt)

	start := time.Now()
	result, perr := tr.Process(ctx, token.Data, attemptPC)
	durationMS := time.Since(start).Milliseconds()

	if perr != nil {
		errorJSON, _ := json.Marshal(map[string]any{
			"error":     perr.Error(),
			"retryable": plugin.IsRetryable(perr),
		})

		cerr := e.rec.CompleteNodeState(ctx, state.ID, audit.CompleteNodeStateParams{
			Status:     audit.StateFailed,
			DurationMS: durationMS,
			ErrorJSON:  errorJSON,
		})
		if cerr != nil {
			return nil, fmt.Errorf("failed to record transform failure (%v): %w", perr, cerr)
		}

		return &TransformExecution{StateID: state.ID, Token: token}, &ExecError{NodeID: info.NodeID, Err: perr}
	}

	switch result.Kind {
	case plugin.ResultSuccess, plugin.ResultSuccessMulti:
		return e.completeSuccess(ctx, info, token, state.ID, result, durationMS)
	case plugin.ResultError:
		return e.completeError(ctx, pc.RunID, info, token, state.ID, result, durationMS)
	default:
		return nil, invariantf("transform %s returned unknown result kind %q", info.NodeID, result.Kind)
	}
}

func (e *TransformExecutor) completeSuccess(ctx context.Context, info plugin.TransformInfo, token *Token, stateID string, result plugin.TransformResult, durationMS int64) (*TransformExecution, error) {
	var output map[string]any

	switch {
	case result.Kind == plugin.ResultSuccess:
		if result.Row == nil {
			return nil, invariantf("transform %s returned success without an output row", info.NodeID)
		}

		output = result.Row
	case result.Rows == nil:
		return nil, invariantf("transform %s returned multi-row success without rows", info.NodeID)
	default:
		// Multi-row output is wrapped so the state's output hash covers
		// every emitted row in order.
		output = map[string]any{"rows": result.Rows}
	}

	contextAfter, err := marshalContextAfter(result.ContextAfter)
	if err != nil {
		return nil, fmt.Errorf("transform %s emitted non-serializable context: %w", info.NodeID, err)
	}

	err = e.rec.CompleteNodeState(ctx, stateID, audit.CompleteNodeStateParams{
		Status:           audit.StateCompleted,
		Output:           output,
		DurationMS:       durationMS,
		ContextAfterJSON: contextAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close node state for transform %s: %w", info.NodeID, err)
	}

	updated := token
	if result.Kind == plugin.ResultSuccess {
		updated = token.WithData(result.Row)
	}

	return &TransformExecution{Result: result, Token: updated, StateID: stateID}, nil
}

func (e *TransformExecutor) completeError(ctx context.Context, runID string, info plugin.TransformInfo, token *Token, stateID string, result plugin.TransformResult, durationMS int64) (*TransformExecution, error) {
	if result.Reason == nil {
		return nil, invariantf("transform %s returned an error result without a reason", info.NodeID)
	}

	if info.OnError == "" {
		return nil, invariantf("transform %s returned an error result but declares no on_error destination", info.NodeID)
	}

	errorJSON, err := json.Marshal(result.Reason)
	if err != nil {
		return nil, fmt.Errorf("transform %s emitted non-serializable error reason: %w", info.NodeID, err)
	}

	contextAfter, err := marshalContextAfter(result.ContextAfter)
	if err != nil {
		return nil, fmt.Errorf("transform %s emitted non-serializable context: %w", info.NodeID, err)
	}

	err = e.rec.CompleteNodeState(ctx, stateID, audit.CompleteNodeStateParams{
		Status:           audit.StateFailed,
		DurationMS:       durationMS,
		ErrorJSON:        errorJSON,
		ContextAfterJSON: contextAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close node state for transform %s: %w", info.NodeID, err)
	}

	if err := e.recordDivert(ctx, runID, info, token, stateID, result.Reason); err != nil {
		return nil, err
	}

	return &TransformExecution{
		Result:    result,
		Token:     token,
		StateID:   stateID,
		ErrorSink: info.OnError,
	}, nil
}

// DivertRaised converts a raised retryable error into the declared
// error flow, for callers running without a retry loop. The failed
// attempt's state is already closed; what remains is the transform
// error record and the divert so the token can still route per
// on_error.
func (e *TransformExecutor) DivertRaised(ctx context.Context, runID string, info plugin.TransformInfo, token *Token, stateID string, raised error) (*TransformExecution, error) {
	reason := map[string]any{
		"error":     raised.Error(),
		"retryable": true,
	}

	if err := e.recordDivert(ctx, runID, info, token, stateID, reason); err != nil {
		return nil, err
	}

	return &TransformExecution{
		Result:    plugin.TransformResult{Kind: plugin.ResultError, Reason: reason, Retryable: true},
		Token:     token,
		StateID:   stateID,
		ErrorSink: info.OnError,
	}, nil
}

// recordDivert writes the transform error row and, for sink
// destinations, the divert routing event. The error is recorded for
// every destination, discard included.
func (e *TransformExecutor) recordDivert(ctx context.Context, runID string, info plugin.TransformInfo, token *Token, stateID string, reason map[string]any) error {
	_, err := e.rec.RecordTransformError(ctx, audit.TransformErrorParams{
		RunID:           runID,
		TransformNodeID: info.NodeID,
		TokenID:         token.ID,
		Destination:     info.OnError,
		Details:         reason,
		RowData:         token.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to record transform error for %s: %w", info.NodeID, err)
	}

	if info.OnError == plugin.OnErrorDiscard {
		return nil
	}

	edgeID, ok := e.edges.Lookup(info.NodeID, graph.LabelError)
	if !ok {
		return invariantf("transform %s routes errors to %s but has no divert edge registered", info.NodeID, info.OnError)
	}

	reasonHash, err := audit.HashData(reason)
	if err != nil {
		return fmt.Errorf("failed to hash error reason for %s: %w", info.NodeID, err)
	}

	_, err = e.rec.RecordRoutingEvent(ctx, audit.RoutingEventParams{
		RunID:       runID,
		FromStateID: stateID,
		EdgeID:      edgeID,
		Mode:        audit.EdgeDivert,
		ReasonHash:  reasonHash,
	})
	if err != nil {
		return fmt.Errorf("failed to record divert event for %s: %w", info.NodeID, err)
	}

	return nil
}

func marshalContextAfter(contextAfter map[string]any) ([]byte, error) {
	if contextAfter == nil {
		return nil, nil
	}

	return json.Marshal(contextAfter)
}
