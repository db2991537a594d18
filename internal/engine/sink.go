package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/plugin"
)

// PendingOutcome is a terminal outcome decided during processing but
// recorded only after the sink write that justifies it is durable. The
// error hash travels with quarantined and failed outcomes so the
// outcome row can name its reason without re-deriving it.
type PendingOutcome struct {
	Outcome   audit.Outcome
	ErrorHash string
}

// PendingToken pairs a token awaiting sink delivery with the outcome it
// earns once the write lands. A nil Pending marks a secondary delivery:
// the row is written and audited, but another sink owns the token's
// terminal outcome.
type PendingToken struct {
	Token   *Token
	Pending *PendingOutcome
}

// SinkExecutor writes batches of tokens to a sink under full audit.
//
// Every token written gets its own node state at the sink node; the
// completed sink state is the proof the row reached its destination.
// Outcomes are recorded only after write and flush both succeed, and
// after the artifact is registered, so a completed or routed outcome
// always implies durable data and an attached artifact.
type SinkExecutor struct {
	rec    audit.Recorder
	logger *slog.Logger
}

// NewSinkExecutor creates a sink executor recording through rec.
func NewSinkExecutor(rec audit.Recorder, logger *slog.Logger) *SinkExecutor {
	if logger == nil {
		logger = slog.Default()
	}

	return &SinkExecutor{rec: rec, logger: logger}
}

// Write delivers the tokens' rows to the sink in order. All tokens in
// one call share the same pending outcome; the orchestrator groups
// deliveries accordingly. onTokenWritten runs per token after the write
// is durable; its errors are logged, never raised, because the write
// cannot be undone.
func (e *SinkExecutor) Write(ctx context.Context, sink plugin.Sink, tokens []*Token, pc *plugin.Context, stepIndex int, sinkName string, pending *PendingOutcome, onTokenWritten func(*Token) error) (*audit.Artifact, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	info := sink.Info()

	rows := make([]map[string]any, len(tokens))
	stateIDs := make([]string, len(tokens))

	for i, token := range tokens {
		rows[i] = token.Data

		state, err := e.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
			RunID:     pc.RunID,
			TokenID:   token.ID,
			NodeID:    info.NodeID,
			StepIndex: stepIndex,
			Attempt:   0,
			Input:     token.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open node state for sink %s: %w", info.NodeID, err)
		}

		stateIDs[i] = state.ID
	}

	writePC := pc.WithState(info.NodeID, "", 0)

	start := time.Now()
	descriptor, werr := sink.Write(ctx, rows, writePC)
	durationMS := time.Since(start).Milliseconds()

	if werr != nil {
		if ferr := e.failAll(ctx, stateIDs, durationMS, werr, "write"); ferr != nil {
			return nil, ferr
		}

		return nil, fmt.Errorf("sink %s write failed: %w", info.NodeID, werr)
	}

	// Durability barrier. Checkpoints and outcomes must never describe
	// data the sink could still lose.
	if ferr := sink.Flush(ctx); ferr != nil {
		flushDurationMS := time.Since(start).Milliseconds()
		if serr := e.failAll(ctx, stateIDs, flushDurationMS, ferr, "flush"); serr != nil {
			return nil, serr
		}

		return nil, fmt.Errorf("sink %s flush failed: %w", info.NodeID, ferr)
	}

	if descriptor == nil {
		return nil, invariantf("sink %s returned no artifact descriptor for a successful write", info.NodeID)
	}

	for i, token := range tokens {
		output := map[string]any{
			"row":           token.Data,
			"artifact_path": descriptor.PathOrURI,
			"content_hash":  descriptor.ContentHash,
		}

		err := e.rec.CompleteNodeState(ctx, stateIDs[i], audit.CompleteNodeStateParams{
			Status:     audit.StateCompleted,
			Output:     output,
			DurationMS: durationMS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to close node state for sink %s: %w", info.NodeID, err)
		}
	}

	// The artifact links to the first state; each token's own state
	// already proves its delivery.
	artifact, err := e.rec.RecordArtifact(ctx, audit.ArtifactParams{
		RunID:             pc.RunID,
		SinkNode:          info.NodeID,
		PathOrURI:         descriptor.PathOrURI,
		SizeBytes:         descriptor.SizeBytes,
		ContentHash:       descriptor.ContentHash,
		Type:              descriptor.Type,
		ProducedByStateID: stateIDs[0],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record artifact for sink %s: %w", info.NodeID, err)
	}

	if pending != nil {
		for _, token := range tokens {
			err := e.rec.RecordOutcome(ctx, audit.OutcomeParams{
				TokenID:       token.ID,
				Outcome:       pending.Outcome,
				SinkName:      sinkName,
				ErrorHash:     pending.ErrorHash,
				ForkGroupID:   token.ForkGroupID,
				JoinGroupID:   token.JoinGroupID,
				ExpandGroupID: token.ExpandGroupID,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to record outcome for token %s: %w", token.ID, err)
			}
		}
	}

	if onTokenWritten != nil {
		for _, token := range tokens {
			if cerr := onTokenWritten(token); cerr != nil {
				// The write is durable and cannot be rolled back. A failed
				// checkpoint means resume may replay these rows.
				e.logger.Error("post-write checkpoint failed; resume will replay this row",
					"token_id", token.ID,
					"sink", sinkName,
					"error", cerr)
			}
		}
	}

	return artifact, nil
}

func (e *SinkExecutor) failAll(ctx context.Context, stateIDs []string, durationMS int64, cause error, phase string) error {
	errorJSON, _ := json.Marshal(map[string]any{
		"error": cause.Error(),
		"phase": phase,
	})

	for _, stateID := range stateIDs {
		err := e.rec.CompleteNodeState(ctx, stateID, audit.CompleteNodeStateParams{
			Status:     audit.StateFailed,
			DurationMS: durationMS,
			ErrorJSON:  errorJSON,
		})
		if err != nil {
			return fmt.Errorf("failed to record sink failure (%v): %w", cause, err)
		}
	}

	return nil
}
