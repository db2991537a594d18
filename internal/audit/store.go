package audit

import (
	"context"
)

type (
	// Recorder is the write side of the audit trail. The pipeline engine is
	// its only caller; all mutations of runs, nodes, tokens, states, batches,
	// and artifacts flow through it.
	//
	// RecordOutcome is the correctness barrier of the whole runtime: terminal
	// outcomes are conditional inserts, and a duplicate write returns
	// ErrDuplicateOutcome which callers must escalate, never swallow.
	Recorder interface {
		// BeginRun creates a run in running status.
		BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error)

		// CompleteRun transitions a running run to a terminal status exactly once.
		CompleteRun(ctx context.Context, runID string, status RunStatus) error

		// RegisterNode records one DAG vertex. Node ids are unique per run.
		RegisterNode(ctx context.Context, node *Node) error

		// RegisterEdge records one labeled routing connection.
		RegisterEdge(ctx context.Context, edge *Edge) error

		// CreateRow records a source-emitted record and returns it with a
		// generated row id and data hash.
		CreateRow(ctx context.Context, runID, sourceNode string, rowIndex int, data map[string]any) (*Row, error)

		// CreateToken mints a token for a row, linking any parents in order.
		CreateToken(ctx context.Context, params CreateTokenParams) (*Token, error)

		// BeginNodeState opens one execution attempt and returns the open state.
		BeginNodeState(ctx context.Context, params BeginNodeStateParams) (*NodeState, error)

		// CompleteNodeState closes an open state with final status, output
		// hash, duration, and error details.
		CompleteNodeState(ctx context.Context, stateID string, params CompleteNodeStateParams) error

		// RecordRoutingEvent records one routing decision taken at a node.
		RecordRoutingEvent(ctx context.Context, params RoutingEventParams) (*RoutingEvent, error)

		// CreateBatch opens an aggregation batch for a node.
		CreateBatch(ctx context.Context, runID, aggregationNode string) (*Batch, error)

		// AddBatchMember appends a token to a batch at the given ordinal.
		AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error

		// MarkBatchFlushing transitions an open batch to flushing.
		MarkBatchFlushing(ctx context.Context, batchID string) error

		// CompleteBatch transitions a batch to completed or failed with the
		// trigger that fired it.
		CompleteBatch(ctx context.Context, batchID string, status BatchStatus, triggerReason string) error

		// RecordArtifact records a durable sink product.
		RecordArtifact(ctx context.Context, params ArtifactParams) (*Artifact, error)

		// RecordTransformError records a structured, routed transform error.
		RecordTransformError(ctx context.Context, params TransformErrorParams) (*TransformError, error)

		// RecordOutcome writes a token outcome. Terminal outcomes are
		// conditional inserts: a second terminal write for the same token
		// returns ErrDuplicateOutcome.
		RecordOutcome(ctx context.Context, params OutcomeParams) error

		// SaveCheckpoint upserts serialized aggregation state for a node.
		SaveCheckpoint(ctx context.Context, runID, nodeID, version string, state []byte) error

		// DeleteCheckpoint removes a node checkpoint after a successful flush.
		DeleteCheckpoint(ctx context.Context, runID, nodeID string) error
	}

	// Reader is the query side of the audit trail, consumed by the API
	// server, the explain command, and run resumption.
	Reader interface {
		GetRun(ctx context.Context, runID string) (*Run, error)
		ListRuns(ctx context.Context, params ListRunsParams) ([]*Run, error)
		GetNodes(ctx context.Context, runID string) ([]*Node, error)
		GetEdges(ctx context.Context, runID string) ([]*Edge, error)
		GetRow(ctx context.Context, rowID string) (*Row, error)
		GetRows(ctx context.Context, runID string) ([]*Row, error)
		GetToken(ctx context.Context, tokenID string) (*Token, error)
		GetTokens(ctx context.Context, runID string) ([]*Token, error)
		GetTokensForRow(ctx context.Context, rowID string) ([]*Token, error)
		GetTokenParents(ctx context.Context, tokenID string) ([]*Token, error)

		// GetNodeStatesForToken returns states ordered by step index then attempt.
		GetNodeStatesForToken(ctx context.Context, tokenID string) ([]*NodeState, error)

		// GetRoutingEvents returns events opened from this token's states, in
		// recording order.
		GetRoutingEvents(ctx context.Context, tokenID string) ([]*RoutingEvent, error)

		// GetTokenOutcome returns the terminal outcome, or ErrNotFound while
		// the token is still in flight.
		GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error)
		GetOutcomes(ctx context.Context, runID string) ([]*TokenOutcome, error)
		GetArtifacts(ctx context.Context, runID string) ([]*Artifact, error)
		GetBatch(ctx context.Context, batchID string) (*Batch, error)
		GetOpenBatches(ctx context.Context, runID string) ([]*Batch, error)
		GetBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error)
		GetTransformErrorsForToken(ctx context.Context, tokenID string) ([]*TransformError, error)
		GetCheckpoint(ctx context.Context, runID, nodeID string) (*Checkpoint, error)

		// Explain assembles the full lineage of one token. It is total over
		// every token created in the run, whatever its fate.
		Explain(ctx context.Context, runID, tokenID string) (*Lineage, error)
	}

	// Store combines both sides of the audit trail with lifecycle management.
	// Implementations: MemoryStore for tests and dry runs, PostgresStore for
	// durable audit.
	Store interface {
		Recorder
		Reader

		// HealthCheck verifies the backing store is ready to serve.
		HealthCheck(ctx context.Context) error

		// Close releases backing resources. Safe to call multiple times.
		Close() error
	}
)

// BuildLineage assembles a Lineage from any Reader. Both store
// implementations delegate Explain here so the shape of an explanation never
// depends on the backend.
func BuildLineage(ctx context.Context, r Reader, runID, tokenID string) (*Lineage, error) {
	token, err := r.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	lineage := &Lineage{RunID: runID, Token: token}

	if token.RowID != "" {
		row, err := r.GetRow(ctx, token.RowID)
		if err == nil {
			lineage.Row = row
		}
	}

	states, err := r.GetNodeStatesForToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	lineage.NodeStates = states

	events, err := r.GetRoutingEvents(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	lineage.RoutingEvents = events

	parents, err := r.GetTokenParents(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	lineage.Parents = parents

	outcome, err := r.GetTokenOutcome(ctx, tokenID)
	if err == nil {
		lineage.Outcome = outcome
	}

	transformErrors, err := r.GetTransformErrorsForToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	lineage.TransformErrors = transformErrors

	// Artifacts attach to sink node states, so only those produced by one of
	// this token's states belong in its lineage.
	artifacts, err := r.GetArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}

	stateIDs := make(map[string]bool, len(states))
	for _, state := range states {
		stateIDs[state.ID] = true
	}

	for _, artifact := range artifacts {
		if stateIDs[artifact.ProducedByStateID] {
			lineage.Artifacts = append(lineage.Artifacts, artifact)
		}
	}

	return lineage, nil
}
