package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/loom-io/loom/internal/config"
	"github.com/loom-io/loom/internal/payload"
)

// Sentinel errors for PostgreSQL audit storage.
var (
	// ErrAuditStoreFailed is returned when a storage operation fails for a
	// reason other than an invariant violation.
	ErrAuditStoreFailed = errors.New("audit storage failed")

	// Compile-time interface assertion to catch method set drift early.
	_ Store = (*PostgresStore)(nil)
)

const (
	// defaultInlinePayloadLimit is the canonical-JSON size above which row
	// payloads move to the payload store, leaving only the hash inline.
	defaultInlinePayloadLimit = 64 * 1024

	// uniqueViolation is the PostgreSQL error code for unique constraint
	// violations. Conditional inserts rely on it as a correctness barrier.
	uniqueViolation = "23505"
)

type (
	// PostgresStore implements Store with a PostgreSQL backend. It is the
	// durable recorder: every constraint the schema declares mirrors an
	// invariant of the runtime, so a constraint violation here is a bug
	// report, not an operational nuisance.
	PostgresStore struct {
		conn        *Connection
		logger      *slog.Logger
		payloads    payload.Store
		inlineLimit int
	}

	// PostgresStoreOption configures optional PostgresStore behavior.
	PostgresStoreOption func(*PostgresStore)
)

// WithPayloadStore offloads payloads larger than the inline limit to a
// content-addressed payload store. Without it all payloads are stored inline.
func WithPayloadStore(store payload.Store) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.payloads = store
	}
}

// WithInlinePayloadLimit overrides the inline payload size threshold in bytes.
func WithInlinePayloadLimit(limit int) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.inlineLimit = limit
	}
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewPostgresStore(conn *Connection, opts ...PostgresStoreOption) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &PostgresStore{
		conn:        conn,
		logger:      config.NewLogger("audit"),
		inlineLimit: defaultInlinePayloadLimit,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// BeginRun creates a run in running status.
func (s *PostgresStore) BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error) {
	run := &Run{
		ID:               uuid.NewString(),
		Status:           RunRunning,
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
		StartedAt:        time.Now().UTC(),
	}

	query := `
		INSERT INTO runs (run_id, status, config_hash, canonical_version, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.conn.ExecContext(ctx, query, run.ID, run.Status, run.ConfigHash, run.CanonicalVersion, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert run: %w", ErrAuditStoreFailed, err)
	}

	s.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.String("config_hash", run.ConfigHash),
	)

	return run, nil
}

// CompleteRun transitions a running run to a terminal status exactly once.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	query := `
		UPDATE runs SET status = $2, completed_at = NOW()
		WHERE run_id = $1 AND status = 'running'
	`

	result, err := s.conn.ExecContext(ctx, query, runID, status)
	if err != nil {
		return fmt.Errorf("%w: failed to complete run: %w", ErrAuditStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to complete run: %w", ErrAuditStoreFailed, err)
	}

	if affected == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}

		return ErrRunNotRunning
	}

	return nil
}

// RegisterNode records one DAG vertex.
func (s *PostgresStore) RegisterNode(ctx context.Context, node *Node) error {
	configJSON, err := marshalMap(node.Config)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal node config: %w", ErrAuditStoreFailed, err)
	}

	schemaJSON, err := marshalMap(node.SchemaConfig)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal node schema: %w", ErrAuditStoreFailed, err)
	}

	query := `
		INSERT INTO nodes (run_id, node_id, plugin_name, node_type, plugin_version, config, schema_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.conn.ExecContext(ctx, query,
		node.RunID, node.ID, node.PluginName, node.Type,
		nullString(node.PluginVersion), configJSON, schemaJSON,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert node: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// RegisterEdge records one labeled routing connection.
func (s *PostgresStore) RegisterEdge(ctx context.Context, edge *Edge) error {
	query := `
		INSERT INTO edges (edge_id, run_id, from_node, to_node, label, mode)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.conn.ExecContext(ctx, query, edge.ID, edge.RunID, edge.FromNode, edge.ToNode, edge.Label, edge.Mode)
	if err != nil {
		return fmt.Errorf("%w: failed to insert edge: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// CreateRow records a source-emitted record with its payload stored inline
// or offloaded by content hash.
func (s *PostgresStore) CreateRow(
	ctx context.Context,
	runID, sourceNode string,
	rowIndex int,
	data map[string]any,
) (*Row, error) {
	inline, hash, err := s.payloadColumns(ctx, data)
	if err != nil {
		return nil, err
	}

	row := &Row{
		RunID:      runID,
		ID:         uuid.NewString(),
		RowIndex:   rowIndex,
		SourceNode: sourceNode,
		Data:       data,
		DataHash:   hash,
	}

	query := `
		INSERT INTO rows (row_id, run_id, row_index, source_node, data, data_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.conn.ExecContext(ctx, query, row.ID, runID, rowIndex, sourceNode, inline, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert row: %w", ErrAuditStoreFailed, err)
	}

	return row, nil
}

// CreateToken mints a token and links its parents in one transaction.
func (s *PostgresStore) CreateToken(ctx context.Context, params CreateTokenParams) (*Token, error) {
	inline, hash, err := s.payloadColumns(ctx, params.Data)
	if err != nil {
		return nil, err
	}

	token := &Token{
		RunID:         params.RunID,
		ID:            uuid.NewString(),
		RowID:         params.RowID,
		Data:          params.Data,
		DataHash:      hash,
		BranchName:    params.BranchName,
		ForkGroupID:   params.ForkGroupID,
		JoinGroupID:   params.JoinGroupID,
		ExpandGroupID: params.ExpandGroupID,
		CreatedAt:     time.Now().UTC(),
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuditStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	insertToken := `
		INSERT INTO tokens (
			token_id, run_id, row_id, data, data_hash,
			branch_name, fork_group_id, join_group_id, expand_group_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = tx.ExecContext(ctx, insertToken,
		token.ID, token.RunID, token.RowID, inline, hash,
		nullString(token.BranchName), nullString(token.ForkGroupID),
		nullString(token.JoinGroupID), nullString(token.ExpandGroupID),
		token.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert token: %w", ErrAuditStoreFailed, err)
	}

	insertParent := `
		INSERT INTO token_parents (token_id, parent_token_id, ordinal)
		VALUES ($1, $2, $3)
	`

	for i, parentID := range params.ParentIDs {
		if _, err := tx.ExecContext(ctx, insertParent, token.ID, parentID, i); err != nil {
			return nil, fmt.Errorf("%w: failed to link token parent: %w", ErrAuditStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit token: %w", ErrAuditStoreFailed, err)
	}

	return token, nil
}

// BeginNodeState opens one execution attempt. A duplicate
// (token, node, attempt) surfaces the schema's unique constraint as
// ErrDuplicateNodeState.
func (s *PostgresStore) BeginNodeState(ctx context.Context, params BeginNodeStateParams) (*NodeState, error) {
	hash, err := HashData(params.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuditStoreFailed, err)
	}

	state := &NodeState{
		ID:        uuid.NewString(),
		RunID:     params.RunID,
		TokenID:   params.TokenID,
		NodeID:    params.NodeID,
		StepIndex: params.StepIndex,
		Attempt:   params.Attempt,
		Status:    StateOpen,
		InputHash: hash,
		StartedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO node_states (
			state_id, run_id, token_id, node_id, step_index, attempt,
			status, input_hash, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.conn.ExecContext(ctx, query,
		state.ID, state.RunID, state.TokenID, state.NodeID,
		state.StepIndex, state.Attempt, state.Status, state.InputHash, state.StartedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateNodeState
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert node state: %w", ErrAuditStoreFailed, err)
	}

	return state, nil
}

// CompleteNodeState closes an open state.
func (s *PostgresStore) CompleteNodeState(ctx context.Context, stateID string, params CompleteNodeStateParams) error {
	var outputHash sql.NullString

	if params.Output != nil {
		hash, err := HashData(params.Output)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuditStoreFailed, err)
		}

		outputHash = sql.NullString{String: hash, Valid: true}
	}

	query := `
		UPDATE node_states
		SET status = $2, output_hash = $3, duration_ms = $4,
			error_json = $5, context_after_json = $6, completed_at = NOW()
		WHERE state_id = $1 AND status = 'open'
	`

	result, err := s.conn.ExecContext(ctx, query,
		stateID, params.Status, outputHash, params.DurationMS,
		nullBytes(params.ErrorJSON), nullBytes(params.ContextAfterJSON),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to complete node state: %w", ErrAuditStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to complete node state: %w", ErrAuditStoreFailed, err)
	}

	if affected == 0 {
		var exists int

		err := s.conn.QueryRowContext(ctx,
			`SELECT 1 FROM node_states WHERE state_id = $1`, stateID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}

		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuditStoreFailed, err)
		}

		return ErrStateNotOpen
	}

	return nil
}

// RecordRoutingEvent records one routing decision.
func (s *PostgresStore) RecordRoutingEvent(ctx context.Context, params RoutingEventParams) (*RoutingEvent, error) {
	event := &RoutingEvent{
		ID:             uuid.NewString(),
		RunID:          params.RunID,
		FromStateID:    params.FromStateID,
		EdgeID:         params.EdgeID,
		Mode:           params.Mode,
		ReasonHash:     params.ReasonHash,
		RoutingGroupID: params.RoutingGroupID,
		Ordinal:        params.Ordinal,
		CreatedAt:      time.Now().UTC(),
	}

	query := `
		INSERT INTO routing_events (
			event_id, run_id, from_state_id, edge_id, mode,
			reason_hash, routing_group_id, ordinal, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.conn.ExecContext(ctx, query,
		event.ID, event.RunID, event.FromStateID, event.EdgeID, event.Mode,
		nullString(event.ReasonHash), nullString(event.RoutingGroupID),
		event.Ordinal, event.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateRoutingOrdinal
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert routing event: %w", ErrAuditStoreFailed, err)
	}

	return event, nil
}

// CreateBatch opens an aggregation batch.
func (s *PostgresStore) CreateBatch(ctx context.Context, runID, aggregationNode string) (*Batch, error) {
	batch := &Batch{
		ID:              uuid.NewString(),
		RunID:           runID,
		AggregationNode: aggregationNode,
		Status:          BatchOpen,
		CreatedAt:       time.Now().UTC(),
	}

	query := `
		INSERT INTO batches (batch_id, run_id, aggregation_node, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.conn.ExecContext(ctx, query, batch.ID, runID, aggregationNode, batch.Status, batch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert batch: %w", ErrAuditStoreFailed, err)
	}

	return batch, nil
}

// AddBatchMember appends a token to a batch at the given ordinal.
func (s *PostgresStore) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	query := `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		VALUES ($1, $2, $3)
	`

	_, err := s.conn.ExecContext(ctx, query, batchID, tokenID, ordinal)
	if isUniqueViolation(err) {
		return ErrDuplicateBatchMember
	}

	if err != nil {
		return fmt.Errorf("%w: failed to insert batch member: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// MarkBatchFlushing transitions an open batch to flushing.
func (s *PostgresStore) MarkBatchFlushing(ctx context.Context, batchID string) error {
	return s.updateBatchStatus(ctx, batchID, BatchFlushing, "")
}

// CompleteBatch closes a batch with the trigger that fired it.
func (s *PostgresStore) CompleteBatch(
	ctx context.Context,
	batchID string,
	status BatchStatus,
	triggerReason string,
) error {
	return s.updateBatchStatus(ctx, batchID, status, triggerReason)
}

func (s *PostgresStore) updateBatchStatus(
	ctx context.Context,
	batchID string,
	status BatchStatus,
	triggerReason string,
) error {
	query := `
		UPDATE batches
		SET status = $2,
			trigger_reason = COALESCE(NULLIF($3, ''), trigger_reason),
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE batch_id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, batchID, status, triggerReason)
	if err != nil {
		return fmt.Errorf("%w: failed to update batch: %w", ErrAuditStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to update batch: %w", ErrAuditStoreFailed, err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordArtifact records a durable sink product.
func (s *PostgresStore) RecordArtifact(ctx context.Context, params ArtifactParams) (*Artifact, error) {
	artifact := &Artifact{
		ID:                uuid.NewString(),
		RunID:             params.RunID,
		SinkNode:          params.SinkNode,
		PathOrURI:         params.PathOrURI,
		SizeBytes:         params.SizeBytes,
		ContentHash:       params.ContentHash,
		Type:              params.Type,
		ProducedByStateID: params.ProducedByStateID,
		CreatedAt:         time.Now().UTC(),
	}

	query := `
		INSERT INTO artifacts (
			artifact_id, run_id, sink_node, path_or_uri, size_bytes,
			content_hash, artifact_type, produced_by_state_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.conn.ExecContext(ctx, query,
		artifact.ID, artifact.RunID, artifact.SinkNode, artifact.PathOrURI,
		artifact.SizeBytes, nullString(artifact.ContentHash), nullString(artifact.Type),
		artifact.ProducedByStateID, artifact.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert artifact: %w", ErrAuditStoreFailed, err)
	}

	return artifact, nil
}

// RecordTransformError records a structured, routed transform error.
func (s *PostgresStore) RecordTransformError(
	ctx context.Context,
	params TransformErrorParams,
) (*TransformError, error) {
	hash, err := HashData(params.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuditStoreFailed, err)
	}

	detailsJSON, err := marshalMap(params.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuditStoreFailed, err)
	}

	rowInline, _, err := s.payloadColumns(ctx, params.RowData)
	if err != nil {
		return nil, err
	}

	terr := &TransformError{
		ID:              uuid.NewString(),
		RunID:           params.RunID,
		TransformNodeID: params.TransformNodeID,
		TokenID:         params.TokenID,
		Destination:     params.Destination,
		Details:         params.Details,
		ErrorHash:       hash,
		RowData:         params.RowData,
		CreatedAt:       time.Now().UTC(),
	}

	query := `
		INSERT INTO transform_errors (
			error_id, run_id, transform_node_id, token_id, destination,
			details, error_hash, row_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.conn.ExecContext(ctx, query,
		terr.ID, terr.RunID, terr.TransformNodeID, terr.TokenID, terr.Destination,
		detailsJSON, terr.ErrorHash, rowInline, terr.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert transform error: %w", ErrAuditStoreFailed, err)
	}

	return terr, nil
}

// RecordOutcome writes a token outcome. Terminal writes are conditional
// inserts guarded by a partial unique index; a duplicate surfaces as
// ErrDuplicateOutcome for the engine to escalate.
func (s *PostgresStore) RecordOutcome(ctx context.Context, params OutcomeParams) error {
	outcome := params.Outcome

	query := `
		INSERT INTO token_outcomes (
			token_id, outcome, is_terminal, sink_name, error_hash,
			fork_group_id, join_group_id, expand_group_id, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`

	_, err := s.conn.ExecContext(ctx, query,
		params.TokenID, outcome, outcome.Terminal(),
		nullString(params.SinkName), nullString(params.ErrorHash),
		nullString(params.ForkGroupID), nullString(params.JoinGroupID),
		nullString(params.ExpandGroupID),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOutcome
	}

	if err != nil {
		return fmt.Errorf("%w: failed to insert token outcome: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// SaveCheckpoint upserts serialized aggregation state for a node.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, runID, nodeID, version string, state []byte) error {
	query := `
		INSERT INTO checkpoints (run_id, node_id, version, state, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (run_id, node_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, updated_at = NOW()
	`

	_, err := s.conn.ExecContext(ctx, query, runID, nodeID, version, state)
	if err != nil {
		return fmt.Errorf("%w: failed to save checkpoint: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// DeleteCheckpoint removes a node checkpoint after a successful flush.
func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, runID, nodeID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = $1 AND node_id = $2`, runID, nodeID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete checkpoint: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// GetRun returns one run by id.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT run_id, status, config_hash, canonical_version, started_at, completed_at
		FROM runs WHERE run_id = $1
	`

	run := &Run{}

	var completedAt sql.NullTime

	err := s.conn.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.Status, &run.ConfigHash, &run.CanonicalVersion, &run.StartedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to query run: %w", ErrAuditStoreFailed, err)
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return run, nil
}

// ListRuns pages runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, params ListRunsParams) ([]*Run, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, status, config_hash, canonical_version, started_at, completed_at
		FROM runs ORDER BY started_at DESC, run_id LIMIT $1 OFFSET $2
	`

	rows, err := s.conn.QueryContext(ctx, query, limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query runs: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Run

	for rows.Next() {
		run := &Run{}

		var completedAt sql.NullTime

		if err := rows.Scan(
			&run.ID, &run.Status, &run.ConfigHash, &run.CanonicalVersion, &run.StartedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan run: %w", ErrAuditStoreFailed, err)
		}

		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}

		result = append(result, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate runs: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetNodes returns registered nodes in registration order.
func (s *PostgresStore) GetNodes(ctx context.Context, runID string) ([]*Node, error) {
	query := `
		SELECT node_id, plugin_name, node_type, plugin_version, config, schema_config
		FROM nodes WHERE run_id = $1 ORDER BY seq
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query nodes: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Node

	for rows.Next() {
		node := &Node{RunID: runID}

		var (
			pluginVersion sql.NullString
			configJSON    []byte
			schemaJSON    []byte
		)

		if err := rows.Scan(&node.ID, &node.PluginName, &node.Type, &pluginVersion, &configJSON, &schemaJSON); err != nil {
			return nil, fmt.Errorf("%w: failed to scan node: %w", ErrAuditStoreFailed, err)
		}

		node.PluginVersion = pluginVersion.String
		node.Config = unmarshalMap(configJSON)
		node.SchemaConfig = unmarshalMap(schemaJSON)
		result = append(result, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate nodes: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetEdges returns registered edges in registration order.
func (s *PostgresStore) GetEdges(ctx context.Context, runID string) ([]*Edge, error) {
	query := `
		SELECT edge_id, from_node, to_node, label, mode
		FROM edges WHERE run_id = $1 ORDER BY seq
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query edges: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Edge

	for rows.Next() {
		edge := &Edge{RunID: runID}

		if err := rows.Scan(&edge.ID, &edge.FromNode, &edge.ToNode, &edge.Label, &edge.Mode); err != nil {
			return nil, fmt.Errorf("%w: failed to scan edge: %w", ErrAuditStoreFailed, err)
		}

		result = append(result, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate edges: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetRow returns one row by id, rehydrating offloaded payloads when a
// payload store is configured.
func (s *PostgresStore) GetRow(ctx context.Context, rowID string) (*Row, error) {
	query := `
		SELECT row_id, run_id, row_index, source_node, data, data_hash
		FROM rows WHERE row_id = $1
	`

	row, err := s.scanRow(s.conn.QueryRowContext(ctx, query, rowID))
	if err != nil {
		return nil, err
	}

	s.rehydrate(ctx, &row.Data, row.DataHash)

	return row, nil
}

// GetRows returns all rows of a run in row index order.
func (s *PostgresStore) GetRows(ctx context.Context, runID string) ([]*Row, error) {
	query := `
		SELECT row_id, run_id, row_index, source_node, data, data_hash
		FROM rows WHERE run_id = $1 ORDER BY row_index
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query rows: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Row

	for rows.Next() {
		row := &Row{}

		var data []byte

		if err := rows.Scan(&row.ID, &row.RunID, &row.RowIndex, &row.SourceNode, &data, &row.DataHash); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrAuditStoreFailed, err)
		}

		row.Data = unmarshalMap(data)
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate rows: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetToken returns one token by id.
func (s *PostgresStore) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	query := tokenSelect + ` WHERE token_id = $1`

	tokens, err := s.queryTokens(ctx, query, tokenID)
	if err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		return nil, ErrNotFound
	}

	token := tokens[0]
	s.rehydrate(ctx, &token.Data, token.DataHash)

	return token, nil
}

// GetTokens returns all tokens of a run in creation order.
func (s *PostgresStore) GetTokens(ctx context.Context, runID string) ([]*Token, error) {
	return s.queryTokens(ctx, tokenSelect+` WHERE run_id = $1 ORDER BY seq`, runID)
}

// GetTokensForRow returns every token minted for a row, in creation order.
func (s *PostgresStore) GetTokensForRow(ctx context.Context, rowID string) ([]*Token, error) {
	return s.queryTokens(ctx, tokenSelect+` WHERE row_id = $1 ORDER BY seq`, rowID)
}

// GetTokenParents returns parent tokens in link order.
func (s *PostgresStore) GetTokenParents(ctx context.Context, tokenID string) ([]*Token, error) {
	query := `
		SELECT t.token_id, t.run_id, t.row_id, t.data, t.data_hash,
			t.branch_name, t.fork_group_id, t.join_group_id, t.expand_group_id, t.created_at
		FROM token_parents p
		JOIN tokens t ON t.token_id = p.parent_token_id
		WHERE p.token_id = $1
		ORDER BY p.ordinal
	`

	return s.queryTokens(ctx, query, tokenID)
}

// GetNodeStatesForToken returns states ordered by step index then attempt.
func (s *PostgresStore) GetNodeStatesForToken(ctx context.Context, tokenID string) ([]*NodeState, error) {
	query := `
		SELECT state_id, run_id, token_id, node_id, step_index, attempt, status,
			input_hash, output_hash, duration_ms, error_json, context_after_json,
			started_at, completed_at
		FROM node_states WHERE token_id = $1
		ORDER BY step_index, attempt
	`

	rows, err := s.conn.QueryContext(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query node states: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*NodeState

	for rows.Next() {
		state := &NodeState{}

		var (
			outputHash  sql.NullString
			durationMS  sql.NullInt64
			completedAt sql.NullTime
		)

		if err := rows.Scan(
			&state.ID, &state.RunID, &state.TokenID, &state.NodeID,
			&state.StepIndex, &state.Attempt, &state.Status,
			&state.InputHash, &outputHash, &durationMS,
			&state.ErrorJSON, &state.ContextAfterJSON,
			&state.StartedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan node state: %w", ErrAuditStoreFailed, err)
		}

		state.OutputHash = outputHash.String
		state.DurationMS = durationMS.Int64

		if completedAt.Valid {
			state.CompletedAt = &completedAt.Time
		}

		result = append(result, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate node states: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetRoutingEvents returns events opened from this token's states in
// recording order.
func (s *PostgresStore) GetRoutingEvents(ctx context.Context, tokenID string) ([]*RoutingEvent, error) {
	query := `
		SELECT e.event_id, e.run_id, e.from_state_id, e.edge_id, e.mode,
			e.reason_hash, e.routing_group_id, e.ordinal, e.created_at
		FROM routing_events e
		WHERE e.from_state_id IN (SELECT state_id FROM node_states WHERE token_id = $1)
		ORDER BY e.seq
	`

	rows, err := s.conn.QueryContext(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query routing events: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*RoutingEvent

	for rows.Next() {
		event := &RoutingEvent{}

		var reasonHash, groupID sql.NullString

		if err := rows.Scan(
			&event.ID, &event.RunID, &event.FromStateID, &event.EdgeID, &event.Mode,
			&reasonHash, &groupID, &event.Ordinal, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan routing event: %w", ErrAuditStoreFailed, err)
		}

		event.ReasonHash = reasonHash.String
		event.RoutingGroupID = groupID.String
		result = append(result, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate routing events: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetTokenOutcome returns the terminal outcome of a token.
func (s *PostgresStore) GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	query := outcomeSelect + ` WHERE token_id = $1 AND is_terminal`

	outcomes, err := s.queryOutcomes(ctx, query, tokenID)
	if err != nil {
		return nil, err
	}

	if len(outcomes) == 0 {
		return nil, ErrNotFound
	}

	return outcomes[0], nil
}

// GetOutcomes returns every terminal outcome of a run in token creation order.
func (s *PostgresStore) GetOutcomes(ctx context.Context, runID string) ([]*TokenOutcome, error) {
	query := `
		SELECT o.token_id, o.outcome, o.is_terminal, o.sink_name, o.error_hash,
			o.fork_group_id, o.join_group_id, o.expand_group_id, o.recorded_at
		FROM token_outcomes o
		JOIN tokens t ON t.token_id = o.token_id
		WHERE o.is_terminal AND t.run_id = $1
		ORDER BY t.seq
	`

	return s.queryOutcomes(ctx, query, runID)
}

// GetArtifacts returns all artifacts of a run in recording order.
func (s *PostgresStore) GetArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	query := `
		SELECT artifact_id, run_id, sink_node, path_or_uri, size_bytes,
			content_hash, artifact_type, produced_by_state_id, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY seq
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query artifacts: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Artifact

	for rows.Next() {
		artifact := &Artifact{}

		var contentHash, artifactType sql.NullString

		if err := rows.Scan(
			&artifact.ID, &artifact.RunID, &artifact.SinkNode, &artifact.PathOrURI,
			&artifact.SizeBytes, &contentHash, &artifactType,
			&artifact.ProducedByStateID, &artifact.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan artifact: %w", ErrAuditStoreFailed, err)
		}

		artifact.ContentHash = contentHash.String
		artifact.Type = artifactType.String
		result = append(result, artifact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate artifacts: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetBatch returns one batch by id.
func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	query := `
		SELECT batch_id, run_id, aggregation_node, status, trigger_reason, created_at, completed_at
		FROM batches WHERE batch_id = $1
	`

	batch := &Batch{}

	var (
		triggerReason sql.NullString
		completedAt   sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, query, batchID).Scan(
		&batch.ID, &batch.RunID, &batch.AggregationNode, &batch.Status,
		&triggerReason, &batch.CreatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to query batch: %w", ErrAuditStoreFailed, err)
	}

	batch.TriggerReason = triggerReason.String

	if completedAt.Valid {
		batch.CompletedAt = &completedAt.Time
	}

	return batch, nil
}

// GetOpenBatches returns batches still open or flushing for a run.
func (s *PostgresStore) GetOpenBatches(ctx context.Context, runID string) ([]*Batch, error) {
	query := `
		SELECT batch_id, run_id, aggregation_node, status, trigger_reason, created_at, completed_at
		FROM batches WHERE run_id = $1 AND status IN ('open', 'flushing')
		ORDER BY created_at
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query batches: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Batch

	for rows.Next() {
		batch := &Batch{}

		var (
			triggerReason sql.NullString
			completedAt   sql.NullTime
		)

		if err := rows.Scan(
			&batch.ID, &batch.RunID, &batch.AggregationNode, &batch.Status,
			&triggerReason, &batch.CreatedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan batch: %w", ErrAuditStoreFailed, err)
		}

		batch.TriggerReason = triggerReason.String

		if completedAt.Valid {
			batch.CompletedAt = &completedAt.Time
		}

		result = append(result, batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate batches: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetBatchMembers returns members in ordinal order.
func (s *PostgresStore) GetBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error) {
	query := `
		SELECT batch_id, token_id, ordinal
		FROM batch_members WHERE batch_id = $1 ORDER BY ordinal
	`

	rows, err := s.conn.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query batch members: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BatchMember

	for rows.Next() {
		member := &BatchMember{}

		if err := rows.Scan(&member.BatchID, &member.TokenID, &member.Ordinal); err != nil {
			return nil, fmt.Errorf("%w: failed to scan batch member: %w", ErrAuditStoreFailed, err)
		}

		result = append(result, member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate batch members: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetTransformErrorsForToken returns errors in recording order.
func (s *PostgresStore) GetTransformErrorsForToken(ctx context.Context, tokenID string) ([]*TransformError, error) {
	query := `
		SELECT error_id, run_id, transform_node_id, token_id, destination,
			details, error_hash, row_data, created_at
		FROM transform_errors WHERE token_id = $1 ORDER BY seq
	`

	rows, err := s.conn.QueryContext(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query transform errors: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*TransformError

	for rows.Next() {
		terr := &TransformError{}

		var details, rowData []byte

		if err := rows.Scan(
			&terr.ID, &terr.RunID, &terr.TransformNodeID, &terr.TokenID, &terr.Destination,
			&details, &terr.ErrorHash, &rowData, &terr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan transform error: %w", ErrAuditStoreFailed, err)
		}

		terr.Details = unmarshalMap(details)
		terr.RowData = unmarshalMap(rowData)
		result = append(result, terr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate transform errors: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

// GetCheckpoint returns the checkpoint for a node.
func (s *PostgresStore) GetCheckpoint(ctx context.Context, runID, nodeID string) (*Checkpoint, error) {
	query := `
		SELECT run_id, node_id, version, state, updated_at
		FROM checkpoints WHERE run_id = $1 AND node_id = $2
	`

	ckpt := &Checkpoint{}

	err := s.conn.QueryRowContext(ctx, query, runID, nodeID).Scan(
		&ckpt.RunID, &ckpt.NodeID, &ckpt.Version, &ckpt.State, &ckpt.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to query checkpoint: %w", ErrAuditStoreFailed, err)
	}

	return ckpt, nil
}

// Explain assembles the full lineage of one token.
func (s *PostgresStore) Explain(ctx context.Context, runID, tokenID string) (*Lineage, error) {
	return BuildLineage(ctx, s, runID, tokenID)
}

// HealthCheck verifies the database connection is healthy.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Close is a no-op: the connection is injected and owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

const tokenSelect = `
	SELECT token_id, run_id, row_id, data, data_hash,
		branch_name, fork_group_id, join_group_id, expand_group_id, created_at
	FROM tokens
`

const outcomeSelect = `
	SELECT token_id, outcome, is_terminal, sink_name, error_hash,
		fork_group_id, join_group_id, expand_group_id, recorded_at
	FROM token_outcomes
`

func (s *PostgresStore) queryTokens(ctx context.Context, query string, args ...any) ([]*Token, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query tokens: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Token

	for rows.Next() {
		token := &Token{}

		var (
			data                             []byte
			branch, forkID, joinID, expandID sql.NullString
		)

		if err := rows.Scan(
			&token.ID, &token.RunID, &token.RowID, &data, &token.DataHash,
			&branch, &forkID, &joinID, &expandID, &token.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan token: %w", ErrAuditStoreFailed, err)
		}

		token.Data = unmarshalMap(data)
		token.BranchName = branch.String
		token.ForkGroupID = forkID.String
		token.JoinGroupID = joinID.String
		token.ExpandGroupID = expandID.String
		result = append(result, token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate tokens: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

func (s *PostgresStore) queryOutcomes(ctx context.Context, query string, args ...any) ([]*TokenOutcome, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query outcomes: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*TokenOutcome

	for rows.Next() {
		outcome := &TokenOutcome{}

		var sinkName, errorHash, forkID, joinID, expandID sql.NullString

		if err := rows.Scan(
			&outcome.TokenID, &outcome.Outcome, &outcome.IsTerminal,
			&sinkName, &errorHash, &forkID, &joinID, &expandID, &outcome.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan outcome: %w", ErrAuditStoreFailed, err)
		}

		outcome.SinkName = sinkName.String
		outcome.ErrorHash = errorHash.String
		outcome.ForkGroupID = forkID.String
		outcome.JoinGroupID = joinID.String
		outcome.ExpandGroupID = expandID.String
		result = append(result, outcome)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate outcomes: %w", ErrAuditStoreFailed, err)
	}

	return result, nil
}

func (s *PostgresStore) scanRow(row *sql.Row) (*Row, error) {
	result := &Row{}

	var data []byte

	err := row.Scan(&result.ID, &result.RunID, &result.RowIndex, &result.SourceNode, &data, &result.DataHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan row: %w", ErrAuditStoreFailed, err)
	}

	result.Data = unmarshalMap(data)

	return result, nil
}

// payloadColumns prepares a payload for storage: canonical JSON inline when
// small, offloaded to the payload store by hash when large.
func (s *PostgresStore) payloadColumns(ctx context.Context, data map[string]any) (sql.NullString, string, error) {
	if data == nil {
		return sql.NullString{}, emptyPayloadHash(), nil
	}

	canonical, err := CanonicalJSON(data)
	if err != nil {
		return sql.NullString{}, "", fmt.Errorf("%w: %w", ErrAuditStoreFailed, err)
	}

	hash := HashBytes(canonical)

	if s.payloads != nil && len(canonical) > s.inlineLimit {
		if err := s.payloads.Put(ctx, hash, canonical); err != nil {
			return sql.NullString{}, "", fmt.Errorf("%w: failed to offload payload: %w", ErrAuditStoreFailed, err)
		}

		s.logger.Debug("payload offloaded",
			slog.String("hash", hash),
			slog.Int("size_bytes", len(canonical)),
		)

		return sql.NullString{}, hash, nil
	}

	return sql.NullString{String: string(canonical), Valid: true}, hash, nil
}

// rehydrate fills a missing payload from the payload store when possible.
// A purged payload is not an error: the hash remains the audit anchor.
func (s *PostgresStore) rehydrate(ctx context.Context, data *map[string]any, hash string) {
	if *data != nil || s.payloads == nil || hash == "" {
		return
	}

	raw, err := s.payloads.Get(ctx, hash)
	if err != nil {
		return
	}

	*data = unmarshalMap(raw)
}

// emptyPayloadHash is the digest of a nil payload, precomputed shape kept in
// one place so rows without data still carry a stable anchor.
func emptyPayloadHash() string {
	hash, _ := HashData(nil)

	return hash
}

// IsConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}

	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}

	return sql.NullString{String: string(b), Valid: true}
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err //nolint:wrapcheck // callers wrap with operation context
	}

	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}

	return m
}
