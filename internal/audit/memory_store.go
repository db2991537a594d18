package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface assertion so a drifting method set fails the build,
// not a production run.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a thread-safe in-memory audit store. It enforces the same
// uniqueness rules as the PostgreSQL schema (terminal outcome per token,
// node state per attempt, batch member per ordinal) so engine tests exercise
// real invariant faults without a database.
type MemoryStore struct {
	mutex sync.RWMutex

	runs       map[string]*Run
	runOrder   []string
	nodes      map[string][]*Node // keyed by run id, registration order
	edges      map[string][]*Edge
	rows       map[string]*Row
	rowOrder   map[string][]string // run id -> row ids in creation order
	tokens     map[string]*Token
	tokenOrder map[string][]string // run id -> token ids in creation order
	rowTokens  map[string][]string // row id -> token ids
	parents    map[string][]*TokenParent

	states     map[string]*NodeState
	stateOrder map[string][]string          // token id -> state ids in creation order
	stateKeys  map[stateKey]bool            // (token, node, attempt) uniqueness
	events     []*RoutingEvent              // recording order
	eventKeys  map[routingOrdinalKey]bool   // (group, ordinal) uniqueness
	outcomes   map[string]*TokenOutcome     // terminal outcome per token
	buffered   map[string][]*TokenOutcome   // non-terminal outcomes per token
	batches    map[string]*Batch
	members    map[string][]*BatchMember    // batch id -> members in ordinal order
	memberKeys map[batchOrdinalKey]bool     // (batch, ordinal) uniqueness
	artifacts  map[string][]*Artifact       // run id -> artifacts
	terrors    map[string][]*TransformError // token id -> errors
	ckpts      map[checkpointKey]*Checkpoint

	now func() time.Time
}

type (
	stateKey struct {
		tokenID string
		nodeID  string
		attempt int
	}

	routingOrdinalKey struct {
		groupID string
		ordinal int
	}

	batchOrdinalKey struct {
		batchID string
		ordinal int
	}

	checkpointKey struct {
		runID  string
		nodeID string
	}
)

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*Run),
		nodes:      make(map[string][]*Node),
		edges:      make(map[string][]*Edge),
		rows:       make(map[string]*Row),
		rowOrder:   make(map[string][]string),
		tokens:     make(map[string]*Token),
		tokenOrder: make(map[string][]string),
		rowTokens:  make(map[string][]string),
		parents:    make(map[string][]*TokenParent),
		states:     make(map[string]*NodeState),
		stateOrder: make(map[string][]string),
		stateKeys:  make(map[stateKey]bool),
		eventKeys:  make(map[routingOrdinalKey]bool),
		outcomes:   make(map[string]*TokenOutcome),
		buffered:   make(map[string][]*TokenOutcome),
		batches:    make(map[string]*Batch),
		members:    make(map[string][]*BatchMember),
		memberKeys: make(map[batchOrdinalKey]bool),
		artifacts:  make(map[string][]*Artifact),
		terrors:    make(map[string][]*TransformError),
		ckpts:      make(map[checkpointKey]*Checkpoint),
		now:        time.Now,
	}
}

// BeginRun creates a run in running status.
func (s *MemoryStore) BeginRun(_ context.Context, configHash, canonicalVersion string) (*Run, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run := &Run{
		ID:               uuid.NewString(),
		Status:           RunRunning,
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
		StartedAt:        s.now().UTC(),
	}

	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)

	runCopy := *run

	return &runCopy, nil
}

// CompleteRun transitions a running run to a terminal status.
func (s *MemoryStore) CompleteRun(_ context.Context, runID string, status RunStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return ErrNotFound
	}

	if run.Status != RunRunning {
		return ErrRunNotRunning
	}

	completed := s.now().UTC()
	run.Status = status
	run.CompletedAt = &completed

	return nil
}

// RegisterNode records one DAG vertex.
func (s *MemoryStore) RegisterNode(_ context.Context, node *Node) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	nodeCopy := *node
	s.nodes[node.RunID] = append(s.nodes[node.RunID], &nodeCopy)

	return nil
}

// RegisterEdge records one labeled routing connection.
func (s *MemoryStore) RegisterEdge(_ context.Context, edge *Edge) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	edgeCopy := *edge
	s.edges[edge.RunID] = append(s.edges[edge.RunID], &edgeCopy)

	return nil
}

// CreateRow records a source-emitted record.
func (s *MemoryStore) CreateRow(
	_ context.Context,
	runID, sourceNode string,
	rowIndex int,
	data map[string]any,
) (*Row, error) {
	hash, err := HashData(data)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	row := &Row{
		RunID:      runID,
		ID:         uuid.NewString(),
		RowIndex:   rowIndex,
		SourceNode: sourceNode,
		Data:       copyRowData(data),
		DataHash:   hash,
	}

	s.rows[row.ID] = row
	s.rowOrder[runID] = append(s.rowOrder[runID], row.ID)

	rowCopy := *row

	return &rowCopy, nil
}

// CreateToken mints a token, linking any parents in the given order.
func (s *MemoryStore) CreateToken(_ context.Context, params CreateTokenParams) (*Token, error) {
	hash, err := HashData(params.Data)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	token := &Token{
		RunID:         params.RunID,
		ID:            uuid.NewString(),
		RowID:         params.RowID,
		Data:          copyRowData(params.Data),
		DataHash:      hash,
		BranchName:    params.BranchName,
		ForkGroupID:   params.ForkGroupID,
		JoinGroupID:   params.JoinGroupID,
		ExpandGroupID: params.ExpandGroupID,
		CreatedAt:     s.now().UTC(),
	}

	s.tokens[token.ID] = token
	s.tokenOrder[params.RunID] = append(s.tokenOrder[params.RunID], token.ID)
	s.rowTokens[params.RowID] = append(s.rowTokens[params.RowID], token.ID)

	for i, parentID := range params.ParentIDs {
		s.parents[token.ID] = append(s.parents[token.ID], &TokenParent{
			TokenID:       token.ID,
			ParentTokenID: parentID,
			Ordinal:       i,
		})
	}

	tokenCopy := *token

	return &tokenCopy, nil
}

// BeginNodeState opens one execution attempt. A duplicate
// (token, node, attempt) returns ErrDuplicateNodeState.
func (s *MemoryStore) BeginNodeState(_ context.Context, params BeginNodeStateParams) (*NodeState, error) {
	hash, err := HashData(params.Input)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := stateKey{tokenID: params.TokenID, nodeID: params.NodeID, attempt: params.Attempt}
	if s.stateKeys[key] {
		return nil, ErrDuplicateNodeState
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
		StartedAt: s.now().UTC(),
	}

	s.stateKeys[key] = true
	s.states[state.ID] = state
	s.stateOrder[params.TokenID] = append(s.stateOrder[params.TokenID], state.ID)

	stateCopy := *state

	return &stateCopy, nil
}

// CompleteNodeState closes an open state.
func (s *MemoryStore) CompleteNodeState(_ context.Context, stateID string, params CompleteNodeStateParams) error {
	var outputHash string

	if params.Output != nil {
		hash, err := HashData(params.Output)
		if err != nil {
			return err
		}

		outputHash = hash
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	state, exists := s.states[stateID]
	if !exists {
		return ErrNotFound
	}

	if state.Status != StateOpen {
		return ErrStateNotOpen
	}

	completed := s.now().UTC()
	state.Status = params.Status
	state.OutputHash = outputHash
	state.DurationMS = params.DurationMS
	state.ErrorJSON = params.ErrorJSON
	state.ContextAfterJSON = params.ContextAfterJSON
	state.CompletedAt = &completed

	return nil
}

// RecordRoutingEvent records one routing decision.
func (s *MemoryStore) RecordRoutingEvent(_ context.Context, params RoutingEventParams) (*RoutingEvent, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if params.RoutingGroupID != "" {
		key := routingOrdinalKey{groupID: params.RoutingGroupID, ordinal: params.Ordinal}
		if s.eventKeys[key] {
			return nil, ErrDuplicateRoutingOrdinal
		}

		s.eventKeys[key] = true
	}

	event := &RoutingEvent{
		ID:             uuid.NewString(),
		RunID:          params.RunID,
		FromStateID:    params.FromStateID,
		EdgeID:         params.EdgeID,
		Mode:           params.Mode,
		ReasonHash:     params.ReasonHash,
		RoutingGroupID: params.RoutingGroupID,
		Ordinal:        params.Ordinal,
		CreatedAt:      s.now().UTC(),
	}

	s.events = append(s.events, event)

	eventCopy := *event

	return &eventCopy, nil
}

// CreateBatch opens an aggregation batch.
func (s *MemoryStore) CreateBatch(_ context.Context, runID, aggregationNode string) (*Batch, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch := &Batch{
		ID:              uuid.NewString(),
		RunID:           runID,
		AggregationNode: aggregationNode,
		Status:          BatchOpen,
		CreatedAt:       s.now().UTC(),
	}

	s.batches[batch.ID] = batch

	batchCopy := *batch

	return &batchCopy, nil
}

// AddBatchMember appends a token to a batch. A duplicate (batch, ordinal)
// returns ErrDuplicateBatchMember.
func (s *MemoryStore) AddBatchMember(_ context.Context, batchID, tokenID string, ordinal int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.batches[batchID]; !exists {
		return ErrNotFound
	}

	key := batchOrdinalKey{batchID: batchID, ordinal: ordinal}
	if s.memberKeys[key] {
		return ErrDuplicateBatchMember
	}

	s.memberKeys[key] = true
	s.members[batchID] = append(s.members[batchID], &BatchMember{
		BatchID: batchID,
		TokenID: tokenID,
		Ordinal: ordinal,
	})

	return nil
}

// MarkBatchFlushing transitions an open batch to flushing.
func (s *MemoryStore) MarkBatchFlushing(_ context.Context, batchID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch, exists := s.batches[batchID]
	if !exists {
		return ErrNotFound
	}

	batch.Status = BatchFlushing

	return nil
}

// CompleteBatch closes a batch with its trigger reason.
func (s *MemoryStore) CompleteBatch(_ context.Context, batchID string, status BatchStatus, triggerReason string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch, exists := s.batches[batchID]
	if !exists {
		return ErrNotFound
	}

	completed := s.now().UTC()
	batch.Status = status
	batch.TriggerReason = triggerReason
	batch.CompletedAt = &completed

	return nil
}

// RecordArtifact records a durable sink product.
func (s *MemoryStore) RecordArtifact(_ context.Context, params ArtifactParams) (*Artifact, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	artifact := &Artifact{
		ID:                uuid.NewString(),
		RunID:             params.RunID,
		SinkNode:          params.SinkNode,
		PathOrURI:         params.PathOrURI,
		SizeBytes:         params.SizeBytes,
		ContentHash:       params.ContentHash,
		Type:              params.Type,
		ProducedByStateID: params.ProducedByStateID,
		CreatedAt:         s.now().UTC(),
	}

	s.artifacts[params.RunID] = append(s.artifacts[params.RunID], artifact)

	artifactCopy := *artifact

	return &artifactCopy, nil
}

// RecordTransformError records a structured, routed transform error.
func (s *MemoryStore) RecordTransformError(_ context.Context, params TransformErrorParams) (*TransformError, error) {
	hash, err := HashData(params.Details)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	terr := &TransformError{
		ID:              uuid.NewString(),
		RunID:           params.RunID,
		TransformNodeID: params.TransformNodeID,
		TokenID:         params.TokenID,
		Destination:     params.Destination,
		Details:         copyRowData(params.Details),
		ErrorHash:       hash,
		RowData:         copyRowData(params.RowData),
		CreatedAt:       s.now().UTC(),
	}

	s.terrors[params.TokenID] = append(s.terrors[params.TokenID], terr)

	errCopy := *terr

	return &errCopy, nil
}

// RecordOutcome writes a token outcome. Terminal outcomes are conditional
// inserts: a second terminal write returns ErrDuplicateOutcome.
func (s *MemoryStore) RecordOutcome(_ context.Context, params OutcomeParams) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	outcome := &TokenOutcome{
		TokenID:       params.TokenID,
		Outcome:       params.Outcome,
		IsTerminal:    params.Outcome.Terminal(),
		SinkName:      params.SinkName,
		ErrorHash:     params.ErrorHash,
		ForkGroupID:   params.ForkGroupID,
		JoinGroupID:   params.JoinGroupID,
		ExpandGroupID: params.ExpandGroupID,
		RecordedAt:    s.now().UTC(),
	}

	if !outcome.IsTerminal {
		s.buffered[params.TokenID] = append(s.buffered[params.TokenID], outcome)

		return nil
	}

	if _, exists := s.outcomes[params.TokenID]; exists {
		return ErrDuplicateOutcome
	}

	s.outcomes[params.TokenID] = outcome

	return nil
}

// SaveCheckpoint upserts serialized aggregation state for a node.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, runID, nodeID, version string, state []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stateCopy := make([]byte, len(state))
	copy(stateCopy, state)

	s.ckpts[checkpointKey{runID: runID, nodeID: nodeID}] = &Checkpoint{
		RunID:     runID,
		NodeID:    nodeID,
		Version:   version,
		State:     stateCopy,
		UpdatedAt: s.now().UTC(),
	}

	return nil
}

// DeleteCheckpoint removes a node checkpoint.
func (s *MemoryStore) DeleteCheckpoint(_ context.Context, runID, nodeID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.ckpts, checkpointKey{runID: runID, nodeID: nodeID})

	return nil
}

// GetRun returns one run by id.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, ErrNotFound
	}

	runCopy := *run

	return &runCopy, nil
}

// ListRuns pages runs newest first.
func (s *MemoryStore) ListRuns(_ context.Context, params ListRunsParams) ([]*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := make([]string, len(s.runOrder))
	copy(ids, s.runOrder)

	// Creation order is oldest first; the index serves newest first.
	result := make([]*Run, 0, len(ids))

	for i := len(ids) - 1; i >= 0; i-- {
		runCopy := *s.runs[ids[i]]
		result = append(result, &runCopy)
	}

	return pageRuns(result, params), nil
}

// GetNodes returns registered nodes in registration order.
func (s *MemoryStore) GetNodes(_ context.Context, runID string) ([]*Node, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyNodes(s.nodes[runID]), nil
}

// GetEdges returns registered edges in registration order.
func (s *MemoryStore) GetEdges(_ context.Context, runID string) ([]*Edge, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Edge, 0, len(s.edges[runID]))
	for _, edge := range s.edges[runID] {
		edgeCopy := *edge
		result = append(result, &edgeCopy)
	}

	return result, nil
}

// GetRow returns one row by id.
func (s *MemoryStore) GetRow(_ context.Context, rowID string) (*Row, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row, exists := s.rows[rowID]
	if !exists {
		return nil, ErrNotFound
	}

	rowCopy := *row
	rowCopy.Data = copyRowData(row.Data)

	return &rowCopy, nil
}

// GetRows returns all rows of a run in creation order.
func (s *MemoryStore) GetRows(_ context.Context, runID string) ([]*Row, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Row, 0, len(s.rowOrder[runID]))

	for _, rowID := range s.rowOrder[runID] {
		rowCopy := *s.rows[rowID]
		rowCopy.Data = copyRowData(rowCopy.Data)
		result = append(result, &rowCopy)
	}

	return result, nil
}

// GetToken returns one token by id.
func (s *MemoryStore) GetToken(_ context.Context, tokenID string) (*Token, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.tokenCopyLocked(tokenID)
}

// GetTokens returns all tokens of a run in creation order.
func (s *MemoryStore) GetTokens(_ context.Context, runID string) ([]*Token, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Token, 0, len(s.tokenOrder[runID]))

	for _, tokenID := range s.tokenOrder[runID] {
		token, err := s.tokenCopyLocked(tokenID)
		if err != nil {
			return nil, err
		}

		result = append(result, token)
	}

	return result, nil
}

// GetTokensForRow returns every token minted for a row, in creation order.
func (s *MemoryStore) GetTokensForRow(_ context.Context, rowID string) ([]*Token, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Token, 0, len(s.rowTokens[rowID]))

	for _, tokenID := range s.rowTokens[rowID] {
		token, err := s.tokenCopyLocked(tokenID)
		if err != nil {
			return nil, err
		}

		result = append(result, token)
	}

	return result, nil
}

// GetTokenParents returns parent tokens in link order.
func (s *MemoryStore) GetTokenParents(_ context.Context, tokenID string) ([]*Token, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	links := s.parents[tokenID]
	result := make([]*Token, 0, len(links))

	for _, link := range links {
		token, err := s.tokenCopyLocked(link.ParentTokenID)
		if err != nil {
			return nil, err
		}

		result = append(result, token)
	}

	return result, nil
}

// GetNodeStatesForToken returns states ordered by step index then attempt.
func (s *MemoryStore) GetNodeStatesForToken(_ context.Context, tokenID string) ([]*NodeState, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*NodeState, 0, len(s.stateOrder[tokenID]))

	for _, stateID := range s.stateOrder[tokenID] {
		stateCopy := *s.states[stateID]
		result = append(result, &stateCopy)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].StepIndex != result[j].StepIndex {
			return result[i].StepIndex < result[j].StepIndex
		}

		return result[i].Attempt < result[j].Attempt
	})

	return result, nil
}

// GetRoutingEvents returns events opened from this token's states.
func (s *MemoryStore) GetRoutingEvents(_ context.Context, tokenID string) ([]*RoutingEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stateIDs := make(map[string]bool, len(s.stateOrder[tokenID]))
	for _, stateID := range s.stateOrder[tokenID] {
		stateIDs[stateID] = true
	}

	var result []*RoutingEvent

	for _, event := range s.events {
		if stateIDs[event.FromStateID] {
			eventCopy := *event
			result = append(result, &eventCopy)
		}
	}

	return result, nil
}

// GetTokenOutcome returns the terminal outcome of a token, or ErrNotFound
// while the token is still in flight.
func (s *MemoryStore) GetTokenOutcome(_ context.Context, tokenID string) (*TokenOutcome, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	outcome, exists := s.outcomes[tokenID]
	if !exists {
		return nil, ErrNotFound
	}

	outcomeCopy := *outcome

	return &outcomeCopy, nil
}

// GetOutcomes returns every terminal outcome of a run, in token creation order.
func (s *MemoryStore) GetOutcomes(_ context.Context, runID string) ([]*TokenOutcome, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*TokenOutcome

	for _, tokenID := range s.tokenOrder[runID] {
		if outcome, exists := s.outcomes[tokenID]; exists {
			outcomeCopy := *outcome
			result = append(result, &outcomeCopy)
		}
	}

	return result, nil
}

// GetArtifacts returns all artifacts of a run in recording order.
func (s *MemoryStore) GetArtifacts(_ context.Context, runID string) ([]*Artifact, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Artifact, 0, len(s.artifacts[runID]))
	for _, artifact := range s.artifacts[runID] {
		artifactCopy := *artifact
		result = append(result, &artifactCopy)
	}

	return result, nil
}

// GetBatch returns one batch by id.
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*Batch, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	batch, exists := s.batches[batchID]
	if !exists {
		return nil, ErrNotFound
	}

	batchCopy := *batch

	return &batchCopy, nil
}

// GetOpenBatches returns batches still open or flushing for a run.
func (s *MemoryStore) GetOpenBatches(_ context.Context, runID string) ([]*Batch, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*Batch

	for _, batch := range s.batches {
		if batch.RunID == runID && (batch.Status == BatchOpen || batch.Status == BatchFlushing) {
			batchCopy := *batch
			result = append(result, &batchCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// GetBatchMembers returns members in ordinal order.
func (s *MemoryStore) GetBatchMembers(_ context.Context, batchID string) ([]*BatchMember, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*BatchMember, 0, len(s.members[batchID]))
	for _, member := range s.members[batchID] {
		memberCopy := *member
		result = append(result, &memberCopy)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Ordinal < result[j].Ordinal })

	return result, nil
}

// GetTransformErrorsForToken returns errors in recording order.
func (s *MemoryStore) GetTransformErrorsForToken(_ context.Context, tokenID string) ([]*TransformError, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*TransformError, 0, len(s.terrors[tokenID]))

	for _, terr := range s.terrors[tokenID] {
		errCopy := *terr
		errCopy.Details = copyRowData(terr.Details)
		errCopy.RowData = copyRowData(terr.RowData)
		result = append(result, &errCopy)
	}

	return result, nil
}

// GetCheckpoint returns the checkpoint for a node, or ErrCheckpointNotFound.
func (s *MemoryStore) GetCheckpoint(_ context.Context, runID, nodeID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ckpt, exists := s.ckpts[checkpointKey{runID: runID, nodeID: nodeID}]
	if !exists {
		return nil, ErrCheckpointNotFound
	}

	ckptCopy := *ckpt
	ckptCopy.State = make([]byte, len(ckpt.State))
	copy(ckptCopy.State, ckpt.State)

	return &ckptCopy, nil
}

// Explain assembles the full lineage of one token.
func (s *MemoryStore) Explain(ctx context.Context, runID, tokenID string) (*Lineage, error) {
	return BuildLineage(ctx, s, runID, tokenID)
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// tokenCopyLocked returns a deep copy of a token. Caller must hold at least
// a read lock.
func (s *MemoryStore) tokenCopyLocked(tokenID string) (*Token, error) {
	token, exists := s.tokens[tokenID]
	if !exists {
		return nil, ErrNotFound
	}

	tokenCopy := *token
	tokenCopy.Data = copyRowData(token.Data)

	return &tokenCopy, nil
}

func pageRuns(runs []*Run, params ListRunsParams) []*Run {
	if params.Offset >= len(runs) {
		return []*Run{}
	}

	runs = runs[params.Offset:]

	if params.Limit > 0 && params.Limit < len(runs) {
		runs = runs[:params.Limit]
	}

	return runs
}

func copyNodes(nodes []*Node) []*Node {
	result := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		nodeCopy := *node
		result = append(result, &nodeCopy)
	}

	return result
}

// copyRowData shallow-copies a row payload map. Nested values are shared;
// executors treat row data as immutable between recorder calls.
func copyRowData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}

	return result
}
