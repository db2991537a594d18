// Package audit provides the recorder interfaces and domain types for the
// Loom pipeline runtime. Every run, node, token, state transition, routing
// decision, batch, and artifact passes through a single recorder, which is
// the sole writer of the audit trail. The audit trail is the product: row
// transformations are only trustworthy because this package can answer
// "what happened to row N" after the fact.
package audit

import (
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

// Run lifecycle states. A run transitions exactly once from running to a
// terminal state.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// NodeType classifies a DAG vertex by the plugin capability bound to it.
type NodeType string

// Node types registered in the execution graph.
const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// EdgeMode determines token behavior when flow crosses an edge.
//
//   - MOVE: plain forward flow, token identity preserved.
//   - COPY: fork, a child token is created on the far side.
//   - DIVERT: error routing to a quarantine or error sink.
type EdgeMode string

// Edge modes.
const (
	EdgeMove   EdgeMode = "move"
	EdgeCopy   EdgeMode = "copy"
	EdgeDivert EdgeMode = "divert"
)

// Outcome is the recorded fate of a token. All outcomes except Buffered are
// terminal: once written they can never change, and a second terminal write
// for the same token is an invariant violation surfaced as
// ErrDuplicateOutcome.
type Outcome string

// Token outcomes.
const (
	// OutcomeCompleted means the token reached a sink and its write succeeded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRouted means a gate or error route sent the token to a named sink.
	OutcomeRouted Outcome = "routed"
	// OutcomeQuarantined means the token was discarded with a recorded reason.
	OutcomeQuarantined Outcome = "quarantined"
	// OutcomeFailed means an unrecoverable error stopped the token.
	OutcomeFailed Outcome = "failed"
	// OutcomeForked means the token was split into child tokens.
	OutcomeForked Outcome = "forked"
	// OutcomeCoalesced means the token was consumed by a coalesce merge.
	OutcomeCoalesced Outcome = "coalesced"
	// OutcomeConsumedInBatch means the token was absorbed by a transform-mode
	// aggregation flush.
	OutcomeConsumedInBatch Outcome = "consumed_in_batch"
	// OutcomeBuffered marks a token held by a passthrough aggregation. It is
	// the one non-terminal outcome: the same token later receives a terminal
	// outcome after the flush releases it.
	OutcomeBuffered Outcome = "buffered"
	// OutcomeExpanded means a token-creating transform replaced the token
	// with multiple children.
	OutcomeExpanded Outcome = "expanded"
)

// Terminal reports whether the outcome is final for its token.
func (o Outcome) Terminal() bool {
	return o != OutcomeBuffered
}

// NodeStateStatus is the status of one execution attempt at one node.
type NodeStateStatus string

// Node state statuses. A state is open between BeginNodeState and
// CompleteNodeState; completed and failed are final.
const (
	StateOpen      NodeStateStatus = "open"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

// BatchStatus is the lifecycle state of an aggregation batch.
type BatchStatus string

// Batch lifecycle states: open while buffering, flushing during the
// aggregation call, then completed or failed.
const (
	BatchOpen      BatchStatus = "open"
	BatchFlushing  BatchStatus = "flushing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Sentinel errors for recorder operations.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("audit entity not found")

	// ErrDuplicateOutcome is returned when a second terminal outcome is
	// recorded for a token. The caller must treat this as an invariant
	// violation, never as a recoverable condition.
	ErrDuplicateOutcome = errors.New("terminal outcome already recorded for token")

	// ErrDuplicateNodeState is returned when a (token, node, attempt)
	// node state already exists.
	ErrDuplicateNodeState = errors.New("node state already recorded for attempt")

	// ErrDuplicateBatchMember is returned when a (batch, ordinal) pair is
	// reused.
	ErrDuplicateBatchMember = errors.New("batch member ordinal already recorded")

	// ErrDuplicateRoutingOrdinal is returned when a (routing group, ordinal)
	// pair is reused.
	ErrDuplicateRoutingOrdinal = errors.New("routing event ordinal already recorded")

	// ErrStateNotOpen is returned when completing a node state that is not open.
	ErrStateNotOpen = errors.New("node state is not open")

	// ErrRunNotRunning is returned when completing a run that already has a
	// terminal status.
	ErrRunNotRunning = errors.New("run is not running")

	// ErrCheckpointNotFound is returned when no checkpoint exists for a node.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

type (
	// Run is one pipeline execution, identified by a generated run id. The
	// config hash pins the exact pipeline settings the run executed with.
	Run struct {
		ID               string     `json:"id"`
		Status           RunStatus  `json:"status"`
		ConfigHash       string     `json:"configHash"`
		CanonicalVersion string     `json:"canonicalVersion"`
		StartedAt        time.Time  `json:"startedAt"`
		CompletedAt      *time.Time `json:"completedAt,omitempty"`
	}

	// Node is a registered DAG vertex. Nodes are written once before any row
	// is processed and never mutated.
	Node struct {
		RunID         string         `json:"runId"`
		ID            string         `json:"id"`
		PluginName    string         `json:"pluginName"`
		Type          NodeType       `json:"type"`
		PluginVersion string         `json:"pluginVersion"`
		Config        map[string]any `json:"config,omitempty"`
		SchemaConfig  map[string]any `json:"schemaConfig,omitempty"`
	}

	// Edge is a registered, labeled routing connection between two nodes.
	Edge struct {
		RunID    string   `json:"runId"`
		ID       string   `json:"id"`
		FromNode string   `json:"fromNode"`
		ToNode   string   `json:"toNode"`
		Label    string   `json:"label"`
		Mode     EdgeMode `json:"mode"`
	}

	// Row is a source-emitted record. The data hash is the audit anchor: it
	// survives even when the payload itself is purged from the payload store.
	Row struct {
		RunID      string         `json:"runId"`
		ID         string         `json:"id"`
		RowIndex   int            `json:"rowIndex"`
		SourceNode string         `json:"sourceNode"`
		Data       map[string]any `json:"data,omitempty"`
		DataHash   string         `json:"dataHash"`
	}

	// Token is a traceable identity for a row at a point in the DAG. Data is
	// the row payload at token creation time; executors carry the evolving
	// payload separately and hash it into node states.
	Token struct {
		RunID         string         `json:"runId"`
		ID            string         `json:"id"`
		RowID         string         `json:"rowId"`
		Data          map[string]any `json:"data,omitempty"`
		DataHash      string         `json:"dataHash"`
		BranchName    string         `json:"branchName,omitempty"`
		ForkGroupID   string         `json:"forkGroupId,omitempty"`
		JoinGroupID   string         `json:"joinGroupId,omitempty"`
		ExpandGroupID string         `json:"expandGroupId,omitempty"`
		CreatedAt     time.Time      `json:"createdAt"`
	}

	// TokenParent links a token to one parent, with the ordinal preserving
	// branch order for forks and arrival order for coalesce merges.
	TokenParent struct {
		TokenID       string `json:"tokenId"`
		ParentTokenID string `json:"parentTokenId"`
		Ordinal       int    `json:"ordinal"`
	}

	// TokenOutcome is the recorded fate of a token. Terminal outcomes are
	// unique per token by construction.
	TokenOutcome struct {
		TokenID       string    `json:"tokenId"`
		Outcome       Outcome   `json:"outcome"`
		IsTerminal    bool      `json:"isTerminal"`
		SinkName      string    `json:"sinkName,omitempty"`
		ErrorHash     string    `json:"errorHash,omitempty"`
		ForkGroupID   string    `json:"forkGroupId,omitempty"`
		JoinGroupID   string    `json:"joinGroupId,omitempty"`
		ExpandGroupID string    `json:"expandGroupId,omitempty"`
		RecordedAt    time.Time `json:"recordedAt"`
	}

	// NodeState is one attempt of one token at one node, opened before the
	// plugin call and closed after it with status, hashes, and timing.
	NodeState struct {
		ID               string          `json:"id"`
		RunID            string          `json:"runId"`
		TokenID          string          `json:"tokenId"`
		NodeID           string          `json:"nodeId"`
		StepIndex        int             `json:"stepIndex"`
		Attempt          int             `json:"attempt"`
		Status           NodeStateStatus `json:"status"`
		InputHash        string          `json:"inputHash"`
		OutputHash       string          `json:"outputHash,omitempty"`
		DurationMS       int64           `json:"durationMs"`
		ErrorJSON        []byte          `json:"errorJson,omitempty"`
		ContextAfterJSON []byte          `json:"contextAfterJson,omitempty"`
		StartedAt        time.Time       `json:"startedAt"`
		CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	}

	// RoutingEvent is one routing decision taken at a node, one event per
	// destination. Fork decisions write N events sharing a routing group id.
	RoutingEvent struct {
		ID             string    `json:"id"`
		RunID          string    `json:"runId"`
		FromStateID    string    `json:"fromStateId"`
		EdgeID         string    `json:"edgeId"`
		Mode           EdgeMode  `json:"mode"`
		ReasonHash     string    `json:"reasonHash,omitempty"`
		RoutingGroupID string    `json:"routingGroupId,omitempty"`
		Ordinal        int       `json:"ordinal"`
		CreatedAt      time.Time `json:"createdAt"`
	}

	// Batch is a buffered aggregation group.
	Batch struct {
		ID              string      `json:"id"`
		RunID           string      `json:"runId"`
		AggregationNode string      `json:"aggregationNode"`
		Status          BatchStatus `json:"status"`
		TriggerReason   string      `json:"triggerReason,omitempty"`
		CreatedAt       time.Time   `json:"createdAt"`
		CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	}

	// BatchMember links a buffered token to its batch in buffer order.
	BatchMember struct {
		BatchID string `json:"batchId"`
		TokenID string `json:"tokenId"`
		Ordinal int    `json:"ordinal"`
	}

	// Artifact is something durably produced by a sink write.
	Artifact struct {
		ID                string    `json:"id"`
		RunID             string    `json:"runId"`
		SinkNode          string    `json:"sinkNode"`
		PathOrURI         string    `json:"pathOrUri"`
		SizeBytes         int64     `json:"sizeBytes"`
		ContentHash       string    `json:"contentHash"`
		Type              string    `json:"type"`
		ProducedByStateID string    `json:"producedByStateId"`
		CreatedAt         time.Time `json:"createdAt"`
	}

	// TransformError is a structured error reason returned by a transform and
	// routed per its on_error setting. Destination is a sink name or
	// "discard".
	TransformError struct {
		ID              string         `json:"id"`
		RunID           string         `json:"runId"`
		TransformNodeID string         `json:"transformNodeId"`
		TokenID         string         `json:"tokenId"`
		Destination     string         `json:"destination"`
		Details         map[string]any `json:"details,omitempty"`
		ErrorHash       string         `json:"errorHash"`
		RowData         map[string]any `json:"rowData,omitempty"`
		CreatedAt       time.Time      `json:"createdAt"`
	}

	// Checkpoint is serialized aggregation buffer state for one node,
	// versioned so an incompatible layout fails hard instead of restoring
	// garbage.
	Checkpoint struct {
		RunID     string    `json:"runId"`
		NodeID    string    `json:"nodeId"`
		Version   string    `json:"version"`
		State     []byte    `json:"state"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Lineage is the full explanation of one token: its source row, every
	// node state in order, routing decisions, parent tokens, terminal
	// outcome, transform errors, and artifacts produced by its sink states.
	Lineage struct {
		RunID           string            `json:"runId"`
		Token           *Token            `json:"token"`
		Row             *Row              `json:"row,omitempty"`
		NodeStates      []*NodeState      `json:"nodeStates"`
		RoutingEvents   []*RoutingEvent   `json:"routingEvents"`
		Parents         []*Token          `json:"parents,omitempty"`
		Outcome         *TokenOutcome     `json:"outcome,omitempty"`
		TransformErrors []*TransformError `json:"transformErrors,omitempty"`
		Artifacts       []*Artifact       `json:"artifacts,omitempty"`
	}
)

type (
	// CreateTokenParams carries everything needed to mint a token. Parents
	// are linked in the given order.
	CreateTokenParams struct {
		RunID         string
		RowID         string
		Data          map[string]any
		BranchName    string
		ForkGroupID   string
		JoinGroupID   string
		ExpandGroupID string
		ParentIDs     []string
	}

	// BeginNodeStateParams opens one execution attempt.
	BeginNodeStateParams struct {
		RunID     string
		TokenID   string
		NodeID    string
		StepIndex int
		Attempt   int
		Input     map[string]any
	}

	// CompleteNodeStateParams closes an open node state.
	CompleteNodeStateParams struct {
		Status           NodeStateStatus
		Output           map[string]any
		DurationMS       int64
		ErrorJSON        []byte
		ContextAfterJSON []byte
	}

	// RoutingEventParams records one routing decision.
	RoutingEventParams struct {
		RunID          string
		FromStateID    string
		EdgeID         string
		Mode           EdgeMode
		ReasonHash     string
		RoutingGroupID string
		Ordinal        int
	}

	// ArtifactParams records one durable sink product.
	ArtifactParams struct {
		RunID             string
		SinkNode          string
		PathOrURI         string
		SizeBytes         int64
		ContentHash       string
		Type              string
		ProducedByStateID string
	}

	// TransformErrorParams records one structured transform error.
	TransformErrorParams struct {
		RunID           string
		TransformNodeID string
		TokenID         string
		Destination     string
		Details         map[string]any
		RowData         map[string]any
	}

	// OutcomeParams records a token outcome. ErrorHash is set for failed and
	// quarantined outcomes; group ids echo the token lineage ids so outcome
	// rows are self-contained.
	OutcomeParams struct {
		TokenID       string
		Outcome       Outcome
		SinkName      string
		ErrorHash     string
		ForkGroupID   string
		JoinGroupID   string
		ExpandGroupID string
	}

	// ListRunsParams pages the run index, newest first.
	ListRunsParams struct {
		Limit  int
		Offset int
	}
)
