package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loom-io/loom/internal/audit"
)

// CheckpointVersion tags the serialized aggregation buffer layout. A
// restore against any other version fails hard instead of rebuilding
// state from a layout it cannot trust.
const CheckpointVersion = "1"

// Checkpoint size guards. Buffers large enough to trip these usually
// mean a count trigger in the thousands with fat row payloads.
const (
	checkpointWarnBytes  = 1_000_000
	checkpointLimitBytes = 10_000_000
)

// checkpointToken persists a buffered token with enough lineage to
// rebuild it without querying the audit store.
type checkpointToken struct {
	TokenID       string         `json:"tokenId"`
	RowID         string         `json:"rowId"`
	BranchName    string         `json:"branchName,omitempty"`
	ForkGroupID   string         `json:"forkGroupId,omitempty"`
	JoinGroupID   string         `json:"joinGroupId,omitempty"`
	ExpandGroupID string         `json:"expandGroupId,omitempty"`
	RowData       map[string]any `json:"rowData"`
}

// nodeCheckpoint is one aggregation node's crash-recovery snapshot:
// the buffered tokens in order, the open batch they belong to, and the
// trigger counters needed to keep firing decisions consistent across a
// restart.
type nodeCheckpoint struct {
	Tokens              []checkpointToken `json:"tokens"`
	BatchID             string            `json:"batchId"`
	ElapsedAgeSeconds   float64           `json:"elapsedAgeSeconds"`
	CountFireOffset     int               `json:"countFireOffset"`
	ConditionFireOffset int               `json:"conditionFireOffset"`
}

// CheckpointState serializes the node's buffer for crash recovery.
// Returns nil when the buffer is empty, which tells the caller to
// delete any stale checkpoint instead of saving one.
func (e *AggregationExecutor) CheckpointState(nodeID string) ([]byte, error) {
	tokens := e.bufferTokens[nodeID]
	if len(tokens) == 0 {
		return nil, nil
	}

	batchID := e.batchIDs[nodeID]
	if batchID == "" {
		return nil, invariantf("node %s has buffered tokens but no open batch", nodeID)
	}

	ev := e.triggers[nodeID]

	cp := nodeCheckpoint{
		Tokens:              make([]checkpointToken, len(tokens)),
		BatchID:             batchID,
		ElapsedAgeSeconds:   ev.ageSeconds(),
		CountFireOffset:     ev.countFireOffset,
		ConditionFireOffset: ev.conditionFireOffset,
	}

	for i, t := range tokens {
		cp.Tokens[i] = checkpointToken{
			TokenID:       t.ID,
			RowID:         t.RowID,
			BranchName:    t.BranchName,
			ForkGroupID:   t.ForkGroupID,
			JoinGroupID:   t.JoinGroupID,
			ExpandGroupID: t.ExpandGroupID,
			RowData:       t.Data,
		}
	}

	state, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint for node %s: %w", nodeID, err)
	}

	if len(state) > checkpointLimitBytes {
		return nil, fmt.Errorf(
			"checkpoint for node %s is %d bytes with %d buffered rows, over the %d byte limit; lower the count trigger or shrink row payloads",
			nodeID, len(state), len(tokens), checkpointLimitBytes,
		)
	}

	if len(state) > checkpointWarnBytes {
		e.logger.Warn("large aggregation checkpoint",
			"node_id", nodeID,
			"bytes", len(state),
			"buffered_rows", len(tokens),
		)
	}

	return state, nil
}

// RestoreCheckpoint rebuilds the node's buffer from a saved snapshot.
// The version must match CheckpointVersion exactly. Size counters are
// recomputed from the restored rows; the trigger age resumes from where
// the snapshot left it.
func (e *AggregationExecutor) RestoreCheckpoint(nodeID, version string, state []byte) error {
	if version != CheckpointVersion {
		return fmt.Errorf("incompatible checkpoint version %q for node %s, want %q", version, nodeID, CheckpointVersion)
	}

	ev, ok := e.triggers[nodeID]
	if !ok {
		return invariantf("checkpoint restore for node %s, which is not a configured aggregation", nodeID)
	}

	var cp nodeCheckpoint
	if err := json.Unmarshal(state, &cp); err != nil {
		return fmt.Errorf("failed to decode checkpoint for node %s: %w", nodeID, err)
	}

	if len(cp.Tokens) == 0 {
		return fmt.Errorf("checkpoint for node %s holds no tokens", nodeID)
	}

	if cp.BatchID == "" {
		return fmt.Errorf("checkpoint for node %s is missing its batch id", nodeID)
	}

	tokens := make([]*Token, len(cp.Tokens))
	rows := make([]map[string]any, len(cp.Tokens))

	for i, t := range cp.Tokens {
		if t.TokenID == "" || t.RowID == "" {
			return fmt.Errorf("checkpoint token %d for node %s is missing identity fields", i, nodeID)
		}

		tokens[i] = &Token{
			ID:            t.TokenID,
			RowID:         t.RowID,
			BranchName:    t.BranchName,
			ForkGroupID:   t.ForkGroupID,
			JoinGroupID:   t.JoinGroupID,
			ExpandGroupID: t.ExpandGroupID,
			Data:          t.RowData,
		}
		rows[i] = t.RowData
	}

	e.bufferTokens[nodeID] = tokens
	e.buffers[nodeID] = rows
	e.batchIDs[nodeID] = cp.BatchID
	e.memberCounts[cp.BatchID] = len(tokens)

	var bytes int64

	if ev.settings.MaxBytes > 0 {
		for _, row := range rows {
			data, err := audit.CanonicalJSON(row)
			if err != nil {
				return fmt.Errorf("failed to size restored row for node %s: %w", nodeID, err)
			}

			bytes += int64(len(data))
		}
	}

	age := time.Duration(cp.ElapsedAgeSeconds * float64(time.Second))
	ev.restore(len(tokens), bytes, age, cp.CountFireOffset, cp.ConditionFireOffset)

	return nil
}

// SaveCheckpoints persists the buffer of every aggregation node, and
// deletes checkpoints for nodes whose buffers have drained so a resume
// never replays a batch that already flushed.
func (e *AggregationExecutor) SaveCheckpoints(ctx context.Context, runID string) error {
	for _, nodeID := range e.Nodes() {
		state, err := e.CheckpointState(nodeID)
		if err != nil {
			return err
		}

		if state == nil {
			if err := e.rec.DeleteCheckpoint(ctx, runID, nodeID); err != nil {
				return fmt.Errorf("failed to delete drained checkpoint for node %s: %w", nodeID, err)
			}

			continue
		}

		if err := e.rec.SaveCheckpoint(ctx, runID, nodeID, CheckpointVersion, state); err != nil {
			return fmt.Errorf("failed to save checkpoint for node %s: %w", nodeID, err)
		}
	}

	return nil
}

// RestoreCheckpoints loads every saved aggregation checkpoint for the
// run. Nodes without a checkpoint start with empty buffers.
func (e *AggregationExecutor) RestoreCheckpoints(ctx context.Context, rd audit.Reader, runID string) error {
	for _, nodeID := range e.Nodes() {
		cp, err := rd.GetCheckpoint(ctx, runID, nodeID)
		if errors.Is(err, audit.ErrCheckpointNotFound) {
			continue
		}

		if err != nil {
			return fmt.Errorf("failed to load checkpoint for node %s: %w", nodeID, err)
		}

		if err := e.RestoreCheckpoint(nodeID, cp.Version, cp.State); err != nil {
			return err
		}
	}

	return nil
}
