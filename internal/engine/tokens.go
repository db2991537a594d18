package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loom-io/loom/internal/audit"
)

// ErrForkWithoutBranches is returned when a fork is attempted with no
// branch names.
var ErrForkWithoutBranches = errors.New("fork requires at least one branch")

// Token is the in-flight identity of a row traversing the DAG. The
// audit trail stores the payload as it was at token creation; Data here
// is the working copy that executors evolve between steps and hash into
// node states.
type Token struct {
	ID            string
	RowID         string
	BranchName    string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
	Data          map[string]any
}

// WithData returns a copy of the token carrying a new payload. Identity
// and lineage ids are preserved.
func (t *Token) WithData(data map[string]any) *Token {
	clone := *t
	clone.Data = data

	return &clone
}

// TokenManager mints tokens and records the lineage relationships
// between them. Fork and expand create the children before recording the
// parent's outcome, so a crash in between leaves linked children with an
// unresolved parent rather than a forked parent with no children.
type TokenManager struct {
	rec audit.Recorder
}

// NewTokenManager creates a token manager over the given recorder.
func NewTokenManager(rec audit.Recorder) *TokenManager {
	return &TokenManager{rec: rec}
}

// CreateInitialToken records a source row and mints its first token.
func (m *TokenManager) CreateInitialToken(ctx context.Context, runID, sourceNode string, rowIndex int, data map[string]any) (*Token, error) {
	row, err := m.rec.CreateRow(ctx, runID, sourceNode, rowIndex, data)
	if err != nil {
		return nil, fmt.Errorf("failed to record source row %d: %w", rowIndex, err)
	}

	token, err := m.rec.CreateToken(ctx, audit.CreateTokenParams{
		RunID: runID,
		RowID: row.ID,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token for row %d: %w", rowIndex, err)
	}

	return &Token{ID: token.ID, RowID: row.ID, Data: data}, nil
}

// CreateQuarantineToken records an invalid source row and mints a token
// for its trip to the quarantine destination. Malformed rows may carry
// no payload at all; a nil payload is recorded as an empty row so the
// data hash stays well defined.
func (m *TokenManager) CreateQuarantineToken(ctx context.Context, runID, sourceNode string, rowIndex int, data map[string]any) (*Token, error) {
	if data == nil {
		data = map[string]any{}
	}

	return m.CreateInitialToken(ctx, runID, sourceNode, rowIndex, data)
}

// CreateTokenForRow mints a new token for an already recorded row.
// Resume uses it to reprocess rows without duplicating them.
func (m *TokenManager) CreateTokenForRow(ctx context.Context, runID, rowID string, data map[string]any) (*Token, error) {
	token, err := m.rec.CreateToken(ctx, audit.CreateTokenParams{
		RunID: runID,
		RowID: rowID,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token for row %s: %w", rowID, err)
	}

	return &Token{ID: token.ID, RowID: rowID, Data: data}, nil
}

// ForkToken splits a token into one child per branch, in branch order,
// and records the parent's forked outcome. Children share the parent's
// row and a generated fork group id; each gets a deep copy of the data
// so sibling branches never see each other's mutations.
func (m *TokenManager) ForkToken(ctx context.Context, runID string, parent *Token, branches []string) ([]*Token, string, error) {
	if len(branches) == 0 {
		return nil, "", ErrForkWithoutBranches
	}

	forkGroupID := uuid.NewString()

	children := make([]*Token, 0, len(branches))
	for _, branch := range branches {
		data := deepCopyRow(parent.Data)

		child, err := m.rec.CreateToken(ctx, audit.CreateTokenParams{
			RunID:       runID,
			RowID:       parent.RowID,
			Data:        data,
			BranchName:  branch,
			ForkGroupID: forkGroupID,
			ParentIDs:   []string{parent.ID},
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to create fork child for branch %s: %w", branch, err)
		}

		children = append(children, &Token{
			ID:          child.ID,
			RowID:       parent.RowID,
			BranchName:  branch,
			ForkGroupID: forkGroupID,
			Data:        data,
		})
	}

	err := m.rec.RecordOutcome(ctx, audit.OutcomeParams{
		TokenID:     parent.ID,
		Outcome:     audit.OutcomeForked,
		ForkGroupID: forkGroupID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to record forked outcome for token %s: %w", parent.ID, err)
	}

	return children, forkGroupID, nil
}

// CoalesceTokens merges parent tokens into one token carrying the merged
// payload. Parents are linked in the given order under a generated join
// group id; their coalesced outcomes are recorded by the coalesce
// executor, which knows which arrivals were actually consumed.
func (m *TokenManager) CoalesceTokens(ctx context.Context, runID string, parents []*Token, mergedData map[string]any) (*Token, string, error) {
	if len(parents) == 0 {
		return nil, "", errors.New("coalesce requires at least one parent token")
	}

	joinGroupID := uuid.NewString()
	rowID := parents[0].RowID

	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.ID
	}

	merged, err := m.rec.CreateToken(ctx, audit.CreateTokenParams{
		RunID:       runID,
		RowID:       rowID,
		Data:        mergedData,
		JoinGroupID: joinGroupID,
		ParentIDs:   parentIDs,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create merged token: %w", err)
	}

	return &Token{
		ID:          merged.ID,
		RowID:       rowID,
		JoinGroupID: joinGroupID,
		Data:        mergedData,
	}, joinGroupID, nil
}

// ExpandToken replaces a token with one child per output row, in row
// order. Unlike fork, the children are sequential siblings continuing
// down the same path, so they inherit the parent's branch name. When
// recordParentOutcome is false the caller owns the parent's outcome;
// transform-mode aggregation uses this because the triggering token gets
// consumed-in-batch, not expanded.
func (m *TokenManager) ExpandToken(ctx context.Context, runID string, parent *Token, rows []map[string]any, recordParentOutcome bool) ([]*Token, string, error) {
	expandGroupID := uuid.NewString()

	children := make([]*Token, 0, len(rows))
	for _, row := range rows {
		data := deepCopyRow(row)

		child, err := m.rec.CreateToken(ctx, audit.CreateTokenParams{
			RunID:         runID,
			RowID:         parent.RowID,
			Data:          data,
			BranchName:    parent.BranchName,
			ExpandGroupID: expandGroupID,
			ParentIDs:     []string{parent.ID},
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to create expansion child: %w", err)
		}

		children = append(children, &Token{
			ID:            child.ID,
			RowID:         parent.RowID,
			BranchName:    parent.BranchName,
			ExpandGroupID: expandGroupID,
			Data:          data,
		})
	}

	if recordParentOutcome {
		err := m.rec.RecordOutcome(ctx, audit.OutcomeParams{
			TokenID:       parent.ID,
			Outcome:       audit.OutcomeExpanded,
			ExpandGroupID: expandGroupID,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to record expanded outcome for token %s: %w", parent.ID, err)
		}
	}

	return children, expandGroupID, nil
}

// deepCopyRow copies a row payload including nested maps and slices, so
// tokens never share mutable structure. Scalar values are shared as-is.
func deepCopyRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}

	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = deepCopyValue(v)
	}

	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyRow(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}

		return out
	default:
		return v
	}
}
