// Package api provides the read-only HTTP query surface over the audit trail.
package api

import (
	"context"

	"github.com/loom-io/loom/internal/audit"
)

// Store is the slice of the audit trail the API server reads from. It is
// satisfied by both audit store implementations; handlers never mutate the
// trail, so the write side stays out of reach of this package.
type Store interface {
	GetRun(ctx context.Context, runID string) (*audit.Run, error)
	ListRuns(ctx context.Context, params audit.ListRunsParams) ([]*audit.Run, error)
	GetNodes(ctx context.Context, runID string) ([]*audit.Node, error)
	GetEdges(ctx context.Context, runID string) ([]*audit.Edge, error)
	GetRows(ctx context.Context, runID string) ([]*audit.Row, error)
	GetTokens(ctx context.Context, runID string) ([]*audit.Token, error)
	GetOutcomes(ctx context.Context, runID string) ([]*audit.TokenOutcome, error)
	GetArtifacts(ctx context.Context, runID string) ([]*audit.Artifact, error)

	// Explain assembles the full lineage of one token.
	Explain(ctx context.Context, runID, tokenID string) (*audit.Lineage, error)

	// HealthCheck verifies the backing store is ready to serve.
	HealthCheck(ctx context.Context) error
}

// Compile-time interface assertions.
var (
	_ Store = (*audit.MemoryStore)(nil)
	_ Store = (*audit.PostgresStore)(nil)
)
