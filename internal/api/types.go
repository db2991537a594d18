// Package api provides the read-only HTTP query surface over the audit trail.
package api

import (
	"time"

	"github.com/loom-io/loom/internal/audit"
)

type (
	// RunListResponse represents the response for GET /api/v1/runs.
	// Contains a page of runs, newest first.
	RunListResponse struct {
		Runs   []RunSummary `json:"runs"`
		Count  int          `json:"count"`
		Limit  int          `json:"limit"`
		Offset int          `json:"offset"`
	}

	// RunSummary represents a single run in the list view. Use
	// GET /api/v1/runs/{id} for full run details.
	RunSummary struct {
		ID               string     `json:"id"`
		Status           string     `json:"status"`
		ConfigHash       string     `json:"configHash"`
		CanonicalVersion string     `json:"canonicalVersion"`
		StartedAt        time.Time  `json:"startedAt"`
		CompletedAt      *time.Time `json:"completedAt,omitempty"`
		DurationMs       int64      `json:"durationMs,omitempty"`
	}

	// RunDetailResponse represents the response for GET /api/v1/runs/{id}.
	// Contains the run, its registered graph, terminal outcome tallies, and
	// the artifacts its sinks produced.
	RunDetailResponse struct {
		Run       RunSummary        `json:"run"`
		Nodes     []NodeSummary     `json:"nodes"`
		Edges     []EdgeSummary     `json:"edges"`
		Totals    RunTotals         `json:"totals"`
		Outcomes  map[string]int    `json:"outcomes"`
		Artifacts []ArtifactSummary `json:"artifacts"`
	}

	// NodeSummary is one registered DAG vertex in the run detail view.
	NodeSummary struct {
		ID            string `json:"id"`
		Type          string `json:"type"`
		Plugin        string `json:"plugin"`
		PluginVersion string `json:"pluginVersion,omitempty"`
	}

	// EdgeSummary is one labeled routing connection in the run detail view.
	EdgeSummary struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Label string `json:"label"`
		Mode  string `json:"mode"`
	}

	// RunTotals carries aggregate counts for the run detail view.
	RunTotals struct {
		Rows      int `json:"rows"`
		Tokens    int `json:"tokens"`
		Artifacts int `json:"artifacts"`
	}

	// ArtifactSummary is one durable sink product in the run detail view.
	ArtifactSummary struct {
		SinkNode    string `json:"sinkNode"`
		PathOrURI   string `json:"pathOrUri"`
		SizeBytes   int64  `json:"sizeBytes"`
		ContentHash string `json:"contentHash"`
		Type        string `json:"type"`
	}

	// TokenLineageResponse represents the response for
	// GET /api/v1/runs/{id}/tokens/{tokenID}/lineage.
	//
	// The lineage is the audit trail's own explanation shape; the envelope
	// adds the request correlation ID and response time for observability.
	TokenLineageResponse struct {
		Lineage       *audit.Lineage `json:"lineage"`
		CorrelationID string         `json:"correlationId"`
		Timestamp     string         `json:"timestamp"`
	}
)
