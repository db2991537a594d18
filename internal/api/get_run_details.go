package api

import (
	"errors"
	"net/http"

	"github.com/loom-io/loom/internal/api/middleware"
	"github.com/loom-io/loom/internal/audit"
)

// handleGetRunDetails handles GET /api/v1/runs/{id}.
// Returns the run summary plus its registered graph, aggregate counts,
// terminal outcome tallies, and sink artifacts.
//
// Path Parameters:
//   - id: Run ID
//
// Response: RunDetailResponse.
func (s *Server) handleGetRunDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	runID := r.PathValue("id")
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Missing run ID"))

		return
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Run not found"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to query run",
			"correlation_id", correlationID,
			"run_id", runID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query run"))

		return
	}

	nodes, err := s.store.GetNodes(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query nodes",
			"correlation_id", correlationID,
			"run_id", runID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query run graph"))

		return
	}

	edges, err := s.store.GetEdges(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query edges",
			"correlation_id", correlationID,
			"run_id", runID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query run graph"))

		return
	}

	rows, err := s.store.GetRows(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query rows",
			"correlation_id", correlationID,
			"run_id", runID,
			"error", err.Error(),
		)
		// Non-fatal: continue with zero counts
		rows = nil
	}

	tokens, err := s.store.GetTokens(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query tokens",
			"correlation_id", correlationID,
			"run_id", runID,
			"error", err.Error(),
		)
		// Non-fatal: continue with zero counts
		tokens = nil
	}

	outcomes, err := s.store.GetOutcomes(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query outcomes",
			"correlation_id", correlationID,
			"run_id", runID,
			"error", err.Error(),
		)
		// Non-fatal: continue with an empty tally
		outcomes = nil
	}

	artifacts, err := s.store.GetArtifacts(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query artifacts",
			"correlation_id", correlationID,
			"run_id", runID,
			"error", err.Error(),
		)
		// Non-fatal: continue with an empty artifact list
		artifacts = nil
	}

	s.writeJSON(w, r, RunDetailResponse{
		Run:   newRunSummary(run),
		Nodes: mapNodeSummaries(nodes),
		Edges: mapEdgeSummaries(edges),
		Totals: RunTotals{
			Rows:      len(rows),
			Tokens:    len(tokens),
			Artifacts: len(artifacts),
		},
		Outcomes:  tallyOutcomes(outcomes),
		Artifacts: mapArtifactSummaries(artifacts),
	})
}

// mapNodeSummaries converts audit Nodes to API summaries.
func mapNodeSummaries(nodes []*audit.Node) []NodeSummary {
	summaries := make([]NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		summaries = append(summaries, NodeSummary{
			ID:            n.ID,
			Type:          string(n.Type),
			Plugin:        n.PluginName,
			PluginVersion: n.PluginVersion,
		})
	}

	return summaries
}

// mapEdgeSummaries converts audit Edges to API summaries.
func mapEdgeSummaries(edges []*audit.Edge) []EdgeSummary {
	summaries := make([]EdgeSummary, 0, len(edges))
	for _, e := range edges {
		summaries = append(summaries, EdgeSummary{
			From:  e.FromNode,
			To:    e.ToNode,
			Label: e.Label,
			Mode:  string(e.Mode),
		})
	}

	return summaries
}

// mapArtifactSummaries converts audit Artifacts to API summaries.
func mapArtifactSummaries(artifacts []*audit.Artifact) []ArtifactSummary {
	summaries := make([]ArtifactSummary, 0, len(artifacts))
	for _, a := range artifacts {
		summaries = append(summaries, ArtifactSummary{
			SinkNode:    a.SinkNode,
			PathOrURI:   a.PathOrURI,
			SizeBytes:   a.SizeBytes,
			ContentHash: a.ContentHash,
			Type:        a.Type,
		})
	}

	return summaries
}

// tallyOutcomes counts terminal outcomes by kind for the detail view.
func tallyOutcomes(outcomes []*audit.TokenOutcome) map[string]int {
	tally := make(map[string]int)
	for _, o := range outcomes {
		tally[string(o.Outcome)]++
	}

	return tally
}
