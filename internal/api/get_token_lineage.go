package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/loom-io/loom/internal/api/middleware"
	"github.com/loom-io/loom/internal/audit"
)

// handleGetTokenLineage handles GET /api/v1/runs/{id}/tokens/{tokenID}/lineage.
// Returns the full provenance of one token: its source row, every node state,
// routing decisions, fork/join parents, terminal outcome, transform errors,
// and the artifacts its sink states produced.
//
// Path Parameters:
//   - id: Run ID
//   - tokenID: Token ID within the run
//
// Response: TokenLineageResponse.
func (s *Server) handleGetTokenLineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	runID := r.PathValue("id")
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Missing run ID"))

		return
	}

	tokenID := r.PathValue("tokenID")
	if tokenID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Missing token ID"))

		return
	}

	lineage, err := s.store.Explain(ctx, runID, tokenID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Token not found"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to assemble lineage",
			"correlation_id", correlationID,
			"run_id", runID,
			"token_id", tokenID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to assemble lineage"))

		return
	}

	// The store resolves tokens globally, so a token ID from another run
	// would otherwise leak through a mismatched run path.
	if lineage.Token == nil || lineage.Token.RunID != runID {
		WriteErrorResponse(w, r, s.logger, NotFound("Token not found"))

		return
	}

	s.writeJSON(w, r, TokenLineageResponse{
		Lineage:       lineage,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}
