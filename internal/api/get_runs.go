package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loom-io/loom/internal/api/middleware"
	"github.com/loom-io/loom/internal/audit"
)

// Pagination bounds for the run list.
const (
	defaultLimit = 20
	minLimit     = 1
	maxLimit     = 100
)

// paramError is a query parameter validation failure whose message is safe
// to return to the caller.
type paramError struct {
	param string
	msg   string
}

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// handleListRuns serves GET /api/v1/runs: a paginated list of pipeline
// runs, newest first. limit runs 1 to 100 and defaults to 20; offset skips
// past runs already seen.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	params, err := parseRunListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	runs, err := s.store.ListRuns(r.Context(), params)
	if err != nil {
		s.logger.Error("failed to query runs",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query runs"))

		return
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, newRunSummary(run))
	}

	s.writeJSON(w, r, RunListResponse{
		Runs:   summaries,
		Count:  len(summaries),
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// parseRunListParams validates the pagination parameters. The store applies
// the window itself, so the handler only has to bound the values.
func parseRunListParams(r *http.Request) (audit.ListRunsParams, error) {
	q := r.URL.Query()

	limit, err := intParam(q, "limit", defaultLimit, minLimit, maxLimit)
	if err != nil {
		return audit.ListRunsParams{}, err
	}

	offset, err := intParam(q, "offset", 0, 0, 0)
	if err != nil {
		return audit.ListRunsParams{}, err
	}

	return audit.ListRunsParams{Limit: limit, Offset: offset}, nil
}

// intParam reads one integer query parameter, falling back when absent and
// enforcing low and, when high is positive, high bounds.
func intParam(q url.Values, name string, fallback, low, high int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return fallback, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &paramError{param: name, msg: "must be a valid integer"}
	}

	if v < low || (high > 0 && v > high) {
		msg := fmt.Sprintf("must be at least %d", low)
		if high > 0 {
			msg = fmt.Sprintf("must be between %d and %d", low, high)
		}

		return 0, &paramError{param: name, msg: msg}
	}

	return v, nil
}

// newRunSummary shapes an audit run for the API.
func newRunSummary(run *audit.Run) RunSummary {
	summary := RunSummary{
		ID:               run.ID,
		Status:           string(run.Status),
		ConfigHash:       run.ConfigHash,
		CanonicalVersion: run.CanonicalVersion,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
	}

	// Duration is only known once the run has completed.
	if run.CompletedAt != nil {
		summary.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}

	return summary
}
