// Package api provides the read-only HTTP query surface over the audit trail.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-io/loom/internal/audit"
)

// seedRun starts one run with the given config hash, optionally completing it.
func seedRun(t *testing.T, store *audit.MemoryStore, configHash string, status audit.RunStatus) *audit.Run {
	t.Helper()

	ctx := context.Background()

	run, err := store.BeginRun(ctx, configHash, audit.CanonicalVersion)
	require.NoError(t, err)

	if status != audit.RunRunning {
		require.NoError(t, store.CompleteRun(ctx, run.ID, status))
	}

	return run
}

func TestHandleListRuns(t *testing.T) {
	store := audit.NewMemoryStore()
	first := seedRun(t, store, "hash-1", audit.RunCompleted)
	second := seedRun(t, store, "hash-2", audit.RunFailed)
	third := seedRun(t, store, "hash-3", audit.RunRunning)

	handler := newTestHandler(t, store, nil)

	w := doRequest(handler, http.MethodGet, "/api/v1/runs")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response RunListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))

	require.Len(t, response.Runs, 3)
	assert.Equal(t, 3, response.Count)
	assert.Equal(t, defaultLimit, response.Limit)
	assert.Equal(t, 0, response.Offset)

	// Newest first.
	assert.Equal(t, third.ID, response.Runs[0].ID)
	assert.Equal(t, second.ID, response.Runs[1].ID)
	assert.Equal(t, first.ID, response.Runs[2].ID)

	assert.Equal(t, string(audit.RunRunning), response.Runs[0].Status)
	assert.Nil(t, response.Runs[0].CompletedAt)

	assert.Equal(t, string(audit.RunFailed), response.Runs[1].Status)
	require.NotNil(t, response.Runs[1].CompletedAt)
	assert.GreaterOrEqual(t, response.Runs[1].DurationMs, int64(0))

	assert.Equal(t, "hash-1", response.Runs[2].ConfigHash)
	assert.Equal(t, audit.CanonicalVersion, response.Runs[2].CanonicalVersion)
}

func TestHandleListRunsPagination(t *testing.T) {
	store := audit.NewMemoryStore()
	seedRun(t, store, "hash-1", audit.RunCompleted)
	middle := seedRun(t, store, "hash-2", audit.RunCompleted)
	seedRun(t, store, "hash-3", audit.RunCompleted)

	handler := newTestHandler(t, store, nil)

	w := doRequest(handler, http.MethodGet, "/api/v1/runs?limit=1&offset=1")

	require.Equal(t, http.StatusOK, w.Code)

	var response RunListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))

	require.Len(t, response.Runs, 1)
	assert.Equal(t, middle.ID, response.Runs[0].ID)
	assert.Equal(t, 1, response.Limit)
	assert.Equal(t, 1, response.Offset)
}

func TestHandleListRunsEmptyStore(t *testing.T) {
	handler := newTestHandler(t, audit.NewMemoryStore(), nil)

	w := doRequest(handler, http.MethodGet, "/api/v1/runs")

	require.Equal(t, http.StatusOK, w.Code)

	var response RunListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))

	assert.NotNil(t, response.Runs)
	assert.Empty(t, response.Runs)
	assert.Zero(t, response.Count)
}

func TestHandleListRunsInvalidParams(t *testing.T) {
	handler := newTestHandler(t, audit.NewMemoryStore(), nil)

	tests := []struct {
		name   string
		target string
	}{
		{name: "limit not a number", target: "/api/v1/runs?limit=abc"},
		{name: "limit below minimum", target: "/api/v1/runs?limit=0"},
		{name: "limit above maximum", target: "/api/v1/runs?limit=101"},
		{name: "offset not a number", target: "/api/v1/runs?offset=xyz"},
		{name: "negative offset", target: "/api/v1/runs?offset=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(handler, http.MethodGet, tt.target)

			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

			var problem ProblemDetail
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))

			assert.Equal(t, "Bad Request", problem.Title)
			assert.Contains(t, problem.Detail, "Invalid parameter")
		})
	}
}
