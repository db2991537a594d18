package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccess(t *testing.T) {
	row := map[string]any{"value": 10}

	res := Success(row)

	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, row, res.Row)
	assert.Nil(t, res.ContextAfter)
}

func TestSuccessWithContext(t *testing.T) {
	res := SuccessWithContext(
		map[string]any{"value": 10},
		map[string]any{"model": "m-1"},
	)

	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, "m-1", res.ContextAfter["model"])
}

func TestSuccessMulti(t *testing.T) {
	rows := []map[string]any{{"part": 1}, {"part": 2}}

	res := SuccessMulti(rows)

	assert.Equal(t, ResultSuccessMulti, res.Kind)
	assert.Len(t, res.Rows, 2)
	assert.Nil(t, res.Row)
}

func TestDataError(t *testing.T) {
	res := DataError(map[string]any{"reason": "validation_failed"})

	assert.Equal(t, ResultError, res.Kind)
	assert.Equal(t, "validation_failed", res.Reason["reason"])
	assert.False(t, res.Retryable)
}

func TestGateResultConstructors(t *testing.T) {
	row := map[string]any{"value": 42}

	cont := Continue(row)
	assert.Equal(t, ActionContinue, cont.Action)
	assert.Equal(t, row, cont.Row)
	assert.Empty(t, cont.Labels)

	routed := RouteTo(row, map[string]any{"rule": "threshold"}, "high_value")
	assert.Equal(t, ActionRoute, routed.Action)
	assert.Equal(t, []string{"high_value"}, routed.Labels)
	assert.Equal(t, "threshold", routed.Reason["rule"])

	forked := ForkToPaths(row, nil, "path_a", "path_b")
	assert.Equal(t, ActionFork, forked.Action)
	assert.Equal(t, []string{"path_a", "path_b"}, forked.Branches)
}

func TestSourceRowValid(t *testing.T) {
	valid := ValidRow(map[string]any{"id": 1})
	assert.True(t, valid.Valid())
	assert.NotNil(t, valid.Data)

	invalid := InvalidRow(map[string]any{"reason": "malformed_line"})
	assert.False(t, invalid.Valid())
	assert.Nil(t, invalid.Data)
}
