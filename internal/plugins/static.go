package plugins

import (
	"context"
	"fmt"

	"github.com/loom-io/loom/internal/plugin"
)

// Compile-time interface assertion.
var _ plugin.Source = (*StaticSource)(nil)

// StaticSource emits rows declared inline in its config. It exists for
// tests and example pipelines where the input should travel with the
// pipeline file instead of living in an external system.
//
// Config options:
//
//	rows:         list of row mappings emitted as valid rows, in order
//	invalid_rows: list of reason mappings emitted as invalid rows after
//	              the valid ones, exercising the quarantine path
type StaticSource struct {
	nodeID  string
	rows    []map[string]any
	invalid []map[string]any
}

// NewStaticSource builds a static source from its node config.
func NewStaticSource(nodeID string, config map[string]any) (*StaticSource, error) {
	rows, err := rowMapsOption(config, "rows")
	if err != nil {
		return nil, fmt.Errorf("static source %s: %w", nodeID, err)
	}

	invalid, err := rowMapsOption(config, "invalid_rows")
	if err != nil {
		return nil, fmt.Errorf("static source %s: %w", nodeID, err)
	}

	if len(rows) == 0 && len(invalid) == 0 {
		return nil, fmt.Errorf("static source %s: option %q is required", nodeID, "rows")
	}

	return &StaticSource{nodeID: nodeID, rows: rows, invalid: invalid}, nil
}

// NewStaticSourceFromRows builds a static source directly from rows,
// bypassing config parsing. Test helper.
func NewStaticSourceFromRows(nodeID string, rows []map[string]any) *StaticSource {
	return &StaticSource{nodeID: nodeID, rows: rows}
}

// Info implements plugin.Source.
func (s *StaticSource) Info() plugin.SourceInfo {
	return plugin.SourceInfo{Name: "static", NodeID: s.nodeID, Version: builtinVersion}
}

// OnStart implements plugin.Source.
func (s *StaticSource) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Load returns an iterator over the configured rows.
func (s *StaticSource) Load(_ context.Context, _ *plugin.Context) (plugin.RowIter, error) {
	out := make([]plugin.SourceRow, 0, len(s.rows)+len(s.invalid))

	for _, row := range s.rows {
		out = append(out, plugin.ValidRow(row))
	}

	for _, reason := range s.invalid {
		out = append(out, plugin.InvalidRow(reason))
	}

	return &staticRowIter{rows: out}, nil
}

// OnComplete implements plugin.Source.
func (s *StaticSource) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close implements plugin.Source.
func (s *StaticSource) Close() error { return nil }

type staticRowIter struct {
	rows []plugin.SourceRow
	next int
}

func (it *staticRowIter) Next(ctx context.Context) (plugin.SourceRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return plugin.SourceRow{}, false, err
	}

	if it.next >= len(it.rows) {
		return plugin.SourceRow{}, false, nil
	}

	row := it.rows[it.next]
	it.next++

	return row, true, nil
}

func (it *staticRowIter) Close() error { return nil }
