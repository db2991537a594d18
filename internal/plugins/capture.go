package plugins

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/plugin"
)

// Compile-time interface assertion.
var _ plugin.Sink = (*CaptureSink)(nil)

// CaptureSink collects written rows in memory so tests and example runs
// can inspect exactly what reached a sink. The artifact descriptor hashes
// the accumulated rows, so repeated writes to the same capture produce a
// verifiable content chain just like a file sink.
type CaptureSink struct {
	nodeID string

	mu      sync.Mutex
	rows    []map[string]any
	flushes int
}

// NewCaptureSink builds an empty capture sink. It takes no options.
func NewCaptureSink(nodeID string) *CaptureSink {
	return &CaptureSink{nodeID: nodeID}
}

// Info implements plugin.Sink. Capture appends on every write, so a
// replayed write duplicates rows and the sink is not idempotent.
func (s *CaptureSink) Info() plugin.SinkInfo {
	return plugin.SinkInfo{Name: "capture", NodeID: s.nodeID, Version: builtinVersion, Idempotent: false}
}

// OnStart implements plugin.Sink.
func (s *CaptureSink) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Write appends the rows and describes the accumulated capture.
func (s *CaptureSink) Write(_ context.Context, rows []map[string]any, _ *plugin.Context) (*plugin.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.rows = append(s.rows, maps.Clone(row))
	}

	data, err := audit.CanonicalJSON(s.rows)
	if err != nil {
		return nil, fmt.Errorf("capture sink %s: %w", s.nodeID, err)
	}

	return &plugin.ArtifactDescriptor{
		PathOrURI:   "capture://" + s.nodeID,
		SizeBytes:   int64(len(data)),
		ContentHash: audit.HashBytes(data),
		Type:        "rows",
	}, nil
}

// Flush implements plugin.Sink. Rows are already in memory; the call is
// counted so tests can assert the durability barrier ran.
func (s *CaptureSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushes++

	return nil
}

// OnComplete implements plugin.Sink.
func (s *CaptureSink) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close implements plugin.Sink.
func (s *CaptureSink) Close() error { return nil }

// Rows returns a copy of everything written so far.
func (s *CaptureSink) Rows() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, len(s.rows))
	for i, row := range s.rows {
		out[i] = maps.Clone(row)
	}

	return out
}

// FlushCount returns how many times Flush has been called.
func (s *CaptureSink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushes
}
