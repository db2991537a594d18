package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loom-io/loom/internal/plugin"
)

// staticSource emits a fixed row slice. Lifecycle calls are tracked so
// tests can assert the orchestrator drove OnStart, OnComplete, and
// Close exactly once each.
type staticSource struct {
	info    plugin.SourceInfo
	rows    []plugin.SourceRow
	loadErr error
	iterErr error

	starts    int
	completes int
	closes    int
}

func newStaticSource(nodeID string, rows ...plugin.SourceRow) *staticSource {
	return &staticSource{
		info: plugin.SourceInfo{Name: "static", NodeID: nodeID, Version: "1.0.0"},
		rows: rows,
	}
}

func (s *staticSource) Info() plugin.SourceInfo { return s.info }

func (s *staticSource) OnStart(context.Context, *plugin.Context) error {
	s.starts++

	return nil
}

func (s *staticSource) Load(context.Context, *plugin.Context) (plugin.RowIter, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	return &staticIter{rows: s.rows, err: s.iterErr}, nil
}

func (s *staticSource) OnComplete(context.Context, *plugin.Context) error {
	s.completes++

	return nil
}

func (s *staticSource) Close() error {
	s.closes++

	return nil
}

// staticIter yields the source's rows, then err if one is configured.
type staticIter struct {
	rows   []plugin.SourceRow
	next   int
	err    error
	closes int
}

func (it *staticIter) Next(context.Context) (plugin.SourceRow, bool, error) {
	if it.next >= len(it.rows) {
		return plugin.SourceRow{}, false, it.err
	}

	row := it.rows[it.next]
	it.next++

	return row, true, nil
}

func (it *staticIter) Close() error {
	it.closes++

	return nil
}

// funcTransform delegates Process to fn. The zero fn passes rows
// through unchanged.
type funcTransform struct {
	info plugin.TransformInfo
	fn   func(row map[string]any, pc *plugin.Context) (plugin.TransformResult, error)

	calls     int
	starts    int
	completes int
	closes    int
}

func newFuncTransform(nodeID string, fn func(row map[string]any, pc *plugin.Context) (plugin.TransformResult, error)) *funcTransform {
	if fn == nil {
		fn = func(row map[string]any, _ *plugin.Context) (plugin.TransformResult, error) {
			return plugin.Success(row), nil
		}
	}

	return &funcTransform{
		info: plugin.TransformInfo{Name: "func", NodeID: nodeID, Version: "1.0.0"},
		fn:   fn,
	}
}

func (tr *funcTransform) Info() plugin.TransformInfo { return tr.info }

func (tr *funcTransform) Process(_ context.Context, row map[string]any, pc *plugin.Context) (plugin.TransformResult, error) {
	tr.calls++

	return tr.fn(row, pc)
}

func (tr *funcTransform) OnStart(context.Context, *plugin.Context) error {
	tr.starts++

	return nil
}

func (tr *funcTransform) OnComplete(context.Context, *plugin.Context) error {
	tr.completes++

	return nil
}

func (tr *funcTransform) Close() error {
	tr.closes++

	return nil
}

// batchFuncTransform adds a batch entry point for aggregation nodes.
type batchFuncTransform struct {
	funcTransform
	batchFn func(rows []map[string]any, pc *plugin.Context) (plugin.TransformResult, error)

	batchCalls int
}

func newBatchFuncTransform(nodeID string, batchAware, createsTokens bool, batchFn func(rows []map[string]any, pc *plugin.Context) (plugin.TransformResult, error)) *batchFuncTransform {
	tr := &batchFuncTransform{batchFn: batchFn}
	tr.info = plugin.TransformInfo{
		Name:          "batch_func",
		NodeID:        nodeID,
		Version:       "1.0.0",
		BatchAware:    batchAware,
		CreatesTokens: createsTokens,
	}
	tr.fn = func(row map[string]any, _ *plugin.Context) (plugin.TransformResult, error) {
		return plugin.Success(row), nil
	}

	return tr
}

func (tr *batchFuncTransform) ProcessBatch(_ context.Context, rows []map[string]any, pc *plugin.Context) (plugin.TransformResult, error) {
	tr.batchCalls++

	return tr.batchFn(rows, pc)
}

// funcGate delegates Evaluate to fn.
type funcGate struct {
	info plugin.GateInfo
	fn   func(row map[string]any) (plugin.GateResult, error)

	starts    int
	completes int
	closes    int
}

func newFuncGate(nodeID string, fn func(row map[string]any) (plugin.GateResult, error)) *funcGate {
	return &funcGate{
		info: plugin.GateInfo{Name: "func_gate", NodeID: nodeID, Version: "1.0.0"},
		fn:   fn,
	}
}

func (g *funcGate) Info() plugin.GateInfo { return g.info }

func (g *funcGate) Evaluate(_ context.Context, row map[string]any, _ *plugin.Context) (plugin.GateResult, error) {
	return g.fn(row)
}

func (g *funcGate) OnStart(context.Context, *plugin.Context) error {
	g.starts++

	return nil
}

func (g *funcGate) OnComplete(context.Context, *plugin.Context) error {
	g.completes++

	return nil
}

func (g *funcGate) Close() error {
	g.closes++

	return nil
}

// captureSink records every write batch it receives. Writes fail with
// writeErr when set; flushes fail with flushErr.
type captureSink struct {
	info     plugin.SinkInfo
	writeErr error
	flushErr error

	writes    [][]map[string]any
	flushes   int
	starts    int
	completes int
	closes    int
}

func newCaptureSink(nodeID string) *captureSink {
	return &captureSink{
		info: plugin.SinkInfo{Name: "capture", NodeID: nodeID, Version: "1.0.0", Idempotent: true},
	}
}

func (s *captureSink) Info() plugin.SinkInfo { return s.info }

func (s *captureSink) OnStart(context.Context, *plugin.Context) error {
	s.starts++

	return nil
}

func (s *captureSink) Write(_ context.Context, rows []map[string]any, _ *plugin.Context) (*plugin.ArtifactDescriptor, error) {
	if s.writeErr != nil {
		return nil, s.writeErr
	}

	batch := make([]map[string]any, len(rows))
	copy(batch, rows)
	s.writes = append(s.writes, batch)

	return &plugin.ArtifactDescriptor{
		PathOrURI:   fmt.Sprintf("mem://%s/batch-%d", s.info.NodeID, len(s.writes)),
		SizeBytes:   int64(len(rows)),
		ContentHash: fmt.Sprintf("hash-%d", len(s.writes)),
		Type:        "rows",
	}, nil
}

func (s *captureSink) Flush(context.Context) error {
	if s.flushErr != nil {
		return s.flushErr
	}

	s.flushes++

	return nil
}

func (s *captureSink) OnComplete(context.Context, *plugin.Context) error {
	s.completes++

	return nil
}

func (s *captureSink) Close() error {
	s.closes++

	return nil
}

// allRows flattens the captured write batches in write order.
func (s *captureSink) allRows() []map[string]any {
	var out []map[string]any
	for _, batch := range s.writes {
		out = append(out, batch...)
	}

	return out
}

// captureEvents records every lifecycle notification for assertions.
type captureEvents struct {
	mu sync.Mutex

	started   []string
	completed []Phase
	failed    []string
	progress  []Progress
	summaries []RunResult
}

func (e *captureEvents) PhaseStarted(phase Phase, target string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = append(e.started, string(phase)+":"+target)
}

func (e *captureEvents) PhaseCompleted(phase Phase, _ time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.completed = append(e.completed, phase)
}

func (e *captureEvents) PhaseError(phase Phase, target string, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failed = append(e.failed, string(phase)+":"+target)
}

func (e *captureEvents) Progress(p Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.progress = append(e.progress, p)
}

func (e *captureEvents) Summary(result RunResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.summaries = append(e.summaries, result)
}
