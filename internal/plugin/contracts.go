// Package plugin defines the contracts between the pipeline runtime and
// its pluggable node implementations. The runtime never inspects plugin
// internals: it sees declared capability flags, calls the contract
// methods, and records every call in the audit trail. A plugin that
// violates its declared contract (multi-row output without CreatesTokens,
// an error result without OnError) is a bug surfaced as a run failure,
// never silently absorbed.
package plugin

import (
	"context"
)

// Determinism declares whether a transform produces identical output for
// identical input. Non-deterministic transforms (LLM calls, timestamps)
// are still auditable through input and output hashes per attempt.
type Determinism string

// Determinism classes.
const (
	Deterministic    Determinism = "deterministic"
	NonDeterministic Determinism = "non_deterministic"
)

// OnErrorDiscard is the on_error destination that quarantines failed rows
// instead of routing them to a sink.
const OnErrorDiscard = "discard"

type (
	// SourceInfo identifies a source plugin instance.
	SourceInfo struct {
		Name    string
		NodeID  string
		Version string
	}

	// TransformInfo declares a transform's identity and capabilities. The
	// runtime drives the transform differently depending on the flags:
	// BatchAware transforms buffer through the aggregation executor,
	// CreatesTokens transforms may return multi-row results that expand
	// into child tokens, and OnError names the declared destination for
	// structured error results ("" means error results are a plugin bug).
	TransformInfo struct {
		Name          string
		NodeID        string
		Version       string
		Determinism   Determinism
		BatchAware    bool
		CreatesTokens bool
		OnError       string
		InputSchema   map[string]any
		OutputSchema  map[string]any
	}

	// GateInfo identifies a gate plugin instance.
	GateInfo struct {
		Name    string
		NodeID  string
		Version string
	}

	// SinkInfo identifies a sink plugin instance. Idempotent marks sinks
	// whose writes may be safely repeated; the runtime guarantees nothing
	// stronger than at-most-once recording either way.
	SinkInfo struct {
		Name       string
		NodeID     string
		Version    string
		Idempotent bool
	}

	// ArtifactDescriptor describes what a sink write durably produced.
	ArtifactDescriptor struct {
		PathOrURI   string
		SizeBytes   int64
		ContentHash string
		Type        string
	}
)

// RowIter yields source rows one at a time. Next returns ok=false when
// the source is exhausted; an error aborts the run's source phase.
type RowIter interface {
	Next(ctx context.Context) (row SourceRow, ok bool, err error)
	Close() error
}

// Source emits the rows a run processes. Load is called once, after
// OnStart; the returned iterator must be drained or closed.
type Source interface {
	Info() SourceInfo
	OnStart(ctx context.Context, pc *Context) error
	Load(ctx context.Context, pc *Context) (RowIter, error)
	OnComplete(ctx context.Context, pc *Context) error
	Close() error
}

// Transform processes one row at a time. Declared data errors travel in
// the result; returned Go errors are raised failures subject to retry
// classification.
type Transform interface {
	Info() TransformInfo
	Process(ctx context.Context, row map[string]any, pc *Context) (TransformResult, error)
	OnStart(ctx context.Context, pc *Context) error
	OnComplete(ctx context.Context, pc *Context) error
	Close() error
}

// BatchTransform is the flush contract for transforms that declare
// BatchAware. The runtime buffers rows at the aggregation node and calls
// ProcessBatch once per flush with every buffered row in arrival order.
// A BatchAware transform that does not implement BatchTransform is a
// configuration bug caught during pipeline assembly.
type BatchTransform interface {
	Transform
	ProcessBatch(ctx context.Context, rows []map[string]any, pc *Context) (TransformResult, error)
}

// Gate decides where a row goes next without changing the pipeline step.
type Gate interface {
	Info() GateInfo
	Evaluate(ctx context.Context, row map[string]any, pc *Context) (GateResult, error)
	OnStart(ctx context.Context, pc *Context) error
	OnComplete(ctx context.Context, pc *Context) error
	Close() error
}

// Sink durably writes a batch of rows and reports what it produced. The
// runtime records the artifact only after Write and Flush both return.
type Sink interface {
	Info() SinkInfo
	OnStart(ctx context.Context, pc *Context) error
	Write(ctx context.Context, rows []map[string]any, pc *Context) (*ArtifactDescriptor, error)
	Flush(ctx context.Context) error
	OnComplete(ctx context.Context, pc *Context) error
	Close() error
}
