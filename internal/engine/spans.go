package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Spans opens the tracing spans the engine wraps around plugin calls.
// NewSpans(nil) returns a factory backed by the noop tracer, so call
// sites never nil-check and tracing stays opt-in.
type Spans struct {
	tracer trace.Tracer
}

// NewSpans creates a span factory over the given tracer.
func NewSpans(tracer trace.Tracer) *Spans {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("loom/engine")
	}

	return &Spans{tracer: tracer}
}

// Run opens the root span for one pipeline run.
func (s *Spans) Run(ctx context.Context, runID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
}

// SourceLoad opens the span covering source iteration.
func (s *Spans) SourceLoad(ctx context.Context, pluginName string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "source.load",
		trace.WithAttributes(attribute.String("plugin.name", pluginName)))
}

// Row opens the span covering one source row's traversal.
func (s *Spans) Row(ctx context.Context, rowIndex int) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "row.process",
		trace.WithAttributes(attribute.Int("row.index", rowIndex)))
}

// Transform opens the span for one transform attempt.
func (s *Spans) Transform(ctx context.Context, nodeID string, attempt int) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "transform.process",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.Int("attempt", attempt),
		))
}

// Gate opens the span for one gate evaluation.
func (s *Spans) Gate(ctx context.Context, nodeID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "gate.evaluate",
		trace.WithAttributes(attribute.String("node.id", nodeID)))
}

// AggregationFlush opens the span for one batch flush.
func (s *Spans) AggregationFlush(ctx context.Context, nodeID, trigger string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "aggregation.flush",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("trigger", trigger),
		))
}

// SinkWrite opens the span for one sink write call.
func (s *Spans) SinkWrite(ctx context.Context, nodeID string, rowCount int) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "sink.write",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.Int("row.count", rowCount),
		))
}
