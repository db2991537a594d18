package pipeline

import (
	"fmt"

	"github.com/loom-io/loom/internal/plugin"
	"github.com/loom-io/loom/internal/plugins"
)

// Factories construct plugin instances bound to a node. Options are the
// node's YAML options, passed through untouched. Construction must be
// passive: no files opened, no connections dialed. Resources are
// acquired when the run starts.
type (
	SourceFactory    func(nodeID string, options map[string]any) (plugin.Source, error)
	TransformFactory func(nodeID string, options map[string]any) (plugin.Transform, error)
	GateFactory      func(nodeID string, options map[string]any) (plugin.Gate, error)
	SinkFactory      func(nodeID string, options map[string]any) (plugin.Sink, error)
)

// Registry maps plugin names to factories. Sources, transforms, gates,
// and sinks are separate namespaces, so a source and a sink may share a
// name ("csv" does). Not safe for concurrent registration; register
// everything before assembling.
type Registry struct {
	sources    map[string]SourceFactory
	transforms map[string]TransformFactory
	gates      map[string]GateFactory
	sinks      map[string]SinkFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:    make(map[string]SourceFactory),
		transforms: make(map[string]TransformFactory),
		gates:      make(map[string]GateFactory),
		sinks:      make(map[string]SinkFactory),
	}
}

// RegisterSource adds a source factory. Registering a name twice is an
// error; overwriting a plugin silently would change what a pipeline
// file means.
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source plugin %q is already registered", name)
	}

	r.sources[name] = factory

	return nil
}

// RegisterTransform adds a transform factory. Aggregation steps draw
// from the same namespace; their transforms must also implement batch
// processing.
func (r *Registry) RegisterTransform(name string, factory TransformFactory) error {
	if _, exists := r.transforms[name]; exists {
		return fmt.Errorf("transform plugin %q is already registered", name)
	}

	r.transforms[name] = factory

	return nil
}

// RegisterGate adds a gate factory.
func (r *Registry) RegisterGate(name string, factory GateFactory) error {
	if _, exists := r.gates[name]; exists {
		return fmt.Errorf("gate plugin %q is already registered", name)
	}

	r.gates[name] = factory

	return nil
}

// RegisterSink adds a sink factory.
func (r *Registry) RegisterSink(name string, factory SinkFactory) error {
	if _, exists := r.sinks[name]; exists {
		return fmt.Errorf("sink plugin %q is already registered", name)
	}

	r.sinks[name] = factory

	return nil
}

// Builtins returns a registry preloaded with the shipped plugins:
// csv, jsonl, kafka, and static sources; csv, jsonl, kafka, and
// capture sinks. Transforms and gates are deployment-specific and
// register on top.
func Builtins() *Registry {
	r := NewRegistry()

	mustRegister(r.RegisterSource("csv", func(nodeID string, options map[string]any) (plugin.Source, error) {
		return plugins.NewCSVSource(nodeID, options)
	}))
	mustRegister(r.RegisterSource("jsonl", func(nodeID string, options map[string]any) (plugin.Source, error) {
		return plugins.NewJSONLSource(nodeID, options)
	}))
	mustRegister(r.RegisterSource("kafka", func(nodeID string, options map[string]any) (plugin.Source, error) {
		return plugins.NewKafkaSource(nodeID, options)
	}))
	mustRegister(r.RegisterSource("static", func(nodeID string, options map[string]any) (plugin.Source, error) {
		return plugins.NewStaticSource(nodeID, options)
	}))

	mustRegister(r.RegisterSink("csv", func(nodeID string, options map[string]any) (plugin.Sink, error) {
		return plugins.NewCSVSink(nodeID, options)
	}))
	mustRegister(r.RegisterSink("jsonl", func(nodeID string, options map[string]any) (plugin.Sink, error) {
		return plugins.NewJSONLSink(nodeID, options)
	}))
	mustRegister(r.RegisterSink("kafka", func(nodeID string, options map[string]any) (plugin.Sink, error) {
		return plugins.NewKafkaSink(nodeID, options)
	}))
	mustRegister(r.RegisterSink("capture", func(nodeID string, _ map[string]any) (plugin.Sink, error) {
		return plugins.NewCaptureSink(nodeID), nil
	}))

	return r
}

// mustRegister panics on registration conflicts among built-ins, which
// can only happen through a programming error here.
func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}
