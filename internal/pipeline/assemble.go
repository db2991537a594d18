package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/loom-io/loom/internal/engine"
	"github.com/loom-io/loom/internal/expr"
	"github.com/loom-io/loom/internal/graph"
	"github.com/loom-io/loom/internal/payload"
	"github.com/loom-io/loom/internal/plugin"
)

// Assembly is everything a run needs that comes from the pipeline file.
// The caller supplies the deployment-side pieces (recorder, reader,
// logger, events, tracer) and combines them with this into the engine
// config.
type Assembly struct {
	Graph       *graph.Graph
	Source      plugin.Source
	Sinks       map[string]plugin.Sink
	Plugins     engine.NodePlugins
	BranchSinks map[string]string

	Aggregations []engine.AggregationSettings
	Coalesces    []engine.CoalesceSettings
	Retry        *engine.RetryConfig

	ConfigHash  string
	Checkpoints bool

	// PayloadStore is nil when the file configures none; payloads then
	// stay inline in the audit store.
	PayloadStore payload.Store
}

// Assemble builds the runnable wiring for a spec: plugins constructed
// through the registry, the execution graph, and the engine settings.
// Plugin construction is passive, so a failed assembly leaves no open
// files or connections behind; only a configured payload store touches
// its backend here.
//
// Gate conditions and trigger expressions are compiled during assembly,
// so a bad expression fails the pipeline before a run is ever recorded.
func Assemble(ctx context.Context, spec *Spec, reg *Registry) (*Assembly, error) {
	spec.applyDefaults()

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	eval, err := expr.NewEvaluator()
	if err != nil {
		return nil, err
	}

	asm := &Assembly{
		Sinks: make(map[string]plugin.Sink, len(spec.Sinks)),
		Plugins: engine.NodePlugins{
			Transforms:  make(map[string]plugin.Transform),
			Gates:       make(map[string]plugin.Gate),
			ConfigGates: make(map[string]engine.ConfigGate),
		},
		BranchSinks: maps.Clone(spec.BranchSinks),
		ConfigHash:  spec.Hash(),
		Checkpoints: spec.Checkpoints,
	}

	b := graph.NewBuilder()

	if err := assembleSource(b, spec, reg, asm); err != nil {
		return nil, err
	}

	for i := range spec.Steps {
		if err := assembleStep(b, &spec.Steps[i], reg, eval, asm); err != nil {
			return nil, err
		}
	}

	if err := assembleSinks(b, spec, reg, asm); err != nil {
		return nil, err
	}

	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline graph: %w", err)
	}

	asm.Graph = g

	asm.Retry, err = buildRetry(spec.Retry)
	if err != nil {
		return nil, err
	}

	asm.PayloadStore, err = buildPayloadStore(ctx, spec.PayloadStore)
	if err != nil {
		return nil, err
	}

	return asm, nil
}

func assembleSource(b *graph.Builder, spec *Spec, reg *Registry, asm *Assembly) error {
	factory, ok := reg.sources[spec.Source.Plugin]
	if !ok {
		return fmt.Errorf("unknown source plugin %q", spec.Source.Plugin)
	}

	source, err := factory(spec.Source.NodeID, spec.Source.Options)
	if err != nil {
		return fmt.Errorf("source %q: %w", spec.Source.NodeID, err)
	}

	asm.Source = source

	b.SetSource(graph.Node{
		ID:            spec.Source.NodeID,
		PluginName:    spec.Source.Plugin,
		PluginVersion: source.Info().Version,
		Config:        spec.Source.Options,
		SchemaConfig:  spec.Source.Schema,
	}, spec.Source.OnInvalid)

	return nil
}

func assembleStep(b *graph.Builder, step *StepSpec, reg *Registry, eval *expr.Evaluator, asm *Assembly) error {
	switch step.Kind {
	case KindTransform:
		return assembleTransform(b, step, reg, asm)
	case KindGate:
		return assembleGate(b, step, reg, eval, asm)
	case KindAggregation:
		return assembleAggregation(b, step, reg, eval, asm)
	case KindCoalesce:
		return assembleCoalesce(b, step, asm)
	default:
		return fmt.Errorf("step %q: unknown kind %q", step.NodeID, step.Kind)
	}
}

func assembleTransform(b *graph.Builder, step *StepSpec, reg *Registry, asm *Assembly) error {
	factory, ok := reg.transforms[step.Plugin]
	if !ok {
		return fmt.Errorf("unknown transform plugin %q", step.Plugin)
	}

	tr, err := factory(step.NodeID, step.Options)
	if err != nil {
		return fmt.Errorf("transform %q: %w", step.NodeID, err)
	}

	// The step's on_error wins over the plugin's declared destination.
	// The executor routes by Info().OnError and the graph derives the
	// divert edge from the builder, so both must carry the same value.
	dest := step.OnError
	if dest == "" {
		dest = tr.Info().OnError
	}

	tr = withErrorDest(tr, dest)
	asm.Plugins.Transforms[step.NodeID] = tr

	b.AddTransform(graph.Node{
		ID:            step.NodeID,
		PluginName:    step.Plugin,
		PluginVersion: tr.Info().Version,
		Config:        step.Options,
		SchemaConfig:  step.Schema,
	}, dest)

	return nil
}

func assembleGate(b *graph.Builder, step *StepSpec, reg *Registry, eval *expr.Evaluator, asm *Assembly) error {
	node := graph.Node{
		ID:           step.NodeID,
		SchemaConfig: step.Schema,
	}

	if step.Condition != "" {
		if err := eval.Check(step.Condition); err != nil {
			return fmt.Errorf("gate %q condition: %w", step.NodeID, err)
		}

		asm.Plugins.ConfigGates[step.NodeID] = engine.ConfigGate{
			NodeID:    step.NodeID,
			Condition: step.Condition,
		}

		node.PluginName = "condition"
		node.Config = gateAuditConfig(step)
	} else {
		factory, ok := reg.gates[step.Plugin]
		if !ok {
			return fmt.Errorf("unknown gate plugin %q", step.Plugin)
		}

		gate, err := factory(step.NodeID, step.Options)
		if err != nil {
			return fmt.Errorf("gate %q: %w", step.NodeID, err)
		}

		asm.Plugins.Gates[step.NodeID] = gate
		node.PluginName = step.Plugin
		node.PluginVersion = gate.Info().Version
		node.Config = step.Options
	}

	b.AddGate(node, step.Routes, step.ForkTo)

	return nil
}

// gateAuditConfig snapshots a config gate's decision table for the node
// record, so lineage explanations can show why a row went where it did.
func gateAuditConfig(step *StepSpec) map[string]any {
	cfg := map[string]any{
		"condition": step.Condition,
		"routes":    step.Routes,
	}

	if len(step.ForkTo) > 0 {
		cfg["fork_to"] = step.ForkTo
	}

	return cfg
}

func assembleAggregation(b *graph.Builder, step *StepSpec, reg *Registry, eval *expr.Evaluator, asm *Assembly) error {
	factory, ok := reg.transforms[step.Plugin]
	if !ok {
		return fmt.Errorf("unknown transform plugin %q", step.Plugin)
	}

	tr, err := factory(step.NodeID, step.Options)
	if err != nil {
		return fmt.Errorf("aggregation %q: %w", step.NodeID, err)
	}

	if _, ok := tr.(plugin.BatchTransform); !ok {
		return fmt.Errorf("aggregation %q: transform plugin %q does not implement batch processing", step.NodeID, step.Plugin)
	}

	// Aggregation nodes have no divert edge; validation restricts their
	// on_error to empty or discard, and the wrapper keeps a plugin from
	// declaring a sink destination on its own.
	tr = withErrorDest(tr, step.OnError)

	settings := engine.AggregationSettings{NodeID: step.NodeID}

	if t := step.Trigger; t != nil {
		settings.MaxCount = t.Count
		settings.MaxBytes = t.MaxBytes
		settings.Condition = t.Condition

		if t.Timeout != "" {
			d, err := parseDuration("timeout", t.Timeout)
			if err != nil {
				return fmt.Errorf("aggregation %q trigger: %w", step.NodeID, err)
			}

			settings.Timeout = d
		}

		if t.Condition != "" {
			if err := eval.Check(t.Condition); err != nil {
				return fmt.Errorf("aggregation %q trigger condition: %w", step.NodeID, err)
			}
		}
	}

	asm.Plugins.Transforms[step.NodeID] = tr
	asm.Aggregations = append(asm.Aggregations, settings)

	b.AddAggregation(graph.Node{
		ID:            step.NodeID,
		PluginName:    step.Plugin,
		PluginVersion: tr.Info().Version,
		Config:        step.Options,
		SchemaConfig:  step.Schema,
	})

	return nil
}

func assembleCoalesce(b *graph.Builder, step *StepSpec, asm *Assembly) error {
	settings := engine.CoalesceSettings{
		Name:         step.NodeID,
		NodeID:       step.NodeID,
		Branches:     step.Branches,
		Policy:       engine.CoalescePolicy(step.Policy),
		Merge:        engine.MergeStrategy(step.Merge),
		SelectBranch: step.SelectBranch,
		QuorumCount:  step.QuorumCount,
	}

	if step.Timeout != "" {
		d, err := parseDuration("timeout", step.Timeout)
		if err != nil {
			return fmt.Errorf("coalesce %q: %w", step.NodeID, err)
		}

		settings.Timeout = d
	}

	asm.Coalesces = append(asm.Coalesces, settings)

	b.AddCoalesce(graph.Node{
		ID:           step.NodeID,
		PluginName:   "coalesce",
		Config:       coalesceAuditConfig(step),
		SchemaConfig: step.Schema,
	}, step.Branches)

	return nil
}

func coalesceAuditConfig(step *StepSpec) map[string]any {
	cfg := map[string]any{
		"branches": step.Branches,
		"policy":   step.Policy,
		"merge":    step.Merge,
	}

	if step.SelectBranch != "" {
		cfg["select_branch"] = step.SelectBranch
	}

	if step.QuorumCount > 0 {
		cfg["quorum_count"] = step.QuorumCount
	}

	if step.Timeout != "" {
		cfg["timeout"] = step.Timeout
	}

	return cfg
}

func assembleSinks(b *graph.Builder, spec *Spec, reg *Registry, asm *Assembly) error {
	// Sorted so node registration and edge derivation are deterministic
	// across runs of the same file.
	names := make([]string, 0, len(spec.Sinks))
	for name := range spec.Sinks {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		sinkSpec := spec.Sinks[name]

		factory, ok := reg.sinks[sinkSpec.Plugin]
		if !ok {
			return fmt.Errorf("unknown sink plugin %q", sinkSpec.Plugin)
		}

		sink, err := factory(sinkSpec.NodeID, sinkSpec.Options)
		if err != nil {
			return fmt.Errorf("sink %q: %w", name, err)
		}

		asm.Sinks[name] = sink

		b.AddSink(name, graph.Node{
			ID:            sinkSpec.NodeID,
			PluginName:    sinkSpec.Plugin,
			PluginVersion: sink.Info().Version,
			Config:        sinkSpec.Options,
			SchemaConfig:  sinkSpec.Schema,
		})
	}

	b.SetDefaultSink(spec.DefaultSink)

	return nil
}

// withErrorDest returns tr with Info().OnError forced to dest. The
// wrapped value keeps its batch capability, so the aggregation
// assertion still sees ProcessBatch.
func withErrorDest(tr plugin.Transform, dest string) plugin.Transform {
	if tr.Info().OnError == dest {
		return tr
	}

	if bt, ok := tr.(plugin.BatchTransform); ok {
		return &errorDestBatchTransform{BatchTransform: bt, dest: dest}
	}

	return &errorDestTransform{Transform: tr, dest: dest}
}

type errorDestTransform struct {
	plugin.Transform
	dest string
}

func (t *errorDestTransform) Info() plugin.TransformInfo {
	info := t.Transform.Info()
	info.OnError = t.dest

	return info
}

type errorDestBatchTransform struct {
	plugin.BatchTransform
	dest string
}

func (t *errorDestBatchTransform) Info() plugin.TransformInfo {
	info := t.BatchTransform.Info()
	info.OnError = t.dest

	return info
}

func buildRetry(spec *RetrySpec) (*engine.RetryConfig, error) {
	if spec == nil {
		return nil, nil
	}

	cfg := engine.DefaultRetryConfig()

	if spec.MaxAttempts < 0 {
		return nil, errors.New("retry: max_attempts must not be negative")
	}

	if spec.MaxAttempts > 0 {
		cfg.MaxAttempts = spec.MaxAttempts
	}

	if spec.InitialDelay != "" {
		d, err := parseDuration("initial_delay", spec.InitialDelay)
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}

		cfg.InitialDelay = d
	}

	if spec.MaxDelay != "" {
		d, err := parseDuration("max_delay", spec.MaxDelay)
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}

		cfg.MaxDelay = d
	}

	if spec.Multiplier != 0 {
		if spec.Multiplier < 1 {
			return nil, errors.New("retry: multiplier must be at least 1")
		}

		cfg.Multiplier = spec.Multiplier
	}

	if spec.Jitter != 0 {
		if spec.Jitter < 0 || spec.Jitter > 1 {
			return nil, errors.New("retry: jitter must be between 0 and 1")
		}

		cfg.Jitter = spec.Jitter
	}

	return &cfg, nil
}

func buildPayloadStore(ctx context.Context, spec *PayloadStoreSpec) (payload.Store, error) {
	if spec == nil {
		return nil, nil
	}

	switch spec.Backend {
	case BackendFilesystem:
		if spec.Path == "" {
			return nil, errors.New("payload_store: path is required for the filesystem backend")
		}

		var retention time.Duration

		if spec.Retention != "" {
			d, err := parseDuration("retention", spec.Retention)
			if err != nil {
				return nil, fmt.Errorf("payload_store: %w", err)
			}

			retention = d
		}

		return payload.NewFilesystemStore(spec.Path, retention)
	case BackendRedis:
		if spec.Addr == "" {
			return nil, errors.New("payload_store: addr is required for the redis backend")
		}

		var ttl time.Duration

		if spec.TTL != "" {
			d, err := parseDuration("ttl", spec.TTL)
			if err != nil {
				return nil, fmt.Errorf("payload_store: %w", err)
			}

			ttl = d
		}

		return payload.NewRedisStore(ctx, spec.Addr, spec.Password, spec.DB, ttl)
	case BackendMemory:
		return payload.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("payload_store: unknown backend %q", spec.Backend)
	}
}
