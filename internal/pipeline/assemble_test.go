package pipeline

import (
	"context"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/engine"
	"github.com/loom-io/loom/internal/graph"
	"github.com/loom-io/loom/internal/payload"
	"github.com/loom-io/loom/internal/plugin"
)

// upperTransform uppercases string fields. onError is the plugin's own
// declared destination, for testing how assembly reconciles it with the
// step's on_error.
type upperTransform struct {
	nodeID  string
	onError string
}

func (t *upperTransform) Info() plugin.TransformInfo {
	return plugin.TransformInfo{
		Name:        "upper",
		NodeID:      t.nodeID,
		Version:     "0.1.0",
		Determinism: plugin.Deterministic,
		OnError:     t.onError,
	}
}

func (t *upperTransform) Process(_ context.Context, row map[string]any, _ *plugin.Context) (plugin.TransformResult, error) {
	out := maps.Clone(row)
	for k, v := range out {
		if s, ok := v.(string); ok {
			out[k] = strings.ToUpper(s)
		}
	}

	return plugin.Success(out), nil
}

func (t *upperTransform) OnStart(context.Context, *plugin.Context) error    { return nil }
func (t *upperTransform) OnComplete(context.Context, *plugin.Context) error { return nil }
func (t *upperTransform) Close() error                                      { return nil }

// statsTransform passes batches through unchanged.
type statsTransform struct{ nodeID string }

func (t *statsTransform) Info() plugin.TransformInfo {
	return plugin.TransformInfo{
		Name:        "stats",
		NodeID:      t.nodeID,
		Version:     "0.1.0",
		Determinism: plugin.Deterministic,
		BatchAware:  true,
	}
}

func (t *statsTransform) Process(_ context.Context, row map[string]any, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.Success(row), nil
}

func (t *statsTransform) ProcessBatch(_ context.Context, rows []map[string]any, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.SuccessMulti(rows), nil
}

func (t *statsTransform) OnStart(context.Context, *plugin.Context) error    { return nil }
func (t *statsTransform) OnComplete(context.Context, *plugin.Context) error { return nil }
func (t *statsTransform) Close() error                                      { return nil }

type passGate struct{ nodeID string }

func (g *passGate) Info() plugin.GateInfo {
	return plugin.GateInfo{Name: "threshold", NodeID: g.nodeID, Version: "0.1.0"}
}

func (g *passGate) Evaluate(_ context.Context, row map[string]any, _ *plugin.Context) (plugin.GateResult, error) {
	return plugin.Continue(row), nil
}

func (g *passGate) OnStart(context.Context, *plugin.Context) error    { return nil }
func (g *passGate) OnComplete(context.Context, *plugin.Context) error { return nil }
func (g *passGate) Close() error                                      { return nil }

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	reg := Builtins()
	require.NoError(t, reg.RegisterTransform("upper", func(nodeID string, _ map[string]any) (plugin.Transform, error) {
		return &upperTransform{nodeID: nodeID}, nil
	}))
	require.NoError(t, reg.RegisterTransform("stats", func(nodeID string, _ map[string]any) (plugin.Transform, error) {
		return &statsTransform{nodeID: nodeID}, nil
	}))
	require.NoError(t, reg.RegisterGate("threshold", func(nodeID string, _ map[string]any) (plugin.Gate, error) {
		return &passGate{nodeID: nodeID}, nil
	}))

	return reg
}

func minimalSpec() *Spec {
	return &Spec{
		Source:      SourceSpec{Plugin: "static", Options: map[string]any{"rows": []map[string]any{{"id": 1}}}},
		Sinks:       map[string]SinkSpec{"out": {Plugin: "capture"}},
		DefaultSink: "out",
	}
}

func TestAssemble_FullPipeline(t *testing.T) {
	spec, err := Parse([]byte(fullPipelineYAML))
	require.NoError(t, err)

	asm, err := Assemble(context.Background(), spec, testRegistry(t))
	require.NoError(t, err)

	require.Equal(t, "seed", asm.Graph.Source().ID)
	require.Len(t, asm.Graph.Steps(), 4)
	require.Equal(t, []string{"out", "rejects"}, asm.Graph.SinkNames())
	require.Equal(t, "out", asm.Graph.DefaultSink())
	require.Equal(t, "rejects", asm.Graph.OnInvalidSink())

	require.Equal(t, "static", asm.Source.Info().Name)
	require.Equal(t, "seed", asm.Source.Info().NodeID)

	require.Equal(t, "out", asm.Sinks["out"].Info().NodeID)
	require.Equal(t, "reject_rows", asm.Sinks["rejects"].Info().NodeID)

	require.Empty(t, asm.Plugins.Gates)
	require.Equal(t, "row.id > 0", asm.Plugins.ConfigGates["splitter"].Condition)

	// The step's on_error lands in the transform's info, so the
	// executor and the graph's divert edge agree on the destination.
	enrich := asm.Plugins.Transforms["enrich"]
	require.NotNil(t, enrich)
	require.Equal(t, "rejects", enrich.Info().OnError)
	require.Equal(t, "0.1.0", enrich.Info().Version)

	batcher := asm.Plugins.Transforms["batcher"]
	require.NotNil(t, batcher)
	_, isBatch := batcher.(plugin.BatchTransform)
	require.True(t, isBatch)

	require.Equal(t, []engine.AggregationSettings{{
		NodeID:    "batcher",
		MaxCount:  2,
		Timeout:   30 * time.Second,
		Condition: "batch.count >= 2",
	}}, asm.Aggregations)

	require.Equal(t, []engine.CoalesceSettings{{
		Name:        "join",
		NodeID:      "join",
		Branches:    []string{"fast", "slow"},
		Policy:      engine.PolicyQuorum,
		Merge:       engine.MergeNested,
		QuorumCount: 1,
		Timeout:     45 * time.Second,
	}}, asm.Coalesces)

	require.Equal(t, &engine.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}, asm.Retry)

	require.Equal(t, spec.Hash(), asm.ConfigHash)
	require.True(t, asm.Checkpoints)
	require.IsType(t, &payload.MemoryStore{}, asm.PayloadStore)
}

func TestAssemble_SatisfiesEnginePreflight(t *testing.T) {
	spec, err := Parse([]byte(fullPipelineYAML))
	require.NoError(t, err)

	asm, err := Assemble(context.Background(), spec, testRegistry(t))
	require.NoError(t, err)

	store := audit.NewMemoryStore()

	_, err = engine.NewOrchestrator(engine.Config{
		Recorder:         store,
		Reader:           store,
		Graph:            asm.Graph,
		Source:           asm.Source,
		Sinks:            asm.Sinks,
		Plugins:          asm.Plugins,
		BranchSinks:      asm.BranchSinks,
		Aggregations:     asm.Aggregations,
		Coalesces:        asm.Coalesces,
		Retry:            asm.Retry,
		ConfigHash:       asm.ConfigHash,
		CanonicalVersion: audit.CanonicalVersion,
		Checkpoints:      asm.Checkpoints,
	})
	require.NoError(t, err)
}

func TestAssemble_PluginGate(t *testing.T) {
	spec := minimalSpec()
	spec.Steps = []StepSpec{{
		Kind:   KindGate,
		NodeID: "g",
		Plugin: "threshold",
		Routes: map[string]string{"high": "out", "low": "continue"},
	}}

	asm, err := Assemble(context.Background(), spec, testRegistry(t))
	require.NoError(t, err)

	require.NotNil(t, asm.Plugins.Gates["g"])
	require.Empty(t, asm.Plugins.ConfigGates)

	node, ok := asm.Graph.StepNode(1)
	require.True(t, ok)
	require.Equal(t, "threshold", node.PluginName)
	require.Equal(t, "0.1.0", node.PluginVersion)
}

func TestAssemble_TransformErrorDestFallback(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.RegisterTransform("declared", func(nodeID string, _ map[string]any) (plugin.Transform, error) {
		return &upperTransform{nodeID: nodeID, onError: "discard"}, nil
	}))

	t.Run("plugin declaration applies when the step is silent", func(t *testing.T) {
		spec := minimalSpec()
		spec.Steps = []StepSpec{{Kind: KindTransform, NodeID: "tr", Plugin: "declared"}}

		asm, err := Assemble(context.Background(), spec, reg)
		require.NoError(t, err)
		require.Equal(t, "discard", asm.Plugins.Transforms["tr"].Info().OnError)
	})

	t.Run("step on_error overrides the declaration", func(t *testing.T) {
		spec := minimalSpec()
		spec.Steps = []StepSpec{{Kind: KindTransform, NodeID: "tr", Plugin: "declared", OnError: "out"}}

		asm, err := Assemble(context.Background(), spec, reg)
		require.NoError(t, err)
		require.Equal(t, "out", asm.Plugins.Transforms["tr"].Info().OnError)

		_, ok := asm.Graph.ErrorEdgeID("tr")
		require.True(t, ok)
	})
}

func TestAssemble_UnknownPlugins(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr string
	}{
		{
			name:    "source",
			mutate:  func(s *Spec) { s.Source.Plugin = "mystery" },
			wantErr: `unknown source plugin "mystery"`,
		},
		{
			name: "transform",
			mutate: func(s *Spec) {
				s.Steps = []StepSpec{{Kind: KindTransform, NodeID: "tr", Plugin: "mystery"}}
			},
			wantErr: `unknown transform plugin "mystery"`,
		},
		{
			name: "gate",
			mutate: func(s *Spec) {
				s.Steps = []StepSpec{{Kind: KindGate, NodeID: "g", Plugin: "mystery", Routes: map[string]string{"x": "continue"}}}
			},
			wantErr: `unknown gate plugin "mystery"`,
		},
		{
			name:    "sink",
			mutate:  func(s *Spec) { s.Sinks["out"] = SinkSpec{Plugin: "mystery"} },
			wantErr: `unknown sink plugin "mystery"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := minimalSpec()
			tt.mutate(spec)

			_, err := Assemble(context.Background(), spec, testRegistry(t))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAssemble_BadExpressions(t *testing.T) {
	t.Run("gate condition", func(t *testing.T) {
		spec := minimalSpec()
		spec.Steps = []StepSpec{{
			Kind:      KindGate,
			NodeID:    "g",
			Condition: "row.((",
			Routes:    map[string]string{"true": "continue"},
		}}

		_, err := Assemble(context.Background(), spec, testRegistry(t))
		require.Error(t, err)
		require.Contains(t, err.Error(), `gate "g" condition`)
	})

	t.Run("trigger condition", func(t *testing.T) {
		spec := minimalSpec()
		spec.Steps = []StepSpec{{
			Kind:    KindAggregation,
			NodeID:  "b",
			Plugin:  "stats",
			Trigger: &TriggerSpec{Condition: "batch.count >"},
		}}

		_, err := Assemble(context.Background(), spec, testRegistry(t))
		require.Error(t, err)
		require.Contains(t, err.Error(), `aggregation "b" trigger condition`)
	})
}

func TestAssemble_AggregationNeedsBatchTransform(t *testing.T) {
	spec := minimalSpec()
	spec.Steps = []StepSpec{{
		Kind:    KindAggregation,
		NodeID:  "b",
		Plugin:  "upper",
		Trigger: &TriggerSpec{Count: 10},
	}}

	_, err := Assemble(context.Background(), spec, testRegistry(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not implement batch processing")
}

func TestAssemble_GraphValidation(t *testing.T) {
	spec := minimalSpec()
	spec.Steps = []StepSpec{{
		Kind:     KindCoalesce,
		NodeID:   "join",
		Branches: []string{"a", "b"},
		Policy:   "require_all",
		Merge:    "union",
	}}

	_, err := Assemble(context.Background(), spec, testRegistry(t))
	require.Error(t, err)
	require.ErrorIs(t, err, graph.ErrUnboundBranch)
	require.Contains(t, err.Error(), "invalid pipeline graph")
}

func TestAssemble_RetryValidation(t *testing.T) {
	tests := []struct {
		name    string
		retry   *RetrySpec
		wantErr string
	}{
		{
			name:    "negative attempts",
			retry:   &RetrySpec{MaxAttempts: -1},
			wantErr: "max_attempts must not be negative",
		},
		{
			name:    "multiplier below one",
			retry:   &RetrySpec{Multiplier: 0.5},
			wantErr: "multiplier must be at least 1",
		},
		{
			name:    "jitter above one",
			retry:   &RetrySpec{Jitter: 1.5},
			wantErr: "jitter must be between 0 and 1",
		},
		{
			name:    "bad delay",
			retry:   &RetrySpec{InitialDelay: "soon"},
			wantErr: "not a valid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := minimalSpec()
			spec.Retry = tt.retry

			_, err := Assemble(context.Background(), spec, testRegistry(t))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults fill unset fields", func(t *testing.T) {
		spec := minimalSpec()
		spec.Retry = &RetrySpec{MaxAttempts: 7}

		asm, err := Assemble(context.Background(), spec, testRegistry(t))
		require.NoError(t, err)
		require.Equal(t, 7, asm.Retry.MaxAttempts)
		require.Equal(t, 100*time.Millisecond, asm.Retry.InitialDelay)
	})

	t.Run("nil retry stays nil", func(t *testing.T) {
		asm, err := Assemble(context.Background(), minimalSpec(), testRegistry(t))
		require.NoError(t, err)
		require.Nil(t, asm.Retry)
	})
}

func TestAssemble_PayloadStores(t *testing.T) {
	t.Run("nil spec means no store", func(t *testing.T) {
		asm, err := Assemble(context.Background(), minimalSpec(), testRegistry(t))
		require.NoError(t, err)
		require.Nil(t, asm.PayloadStore)
	})

	t.Run("filesystem", func(t *testing.T) {
		spec := minimalSpec()
		spec.PayloadStore = &PayloadStoreSpec{Backend: BackendFilesystem, Path: t.TempDir(), Retention: "720h"}

		asm, err := Assemble(context.Background(), spec, testRegistry(t))
		require.NoError(t, err)
		require.IsType(t, &payload.FilesystemStore{}, asm.PayloadStore)
	})

	t.Run("filesystem requires path", func(t *testing.T) {
		spec := minimalSpec()
		spec.PayloadStore = &PayloadStoreSpec{Backend: BackendFilesystem}

		_, err := Assemble(context.Background(), spec, testRegistry(t))
		require.Error(t, err)
		require.Contains(t, err.Error(), "path is required")
	})

	t.Run("unknown backend", func(t *testing.T) {
		spec := minimalSpec()
		spec.PayloadStore = &PayloadStoreSpec{Backend: "s3"}

		_, err := Assemble(context.Background(), spec, testRegistry(t))
		require.Error(t, err)
		require.Contains(t, err.Error(), `unknown backend "s3"`)
	})
}

func TestBuiltins_ShippedPlugins(t *testing.T) {
	reg := Builtins()

	for _, name := range []string{"csv", "jsonl", "kafka", "static"} {
		require.Contains(t, reg.sources, name)
	}

	for _, name := range []string{"csv", "jsonl", "kafka", "capture"} {
		require.Contains(t, reg.sinks, name)
	}

	require.Empty(t, reg.transforms)
	require.Empty(t, reg.gates)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.RegisterSource("x", nil))
	require.ErrorContains(t, reg.RegisterSource("x", nil), "already registered")

	require.NoError(t, reg.RegisterTransform("x", nil))
	require.ErrorContains(t, reg.RegisterTransform("x", nil), "already registered")

	require.NoError(t, reg.RegisterGate("x", nil))
	require.ErrorContains(t, reg.RegisterGate("x", nil), "already registered")

	require.NoError(t, reg.RegisterSink("x", nil))
	require.ErrorContains(t, reg.RegisterSink("x", nil), "already registered")
}
