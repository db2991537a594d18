// Package engine executes pipeline runs. The orchestrator drives a
// source through the row processor's dispatch loop, per-node executors
// record every attempt in the audit trail, and the run ends with every
// token either delivered to a sink or closed with a terminal outcome.
// Row dispatch is single-threaded; concurrency lives inside plugins
// behind the worker pool.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/expr"
	"github.com/loom-io/loom/internal/graph"
	"github.com/loom-io/loom/internal/plugin"
)

// Progress cadence: the first row, every hundredth row, and any row
// arriving after a quiet stretch all emit a progress event.
const (
	progressRowInterval  = 100
	progressTimeInterval = 5 * time.Second
)

// recoveredIncomplete is the trigger reason stamped on batches a resume
// found open but could not continue.
const recoveredIncomplete = "recovered_incomplete"

// Config wires one pipeline run. Recorder, Graph, Source, and Sinks are
// required; Reader is needed for Resume and checkpoint recovery. A nil
// Retry means transforms get a single attempt, with raised retryable
// errors diverting per the transform's error destination.
type Config struct {
	Recorder audit.Recorder
	Reader   audit.Reader

	Graph       *graph.Graph
	Source      plugin.Source
	Sinks       map[string]plugin.Sink
	Plugins     NodePlugins
	BranchSinks map[string]string

	Aggregations []AggregationSettings
	Coalesces    []CoalesceSettings
	Retry        *RetryConfig

	ConfigHash       string
	CanonicalVersion string
	Checkpoints      bool

	Events Events
	Clock  Clock
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Orchestrator executes one pipeline run, or one resume of an
// interrupted run. Create a fresh orchestrator per run; it closes its
// plugins when the run ends and must not be reused.
type Orchestrator struct {
	rec audit.Recorder
	rd  audit.Reader

	graph       *graph.Graph
	source      plugin.Source
	sinks       map[string]plugin.Sink
	plugins     NodePlugins
	branchSinks map[string]string

	aggregations []AggregationSettings
	coalesces    []CoalesceSettings
	retry        *RetryManager

	configHash       string
	canonicalVersion string
	checkpoints      bool

	events Events
	clock  Clock
	spans  *Spans
	logger *slog.Logger

	pluginsClosed bool
}

// NewOrchestrator validates the wiring against the graph before
// anything runs: every step node needs its plugin, every declared sink
// its implementation, and aggregation and coalesce settings must land
// on nodes of the right type. Configuration mistakes surface here and
// the run never starts.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Recorder == nil:
		return nil, errors.New("orchestrator requires a recorder")
	case cfg.Graph == nil:
		return nil, errors.New("orchestrator requires a graph")
	case cfg.Source == nil:
		return nil, errors.New("orchestrator requires a source plugin")
	case len(cfg.Sinks) == 0:
		return nil, errors.New("orchestrator requires at least one sink plugin")
	}

	if cfg.Events == nil {
		cfg.Events = NopEvents{}
	}

	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	o := &Orchestrator{
		rec:              cfg.Recorder,
		rd:               cfg.Reader,
		graph:            cfg.Graph,
		source:           cfg.Source,
		sinks:            cfg.Sinks,
		plugins:          cfg.Plugins,
		branchSinks:      cfg.BranchSinks,
		aggregations:     cfg.Aggregations,
		coalesces:        cfg.Coalesces,
		configHash:       cfg.ConfigHash,
		canonicalVersion: cfg.CanonicalVersion,
		checkpoints:      cfg.Checkpoints,
		events:           cfg.Events,
		clock:            cfg.Clock,
		spans:            NewSpans(cfg.Tracer),
		logger:           cfg.Logger,
	}

	if cfg.Retry != nil {
		o.retry = NewRetryManager(*cfg.Retry)
	}

	if err := o.preflight(); err != nil {
		return nil, err
	}

	return o, nil
}

func (o *Orchestrator) preflight() error {
	g := o.graph

	if got := o.source.Info().NodeID; got != g.Source().ID {
		return fmt.Errorf("source plugin is bound to node %q, graph expects %q", got, g.Source().ID)
	}

	aggNodes := make(map[string]bool, len(o.aggregations))
	for _, s := range o.aggregations {
		aggNodes[s.NodeID] = true
	}

	coalesceNodes := make(map[string]bool, len(o.coalesces))
	for _, s := range o.coalesces {
		coalesceNodes[s.NodeID] = true
	}

	for _, node := range g.Steps() {
		switch node.Type {
		case audit.NodeTransform:
			if o.plugins.Transforms[node.ID] == nil {
				return fmt.Errorf("no transform plugin for node %q", node.ID)
			}
		case audit.NodeAggregation:
			tr := o.plugins.Transforms[node.ID]
			if tr == nil {
				return fmt.Errorf("no transform plugin for aggregation node %q", node.ID)
			}

			if _, ok := tr.(plugin.BatchTransform); !ok {
				return fmt.Errorf("transform for aggregation node %q does not implement batch processing", node.ID)
			}

			if !aggNodes[node.ID] {
				return fmt.Errorf("aggregation node %q has no aggregation settings", node.ID)
			}
		case audit.NodeGate:
			_, configGate := o.plugins.ConfigGates[node.ID]
			if o.plugins.Gates[node.ID] == nil && !configGate {
				return fmt.Errorf("no gate for node %q", node.ID)
			}
		case audit.NodeCoalesce:
			if !coalesceNodes[node.ID] {
				return fmt.Errorf("coalesce node %q has no coalesce settings", node.ID)
			}
		}
	}

	for _, s := range o.aggregations {
		step, ok := g.StepIndex(s.NodeID)
		if !ok || step == 0 {
			return fmt.Errorf("aggregation settings name node %q, which is not a pipeline step", s.NodeID)
		}

		if node, _ := g.StepNode(step); node.Type != audit.NodeAggregation {
			return fmt.Errorf("aggregation settings name node %q, which is a %s node", s.NodeID, node.Type)
		}
	}

	for _, s := range o.coalesces {
		want := g.CoalesceBranches(s.NodeID)
		if len(want) == 0 {
			return fmt.Errorf("coalesce %q names node %q, which is not a coalesce step", s.Name, s.NodeID)
		}

		got := make([]string, len(s.Branches))
		copy(got, s.Branches)
		sort.Strings(got)
		sort.Strings(want)

		if len(got) != len(want) {
			return fmt.Errorf("coalesce %q expects branches %v, graph declares %v", s.Name, got, want)
		}

		for i := range got {
			if got[i] != want[i] {
				return fmt.Errorf("coalesce %q expects branches %v, graph declares %v", s.Name, got, want)
			}
		}
	}

	for _, name := range g.SinkNames() {
		sink := o.sinks[name]
		if sink == nil {
			return fmt.Errorf("no sink plugin for sink %q", name)
		}

		node, _ := g.SinkNode(name)
		if got := sink.Info().NodeID; got != node.ID {
			return fmt.Errorf("sink %q plugin is bound to node %q, graph expects %q", name, got, node.ID)
		}
	}

	for name := range o.sinks {
		if _, ok := g.SinkNode(name); !ok {
			return fmt.Errorf("sink plugin %q is not declared in the graph", name)
		}
	}

	for branch, sinkName := range o.branchSinks {
		if _, ok := g.SinkNode(sinkName); !ok {
			return fmt.Errorf("branch %q routes to unknown sink %q", branch, sinkName)
		}
	}

	return nil
}

// wiring bundles the executors built for one run.
type wiring struct {
	edges          EdgeMap
	quarantineEdge string
	pc             *plugin.Context
	tokens         *TokenManager
	agg            *AggregationExecutor
	coalesce       *CoalesceExecutor
	sink           *SinkExecutor
	processor      *RowProcessor
}

// runState carries one run's mutable progress: the counters, the
// deliveries owed to each sink in arrival order, and the progress
// event bookkeeping.
type runState struct {
	runID        string
	start        time.Time
	rt           *wiring
	counters     *runCounters
	deliveries   map[string][]Delivery
	lastProgress time.Time
}

func (s *runState) collect(res *ProcessResult) {
	for _, r := range res.Results {
		s.counters.count(r)
	}

	for _, d := range res.Deliveries {
		s.deliveries[d.SinkName] = append(s.deliveries[d.SinkName], d)
	}
}

// Run executes the pipeline to completion. The returned result is the
// run summary; on failure it carries whatever the counters accumulated
// before the run died, alongside the error.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	start := time.Now()

	run, err := o.rec.BeginRun(ctx, o.configHash, o.canonicalVersion)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to begin run: %w", err)
	}

	ctx, span := o.spans.Run(ctx, run.ID)
	defer span.End()

	state := &runState{
		runID:        run.ID,
		start:        start,
		counters:     newRunCounters(),
		deliveries:   make(map[string][]Delivery),
		lastProgress: o.clock.Now(),
	}

	edges, quarantineEdge, err := o.registerGraph(ctx, run.ID)
	if err != nil {
		return o.failRun(ctx, state, PhaseSource, "registration", err)
	}

	state.rt, err = o.buildWiring(run.ID, edges, quarantineEdge)
	if err != nil {
		return o.failRun(ctx, state, PhaseSource, "wiring", err)
	}

	if err := o.startPlugins(ctx, state.rt.pc, true); err != nil {
		o.closePlugins(true)

		return o.failRun(ctx, state, PhaseSource, o.source.Info().Name, err)
	}
	defer o.closePlugins(true)

	rows, err := o.sourcePhase(ctx, state)
	if err != nil {
		return o.failRun(ctx, state, PhaseSource, o.source.Info().Name, err)
	}

	if err := o.processPhase(ctx, state, rows); err != nil {
		return o.failRun(ctx, state, PhaseProcess, "dispatch", err)
	}

	if err := o.sinkPhase(ctx, state); err != nil {
		return o.failRun(ctx, state, PhaseSink, "delivery", err)
	}

	if err := o.completePlugins(ctx, state.rt.pc); err != nil {
		return o.failRun(ctx, state, PhaseSink, "lifecycle", err)
	}

	if err := o.rec.CompleteRun(ctx, run.ID, audit.RunCompleted); err != nil {
		return o.failRun(ctx, state, PhaseSink, "bookkeeping", err)
	}

	result := state.counters.result(run.ID, audit.RunCompleted, time.Since(start))
	o.events.Summary(result)

	return result, nil
}

// Resume picks up an interrupted run: aggregation buffers come back
// from their checkpoints, stale batches are reconciled, and the
// recovered rows flush through the remaining pipeline to the sinks.
// The source is not re-driven; resume settles what the crash left in
// flight.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (RunResult, error) {
	if o.rd == nil {
		return RunResult{}, errors.New("resume requires an audit reader")
	}

	run, err := o.rd.GetRun(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	if run.Status != audit.RunRunning {
		return RunResult{}, fmt.Errorf("run %s is %s; only interrupted runs resume", runID, run.Status)
	}

	start := time.Now()

	ctx, span := o.spans.Run(ctx, runID)
	defer span.End()

	state := &runState{
		runID:        runID,
		start:        start,
		counters:     newRunCounters(),
		deliveries:   make(map[string][]Delivery),
		lastProgress: o.clock.Now(),
	}

	edges, quarantineEdge, err := o.loadEdges(ctx, runID)
	if err != nil {
		return o.failRun(ctx, state, PhaseProcess, "recovery", err)
	}

	state.rt, err = o.buildWiring(runID, edges, quarantineEdge)
	if err != nil {
		return o.failRun(ctx, state, PhaseProcess, "wiring", err)
	}

	if err := o.startPlugins(ctx, state.rt.pc, false); err != nil {
		o.closePlugins(false)

		return o.failRun(ctx, state, PhaseProcess, "lifecycle", err)
	}
	defer o.closePlugins(false)

	restored, err := o.restoreBuffers(ctx, state)
	if err != nil {
		return o.failRun(ctx, state, PhaseProcess, "recovery", err)
	}

	o.events.PhaseStarted(PhaseProcess, fmt.Sprintf("%d recovered rows", restored))
	phaseStart := time.Now()

	for _, nodeID := range state.rt.agg.Nodes() {
		res, ferr := state.rt.processor.FlushAggregation(ctx, runID, nodeID, TriggerEndOfSource)
		if ferr != nil {
			return o.failRun(ctx, state, PhaseProcess, nodeID, ferr)
		}

		state.collect(res)
	}

	res, err := state.rt.processor.FlushCoalesces(ctx, runID)
	if err != nil {
		return o.failRun(ctx, state, PhaseProcess, "coalesce", err)
	}

	state.collect(res)

	o.events.PhaseCompleted(PhaseProcess, time.Since(phaseStart))

	if err := o.sinkPhase(ctx, state); err != nil {
		return o.failRun(ctx, state, PhaseSink, "delivery", err)
	}

	if err := o.completePlugins(ctx, state.rt.pc); err != nil {
		return o.failRun(ctx, state, PhaseSink, "lifecycle", err)
	}

	if err := o.rec.CompleteRun(ctx, runID, audit.RunCompleted); err != nil {
		return o.failRun(ctx, state, PhaseSink, "bookkeeping", err)
	}

	result := state.counters.result(runID, audit.RunCompleted, time.Since(start))
	o.events.Summary(result)

	return result, nil
}

// failRun settles a dying run: one phase error event, held states and
// open batches closed, the run marked failed. The returned result
// carries whatever the counters saw before the failure.
func (o *Orchestrator) failRun(ctx context.Context, state *runState, phase Phase, target string, cause error) (RunResult, error) {
	o.events.PhaseError(phase, target, cause)
	trace.SpanFromContext(ctx).RecordError(cause)

	// Cleanup writes must survive the cancellation that may have killed
	// the run.
	cctx := context.WithoutCancel(ctx)

	if state.rt != nil {
		if err := state.rt.coalesce.FailOpenStates(cctx, cause.Error()); err != nil {
			o.logger.Error("failed to close held coalesce states",
				"run_id", state.runID,
				"error", err)
		}

		trigger := TriggerRunFailed
		if ctx.Err() != nil {
			trigger = TriggerRunCancelled
		}

		for _, nodeID := range state.rt.agg.Nodes() {
			if err := state.rt.agg.FailOpenBatch(cctx, nodeID, trigger); err != nil {
				o.logger.Error("failed to close open batch",
					"run_id", state.runID,
					"node_id", nodeID,
					"error", err)
			}
		}
	}

	if err := o.rec.CompleteRun(cctx, state.runID, audit.RunFailed); err != nil {
		o.logger.Error("failed to mark run failed", "run_id", state.runID, "error", err)
	}

	result := state.counters.result(state.runID, audit.RunFailed, time.Since(state.start))
	o.events.Summary(result)

	return result, cause
}

// registerGraph records the run's nodes and edges, minting an audit id
// per edge. Executors route against audit ids, so the returned map
// links each graph edge to its registered identity.
func (o *Orchestrator) registerGraph(ctx context.Context, runID string) (EdgeMap, string, error) {
	for _, node := range o.graph.Nodes() {
		err := o.rec.RegisterNode(ctx, &audit.Node{
			RunID:         runID,
			ID:            node.ID,
			PluginName:    node.PluginName,
			Type:          node.Type,
			PluginVersion: node.PluginVersion,
			Config:        node.Config,
			SchemaConfig:  node.SchemaConfig,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to register node %s: %w", node.ID, err)
		}
	}

	quarantineLocal, _ := o.graph.QuarantineEdgeID()

	edges := make(EdgeMap, len(o.graph.Edges()))
	quarantineEdge := ""

	for _, e := range o.graph.Edges() {
		auditID := uuid.NewString()

		err := o.rec.RegisterEdge(ctx, &audit.Edge{
			RunID:    runID,
			ID:       auditID,
			FromNode: e.From,
			ToNode:   e.To,
			Label:    e.Label,
			Mode:     e.Mode,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to register edge %s->%s: %w", e.From, e.To, err)
		}

		edges[graph.EdgeKey{From: e.From, Label: e.Label}] = auditID

		if quarantineLocal != "" && e.ID == quarantineLocal {
			quarantineEdge = auditID
		}
	}

	return edges, quarantineEdge, nil
}

// loadEdges rebuilds the audit edge map from a prior registration.
func (o *Orchestrator) loadEdges(ctx context.Context, runID string) (EdgeMap, string, error) {
	stored, err := o.rd.GetEdges(ctx, runID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load edges for run %s: %w", runID, err)
	}

	edges := make(EdgeMap, len(stored))
	quarantineEdge := ""

	for _, e := range stored {
		edges[graph.EdgeKey{From: e.FromNode, Label: e.Label}] = e.ID

		if e.Label == graph.LabelQuarantine {
			quarantineEdge = e.ID
		}
	}

	return edges, quarantineEdge, nil
}

func (o *Orchestrator) buildWiring(runID string, edges EdgeMap, quarantineEdge string) (*wiring, error) {
	eval, err := expr.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression evaluator: %w", err)
	}

	pc := plugin.NewContext(runID)
	tokens := NewTokenManager(o.rec)
	agg := NewAggregationExecutor(o.rec, eval, o.clock, o.logger, o.aggregations)

	coalesce, err := NewCoalesceExecutor(o.rec, tokens, o.clock, o.coalesces)
	if err != nil {
		return nil, err
	}

	processor, err := NewRowProcessor(ProcessorConfig{
		Recorder:      o.rec,
		Graph:         o.graph,
		Tokens:        tokens,
		Transforms:    NewTransformExecutor(o.rec, o.graph, edges),
		Gates:         NewGateExecutor(o.rec, o.graph, edges, tokens, eval),
		Aggregations:  agg,
		Coalesces:     coalesce,
		Retry:         o.retry,
		Plugins:       o.plugins,
		BranchSinks:   o.branchSinks,
		PluginContext: pc,
		Spans:         o.spans,
		Logger:        o.logger,
	})
	if err != nil {
		return nil, err
	}

	return &wiring{
		edges:          edges,
		quarantineEdge: quarantineEdge,
		pc:             pc,
		tokens:         tokens,
		agg:            agg,
		coalesce:       coalesce,
		sink:           NewSinkExecutor(o.rec, o.logger),
		processor:      processor,
	}, nil
}

// sourcePhase starts the source and drains its iterator. Rows are
// collected before processing begins so the phases stay strictly
// ordered and sink delivery order follows source row order exactly.
func (o *Orchestrator) sourcePhase(ctx context.Context, state *runState) ([]plugin.SourceRow, error) {
	info := o.source.Info()

	o.events.PhaseStarted(PhaseSource, info.Name)
	phaseStart := time.Now()

	spc := state.rt.pc.WithState(o.graph.Source().ID, "", 0)

	lctx, span := o.spans.SourceLoad(ctx, info.Name)
	defer span.End()

	iter, err := o.source.Load(lctx, spc)
	if err != nil {
		return nil, fmt.Errorf("source %s failed to load: %w", info.Name, err)
	}

	var rows []plugin.SourceRow

	for {
		row, ok, nerr := iter.Next(lctx)
		if nerr != nil {
			if cerr := iter.Close(); cerr != nil {
				o.logger.Warn("source iterator close failed", "source", info.Name, "error", cerr)
			}

			return nil, fmt.Errorf("source %s failed mid-iteration: %w", info.Name, nerr)
		}

		if !ok {
			break
		}

		rows = append(rows, row)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("source %s iterator close failed: %w", info.Name, err)
	}

	if err := o.source.OnComplete(ctx, spc); err != nil {
		return nil, fmt.Errorf("source %s completion failed: %w", info.Name, err)
	}

	o.events.PhaseCompleted(PhaseSource, time.Since(phaseStart))

	return rows, nil
}

func (o *Orchestrator) processPhase(ctx context.Context, state *runState, rows []plugin.SourceRow) error {
	o.events.PhaseStarted(PhaseProcess, fmt.Sprintf("%d rows", len(rows)))
	phaseStart := time.Now()

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled after %d rows: %w", i, err)
		}

		// Timeout triggers are sampled on every arrival, so an aged
		// batch flushes even when its own node sees no new rows.
		if err := o.sweepAggregationTimeouts(ctx, state); err != nil {
			return err
		}

		rctx, span := o.spans.Row(ctx, i)
		err := o.dispatchRow(rctx, state, i, row)
		span.End()

		if err != nil {
			return err
		}

		state.counters.rowsProcessed++

		res, err := state.rt.processor.CheckCoalesceTimeouts(ctx, state.runID)
		if err != nil {
			return err
		}

		state.collect(res)

		if o.checkpoints {
			if err := o.saveBufferCheckpoints(ctx, state); err != nil {
				return err
			}
		}

		o.maybeProgress(state, i)
	}

	for _, nodeID := range state.rt.agg.Nodes() {
		res, err := state.rt.processor.FlushAggregation(ctx, state.runID, nodeID, TriggerEndOfSource)
		if err != nil {
			return err
		}

		state.collect(res)
	}

	res, err := state.rt.processor.FlushCoalesces(ctx, state.runID)
	if err != nil {
		return err
	}

	state.collect(res)

	o.events.PhaseCompleted(PhaseProcess, time.Since(phaseStart))

	return nil
}

func (o *Orchestrator) dispatchRow(ctx context.Context, state *runState, rowIndex int, row plugin.SourceRow) error {
	if !row.Valid() {
		return o.quarantineRow(ctx, state, rowIndex, row.Reason)
	}

	token, err := state.rt.tokens.CreateInitialToken(ctx, state.runID, o.graph.Source().ID, rowIndex, row.Data)
	if err != nil {
		return err
	}

	res, err := state.rt.processor.ProcessRow(ctx, state.runID, token)
	if err != nil {
		return err
	}

	state.collect(res)

	return nil
}

// quarantineRow admits an invalid source row far enough to audit it: a
// token whose payload is the declared reason, a failed source state,
// and either an immediate quarantined outcome or a divert to the
// source's on_invalid sink.
func (o *Orchestrator) quarantineRow(ctx context.Context, state *runState, rowIndex int, reason map[string]any) error {
	rt := state.rt

	token, err := rt.tokens.CreateQuarantineToken(ctx, state.runID, o.graph.Source().ID, rowIndex, reason)
	if err != nil {
		return err
	}

	ns, err := o.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     state.runID,
		TokenID:   token.ID,
		NodeID:    o.graph.Source().ID,
		StepIndex: 0,
		Attempt:   0,
		Input:     reason,
	})
	if err != nil {
		return fmt.Errorf("failed to open source state for invalid row %d: %w", rowIndex, err)
	}

	errorJSON, err := json.Marshal(reason)
	if err != nil {
		return fmt.Errorf("invalid row %d carries a non-serializable reason: %w", rowIndex, err)
	}

	err = o.rec.CompleteNodeState(ctx, ns.ID, audit.CompleteNodeStateParams{
		Status:     audit.StateFailed,
		DurationMS: 0,
		ErrorJSON:  errorJSON,
	})
	if err != nil {
		return fmt.Errorf("failed to close source state for invalid row %d: %w", rowIndex, err)
	}

	hash, err := errorHash(reason)
	if err != nil {
		return err
	}

	sinkName := o.graph.OnInvalidSink()
	if sinkName == "" || sinkName == plugin.OnErrorDiscard {
		err := o.rec.RecordOutcome(ctx, audit.OutcomeParams{
			TokenID:   token.ID,
			Outcome:   audit.OutcomeQuarantined,
			ErrorHash: hash,
		})
		if err != nil {
			return fmt.Errorf("failed to record quarantined outcome for row %d: %w", rowIndex, err)
		}

		state.counters.count(TokenResult{Token: token, Outcome: audit.OutcomeQuarantined, ErrorHash: hash})

		return nil
	}

	if rt.quarantineEdge == "" {
		return invariantf("source routes invalid rows to %s but no quarantine edge is registered", sinkName)
	}

	_, err = o.rec.RecordRoutingEvent(ctx, audit.RoutingEventParams{
		RunID:       state.runID,
		FromStateID: ns.ID,
		EdgeID:      rt.quarantineEdge,
		Mode:        audit.EdgeDivert,
		ReasonHash:  hash,
	})
	if err != nil {
		return fmt.Errorf("failed to record quarantine divert for row %d: %w", rowIndex, err)
	}

	state.deliveries[sinkName] = append(state.deliveries[sinkName], Delivery{
		SinkName: sinkName,
		Token:    token,
		Pending:  &PendingOutcome{Outcome: audit.OutcomeQuarantined, ErrorHash: hash},
	})

	return nil
}

func (o *Orchestrator) sweepAggregationTimeouts(ctx context.Context, state *runState) error {
	for _, nodeID := range state.rt.agg.Nodes() {
		trigger, fire := state.rt.agg.CheckTimeout(nodeID)
		if !fire {
			continue
		}

		res, err := state.rt.processor.FlushAggregation(ctx, state.runID, nodeID, trigger)
		if err != nil {
			return err
		}

		state.collect(res)
	}

	return nil
}

// saveBufferCheckpoints persists non-empty aggregation buffers. Drained
// checkpoints are deleted later, at sink-write boundaries, so a crash
// between a flush and its sink writes can still replay the batch.
func (o *Orchestrator) saveBufferCheckpoints(ctx context.Context, state *runState) error {
	for _, nodeID := range state.rt.agg.Nodes() {
		cp, err := state.rt.agg.CheckpointState(nodeID)
		if err != nil {
			return err
		}

		if cp == nil {
			continue
		}

		if err := o.rec.SaveCheckpoint(ctx, state.runID, nodeID, CheckpointVersion, cp); err != nil {
			return fmt.Errorf("failed to save checkpoint for node %s: %w", nodeID, err)
		}
	}

	return nil
}

func (o *Orchestrator) maybeProgress(state *runState, rowIndex int) {
	now := o.clock.Now()

	first := rowIndex == 0
	interval := (rowIndex+1)%progressRowInterval == 0
	aged := now.Sub(state.lastProgress) >= progressTimeInterval

	if !first && !interval && !aged {
		return
	}

	state.lastProgress = now
	c := state.counters

	o.events.Progress(Progress{
		RowsProcessed:   c.rowsProcessed,
		RowsSucceeded:   c.rowsSucceeded,
		RowsFailed:      c.rowsFailed,
		RowsQuarantined: c.rowsQuarantined,
		Elapsed:         time.Since(state.start),
	})
}

// sinkPhase writes every accumulated delivery, one sink at a time in
// declaration order. Deliveries preserve row order per sink;
// contiguous runs sharing a pending outcome batch into one write, so
// the common case of a straight line of completed rows is a single
// sink call.
func (o *Orchestrator) sinkPhase(ctx context.Context, state *runState) error {
	total := 0
	for _, ds := range state.deliveries {
		total += len(ds)
	}

	o.events.PhaseStarted(PhaseSink, fmt.Sprintf("%d deliveries", total))
	phaseStart := time.Now()

	stepIndex := o.graph.StepCount() + 1

	for _, name := range o.graph.SinkNames() {
		pending := state.deliveries[name]
		if len(pending) == 0 {
			continue
		}

		sink := o.sinks[name]

		for from := 0; from < len(pending); {
			to := from + 1
			for to < len(pending) && samePending(pending[to].Pending, pending[from].Pending) {
				to++
			}

			group := pending[from:to]
			tokens := make([]*Token, len(group))

			for i, d := range group {
				tokens[i] = d.Token
			}

			wctx, span := o.spans.SinkWrite(ctx, sink.Info().NodeID, len(tokens))
			_, err := state.rt.sink.Write(wctx, sink, tokens, state.rt.pc, stepIndex, name, group[0].Pending, o.settleFn(state, name, group[0].Pending))
			span.End()

			if err != nil {
				return err
			}

			if o.checkpoints {
				if err := state.rt.agg.SaveCheckpoints(ctx, state.runID); err != nil {
					return err
				}
			}

			from = to
		}
	}

	o.events.PhaseCompleted(PhaseSink, time.Since(phaseStart))

	return nil
}

// settleFn counts a delivery's tokens as they become durable.
// Secondary deliveries carry no pending outcome and settle nothing.
func (o *Orchestrator) settleFn(state *runState, sinkName string, pending *PendingOutcome) func(*Token) error {
	if pending == nil {
		return nil
	}

	return func(t *Token) error {
		state.counters.count(TokenResult{
			Token:     t,
			Outcome:   pending.Outcome,
			SinkName:  sinkName,
			ErrorHash: pending.ErrorHash,
		})

		return nil
	}
}

func samePending(a, b *PendingOutcome) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Outcome == b.Outcome && a.ErrorHash == b.ErrorHash
}

// restoreBuffers rehydrates aggregation state and reconciles it with
// the store's batches. A batch that left the open state before the
// crash is failed and its restored rows move to a fresh batch; open
// batches no restored buffer claims died with the process and are
// closed out.
func (o *Orchestrator) restoreBuffers(ctx context.Context, state *runState) (int, error) {
	rt := state.rt

	if o.checkpoints {
		if err := rt.agg.RestoreCheckpoints(ctx, o.rd, state.runID); err != nil {
			return 0, err
		}
	}

	restored := 0
	claimed := make(map[string]string)

	for _, nodeID := range rt.agg.Nodes() {
		batchID := rt.agg.BatchID(nodeID)
		if batchID == "" {
			continue
		}

		restored += rt.agg.BufferCount(nodeID)

		batch, err := o.rd.GetBatch(ctx, batchID)
		if err != nil {
			return 0, fmt.Errorf("failed to load checkpointed batch %s: %w", batchID, err)
		}

		if batch.Status != audit.BatchOpen {
			if batch.Status == audit.BatchFlushing {
				if cerr := o.rec.CompleteBatch(ctx, batchID, audit.BatchFailed, recoveredIncomplete); cerr != nil {
					return 0, fmt.Errorf("failed to close interrupted batch %s: %w", batchID, cerr)
				}
			}

			if err := rt.agg.RebindBatch(ctx, state.runID, nodeID); err != nil {
				return 0, err
			}
		}

		claimed[rt.agg.BatchID(nodeID)] = nodeID
	}

	open, err := o.rd.GetOpenBatches(ctx, state.runID)
	if err != nil {
		return 0, fmt.Errorf("failed to list open batches: %w", err)
	}

	for _, batch := range open {
		if _, ok := claimed[batch.ID]; ok {
			continue
		}

		if err := o.rec.CompleteBatch(ctx, batch.ID, audit.BatchFailed, recoveredIncomplete); err != nil {
			return 0, fmt.Errorf("failed to close orphaned batch %s: %w", batch.ID, err)
		}
	}

	return restored, nil
}

// startPlugins runs OnStart across the pipeline: source first, then
// step plugins in step order, then sinks. Resume skips the source; it
// has no source phase.
func (o *Orchestrator) startPlugins(ctx context.Context, pc *plugin.Context, includeSource bool) error {
	if includeSource {
		spc := pc.WithState(o.graph.Source().ID, "", 0)
		if err := o.source.OnStart(ctx, spc); err != nil {
			return fmt.Errorf("source %s failed to start: %w", o.source.Info().Name, err)
		}
	}

	for _, node := range o.graph.Steps() {
		npc := pc.WithState(node.ID, "", 0)

		if tr, ok := o.plugins.Transforms[node.ID]; ok {
			if err := tr.OnStart(ctx, npc); err != nil {
				return fmt.Errorf("transform %s failed to start: %w", node.ID, err)
			}

			continue
		}

		if gate, ok := o.plugins.Gates[node.ID]; ok {
			if err := gate.OnStart(ctx, npc); err != nil {
				return fmt.Errorf("gate %s failed to start: %w", node.ID, err)
			}
		}
	}

	for _, name := range o.graph.SinkNames() {
		sink := o.sinks[name]
		if err := sink.OnStart(ctx, pc.WithState(sink.Info().NodeID, "", 0)); err != nil {
			return fmt.Errorf("sink %s failed to start: %w", name, err)
		}
	}

	return nil
}

// completePlugins runs OnComplete across step plugins and sinks. The
// source completes at the end of its own phase.
func (o *Orchestrator) completePlugins(ctx context.Context, pc *plugin.Context) error {
	for _, node := range o.graph.Steps() {
		npc := pc.WithState(node.ID, "", 0)

		if tr, ok := o.plugins.Transforms[node.ID]; ok {
			if err := tr.OnComplete(ctx, npc); err != nil {
				return fmt.Errorf("transform %s failed to complete: %w", node.ID, err)
			}

			continue
		}

		if gate, ok := o.plugins.Gates[node.ID]; ok {
			if err := gate.OnComplete(ctx, npc); err != nil {
				return fmt.Errorf("gate %s failed to complete: %w", node.ID, err)
			}
		}
	}

	for _, name := range o.graph.SinkNames() {
		sink := o.sinks[name]
		if err := sink.OnComplete(ctx, pc.WithState(sink.Info().NodeID, "", 0)); err != nil {
			return fmt.Errorf("sink %s failed to complete: %w", name, err)
		}
	}

	return nil
}

// closePlugins releases every plugin. Close failures are logged, not
// raised: by the time plugins close, the run's disposition is already
// decided and the audit trail written.
func (o *Orchestrator) closePlugins(includeSource bool) {
	if o.pluginsClosed {
		return
	}

	o.pluginsClosed = true

	if includeSource {
		if err := o.source.Close(); err != nil {
			o.logger.Warn("source close failed", "plugin", o.source.Info().Name, "error", err)
		}
	}

	for _, node := range o.graph.Steps() {
		if tr, ok := o.plugins.Transforms[node.ID]; ok {
			if err := tr.Close(); err != nil {
				o.logger.Warn("transform close failed", "node_id", node.ID, "error", err)
			}

			continue
		}

		if gate, ok := o.plugins.Gates[node.ID]; ok {
			if err := gate.Close(); err != nil {
				o.logger.Warn("gate close failed", "node_id", node.ID, "error", err)
			}
		}
	}

	for _, name := range o.graph.SinkNames() {
		if err := o.sinks[name].Close(); err != nil {
			o.logger.Warn("sink close failed", "sink", name, "error", err)
		}
	}
}
