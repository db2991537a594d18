package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/graph"
	"github.com/loom-io/loom/internal/plugin"
)

// maxWorkQueueIterations bounds how many work items one dispatch may
// produce. Forks, expansions, and coalesce releases all feed the queue;
// a pipeline that exceeds this in a single dispatch is misconfigured or
// cyclic.
const maxWorkQueueIterations = 10000

// TokenResult is one token's terminal disposition. Results surface
// after the outcome row is recorded; tokens pending a sink write
// surface as results only once the write settles them.
type TokenResult struct {
	Token     *Token
	Outcome   audit.Outcome
	SinkName  string
	ErrorHash string
}

// Delivery is a token owed to a sink. A nil Pending marks a secondary
// delivery: the row is written and audited at that sink, but another
// delivery owns the token's terminal outcome.
type Delivery struct {
	SinkName string
	Token    *Token
	Pending  *PendingOutcome
}

// ProcessResult collects everything one dispatch produced: terminal
// results already recorded, and deliveries awaiting sink writes.
type ProcessResult struct {
	Results    []TokenResult
	Deliveries []Delivery
}

// NodePlugins binds step node ids to their plugin instances. Each step
// node appears in exactly one map; config gates are expression-only and
// carry no plugin.
type NodePlugins struct {
	Transforms  map[string]plugin.Transform
	Gates       map[string]plugin.Gate
	ConfigGates map[string]ConfigGate
}

// ProcessorConfig wires a row processor. The orchestrator builds the
// executors once per run and hands them over here. Retry is optional:
// without a retry manager every transform gets a single attempt, and a
// raised retryable error either diverts per the transform's error
// destination or fails the run.
type ProcessorConfig struct {
	Recorder      audit.Recorder
	Graph         *graph.Graph
	Tokens        *TokenManager
	Transforms    *TransformExecutor
	Gates         *GateExecutor
	Aggregations  *AggregationExecutor
	Coalesces     *CoalesceExecutor
	Retry         *RetryManager
	Plugins       NodePlugins
	BranchSinks   map[string]string
	PluginContext *plugin.Context
	Spans         *Spans
	Logger        *slog.Logger
}

// workItem is one unit of dispatch: a token and the step it executes
// next. The coalesce fields bind fork-branch tokens to the coalesce
// point that will consume them; both are set or both empty.
type workItem struct {
	token        *Token
	step         int
	coalesceNode string
	coalesceName string
}

// RowProcessor drives tokens through the pipeline's step sequence. One
// source row enters, a FIFO work queue carries every token the row
// spawns, and the dispatch ends when the queue is empty: each token
// parked at an aggregation or coalesce point, failed with a recorded
// outcome, or owed to a sink.
//
// The processor is deliberately single-threaded. Parallelism lives
// inside transforms (see WorkerPool); keeping dispatch serial keeps the
// audit trail's ordering guarantees trivial to uphold.
type RowProcessor struct {
	rec         audit.Recorder
	graph       *graph.Graph
	tokens      *TokenManager
	transforms  *TransformExecutor
	gates       *GateExecutor
	agg         *AggregationExecutor
	coalesce    *CoalesceExecutor
	retry       *RetryManager
	plugins     NodePlugins
	branchSinks map[string]string
	pc          *plugin.Context
	spans       *Spans
	logger      *slog.Logger

	queue []workItem
}

// NewRowProcessor validates the wiring and builds a processor.
func NewRowProcessor(cfg ProcessorConfig) (*RowProcessor, error) {
	switch {
	case cfg.Recorder == nil:
		return nil, errors.New("row processor requires a recorder")
	case cfg.Graph == nil:
		return nil, errors.New("row processor requires a graph")
	case cfg.Tokens == nil:
		return nil, errors.New("row processor requires a token manager")
	case cfg.Transforms == nil:
		return nil, errors.New("row processor requires a transform executor")
	case cfg.Gates == nil:
		return nil, errors.New("row processor requires a gate executor")
	case cfg.Aggregations == nil:
		return nil, errors.New("row processor requires an aggregation executor")
	case cfg.Coalesces == nil:
		return nil, errors.New("row processor requires a coalesce executor")
	case cfg.PluginContext == nil:
		return nil, errors.New("row processor requires the run's plugin context")
	}

	if cfg.Spans == nil {
		cfg.Spans = NewSpans(nil)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RowProcessor{
		rec:         cfg.Recorder,
		graph:       cfg.Graph,
		tokens:      cfg.Tokens,
		transforms:  cfg.Transforms,
		gates:       cfg.Gates,
		agg:         cfg.Aggregations,
		coalesce:    cfg.Coalesces,
		retry:       cfg.Retry,
		plugins:     cfg.Plugins,
		branchSinks: cfg.BranchSinks,
		pc:          cfg.PluginContext,
		spans:       cfg.Spans,
		logger:      cfg.Logger,
	}, nil
}

// ProcessRow dispatches one source token through the pipeline. The
// source node's own state is recorded here with zero duration: the read
// already happened inside the plugin, but lineage still starts at the
// source node.
func (p *RowProcessor) ProcessRow(ctx context.Context, runID string, token *Token) (*ProcessResult, error) {
	res := &ProcessResult{}

	state, err := p.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     runID,
		TokenID:   token.ID,
		NodeID:    p.graph.Source().ID,
		StepIndex: 0,
		Attempt:   0,
		Input:     token.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open source state for token %s: %w", token.ID, err)
	}

	err = p.rec.CompleteNodeState(ctx, state.ID, audit.CompleteNodeStateParams{
		Status:     audit.StateCompleted,
		Output:     token.Data,
		DurationMS: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close source state for token %s: %w", token.ID, err)
	}

	if err := p.enqueueToken(token, 1); err != nil {
		return nil, err
	}

	if err := p.drain(ctx, runID, res); err != nil {
		return nil, err
	}

	return res, nil
}

// FlushAggregation flushes the named node's buffer outside row
// dispatch, for timeout and end-of-source triggers. An empty buffer is
// a no-op.
func (p *RowProcessor) FlushAggregation(ctx context.Context, runID, nodeID string, trigger TriggerType) (*ProcessResult, error) {
	res := &ProcessResult{}

	if p.agg.BufferCount(nodeID) == 0 {
		return res, nil
	}

	step, ok := p.graph.StepIndex(nodeID)
	if !ok {
		return nil, invariantf("aggregation node %s is not a pipeline step", nodeID)
	}

	batch, err := p.batchPlugin(nodeID)
	if err != nil {
		return nil, err
	}

	if err := p.flushAggregationNode(ctx, runID, nodeID, batch, step, trigger, nil, res); err != nil {
		return nil, err
	}

	if err := p.drain(ctx, runID, res); err != nil {
		return nil, err
	}

	return res, nil
}

// CheckCoalesceTimeouts resolves every coalesce group whose wait
// expired, dispatching whatever the resolutions release.
func (p *RowProcessor) CheckCoalesceTimeouts(ctx context.Context, runID string) (*ProcessResult, error) {
	res := &ProcessResult{}

	for _, name := range p.coalesce.Names() {
		outcomes, err := p.coalesce.CheckTimeouts(ctx, runID, name)
		if err != nil {
			return nil, err
		}

		for _, outcome := range outcomes {
			if err := p.handleCoalesceOutcome(ctx, runID, outcome, res); err != nil {
				return nil, err
			}
		}
	}

	if err := p.drain(ctx, runID, res); err != nil {
		return nil, err
	}

	return res, nil
}

// FlushCoalesces resolves all pending coalesce groups at end of source.
// A merge released here can walk into a later coalesce point and park
// there, so flushing repeats until a pass releases nothing.
func (p *RowProcessor) FlushCoalesces(ctx context.Context, runID string) (*ProcessResult, error) {
	res := &ProcessResult{}

	for {
		outcomes, err := p.coalesce.FlushPending(ctx, runID)
		if err != nil {
			return nil, err
		}

		if len(outcomes) == 0 {
			return res, nil
		}

		for _, outcome := range outcomes {
			if err := p.handleCoalesceOutcome(ctx, runID, outcome, res); err != nil {
				return nil, err
			}
		}

		if err := p.drain(ctx, runID, res); err != nil {
			return nil, err
		}
	}
}

// enqueueToken appends a work item for the token, binding it to the
// coalesce point ahead of fromStep that consumes its branch, if any.
func (p *RowProcessor) enqueueToken(token *Token, fromStep int) error {
	node, name, err := p.bindingFor(token.BranchName, fromStep)
	if err != nil {
		return err
	}

	p.queue = append(p.queue, workItem{
		token:        token,
		step:         fromStep,
		coalesceNode: node,
		coalesceName: name,
	})

	return nil
}

func (p *RowProcessor) bindingFor(branch string, fromStep int) (string, string, error) {
	if branch == "" {
		return "", "", nil
	}

	nodeID, ok := p.graph.CoalesceForBranch(branch)
	if !ok {
		return "", "", nil
	}

	coStep, ok := p.graph.CoalesceStep(nodeID)
	if !ok || coStep < fromStep {
		return "", "", nil
	}

	name, ok := p.coalesce.NameForNode(nodeID)
	if !ok {
		return "", "", invariantf("coalesce node %s for branch %s has no registered settings", nodeID, branch)
	}

	return nodeID, name, nil
}

func (p *RowProcessor) drain(ctx context.Context, runID string, res *ProcessResult) error {
	iterations := 0

	for len(p.queue) > 0 {
		iterations++
		if iterations > maxWorkQueueIterations {
			return invariantf("work queue exceeded %d iterations in one dispatch", maxWorkQueueIterations)
		}

		item := p.queue[0]
		p.queue = p.queue[1:]

		if err := p.walk(ctx, runID, item, res); err != nil {
			return err
		}
	}

	p.queue = nil

	return nil
}

// walk advances one token from its current step until it parks, fails,
// or completes at a sink.
func (p *RowProcessor) walk(ctx context.Context, runID string, item workItem, res *ProcessResult) error {
	for item.step <= p.graph.StepCount() {
		node, ok := p.graph.StepNode(item.step)
		if !ok {
			return invariantf("no node at step %d", item.step)
		}

		if item.coalesceNode != "" && node.ID == item.coalesceNode {
			outcome, err := p.coalesce.Accept(ctx, runID, item.token, item.coalesceName, item.step)
			if err != nil {
				return err
			}

			return p.handleCoalesceOutcome(ctx, runID, outcome, res)
		}

		switch node.Type {
		case audit.NodeCoalesce:
			// Coalesce points only consume tokens forked into their
			// branches; everything else passes over.
			item.step++

		case audit.NodeAggregation:
			return p.stepAggregation(ctx, runID, node, item, res)

		case audit.NodeGate:
			done, err := p.stepGate(ctx, runID, node, &item, res)
			if err != nil {
				return err
			}

			if done {
				return nil
			}

		case audit.NodeTransform:
			done, err := p.stepTransform(ctx, runID, node, &item, res)
			if err != nil {
				return err
			}

			if done {
				return nil
			}

		default:
			return invariantf("step node %s has unexpected type %s", node.ID, node.Type)
		}
	}

	// Walked off the last step: the token completes at its branch sink
	// or the default.
	sink := p.graph.DefaultSink()
	if item.token.BranchName != "" {
		if s, ok := p.branchSinks[item.token.BranchName]; ok {
			sink = s
		}
	}

	res.Deliveries = append(res.Deliveries, Delivery{
		SinkName: sink,
		Token:    item.token,
		Pending:  &PendingOutcome{Outcome: audit.OutcomeCompleted},
	})

	return nil
}

func (p *RowProcessor) stepTransform(ctx context.Context, runID string, node graph.Node, item *workItem, res *ProcessResult) (bool, error) {
	tr, ok := p.plugins.Transforms[node.ID]
	if !ok {
		return false, invariantf("no transform plugin bound to node %s", node.ID)
	}

	exec, err := p.runTransform(ctx, tr, node.ID, item)
	if err != nil {
		// Exhausted retries settle the token as failed and the run moves
		// on. Everything else, including non-retryable raised errors, is
		// a plugin bug or audit failure and aborts the dispatch.
		if errors.Is(err, ErrMaxRetriesExceeded) {
			return true, p.failItem(ctx, runID, node.ID, item, err, res)
		}

		return false, err
	}

	if exec.ErrorSink != "" {
		return true, p.divertErrored(ctx, runID, item, exec, res)
	}

	switch exec.Result.Kind {
	case plugin.ResultSuccess:
		item.token = exec.Token
		item.step++

		return false, nil

	case plugin.ResultSuccessMulti:
		if !tr.Info().CreatesTokens {
			return false, invariantf("transform %s returned multiple rows without declaring token creation", node.ID)
		}

		children, _, cerr := p.tokens.ExpandToken(ctx, runID, item.token, exec.Result.Rows, true)
		if cerr != nil {
			return false, cerr
		}

		for _, child := range children {
			if qerr := p.enqueueToken(child, item.step+1); qerr != nil {
				return false, qerr
			}
		}

		return true, nil

	default:
		return false, invariantf("transform %s returned unexpected result kind %q", node.ID, exec.Result.Kind)
	}
}

// runTransform executes the node's transform, through the retry manager
// when one is configured. Without one, a raised retryable error is
// converted into the declared error flow when the transform names an
// error destination; a retryable error with nowhere to go propagates
// rather than being quieted into a routed outcome with no sink.
func (p *RowProcessor) runTransform(ctx context.Context, tr plugin.Transform, nodeID string, item *workItem) (*TransformExecution, error) {
	if p.retry == nil {
		actx, span := p.spans.Transform(ctx, nodeID, 0)
		defer span.End()

		exec, err := p.transforms.Execute(actx, tr, item.token, p.pc, item.step, 0)
		if err == nil || exec == nil || !plugin.IsRetryable(err) {
			return exec, err
		}

		info := tr.Info()
		if info.OnError == "" {
			return nil, fmt.Errorf("transform %s raised a retryable error with no retry policy and no error destination: %w", nodeID, err)
		}

		raised := err

		var execErr *ExecError
		if errors.As(err, &execErr) {
			raised = execErr.Err
		}

		return p.transforms.DivertRaised(ctx, p.pc.RunID, info, item.token, exec.StateID, raised)
	}

	var exec *TransformExecution

	err := p.retry.Do(ctx, func(attempt int) error {
		actx, span := p.spans.Transform(ctx, nodeID, attempt)
		defer span.End()

		e, aerr := p.transforms.Execute(actx, tr, item.token, p.pc, item.step, attempt)
		if aerr != nil {
			return aerr
		}

		exec = e

		return nil
	})
	if err != nil {
		return nil, err
	}

	return exec, nil
}

// divertErrored finishes a declared transform error: the executor has
// already recorded and routed it, so what remains is the token's fate.
// Discard quarantines immediately; a named sink gets a routed delivery.
func (p *RowProcessor) divertErrored(ctx context.Context, runID string, item *workItem, exec *TransformExecution, res *ProcessResult) error {
	hash, err := errorHash(exec.Result.Reason)
	if err != nil {
		return err
	}

	if exec.ErrorSink == plugin.OnErrorDiscard {
		rerr := p.rec.RecordOutcome(ctx, audit.OutcomeParams{
			TokenID:   item.token.ID,
			Outcome:   audit.OutcomeQuarantined,
			ErrorHash: hash,
		})
		if rerr != nil {
			return fmt.Errorf("failed to record quarantined outcome for token %s: %w", item.token.ID, rerr)
		}

		res.Results = append(res.Results, TokenResult{
			Token:     item.token,
			Outcome:   audit.OutcomeQuarantined,
			ErrorHash: hash,
		})

		return p.noteLost(ctx, runID, item, "quarantined", res)
	}

	res.Deliveries = append(res.Deliveries, Delivery{
		SinkName: exec.ErrorSink,
		Token:    exec.Token,
		Pending:  &PendingOutcome{Outcome: audit.OutcomeRouted, ErrorHash: hash},
	})

	return p.noteLost(ctx, runID, item, "error_routed", res)
}

func (p *RowProcessor) stepGate(ctx context.Context, runID string, node graph.Node, item *workItem, res *ProcessResult) (bool, error) {
	gctx, span := p.spans.Gate(ctx, node.ID)

	var (
		outcome *GateOutcome
		err     error
	)

	switch {
	case p.plugins.Gates[node.ID] != nil:
		outcome, err = p.gates.ExecutePlugin(gctx, p.plugins.Gates[node.ID], item.token, p.pc, item.step)
	default:
		cg, ok := p.plugins.ConfigGates[node.ID]
		if !ok {
			span.End()

			return false, invariantf("no gate bound to node %s", node.ID)
		}

		outcome, err = p.gates.ExecuteConfig(gctx, cg, item.token, p.pc, item.step)
	}

	span.End()

	// Gates have no declared-error channel and no retry. A raised error
	// or an unroutable label is a plugin bug; the run fails with the
	// gate's state already closed.
	if err != nil {
		return false, err
	}

	switch outcome.Action {
	case plugin.ActionContinue:
		item.token = outcome.Token
		item.step++

		return false, nil

	case plugin.ActionRoute:
		// The first destination owns the routed outcome; the rest get
		// the row without owning the token's fate.
		for i, sinkName := range outcome.Sinks {
			var pending *PendingOutcome
			if i == 0 {
				pending = &PendingOutcome{Outcome: audit.OutcomeRouted}
			}

			res.Deliveries = append(res.Deliveries, Delivery{
				SinkName: sinkName,
				Token:    outcome.Token,
				Pending:  pending,
			})
		}

		return true, p.noteLost(ctx, runID, item, "routed", res)

	case plugin.ActionFork:
		res.Results = append(res.Results, TokenResult{Token: item.token, Outcome: audit.OutcomeForked})

		for _, child := range outcome.Children {
			if qerr := p.enqueueToken(child, item.step+1); qerr != nil {
				return false, qerr
			}
		}

		return true, nil

	default:
		return false, invariantf("gate %s produced unknown action %q", node.ID, outcome.Action)
	}
}

func (p *RowProcessor) stepAggregation(ctx context.Context, runID string, node graph.Node, item workItem, res *ProcessResult) error {
	batch, err := p.batchPlugin(node.ID)
	if err != nil {
		return err
	}

	if err := p.agg.BufferRow(ctx, runID, node.ID, item.token); err != nil {
		return err
	}

	trigger, fire, err := p.agg.ShouldFlush(node.ID, item.token.Data)
	if err != nil {
		return err
	}

	if !fire {
		// Parked. A passthrough token stays live behind its buffered
		// marker; a transform-mode token is consumed the moment it
		// buffers, because the flush replaces it wholesale.
		outcome := audit.OutcomeBuffered
		if batch.Info().CreatesTokens {
			outcome = audit.OutcomeConsumedInBatch
		}

		rerr := p.rec.RecordOutcome(ctx, audit.OutcomeParams{TokenID: item.token.ID, Outcome: outcome})
		if rerr != nil {
			return fmt.Errorf("failed to record %s outcome for token %s: %w", outcome, item.token.ID, rerr)
		}

		return nil
	}

	return p.flushAggregationNode(ctx, runID, node.ID, batch, item.step, trigger, &item, res)
}

func (p *RowProcessor) batchPlugin(nodeID string) (plugin.BatchTransform, error) {
	tr, ok := p.plugins.Transforms[nodeID]
	if !ok {
		return nil, invariantf("no transform plugin bound to aggregation node %s", nodeID)
	}

	batch, ok := tr.(plugin.BatchTransform)
	if !ok {
		return nil, invariantf("transform %s is configured for aggregation but does not implement batch processing", nodeID)
	}

	return batch, nil
}

// flushAggregationNode executes one flush and settles every consumed
// token. inRow is the work item whose arrival fired the trigger, nil
// for timeout and end-of-source flushes.
func (p *RowProcessor) flushAggregationNode(ctx context.Context, runID, nodeID string, batch plugin.BatchTransform, stepIndex int, trigger TriggerType, inRow *workItem, res *ProcessResult) error {
	buffered := p.agg.BufferedTokens(nodeID)
	transformMode := batch.Info().CreatesTokens

	fctx, span := p.spans.AggregationFlush(ctx, nodeID, string(trigger))
	exec, err := p.agg.ExecuteFlush(fctx, nodeID, batch, p.pc, stepIndex, trigger)
	span.End()

	var flushErr *FlushError
	if errors.As(err, &flushErr) {
		return p.failFlushedTokens(ctx, runID, nodeID, buffered, transformMode, inRow, flushErr.Err.Error(), res)
	}

	if err != nil {
		return err
	}

	if exec.Result.Kind == plugin.ResultError {
		return p.failFlushedTokens(ctx, runID, nodeID, buffered, transformMode, inRow, exec.Result.Reason, res)
	}

	if transformMode {
		return p.finishTransformFlush(ctx, runID, exec, stepIndex, inRow)
	}

	return p.finishPassthroughFlush(nodeID, exec, stepIndex)
}

// failFlushedTokens settles a failed flush. Passthrough tokens fail
// outright. Transform-mode tokens were already consumed at buffer time;
// only an in-row trigger still owes its consumed outcome. Both modes
// report failed results so the run counters see the loss.
func (p *RowProcessor) failFlushedTokens(ctx context.Context, runID, nodeID string, buffered []*Token, transformMode bool, inRow *workItem, reason any, res *ProcessResult) error {
	hash, err := errorHash(reason)
	if err != nil {
		return err
	}

	if transformMode {
		if inRow != nil {
			rerr := p.rec.RecordOutcome(ctx, audit.OutcomeParams{
				TokenID: inRow.token.ID,
				Outcome: audit.OutcomeConsumedInBatch,
			})
			if rerr != nil {
				return fmt.Errorf("failed to record consumed outcome for token %s: %w", inRow.token.ID, rerr)
			}
		}
	} else {
		for _, t := range buffered {
			rerr := p.rec.RecordOutcome(ctx, audit.OutcomeParams{
				TokenID:   t.ID,
				Outcome:   audit.OutcomeFailed,
				ErrorHash: hash,
			})
			if rerr != nil {
				return fmt.Errorf("failed to record failed outcome for token %s: %w", t.ID, rerr)
			}
		}
	}

	step, _ := p.graph.StepIndex(nodeID)

	for _, t := range buffered {
		res.Results = append(res.Results, TokenResult{Token: t, Outcome: audit.OutcomeFailed, ErrorHash: hash})

		if err := p.noteLostByBranch(ctx, runID, t, step+1, "batch_failed", res); err != nil {
			return err
		}
	}

	p.logger.Warn("batch flush failed",
		"run_id", runID,
		"node_id", nodeID,
		"rows_lost", len(buffered))

	return nil
}

// finishPassthroughFlush releases the buffered tokens with their
// enriched rows. The contract is strict: one output row per buffered
// token, in buffer order.
func (p *RowProcessor) finishPassthroughFlush(nodeID string, exec *FlushExecution, stepIndex int) error {
	if exec.Result.Kind != plugin.ResultSuccessMulti {
		return invariantf("passthrough aggregation %s must return one row per buffered token, got result kind %q", nodeID, exec.Result.Kind)
	}

	if len(exec.Result.Rows) != len(exec.Tokens) {
		return invariantf("passthrough aggregation %s returned %d rows for %d buffered tokens", nodeID, len(exec.Result.Rows), len(exec.Tokens))
	}

	for i, t := range exec.Tokens {
		if err := p.enqueueToken(t.WithData(exec.Result.Rows[i]), stepIndex+1); err != nil {
			return err
		}
	}

	return nil
}

// finishTransformFlush replaces the batch with the flush's output rows.
// New tokens expand from the triggering token when the flush fired
// in-row, otherwise from the first buffered token, so batch lineage
// always has a parent inside the batch.
func (p *RowProcessor) finishTransformFlush(ctx context.Context, runID string, exec *FlushExecution, stepIndex int, inRow *workItem) error {
	rows := exec.Result.Rows
	if exec.Result.Kind == plugin.ResultSuccess {
		rows = []map[string]any{exec.Result.Row}
	}

	parent := exec.Tokens[0]
	if inRow != nil {
		parent = inRow.token
	}

	children, expandGroupID, err := p.tokens.ExpandToken(ctx, runID, parent, rows, false)
	if err != nil {
		return err
	}

	if inRow != nil {
		rerr := p.rec.RecordOutcome(ctx, audit.OutcomeParams{
			TokenID:       inRow.token.ID,
			Outcome:       audit.OutcomeConsumedInBatch,
			ExpandGroupID: expandGroupID,
		})
		if rerr != nil {
			return fmt.Errorf("failed to record consumed outcome for token %s: %w", inRow.token.ID, rerr)
		}
	}

	for _, child := range children {
		if err := p.enqueueToken(child, stepIndex+1); err != nil {
			return err
		}
	}

	return nil
}

// failItem records a terminal failure for the item's token and informs
// any coalesce point waiting on its branch.
func (p *RowProcessor) failItem(ctx context.Context, runID, nodeID string, item *workItem, cause error, res *ProcessResult) error {
	hash, err := errorHash(cause.Error())
	if err != nil {
		return err
	}

	rerr := p.rec.RecordOutcome(ctx, audit.OutcomeParams{
		TokenID:   item.token.ID,
		Outcome:   audit.OutcomeFailed,
		ErrorHash: hash,
	})
	if rerr != nil {
		return fmt.Errorf("failed to record failed outcome for token %s: %w", item.token.ID, rerr)
	}

	p.logger.Warn("row processing failed",
		"run_id", runID,
		"node_id", nodeID,
		"token_id", item.token.ID,
		"error", cause)

	res.Results = append(res.Results, TokenResult{
		Token:     item.token,
		Outcome:   audit.OutcomeFailed,
		ErrorHash: hash,
	})

	return p.noteLost(ctx, runID, item, "failed", res)
}

// noteLost reports a bound branch as lost to its coalesce point.
func (p *RowProcessor) noteLost(ctx context.Context, runID string, item *workItem, reason string, res *ProcessResult) error {
	if item.coalesceName == "" {
		return nil
	}

	outcome, err := p.coalesce.NoteBranchLost(ctx, runID, item.coalesceName, item.token.RowID, item.token.BranchName, reason)
	if err != nil {
		return err
	}

	return p.handleCoalesceOutcome(ctx, runID, outcome, res)
}

// noteLostByBranch is noteLost for tokens without a live work item,
// re-deriving the binding from the branch name.
func (p *RowProcessor) noteLostByBranch(ctx context.Context, runID string, token *Token, fromStep int, reason string, res *ProcessResult) error {
	_, name, err := p.bindingFor(token.BranchName, fromStep)
	if err != nil {
		return err
	}

	if name == "" {
		return nil
	}

	outcome, err := p.coalesce.NoteBranchLost(ctx, runID, name, token.RowID, token.BranchName, reason)
	if err != nil {
		return err
	}

	return p.handleCoalesceOutcome(ctx, runID, outcome, res)
}

// handleCoalesceOutcome settles one coalesce resolution: a merge
// re-enters the pipeline after the coalesce step, a failure records and
// reports the consumed tokens.
func (p *RowProcessor) handleCoalesceOutcome(ctx context.Context, runID string, outcome *CoalesceOutcome, res *ProcessResult) error {
	if outcome == nil || outcome.Held {
		return nil
	}

	if outcome.MergedToken != nil {
		s, ok := p.coalesce.Settings(outcome.CoalesceName)
		if !ok {
			return invariantf("coalesce %s is not registered", outcome.CoalesceName)
		}

		coStep, ok := p.graph.CoalesceStep(s.NodeID)
		if !ok {
			return invariantf("coalesce node %s is not a pipeline step", s.NodeID)
		}

		return p.enqueueToken(outcome.MergedToken, coStep+1)
	}

	if outcome.FailureReason == "" {
		return nil
	}

	hash, err := errorHash(outcome.FailureReason)
	if err != nil {
		return err
	}

	for _, t := range outcome.ConsumedTokens {
		if !outcome.OutcomesRecorded {
			rerr := p.rec.RecordOutcome(ctx, audit.OutcomeParams{
				TokenID:   t.ID,
				Outcome:   audit.OutcomeFailed,
				ErrorHash: hash,
			})
			if rerr != nil {
				return fmt.Errorf("failed to record coalesce failure for token %s: %w", t.ID, rerr)
			}
		}

		res.Results = append(res.Results, TokenResult{
			Token:     t,
			Outcome:   audit.OutcomeFailed,
			ErrorHash: hash,
		})
	}

	return nil
}
