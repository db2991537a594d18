package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/expr"
	"github.com/loom-io/loom/internal/graph"
	"github.com/loom-io/loom/internal/plugin"
)

// MissingRouteError reports a gate decision that produced a label with
// no entry in the node's routes table.
type MissingRouteError struct {
	NodeID string
	Label  string
}

func (e *MissingRouteError) Error() string {
	return fmt.Sprintf("gate %s returned route label %q which is not configured", e.NodeID, e.Label)
}

// MissingEdgeError reports a resolved routing destination with no
// registered edge. Routing without an edge would leave the audit trail
// unable to explain where the token went, so this is always fatal.
type MissingEdgeError struct {
	NodeID string
	Label  string
}

func (e *MissingEdgeError) Error() string {
	return fmt.Sprintf("node %s has no registered edge for label %q", e.NodeID, e.Label)
}

// ConfigGate is an expression-driven gate declared in pipeline settings
// rather than implemented as a plugin. Its routes live in the graph like
// any plugin gate's; only the deciding expression differs.
type ConfigGate struct {
	NodeID    string
	Condition string
}

// GateOutcome is the recorded disposition of one gate evaluation. For
// fork decisions the parent's forked outcome is already recorded and
// Children carries the new tokens in branch order. For sink routes,
// Sinks lists every destination; the first one owns the token's pending
// routed outcome, the rest receive delivery only.
type GateOutcome struct {
	Token    *Token
	StateID  string
	Action   plugin.GateAction
	Sinks    []string
	Children []*Token
	Reason   map[string]any
}

// GateExecutor evaluates plugin and config gates under the same audit
// surface: one node state around the decision, one routing event per
// destination, fork children created through the token manager. A
// successful evaluation always closes its state completed; where the
// token went is derived from the routing events, never from the state.
type GateExecutor struct {
	rec    audit.Recorder
	graph  *graph.Graph
	edges  EdgeMap
	tokens *TokenManager
	eval   *expr.Evaluator
}

// NewGateExecutor creates a gate executor recording through rec.
func NewGateExecutor(rec audit.Recorder, g *graph.Graph, edges EdgeMap, tokens *TokenManager, eval *expr.Evaluator) *GateExecutor {
	return &GateExecutor{rec: rec, graph: g, edges: edges, tokens: tokens, eval: eval}
}

// ExecutePlugin runs one plugin gate evaluation against the token.
func (e *GateExecutor) ExecutePlugin(ctx context.Context, gate plugin.Gate, token *Token, pc *plugin.Context, stepIndex int) (*GateOutcome, error) {
	info := gate.Info()

	state, err := e.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     pc.RunID,
		TokenID:   token.ID,
		NodeID:    info.NodeID,
		StepIndex: stepIndex,
		Attempt:   0,
		Input:     token.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open node state for gate %s: %w", info.NodeID, err)
	}

	attemptPC := pc.WithState(info.NodeID, state.ID, 0)

	start := time.Now()
	result, gerr := gate.Evaluate(ctx, token.Data, attemptPC)
	durationMS := time.Since(start).Milliseconds()

	if gerr != nil {
		if cerr := e.failState(ctx, state.ID, durationMS, gerr); cerr != nil {
			return nil, cerr
		}

		return nil, &ExecError{NodeID: info.NodeID, Err: gerr}
	}

	forward := token
	if result.Row != nil {
		forward = token.WithData(result.Row)
	}

	return e.dispatch(ctx, pc.RunID, info.NodeID, state.ID, forward, result, durationMS)
}

// ExecuteConfig evaluates a config gate's expression against the row.
// Boolean results become the "true" / "false" labels; string results are
// labels themselves.
func (e *GateExecutor) ExecuteConfig(ctx context.Context, cg ConfigGate, token *Token, pc *plugin.Context, stepIndex int) (*GateOutcome, error) {
	state, err := e.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     pc.RunID,
		TokenID:   token.ID,
		NodeID:    cg.NodeID,
		StepIndex: stepIndex,
		Attempt:   0,
		Input:     token.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open node state for gate %s: %w", cg.NodeID, err)
	}

	start := time.Now()
	label, everr := e.eval.Route(cg.Condition, token.Data)
	durationMS := time.Since(start).Milliseconds()

	if everr != nil {
		everr = fmt.Errorf("condition failed: %w", everr)
		if cerr := e.failState(ctx, state.ID, durationMS, everr); cerr != nil {
			return nil, cerr
		}

		return nil, &ExecError{NodeID: cg.NodeID, Err: everr}
	}

	target, ok := e.graph.RouteTarget(cg.NodeID, label)
	if !ok {
		rerr := &MissingRouteError{NodeID: cg.NodeID, Label: label}
		if cerr := e.failState(ctx, state.ID, durationMS, rerr); cerr != nil {
			return nil, cerr
		}

		return nil, rerr
	}

	reason := map[string]any{"condition": cg.Condition, "result": label}

	// Config gates never modify the row; the decision is re-expressed as
	// a plugin-shaped result so both gate kinds share one dispatch path.
	result := plugin.GateResult{Row: token.Data, Reason: reason}

	switch target.Kind {
	case graph.TargetContinue:
		result.Action = plugin.ActionContinue
	case graph.TargetSink:
		result.Action = plugin.ActionRoute
		result.Labels = []string{label}
	case graph.TargetFork:
		result.Action = plugin.ActionFork
		result.Branches = e.graph.ForkBranches(cg.NodeID)
	}

	return e.dispatch(ctx, pc.RunID, cg.NodeID, state.ID, token, result, durationMS)
}

// dispatch records the routing events for a gate decision, forks when
// asked to, and closes the node state. The state closes completed after
// the routing is durably recorded; a routing failure closes it failed.
func (e *GateExecutor) dispatch(ctx context.Context, runID, nodeID, stateID string, token *Token, result plugin.GateResult, durationMS int64) (*GateOutcome, error) {
	outcome := &GateOutcome{
		Token:   token,
		StateID: stateID,
		Action:  result.Action,
		Reason:  result.Reason,
	}

	reasonHash := ""
	if result.Reason != nil {
		h, err := audit.HashData(result.Reason)
		if err != nil {
			return nil, fmt.Errorf("gate %s emitted non-serializable reason: %w", nodeID, err)
		}

		reasonHash = h
	}

	var derr error
	switch result.Action {
	case plugin.ActionContinue:
		derr = e.recordMove(ctx, runID, nodeID, graph.LabelContinue, stateID, reasonHash)

	case plugin.ActionRoute:
		outcome.Sinks, derr = e.routeToSinks(ctx, runID, nodeID, stateID, result.Labels, reasonHash)

	case plugin.ActionFork:
		branches := result.Branches
		if len(branches) == 0 {
			branches = e.graph.ForkBranches(nodeID)
		}

		outcome.Children, derr = e.fork(ctx, runID, nodeID, stateID, token, branches, reasonHash)

	default:
		derr = invariantf("gate %s returned unknown action %q", nodeID, result.Action)
	}

	if derr != nil {
		if cerr := e.failState(ctx, stateID, durationMS, derr); cerr != nil {
			return nil, cerr
		}

		return nil, derr
	}

	err := e.rec.CompleteNodeState(ctx, stateID, audit.CompleteNodeStateParams{
		Status:     audit.StateCompleted,
		Output:     token.Data,
		DurationMS: durationMS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close node state for gate %s: %w", nodeID, err)
	}

	return outcome, nil
}

// routeToSinks resolves each label and records one move event per
// destination. Labels resolving anywhere but a sink are rejected: a
// routing decision either continues, forks, or names sinks, never a mix.
func (e *GateExecutor) routeToSinks(ctx context.Context, runID, nodeID, stateID string, labels []string, reasonHash string) ([]string, error) {
	if len(labels) == 0 {
		return nil, invariantf("gate %s returned a route decision with no labels", nodeID)
	}

	if len(labels) == 1 {
		sink, err := e.resolveSinkLabel(nodeID, labels[0])
		if err != nil {
			return nil, err
		}

		if err := e.recordMove(ctx, runID, nodeID, labels[0], stateID, reasonHash); err != nil {
			return nil, err
		}

		return []string{sink}, nil
	}

	groupID := uuid.NewString()
	sinks := make([]string, 0, len(labels))

	for i, label := range labels {
		sink, err := e.resolveSinkLabel(nodeID, label)
		if err != nil {
			return nil, err
		}

		edgeID, ok := e.edges.Lookup(nodeID, label)
		if !ok {
			return nil, &MissingEdgeError{NodeID: nodeID, Label: label}
		}

		_, err = e.rec.RecordRoutingEvent(ctx, audit.RoutingEventParams{
			RunID:          runID,
			FromStateID:    stateID,
			EdgeID:         edgeID,
			Mode:           audit.EdgeMove,
			ReasonHash:     reasonHash,
			RoutingGroupID: groupID,
			Ordinal:        i,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record routing event for gate %s: %w", nodeID, err)
		}

		sinks = append(sinks, sink)
	}

	return sinks, nil
}

func (e *GateExecutor) resolveSinkLabel(nodeID, label string) (string, error) {
	target, ok := e.graph.RouteTarget(nodeID, label)
	if !ok {
		return "", &MissingRouteError{NodeID: nodeID, Label: label}
	}

	if target.Kind != graph.TargetSink {
		return "", invariantf("gate %s route label %q resolves to %s inside a sink route decision", nodeID, label, target.Kind)
	}

	return target.Sink, nil
}

// fork records one copy event per branch under a shared routing group,
// then splits the token. Event order is branch order; so is child order.
func (e *GateExecutor) fork(ctx context.Context, runID, nodeID, stateID string, token *Token, branches []string, reasonHash string) ([]*Token, error) {
	if len(branches) == 0 {
		return nil, invariantf("gate %s forked with no branches configured", nodeID)
	}

	groupID := uuid.NewString()

	for i, branch := range branches {
		edgeID, ok := e.edges.Lookup(nodeID, branch)
		if !ok {
			return nil, &MissingEdgeError{NodeID: nodeID, Label: branch}
		}

		_, err := e.rec.RecordRoutingEvent(ctx, audit.RoutingEventParams{
			RunID:          runID,
			FromStateID:    stateID,
			EdgeID:         edgeID,
			Mode:           audit.EdgeCopy,
			ReasonHash:     reasonHash,
			RoutingGroupID: groupID,
			Ordinal:        i,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record fork event for gate %s: %w", nodeID, err)
		}
	}

	children, _, err := e.tokens.ForkToken(ctx, runID, token, branches)
	if err != nil {
		return nil, err
	}

	return children, nil
}

func (e *GateExecutor) recordMove(ctx context.Context, runID, nodeID, label, stateID, reasonHash string) error {
	edgeID, ok := e.edges.Lookup(nodeID, label)
	if !ok {
		return &MissingEdgeError{NodeID: nodeID, Label: label}
	}

	_, err := e.rec.RecordRoutingEvent(ctx, audit.RoutingEventParams{
		RunID:       runID,
		FromStateID: stateID,
		EdgeID:      edgeID,
		Mode:        audit.EdgeMove,
		ReasonHash:  reasonHash,
	})
	if err != nil {
		return fmt.Errorf("failed to record routing event for %s: %w", nodeID, err)
	}

	return nil
}

func (e *GateExecutor) failState(ctx context.Context, stateID string, durationMS int64, cause error) error {
	errorJSON, _ := json.Marshal(map[string]any{"error": cause.Error()})

	err := e.rec.CompleteNodeState(ctx, stateID, audit.CompleteNodeStateParams{
		Status:     audit.StateFailed,
		DurationMS: durationMS,
		ErrorJSON:  errorJSON,
	})
	if err != nil {
		return fmt.Errorf("failed to record gate failure (%v): %w", cause, err)
	}

	return nil
}
