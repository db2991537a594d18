// Package graph models the execution DAG of a pipeline run: the source,
// the ordered processing steps, the named sinks, and every labeled edge
// between them. A Graph is built once from configuration, validated
// fail-fast, and immutable afterwards. The runtime uses it to resolve
// route labels, find fork branches, and locate coalesce points; the
// orchestrator registers its nodes and edges into the audit trail before
// the first row is processed.
package graph

import (
	"github.com/loom-io/loom/internal/audit"
)

// Edge labels with structural meaning. Continue edges form the sequential
// chain; error and quarantine edges are DIVERT paths to error sinks.
const (
	LabelContinue   = "continue"
	LabelError      = "__error__"
	LabelQuarantine = "__quarantine__"
)

// TargetKind classifies what a route label resolves to.
type TargetKind string

// Route target kinds.
const (
	TargetContinue TargetKind = "continue"
	TargetSink     TargetKind = "sink"
	TargetFork     TargetKind = "fork"
)

type (
	// Node is a DAG vertex. The Config snapshot is registered into the
	// audit trail verbatim.
	Node struct {
		ID            string
		Type          audit.NodeType
		PluginName    string
		PluginVersion string
		Config        map[string]any
		SchemaConfig  map[string]any
	}

	// Edge is a labeled routing connection with a graph-local id. Audit
	// edge ids are assigned at registration time; EdgeKey links the two.
	Edge struct {
		ID    string
		From  string
		To    string
		Label string
		Mode  audit.EdgeMode
	}

	// EdgeKey addresses an edge by origin and label, the lookup the
	// executors use when recording routing events.
	EdgeKey struct {
		From  string
		Label string
	}

	// RouteTarget is the resolution of a gate route label.
	RouteTarget struct {
		Kind TargetKind
		Sink string
	}

	// Graph is the immutable execution DAG.
	Graph struct {
		source      Node
		steps       []Node
		sinks       []Node
		sinkNames   []string
		sinkByName  map[string]Node
		defaultSink string

		edges      []Edge
		edgeByKey  map[EdgeKey]string
		stepIndex  map[string]int
		routes     map[string]map[string]RouteTarget
		forkTo     map[string][]string
		coalesceAt map[string]string
		coalesce   map[string]coalesceEntry
		errorEdge  map[string]string
		quarantine string
		onInvalid  string
		order      []string
	}

	coalesceEntry struct {
		step     int
		branches []string
	}
)

// Source returns the source node.
func (g *Graph) Source() Node {
	return g.source
}

// Steps returns the processing steps in execution order. Step positions
// are 1-indexed; the source is step 0.
func (g *Graph) Steps() []Node {
	steps := make([]Node, len(g.steps))
	copy(steps, g.steps)

	return steps
}

// StepCount returns the number of processing steps.
func (g *Graph) StepCount() int {
	return len(g.steps)
}

// StepNode returns the node at a 1-indexed step position.
func (g *Graph) StepNode(step int) (Node, bool) {
	if step < 1 || step > len(g.steps) {
		return Node{}, false
	}

	return g.steps[step-1], true
}

// StepIndex returns a node's step position: 0 for the source, 1..N for
// steps. Sinks have no step position.
func (g *Graph) StepIndex(nodeID string) (int, bool) {
	idx, ok := g.stepIndex[nodeID]

	return idx, ok
}

// Sinks returns the sink nodes in registration order.
func (g *Graph) Sinks() []Node {
	sinks := make([]Node, len(g.sinks))
	copy(sinks, g.sinks)

	return sinks
}

// SinkNames returns the sink names in registration order.
func (g *Graph) SinkNames() []string {
	names := make([]string, len(g.sinkNames))
	copy(names, g.sinkNames)

	return names
}

// SinkNode returns the node registered under a sink name.
func (g *Graph) SinkNode(name string) (Node, bool) {
	node, ok := g.sinkByName[name]

	return node, ok
}

// DefaultSink returns the sink name that receives tokens completing the
// final step.
func (g *Graph) DefaultSink() string {
	return g.defaultSink
}

// Nodes returns every node in registration order: source, steps, sinks.
func (g *Graph) Nodes() []Node {
	nodes := make([]Node, 0, 1+len(g.steps)+len(g.sinks))
	nodes = append(nodes, g.source)
	nodes = append(nodes, g.steps...)
	nodes = append(nodes, g.sinks...)

	return nodes
}

// Edges returns every derived edge in derivation order.
func (g *Graph) Edges() []Edge {
	edges := make([]Edge, len(g.edges))
	copy(edges, g.edges)

	return edges
}

// EdgeID returns the graph-local edge id for an origin node and label.
func (g *Graph) EdgeID(nodeID, label string) (string, bool) {
	id, ok := g.edgeByKey[EdgeKey{From: nodeID, Label: label}]

	return id, ok
}

// RouteTarget resolves a gate's route label.
func (g *Graph) RouteTarget(nodeID, label string) (RouteTarget, bool) {
	routes, ok := g.routes[nodeID]
	if !ok {
		return RouteTarget{}, false
	}

	target, ok := routes[label]

	return target, ok
}

// ForkBranches returns a gate's declared fork branches in declaration
// order, or nil for non-forking nodes.
func (g *Graph) ForkBranches(nodeID string) []string {
	branches, ok := g.forkTo[nodeID]
	if !ok {
		return nil
	}

	out := make([]string, len(branches))
	copy(out, branches)

	return out
}

// CoalesceForBranch returns the coalesce node that consumes a branch.
func (g *Graph) CoalesceForBranch(branch string) (string, bool) {
	nodeID, ok := g.coalesceAt[branch]

	return nodeID, ok
}

// CoalesceStep returns the 1-indexed step position of a coalesce node.
func (g *Graph) CoalesceStep(nodeID string) (int, bool) {
	entry, ok := g.coalesce[nodeID]
	if !ok {
		return 0, false
	}

	return entry.step, true
}

// CoalesceBranches returns the branch set a coalesce node waits for.
func (g *Graph) CoalesceBranches(nodeID string) []string {
	entry, ok := g.coalesce[nodeID]
	if !ok {
		return nil
	}

	out := make([]string, len(entry.branches))
	copy(out, entry.branches)

	return out
}

// ErrorEdgeID returns the DIVERT edge id for a transform's on_error sink.
func (g *Graph) ErrorEdgeID(nodeID string) (string, bool) {
	id, ok := g.errorEdge[nodeID]

	return id, ok
}

// QuarantineEdgeID returns the DIVERT edge id for invalid source rows,
// when the source routes them to a sink.
func (g *Graph) QuarantineEdgeID() (string, bool) {
	if g.quarantine == "" {
		return "", false
	}

	return g.quarantine, true
}

// OnInvalidSink returns where invalid source rows go: a sink name,
// "discard", or "" when the source declares nothing.
func (g *Graph) OnInvalidSink() string {
	return g.onInvalid
}

// Order returns node ids in topological order.
func (g *Graph) Order() []string {
	order := make([]string, len(g.order))
	copy(order, g.order)

	return order
}
