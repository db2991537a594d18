package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/loom-io/loom/internal/audit"
)

// maxNodeIDLength mirrors the audit schema's node id column width.
const maxNodeIDLength = 64

// Sentinel errors for graph construction.
var (
	// ErrNoSource is returned when no source node was declared.
	ErrNoSource = errors.New("graph has no source node")

	// ErrDuplicateNode is returned when two nodes share an id.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrNodeIDTooLong is returned when a node id exceeds the audit
	// schema's column width.
	ErrNodeIDTooLong = errors.New("node id exceeds 64 characters")

	// ErrUnknownSink is returned when a declared destination names an
	// unregistered sink.
	ErrUnknownSink = errors.New("unknown sink")

	// ErrDuplicateEdge is returned when two edges share an origin and
	// label.
	ErrDuplicateEdge = errors.New("duplicate edge")

	// ErrUnboundBranch is returned when a coalesce waits on a branch no
	// upstream gate forks to.
	ErrUnboundBranch = errors.New("coalesce branch is not forked upstream")

	// ErrBranchReused is returned when two coalesce nodes claim the same
	// branch.
	ErrBranchReused = errors.New("branch consumed by two coalesce nodes")

	// ErrCycle is returned when the derived edges contain a cycle.
	ErrCycle = errors.New("graph contains a cycle")
)

// RouteValidationError reports a gate route label that does not resolve
// to "continue", "fork", or a registered sink. Raised at construction,
// before any row is processed.
type RouteValidationError struct {
	NodeID string
	Label  string
	Target string
}

func (e *RouteValidationError) Error() string {
	return fmt.Sprintf("gate %q route %q targets %q, which is not a registered sink, \"continue\", or \"fork\"",
		e.NodeID, e.Label, e.Target)
}

// Builder assembles a Graph from configuration. Declaration order of
// steps is execution order; Build derives all edges and validates the
// result fail-fast.
type Builder struct {
	source    Node
	hasSource bool
	onInvalid string
	steps     []stepEntry
	sinkNames []string
	sinks     map[string]Node
	defSink   string
}

type stepEntry struct {
	node     Node
	onError  string
	routes   map[string]string
	forkTo   []string
	branches []string
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{sinks: make(map[string]Node)}
}

// SetSource declares the source node. onInvalid names the sink that
// receives rows failing source validation; "" or "discard" quarantines
// them without routing.
func (b *Builder) SetSource(node Node, onInvalid string) *Builder {
	node.Type = audit.NodeSource
	b.source = node
	b.hasSource = true
	b.onInvalid = onInvalid

	return b
}

// AddTransform appends a transform step. onError names the sink that
// receives declared error rows; "" means error results are a plugin bug
// and "discard" quarantines them.
func (b *Builder) AddTransform(node Node, onError string) *Builder {
	node.Type = audit.NodeTransform
	b.steps = append(b.steps, stepEntry{node: node, onError: onError})

	return b
}

// AddGate appends a gate step with its route table and optional fork
// branches.
func (b *Builder) AddGate(node Node, routes map[string]string, forkTo []string) *Builder {
	node.Type = audit.NodeGate
	b.steps = append(b.steps, stepEntry{node: node, routes: routes, forkTo: forkTo})

	return b
}

// AddAggregation appends a batch-aware transform step.
func (b *Builder) AddAggregation(node Node) *Builder {
	node.Type = audit.NodeAggregation
	b.steps = append(b.steps, stepEntry{node: node})

	return b
}

// AddCoalesce appends a coalesce step waiting on the given branches.
func (b *Builder) AddCoalesce(node Node, branches []string) *Builder {
	node.Type = audit.NodeCoalesce
	b.steps = append(b.steps, stepEntry{node: node, branches: branches})

	return b
}

// AddSink registers a named sink node.
func (b *Builder) AddSink(name string, node Node) *Builder {
	node.Type = audit.NodeSink
	if _, exists := b.sinks[name]; !exists {
		b.sinkNames = append(b.sinkNames, name)
	}

	b.sinks[name] = node

	return b
}

// SetDefaultSink names the sink receiving tokens that complete the final
// step.
func (b *Builder) SetDefaultSink(name string) *Builder {
	b.defSink = name

	return b
}

// Build validates the declared pipeline and derives the full edge set.
func (b *Builder) Build() (*Graph, error) {
	if !b.hasSource || b.source.ID == "" {
		return nil, ErrNoSource
	}

	g := &Graph{
		source:      b.source,
		defaultSink: b.defSink,
		onInvalid:   b.onInvalid,
		sinkByName:  make(map[string]Node, len(b.sinks)),
		edgeByKey:   make(map[EdgeKey]string),
		stepIndex:   make(map[string]int),
		routes:      make(map[string]map[string]RouteTarget),
		forkTo:      make(map[string][]string),
		coalesceAt:  make(map[string]string),
		coalesce:    make(map[string]coalesceEntry),
		errorEdge:   make(map[string]string),
	}

	seen := map[string]bool{}

	checkNode := func(n Node) error {
		if len(n.ID) > maxNodeIDLength {
			return fmt.Errorf("%w: %q", ErrNodeIDTooLong, n.ID)
		}

		if seen[n.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
		}

		seen[n.ID] = true

		return nil
	}

	if err := checkNode(b.source); err != nil {
		return nil, err
	}

	g.stepIndex[b.source.ID] = 0

	for i, entry := range b.steps {
		if err := checkNode(entry.node); err != nil {
			return nil, err
		}

		g.steps = append(g.steps, entry.node)
		g.stepIndex[entry.node.ID] = i + 1
	}

	for _, name := range b.sinkNames {
		node := b.sinks[name]
		if err := checkNode(node); err != nil {
			return nil, err
		}

		g.sinks = append(g.sinks, node)
		g.sinkNames = append(g.sinkNames, name)
		g.sinkByName[name] = node
	}

	if b.defSink == "" {
		return nil, fmt.Errorf("%w: no default sink configured", ErrUnknownSink)
	}

	if _, ok := g.sinkByName[b.defSink]; !ok {
		return nil, fmt.Errorf("%w: default sink %q", ErrUnknownSink, b.defSink)
	}

	if err := b.validateRouting(g); err != nil {
		return nil, err
	}

	if err := b.validateCoalesce(g); err != nil {
		return nil, err
	}

	if err := b.deriveEdges(g); err != nil {
		return nil, err
	}

	order, err := topologicalOrder(g)
	if err != nil {
		return nil, err
	}

	g.order = order

	return g, nil
}

// validateRouting resolves every gate route label and every error
// destination before any edge exists, so configuration mistakes surface
// with route-level context.
func (b *Builder) validateRouting(g *Graph) error {
	for _, entry := range b.steps {
		nodeID := entry.node.ID

		if entry.onError != "" && entry.onError != "discard" {
			if _, ok := g.sinkByName[entry.onError]; !ok {
				return fmt.Errorf("transform %q on_error: %w: %q", nodeID, ErrUnknownSink, entry.onError)
			}
		}

		if len(entry.forkTo) > 0 {
			g.forkTo[nodeID] = append([]string(nil), entry.forkTo...)
		}

		if len(entry.routes) == 0 {
			continue
		}

		resolved := make(map[string]RouteTarget, len(entry.routes))

		for label, target := range entry.routes {
			switch {
			case target == "continue":
				resolved[label] = RouteTarget{Kind: TargetContinue}
			case target == "fork":
				if len(entry.forkTo) == 0 {
					return &RouteValidationError{NodeID: nodeID, Label: label, Target: target}
				}

				resolved[label] = RouteTarget{Kind: TargetFork}
			default:
				if _, ok := g.sinkByName[target]; !ok {
					return &RouteValidationError{NodeID: nodeID, Label: label, Target: target}
				}

				resolved[label] = RouteTarget{Kind: TargetSink, Sink: target}
			}
		}

		g.routes[nodeID] = resolved
	}

	if b.onInvalid != "" && b.onInvalid != "discard" {
		if _, ok := g.sinkByName[b.onInvalid]; !ok {
			return fmt.Errorf("source on_invalid: %w: %q", ErrUnknownSink, b.onInvalid)
		}
	}

	return nil
}

// validateCoalesce checks that every coalesce branch is forked by an
// earlier gate and consumed exactly once.
func (b *Builder) validateCoalesce(g *Graph) error {
	forkedAt := map[string]int{}

	for i, entry := range b.steps {
		step := i + 1

		for _, branch := range entry.forkTo {
			if _, exists := forkedAt[branch]; !exists {
				forkedAt[branch] = step
			}
		}

		if entry.node.Type != audit.NodeCoalesce {
			continue
		}

		for _, branch := range entry.branches {
			forkStep, ok := forkedAt[branch]
			if !ok || forkStep >= step {
				return fmt.Errorf("%w: coalesce %q branch %q", ErrUnboundBranch, entry.node.ID, branch)
			}

			if _, claimed := g.coalesceAt[branch]; claimed {
				return fmt.Errorf("%w: %q", ErrBranchReused, branch)
			}

			g.coalesceAt[branch] = entry.node.ID
		}

		g.coalesce[entry.node.ID] = coalesceEntry{
			step:     step,
			branches: append([]string(nil), entry.branches...),
		}
	}

	return nil
}

// deriveEdges builds the sequential continue chain, gate route edges,
// fork COPY edges, and DIVERT error paths.
func (b *Builder) deriveEdges(g *Graph) error {
	addEdge := func(from, to, label string, mode audit.EdgeMode) (string, error) {
		key := EdgeKey{From: from, Label: label}
		if _, exists := g.edgeByKey[key]; exists {
			return "", fmt.Errorf("%w: %q label %q", ErrDuplicateEdge, from, label)
		}

		id := from + ":" + label
		g.edges = append(g.edges, Edge{ID: id, From: from, To: to, Label: label, Mode: mode})
		g.edgeByKey[key] = id

		return id, nil
	}

	defaultSinkID := g.sinkByName[b.defSink].ID

	prev := b.source.ID
	for _, entry := range b.steps {
		if _, err := addEdge(prev, entry.node.ID, LabelContinue, audit.EdgeMove); err != nil {
			return err
		}

		prev = entry.node.ID
	}

	if _, err := addEdge(prev, defaultSinkID, LabelContinue, audit.EdgeMove); err != nil {
		return err
	}

	if b.onInvalid != "" && b.onInvalid != "discard" {
		id, err := addEdge(b.source.ID, g.sinkByName[b.onInvalid].ID, LabelQuarantine, audit.EdgeDivert)
		if err != nil {
			return err
		}

		g.quarantine = id
	}

	for i, entry := range b.steps {
		nodeID := entry.node.ID

		// Route edges in sorted label order so derivation is stable.
		labels := make([]string, 0, len(entry.routes))
		for label := range entry.routes {
			labels = append(labels, label)
		}

		sort.Strings(labels)

		for _, label := range labels {
			target := g.routes[nodeID][label]
			if target.Kind != TargetSink {
				continue
			}

			if _, err := addEdge(nodeID, g.sinkByName[target.Sink].ID, label, audit.EdgeMove); err != nil {
				return err
			}
		}

		if len(entry.forkTo) > 0 {
			next := defaultSinkID
			if i+1 < len(b.steps) {
				next = b.steps[i+1].node.ID
			}

			for _, branch := range entry.forkTo {
				if _, err := addEdge(nodeID, next, branch, audit.EdgeCopy); err != nil {
					return err
				}
			}
		}

		if entry.onError != "" && entry.onError != "discard" {
			id, err := addEdge(nodeID, g.sinkByName[entry.onError].ID, LabelError, audit.EdgeDivert)
			if err != nil {
				return err
			}

			g.errorEdge[nodeID] = id
		}
	}

	return nil
}

// topologicalOrder runs Kahn's algorithm over the derived edges. Edge
// derivation only points forward, so a cycle here is a builder bug, but
// the check keeps the invariant explicit.
func topologicalOrder(g *Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.stepIndex)+len(g.sinks))

	for _, n := range g.Nodes() {
		indegree[n.ID] = 0
	}

	adj := make(map[string][]string)

	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]string, 0, len(indegree))

	for _, n := range g.Nodes() {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(indegree))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(indegree) {
		return nil, ErrCycle
	}

	return order, nil
}
