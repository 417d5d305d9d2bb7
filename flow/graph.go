// Package flow implements a fault-tolerant workflow orchestration
// engine: workflows are directed acyclic graphs of steps executed by
// per-workflow actors under a supervisor, with retry policies, saga
// compensation, an idempotency ledger, a dead letter queue and
// optional chaos injection.
package flow

import (
	"fmt"
)

// State is the workflow's mutable payload, threaded through every step.
//
// The engine treats it as opaque except for reserved keys (see
// KeyIdempotency). Steps receive a copy-on-entry snapshot and return
// the state to carry forward.
type State = map[string]any

// NodeKind discriminates the node types of a workflow graph.
type NodeKind string

// Node kinds.
const (
	// KindStart marks the single entry node. It executes no step.
	KindStart NodeKind = "start"

	// KindEnd marks a terminal node. Reaching one completes the
	// workflow.
	KindEnd NodeKind = "end"

	// KindStep executes a registered Step.
	KindStep NodeKind = "step"

	// KindBranch evaluates a Selector against the state and follows
	// the matching labeled edge.
	KindBranch NodeKind = "branch"

	// KindJoin is a pass-through merge point for branch arms.
	KindJoin NodeKind = "join"
)

// Selector picks a branch label from the current state. The returned
// value is compared against edge labels with ==.
type Selector func(state State) any

// Node is a vertex of a workflow graph.
type Node struct {
	// ID uniquely identifies the node within its graph.
	ID string

	// Kind determines how the engine treats the node.
	Kind NodeKind

	// StepID names the registered step to execute. Set only for
	// KindStep nodes.
	StepID string

	// Selector picks the outgoing edge. Set only for KindBranch nodes.
	Selector Selector
}

// Edge is a directed connection between two nodes.
//
// Edges out of a branch node carry a Label compared against the
// selector result, or Default set for the fallback arm. Edges out of
// other nodes are unconditional.
type Edge struct {
	From    string
	To      string
	Label   any
	Default bool
}

// Transition is the result of resolving the outgoing edge of a node.
type Transition struct {
	// NodeID is the node to move to.
	NodeID string

	// Label is the matched branch label, nil for unconditional edges.
	Label any

	// ViaDefault reports that a branch fell through to its default
	// edge.
	ViaDefault bool
}

// Graph is an immutable, validated workflow definition.
//
// Create one with a Builder; a Graph returned by Build is safe for
// concurrent use and is shared by every workflow instance of its
// definition.
type Graph struct {
	id      string
	nodes   map[string]Node
	order   []string          // declaration order of node IDs
	edges   map[string][]Edge // from -> edges, declaration order
	startID string
	steps   int // number of step nodes
}

// ID returns the definition ID of the graph.
func (g *Graph) ID() string { return g.id }

// Start returns the ID of the start node.
func (g *Graph) Start() string { return g.startID }

// Node looks up a node by ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// StepCount returns the number of step nodes in the graph.
func (g *Graph) StepCount() int { return g.steps }

// StepIDs returns the step IDs referenced by the graph, in declaration
// order. The supervisor validates these against the step registry.
func (g *Graph) StepIDs() []string {
	var ids []string
	for _, nodeID := range g.order {
		if n := g.nodes[nodeID]; n.Kind == KindStep {
			ids = append(ids, n.StepID)
		}
	}
	return ids
}

// Next resolves the outgoing edge of the given node against the state.
//
// For start, step and join nodes the single unconditional edge is
// followed. For branch nodes the selector runs against the state and
// the first edge (in declaration order) whose label == the result is
// taken; when nothing matches, the default edge is taken.
//
// Calling Next on an end node is an error: end nodes have no
// successors.
func (g *Graph) Next(nodeID string, state State) (Transition, error) {
	node, ok := g.nodes[nodeID]
	if !ok {
		return Transition{}, fmt.Errorf("node %q: %w", nodeID, ErrDanglingEdge)
	}
	if node.Kind == KindEnd {
		return Transition{}, fmt.Errorf("node %q is an end node and has no successors", nodeID)
	}

	out := g.edges[nodeID]
	if node.Kind != KindBranch {
		return Transition{NodeID: out[0].To}, nil
	}

	value := node.Selector(state)
	var fallback *Edge
	for i := range out {
		e := out[i]
		if e.Default {
			if fallback == nil {
				fallback = &out[i]
			}
			continue
		}
		if e.Label == value {
			return Transition{NodeID: e.To, Label: e.Label}, nil
		}
	}
	return Transition{NodeID: fallback.To, ViaDefault: true}, nil
}

// Builder constructs and validates a Graph.
//
// Build a graph by declaring nodes and edges, then calling Build:
//
//	g, err := flow.NewBuilder("order-fulfillment").
//	    Start("start").
//	    Step("reserve", "inventory.reserve").
//	    Step("charge", "payment.charge").
//	    Branch("route", func(s flow.State) any { return s["tier"] }).
//	    Step("express", "shipping.express").
//	    Step("standard", "shipping.standard").
//	    Join("shipped").
//	    End("done").
//	    Edge("start", "reserve").
//	    Edge("reserve", "charge").
//	    Edge("charge", "route").
//	    Case("route", "express", "premium").
//	    Default("route", "standard").
//	    Edge("express", "shipped").
//	    Edge("standard", "shipped").
//	    Edge("shipped", "done").
//	    Build()
//
// Build validates the whole structure and reports the first problem
// found; a Graph is never returned partially valid.
type Builder struct {
	id    string
	nodes []Node
	edges []Edge
	errs  []error
}

// NewBuilder creates a Builder for the given definition ID.
func NewBuilder(id string) *Builder {
	return &Builder{id: id}
}

// Start declares the entry node.
func (b *Builder) Start(id string) *Builder {
	return b.add(Node{ID: id, Kind: KindStart})
}

// End declares a terminal node.
func (b *Builder) End(id string) *Builder {
	return b.add(Node{ID: id, Kind: KindEnd})
}

// Step declares a node executing the registered step stepID.
func (b *Builder) Step(id, stepID string) *Builder {
	if stepID == "" {
		b.errs = append(b.errs, fmt.Errorf("node %q: step id is required", id))
	}
	return b.add(Node{ID: id, Kind: KindStep, StepID: stepID})
}

// Branch declares a decision node driven by the selector.
func (b *Builder) Branch(id string, selector Selector) *Builder {
	if selector == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q: selector is required", id))
	}
	return b.add(Node{ID: id, Kind: KindBranch, Selector: selector})
}

// Join declares a pass-through merge node.
func (b *Builder) Join(id string) *Builder {
	return b.add(Node{ID: id, Kind: KindJoin})
}

// Edge declares an unconditional edge from one node to another.
func (b *Builder) Edge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// Case declares a labeled edge out of a branch node. The label is
// compared against the selector result with ==.
func (b *Builder) Case(from, to string, label any) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Label: label})
	return b
}

// Default declares the fallback edge out of a branch node, taken when
// no Case label matches.
func (b *Builder) Default(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Default: true})
	return b
}

func (b *Builder) add(n Node) *Builder {
	if n.ID == "" {
		b.errs = append(b.errs, fmt.Errorf("node id is required"))
		return b
	}
	b.nodes = append(b.nodes, n)
	return b
}

// Build validates the declared structure and returns the immutable
// Graph.
//
// Validation rules:
//   - exactly one start node; at least one end node
//   - node IDs unique; edges reference declared nodes
//   - start, step and join nodes have exactly one outgoing edge
//   - branch nodes have at least two outgoing edges and a default
//   - end nodes have no outgoing edges
//   - every node is reachable from start and reaches an end node
//   - the graph is acyclic
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.id == "" {
		return nil, fmt.Errorf("graph id is required")
	}
	if len(b.nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	g := &Graph{
		id:    b.id,
		nodes: make(map[string]Node, len(b.nodes)),
		edges: make(map[string][]Edge),
	}

	var starts, ends int
	for _, n := range b.nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("node %q: %w", n.ID, ErrDuplicateNode)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
		switch n.Kind {
		case KindStart:
			starts++
			g.startID = n.ID
		case KindEnd:
			ends++
		case KindStep:
			g.steps++
		}
	}
	if starts != 1 {
		return nil, ErrNoStartNode
	}
	if ends == 0 {
		return nil, ErrNoEndNode
	}

	for _, e := range b.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge %s->%s: from: %w", e.From, e.To, ErrDanglingEdge)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge %s->%s: to: %w", e.From, e.To, ErrDanglingEdge)
		}
		g.edges[e.From] = append(g.edges[e.From], e)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		out := g.edges[id]
		switch n.Kind {
		case KindEnd:
			if len(out) != 0 {
				return nil, fmt.Errorf("end node %q must have no outgoing edges", id)
			}
		case KindBranch:
			if len(out) < 2 {
				return nil, fmt.Errorf("node %q: %w", id, ErrBranchDegree)
			}
			hasDefault := false
			for _, e := range out {
				if e.Default {
					if hasDefault {
						return nil, fmt.Errorf("node %q: multiple default edges", id)
					}
					hasDefault = true
				}
			}
			if !hasDefault {
				return nil, fmt.Errorf("node %q: %w", id, ErrMissingDefault)
			}
		default:
			if len(out) != 1 {
				return nil, fmt.Errorf("node %q must have exactly one outgoing edge, has %d", id, len(out))
			}
		}
	}

	if err := g.checkReachability(); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkReachability verifies every node lies on a start-to-end path.
func (g *Graph) checkReachability() error {
	// Forward reachability from start.
	fromStart := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if fromStart[id] {
			return
		}
		fromStart[id] = true
		for _, e := range g.edges[id] {
			walk(e.To)
		}
	}
	walk(g.startID)

	// Reverse reachability from the end nodes.
	reverse := map[string][]string{}
	for from, out := range g.edges {
		for _, e := range out {
			reverse[e.To] = append(reverse[e.To], from)
		}
	}
	toEnd := map[string]bool{}
	var walkBack func(id string)
	walkBack = func(id string) {
		if toEnd[id] {
			return
		}
		toEnd[id] = true
		for _, from := range reverse[id] {
			walkBack(from)
		}
	}
	for _, id := range g.order {
		if g.nodes[id].Kind == KindEnd {
			walkBack(id)
		}
	}

	for _, id := range g.order {
		if !fromStart[id] {
			return fmt.Errorf("node %q: %w", id, ErrUnreachableNode)
		}
		if !toEnd[id] {
			return fmt.Errorf("node %q: %w", id, ErrNoPathToEnd)
		}
	}
	return nil
}

// checkAcyclic runs a three-color DFS over the edges.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range g.edges[id] {
			switch color[e.To] {
			case gray:
				return fmt.Errorf("edge %s->%s: %w", id, e.To, ErrCycle)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
