package flowgraph

import (
	"context"
	"sort"
)

// StateView provides read access to per-node execution state. The engine's
// state tracker implements it; tests may supply their own.
type StateView interface {
	NodeState(nodeID string) (*NodeExecutionState, bool)
}

// ConditionEvaluator evaluates an edge condition against an environment
// containing the source node's recorded output. Keeping the predicate
// pluggable keeps the graph free of any expression syntax.
type ConditionEvaluator func(ctx context.Context, condition string, env map[string]any) (bool, error)

// Graph is the validated adjacency structure for a workflow definition.
// It is immutable after BuildGraph and safe for concurrent reads.
type Graph struct {
	def      *WorkflowDefinition
	nodes    map[string]*WorkflowNode
	outgoing map[string][]*WorkflowEdge
	incoming map[string][]*WorkflowEdge
	order    []string
	levels   map[string]int
}

// BuildGraph validates the definition, builds adjacency and reverse maps,
// and rejects cyclic graphs before any node runs.
func BuildGraph(def *WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, NewValidationError("workflow definition required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	g := &Graph{
		def:      def,
		nodes:    make(map[string]*WorkflowNode, len(def.Nodes)),
		outgoing: make(map[string][]*WorkflowEdge),
		incoming: make(map[string][]*WorkflowEdge),
	}
	for _, node := range def.Nodes {
		g.nodes[node.ID] = node
	}
	for _, edge := range def.Edges {
		g.outgoing[edge.Source.NodeID] = append(g.outgoing[edge.Source.NodeID], edge)
		g.incoming[edge.Target.NodeID] = append(g.incoming[edge.Target.NodeID], edge)
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, NewCyclicGraphError(cycle)
	}

	g.order, g.levels = g.topologicalSort()
	return g, nil
}

// Definition returns the underlying workflow definition.
func (g *Graph) Definition() *WorkflowDefinition {
	return g.def
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*WorkflowNode, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Incoming returns the inbound edges of a node.
func (g *Graph) Incoming(nodeID string) []*WorkflowEdge {
	return g.incoming[nodeID]
}

// Outgoing returns the outbound edges of a node.
func (g *Graph) Outgoing(nodeID string) []*WorkflowEdge {
	return g.outgoing[nodeID]
}

// TopologicalOrder returns the node ids in dependency order. Nodes on the
// same level are ordered lexically so the result is deterministic.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Level returns the topological level of a node (0 for nodes with no
// dependencies).
func (g *Graph) Level(nodeID string) int {
	return g.levels[nodeID]
}

// findCycle runs a depth-first search with three-color marking and returns
// the node ids participating in the first cycle found, in path order.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)
		for _, edge := range g.outgoing[id] {
			next := edge.Target.NodeID
			switch colors[next] {
			case gray:
				// Found a back edge; extract the cycle from the stack.
				for i, onPath := range stack {
					if onPath == next {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for _, id := range g.sortedNodeIDs() {
		if colors[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// topologicalSort applies Kahn's algorithm and computes a level for each
// node. Only called on acyclic graphs.
func (g *Graph) topologicalSort() ([]string, map[string]int) {
	inDegree := make(map[string]int, len(g.nodes))
	levels := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.incoming[id])
	}

	var queue []string
	for _, id := range g.sortedNodeIDs() {
		if inDegree[id] == 0 {
			queue = append(queue, id)
			levels[id] = 0
		}
	}

	var order []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		for _, edge := range g.outgoing[current] {
			next := edge.Target.NodeID
			if level := levels[current] + 1; level > levels[next] {
				levels[next] = level
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
				sort.Strings(queue)
			}
		}
	}
	return order, levels
}

// edgeSatisfied reports whether an inbound edge currently activates its
// target: the source must be terminal-success (or skipped with a
// pass-through policy) and the edge condition, if any, must hold against
// the source's recorded output.
func (g *Graph) edgeSatisfied(ctx context.Context, edge *WorkflowEdge, view StateView, eval ConditionEvaluator) (bool, error) {
	state, ok := view.NodeState(edge.Source.NodeID)
	if !ok {
		return false, nil
	}
	switch state.Status {
	case NodeStatusSuccess:
	case NodeStatusSkipped:
		source := g.nodes[edge.Source.NodeID]
		if source == nil || !(source.Disabled || source.SkipOnError) {
			return false, nil
		}
	default:
		return false, nil
	}
	if edge.Condition == "" {
		return true, nil
	}
	if eval == nil {
		return false, NewValidationError("edge %q has a condition but no condition evaluator is configured", edge.ID)
	}
	env := map[string]any{
		"output": copyMap(state.Output),
		"source": edge.Source.NodeID,
	}
	if edge.Source.Handle != "" {
		if v, ok := state.Output[edge.Source.Handle]; ok {
			env["output"] = v
		}
	}
	return eval(ctx, edge.Condition, env)
}

// edgeDead reports whether an inbound edge can no longer activate its
// target: its source reached a terminal state that fails the activation
// predicate.
func (g *Graph) edgeDead(ctx context.Context, edge *WorkflowEdge, view StateView, eval ConditionEvaluator) (bool, error) {
	state, ok := view.NodeState(edge.Source.NodeID)
	if !ok || !state.Status.Terminal() {
		return false, nil
	}
	satisfied, err := g.edgeSatisfied(ctx, edge, view, eval)
	if err != nil {
		return false, err
	}
	return !satisfied, nil
}

// ReadyNodes returns the ids of pending nodes whose every inbound edge is
// satisfied, in deterministic order. Nodes already past pending are
// excluded.
func (g *Graph) ReadyNodes(ctx context.Context, view StateView, eval ConditionEvaluator) ([]string, error) {
	var ready []string
	for _, id := range g.order {
		state, ok := view.NodeState(id)
		if !ok || state.Status != NodeStatusPending {
			continue
		}
		satisfied := true
		for _, edge := range g.incoming[id] {
			ok, err := g.edgeSatisfied(ctx, edge, view, eval)
			if err != nil {
				return nil, err
			}
			if !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

// UnreachablePending returns pending nodes that can never become ready
// because at least one inbound edge is dead. The engine marks these
// skipped so the execution can reach a terminal state.
func (g *Graph) UnreachablePending(ctx context.Context, view StateView, eval ConditionEvaluator) ([]string, error) {
	var unreachable []string
	for _, id := range g.order {
		state, ok := view.NodeState(id)
		if !ok || state.Status != NodeStatusPending {
			continue
		}
		for _, edge := range g.incoming[id] {
			dead, err := g.edgeDead(ctx, edge, view, eval)
			if err != nil {
				return nil, err
			}
			if dead {
				unreachable = append(unreachable, id)
				break
			}
		}
	}
	return unreachable, nil
}

// IsTerminal reports whether the execution can make no further progress:
// no node is running, none is ready, and every remaining pending node is
// unreachable.
func (g *Graph) IsTerminal(ctx context.Context, view StateView, eval ConditionEvaluator) (bool, error) {
	for _, id := range g.order {
		state, ok := view.NodeState(id)
		if !ok {
			continue
		}
		if state.Status == NodeStatusRunning {
			return false, nil
		}
	}
	ready, err := g.ReadyNodes(ctx, view, eval)
	if err != nil {
		return false, err
	}
	if len(ready) > 0 {
		return false, nil
	}
	unreachable, err := g.UnreachablePending(ctx, view, eval)
	if err != nil {
		return false, err
	}
	pending := 0
	for _, id := range g.order {
		if state, ok := view.NodeState(id); ok && state.Status == NodeStatusPending {
			pending++
		}
	}
	return pending == len(unreachable), nil
}

// Descendants returns the direct and transitive dependents of a node, in
// topological order.
func (g *Graph) Descendants(nodeID string) []string {
	reached := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, edge := range g.outgoing[id] {
			next := edge.Target.NodeID
			if !reached[next] {
				reached[next] = true
				walk(next)
			}
		}
	}
	walk(nodeID)
	return g.inTopologicalOrder(reached)
}

// Ancestors returns the direct and transitive dependencies of a node, in
// topological order. Used to compute the minimal subgraph for chain
// execution.
func (g *Graph) Ancestors(nodeID string) []string {
	reached := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, edge := range g.incoming[id] {
			prev := edge.Source.NodeID
			if !reached[prev] {
				reached[prev] = true
				walk(prev)
			}
		}
	}
	walk(nodeID)
	return g.inTopologicalOrder(reached)
}

func (g *Graph) inTopologicalOrder(set map[string]bool) []string {
	var out []string
	for _, id := range g.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

func (g *Graph) sortedNodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
