package flowgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flowgraph/script"
)

// mapView is a StateView over a plain map for graph tests.
type mapView map[string]*NodeExecutionState

func (v mapView) NodeState(nodeID string) (*NodeExecutionState, bool) {
	state, ok := v[nodeID]
	return state, ok
}

func exprEval(t *testing.T) ConditionEvaluator {
	t.Helper()
	compiler := script.NewExprCompiler()
	return func(ctx context.Context, condition string, env map[string]any) (bool, error) {
		return script.EvaluateCondition(ctx, compiler, condition, env)
	}
}

func node(id, nodeType string) *WorkflowNode {
	return &WorkflowNode{ID: id, Type: nodeType}
}

func edge(source, target string) *WorkflowEdge {
	return &WorkflowEdge{
		Source: Endpoint{NodeID: source},
		Target: Endpoint{NodeID: target},
	}
}

func diamondDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:    "diamond",
		Nodes: []*WorkflowNode{node("a", "noop"), node("b", "noop"), node("c", "noop"), node("d", "noop")},
		Edges: []*WorkflowEdge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
	}
}

func pendingView(def *WorkflowDefinition) mapView {
	view := mapView{}
	for _, n := range def.Nodes {
		view[n.ID] = &NodeExecutionState{NodeID: n.ID, Status: NodeStatusPending}
	}
	return view
}

func TestBuildGraph(t *testing.T) {
	t.Run("valid diamond", func(t *testing.T) {
		g, err := BuildGraph(diamondDefinition())
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c", "d"}, g.TopologicalOrder())
		require.Equal(t, 0, g.Level("a"))
		require.Equal(t, 1, g.Level("b"))
		require.Equal(t, 1, g.Level("c"))
		require.Equal(t, 2, g.Level("d"))
	})

	t.Run("cycle is rejected with participating nodes", func(t *testing.T) {
		def := &WorkflowDefinition{
			ID:    "cyclic",
			Nodes: []*WorkflowNode{node("a", "noop"), node("b", "noop"), node("c", "noop")},
			Edges: []*WorkflowEdge{edge("a", "b"), edge("b", "c"), edge("c", "a")},
		}
		_, err := BuildGraph(def)
		require.Error(t, err)
		require.True(t, IsErrorType(err, ErrorTypeCyclicGraph))
		require.True(t, IsErrorType(err, ErrorTypeValidation))
		var engineErr *EngineError
		require.ErrorAs(t, err, &engineErr)
		require.Contains(t, engineErr.Cause, "a")
		require.Contains(t, engineErr.Cause, "->")
	})

	t.Run("self loop is rejected", func(t *testing.T) {
		def := &WorkflowDefinition{
			ID:    "self",
			Nodes: []*WorkflowNode{node("a", "noop")},
			Edges: []*WorkflowEdge{edge("a", "a")},
		}
		_, err := BuildGraph(def)
		require.Error(t, err)
		require.True(t, IsErrorType(err, ErrorTypeValidation))
	})

	t.Run("nil definition", func(t *testing.T) {
		_, err := BuildGraph(nil)
		require.Error(t, err)
	})
}

func TestReadyNodes(t *testing.T) {
	ctx := context.Background()
	g, err := BuildGraph(diamondDefinition())
	require.NoError(t, err)

	t.Run("only roots are ready initially", func(t *testing.T) {
		view := pendingView(g.Definition())
		ready, err := g.ReadyNodes(ctx, view, nil)
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, ready)
	})

	t.Run("both branches ready after root succeeds", func(t *testing.T) {
		view := pendingView(g.Definition())
		view["a"] = &NodeExecutionState{NodeID: "a", Status: NodeStatusSuccess}
		ready, err := g.ReadyNodes(ctx, view, nil)
		require.NoError(t, err)
		require.Equal(t, []string{"b", "c"}, ready)
	})

	t.Run("join waits for all dependencies", func(t *testing.T) {
		view := pendingView(g.Definition())
		view["a"] = &NodeExecutionState{NodeID: "a", Status: NodeStatusSuccess}
		view["b"] = &NodeExecutionState{NodeID: "b", Status: NodeStatusSuccess}
		view["c"] = &NodeExecutionState{NodeID: "c", Status: NodeStatusRunning}
		ready, err := g.ReadyNodes(ctx, view, nil)
		require.NoError(t, err)
		require.Empty(t, ready)

		view["c"] = &NodeExecutionState{NodeID: "c", Status: NodeStatusSuccess}
		ready, err = g.ReadyNodes(ctx, view, nil)
		require.NoError(t, err)
		require.Equal(t, []string{"d"}, ready)
	})
}

func TestConditionalEdges(t *testing.T) {
	ctx := context.Background()
	def := &WorkflowDefinition{
		ID:    "conditional",
		Nodes: []*WorkflowNode{node("check", "noop"), node("high", "noop"), node("low", "noop")},
		Edges: []*WorkflowEdge{
			{Source: Endpoint{NodeID: "check"}, Target: Endpoint{NodeID: "high"}, Condition: "output.value > 10"},
			{Source: Endpoint{NodeID: "check"}, Target: Endpoint{NodeID: "low"}, Condition: "output.value <= 10"},
		},
	}
	g, err := BuildGraph(def)
	require.NoError(t, err)
	eval := exprEval(t)

	view := pendingView(def)
	view["check"] = &NodeExecutionState{
		NodeID: "check",
		Status: NodeStatusSuccess,
		Output: map[string]any{"value": 42},
	}

	ready, err := g.ReadyNodes(ctx, view, eval)
	require.NoError(t, err)
	require.Equal(t, []string{"high"}, ready)

	unreachable, err := g.UnreachablePending(ctx, view, eval)
	require.NoError(t, err)
	require.Equal(t, []string{"low"}, unreachable)

	t.Run("condition without evaluator fails", func(t *testing.T) {
		_, err := g.ReadyNodes(ctx, view, nil)
		require.Error(t, err)
	})
}

func TestSkippedPassThrough(t *testing.T) {
	ctx := context.Background()
	def := &WorkflowDefinition{
		ID: "passthrough",
		Nodes: []*WorkflowNode{
			node("a", "noop"),
			{ID: "b", Type: "noop", SkipOnError: true},
			{ID: "c", Type: "noop"},
			node("d", "noop"),
		},
		Edges: []*WorkflowEdge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
	}
	g, err := BuildGraph(def)
	require.NoError(t, err)

	view := pendingView(def)
	view["a"] = &NodeExecutionState{NodeID: "a", Status: NodeStatusSuccess}
	view["b"] = &NodeExecutionState{NodeID: "b", Status: NodeStatusSkipped}
	view["c"] = &NodeExecutionState{NodeID: "c", Status: NodeStatusSuccess}

	// b is skipped with SkipOnError, so its edge to d passes through.
	ready, err := g.ReadyNodes(ctx, view, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, ready)

	// Without the pass-through flag the same skip makes d unreachable.
	view["c"] = &NodeExecutionState{NodeID: "c", Status: NodeStatusSkipped}
	unreachable, err := g.UnreachablePending(ctx, view, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, unreachable)
}

func TestIsTerminal(t *testing.T) {
	ctx := context.Background()
	g, err := BuildGraph(diamondDefinition())
	require.NoError(t, err)

	view := pendingView(g.Definition())
	terminal, err := g.IsTerminal(ctx, view, nil)
	require.NoError(t, err)
	require.False(t, terminal)

	for id := range view {
		view[id] = &NodeExecutionState{NodeID: id, Status: NodeStatusSuccess}
	}
	terminal, err = g.IsTerminal(ctx, view, nil)
	require.NoError(t, err)
	require.True(t, terminal)

	view["d"] = &NodeExecutionState{NodeID: "d", Status: NodeStatusRunning}
	terminal, err = g.IsTerminal(ctx, view, nil)
	require.NoError(t, err)
	require.False(t, terminal)
}

func TestDescendantsAndAncestors(t *testing.T) {
	g, err := BuildGraph(diamondDefinition())
	require.NoError(t, err)

	require.Equal(t, []string{"b", "c", "d"}, g.Descendants("a"))
	require.Equal(t, []string{"d"}, g.Descendants("b"))
	require.Empty(t, g.Descendants("d"))

	require.Equal(t, []string{"a", "b", "c"}, g.Ancestors("d"))
	require.Equal(t, []string{"a"}, g.Ancestors("b"))
	require.Empty(t, g.Ancestors("a"))
}
