package flowgraph

import (
	"context"
	"time"
)

// chainView is an in-memory StateView for chain runs, which bypass the
// state store entirely.
type chainView struct {
	states map[string]*NodeExecutionState
}

func (v *chainView) NodeState(nodeID string) (*NodeExecutionState, bool) {
	state, ok := v.states[nodeID]
	return state, ok
}

// ExecuteNodeChain runs a single target node along with its transitive
// dependencies, sequentially and without persistence. It exists for
// editor-style "run this node" debugging: the caller gets the target's
// output directly and nothing is snapshotted or published.
func (e *Engine) ExecuteNodeChain(ctx context.Context, targetNodeID string) (map[string]any, error) {
	target, ok := e.graph.Node(targetNodeID)
	if !ok {
		return nil, NewValidationError("node %q not found", targetNodeID)
	}

	chain := append(e.graph.Ancestors(targetNodeID), target.ID)
	view := &chainView{states: make(map[string]*NodeExecutionState, len(chain))}

	for _, nodeID := range chain {
		node, _ := e.graph.Node(nodeID)
		now := time.Now()

		if node.Disabled {
			view.states[nodeID] = &NodeExecutionState{
				NodeID: nodeID, Status: NodeStatusSkipped, StartTime: now, EndTime: now,
			}
			continue
		}

		// An unsatisfied dependency in a chain run means a conditional
		// branch cut this node off; treat it as skipped.
		runnable := true
		for _, edge := range e.graph.Incoming(nodeID) {
			satisfied, err := e.graph.edgeSatisfied(ctx, edge, view, e.eval)
			if err != nil {
				return nil, err
			}
			if !satisfied {
				runnable = false
				break
			}
		}
		if !runnable {
			view.states[nodeID] = &NodeExecutionState{
				NodeID: nodeID, Status: NodeStatusSkipped, StartTime: now, EndTime: now,
			}
			continue
		}

		input, err := e.resolveChainInput(ctx, nodeID, view)
		if err != nil {
			return nil, err
		}
		resolved, err := e.resolveParameters(ctx, node, input)
		if err != nil {
			return nil, err
		}
		executor, err := e.registry.Resolve(node.Type)
		if err != nil {
			return nil, err
		}

		nodeCtx := ctx
		if node.Timeout > 0 {
			var cancel context.CancelFunc
			nodeCtx, cancel = context.WithTimeout(ctx, node.Timeout)
			defer cancel()
		}
		output, err := executor.Execute(nodeCtx, resolved, input, e.ec)
		end := time.Now()
		if err != nil {
			view.states[nodeID] = &NodeExecutionState{
				NodeID: nodeID, Status: NodeStatusError, StartTime: now, EndTime: end,
				ExecutionTime: end.Sub(now), Error: err.Error(),
			}
			return nil, NewNodeExecutionError(nodeID, err)
		}
		view.states[nodeID] = &NodeExecutionState{
			NodeID: nodeID, Status: NodeStatusSuccess, StartTime: now, EndTime: end,
			ExecutionTime: end.Sub(now), Input: input, Output: output,
		}
		e.ec.SetNodeResult(nodeID, output)
	}

	state, ok := view.states[targetNodeID]
	if !ok || state.Status != NodeStatusSuccess {
		return nil, NewValidationError("target node %q did not run: every inbound branch was cut off", targetNodeID)
	}
	return copyMap(state.Output), nil
}

// resolveChainInput mirrors resolveInput but reads node outputs from the
// chain's local view instead of the execution context alone.
func (e *Engine) resolveChainInput(ctx context.Context, nodeID string, view StateView) (map[string]any, error) {
	input := map[string]any{}
	for _, edge := range e.graph.Incoming(nodeID) {
		satisfied, err := e.graph.edgeSatisfied(ctx, edge, view, e.eval)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			continue
		}
		state, ok := view.NodeState(edge.Source.NodeID)
		if !ok || state.Output == nil {
			continue
		}
		output := state.Output
		contribution := output
		if edge.Source.Handle != "" {
			value, ok := output[edge.Source.Handle]
			if !ok {
				continue
			}
			if m, ok := value.(map[string]any); ok {
				contribution = m
			} else {
				contribution = map[string]any{edge.Source.Handle: value}
			}
		}
		if edge.Target.Handle != "" {
			contribution = map[string]any{edge.Target.Handle: contribution}
		}
		for key, value := range contribution {
			input[key] = value
		}
	}
	return input, nil
}
