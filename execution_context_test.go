package flowgraph

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewExecutionID(t *testing.T) {
	id := NewExecutionID()
	require.True(t, strings.HasPrefix(id, "exec_"))
	require.NotEqual(t, id, NewExecutionID())
}

func TestExecutionContextDefaults(t *testing.T) {
	ec := NewExecutionContext(ExecutionContextOptions{WorkflowID: "wf_1"})
	require.NotEmpty(t, ec.ExecutionID())
	require.Equal(t, "wf_1", ec.WorkflowID())
	require.Equal(t, ExecutionModeManual, ec.Mode())
	require.False(t, ec.StartedAt().IsZero())
}

func TestNewExecutionContextFromState(t *testing.T) {
	state := &WorkflowState{
		ExecutionID: "exec_restored",
		Status:      ExecutionStatusRunning,
		NodeStates: map[string]*NodeExecutionState{
			"a": {NodeID: "a", Status: NodeStatusSuccess, Output: map[string]any{"v": "from-a"}},
			"b": {NodeID: "b", Status: NodeStatusPending},
			"c": {NodeID: "c", Status: NodeStatusError, Output: map[string]any{"v": "partial"}},
		},
	}
	ec := NewExecutionContextFromState(ExecutionContextOptions{WorkflowID: "wf_1"}, state)
	require.Equal(t, "exec_restored", ec.ExecutionID())
	require.Equal(t, "wf_1", ec.WorkflowID())

	// Only successful nodes contribute outputs for dependents.
	result, ok := ec.NodeResult("a")
	require.True(t, ok)
	require.Equal(t, "from-a", result["v"])
	_, ok = ec.NodeResult("b")
	require.False(t, ok)
	_, ok = ec.NodeResult("c")
	require.False(t, ok)
}

func TestExecutionContextVariables(t *testing.T) {
	ec := NewExecutionContext(ExecutionContextOptions{
		Variables: map[string]any{"count": 1},
	})
	value, ok := ec.GetVariable("count")
	require.True(t, ok)
	require.Equal(t, 1, value)

	ec.SetVariable("count", 2)
	value, _ = ec.GetVariable("count")
	require.Equal(t, 2, value)

	// Variables returns a copy; mutating it does not leak back.
	vars := ec.Variables()
	vars["count"] = 99
	value, _ = ec.GetVariable("count")
	require.Equal(t, 2, value)
}

func TestExecutionContextNodeResults(t *testing.T) {
	ec := NewExecutionContext(ExecutionContextOptions{})

	_, ok := ec.NodeResult("a")
	require.False(t, ok)

	ec.SetNodeResult("a", map[string]any{"value": 1})
	result, ok := ec.NodeResult("a")
	require.True(t, ok)
	require.Equal(t, 1, result["value"])

	// A retry overwrites the prior attempt's result.
	ec.SetNodeResult("a", map[string]any{"value": 2})
	result, _ = ec.NodeResult("a")
	require.Equal(t, 2, result["value"])

	ec.DiscardNodeResult("a")
	_, ok = ec.NodeResult("a")
	require.False(t, ok)
}

func TestExecutionContextCredentials(t *testing.T) {
	ec := NewExecutionContext(ExecutionContextOptions{
		Credentials: map[string]map[string]any{
			"api": {"token": "secret"},
		},
	})
	cred, ok := ec.Credential("api")
	require.True(t, ok)
	require.Equal(t, "secret", cred["token"])

	_, ok = ec.Credential("missing")
	require.False(t, ok)

	ec.SetCredential("db", map[string]any{"password": "hunter2"})
	cred, ok = ec.Credential("db")
	require.True(t, ok)
	require.Equal(t, "hunter2", cred["password"])
}

func TestExecutionContextConcurrentAccess(t *testing.T) {
	ec := NewExecutionContext(ExecutionContextOptions{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ec.SetVariable("shared", n)
			ec.SetNodeResult("node", map[string]any{"n": n})
			ec.Variables()
			ec.NodeResults()
		}(i)
	}
	wg.Wait()
	_, ok := ec.NodeResult("node")
	require.True(t, ok)
}
