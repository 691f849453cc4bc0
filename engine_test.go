package flowgraph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flowgraph/retry"
	"github.com/deepnoodle-ai/flowgraph/script"
)

// emitExecutor returns the node's resolved parameters as its output.
func emitExecutor() Executor {
	return NewExecutorFunc("emit", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		out := make(map[string]any, len(node.Parameters))
		for k, v := range node.Parameters {
			out[k] = v
		}
		return out, nil
	})
}

// inputRecorder captures the resolved input each node of its type receives.
type inputRecorder struct {
	mutex  sync.Mutex
	inputs map[string]map[string]any
}

func newInputRecorder() *inputRecorder {
	return &inputRecorder{inputs: map[string]map[string]any{}}
}

func (r *inputRecorder) executor() Executor {
	return NewExecutorFunc("capture", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		r.mutex.Lock()
		r.inputs[node.ID] = input
		r.mutex.Unlock()
		return map[string]any{"captured": true}, nil
	})
}

func (r *inputRecorder) input(nodeID string) map[string]any {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.inputs[nodeID]
}

// compensatingFake succeeds and remembers which nodes were compensated.
type compensatingFake struct {
	mutex       sync.Mutex
	compensated []string
}

func (f *compensatingFake) Type() string { return "resource" }

func (f *compensatingFake) Execute(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
	return map[string]any{"created": node.ID}, nil
}

func (f *compensatingFake) Compensate(ctx context.Context, node *WorkflowNode, output map[string]any, ec *ExecutionContext) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.compensated = append(f.compensated, node.ID)
	return nil
}

func newTestEngine(t *testing.T, def *WorkflowDefinition, opts EngineOptions, executors ...Executor) (*Engine, *StateStore) {
	t.Helper()
	registry, err := NewRegistry(executors...)
	require.NoError(t, err)
	store := NewStateStore(StateStoreOptions{})
	opts.Definition = def
	opts.Registry = registry
	opts.Store = store
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	return engine, store
}

func requireNodeStatus(t *testing.T, store *StateStore, executionID, nodeID string, status NodeStatus) {
	t.Helper()
	state, err := store.NodeState(executionID, nodeID)
	require.NoError(t, err)
	require.Equal(t, status, state.Status, "node %s", nodeID)
}

func TestEngineLinearRun(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "linear",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "emit", Parameters: map[string]any{"value": 7, "extra": "x"}},
			{ID: "b", Type: "capture"},
		},
		Edges: []*WorkflowEdge{
			{Source: Endpoint{NodeID: "a", Handle: "value"}, Target: Endpoint{NodeID: "b", Handle: "in"}},
		},
	}
	recorder := newInputRecorder()
	engine, store := newTestEngine(t, def, EngineOptions{}, emitExecutor(), recorder.executor())

	require.NoError(t, engine.Run(context.Background()))

	executionID := engine.ExecutionID()
	state, err := store.State(executionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuccess, state.Status)
	requireNodeStatus(t, store, executionID, "a", NodeStatusSuccess)
	requireNodeStatus(t, store, executionID, "b", NodeStatusSuccess)

	// Source handle selects one key, target handle nests the contribution.
	require.Equal(t, map[string]any{"in": map[string]any{"value": 7}}, recorder.input("b"))

	output, ok := engine.Context().NodeResult("b")
	require.True(t, ok)
	require.Equal(t, map[string]any{"captured": true}, output)
}

func TestEngineDiamondMergesBranches(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "diamond",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "emit", Parameters: map[string]any{"seed": 1}},
			{ID: "b", Type: "emit", Parameters: map[string]any{"left": "b"}},
			{ID: "c", Type: "emit", Parameters: map[string]any{"right": "c"}},
			{ID: "d", Type: "capture"},
		},
		Edges: []*WorkflowEdge{
			edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d"),
		},
	}
	recorder := newInputRecorder()
	engine, store := newTestEngine(t, def, EngineOptions{}, emitExecutor(), recorder.executor())

	require.NoError(t, engine.Run(context.Background()))

	state, err := store.State(engine.ExecutionID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuccess, state.Status)

	// The join sees both branch outputs merged.
	input := recorder.input("d")
	require.Equal(t, "b", input["left"])
	require.Equal(t, "c", input["right"])

	require.Len(t, engine.completionOrder, 4)
	require.Equal(t, "a", engine.completionOrder[0])
	require.Equal(t, "d", engine.completionOrder[3])
}

func TestEngineParameterTemplates(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "templates",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "emit", Parameters: map[string]any{"count": 3}},
			{ID: "b", Type: "emit", Parameters: map[string]any{
				"doubled":  "${input.count * 2}",
				"greeting": "${variables.name}",
				"static":   "plain",
			}},
		},
		Edges: []*WorkflowEdge{edge("a", "b")},
	}
	ec := NewExecutionContext(ExecutionContextOptions{
		WorkflowID: "templates",
		Variables:  map[string]any{"name": "ada"},
	})
	engine, _ := newTestEngine(t, def, EngineOptions{
		Compiler:         script.NewExprCompiler(),
		ExecutionContext: ec,
	}, emitExecutor())

	require.NoError(t, engine.Run(context.Background()))

	output, ok := ec.NodeResult("b")
	require.True(t, ok)
	require.EqualValues(t, 6, output["doubled"])
	require.Equal(t, "ada", output["greeting"])
	require.Equal(t, "plain", output["static"])
}

func TestEngineRetrySucceedsAfterFailures(t *testing.T) {
	var attempts atomic.Int32
	flaky := NewExecutorFunc("flaky", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, retry.Recoverable(errors.New("transient"))
		}
		return map[string]any{"ok": true}, nil
	})
	def := &WorkflowDefinition{
		ID: "retry",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "flaky", Retry: &RetryPolicy{
				MaxAttempts:     3,
				InitialInterval: 5 * time.Millisecond,
			}},
		},
	}
	engine, store := newTestEngine(t, def, EngineOptions{}, flaky)

	require.NoError(t, engine.Run(context.Background()))
	require.EqualValues(t, 3, attempts.Load())

	state, err := store.NodeState(engine.ExecutionID(), "a")
	require.NoError(t, err)
	require.Equal(t, NodeStatusSuccess, state.Status)
	require.Equal(t, 2, state.RetryAttempt)
}

func TestEngineRetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	failing := NewExecutorFunc("failing", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		attempts.Add(1)
		return nil, retry.Recoverable(errors.New("still broken"))
	})
	def := &WorkflowDefinition{
		ID: "exhausted",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "failing", Retry: &RetryPolicy{
				MaxAttempts:     2,
				InitialInterval: 5 * time.Millisecond,
			}},
		},
	}
	engine, store := newTestEngine(t, def, EngineOptions{}, failing)

	err := engine.Run(context.Background())
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeRetryExhausted))
	require.EqualValues(t, 2, attempts.Load())

	state, err := store.State(engine.ExecutionID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusError, state.Status)
	requireNodeStatus(t, store, engine.ExecutionID(), "a", NodeStatusError)
}

func TestEnginePermanentErrorSkipsRetries(t *testing.T) {
	var attempts atomic.Int32
	broken := NewExecutorFunc("broken", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		attempts.Add(1)
		return nil, retry.Permanent(errors.New("bad config"))
	})
	def := &WorkflowDefinition{
		ID: "permanent",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "broken", Retry: &RetryPolicy{
				MaxAttempts:     5,
				InitialInterval: time.Millisecond,
			}},
		},
	}
	engine, _ := newTestEngine(t, def, EngineOptions{}, broken)

	err := engine.Run(context.Background())
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeNodeExecution))
	require.EqualValues(t, 1, attempts.Load())
}

func TestEngineStopPolicy(t *testing.T) {
	broken := NewExecutorFunc("broken", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return nil, retry.Permanent(errors.New("boom"))
	})
	def := &WorkflowDefinition{
		ID: "stop",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "broken"},
			{ID: "b", Type: "emit"},
		},
		Edges: []*WorkflowEdge{edge("a", "b")},
	}
	engine, store := newTestEngine(t, def, EngineOptions{}, broken, emitExecutor())

	err := engine.Run(context.Background())
	require.Error(t, err)

	executionID := engine.ExecutionID()
	state, err := store.State(executionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusError, state.Status)
	requireNodeStatus(t, store, executionID, "a", NodeStatusError)
	requireNodeStatus(t, store, executionID, "b", NodeStatusSkipped)
}

func TestEngineContinuePolicy(t *testing.T) {
	broken := NewExecutorFunc("broken", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return nil, retry.Permanent(errors.New("boom"))
	})
	def := &WorkflowDefinition{
		ID: "continue",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "emit"},
			{ID: "b", Type: "broken"},
			{ID: "c", Type: "emit", Parameters: map[string]any{"side": "c"}},
			{ID: "d", Type: "emit"},
		},
		Edges: []*WorkflowEdge{
			edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d"),
		},
		Settings: WorkflowSettings{ErrorHandling: ErrorHandlingContinue},
	}
	engine, store := newTestEngine(t, def, EngineOptions{}, broken, emitExecutor())

	err := engine.Run(context.Background())
	require.Error(t, err)

	executionID := engine.ExecutionID()
	state, err := store.State(executionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusError, state.Status)
	requireNodeStatus(t, store, executionID, "a", NodeStatusSuccess)
	requireNodeStatus(t, store, executionID, "b", NodeStatusError)
	requireNodeStatus(t, store, executionID, "c", NodeStatusSuccess)
	requireNodeStatus(t, store, executionID, "d", NodeStatusSkipped)
}

func TestEngineRollbackCompensates(t *testing.T) {
	resources := &compensatingFake{}
	broken := NewExecutorFunc("broken", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return nil, retry.Permanent(errors.New("provisioning failed"))
	})
	def := &WorkflowDefinition{
		ID: "rollback",
		Nodes: []*WorkflowNode{
			{ID: "first", Type: "resource"},
			{ID: "second", Type: "resource"},
			{ID: "third", Type: "broken"},
		},
		Edges: []*WorkflowEdge{edge("first", "second"), edge("second", "third")},
		Settings: WorkflowSettings{ErrorHandling: ErrorHandlingRollback},
	}
	engine, _ := newTestEngine(t, def, EngineOptions{}, resources, broken)

	err := engine.Run(context.Background())
	require.Error(t, err)

	// Completed nodes compensated in reverse completion order.
	require.Equal(t, []string{"second", "first"}, resources.compensated)
}

func TestEngineSkipOnError(t *testing.T) {
	broken := NewExecutorFunc("broken", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return nil, retry.Permanent(errors.New("optional step failed"))
	})
	def := &WorkflowDefinition{
		ID: "skip-on-error",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "broken", SkipOnError: true},
			{ID: "b", Type: "capture"},
		},
		Edges: []*WorkflowEdge{edge("a", "b")},
	}
	recorder := newInputRecorder()
	engine, store := newTestEngine(t, def, EngineOptions{}, broken, recorder.executor())

	// The failure is absorbed; the execution still succeeds.
	require.NoError(t, engine.Run(context.Background()))

	executionID := engine.ExecutionID()
	state, err := store.State(executionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuccess, state.Status)
	requireNodeStatus(t, store, executionID, "a", NodeStatusSkipped)
	requireNodeStatus(t, store, executionID, "b", NodeStatusSuccess)
	require.Empty(t, recorder.input("b"))
}

func TestEngineDisabledNode(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "disabled",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "emit", Disabled: true},
			{ID: "b", Type: "emit"},
		},
		Edges: []*WorkflowEdge{edge("a", "b")},
	}
	engine, store := newTestEngine(t, def, EngineOptions{}, emitExecutor())

	require.NoError(t, engine.Run(context.Background()))

	executionID := engine.ExecutionID()
	requireNodeStatus(t, store, executionID, "a", NodeStatusSkipped)
	requireNodeStatus(t, store, executionID, "b", NodeStatusSuccess)
}

func TestEngineConditionalBranch(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "conditional",
		Nodes: []*WorkflowNode{
			{ID: "score", Type: "emit", Parameters: map[string]any{"value": 5}},
			{ID: "high", Type: "emit"},
			{ID: "low", Type: "emit"},
		},
		Edges: []*WorkflowEdge{
			{Source: Endpoint{NodeID: "score"}, Target: Endpoint{NodeID: "high"}, Condition: "output.value > 10"},
			{Source: Endpoint{NodeID: "score"}, Target: Endpoint{NodeID: "low"}, Condition: "output.value <= 10"},
		},
	}
	engine, store := newTestEngine(t, def, EngineOptions{
		Compiler: script.NewExprCompiler(),
	}, emitExecutor())

	require.NoError(t, engine.Run(context.Background()))

	executionID := engine.ExecutionID()
	state, err := store.State(executionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuccess, state.Status)
	requireNodeStatus(t, store, executionID, "score", NodeStatusSuccess)
	requireNodeStatus(t, store, executionID, "low", NodeStatusSuccess)
	requireNodeStatus(t, store, executionID, "high", NodeStatusSkipped)
}

func TestEngineNodeTimeout(t *testing.T) {
	slow := NewExecutorFunc("slow", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		select {
		case <-time.After(time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	def := &WorkflowDefinition{
		ID: "timeout",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "slow", Timeout: 20 * time.Millisecond},
		},
	}
	engine, store := newTestEngine(t, def, EngineOptions{}, slow)

	start := time.Now()
	err := engine.Run(context.Background())
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)

	state, err := store.State(engine.ExecutionID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusError, state.Status)
}

func TestEngineCancellation(t *testing.T) {
	started := make(chan struct{})
	blocking := NewExecutorFunc("blocking", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		// Let the control loop observe the cancellation first; the result
		// then arrives during the drain.
		time.Sleep(50 * time.Millisecond)
		return nil, ctx.Err()
	})
	def := &WorkflowDefinition{
		ID: "cancel",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "blocking"},
			{ID: "b", Type: "emit"},
		},
		Edges: []*WorkflowEdge{edge("a", "b")},
	}
	engine, store := newTestEngine(t, def, EngineOptions{
		CancelGracePeriod: 500 * time.Millisecond,
	}, blocking, emitExecutor())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := engine.Run(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	executionID := engine.ExecutionID()
	state, err := store.State(executionID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCancelled, state.Status)
	requireNodeStatus(t, store, executionID, "a", NodeStatusCancelled)
	requireNodeStatus(t, store, executionID, "b", NodeStatusCancelled)
}

func TestEngineWorkflowTimeout(t *testing.T) {
	blocking := NewExecutorFunc("blocking", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil, ctx.Err()
	})
	def := &WorkflowDefinition{
		ID: "workflow-timeout",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "blocking"},
		},
		Settings: WorkflowSettings{Timeout: 30 * time.Millisecond},
	}
	engine, store := newTestEngine(t, def, EngineOptions{
		CancelGracePeriod: 500 * time.Millisecond,
	}, blocking)

	err := engine.Run(context.Background())
	require.Error(t, err)

	state, err := store.State(engine.ExecutionID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCancelled, state.Status)
}

func TestEngineEvents(t *testing.T) {
	def := &WorkflowDefinition{
		ID:    "events",
		Nodes: []*WorkflowNode{{ID: "a", Type: "emit"}},
	}
	bus := NewBus(16)
	defer bus.Close()
	events := bus.Subscribe(TopicExecutionStarted, TopicNodeStarted, TopicNodeCompleted, TopicExecutionCompleted)

	engine, _ := newTestEngine(t, def, EngineOptions{Bus: bus}, emitExecutor())
	require.NoError(t, engine.Run(context.Background()))

	var topics []Topic
	for i := 0; i < 4; i++ {
		select {
		case event := <-events:
			require.Equal(t, engine.ExecutionID(), event.ExecutionID)
			require.Equal(t, "events", event.WorkflowID)
			topics = append(topics, event.Topic)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	require.Equal(t, []Topic{
		TopicExecutionStarted, TopicNodeStarted, TopicNodeCompleted, TopicExecutionCompleted,
	}, topics)
}

func TestEngineRunTwice(t *testing.T) {
	def := &WorkflowDefinition{
		ID:    "once",
		Nodes: []*WorkflowNode{{ID: "a", Type: "emit"}},
	}
	engine, _ := newTestEngine(t, def, EngineOptions{}, emitExecutor())
	require.NoError(t, engine.Run(context.Background()))
	require.Error(t, engine.Run(context.Background()))
}

func TestEngineRejectsUnknownNodeType(t *testing.T) {
	def := &WorkflowDefinition{
		ID:    "unknown",
		Nodes: []*WorkflowNode{{ID: "a", Type: "mystery"}},
	}
	registry, err := NewRegistry(emitExecutor())
	require.NoError(t, err)
	_, err = NewEngine(EngineOptions{Definition: def, Registry: registry})
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeUnknownNodeType))
}

func TestExecuteNodeChain(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "chain",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "emit", Parameters: map[string]any{"value": 5}},
			{ID: "b", Type: "emit", Parameters: map[string]any{"doubled": "${input.value * 2}"}},
			{ID: "c", Type: "emit", Parameters: map[string]any{"unrelated": true}},
			{ID: "d", Type: "emit", Parameters: map[string]any{"final": "${input.doubled}"}},
		},
		Edges: []*WorkflowEdge{edge("a", "b"), edge("b", "d"), edge("c", "d")},
	}

	t.Run("runs target with its ancestors", func(t *testing.T) {
		engine, store := newTestEngine(t, def, EngineOptions{
			Compiler: script.NewExprCompiler(),
		}, emitExecutor())

		output, err := engine.ExecuteNodeChain(context.Background(), "b")
		require.NoError(t, err)
		require.EqualValues(t, 10, output["doubled"])

		// Chain runs never touch the state store.
		_, err = store.State(engine.ExecutionID())
		require.Error(t, err)
	})

	t.Run("unknown target", func(t *testing.T) {
		engine, _ := newTestEngine(t, def, EngineOptions{
			Compiler: script.NewExprCompiler(),
		}, emitExecutor())
		_, err := engine.ExecuteNodeChain(context.Background(), "nope")
		require.Error(t, err)
	})

	t.Run("target cut off by condition", func(t *testing.T) {
		gated := &WorkflowDefinition{
			ID: "gated-chain",
			Nodes: []*WorkflowNode{
				{ID: "a", Type: "emit", Parameters: map[string]any{"value": 5}},
				{ID: "b", Type: "emit"},
			},
			Edges: []*WorkflowEdge{
				{Source: Endpoint{NodeID: "a"}, Target: Endpoint{NodeID: "b"}, Condition: "output.value > 100"},
			},
		}
		engine, _ := newTestEngine(t, gated, EngineOptions{
			Compiler: script.NewExprCompiler(),
		}, emitExecutor())
		_, err := engine.ExecuteNodeChain(context.Background(), "b")
		require.Error(t, err)
	})

	t.Run("failing ancestor", func(t *testing.T) {
		broken := NewExecutorFunc("broken", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
			return nil, errors.New("boom")
		})
		failing := &WorkflowDefinition{
			ID: "failing-chain",
			Nodes: []*WorkflowNode{
				{ID: "a", Type: "broken"},
				{ID: "b", Type: "emit"},
			},
			Edges: []*WorkflowEdge{edge("a", "b")},
		}
		engine, _ := newTestEngine(t, failing, EngineOptions{
			Compiler: script.NewExprCompiler(),
		}, emitExecutor(), broken)
		_, err := engine.ExecuteNodeChain(context.Background(), "b")
		require.Error(t, err)
		require.True(t, IsErrorType(err, ErrorTypeNodeExecution))
	})
}

func TestEngineResumeFromSnapshot(t *testing.T) {
	ctx := context.Background()
	snapshots := NewMemorySnapshotStore()

	// State left behind by a process that died after "a" succeeded while
	// "b" was mid-run.
	crashed := NewStateStore(StateStoreOptions{Snapshots: snapshots})
	crashed.Track("exec_resume", []string{"a", "b"})
	require.NoError(t, crashed.SetStatus("exec_resume", ExecutionStatusRunning))
	require.NoError(t, crashed.RecordTransition("exec_resume", "a", &NodeExecutionState{
		NodeID: "a",
		Status: NodeStatusSuccess,
		Output: map[string]any{"v": "from-a"},
	}))
	require.NoError(t, crashed.RecordTransition("exec_resume", "b", &NodeExecutionState{
		NodeID:    "b",
		Status:    NodeStatusRunning,
		StartTime: time.Now(),
	}))
	snapshotID, err := crashed.Snapshot(ctx, "exec_resume", CheckpointManual)
	require.NoError(t, err)

	store := NewStateStore(StateStoreOptions{Snapshots: snapshots})
	state, err := store.Restore(ctx, snapshotID)
	require.NoError(t, err)
	require.Equal(t, NodeStatusPending, state.NodeStates["b"].Status)

	var reruns atomic.Int32
	counting := NewExecutorFunc("emit", func(ctx context.Context, node *WorkflowNode, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		reruns.Add(1)
		return map[string]any{"v": "rerun"}, nil
	})
	recorder := newInputRecorder()
	registry, err := NewRegistry(counting, recorder.executor())
	require.NoError(t, err)

	def := &WorkflowDefinition{
		ID: "resumable",
		Nodes: []*WorkflowNode{
			{ID: "a", Type: "emit"},
			{ID: "b", Type: "capture"},
		},
		Edges: []*WorkflowEdge{edge("a", "b")},
	}
	engine, err := NewEngine(EngineOptions{
		Definition:       def,
		Registry:         registry,
		Store:            store,
		ExecutionContext: NewExecutionContextFromState(ExecutionContextOptions{WorkflowID: def.ID}, state),
	})
	require.NoError(t, err)
	require.Equal(t, "exec_resume", engine.ExecutionID())

	require.NoError(t, engine.Run(ctx))

	require.Zero(t, reruns.Load(), "already-successful node must not re-run")
	require.Equal(t, map[string]any{"v": "from-a"}, recorder.input("b"))

	final, err := store.State("exec_resume")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuccess, final.Status)
	requireNodeStatus(t, store, "exec_resume", "a", NodeStatusSuccess)
	requireNodeStatus(t, store, "exec_resume", "b", NodeStatusSuccess)
}
