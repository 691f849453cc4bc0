package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/deepnoodle-ai/flowgraph/retry"
	"github.com/deepnoodle-ai/flowgraph/script"
)

// EngineOptions configures a new execution engine.
type EngineOptions struct {
	Definition       *WorkflowDefinition
	Registry         *Registry
	Store            *StateStore
	Bus              *Bus
	Logger           *slog.Logger
	Formatter        ExecutionFormatter
	Compiler         script.Compiler
	ExecutionContext *ExecutionContext

	// Concurrency bounds the number of nodes running at once. Zero means
	// the default of 4.
	Concurrency int

	// CancelGracePeriod is how long in-flight nodes get to wind down after
	// cancellation before being abandoned.
	CancelGracePeriod time.Duration
}

// inflightNode tracks one running node attempt.
type inflightNode struct {
	cancel    context.CancelFunc
	attempt   int
	startedAt time.Time
}

// nodeResult carries one attempt's outcome from the worker goroutine back
// to the control loop.
type nodeResult struct {
	nodeID    string
	attempt   int
	output    map[string]any
	err       error
	startedAt time.Time
	endedAt   time.Time
}

// Engine runs one workflow execution to completion. All scheduling
// decisions happen on a single control goroutine; node executors run on
// worker goroutines and report back over a channel, so no node state is
// ever mutated concurrently.
type Engine struct {
	def       *WorkflowDefinition
	graph     *Graph
	registry  *Registry
	store     *StateStore
	bus       *Bus
	logger    *slog.Logger
	formatter ExecutionFormatter
	compiler  script.Compiler
	ec        *ExecutionContext
	eval      ConditionEvaluator
	view      StateView

	concurrency int
	grace       time.Duration

	results chan nodeResult
	retries *DelayQueue

	// Control-loop state. Only touched from the control goroutine.
	running         map[string]*inflightNode
	waitingRetry    map[string]int
	completionOrder []string
	stopping        bool
	cancelling      bool
	rollback        bool
	failure         error

	mutex   sync.Mutex
	started bool
}

// NewEngine builds the execution graph and validates that every node type
// has a registered executor. Structural problems with the definition are
// surfaced here, before anything runs.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Definition == nil {
		return nil, NewValidationError("workflow definition required")
	}
	if opts.Registry == nil {
		return nil, NewValidationError("executor registry required")
	}
	graph, err := BuildGraph(opts.Definition)
	if err != nil {
		return nil, err
	}
	for _, node := range opts.Definition.Nodes {
		if _, err := opts.Registry.Resolve(node.Type); err != nil {
			return nil, err
		}
	}
	if opts.Store == nil {
		opts.Store = NewStateStore(StateStoreOptions{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorCompiler(script.DefaultGlobals())
	}
	if opts.ExecutionContext == nil {
		opts.ExecutionContext = NewExecutionContext(ExecutionContextOptions{
			WorkflowID: opts.Definition.ID,
		})
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.CancelGracePeriod <= 0 {
		opts.CancelGracePeriod = 5 * time.Second
	}

	e := &Engine{
		def:          opts.Definition,
		graph:        graph,
		registry:     opts.Registry,
		store:        opts.Store,
		bus:          opts.Bus,
		logger:       opts.Logger.With("execution_id", opts.ExecutionContext.ExecutionID()),
		formatter:    opts.Formatter,
		compiler:     opts.Compiler,
		ec:           opts.ExecutionContext,
		concurrency:  opts.Concurrency,
		grace:        opts.CancelGracePeriod,
		results:      make(chan nodeResult, len(opts.Definition.Nodes)),
		retries:      NewDelayQueue(),
		running:      map[string]*inflightNode{},
		waitingRetry: map[string]int{},
	}
	e.eval = func(ctx context.Context, condition string, env map[string]any) (bool, error) {
		globals := copyMap(env)
		if globals == nil {
			globals = map[string]any{}
		}
		globals["variables"] = e.ec.Variables()
		if globals["variables"] == nil {
			globals["variables"] = map[string]any{}
		}
		if globals["output"] == nil {
			globals["output"] = map[string]any{}
		}
		return script.EvaluateCondition(ctx, e.compiler, condition, globals)
	}
	e.view = e.store.View(e.ec.ExecutionID())
	return e, nil
}

// ExecutionID returns the id of the execution this engine drives.
func (e *Engine) ExecutionID() string {
	return e.ec.ExecutionID()
}

// Context returns the execution context.
func (e *Engine) Context() *ExecutionContext {
	return e.ec
}

func (e *Engine) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

// Run executes the workflow to completion, blocking until every node
// reached a terminal state or the context was cancelled. It returns an
// error when the execution ends failed or cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	defer e.retries.Stop()

	executionID := e.ec.ExecutionID()
	e.store.Track(executionID, e.def.NodeIDs())
	e.skipDisabledNodes()

	if err := e.store.SetStatus(executionID, ExecutionStatusRunning); err != nil {
		return err
	}
	e.publish(Event{Topic: TopicExecutionStarted})
	if e.formatter != nil {
		e.formatter.PrintExecutionStart(e.def, executionID)
	}
	e.logger.Info("execution started",
		"workflow_id", e.def.ID,
		"nodes", len(e.def.Nodes),
		"concurrency", e.concurrency)
	e.store.StartAutoSnapshots(executionID)

	if e.def.Settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.def.Settings.Timeout)
		defer cancel()
	}

	for {
		if err := e.scheduleReady(ctx); err != nil {
			e.abort(err)
		}
		if err := e.skipUnreachable(ctx); err != nil {
			e.abort(err)
		}
		done, err := e.finished(ctx)
		if err != nil {
			e.abort(err)
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return e.shutdown(ctx)
		case res := <-e.results:
			e.handleResult(ctx, res)
		case fire := <-e.retries.C():
			e.handleRetryFire(ctx, fire)
		}
	}
	return e.finish(ctx)
}

// skipDisabledNodes marks disabled nodes skipped before scheduling begins,
// so they act as pass-throughs for their dependents.
func (e *Engine) skipDisabledNodes() {
	executionID := e.ec.ExecutionID()
	now := time.Now()
	for _, node := range e.def.Nodes {
		if !node.Disabled {
			continue
		}
		state := &NodeExecutionState{
			NodeID:    node.ID,
			Status:    NodeStatusSkipped,
			StartTime: now,
			EndTime:   now,
		}
		if err := e.store.RecordTransition(executionID, node.ID, state); err != nil {
			e.logger.Warn("failed to mark disabled node skipped", "node_id", node.ID, "error", err)
		}
	}
}

// scheduleReady dispatches pending nodes whose dependencies are satisfied,
// up to the concurrency limit.
func (e *Engine) scheduleReady(ctx context.Context) error {
	if e.stopping || e.cancelling {
		return nil
	}
	ready, err := e.graph.ReadyNodes(ctx, e.view, e.eval)
	if err != nil {
		return err
	}
	for _, nodeID := range ready {
		if len(e.running) >= e.concurrency {
			break
		}
		if _, inflight := e.running[nodeID]; inflight {
			continue
		}
		if _, waiting := e.waitingRetry[nodeID]; waiting {
			continue
		}
		e.dispatch(ctx, nodeID, 0)
	}
	return nil
}

// skipUnreachable marks pending nodes whose dependencies can no longer be
// satisfied as skipped. Runs to a fixpoint since skipping one node can cut
// off its dependents.
func (e *Engine) skipUnreachable(ctx context.Context) error {
	executionID := e.ec.ExecutionID()
	for {
		unreachable, err := e.graph.UnreachablePending(ctx, e.view, e.eval)
		if err != nil {
			return err
		}
		if len(unreachable) == 0 {
			return nil
		}
		now := time.Now()
		for _, nodeID := range unreachable {
			state := &NodeExecutionState{
				NodeID:    nodeID,
				Status:    NodeStatusSkipped,
				StartTime: now,
				EndTime:   now,
			}
			if err := e.store.RecordTransition(executionID, nodeID, state); err != nil {
				return err
			}
			e.logger.Debug("node unreachable, skipped", "node_id", nodeID)
		}
	}
}

// finished reports whether the control loop can exit.
func (e *Engine) finished(ctx context.Context) (bool, error) {
	if len(e.running) > 0 || len(e.waitingRetry) > 0 {
		return false, nil
	}
	if e.stopping {
		return true, nil
	}
	return e.graph.IsTerminal(ctx, e.view, e.eval)
}

// dispatch starts one node attempt on a worker goroutine. Resolution
// failures (input merging, parameter templates, executor lookup) are
// treated as permanent node failures.
func (e *Engine) dispatch(ctx context.Context, nodeID string, attempt int) {
	node, ok := e.graph.Node(nodeID)
	if !ok {
		e.handleFailure(ctx, nodeID, attempt, retry.Permanent(fmt.Errorf("node %q not found", nodeID)), time.Now(), time.Now())
		return
	}
	now := time.Now()

	input, err := e.resolveInput(ctx, nodeID)
	if err != nil {
		e.handleFailure(ctx, nodeID, attempt, retry.Permanent(err), now, time.Now())
		return
	}
	resolved, err := e.resolveParameters(ctx, node, input)
	if err != nil {
		e.handleFailure(ctx, nodeID, attempt, retry.Permanent(err), now, time.Now())
		return
	}
	executor, err := e.registry.Resolve(node.Type)
	if err != nil {
		e.handleFailure(ctx, nodeID, attempt, retry.Permanent(err), now, time.Now())
		return
	}

	state := &NodeExecutionState{
		NodeID:       nodeID,
		Status:       NodeStatusRunning,
		StartTime:    now,
		Input:        input,
		RetryAttempt: attempt,
	}
	if err := e.store.RecordTransition(e.ec.ExecutionID(), nodeID, state); err != nil {
		e.handleFailure(ctx, nodeID, attempt, retry.Permanent(err), now, time.Now())
		return
	}
	e.publish(Event{Topic: TopicNodeStarted, NodeID: nodeID})
	if e.formatter != nil {
		e.formatter.PrintNodeStart(node, attempt)
	}
	e.logger.Info("node started", "node_id", nodeID, "type", node.Type, "attempt", attempt)

	var nodeCtx context.Context
	var cancel context.CancelFunc
	if node.Timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, node.Timeout)
	} else {
		nodeCtx, cancel = context.WithCancel(ctx)
	}
	e.running[nodeID] = &inflightNode{cancel: cancel, attempt: attempt, startedAt: now}

	go func() {
		output, err := executor.Execute(nodeCtx, resolved, input, e.ec)
		e.results <- nodeResult{
			nodeID:    nodeID,
			attempt:   attempt,
			output:    output,
			err:       err,
			startedAt: now,
			endedAt:   time.Now(),
		}
	}()
}

// resolveInput merges the outputs of all satisfied inbound edges into the
// node's input, honoring source and target handles. Later edges override
// earlier ones on key conflicts.
func (e *Engine) resolveInput(ctx context.Context, nodeID string) (map[string]any, error) {
	input := map[string]any{}
	for _, edge := range e.graph.Incoming(nodeID) {
		satisfied, err := e.graph.edgeSatisfied(ctx, edge, e.view, e.eval)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			continue
		}
		output, ok := e.ec.NodeResult(edge.Source.NodeID)
		if !ok {
			continue
		}
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
		if err := mergo.Merge(&input, contribution, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge input for node %q: %w", nodeID, err)
		}
	}
	return input, nil
}

// resolveParameters evaluates ${...} template expressions in the node's
// parameters against the resolved input and execution variables. The node
// itself is never mutated; a shallow copy carries the resolved values.
func (e *Engine) resolveParameters(ctx context.Context, node *WorkflowNode, input map[string]any) (*WorkflowNode, error) {
	if len(node.Parameters) == 0 {
		return node, nil
	}
	globals := map[string]any{
		"input":     input,
		"variables": e.ec.Variables(),
	}
	if globals["variables"] == nil {
		globals["variables"] = map[string]any{}
	}
	resolved, err := e.resolveValue(ctx, node.Parameters, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parameters for node %q: %w", node.ID, err)
	}
	clone := *node
	clone.Parameters = resolved.(map[string]any)
	return &clone, nil
}

func (e *Engine) resolveValue(ctx context.Context, value any, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		tmpl, err := script.NewTemplate(e.compiler, v)
		if err != nil {
			return nil, err
		}
		if tmpl.IsStatic() {
			return v, nil
		}
		return tmpl.EvalValue(ctx, globals)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := e.resolveValue(ctx, item, globals)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := e.resolveValue(ctx, item, globals)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *Engine) handleResult(ctx context.Context, res nodeResult) {
	if inflight, ok := e.running[res.nodeID]; ok {
		inflight.cancel()
		delete(e.running, res.nodeID)
	}
	if res.err == nil {
		e.handleSuccess(res)
		return
	}
	e.handleFailure(ctx, res.nodeID, res.attempt, res.err, res.startedAt, res.endedAt)
}

func (e *Engine) handleSuccess(res nodeResult) {
	state := &NodeExecutionState{
		NodeID:        res.nodeID,
		Status:        NodeStatusSuccess,
		StartTime:     res.startedAt,
		EndTime:       res.endedAt,
		ExecutionTime: res.endedAt.Sub(res.startedAt),
		Output:        res.output,
		RetryAttempt:  res.attempt,
	}
	if err := e.store.RecordTransition(e.ec.ExecutionID(), res.nodeID, state); err != nil {
		e.logger.Error("failed to record node success", "node_id", res.nodeID, "error", err)
	}
	e.ec.SetNodeResult(res.nodeID, res.output)
	e.completionOrder = append(e.completionOrder, res.nodeID)
	e.publish(Event{Topic: TopicNodeCompleted, NodeID: res.nodeID})
	if node, ok := e.graph.Node(res.nodeID); ok && e.formatter != nil {
		e.formatter.PrintNodeSuccess(node, state)
	}
	e.logger.Info("node completed",
		"node_id", res.nodeID,
		"attempt", res.attempt,
		"duration", state.ExecutionTime)
}

func (e *Engine) handleFailure(ctx context.Context, nodeID string, attempt int, cause error, startedAt, endedAt time.Time) {
	executionID := e.ec.ExecutionID()
	node, _ := e.graph.Node(nodeID)

	// Nodes cut down by an intentional stop end cancelled, not failed.
	if (e.stopping || e.cancelling) && errors.Is(cause, context.Canceled) {
		state := &NodeExecutionState{
			NodeID:       nodeID,
			Status:       NodeStatusCancelled,
			StartTime:    startedAt,
			EndTime:      endedAt,
			Error:        cause.Error(),
			RetryAttempt: attempt,
		}
		if err := e.store.RecordTransition(executionID, nodeID, state); err != nil {
			e.logger.Error("failed to record node cancellation", "node_id", nodeID, "error", err)
		}
		return
	}

	maxAttempts := e.maxAttempts(node)
	if attempt+1 < maxAttempts && retry.IsRecoverable(cause) && !e.stopping && !e.cancelling {
		nextAttempt := attempt + 1
		delay := e.retryPolicy(node).Delay(attempt)
		state := &NodeExecutionState{
			NodeID:       nodeID,
			Status:       NodeStatusRunning,
			StartTime:    startedAt,
			Error:        cause.Error(),
			RetryAttempt: nextAttempt,
		}
		if err := e.store.RecordTransition(executionID, nodeID, state); err != nil {
			e.logger.Error("failed to record retry state", "node_id", nodeID, "error", err)
		}
		e.waitingRetry[nodeID] = nextAttempt
		e.retries.Schedule(nodeID, nextAttempt, delay)
		e.logger.Warn("node failed, retry scheduled",
			"node_id", nodeID,
			"attempt", attempt,
			"next_attempt", nextAttempt,
			"delay", delay,
			"error", cause)
		return
	}

	finalErr := NewNodeExecutionError(nodeID, cause)
	if attempt > 0 {
		finalErr = NewRetryExhaustedError(nodeID, attempt+1, cause)
	}
	status := NodeStatusError
	if node != nil && node.SkipOnError {
		status = NodeStatusSkipped
	}
	state := &NodeExecutionState{
		NodeID:       nodeID,
		Status:       status,
		StartTime:    startedAt,
		EndTime:      endedAt,
		Error:        cause.Error(),
		RetryAttempt: attempt,
	}
	if err := e.store.RecordTransition(executionID, nodeID, state); err != nil {
		e.logger.Error("failed to record node failure", "node_id", nodeID, "error", err)
	}
	e.publish(Event{Topic: TopicNodeFailed, NodeID: nodeID, Error: cause.Error()})
	if node != nil && e.formatter != nil {
		e.formatter.PrintNodeError(node, state)
	}
	e.logger.Error("node failed", "node_id", nodeID, "attempt", attempt, "error", cause)

	if status == NodeStatusSkipped {
		// SkipOnError turns the failure into a pass-through skip; the
		// execution carries on without triggering the error policy.
		return
	}
	e.applyErrorPolicy(nodeID, finalErr)
}

// applyErrorPolicy reacts to a terminal node failure according to the
// workflow's error handling setting.
func (e *Engine) applyErrorPolicy(nodeID string, cause error) {
	if e.failure == nil {
		e.failure = cause
	}
	policy := e.def.Settings.ErrorHandling
	if policy == "" {
		policy = ErrorHandlingStop
	}
	switch policy {
	case ErrorHandlingStop:
		e.stopping = true
		e.cancelPendingRetries()
		if e.def.Settings.CancelRunningOnStop {
			for _, inflight := range e.running {
				inflight.cancel()
			}
		}
	case ErrorHandlingRollback:
		e.rollback = true
		e.skipDescendants(nodeID)
	case ErrorHandlingContinue:
		e.skipDescendants(nodeID)
	}
}

// cancelPendingRetries drops scheduled retries and finalizes their nodes
// as cancelled.
func (e *Engine) cancelPendingRetries() {
	executionID := e.ec.ExecutionID()
	now := time.Now()
	for nodeID, attempt := range e.waitingRetry {
		e.retries.Cancel(nodeID)
		state := &NodeExecutionState{
			NodeID:       nodeID,
			Status:       NodeStatusCancelled,
			StartTime:    now,
			EndTime:      now,
			Error:        "retry cancelled",
			RetryAttempt: attempt,
		}
		if err := e.store.RecordTransition(executionID, nodeID, state); err != nil {
			e.logger.Error("failed to cancel pending retry", "node_id", nodeID, "error", err)
		}
		delete(e.waitingRetry, nodeID)
	}
}

// skipDescendants marks every pending transitive dependent of a failed
// node as skipped.
func (e *Engine) skipDescendants(nodeID string) {
	executionID := e.ec.ExecutionID()
	now := time.Now()
	for _, id := range e.graph.Descendants(nodeID) {
		state, err := e.store.NodeState(executionID, id)
		if err != nil || state.Status != NodeStatusPending {
			continue
		}
		skipped := &NodeExecutionState{
			NodeID:    id,
			Status:    NodeStatusSkipped,
			StartTime: now,
			EndTime:   now,
			Error:     fmt.Sprintf("skipped due to failure of node %q", nodeID),
		}
		if err := e.store.RecordTransition(executionID, id, skipped); err != nil {
			e.logger.Error("failed to skip descendant", "node_id", id, "error", err)
		}
	}
}

func (e *Engine) handleRetryFire(ctx context.Context, fire RetryFire) {
	attempt, ok := e.waitingRetry[fire.NodeID]
	if !ok || attempt != fire.Attempt {
		return
	}
	if e.stopping || e.cancelling {
		return
	}
	if len(e.running) >= e.concurrency {
		// At capacity; come back shortly.
		e.retries.Schedule(fire.NodeID, fire.Attempt, 10*time.Millisecond)
		return
	}
	delete(e.waitingRetry, fire.NodeID)
	e.dispatch(ctx, fire.NodeID, fire.Attempt)
}

func (e *Engine) maxAttempts(node *WorkflowNode) int {
	if node != nil && node.Retry != nil && node.Retry.MaxAttempts > 0 {
		return node.Retry.MaxAttempts
	}
	if e.def.Settings.MaxRetries > 0 {
		return e.def.Settings.MaxRetries + 1
	}
	return 1
}

func (e *Engine) retryPolicy(node *WorkflowNode) *RetryPolicy {
	if node != nil && node.Retry != nil {
		return node.Retry
	}
	return &RetryPolicy{}
}

// abort fails the execution from inside the control loop (condition
// evaluation errors, state recording failures). Running nodes are
// cancelled and the loop drains before finishing.
func (e *Engine) abort(cause error) {
	if e.failure == nil {
		e.failure = cause
	}
	if e.stopping {
		return
	}
	e.stopping = true
	e.cancelPendingRetries()
	for _, inflight := range e.running {
		inflight.cancel()
	}
	e.logger.Error("execution aborted", "error", cause)
}

// shutdown handles context cancellation: cancel everything in flight,
// give workers a grace period to report, then abandon stragglers.
func (e *Engine) shutdown(ctx context.Context) error {
	executionID := e.ec.ExecutionID()
	e.cancelling = true
	e.logger.Warn("execution cancelled", "cause", context.Cause(ctx))

	for _, inflight := range e.running {
		inflight.cancel()
	}
	e.cancelPendingRetries()

	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	for len(e.running) > 0 {
		select {
		case res := <-e.results:
			if inflight, ok := e.running[res.nodeID]; ok {
				inflight.cancel()
				delete(e.running, res.nodeID)
			}
			if res.err == nil {
				// Finished despite the cancellation; keep the work.
				e.handleSuccess(res)
				continue
			}
			state := &NodeExecutionState{
				NodeID:       res.nodeID,
				Status:       NodeStatusCancelled,
				StartTime:    res.startedAt,
				EndTime:      res.endedAt,
				Error:        res.err.Error(),
				RetryAttempt: res.attempt,
			}
			if err := e.store.RecordTransition(executionID, res.nodeID, state); err != nil {
				e.logger.Error("failed to record node cancellation", "node_id", res.nodeID, "error", err)
			}
		case <-grace.C:
			now := time.Now()
			for nodeID, inflight := range e.running {
				state := &NodeExecutionState{
					NodeID:       nodeID,
					Status:       NodeStatusCancelled,
					StartTime:    inflight.startedAt,
					EndTime:      now,
					Error:        "abandoned at cancellation",
					RetryAttempt: inflight.attempt,
				}
				if err := e.store.RecordTransition(executionID, nodeID, state); err != nil {
					e.logger.Error("failed to record node cancellation", "node_id", nodeID, "error", err)
				}
				e.ec.DiscardNodeResult(nodeID)
				delete(e.running, nodeID)
			}
		}
	}

	// Everything still pending will never run.
	now := time.Now()
	for _, nodeID := range e.graph.TopologicalOrder() {
		state, err := e.store.NodeState(executionID, nodeID)
		if err != nil || state.Status != NodeStatusPending {
			continue
		}
		cancelled := &NodeExecutionState{
			NodeID:    nodeID,
			Status:    NodeStatusCancelled,
			StartTime: now,
			EndTime:   now,
		}
		if err := e.store.RecordTransition(executionID, nodeID, cancelled); err != nil {
			e.logger.Error("failed to cancel pending node", "node_id", nodeID, "error", err)
		}
	}

	if err := e.store.SetStatus(executionID, ExecutionStatusCancelled); err != nil {
		e.logger.Error("failed to set execution status", "error", err)
	}
	e.finalSnapshot()
	e.publish(Event{Topic: TopicExecutionCancelled, Error: ctx.Err().Error()})
	e.printSummary()
	return fmt.Errorf("execution %q cancelled: %w", executionID, ctx.Err())
}

// finish drives the execution to its terminal status once the control loop
// exits normally.
func (e *Engine) finish(ctx context.Context) error {
	executionID := e.ec.ExecutionID()

	if e.rollback && e.failure != nil {
		e.compensate(ctx)
	}

	status := ExecutionStatusSuccess
	if e.failure != nil {
		status = ExecutionStatusError
	}
	if err := e.store.SetStatus(executionID, status); err != nil {
		e.logger.Error("failed to set execution status", "error", err)
	}
	e.finalSnapshot()

	if e.failure != nil {
		e.publish(Event{Topic: TopicExecutionFailed, Error: e.failure.Error()})
		e.logger.Error("execution failed", "error", e.failure)
	} else {
		e.publish(Event{Topic: TopicExecutionCompleted})
		e.logger.Info("execution completed")
	}
	e.printSummary()
	return e.failure
}

// compensate invokes compensating executors for completed nodes in reverse
// completion order. Compensation failures are logged, never fatal.
func (e *Engine) compensate(ctx context.Context) {
	for i := len(e.completionOrder) - 1; i >= 0; i-- {
		nodeID := e.completionOrder[i]
		node, ok := e.graph.Node(nodeID)
		if !ok {
			continue
		}
		executor, err := e.registry.Resolve(node.Type)
		if err != nil {
			continue
		}
		compensating, ok := executor.(CompensatingExecutor)
		if !ok {
			continue
		}
		output, _ := e.ec.NodeResult(nodeID)
		if err := compensating.Compensate(ctx, node, output, e.ec); err != nil {
			e.logger.Error("compensation failed", "node_id", nodeID, "error", err)
		} else {
			e.logger.Info("node compensated", "node_id", nodeID)
		}
	}
}

// finalSnapshot persists the terminal state so recovery and audits see the
// finished execution. Uses its own deadline since the run context may
// already be done.
func (e *Engine) finalSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.store.Snapshot(ctx, e.ec.ExecutionID(), CheckpointAuto); err != nil {
		e.logger.Error("failed to save final snapshot", "error", err)
	}
}

func (e *Engine) printSummary() {
	if e.formatter == nil {
		return
	}
	executionID := e.ec.ExecutionID()
	state, err := e.store.State(executionID)
	if err != nil {
		return
	}
	metrics, err := e.store.Metrics(executionID)
	if err != nil {
		metrics = nil
	}
	e.formatter.PrintExecutionEnd(state, metrics)
}

func (e *Engine) publish(event Event) {
	if e.bus == nil {
		return
	}
	event.ExecutionID = e.ec.ExecutionID()
	event.WorkflowID = e.def.ID
	event.UserID = e.ec.UserID()
	e.bus.Publish(event)
}
