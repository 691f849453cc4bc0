package flowgraph

import (
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new type-prefixed unique execution id.
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionMode describes how an execution was initiated.
type ExecutionMode string

const (
	ExecutionModeManual  ExecutionMode = "manual"
	ExecutionModeTrigger ExecutionMode = "trigger"
	ExecutionModeWebhook ExecutionMode = "webhook"
	ExecutionModeRetry   ExecutionMode = "retry"
)

// ExecutionContextOptions configures a new ExecutionContext.
type ExecutionContextOptions struct {
	ExecutionID    string
	WorkflowID     string
	UserID         string
	OrganizationID string
	Mode           ExecutionMode
	Variables      map[string]any
	Credentials    map[string]map[string]any
}

// ExecutionContext holds the run-scoped mutable state of one execution:
// variables, accumulated node outputs, and resolved credentials. Reads and
// writes are linearizable per key. It exists to decouple state ownership
// from the engine's control logic, which simplifies both testing and
// snapshotting.
type ExecutionContext struct {
	executionID    string
	workflowID     string
	userID         string
	organizationID string
	mode           ExecutionMode
	startedAt      time.Time

	mutex       sync.RWMutex
	variables   map[string]any
	nodeResults map[string]map[string]any
	credentials map[string]map[string]any
}

// NewExecutionContext creates a context for a fresh execution.
func NewExecutionContext(opts ExecutionContextOptions) *ExecutionContext {
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}
	if opts.Mode == "" {
		opts.Mode = ExecutionModeManual
	}
	credentials := make(map[string]map[string]any, len(opts.Credentials))
	for name, data := range opts.Credentials {
		credentials[name] = copyMap(data)
	}
	return &ExecutionContext{
		executionID:    opts.ExecutionID,
		workflowID:     opts.WorkflowID,
		userID:         opts.UserID,
		organizationID: opts.OrganizationID,
		mode:           opts.Mode,
		startedAt:      time.Now(),
		variables:      copyMap(opts.Variables),
		nodeResults:    map[string]map[string]any{},
		credentials:    credentials,
	}
}

// NewExecutionContextFromState creates a context for resuming an execution
// restored from a snapshot. The execution id comes from the restored state,
// and the outputs of already-successful nodes are seeded so their
// dependents resolve inputs without those nodes re-running. The resuming
// engine must share the state store the snapshot was restored into.
func NewExecutionContextFromState(opts ExecutionContextOptions, state *WorkflowState) *ExecutionContext {
	opts.ExecutionID = state.ExecutionID
	ec := NewExecutionContext(opts)
	for nodeID, nodeState := range state.NodeStates {
		if nodeState.Status == NodeStatusSuccess {
			ec.SetNodeResult(nodeID, nodeState.Output)
		}
	}
	return ec
}

// ExecutionID returns the execution id.
func (c *ExecutionContext) ExecutionID() string { return c.executionID }

// WorkflowID returns the workflow id.
func (c *ExecutionContext) WorkflowID() string { return c.workflowID }

// UserID returns the initiating user id.
func (c *ExecutionContext) UserID() string { return c.userID }

// OrganizationID returns the owning organization id.
func (c *ExecutionContext) OrganizationID() string { return c.organizationID }

// Mode returns the execution mode.
func (c *ExecutionContext) Mode() ExecutionMode { return c.mode }

// StartedAt returns the creation time of this context.
func (c *ExecutionContext) StartedAt() time.Time { return c.startedAt }

// SetVariable sets a variable value.
func (c *ExecutionContext) SetVariable(key string, value any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.variables == nil {
		c.variables = map[string]any{}
	}
	c.variables[key] = value
}

// GetVariable returns a variable value.
func (c *ExecutionContext) GetVariable(key string) (any, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	value, ok := c.variables[key]
	return value, ok
}

// Variables returns a copy of the variables map.
func (c *ExecutionContext) Variables() map[string]any {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return copyMap(c.variables)
}

// SetNodeResult records a node's output. The result for a node id is
// written exactly once per attempt; retries overwrite the prior attempt's
// result.
func (c *ExecutionContext) SetNodeResult(nodeID string, output map[string]any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.nodeResults[nodeID] = copyMap(output)
}

// NodeResult returns the recorded output for a node.
func (c *ExecutionContext) NodeResult(nodeID string) (map[string]any, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	output, ok := c.nodeResults[nodeID]
	if !ok {
		return nil, false
	}
	return copyMap(output), true
}

// NodeResults returns a copy of all recorded node outputs.
func (c *ExecutionContext) NodeResults() map[string]map[string]any {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make(map[string]map[string]any, len(c.nodeResults))
	for id, result := range c.nodeResults {
		out[id] = copyMap(result)
	}
	return out
}

// DiscardNodeResult removes a node's recorded output. Used when a
// cancelled node reports a late result.
func (c *ExecutionContext) DiscardNodeResult(nodeID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.nodeResults, nodeID)
}

// Credential returns a resolved credential by name.
func (c *ExecutionContext) Credential(name string) (map[string]any, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	data, ok := c.credentials[name]
	if !ok {
		return nil, false
	}
	return copyMap(data), true
}

// SetCredential stores a resolved credential.
func (c *ExecutionContext) SetCredential(name string, data map[string]any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.credentials[name] = copyMap(data)
}
