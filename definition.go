package flowgraph

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrorHandling selects the workflow-level policy applied when a node ends
// in a terminal error.
type ErrorHandling string

const (
	// ErrorHandlingStop marks the execution failed and stops scheduling
	// further nodes.
	ErrorHandlingStop ErrorHandling = "stop"

	// ErrorHandlingContinue skips the failed node's downstream dependents
	// and keeps executing unrelated branches.
	ErrorHandlingContinue ErrorHandling = "continue"

	// ErrorHandlingRollback behaves like continue and additionally invokes
	// compensating executors for completed nodes in reverse completion
	// order.
	ErrorHandlingRollback ErrorHandling = "rollback"
)

// WorkflowSettings holds execution-wide configuration.
type WorkflowSettings struct {
	ErrorHandling ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries    int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// CancelRunningOnStop controls whether in-flight nodes are cancelled
	// or allowed to finish when the stop policy fires.
	CancelRunningOnStop bool `json:"cancel_running_on_stop,omitempty" yaml:"cancel_running_on_stop,omitempty"`
}

// RetryPolicy configures per-node retry behavior. The delay before attempt
// n (zero-based) is InitialInterval * BackoffMultiplier^n.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialInterval   time.Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
}

// Delay returns the backoff delay preceding the given zero-based retry
// attempt.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	interval := p.InitialInterval
	if interval <= 0 {
		interval = time.Second
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(interval)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}
	return time.Duration(delay)
}

// WorkflowNode is one unit of work in a workflow. Nodes are never mutated
// during execution.
type WorkflowNode struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type        string         `json:"type" yaml:"type"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Credentials []string       `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Retry       *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// SkipOnError lets downstream nodes treat this node as a pass-through
	// when it is skipped.
	SkipOnError bool `json:"skip_on_error,omitempty" yaml:"skip_on_error,omitempty"`

	// Disabled nodes are marked skipped at execution start and act as
	// pass-throughs for their dependents.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Endpoint identifies one side of an edge: a node plus an optional named
// handle on that node.
type Endpoint struct {
	NodeID string `json:"node_id" yaml:"node_id"`
	Handle string `json:"handle,omitempty" yaml:"handle,omitempty"`
}

// WorkflowEdge is a directed dependency between two nodes, optionally gated
// by a condition evaluated against the source node's output.
type WorkflowEdge struct {
	ID        string   `json:"id,omitempty" yaml:"id,omitempty"`
	Source    Endpoint `json:"source" yaml:"source"`
	Target    Endpoint `json:"target" yaml:"target"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WorkflowDefinition is the immutable graph spec handed to the engine. It
// is created by the authoring layer and read-only here.
type WorkflowDefinition struct {
	ID             string           `json:"id" yaml:"id"`
	Name           string           `json:"name,omitempty" yaml:"name,omitempty"`
	OrganizationID string           `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	Nodes          []*WorkflowNode  `json:"nodes" yaml:"nodes"`
	Edges          []*WorkflowEdge  `json:"edges,omitempty" yaml:"edges,omitempty"`
	Settings       WorkflowSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Node returns a node by id.
func (d *WorkflowDefinition) Node(id string) (*WorkflowNode, bool) {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return nil, false
}

// NodeIDs returns the ids of all nodes, sorted.
func (d *WorkflowDefinition) NodeIDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for _, node := range d.Nodes {
		ids = append(ids, node.ID)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the definition's structure. Graph acyclicity is checked
// separately by BuildGraph.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return NewValidationError("workflow id required")
	}
	if len(d.Nodes) == 0 {
		return NewValidationError("workflow must have at least one node")
	}
	seen := make(map[string]bool, len(d.Nodes))
	for _, node := range d.Nodes {
		if node.ID == "" {
			return NewValidationError("node id required")
		}
		if node.Type == "" {
			return NewValidationError("node %q has no type", node.ID)
		}
		if seen[node.ID] {
			return NewValidationError("duplicate node id %q", node.ID)
		}
		seen[node.ID] = true
	}
	for _, edge := range d.Edges {
		if edge.Source.NodeID == "" || edge.Target.NodeID == "" {
			return NewValidationError("edge %q is missing a source or target node", edge.ID)
		}
		if !seen[edge.Source.NodeID] {
			return NewValidationError("edge source node %q not found", edge.Source.NodeID)
		}
		if !seen[edge.Target.NodeID] {
			return NewValidationError("edge target node %q not found", edge.Target.NodeID)
		}
		if edge.Source.NodeID == edge.Target.NodeID {
			return NewValidationError("edge %q connects node %q to itself", edge.ID, edge.Source.NodeID)
		}
	}
	switch d.Settings.ErrorHandling {
	case "", ErrorHandlingStop, ErrorHandlingContinue, ErrorHandlingRollback:
	default:
		return NewValidationError("unknown error handling policy %q", d.Settings.ErrorHandling)
	}
	return nil
}

// LoadFile loads a workflow definition from a YAML file.
func LoadFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadString(string(data))
}

// LoadString loads a workflow definition from a YAML string.
func LoadString(data string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
