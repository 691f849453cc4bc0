package flowgraph

import (
	"time"
)

// NodeStatus represents the state of a single node within an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSuccess   NodeStatus = "success"
	NodeStatusError     NodeStatus = "error"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the status is a final one.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusError, NodeStatusSkipped, NodeStatusCancelled:
		return true
	}
	return false
}

// NodeExecutionState tracks one node's run state. Transitions are owned
// exclusively by the execution engine. This struct is designed to be fully
// JSON serializable.
type NodeExecutionState struct {
	NodeID        string         `json:"node_id"`
	Status        NodeStatus     `json:"status"`
	StartTime     time.Time      `json:"start_time,omitzero"`
	EndTime       time.Time      `json:"end_time,omitzero"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	RetryAttempt  int            `json:"retry_attempt,omitempty"`
}

// Copy returns a shallow copy of the node state.
func (s *NodeExecutionState) Copy() *NodeExecutionState {
	return &NodeExecutionState{
		NodeID:        s.NodeID,
		Status:        s.Status,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		ExecutionTime: s.ExecutionTime,
		Input:         copyMap(s.Input),
		Output:        copyMap(s.Output),
		Error:         s.Error,
		RetryAttempt:  s.RetryAttempt,
	}
}

// copyMap creates a shallow copy of a map.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
