package flowgraph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ExecutionStatus represents the state of a whole execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a final one.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	}
	return false
}

// WorkflowState aggregates the node states of one execution. It is owned
// by the StateStore and rebuilt from a snapshot on recovery.
type WorkflowState struct {
	ExecutionID string                         `json:"execution_id"`
	Status      ExecutionStatus                `json:"status"`
	NodeStates  map[string]*NodeExecutionState `json:"node_states"`
	StartTime   time.Time                      `json:"start_time,omitzero"`
	EndTime     time.Time                      `json:"end_time,omitzero"`
}

// Copy returns a deep copy of the workflow state.
func (s *WorkflowState) Copy() *WorkflowState {
	nodeStates := make(map[string]*NodeExecutionState, len(s.NodeStates))
	for id, state := range s.NodeStates {
		nodeStates[id] = state.Copy()
	}
	return &WorkflowState{
		ExecutionID: s.ExecutionID,
		Status:      s.Status,
		NodeStates:  nodeStates,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
	}
}

// ExecutionMetrics is a derived, side-effect-free read over an execution's
// node states.
type ExecutionMetrics struct {
	TotalNodes         int           `json:"total_nodes"`
	CompletedNodes     int           `json:"completed_nodes"`
	FailedNodes        int           `json:"failed_nodes"`
	SkippedNodes       int           `json:"skipped_nodes"`
	AverageNodeTime    time.Duration `json:"average_node_time"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
}

// SnapshotStore persists snapshot records. Implementations must be safe
// for concurrent use.
type SnapshotStore interface {
	// SaveSnapshot stores a snapshot record.
	SaveSnapshot(ctx context.Context, snapshot *StateSnapshot) error

	// LoadSnapshot returns a snapshot by id.
	LoadSnapshot(ctx context.Context, snapshotID string) (*StateSnapshot, error)

	// LatestSnapshot returns the most recent snapshot for an execution,
	// or nil when none exists.
	LatestSnapshot(ctx context.Context, executionID string) (*StateSnapshot, error)

	// ListSnapshots lists an execution's snapshots, oldest first.
	ListSnapshots(ctx context.Context, executionID string) ([]*SnapshotInfo, error)

	// DeleteSnapshot removes one snapshot.
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	// DeleteExecution removes all snapshots for an execution.
	DeleteExecution(ctx context.Context, executionID string) error
}

// StateStoreOptions configures a StateStore.
type StateStoreOptions struct {
	Snapshots                SnapshotStore
	Logger                   *slog.Logger
	MaxSnapshotsPerExecution int
	AutoSnapshotInterval     time.Duration
	Compress                 bool
}

// trackedExecution couples a workflow state with its locking and
// auto-snapshot machinery.
type trackedExecution struct {
	mutex     sync.RWMutex
	state     *WorkflowState
	nodeLocks map[string]*sync.Mutex
	stopAuto  context.CancelFunc
}

// StateStore tracks per-execution state and persists periodic snapshots of
// it, and can rehydrate state from the latest snapshot after a crash.
type StateStore struct {
	mutex      sync.RWMutex
	executions map[string]*trackedExecution

	snapshots    SnapshotStore
	logger       *slog.Logger
	maxSnapshots int
	autoInterval time.Duration
	compress     bool
}

// NewStateStore creates a state store. A nil SnapshotStore defaults to the
// in-memory store.
func NewStateStore(opts StateStoreOptions) *StateStore {
	if opts.Snapshots == nil {
		opts.Snapshots = NewMemorySnapshotStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxSnapshotsPerExecution <= 0 {
		opts.MaxSnapshotsPerExecution = 10
	}
	if opts.AutoSnapshotInterval <= 0 {
		opts.AutoSnapshotInterval = 30 * time.Second
	}
	return &StateStore{
		executions:   map[string]*trackedExecution{},
		snapshots:    opts.Snapshots,
		logger:       opts.Logger,
		maxSnapshots: opts.MaxSnapshotsPerExecution,
		autoInterval: opts.AutoSnapshotInterval,
		compress:     opts.Compress,
	}
}

// Track initializes state for an execution with all nodes pending.
// Idempotent: tracking an already-tracked execution returns its current
// state.
func (s *StateStore) Track(executionID string, nodeIDs []string) *WorkflowState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracked, exists := s.executions[executionID]; exists {
		tracked.mutex.RLock()
		defer tracked.mutex.RUnlock()
		return tracked.state.Copy()
	}

	state := &WorkflowState{
		ExecutionID: executionID,
		Status:      ExecutionStatusPending,
		NodeStates:  make(map[string]*NodeExecutionState, len(nodeIDs)),
		StartTime:   time.Now(),
	}
	nodeLocks := make(map[string]*sync.Mutex, len(nodeIDs))
	for _, id := range nodeIDs {
		state.NodeStates[id] = &NodeExecutionState{NodeID: id, Status: NodeStatusPending}
		nodeLocks[id] = &sync.Mutex{}
	}
	s.executions[executionID] = &trackedExecution{state: state, nodeLocks: nodeLocks}
	return state.Copy()
}

func (s *StateStore) tracked(executionID string) (*trackedExecution, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	tracked, exists := s.executions[executionID]
	if !exists {
		return nil, fmt.Errorf("execution %q is not tracked", executionID)
	}
	return tracked, nil
}

// RecordTransition applies a node state transition under that node's lock,
// so concurrent calls for different nodes of one execution are safe while
// transitions for one node stay serialized.
func (s *StateStore) RecordTransition(executionID, nodeID string, state *NodeExecutionState) error {
	tracked, err := s.tracked(executionID)
	if err != nil {
		return err
	}
	tracked.mutex.RLock()
	lock, exists := tracked.nodeLocks[nodeID]
	tracked.mutex.RUnlock()
	if !exists {
		return fmt.Errorf("node %q is not tracked for execution %q", nodeID, executionID)
	}

	lock.Lock()
	defer lock.Unlock()
	tracked.mutex.Lock()
	defer tracked.mutex.Unlock()
	tracked.state.NodeStates[nodeID] = state.Copy()
	return nil
}

// SetStatus updates the execution-level status. Reaching a terminal status
// cancels auto-snapshotting.
func (s *StateStore) SetStatus(executionID string, status ExecutionStatus) error {
	tracked, err := s.tracked(executionID)
	if err != nil {
		return err
	}
	tracked.mutex.Lock()
	tracked.state.Status = status
	if status.Terminal() {
		tracked.state.EndTime = time.Now()
	}
	stop := tracked.stopAuto
	tracked.mutex.Unlock()

	if status.Terminal() && stop != nil {
		stop()
	}
	return nil
}

// State returns a copy of an execution's aggregate state.
func (s *StateStore) State(executionID string) (*WorkflowState, error) {
	tracked, err := s.tracked(executionID)
	if err != nil {
		return nil, err
	}
	tracked.mutex.RLock()
	defer tracked.mutex.RUnlock()
	return tracked.state.Copy(), nil
}

// NodeState returns a copy of one node's state.
func (s *StateStore) NodeState(executionID, nodeID string) (*NodeExecutionState, error) {
	tracked, err := s.tracked(executionID)
	if err != nil {
		return nil, err
	}
	tracked.mutex.RLock()
	defer tracked.mutex.RUnlock()
	state, exists := tracked.state.NodeStates[nodeID]
	if !exists {
		return nil, fmt.Errorf("node %q is not tracked for execution %q", nodeID, executionID)
	}
	return state.Copy(), nil
}

// storeView adapts one tracked execution to the graph's StateView.
type storeView struct {
	store       *StateStore
	executionID string
}

func (v *storeView) NodeState(nodeID string) (*NodeExecutionState, bool) {
	state, err := v.store.NodeState(v.executionID, nodeID)
	if err != nil {
		return nil, false
	}
	return state, true
}

// View returns a read-only StateView over one execution.
func (s *StateStore) View(executionID string) StateView {
	return &storeView{store: s, executionID: executionID}
}

// Snapshot serializes the execution's full state, stores it, and prunes
// the oldest snapshots beyond the retention cap.
func (s *StateStore) Snapshot(ctx context.Context, executionID string, checkpointType CheckpointType) (string, error) {
	state, err := s.State(executionID)
	if err != nil {
		return "", err
	}
	snapshot, err := NewStateSnapshot(state, checkpointType, s.compress)
	if err != nil {
		return "", NewSnapshotError(executionID, err)
	}
	if err := s.snapshots.SaveSnapshot(ctx, snapshot); err != nil {
		return "", NewSnapshotError(executionID, err)
	}
	if err := s.prune(ctx, executionID); err != nil {
		s.logger.Warn("failed to prune snapshots", "execution_id", executionID, "error", err)
	}
	return snapshot.ID, nil
}

func (s *StateStore) prune(ctx context.Context, executionID string) error {
	infos, err := s.snapshots.ListSnapshots(ctx, executionID)
	if err != nil {
		return err
	}
	for len(infos) > s.maxSnapshots {
		oldest := infos[0]
		if err := s.snapshots.DeleteSnapshot(ctx, oldest.ID); err != nil {
			return err
		}
		infos = infos[1:]
	}
	return nil
}

// Restore rehydrates a WorkflowState from a snapshot. When the restored
// status is non-terminal the execution is re-tracked, nodes caught mid-run
// by the snapshot are reset to pending so a resuming engine schedules them
// again, and auto-snapshotting is re-armed.
func (s *StateStore) Restore(ctx context.Context, snapshotID string) (*WorkflowState, error) {
	snapshot, err := s.snapshots.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %q: %w", snapshotID, err)
	}
	state, err := snapshot.DecodeState()
	if err != nil {
		return nil, err
	}

	if !state.Status.Terminal() {
		for _, nodeState := range state.NodeStates {
			if nodeState.Status == NodeStatusRunning {
				nodeState.Status = NodeStatusPending
				nodeState.StartTime = time.Time{}
				nodeState.Input = nil
				nodeState.RetryAttempt = 0
			}
		}
		s.mutex.Lock()
		nodeLocks := make(map[string]*sync.Mutex, len(state.NodeStates))
		for id := range state.NodeStates {
			nodeLocks[id] = &sync.Mutex{}
		}
		s.executions[state.ExecutionID] = &trackedExecution{state: state.Copy(), nodeLocks: nodeLocks}
		s.mutex.Unlock()
		s.StartAutoSnapshots(state.ExecutionID)
	}
	return state, nil
}

// RestoreLatest rehydrates from the most recent snapshot of an execution.
func (s *StateStore) RestoreLatest(ctx context.Context, executionID string) (*WorkflowState, error) {
	snapshot, err := s.snapshots.LatestSnapshot(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot for %q: %w", executionID, err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("no snapshot found for execution %q", executionID)
	}
	return s.Restore(ctx, snapshot.ID)
}

// StartAutoSnapshots begins periodic auto-checkpointing for an execution.
// A snapshot failure is logged and retried on the next interval. The loop
// stops when the execution reaches a terminal status or is deleted.
func (s *StateStore) StartAutoSnapshots(executionID string) {
	tracked, err := s.tracked(executionID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	tracked.mutex.Lock()
	if tracked.stopAuto != nil {
		tracked.mutex.Unlock()
		cancel()
		return
	}
	tracked.stopAuto = cancel
	tracked.mutex.Unlock()

	go func() {
		ticker := time.NewTicker(s.autoInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Snapshot(ctx, executionID, CheckpointAuto); err != nil {
					s.logger.Error("auto snapshot failed", "execution_id", executionID, "error", err)
				}
			}
		}
	}()
}

// StopAutoSnapshots cancels periodic checkpointing for an execution.
func (s *StateStore) StopAutoSnapshots(executionID string) {
	tracked, err := s.tracked(executionID)
	if err != nil {
		return
	}
	tracked.mutex.Lock()
	stop := tracked.stopAuto
	tracked.stopAuto = nil
	tracked.mutex.Unlock()
	if stop != nil {
		stop()
	}
}

// Metrics computes derived statistics over an execution's node states.
func (s *StateStore) Metrics(executionID string) (*ExecutionMetrics, error) {
	state, err := s.State(executionID)
	if err != nil {
		return nil, err
	}
	metrics := &ExecutionMetrics{TotalNodes: len(state.NodeStates)}
	var totalNodeTime time.Duration
	var timedNodes int
	for _, nodeState := range state.NodeStates {
		switch nodeState.Status {
		case NodeStatusSuccess:
			metrics.CompletedNodes++
		case NodeStatusError:
			metrics.FailedNodes++
		case NodeStatusSkipped:
			metrics.SkippedNodes++
		}
		if nodeState.ExecutionTime > 0 {
			totalNodeTime += nodeState.ExecutionTime
			timedNodes++
		}
	}
	if timedNodes > 0 {
		metrics.AverageNodeTime = totalNodeTime / time.Duration(timedNodes)
	}
	end := state.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	if !state.StartTime.IsZero() {
		metrics.TotalExecutionTime = end.Sub(state.StartTime)
	}
	return metrics, nil
}

// Delete stops auto-snapshotting and removes all state and snapshots for
// an execution.
func (s *StateStore) Delete(ctx context.Context, executionID string) error {
	s.StopAutoSnapshots(executionID)
	s.mutex.Lock()
	delete(s.executions, executionID)
	s.mutex.Unlock()
	return s.snapshots.DeleteExecution(ctx, executionID)
}
