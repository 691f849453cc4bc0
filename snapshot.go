package flowgraph

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.jetify.com/typeid"
)

// CheckpointType distinguishes interval snapshots from explicit ones.
type CheckpointType string

const (
	CheckpointManual CheckpointType = "manual"
	CheckpointAuto   CheckpointType = "auto"
)

// NewSnapshotID returns a new type-prefixed unique snapshot id.
func NewSnapshotID() string {
	id, err := typeid.WithPrefix("snap")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// StateSnapshot is a point-in-time serialization of a WorkflowState,
// suitable for crash recovery.
type StateSnapshot struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	Timestamp      time.Time      `json:"timestamp"`
	State          []byte         `json:"state"`
	CheckpointType CheckpointType `json:"checkpoint_type"`
	Size           int            `json:"size"`
	Compressed     bool           `json:"compressed"`
}

// SnapshotInfo is the listing view of a stored snapshot, without its
// payload.
type SnapshotInfo struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	Timestamp      time.Time      `json:"timestamp"`
	CheckpointType CheckpointType `json:"checkpoint_type"`
	Size           int            `json:"size"`
}

// nodeStatePair serializes as a two-element [nodeID, state] array so the
// wire form stays flat and order stable.
type nodeStatePair struct {
	ID    string
	State *NodeExecutionState
}

func (p nodeStatePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.ID, p.State})
}

func (p *nodeStatePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("node state pair must have exactly 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.State)
}

// wireState is the flattened, deterministic representation of a
// WorkflowState: node states as ordered pairs rather than a map.
type wireState struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	NodeStates  []nodeStatePair `json:"node_states"`
	StartTime   time.Time       `json:"start_time,omitzero"`
	EndTime     time.Time       `json:"end_time,omitzero"`
}

// EncodeWorkflowState serializes a WorkflowState into its order-stable wire
// form, optionally gzip-compressed.
func EncodeWorkflowState(state *WorkflowState, compress bool) ([]byte, bool, error) {
	ids := make([]string, 0, len(state.NodeStates))
	for id := range state.NodeStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	wire := wireState{
		ExecutionID: state.ExecutionID,
		Status:      state.Status,
		StartTime:   state.StartTime,
		EndTime:     state.EndTime,
		NodeStates:  make([]nodeStatePair, 0, len(ids)),
	}
	for _, id := range ids {
		wire.NodeStates = append(wire.NodeStates, nodeStatePair{ID: id, State: state.NodeStates[id]})
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	if !compress {
		return data, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("failed to compress workflow state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to compress workflow state: %w", err)
	}
	return buf.Bytes(), true, nil
}

// DecodeWorkflowState deserializes a wire-form payload back into a
// WorkflowState.
func DecodeWorkflowState(data []byte, compressed bool) (*WorkflowState, error) {
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress workflow state: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress workflow state: %w", err)
		}
	}

	var wire wireState
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	state := &WorkflowState{
		ExecutionID: wire.ExecutionID,
		Status:      wire.Status,
		StartTime:   wire.StartTime,
		EndTime:     wire.EndTime,
		NodeStates:  make(map[string]*NodeExecutionState, len(wire.NodeStates)),
	}
	for _, pair := range wire.NodeStates {
		state.NodeStates[pair.ID] = pair.State
	}
	return state, nil
}

// NewStateSnapshot builds a snapshot record for a workflow state.
func NewStateSnapshot(state *WorkflowState, checkpointType CheckpointType, compress bool) (*StateSnapshot, error) {
	payload, compressed, err := EncodeWorkflowState(state, compress)
	if err != nil {
		return nil, err
	}
	return &StateSnapshot{
		ID:             NewSnapshotID(),
		ExecutionID:    state.ExecutionID,
		Timestamp:      time.Now(),
		State:          payload,
		CheckpointType: checkpointType,
		Size:           len(payload),
		Compressed:     compressed,
	}, nil
}

// Info returns the listing view of the snapshot.
func (s *StateSnapshot) Info() *SnapshotInfo {
	return &SnapshotInfo{
		ID:             s.ID,
		ExecutionID:    s.ExecutionID,
		Timestamp:      s.Timestamp,
		CheckpointType: s.CheckpointType,
		Size:           s.Size,
	}
}

// DecodeState returns the WorkflowState stored in the snapshot.
func (s *StateSnapshot) DecodeState() (*WorkflowState, error) {
	return DecodeWorkflowState(s.State, s.Compressed)
}
