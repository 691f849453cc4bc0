package flowgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// FileSnapshotStore persists snapshots to disk, one directory per
// execution with a "latest" pointer for fast recovery lookups.
type FileSnapshotStore struct {
	dataDir string
}

// NewFileSnapshotStore creates a file-based snapshot store rooted at
// dataDir.
func NewFileSnapshotStore(dataDir string) (*FileSnapshotStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".flowgraph", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileSnapshotStore{dataDir: dataDir}, nil
}

func (s *FileSnapshotStore) executionDir(executionID string) string {
	return filepath.Join(s.dataDir, executionID)
}

func (s *FileSnapshotStore) snapshotPath(executionID, snapshotID string) string {
	return filepath.Join(s.executionDir(executionID), snapshotID+".json")
}

func (s *FileSnapshotStore) SaveSnapshot(ctx context.Context, snapshot *StateSnapshot) error {
	dir := s.executionDir(snapshot.ExecutionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	path := s.snapshotPath(snapshot.ExecutionID, snapshot.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := s.updateLatestPointer(path, filepath.Join(dir, "latest.json")); err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}
	return nil
}

func (s *FileSnapshotStore) LoadSnapshot(ctx context.Context, snapshotID string) (*StateSnapshot, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := s.snapshotPath(entry.Name(), snapshotID)
		if _, err := os.Stat(path); err == nil {
			return s.readSnapshot(path)
		}
	}
	return nil, fmt.Errorf("snapshot %q not found", snapshotID)
}

func (s *FileSnapshotStore) LatestSnapshot(ctx context.Context, executionID string) (*StateSnapshot, error) {
	path := filepath.Join(s.executionDir(executionID), "latest.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return s.readSnapshot(path)
}

func (s *FileSnapshotStore) ListSnapshots(ctx context.Context, executionID string) ([]*SnapshotInfo, error) {
	entries, err := os.ReadDir(s.executionDir(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read execution directory: %w", err)
	}
	var infos []*SnapshotInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == "latest.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		snapshot, err := s.readSnapshot(filepath.Join(s.executionDir(executionID), name))
		if err != nil {
			continue
		}
		infos = append(infos, snapshot.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.Before(infos[j].Timestamp)
	})
	return infos, nil
}

func (s *FileSnapshotStore) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	snapshot, err := s.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return nil
	}
	return os.Remove(s.snapshotPath(snapshot.ExecutionID, snapshotID))
}

func (s *FileSnapshotStore) DeleteExecution(ctx context.Context, executionID string) error {
	if err := os.RemoveAll(s.executionDir(executionID)); err != nil {
		return fmt.Errorf("failed to delete execution directory: %w", err)
	}
	return nil
}

// ListExecutions returns a summary of every execution with at least one
// snapshot, newest first.
func (s *FileSnapshotStore) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var summaries []*ExecutionSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snapshot, err := s.LatestSnapshot(ctx, entry.Name())
		if err != nil || snapshot == nil {
			continue
		}
		state, err := snapshot.DecodeState()
		if err != nil {
			continue
		}
		summaries = append(summaries, NewExecutionSummary(state, snapshot.Timestamp))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

func (s *FileSnapshotStore) readSnapshot(path string) (*StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snapshot StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// updateLatestPointer points latest.json at the newest snapshot. Windows
// gets a copy instead of a symlink.
func (s *FileSnapshotStore) updateLatestPointer(snapshotPath, latestPath string) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return fmt.Errorf("failed to remove existing latest pointer: %w", err)
		}
	}
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to read snapshot for copy: %w", err)
		}
		return os.WriteFile(latestPath, data, 0644)
	}
	rel, err := filepath.Rel(filepath.Dir(latestPath), snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	return os.Symlink(rel, latestPath)
}

// ExecutionSummary is a listing view over an execution's latest snapshot.
type ExecutionSummary struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time,omitzero"`
	Duration    time.Duration   `json:"duration"`
	NodeCount   int             `json:"node_count"`
}

// NewExecutionSummary derives a summary from a restored state and the time
// of its snapshot.
func NewExecutionSummary(state *WorkflowState, snapshotAt time.Time) *ExecutionSummary {
	summary := &ExecutionSummary{
		ExecutionID: state.ExecutionID,
		Status:      state.Status,
		StartTime:   state.StartTime,
		EndTime:     state.EndTime,
		NodeCount:   len(state.NodeStates),
	}
	if !state.EndTime.IsZero() {
		summary.Duration = state.EndTime.Sub(state.StartTime)
	} else {
		summary.Duration = snapshotAt.Sub(state.StartTime)
	}
	return summary
}
