package flowgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemorySnapshotStore keeps snapshots in process memory. Suitable for
// tests and single-process deployments that do not need crash recovery.
type MemorySnapshotStore struct {
	mutex     sync.RWMutex
	byID      map[string]*StateSnapshot
	sequence  map[string]uint64
	rank      map[string]uint64
	execIndex map[string][]string
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		byID:      map[string]*StateSnapshot{},
		sequence:  map[string]uint64{},
		rank:      map[string]uint64{},
		execIndex: map[string][]string{},
	}
}

func (s *MemorySnapshotStore) SaveSnapshot(ctx context.Context, snapshot *StateSnapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.byID[snapshot.ID]; !exists {
		s.execIndex[snapshot.ExecutionID] = append(s.execIndex[snapshot.ExecutionID], snapshot.ID)
		s.sequence[snapshot.ExecutionID]++
		s.rank[snapshot.ID] = s.sequence[snapshot.ExecutionID]
	}
	s.byID[snapshot.ID] = snapshot
	return nil
}

func (s *MemorySnapshotStore) LoadSnapshot(ctx context.Context, snapshotID string) (*StateSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	snapshot, exists := s.byID[snapshotID]
	if !exists {
		return nil, fmt.Errorf("snapshot %q not found", snapshotID)
	}
	return snapshot, nil
}

func (s *MemorySnapshotStore) LatestSnapshot(ctx context.Context, executionID string) (*StateSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := s.execIndex[executionID]
	if len(ids) == 0 {
		return nil, nil
	}
	return s.byID[ids[len(ids)-1]], nil
}

func (s *MemorySnapshotStore) ListSnapshots(ctx context.Context, executionID string) ([]*SnapshotInfo, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := s.execIndex[executionID]
	infos := make([]*SnapshotInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, s.byID[id].Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return s.rank[infos[i].ID] < s.rank[infos[j].ID]
	})
	return infos, nil
}

func (s *MemorySnapshotStore) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	snapshot, exists := s.byID[snapshotID]
	if !exists {
		return nil
	}
	delete(s.byID, snapshotID)
	delete(s.rank, snapshotID)
	ids := s.execIndex[snapshot.ExecutionID]
	for i, id := range ids {
		if id == snapshotID {
			s.execIndex[snapshot.ExecutionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemorySnapshotStore) DeleteExecution(ctx context.Context, executionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, id := range s.execIndex[executionID] {
		delete(s.byID, id)
		delete(s.rank, id)
	}
	delete(s.execIndex, executionID)
	delete(s.sequence, executionID)
	return nil
}
