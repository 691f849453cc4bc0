package flowgraph

import (
	"context"
	"sync"
	"time"
)

// ResourceProfile describes what an execution will need from the resource
// pool.
type ResourceProfile struct {
	Pool        string `json:"pool,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// Allocation is the resource manager's admission decision. When Allocated
// is false the execution must not start and Reason says why.
type Allocation struct {
	Allocated      bool   `json:"allocated"`
	PoolID         string `json:"pool_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
}

// ResourceManager decides whether a new execution may start and tracks
// capacity. The engine consults it for admission only; how capacity is
// accounted is the manager's business.
type ResourceManager interface {
	Allocate(ctx context.Context, workflowID string, profile ResourceProfile) (Allocation, error)
	Deallocate(workflowID string)
}

// slotPool tracks slot usage for one named pool.
type slotPool struct {
	totalSlots   int
	activeSlots  int
	lastActivity time.Time
}

// PoolResourceManager is a slot-based in-process ResourceManager. Each pool
// has a fixed number of execution slots; an allocation takes one slot and a
// denial is returned when the pool is exhausted.
type PoolResourceManager struct {
	mutex              sync.Mutex
	pools              map[string]*slotPool
	allocations        map[string]string // workflowID -> pool
	defaultSlots       int
	defaultConcurrency int
}

// PoolResourceManagerOptions configures a PoolResourceManager.
type PoolResourceManagerOptions struct {
	// DefaultSlots is the pool size used when a pool is first seen.
	DefaultSlots int

	// DefaultConcurrency is the per-execution node concurrency limit
	// handed back with each allocation.
	DefaultConcurrency int
}

// NewPoolResourceManager creates a slot-based resource manager.
func NewPoolResourceManager(opts PoolResourceManagerOptions) *PoolResourceManager {
	if opts.DefaultSlots <= 0 {
		opts.DefaultSlots = 10
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = 4
	}
	return &PoolResourceManager{
		pools:              map[string]*slotPool{},
		allocations:        map[string]string{},
		defaultSlots:       opts.DefaultSlots,
		defaultConcurrency: opts.DefaultConcurrency,
	}
}

// CreatePool registers a pool with an explicit slot count.
func (m *PoolResourceManager) CreatePool(name string, totalSlots int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.pools[name] = &slotPool{totalSlots: totalSlots, lastActivity: time.Now()}
}

func (m *PoolResourceManager) Allocate(ctx context.Context, workflowID string, profile ResourceProfile) (Allocation, error) {
	poolName := profile.Pool
	if poolName == "" {
		poolName = "default"
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.allocations[workflowID]; exists {
		return Allocation{Allocated: false, PoolID: poolName, Reason: "workflow already allocated"}, nil
	}

	pool, exists := m.pools[poolName]
	if !exists {
		pool = &slotPool{totalSlots: m.defaultSlots}
		m.pools[poolName] = pool
	}
	if pool.activeSlots >= pool.totalSlots {
		return Allocation{Allocated: false, PoolID: poolName, Reason: "pool exhausted"}, nil
	}
	pool.activeSlots++
	pool.lastActivity = time.Now()
	m.allocations[workflowID] = poolName

	concurrency := profile.Concurrency
	if concurrency <= 0 {
		concurrency = m.defaultConcurrency
	}
	return Allocation{
		Allocated:      true,
		PoolID:         poolName,
		MaxConcurrency: concurrency,
	}, nil
}

func (m *PoolResourceManager) Deallocate(workflowID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	poolName, exists := m.allocations[workflowID]
	if !exists {
		return
	}
	delete(m.allocations, workflowID)
	if pool, ok := m.pools[poolName]; ok && pool.activeSlots > 0 {
		pool.activeSlots--
		pool.lastActivity = time.Now()
	}
}

// ActiveSlots returns the used slot count for a pool.
func (m *PoolResourceManager) ActiveSlots(poolName string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if pool, ok := m.pools[poolName]; ok {
		return pool.activeSlots
	}
	return 0
}

// unlimitedResourceManager admits everything. Used when no manager is
// configured.
type unlimitedResourceManager struct {
	concurrency int
}

func (m *unlimitedResourceManager) Allocate(ctx context.Context, workflowID string, profile ResourceProfile) (Allocation, error) {
	concurrency := profile.Concurrency
	if concurrency <= 0 {
		concurrency = m.concurrency
	}
	return Allocation{Allocated: true, PoolID: "unlimited", MaxConcurrency: concurrency}, nil
}

func (m *unlimitedResourceManager) Deallocate(workflowID string) {}

// NewUnlimitedResourceManager returns a manager that always admits, with
// the given default per-execution concurrency.
func NewUnlimitedResourceManager(concurrency int) ResourceManager {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &unlimitedResourceManager{concurrency: concurrency}
}
