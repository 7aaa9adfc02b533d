package dispatch

import (
	"context"
	"fmt"

	"necrocode/internal/workspace"
)

// Slot is the dispatcher's view of an allocated workspace.
type Slot struct {
	ID       string
	Index    int
	Path     string
	PoolName string
}

// SlotAllocator hands out and takes back workspace slots per agent
// pool. The runner ID is recorded as the slot's owner for the duration
// of the allocation.
type SlotAllocator interface {
	Allocate(ctx context.Context, poolName, taskKey, runnerID string) (*Slot, error)
	Release(ctx context.Context, slot *Slot) error
}

// WorkspaceAllocator adapts the worktree pools, one per agent pool.
type WorkspaceAllocator struct {
	pools map[string]*workspace.Pool
}

// NewWorkspaceAllocator wraps the pool map.
func NewWorkspaceAllocator(pools map[string]*workspace.Pool) *WorkspaceAllocator {
	return &WorkspaceAllocator{pools: pools}
}

func (a *WorkspaceAllocator) Allocate(ctx context.Context, poolName, taskKey, runnerID string) (*Slot, error) {
	pool, ok := a.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("no workspace pool for agent pool %q", poolName)
	}
	slot, err := pool.AllocateSlot(ctx, taskKey, runnerID)
	if err != nil {
		return nil, err
	}
	return &Slot{ID: slot.ID, Index: slot.Index, Path: slot.Path, PoolName: poolName}, nil
}

func (a *WorkspaceAllocator) Release(ctx context.Context, slot *Slot) error {
	pool, ok := a.pools[slot.PoolName]
	if !ok {
		return fmt.Errorf("no workspace pool for agent pool %q", slot.PoolName)
	}
	return pool.ReleaseSlot(ctx, slot.Index)
}

// Close waits for in-flight background cleanups across pools.
func (a *WorkspaceAllocator) Close() {
	for _, pool := range a.pools {
		pool.Close()
	}
}
