package workspace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"necrocode/internal/async"
	"necrocode/internal/gitutil"
	"necrocode/internal/lockfile"
)

// ErrNoFreeSlots is returned when every slot is allocated, cleaning,
// in error, or held by another process.
var ErrNoFreeSlots = fmt.Errorf("no free slots")

// AllocateSlot hands out the least recently used free slot to a runner
// working on a task. Each candidate is locked cross-process, then
// cleaned (under the cleanup timeout) to a pristine checkout of its
// holding branch before being returned. A slot whose pre-allocation
// cleanup fails is marked ERROR and the allocator moves on to the next
// candidate.
func (p *Pool) AllocateSlot(ctx context.Context, taskID, runnerID string) (*Slot, error) {
	p.mu.Lock()
	candidates := make([]*Slot, 0, len(p.slots))
	for _, slot := range p.slots {
		if slot.State == SlotFree {
			candidates = append(candidates, slot)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})
	indexes := make([]int, len(candidates))
	for i, slot := range candidates {
		indexes[i] = slot.Index
	}
	p.mu.Unlock()

	for _, index := range indexes {
		lock := lockfile.New(p.slotLockPath(index), p.opts.Owner)
		if err := lock.Acquire(ctx, p.opts.AllocationLockTimeout, 50*time.Millisecond); err != nil {
			p.log.Debug("pool %s: slot %d held elsewhere, trying next: %v", p.name, index, err)
			continue
		}

		cleanCtx, cancel := context.WithTimeout(ctx, p.opts.CleanupTimeout)
		err := p.cleanSlot(cleanCtx, index)
		cancel()
		if err != nil {
			p.log.Warn("pool %s: slot %d failed pre-allocation cleanup: %v", p.name, index, err)
			p.markError(index, err)
			p.record("allocate", slotID(p.name, index), taskID, err)
			if relErr := lock.Release(); relErr != nil {
				p.log.Warn("pool %s: release lock for slot %d: %v", p.name, index, relErr)
			}
			continue
		}

		p.mu.Lock()
		slot, ok := p.slots[index]
		if !ok || slot.State != SlotFree {
			p.mu.Unlock()
			if relErr := lock.Release(); relErr != nil {
				p.log.Warn("pool %s: release lock for slot %d: %v", p.name, index, relErr)
			}
			continue
		}
		now := time.Now().UTC()
		slot.State = SlotAllocated
		slot.TaskID = taskID
		slot.AllocatedTo = runnerID
		slot.AllocatedAt = now
		slot.TotalAllocations++
		slot.LastUsed = now
		slot.LastError = ""
		p.heldLocks()[index] = lock
		saveErr := p.saveLocked()
		copied := *slot
		p.mu.Unlock()
		if saveErr != nil {
			return nil, saveErr
		}

		p.record("allocate", copied.ID, taskID, nil)
		allocationsTotal.WithLabelValues(p.name, "ok").Inc()
		p.updateSlotGauges()
		p.log.Info("pool %s: allocated slot %d to runner %s for task %s", p.name, index, runnerID, taskID)
		return &copied, nil
	}

	allocationsTotal.WithLabelValues(p.name, "exhausted").Inc()
	return nil, ErrNoFreeSlots
}

// ReleaseSlot returns a slot after task execution. The slot transitions
// to CLEANING immediately and a bounded background worker restores it to
// FREE; the caller does not wait for cleanup.
func (p *Pool) ReleaseSlot(ctx context.Context, index int) error {
	p.mu.Lock()
	slot, ok := p.slots[index]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: no slot %d", p.name, index)
	}
	if slot.State != SlotAllocated {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: slot %d is %s, not ALLOCATED", p.name, index, slot.State)
	}
	taskID := slot.TaskID
	slot.State = SlotCleaning
	slot.TaskID = ""
	slot.AllocatedTo = ""
	slot.AllocatedAt = time.Time{}
	saveErr := p.saveLocked()
	p.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}

	p.record("release", slotID(p.name, index), taskID, nil)
	p.updateSlotGauges()

	p.cleanupWG.Add(1)
	async.Go(p.log, fmt.Sprintf("cleanup %s/slot-%d", p.name, index), func() {
		defer p.cleanupWG.Done()
		if err := p.cleanupSem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.cleanupSem.Release(1)

		cleanCtx, cancel := context.WithTimeout(context.Background(), p.opts.CleanupTimeout)
		defer cancel()
		err := p.cleanSlot(cleanCtx, index)

		p.mu.Lock()
		if slot, ok := p.slots[index]; ok && slot.State == SlotCleaning {
			if err != nil {
				slot.State = SlotError
				slot.LastError = err.Error()
			} else {
				slot.State = SlotFree
				slot.LastError = ""
				slot.LastUsed = time.Now().UTC()
			}
		}
		lock := p.heldLocks()[index]
		delete(p.heldLocks(), index)
		if saveErr := p.saveLocked(); saveErr != nil {
			p.log.Error("pool %s: persist state after cleanup of slot %d: %v", p.name, index, saveErr)
		}
		p.mu.Unlock()

		if lock != nil {
			if relErr := lock.Release(); relErr != nil {
				p.log.Warn("pool %s: release lock for slot %d: %v", p.name, index, relErr)
			}
		}
		if err != nil {
			p.log.Error("pool %s: post-release cleanup of slot %d failed: %v", p.name, index, err)
			cleanupFailures.WithLabelValues(p.name).Inc()
		}
		p.record("cleanup", slotID(p.name, index), taskID, err)
		p.updateSlotGauges()
	})
	return nil
}

// RepairSlot retries cleanup on an ERROR slot and returns it to FREE on
// success.
func (p *Pool) RepairSlot(ctx context.Context, index int) error {
	p.mu.Lock()
	slot, ok := p.slots[index]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: no slot %d", p.name, index)
	}
	if slot.State != SlotError {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: slot %d is %s, not ERROR", p.name, index, slot.State)
	}
	p.mu.Unlock()

	if err := p.cleanSlot(ctx, index); err != nil {
		p.record("repair", slotID(p.name, index), "", err)
		return fmt.Errorf("repair slot %d: %w", index, err)
	}

	p.mu.Lock()
	if slot, ok := p.slots[index]; ok {
		slot.State = SlotFree
		slot.LastError = ""
		slot.LastUsed = time.Now().UTC()
	}
	saveErr := p.saveLocked()
	p.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}
	p.record("repair", slotID(p.name, index), "", nil)
	p.updateSlotGauges()
	return nil
}

// CleanupAll restores every non-allocated slot to a pristine checkout.
// Slots run concurrently under the cleanup worker bound.
func (p *Pool) CleanupAll(ctx context.Context) error {
	var indexes []int
	p.mu.Lock()
	for index, slot := range p.slots {
		if slot.State == SlotFree || slot.State == SlotError {
			indexes = append(indexes, index)
		}
	}
	p.mu.Unlock()

	var firstErr error
	for _, index := range indexes {
		if err := p.cleanSlot(ctx, index); err != nil {
			p.markError(index, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup slot %d: %w", index, err)
			}
			continue
		}
		p.mu.Lock()
		if slot, ok := p.slots[index]; ok && slot.State == SlotError {
			slot.State = SlotFree
			slot.LastError = ""
		}
		p.mu.Unlock()
	}
	p.mu.Lock()
	saveErr := p.saveLocked()
	p.mu.Unlock()
	if firstErr == nil {
		firstErr = saveErr
	}
	p.updateSlotGauges()
	return firstErr
}

// cleanSlot restores one worktree: checkout of the holding branch, hard
// reset, removal of untracked files, then a fetch so the next task
// starts from fresh refs. Fetch failures are tolerated when the origin
// is unreachable; staleness is acceptable, a dirty tree is not.
func (p *Pool) cleanSlot(ctx context.Context, index int) error {
	p.mu.Lock()
	slot, ok := p.slots[index]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no slot %d", index)
	}
	path, branch := slot.Path, slot.HoldingBranch
	p.mu.Unlock()

	if err := gitutil.Checkout(ctx, path, branch, false); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	if err := gitutil.ResetHard(ctx, path); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := gitutil.CleanForce(ctx, path); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	if err := gitutil.FetchOrigin(ctx, p.mainRepo()); err != nil {
		p.log.Warn("pool %s: fetch during cleanup of slot %d failed: %v", p.name, index, err)
	}
	return nil
}

func (p *Pool) markError(index int, err error) {
	p.mu.Lock()
	if slot, ok := p.slots[index]; ok {
		slot.State = SlotError
		slot.LastError = err.Error()
	}
	if saveErr := p.saveLocked(); saveErr != nil {
		p.log.Error("pool %s: persist state after marking slot %d: %v", p.name, index, saveErr)
	}
	p.mu.Unlock()
	slotErrors.WithLabelValues(p.name).Inc()
	p.updateSlotGauges()
}

func lockHolder(path string) string {
	return lockfile.Holder(path)
}
