package workspace

import (
	"fmt"
	"time"
)

// SlotState is the allocation state of one worktree slot.
type SlotState string

const (
	SlotFree      SlotState = "FREE"
	SlotAllocated SlotState = "ALLOCATED"
	SlotCleaning  SlotState = "CLEANING"
	SlotError     SlotState = "ERROR"
)

// Slot is one git worktree checked out on its holding branch. A slot in
// ERROR is skipped by the allocator until an operator repairs or
// removes it.
type Slot struct {
	ID            string    `json:"id"`
	Index         int       `json:"index"`
	Path          string    `json:"path"`
	HoldingBranch string    `json:"holding_branch"`
	State         SlotState `json:"state"`
	TaskID        string    `json:"task_id,omitempty"`
	// AllocatedTo is the runner holding the slot while ALLOCATED.
	AllocatedTo      string    `json:"allocated_to,omitempty"`
	AllocatedAt      time.Time `json:"allocated_at"`
	TotalAllocations int64     `json:"total_allocations"`
	LastUsed         time.Time `json:"last_used"`
	LastError        string    `json:"last_error,omitempty"`
}

// SlotStatus is the operator-facing view of a slot, including live git
// and filesystem facts gathered at query time.
type SlotStatus struct {
	Slot
	Head          string `json:"head,omitempty"`
	CurrentBranch string `json:"current_branch,omitempty"`
	DiskUsageByte int64  `json:"disk_usage_bytes"`
	LockHolder    string `json:"lock_holder,omitempty"`
}

func slotID(pool string, index int) string {
	return fmt.Sprintf("%s/slot-%d", pool, index)
}

func holdingBranch(pool string, index int) string {
	return fmt.Sprintf("worktree/%s/slot-%d", pool, index)
}
