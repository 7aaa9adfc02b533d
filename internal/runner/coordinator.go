package runner

import (
	"fmt"
	"sync"
	"time"
)

// Coordinator arbitrates between runner instances sharing one process:
// each registers the workspace path and branch it owns, conflicting
// registrations are rejected, and entries that stop heartbeating are
// reaped.
type Coordinator struct {
	mu             sync.Mutex
	staleThreshold time.Duration
	entries        map[string]*coordEntry
}

type coordEntry struct {
	runnerID      string
	workspacePath string
	branch        string
	lastBeat      time.Time
}

// NewCoordinator creates a coordinator; entries without a heartbeat for
// staleThreshold are eligible for reaping.
func NewCoordinator(staleThreshold time.Duration) *Coordinator {
	if staleThreshold <= 0 {
		staleThreshold = 2 * time.Minute
	}
	return &Coordinator{
		staleThreshold: staleThreshold,
		entries:        make(map[string]*coordEntry),
	}
}

// Register claims a workspace path and branch for a runner. A claim
// conflicting with a live registration fails.
func (c *Coordinator) Register(runnerID, workspacePath, branch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if entry.runnerID == runnerID {
			return fmt.Errorf("runner %s already registered", runnerID)
		}
		if entry.workspacePath == workspacePath {
			return fmt.Errorf("workspace %s already owned by runner %s", workspacePath, entry.runnerID)
		}
		if entry.branch == branch {
			return fmt.Errorf("branch %s already owned by runner %s", branch, entry.runnerID)
		}
	}
	c.entries[runnerID] = &coordEntry{
		runnerID:      runnerID,
		workspacePath: workspacePath,
		branch:        branch,
		lastBeat:      time.Now(),
	}
	return nil
}

// Heartbeat refreshes a registration.
func (c *Coordinator) Heartbeat(runnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[runnerID]; ok {
		entry.lastBeat = time.Now()
	}
}

// Unregister releases a runner's claims. Unknown IDs are a no-op.
func (c *Coordinator) Unregister(runnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, runnerID)
}

// ReapStale removes entries whose last heartbeat is older than the
// threshold and returns the reaped runner IDs.
func (c *Coordinator) ReapStale() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.staleThreshold)
	var reaped []string
	for id, entry := range c.entries {
		if entry.lastBeat.Before(cutoff) {
			delete(c.entries, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// Active returns the number of live registrations.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
