package dispatch

import (
	"fmt"
	"sync"

	"necrocode/internal/config"
)

// PoolCounters is a snapshot of one pool's occupancy.
type PoolCounters struct {
	Name        string
	Type        config.PoolType
	Max         int
	Running     int
	Utilization float64
	Enabled     bool
}

// AgentPoolManager owns the pool roster and per-pool running counters.
// Counters change under the same lock that answers admission questions
// so capacity checks and truth never diverge.
type AgentPoolManager struct {
	mu      sync.Mutex
	pools   map[string]config.AgentPool
	running map[string]int
}

// NewAgentPoolManager builds the manager from the configured pools.
func NewAgentPoolManager(pools []config.AgentPool) *AgentPoolManager {
	m := &AgentPoolManager{
		pools:   make(map[string]config.AgentPool, len(pools)),
		running: make(map[string]int, len(pools)),
	}
	for _, pool := range pools {
		m.pools[pool.Name] = pool
	}
	return m
}

// Pool returns the configuration of a pool.
func (m *AgentPoolManager) Pool(name string) (config.AgentPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	return pool, ok
}

// CanAccept reports whether the pool is enabled and under its cap.
// Resource quotas are not an admission input: they are per-runner
// ceilings the launchers apply at launch time (cgroup limits for
// containers, the runner's own watcher for local processes).
func (m *AgentPoolManager) CanAccept(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok || !pool.Enabled {
		return false
	}
	return m.running[name] < pool.MaxConcurrency
}

// Acquire reserves one running unit in the pool, failing when the pool
// is unknown, disabled, or full.
func (m *AgentPoolManager) Acquire(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return fmt.Errorf("unknown pool %q", name)
	}
	if !pool.Enabled {
		return fmt.Errorf("pool %q is disabled", name)
	}
	if m.running[name] >= pool.MaxConcurrency {
		return fmt.Errorf("pool %q is at capacity (%d)", name, pool.MaxConcurrency)
	}
	m.running[name]++
	return nil
}

// Release returns one running unit. Releasing below zero indicates a
// bookkeeping bug and is clamped.
func (m *AgentPoolManager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[name] > 0 {
		m.running[name]--
	}
}

// Running returns the running count of a pool.
func (m *AgentPoolManager) Running(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[name]
}

// TotalRunning sums running counts across pools.
func (m *AgentPoolManager) TotalRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.running {
		total += n
	}
	return total
}

// Utilization returns running/max for a pool, 1.0 for unknown pools so
// schedulers deprioritize them.
func (m *AgentPoolManager) Utilization(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok || pool.MaxConcurrency == 0 {
		return 1.0
	}
	return float64(m.running[name]) / float64(pool.MaxConcurrency)
}

// Snapshot returns counters for all pools.
func (m *AgentPoolManager) Snapshot() []PoolCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolCounters, 0, len(m.pools))
	for name, pool := range m.pools {
		util := 1.0
		if pool.MaxConcurrency > 0 {
			util = float64(m.running[name]) / float64(pool.MaxConcurrency)
		}
		out = append(out, PoolCounters{
			Name:        name,
			Type:        pool.Type,
			Max:         pool.MaxConcurrency,
			Running:     m.running[name],
			Utilization: util,
			Enabled:     pool.Enabled,
		})
	}
	return out
}

// SetEnabled toggles a pool at runtime.
func (m *AgentPoolManager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return fmt.Errorf("unknown pool %q", name)
	}
	pool.Enabled = enabled
	m.pools[name] = pool
	return nil
}
