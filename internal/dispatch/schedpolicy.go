package dispatch

import (
	"sync"

	"necrocode/internal/config"
)

// Scheduler picks a pool for a task under the active policy. The policy
// can be swapped at runtime; in-flight work is unaffected.
type Scheduler struct {
	mu     sync.RWMutex
	policy config.SchedulingPolicy
	skills map[string][]string
	pools  *AgentPoolManager
	// poolOrder preserves configuration order for FIFO/PRIORITY.
	poolOrder []string
}

// NewScheduler builds a scheduler over the pool manager.
func NewScheduler(policy config.SchedulingPolicy, skills map[string][]string, poolOrder []string, pools *AgentPoolManager) *Scheduler {
	return &Scheduler{
		policy:    policy,
		skills:    skills,
		pools:     pools,
		poolOrder: poolOrder,
	}
}

// Policy returns the active policy.
func (s *Scheduler) Policy() config.SchedulingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy swaps the policy at runtime.
func (s *Scheduler) SetPolicy(policy config.SchedulingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
}

// candidates returns the pool names considered for a skill under the
// active policy, in preference order.
func (s *Scheduler) candidates(skill string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.policy {
	case config.PolicyFIFO, config.PolicyPriority:
		// queue ordering already encodes FIFO/priority; any pool will do
		return s.poolOrder
	default:
		if pools, ok := s.skills[skill]; ok && len(pools) > 0 {
			return pools
		}
		return s.skills["default"]
	}
}

// SelectPool picks the first candidate pool that can accept the task;
// FAIR_SHARE instead picks the accepting candidate with the lowest
// utilization. Empty string means no pool can take the task this tick.
func (s *Scheduler) SelectPool(task *QueuedTask) string {
	candidates := s.candidates(task.RequiredSkill)

	if s.Policy() == config.PolicyFairShare {
		best := ""
		bestUtil := 2.0
		for _, name := range candidates {
			if !s.pools.CanAccept(name) {
				continue
			}
			if util := s.pools.Utilization(name); util < bestUtil {
				best, bestUtil = name, util
			}
		}
		return best
	}

	for _, name := range candidates {
		if s.pools.CanAccept(name) {
			return name
		}
	}
	return ""
}
