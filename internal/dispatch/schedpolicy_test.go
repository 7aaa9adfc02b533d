package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"necrocode/internal/config"
)

func newTestScheduler(policy config.SchedulingPolicy) (*Scheduler, *AgentPoolManager) {
	pools := []config.AgentPool{
		{Name: "backend", Type: config.PoolLocalProcess, MaxConcurrency: 2, Enabled: true},
		{Name: "frontend", Type: config.PoolLocalProcess, MaxConcurrency: 2, Enabled: true},
		{Name: "general", Type: config.PoolLocalProcess, MaxConcurrency: 4, Enabled: true},
	}
	skills := map[string][]string{
		"backend": {"backend", "general"},
		"default": {"general"},
	}
	m := NewAgentPoolManager(pools)
	return NewScheduler(policy, skills, []string{"backend", "frontend", "general"}, m), m
}

func TestSkillBasedRoutesToMappedPool(t *testing.T) {
	s, _ := newTestScheduler(config.PolicySkillBased)

	assert.Equal(t, "backend", s.SelectPool(&QueuedTask{RequiredSkill: "backend"}))
	assert.Equal(t, "general", s.SelectPool(&QueuedTask{RequiredSkill: "haskell"}), "unknown skill falls back to default")
}

func TestSkillBasedSpillsToNextCandidate(t *testing.T) {
	s, m := newTestScheduler(config.PolicySkillBased)
	require.NoError(t, m.Acquire("backend"))
	require.NoError(t, m.Acquire("backend"))

	assert.Equal(t, "general", s.SelectPool(&QueuedTask{RequiredSkill: "backend"}))
}

func TestFIFOUsesConfigurationOrder(t *testing.T) {
	s, m := newTestScheduler(config.PolicyFIFO)

	assert.Equal(t, "backend", s.SelectPool(&QueuedTask{RequiredSkill: "anything"}))
	require.NoError(t, m.Acquire("backend"))
	require.NoError(t, m.Acquire("backend"))
	assert.Equal(t, "frontend", s.SelectPool(&QueuedTask{RequiredSkill: "anything"}))
}

func TestFairSharePicksLowestUtilization(t *testing.T) {
	s, m := newTestScheduler(config.PolicyFairShare)
	require.NoError(t, m.Acquire("general")) // 1/4 = 0.25
	require.NoError(t, m.Acquire("backend")) // 1/2 = 0.50

	assert.Equal(t, "general", s.SelectPool(&QueuedTask{RequiredSkill: "backend"}))
}

func TestSelectPoolReturnsEmptyWhenSaturated(t *testing.T) {
	s, m := newTestScheduler(config.PolicySkillBased)
	require.NoError(t, m.Acquire("backend"))
	require.NoError(t, m.Acquire("backend"))
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Acquire("general"))
	}

	assert.Equal(t, "", s.SelectPool(&QueuedTask{RequiredSkill: "backend"}))
}

func TestPolicySwapAtRuntime(t *testing.T) {
	s, _ := newTestScheduler(config.PolicySkillBased)
	assert.Equal(t, config.PolicySkillBased, s.Policy())

	s.SetPolicy(config.PolicyFIFO)
	assert.Equal(t, config.PolicyFIFO, s.Policy())
	assert.Equal(t, "backend", s.SelectPool(&QueuedTask{RequiredSkill: "haskell"}))
}
