package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"necrocode/internal/config"
)

func twoPools() []config.AgentPool {
	return []config.AgentPool{
		{Name: "local", Type: config.PoolLocalProcess, MaxConcurrency: 2, Enabled: true},
		{Name: "docker", Type: config.PoolDocker, MaxConcurrency: 4, Enabled: true},
	}
}

func TestPoolManagerEnforcesCapacity(t *testing.T) {
	m := NewAgentPoolManager(twoPools())

	require.NoError(t, m.Acquire("local"))
	require.NoError(t, m.Acquire("local"))
	assert.False(t, m.CanAccept("local"))
	assert.Error(t, m.Acquire("local"))

	assert.Equal(t, 2, m.Running("local"))
	assert.Equal(t, 2, m.TotalRunning())

	m.Release("local")
	assert.True(t, m.CanAccept("local"))
	assert.Equal(t, 1, m.TotalRunning())
}

func TestPoolManagerReleaseClampsAtZero(t *testing.T) {
	m := NewAgentPoolManager(twoPools())
	m.Release("local")
	m.Release("local")
	assert.Equal(t, 0, m.Running("local"))
}

func TestPoolManagerUnknownAndDisabled(t *testing.T) {
	m := NewAgentPoolManager(twoPools())

	assert.Error(t, m.Acquire("ghost"))
	assert.False(t, m.CanAccept("ghost"))
	assert.Equal(t, 1.0, m.Utilization("ghost"))

	require.NoError(t, m.SetEnabled("docker", false))
	assert.False(t, m.CanAccept("docker"))
	assert.Error(t, m.Acquire("docker"))
	assert.Error(t, m.SetEnabled("ghost", true))
}

func TestPoolManagerUtilizationAndSnapshot(t *testing.T) {
	m := NewAgentPoolManager(twoPools())
	require.NoError(t, m.Acquire("docker"))

	assert.InDelta(t, 0.25, m.Utilization("docker"), 1e-9)
	assert.InDelta(t, 0.0, m.Utilization("local"), 1e-9)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	byName := map[string]PoolCounters{}
	for _, pc := range snap {
		byName[pc.Name] = pc
	}
	assert.Equal(t, 1, byName["docker"].Running)
	assert.Equal(t, 4, byName["docker"].Max)
	assert.True(t, byName["local"].Enabled)
}
