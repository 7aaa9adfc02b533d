package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorFlagsStaleRunners(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var timedOut []string
	m := NewRunnerMonitor(time.Minute, func(id string) { timedOut = append(timedOut, id) }, nil)
	m.now = func() time.Time { return now }

	m.Register("runner-a")
	m.Register("runner-b")
	require.Equal(t, 2, m.Tracked())

	// b keeps beating, a goes silent
	m.now = func() time.Time { return now.Add(45 * time.Second) }
	m.Heartbeat("runner-b")

	m.now = func() time.Time { return now.Add(90 * time.Second) }
	stale := m.Tick()

	assert.Equal(t, []string{"runner-a"}, stale)
	assert.Equal(t, []string{"runner-a"}, timedOut)
	assert.Equal(t, 1, m.Tracked())
}

func TestMonitorIgnoresUnknownHeartbeats(t *testing.T) {
	m := NewRunnerMonitor(time.Minute, nil, nil)
	m.Heartbeat("never-registered")
	assert.Equal(t, 0, m.Tracked())
}

func TestMonitorRemoveStopsTracking(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewRunnerMonitor(time.Second, nil, nil)
	m.now = func() time.Time { return now }

	m.Register("runner-a")
	m.Remove("runner-a")

	m.now = func() time.Time { return now.Add(time.Hour) }
	assert.Empty(t, m.Tick())
}

func TestMonitorSwallowsHandlerPanics(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewRunnerMonitor(time.Second, func(string) { panic("handler bug") }, nil)
	m.now = func() time.Time { return now }

	m.Register("runner-a")
	m.Register("runner-b")
	m.now = func() time.Time { return now.Add(time.Minute) }

	var stale []string
	require.NotPanics(t, func() { stale = m.Tick() })
	assert.Len(t, stale, 2, "a panicking handler must not skip remaining runners")
}
