package dispatch

import (
	"sync"
	"time"

	"necrocode/internal/async"
	"necrocode/internal/logging"
)

// TimeoutHandler is invoked for each runner whose heartbeat went stale.
// Panics inside the handler are swallowed and logged.
type TimeoutHandler func(runnerID string)

// RunnerMonitor tracks runner heartbeats and flags the stale ones on
// each tick.
type RunnerMonitor struct {
	mu        sync.Mutex
	beats     map[string]time.Time
	timeout   time.Duration
	onTimeout TimeoutHandler
	log       logging.Logger
	now       func() time.Time
}

// NewRunnerMonitor builds a monitor; onTimeout may be nil.
func NewRunnerMonitor(timeout time.Duration, onTimeout TimeoutHandler, log logging.Logger) *RunnerMonitor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RunnerMonitor{
		beats:     make(map[string]time.Time),
		timeout:   timeout,
		onTimeout: onTimeout,
		log:       logging.OrNop(log),
		now:       time.Now,
	}
}

// Register starts tracking a runner with a fresh heartbeat.
func (m *RunnerMonitor) Register(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats[runnerID] = m.now()
}

// Heartbeat refreshes a runner. Unknown runners are ignored; they were
// already removed by completion or timeout.
func (m *RunnerMonitor) Heartbeat(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beats[runnerID]; ok {
		m.beats[runnerID] = m.now()
	}
}

// Remove stops tracking a runner.
func (m *RunnerMonitor) Remove(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.beats, runnerID)
}

// Tracked returns the number of monitored runners.
func (m *RunnerMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.beats)
}

// Tick collects runners whose heartbeat age exceeds the timeout, removes
// them, and invokes the timeout handler for each. Returns the timed-out
// runner IDs.
func (m *RunnerMonitor) Tick() []string {
	m.mu.Lock()
	cutoff := m.now().Add(-m.timeout)
	var stale []string
	for id, beat := range m.beats {
		if beat.Before(cutoff) {
			stale = append(stale, id)
			delete(m.beats, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Warn("runner %s heartbeat timed out", id)
		if m.onTimeout != nil {
			func() {
				defer async.Recover(m.log, "runner timeout handler")
				m.onTimeout(id)
			}()
		}
	}
	return stale
}
