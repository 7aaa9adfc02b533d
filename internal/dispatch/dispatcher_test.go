package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"necrocode/internal/config"
	"necrocode/internal/registry"
)

type fakeAllocator struct {
	mu       sync.Mutex
	next     int
	owners   []string
	released []string
}

func (a *fakeAllocator) Allocate(_ context.Context, poolName, _, runnerID string) (*Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.owners = append(a.owners, runnerID)
	return &Slot{
		ID:       fmt.Sprintf("%s/slot-%d", poolName, a.next),
		Index:    a.next,
		Path:     "/tmp/" + poolName,
		PoolName: poolName,
	}, nil
}

func (a *fakeAllocator) Release(_ context.Context, slot *Slot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, slot.ID)
	return nil
}

func (a *fakeAllocator) releasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.released)
}

type fakeLauncher struct {
	mu         sync.Mutex
	attempts   int
	launched   []LaunchSpec
	terminated []string
	failNext   int
	statuses   map[string]*RunnerStatus
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (*RunnerHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.failNext > 0 {
		l.failNext--
		return nil, errors.New("spawn failed")
	}
	l.launched = append(l.launched, spec)
	handle := &RunnerHandle{
		RunnerID: spec.RunnerID,
		PoolName: spec.Pool.Name,
		Mode:     spec.Pool.Type,
		PID:      1000 + l.attempts,
	}
	if handle.Mode == "" {
		handle.Mode = config.PoolLocalProcess
	}
	if handle.Mode == config.PoolDocker {
		handle.ContainerID = "ctr-" + spec.RunnerID
	}
	return handle, nil
}

func (l *fakeLauncher) Status(_ context.Context, handle *RunnerHandle) (*RunnerStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.statuses[handle.RunnerID]; ok {
		return st, nil
	}
	return &RunnerStatus{}, nil
}

func (l *fakeLauncher) setStatus(runnerID string, st *RunnerStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statuses == nil {
		l.statuses = make(map[string]*RunnerStatus)
	}
	l.statuses[runnerID] = st
}

func (l *fakeLauncher) Terminate(_ context.Context, handle *RunnerHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, handle.RunnerID)
	return nil
}

func (l *fakeLauncher) terminatedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.terminated)
}

func (l *fakeLauncher) lastRunnerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[len(l.launched)-1].RunnerID
}

func testDispatchConfig(poolCap int) config.Config {
	cfg := config.Default()
	cfg.Dispatcher.PollInterval = 10 * time.Millisecond
	cfg.Dispatcher.RetryMaxAttempts = 3
	cfg.Dispatcher.RetryInitialDelay = time.Millisecond
	cfg.Dispatcher.RetryMaxDelay = 10 * time.Millisecond
	cfg.Dispatcher.GracefulShutdownTimeout = 100 * time.Millisecond
	cfg.AgentPools = []config.AgentPool{
		{Name: "local", Type: config.PoolLocalProcess, MaxConcurrency: poolCap, Enabled: true},
	}
	cfg.Skills = map[string][]string{"default": {"local"}}
	return cfg
}

func newTestDispatcher(t *testing.T, cfg config.Config) (*Dispatcher, *registry.Registry, *fakeLauncher, *fakeAllocator) {
	t.Helper()
	reg, err := registry.Open(t.TempDir(), registry.Options{Owner: "dispatch-test"})
	require.NoError(t, err)
	launcher := &fakeLauncher{}
	alloc := &fakeAllocator{}
	return New(cfg, reg, launcher, alloc, nil), reg, launcher, alloc
}

func taskState(t *testing.T, reg *registry.Registry, spec, id string) *registry.Task {
	t.Helper()
	ts, err := reg.GetTaskset(spec)
	require.NoError(t, err)
	task := ts.Task(id)
	require.NotNil(t, task)
	return task
}

func eventTypes(t *testing.T, reg *registry.Registry, spec string) []registry.EventType {
	t.Helper()
	events, err := reg.ReadEvents(spec)
	require.NoError(t, err)
	types := make([]registry.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestSingleTaskLifecycle(t *testing.T) {
	d, reg, launcher, alloc := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Add greeting"},
	})
	require.NoError(t, err)

	d.tick()

	require.Len(t, launcher.launched, 1)
	assert.Equal(t, "demo", launcher.launched[0].SpecName)
	assert.Equal(t, "feature/task-demo-1-add-greeting", launcher.launched[0].BranchName)

	running := taskState(t, reg, "demo", "1")
	assert.Equal(t, registry.StateRunning, running.State)
	assert.Equal(t, launcher.launched[0].RunnerID, running.Assignment.RunnerID)
	assert.Equal(t, []string{launcher.launched[0].RunnerID}, alloc.owners, "the slot is allocated to the runner identity")
	assert.Equal(t, "local", running.Assignment.PoolName)
	assert.Equal(t, 1, d.Running())

	d.NotifyCompletion(launcher.lastRunnerID(), true, "")

	done := taskState(t, reg, "demo", "1")
	assert.Equal(t, registry.StateDone, done.State)
	assert.True(t, done.Assignment.Empty(), "completion clears the assignment")
	assert.Equal(t, 0, d.Running())
	assert.Equal(t, 1, alloc.releasedCount())
	assert.Equal(t, 0, d.monitor.Tracked())

	assert.Equal(t, []registry.EventType{
		registry.EventTaskCreated,
		registry.EventTaskAssigned,
		registry.EventRunnerStarted,
		registry.EventRunnerFinished,
		registry.EventTaskCompleted,
	}, eventTypes(t, reg, "demo"))
}

func TestPriorityOvertake(t *testing.T) {
	d, reg, launcher, _ := newTestDispatcher(t, testDispatchConfig(1))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "a", Title: "Low", Priority: 1},
		{ID: "b", Title: "High", Priority: 10},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)
	assert.Equal(t, "b", launcher.launched[0].TaskID, "higher priority dispatches first despite pool capacity 1")

	d.NotifyCompletion(launcher.lastRunnerID(), true, "")
	d.tick()

	require.Len(t, launcher.launched, 2)
	assert.Equal(t, "a", launcher.launched[1].TaskID)
}

func TestDependentWaitsForCompletion(t *testing.T) {
	d, reg, launcher, _ := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Base"},
		{ID: "2", Title: "Dependent", Dependencies: []string{"1"}},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)
	assert.Equal(t, registry.StateBlocked, taskState(t, reg, "demo", "2").State)

	d.NotifyCompletion(launcher.lastRunnerID(), true, "")
	d.tick()

	require.Len(t, launcher.launched, 2)
	assert.Equal(t, "2", launcher.launched[1].TaskID)
}

func TestRetryThenSuccess(t *testing.T) {
	d, reg, launcher, alloc := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "x", Title: "Flaky"},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)
	first := launcher.lastRunnerID()

	d.NotifyCompletion(first, false, "test_failed")

	requeued := taskState(t, reg, "demo", "x")
	assert.Equal(t, registry.StateReady, requeued.State)
	assert.Equal(t, 1, d.retries.Attempts("demo/x"))
	assert.True(t, d.queue.Contains("demo/x"))

	// inside the backoff window nothing dispatches
	d.retries.now = func() time.Time { return time.Now().Add(-time.Hour) }
	d.tick()
	require.Len(t, launcher.launched, 1)

	// past the window the second attempt goes out
	d.retries.now = time.Now
	time.Sleep(5 * time.Millisecond)
	d.tick()
	require.Len(t, launcher.launched, 2)
	second := launcher.lastRunnerID()
	assert.NotEqual(t, first, second, "each attempt gets a fresh runner identity")

	d.NotifyCompletion(second, true, "")

	assert.Equal(t, registry.StateDone, taskState(t, reg, "demo", "x").State)
	assert.Equal(t, 0, d.retries.Attempts("demo/x"), "success clears the retry record")
	assert.Equal(t, 2, alloc.releasedCount())

	types := eventTypes(t, reg, "demo")
	assert.Equal(t, []registry.EventType{
		registry.EventTaskCreated,
		registry.EventTaskAssigned,
		registry.EventRunnerStarted,
		registry.EventRunnerFinished, // success=false
		registry.EventTaskUpdated,    // reset to READY for retry
		registry.EventTaskAssigned,
		registry.EventRunnerStarted,
		registry.EventRunnerFinished, // success=true
		registry.EventTaskCompleted,
	}, types)
}

func TestExhaustedRetriesFailTheTask(t *testing.T) {
	d, reg, launcher, _ := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "x", Title: "Doomed"},
	})
	require.NoError(t, err)

	// every retry is immediately eligible
	d.retries.now = func() time.Time { return time.Now().Add(time.Hour) }

	for i := 0; i < 3; i++ {
		d.tick()
		require.Len(t, launcher.launched, i+1)
		d.NotifyCompletion(launcher.lastRunnerID(), false, "test_failed")
	}

	failed := taskState(t, reg, "demo", "x")
	assert.Equal(t, registry.StateFailed, failed.State)

	events, err := reg.ReadEvents("demo")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, registry.EventTaskFailed, last.Type)
	assert.Equal(t, "test_failed", last.Details["failure_reason"])
	assert.EqualValues(t, 3, last.Details["retry_count"])

	d.tick()
	assert.Len(t, launcher.launched, 3, "a FAILED task is not dispatched again")
}

func TestLaunchFailureGoesThroughRetryPolicy(t *testing.T) {
	d, reg, launcher, alloc := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Unlaunchable"},
	})
	require.NoError(t, err)

	launcher.failNext = 10
	d.retries.now = func() time.Time { return time.Now().Add(time.Hour) }

	d.tick()

	assert.Equal(t, 3, launcher.attempts)
	assert.Equal(t, registry.StateFailed, taskState(t, reg, "demo", "1").State)
	assert.Equal(t, 3, alloc.releasedCount(), "every failed launch releases its slot")
	assert.Equal(t, 0, d.pools.TotalRunning())
}

func TestHeartbeatTimeoutRequeuesTask(t *testing.T) {
	d, reg, launcher, alloc := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Silent runner"},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)
	runnerID := launcher.lastRunnerID()

	d.monitor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	stale := d.monitor.Tick()

	require.Equal(t, []string{runnerID}, stale)
	assert.Equal(t, []string{runnerID}, launcher.terminated)
	assert.Equal(t, 1, alloc.releasedCount())
	assert.Equal(t, registry.StateReady, taskState(t, reg, "demo", "1").State)
	assert.True(t, d.queue.Contains("demo/1"))

	events, err := reg.ReadEvents("demo")
	require.NoError(t, err)
	finished := events[len(events)-2]
	require.Equal(t, registry.EventRunnerFinished, finished.Type)
	assert.Equal(t, false, finished.Details["success"])
	assert.Equal(t, "heartbeat timeout", finished.Details["failure_reason"])
}

func TestContainerRunnerLifecycle(t *testing.T) {
	cfg := testDispatchConfig(4)
	cfg.AgentPools = []config.AgentPool{
		{Name: "docker", Type: config.PoolDocker, MaxConcurrency: 4, Enabled: true,
			TypeConfig: map[string]string{"image": "necrocode/runner:latest"}},
	}
	cfg.Skills = map[string][]string{"default": {"docker"}}
	d, reg, launcher, alloc := newTestDispatcher(t, cfg)
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Containerized"},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)
	runnerID := launcher.lastRunnerID()

	// while the container reports running, status polls stand in for
	// heartbeats and the monitor leaves the runner alone
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.monitor.Tick())
	assert.Equal(t, 0, launcher.terminatedCount())
	assert.Equal(t, registry.StateRunning, taskState(t, reg, "demo", "1").State)

	launcher.setStatus(runnerID, &RunnerStatus{Finished: true, Success: true})

	require.Eventually(t, func() bool {
		ts, err := reg.GetTaskset("demo")
		return err == nil && ts.Task("1").State == registry.StateDone
	}, 2*time.Second, 5*time.Millisecond, "the exit observed through the status poll completes the task")

	assert.Equal(t, 0, launcher.terminatedCount(), "an observed exit needs no force-terminate")
	assert.Equal(t, 1, alloc.releasedCount())
	assert.Equal(t, 0, d.Running())
	assert.False(t, d.queue.Contains("demo/1"))

	events, err := reg.ReadEvents("demo")
	require.NoError(t, err)
	finished := events[len(events)-2]
	require.Equal(t, registry.EventRunnerFinished, finished.Type)
	assert.Equal(t, true, finished.Details["success"])
}

func TestContainerRunnerFailureRetries(t *testing.T) {
	cfg := testDispatchConfig(4)
	cfg.AgentPools = []config.AgentPool{
		{Name: "docker", Type: config.PoolDocker, MaxConcurrency: 4, Enabled: true,
			TypeConfig: map[string]string{"image": "necrocode/runner:latest"}},
	}
	cfg.Skills = map[string][]string{"default": {"docker"}}
	d, reg, launcher, _ := newTestDispatcher(t, cfg)
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Crashy"},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)
	launcher.setStatus(launcher.lastRunnerID(), &RunnerStatus{Finished: true, Reason: "container exited with code 2"})

	require.Eventually(t, func() bool {
		ts, err := reg.GetTaskset("demo")
		return err == nil && ts.Task("1").State == registry.StateReady
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, d.retries.Attempts("demo/1"))
	assert.True(t, d.queue.Contains("demo/1"))
}

func TestDuplicateDispatchSuppressed(t *testing.T) {
	d, reg, launcher, _ := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Once only"},
	})
	require.NoError(t, err)

	d.tick()
	d.tick()
	d.tick()

	assert.Len(t, launcher.launched, 1, "a RUNNING task must not be dispatched again")
}

func TestGlobalConcurrencyCap(t *testing.T) {
	cfg := testDispatchConfig(8)
	cfg.Dispatcher.MaxGlobalConcurrency = 2
	d, reg, launcher, _ := newTestDispatcher(t, cfg)

	defs := make([]registry.Definition, 5)
	for i := range defs {
		defs[i] = registry.Definition{ID: fmt.Sprintf("%d", i+1), Title: fmt.Sprintf("Task %d", i+1)}
	}
	_, err := reg.CreateTaskset(context.Background(), "demo", defs)
	require.NoError(t, err)

	d.tick()
	assert.Len(t, launcher.launched, 2)
	assert.Equal(t, 3, d.queue.Len())
}

func TestGracefulShutdownWaitsForRunner(t *testing.T) {
	d, reg, launcher, _ := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Slow but steady"},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.NotifyCompletion(launcher.lastRunnerID(), true, "")
	}()

	d.Stop(context.Background())

	assert.Equal(t, registry.StateDone, taskState(t, reg, "demo", "1").State)
	assert.Empty(t, launcher.terminated, "a runner that finishes in time is not killed")
}

func TestShutdownTimeoutForceTerminates(t *testing.T) {
	cfg := testDispatchConfig(4)
	cfg.Dispatcher.GracefulShutdownTimeout = 30 * time.Millisecond
	d, reg, launcher, alloc := newTestDispatcher(t, cfg)
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Never finishes"},
	})
	require.NoError(t, err)

	d.tick()
	require.Len(t, launcher.launched, 1)

	d.Stop(context.Background())
	d.Stop(context.Background()) // idempotent

	assert.Equal(t, []string{launcher.launched[0].RunnerID}, launcher.terminated)
	assert.Equal(t, 1, alloc.releasedCount())
	assert.Equal(t, registry.StateFailed, taskState(t, reg, "demo", "1").State)
	assert.Equal(t, 0, d.Running())
}

func TestPollSpansMultipleSpecs(t *testing.T) {
	d, reg, launcher, _ := newTestDispatcher(t, testDispatchConfig(8))
	for _, spec := range []string{"alpha", "beta"} {
		_, err := reg.CreateTaskset(context.Background(), spec, []registry.Definition{
			{ID: "1", Title: "Work"},
		})
		require.NoError(t, err)
	}

	d.tick()

	require.Len(t, launcher.launched, 2)
	specs := map[string]bool{}
	for _, l := range launcher.launched {
		specs[l.SpecName] = true
	}
	assert.True(t, specs["alpha"] && specs["beta"])
}

func TestRunLoopDispatchesAndStops(t *testing.T) {
	d, reg, launcher, _ := newTestDispatcher(t, testDispatchConfig(4))
	_, err := reg.CreateTaskset(context.Background(), "demo", []registry.Definition{
		{ID: "1", Title: "Loop driven"},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return len(launcher.launched) == 1
	}, 2*time.Second, 5*time.Millisecond)

	d.NotifyCompletion(launcher.lastRunnerID(), true, "")
	d.Stop(context.Background())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit after Stop")
	}
}
