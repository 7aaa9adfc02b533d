package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"necrocode/internal/async"
	"necrocode/internal/config"
	"necrocode/internal/logging"
	"necrocode/internal/registry"
	"necrocode/internal/runner"
)

// activeRun is one in-flight runner and everything needed to unwind it.
type activeRun struct {
	task      *QueuedTask
	handle    *RunnerHandle
	slot      *Slot
	branch    string
	startedAt time.Time
}

// Dispatcher drives the system from READY tasks to terminal states.
type Dispatcher struct {
	cfg      config.Dispatcher
	reg      *registry.Registry
	queue    *TaskQueue
	pools    *AgentPoolManager
	sched    *Scheduler
	launcher Launcher
	slots    SlotAllocator
	monitor  *RunnerMonitor
	retries  *RetryManager
	recorder *EventRecorder
	deadlock *DeadlockDetector
	log      logging.Logger

	mu     sync.Mutex
	active map[string]*activeRun

	stopOnce  sync.Once
	stopping  chan struct{}
	wake      chan struct{}
	tickCount int
}

// New assembles a dispatcher from its collaborators.
func New(cfg config.Config, reg *registry.Registry, launcher Launcher, slots SlotAllocator, log logging.Logger) *Dispatcher {
	log = logging.OrNop(log)
	poolMgr := NewAgentPoolManager(cfg.AgentPools)
	order := make([]string, 0, len(cfg.AgentPools))
	for _, p := range cfg.AgentPools {
		order = append(order, p.Name)
	}

	d := &Dispatcher{
		cfg:      cfg.Dispatcher,
		reg:      reg,
		queue:    NewTaskQueue(),
		pools:    poolMgr,
		sched:    NewScheduler(cfg.Dispatcher.SchedulingPolicy, cfg.Skills, order, poolMgr),
		launcher: launcher,
		slots:    slots,
		retries: NewRetryManager(
			cfg.Dispatcher.RetryMaxAttempts,
			cfg.Dispatcher.RetryBackoffBase,
			cfg.Dispatcher.RetryInitialDelay,
			cfg.Dispatcher.RetryMaxDelay,
		),
		recorder: NewEventRecorder(reg),
		deadlock: NewDeadlockDetector(reg, log),
		log:      log,
		active:   make(map[string]*activeRun),
		stopping: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	d.monitor = NewRunnerMonitor(cfg.Dispatcher.HeartbeatTimeout, d.handleTimeout, log)
	return d
}

// Scheduler exposes the policy switch for runtime control.
func (d *Dispatcher) Scheduler() *Scheduler { return d.sched }

// Queue exposes the queue for runtime priority updates.
func (d *Dispatcher) Queue() *TaskQueue { return d.queue }

// Heartbeat forwards a runner heartbeat to the monitor.
func (d *Dispatcher) Heartbeat(runnerID string) {
	d.monitor.Heartbeat(runnerID)
}

// Wake nudges the main loop out of its poll sleep.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Running returns the number of in-flight runners.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) isStopping() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}

// Run executes the supervisory loop until Stop is called or the context
// is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	monitorTick := d.cfg.MonitorTickInterval
	if monitorTick <= 0 {
		monitorTick = time.Second
	}

	pollTimer := time.NewTicker(d.cfg.PollInterval)
	defer pollTimer.Stop()
	monitorTimer := time.NewTicker(monitorTick)
	defer monitorTimer.Stop()

	d.tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopping:
			return nil
		case <-monitorTimer.C:
			d.monitor.Tick()
		case <-pollTimer.C:
			d.tick()
		case <-d.wake:
			d.tick()
		}
	}
}

// tick is one supervisory iteration: poll, dispatch, periodic deadlock
// check, gauge refresh.
func (d *Dispatcher) tick() {
	if d.isStopping() {
		return
	}
	d.poll()
	d.dispatch()
	d.tickCount++
	deadlockEvery := int(d.cfg.DeadlockDetectionInterval / d.cfg.PollInterval)
	if deadlockEvery <= 0 {
		deadlockEvery = 60
	}
	if d.tickCount%deadlockEvery == 0 {
		d.deadlock.Check()
	}
	d.updateGauges()
}

// poll drains READY tasks from every spec into the queue.
func (d *Dispatcher) poll() {
	specs, err := d.reg.ListSpecs()
	if err != nil {
		d.log.Warn("poll: list specs: %v", err)
		return
	}
	for _, spec := range specs {
		ready, err := d.reg.GetReadyTasks(spec)
		if err != nil {
			d.log.Warn("poll %s: %v", spec, err)
			continue
		}
		for _, task := range ready {
			qt := &QueuedTask{
				SpecName:      spec,
				TaskID:        task.ID,
				Title:         task.Title,
				RequiredSkill: task.RequiredSkill,
				Priority:      task.Priority,
				CreatedAt:     task.CreatedAt,
			}
			if d.isActive(qt.Key()) {
				continue
			}
			if d.queue.Enqueue(qt) {
				d.log.Debug("queued %s (priority %d)", qt.Key(), qt.Priority)
			}
		}
	}
}

func (d *Dispatcher) isActive(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, run := range d.active {
		if run.task.Key() == key {
			return true
		}
	}
	return false
}

// dispatch assigns queued tasks until the queue empties, capacity runs
// out, or no pool can accept work.
func (d *Dispatcher) dispatch() {
	var deferred []*QueuedTask
	defer func() {
		for _, task := range deferred {
			d.queue.Enqueue(task)
		}
	}()

	for d.queue.Len() > 0 && !d.isStopping() {
		if d.pools.TotalRunning() >= d.cfg.MaxGlobalConcurrency {
			return
		}

		task := d.queue.Dequeue()
		if task == nil {
			return
		}
		// backoff gate: a re-queued task waits out its retry delay
		exhausted, waiting := d.retries.ExhaustedOrWaiting(task.Key())
		if waiting {
			deferred = append(deferred, task)
			continue
		}
		if exhausted {
			// a READY task with a spent record means an operator reset
			// it from FAILED; honor that with a fresh budget
			d.log.Info("task %s re-queued by operator, resetting retry record", task.Key())
			d.retries.Clear(task.Key())
		}

		pool := d.sched.SelectPool(task)
		if pool == "" {
			d.queue.Enqueue(task)
			return
		}

		if err := d.launch(task, pool); err != nil {
			d.log.Warn("dispatch %s to %s: %v", task.Key(), pool, err)
		}
	}
}

// launch performs one assignment: capacity, slot, runner, registry.
func (d *Dispatcher) launch(task *QueuedTask, poolName string) error {
	ctx := context.Background()

	if err := d.pools.Acquire(poolName); err != nil {
		d.queue.Enqueue(task)
		return err
	}

	runnerID := NewRunnerID()
	slot, err := d.slots.Allocate(ctx, poolName, task.Key(), runnerID)
	if err != nil {
		d.pools.Release(poolName)
		d.queue.Enqueue(task)
		return fmt.Errorf("allocate slot: %w", err)
	}

	poolCfg, _ := d.pools.Pool(poolName)
	branch := runner.BranchName(task.SpecName, task.TaskID, task.Title)
	spec := LaunchSpec{
		RunnerID:      runnerID,
		SpecName:      task.SpecName,
		TaskID:        task.TaskID,
		Title:         task.Title,
		RequiredSkill: task.RequiredSkill,
		WorkspacePath: slot.Path,
		BranchName:    branch,
		Pool:          poolCfg,
	}

	if _, err := d.reg.UpdateTaskState(ctx, task.SpecName, task.TaskID, registry.StateChange{
		To: registry.StateRunning,
		Assignment: &registry.Assignment{
			RunnerID:   spec.RunnerID,
			SlotID:     slot.ID,
			PoolName:   poolName,
			BranchName: branch,
		},
	}); err != nil {
		// conflicting out-of-band transition; this task is no longer ours
		d.unwindLaunch(ctx, slot, poolName)
		return fmt.Errorf("mark RUNNING: %w", err)
	}

	handle, err := d.launcher.Launch(ctx, spec)
	if err != nil {
		d.unwindLaunch(ctx, slot, poolName)
		d.settleFailure(task, fmt.Sprintf("launch: %v", err))
		return fmt.Errorf("launch runner: %w", err)
	}

	d.monitor.Register(handle.RunnerID)
	d.mu.Lock()
	d.active[handle.RunnerID] = &activeRun{
		task:      task,
		handle:    handle,
		slot:      slot,
		branch:    branch,
		startedAt: time.Now(),
	}
	d.mu.Unlock()

	d.recorder.RunnerStarted(task.SpecName, task.TaskID, handle, slot.ID)
	dispatchedTotal.WithLabelValues(poolName).Inc()
	if !task.EnqueuedAt.IsZero() {
		waitTimeHist.Observe(time.Since(task.EnqueuedAt).Seconds())
	}
	d.log.Info("dispatched %s to pool %s (runner %s, slot %s)", task.Key(), poolName, handle.RunnerID, slot.ID)

	d.watchRunner(handle)
	return nil
}

func (d *Dispatcher) unwindLaunch(ctx context.Context, slot *Slot, poolName string) {
	if err := d.slots.Release(ctx, slot); err != nil {
		d.log.Warn("release slot %s: %v", slot.ID, err)
	}
	d.pools.Release(poolName)
}

// watchRunner heartbeats a runner while it lives and feeds its exit into
// the notification path. A local process is waited on directly; container
// runners are polled through the launcher's status check.
func (d *Dispatcher) watchRunner(handle *RunnerHandle) {
	switch {
	case handle.proc != nil:
		d.watchProcess(handle)
	case handle.Mode == config.PoolDocker || handle.Mode == config.PoolKubernetes:
		d.watchContainer(handle)
	}
}

func (d *Dispatcher) watchProcess(handle *RunnerHandle) {
	async.Go(d.log, "watch runner "+handle.RunnerID, func() {
		done := make(chan error, 1)
		go func() { done <- handle.proc.Wait() }()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case err := <-done:
				reason := ""
				if err != nil {
					reason = err.Error()
				}
				d.NotifyCompletion(handle.RunnerID, err == nil, reason)
				return
			case <-ticker.C:
				d.monitor.Heartbeat(handle.RunnerID)
			}
		}
	})
}

// watchContainer polls the launcher for the container's state: a running
// container counts as a heartbeat, its exit becomes the completion
// notification. Status errors are not heartbeats, so an unreachable
// engine eventually trips the monitor.
func (d *Dispatcher) watchContainer(handle *RunnerHandle) {
	async.Go(d.log, "watch runner "+handle.RunnerID, func() {
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopping:
				return
			case <-ticker.C:
			}
			if !d.isActiveRunner(handle.RunnerID) {
				return
			}
			st, err := d.launcher.Status(context.Background(), handle)
			if err != nil {
				d.log.Debug("status of runner %s: %v", handle.RunnerID, err)
				continue
			}
			if !st.Finished {
				d.monitor.Heartbeat(handle.RunnerID)
				continue
			}
			d.NotifyCompletion(handle.RunnerID, st.Success, st.Reason)
			return
		}
	})
}

func (d *Dispatcher) isActiveRunner(runnerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[runnerID]
	return ok
}

// NotifyCompletion is the notification path: a runner (or its watcher)
// reports that it finished. Unknown or already-handled runners are
// ignored, which makes the monitor and notification paths race-safe.
func (d *Dispatcher) NotifyCompletion(runnerID string, success bool, failureReason string) {
	run := d.takeActive(runnerID)
	if run == nil {
		return
	}
	d.monitor.Remove(runnerID)
	d.finish(run, success, failureReason)
}

func (d *Dispatcher) takeActive(runnerID string) *activeRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.active[runnerID]
	if !ok {
		return nil
	}
	delete(d.active, runnerID)
	return run
}

// handleTimeout is the monitor path: force-terminate and fail.
func (d *Dispatcher) handleTimeout(runnerID string) {
	run := d.takeActive(runnerID)
	if run == nil {
		return
	}
	if err := d.launcher.Terminate(context.Background(), run.handle); err != nil {
		d.log.Warn("terminate timed-out runner %s: %v", runnerID, err)
	}
	d.finish(run, false, "heartbeat timeout")
}

// finish is the shared completion path: release resources, then settle
// the task as DONE, retried, or FAILED.
func (d *Dispatcher) finish(run *activeRun, success bool, failureReason string) {
	ctx := context.Background()
	elapsed := time.Since(run.startedAt)
	task := run.task

	d.unwindLaunch(ctx, run.slot, run.handle.PoolName)
	d.recorder.RunnerFinished(task.SpecName, task.TaskID, run.handle.RunnerID, success, elapsed, failureReason)

	if success {
		if _, err := d.reg.UpdateTaskState(ctx, task.SpecName, task.TaskID, registry.StateChange{
			To:               registry.StateDone,
			ExecutionSeconds: elapsed.Seconds(),
		}); err != nil {
			d.log.Warn("mark %s DONE: %v", task.Key(), err)
		}
		d.retries.Clear(task.Key())
		completedTotal.WithLabelValues("done").Inc()
		d.log.Info("task %s completed in %s", task.Key(), elapsed.Round(time.Second))
		d.Wake()
		return
	}

	d.settleFailure(task, failureReason)
}

// settleFailure applies retry policy to a RUNNING task that did not
// succeed: reset to READY and re-queue while attempts remain, FAILED
// once they are spent.
func (d *Dispatcher) settleFailure(task *QueuedTask, reason string) {
	ctx := context.Background()

	rec := d.retries.RecordFailure(task.Key(), reason)
	if rec.Attempts < d.retries.maxAttempts {
		if _, err := d.reg.UpdateTaskState(ctx, task.SpecName, task.TaskID, registry.StateChange{
			To:     registry.StateReady,
			Reason: fmt.Sprintf("retry %d/%d: %s", rec.Attempts, d.retries.maxAttempts, reason),
		}); err != nil {
			d.log.Warn("requeue %s: %v", task.Key(), err)
		}
		d.queue.Enqueue(task)
		completedTotal.WithLabelValues("retried").Inc()
		d.log.Warn("task %s failed (attempt %d), eligible again at %s", task.Key(), rec.Attempts, rec.NextEligible.Format(time.RFC3339))
		return
	}

	if _, err := d.reg.UpdateTaskState(ctx, task.SpecName, task.TaskID, registry.StateChange{
		To:         registry.StateFailed,
		Reason:     reason,
		RetryCount: rec.Attempts,
	}); err != nil {
		d.log.Warn("mark %s FAILED: %v", task.Key(), err)
	}
	completedTotal.WithLabelValues("failed").Inc()
	d.log.Error("task %s failed permanently after %d attempts: %s", task.Key(), rec.Attempts, reason)
}

// Stop performs graceful shutdown: stop accepting work, wait for
// in-flight runners up to the configured timeout, then force-terminate
// stragglers and release their slots. Stop is idempotent.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		close(d.stopping)
		d.log.Info("shutdown initiated; %d runner(s) in flight", d.Running())

		deadline := time.NewTimer(d.cfg.GracefulShutdownTimeout)
		defer deadline.Stop()
		poll := time.NewTicker(100 * time.Millisecond)
		defer poll.Stop()

		graceful := true
	wait:
		for d.Running() > 0 {
			select {
			case <-ctx.Done():
				graceful = false
				break wait
			case <-deadline.C:
				graceful = false
				break wait
			case <-poll.C:
			}
		}

		if !graceful {
			d.forceTerminateAll()
		}

		specs, err := d.reg.ListSpecs()
		if err == nil {
			d.recorder.Shutdown(specs, graceful)
		}
		d.log.Info("shutdown complete (graceful=%v)", graceful)
	})
}

// forceTerminateAll kills every remaining runner and fails its task.
func (d *Dispatcher) forceTerminateAll() {
	d.mu.Lock()
	remaining := make([]*activeRun, 0, len(d.active))
	for _, run := range d.active {
		remaining = append(remaining, run)
	}
	d.active = make(map[string]*activeRun)
	d.mu.Unlock()

	for _, run := range remaining {
		d.monitor.Remove(run.handle.RunnerID)
		if err := d.launcher.Terminate(context.Background(), run.handle); err != nil {
			d.log.Warn("force-terminate %s: %v", run.handle.RunnerID, err)
		}
		d.unwindLaunch(context.Background(), run.slot, run.handle.PoolName)
		rec := d.retries.RecordFailure(run.task.Key(), "force-terminated during shutdown")
		if _, err := d.reg.UpdateTaskState(context.Background(), run.task.SpecName, run.task.TaskID, registry.StateChange{
			To:         registry.StateFailed,
			Reason:     "force-terminated during shutdown",
			RetryCount: rec.Attempts,
		}); err != nil {
			d.log.Warn("mark %s FAILED during shutdown: %v", run.task.Key(), err)
		}
	}
}
