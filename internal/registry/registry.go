package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"necrocode/internal/lockfile"
	"necrocode/internal/logging"
)

const (
	tasksetsDir = "tasksets"
	eventsDir   = "events"
	locksDir    = "locks"
	fallbackDir = "fallback"
)

var specNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Options tunes registry behavior.
type Options struct {
	LockTimeout       time.Duration
	LockRetryInterval time.Duration
	Logger            logging.Logger
	// Owner is recorded in lock holder sidecars for diagnostics.
	Owner string
}

// Registry persists tasksets as JSON documents under a base directory and
// appends lifecycle events to per-spec JSONL journals. All write
// operations take a per-spec advisory file lock so concurrent processes
// never interleave read-modify-write cycles.
type Registry struct {
	baseDir string
	opts    Options
	log     logging.Logger
	journal *journal
}

// Open initializes the on-disk layout under baseDir and returns a
// registry handle.
func Open(baseDir string, opts Options) (*Registry, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("registry base dir is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.LockRetryInterval <= 0 {
		opts.LockRetryInterval = 100 * time.Millisecond
	}
	if opts.Owner == "" {
		opts.Owner = fmt.Sprintf("registry-pid-%d", os.Getpid())
	}
	log := logging.OrNop(opts.Logger)

	for _, sub := range []string{tasksetsDir, eventsDir, locksDir, fallbackDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir %s: %w", sub, err)
		}
	}

	return &Registry{
		baseDir: baseDir,
		opts:    opts,
		log:     log,
		journal: newJournal(baseDir, log),
	}, nil
}

// JournalFallbacks returns how many events were diverted to the fallback
// journal because the primary append failed.
func (r *Registry) JournalFallbacks() uint64 {
	return r.journal.fallbacks()
}

func (r *Registry) tasksetPath(spec string) string {
	return filepath.Join(r.baseDir, tasksetsDir, spec+".json")
}

func (r *Registry) lockPath(spec string) string {
	return filepath.Join(r.baseDir, locksDir, spec+".lock")
}

// CreateTaskset validates the definitions, rejects duplicate IDs, unknown
// dependency references and dependency cycles, computes initial states
// (READY without dependencies, BLOCKED otherwise) and persists the new
// taskset at version 1. An empty definition list is valid and yields an
// empty taskset; tasks can be added later through the sync path.
// Creating a spec that already exists is an error.
func (r *Registry) CreateTaskset(ctx context.Context, spec string, defs []Definition) (*Taskset, error) {
	if !specNamePattern.MatchString(spec) {
		return nil, fmt.Errorf("invalid spec name %q", spec)
	}

	byID := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("taskset %s: task id is required", spec)
		}
		if def.Title == "" {
			return nil, fmt.Errorf("taskset %s: task %s: title is required", spec, def.ID)
		}
		if _, dup := byID[def.ID]; dup {
			return nil, fmt.Errorf("taskset %s: duplicate task id %s", spec, def.ID)
		}
		byID[def.ID] = def
	}
	for _, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("taskset %s: task %s depends on unknown task %s", spec, def.ID, dep)
			}
		}
	}
	if cycle := findCycle(defs); cycle != nil {
		return nil, &CircularDependencyError{Cycle: cycle}
	}

	now := time.Now().UTC()
	ts := &Taskset{
		SpecName:  spec,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, def := range defs {
		state := StateReady
		if len(def.Dependencies) > 0 {
			state = StateBlocked
		}
		ts.Tasks = append(ts.Tasks, &Task{
			ID:                 def.ID,
			Title:              def.Title,
			Description:        def.Description,
			AcceptanceCriteria: def.AcceptanceCriteria,
			Dependencies:       def.Dependencies,
			RequiredSkill:      def.RequiredSkill,
			Priority:           def.Priority,
			State:              state,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}
	sort.Slice(ts.Tasks, func(i, j int) bool {
		return CompareTaskIDs(ts.Tasks[i].ID, ts.Tasks[j].ID) < 0
	})

	var events []Event
	err := r.withWriteLock(ctx, spec, func() error {
		if _, statErr := os.Stat(r.tasksetPath(spec)); statErr == nil {
			return fmt.Errorf("taskset %s already exists", spec)
		}
		if err := r.writeTaskset(ts); err != nil {
			return err
		}
		for _, t := range ts.Tasks {
			events = append(events, Event{
				Timestamp: now,
				SpecName:  spec,
				TaskID:    t.ID,
				Type:      EventTaskCreated,
				Details:   map[string]any{"state": string(t.State), "title": t.Title},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.journal.append(spec, events)
	r.log.Info("created taskset %s with %d tasks", spec, len(ts.Tasks))
	return ts, nil
}

// GetTaskset reads the persisted taskset for a spec. Reads take no lock;
// writes are atomic renames so a reader always sees a consistent
// document.
func (r *Registry) GetTaskset(spec string) (*Taskset, error) {
	data, err := os.ReadFile(r.tasksetPath(spec))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("taskset %s not found", spec)
		}
		return nil, fmt.Errorf("read taskset %s: %w", spec, err)
	}
	var ts Taskset
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("decode taskset %s: %w", spec, err)
	}
	return &ts, nil
}

// ListSpecs returns the names of all persisted tasksets, sorted.
func (r *Registry) ListSpecs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.baseDir, tasksetsDir))
	if err != nil {
		return nil, fmt.Errorf("list tasksets: %w", err)
	}
	var specs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		specs = append(specs, name[:len(name)-len(".json")])
	}
	sort.Strings(specs)
	return specs, nil
}

// StateChange describes a requested task transition. Assignment is
// required when moving to RUNNING; Reason is recorded in the journal for
// failures and retries. ExecutionSeconds and RetryCount enrich the
// terminal-transition events when the caller knows them.
type StateChange struct {
	To               State
	Assignment       *Assignment
	Reason           string
	ExecutionSeconds float64
	RetryCount       int
}

// UpdateTaskState applies a state transition under the per-spec write
// lock, enforcing the state machine. Completing a task (→ DONE) also
// promotes any BLOCKED dependent whose dependencies are now all DONE to
// READY within the same write. Every successful write bumps the taskset
// version.
func (r *Registry) UpdateTaskState(ctx context.Context, spec, taskID string, change StateChange) (*Task, error) {
	if change.To == StateRunning && (change.Assignment == nil || change.Assignment.Empty()) {
		return nil, fmt.Errorf("task %s: transition to RUNNING requires assignment metadata", taskID)
	}

	var (
		updated *Task
		events  []Event
	)
	err := r.withWriteLock(ctx, spec, func() error {
		ts, err := r.GetTaskset(spec)
		if err != nil {
			return err
		}
		task := ts.Task(taskID)
		if task == nil {
			return fmt.Errorf("taskset %s: task %s not found", spec, taskID)
		}
		if !CanTransition(task.State, change.To) {
			return &InvalidTransitionError{TaskID: taskID, From: task.State, To: change.To}
		}
		if task.State == StateDone && change.To == StateReady {
			return fmt.Errorf("task %s is DONE; use ReopenTask to re-execute it", taskID)
		}

		now := time.Now().UTC()
		from := task.State
		prevAssignment := task.Assignment
		task.State = change.To
		task.UpdatedAt = now
		switch change.To {
		case StateRunning:
			task.Assignment = *change.Assignment
		case StateDone, StateReady:
			task.Assignment = Assignment{}
		}

		events = append(events, transitionEvent(spec, task, from, prevAssignment, change, now))

		if change.To == StateDone {
			for _, other := range ts.Tasks {
				if other.State != StateBlocked || !dependsOn(other, taskID) {
					continue
				}
				if allDependenciesDone(ts, other) {
					other.State = StateReady
					other.UpdatedAt = now
					events = append(events, Event{
						Timestamp: now,
						SpecName:  spec,
						TaskID:    other.ID,
						Type:      EventTaskReady,
						Details:   map[string]any{"unblocked_by": taskID},
					})
				}
			}
		}

		ts.Version++
		ts.UpdatedAt = now
		if err := r.writeTaskset(ts); err != nil {
			return err
		}
		copied := *task
		updated = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.journal.append(spec, events)
	return updated, nil
}

// ReopenTask moves a DONE task back to READY. This is the operator
// escape hatch for re-executing finished work; it clears the old
// assignment and records a TaskReopened event naming the operator.
func (r *Registry) ReopenTask(ctx context.Context, spec, taskID, operator string) (*Task, error) {
	var (
		updated *Task
		events  []Event
	)
	err := r.withWriteLock(ctx, spec, func() error {
		ts, err := r.GetTaskset(spec)
		if err != nil {
			return err
		}
		task := ts.Task(taskID)
		if task == nil {
			return fmt.Errorf("taskset %s: task %s not found", spec, taskID)
		}
		if task.State != StateDone {
			return &InvalidTransitionError{TaskID: taskID, From: task.State, To: StateReady}
		}

		now := time.Now().UTC()
		task.State = StateReady
		task.Assignment = Assignment{}
		task.UpdatedAt = now
		ts.Version++
		ts.UpdatedAt = now
		if err := r.writeTaskset(ts); err != nil {
			return err
		}

		events = append(events, Event{
			Timestamp: now,
			SpecName:  spec,
			TaskID:    taskID,
			Type:      EventTaskReopened,
			Details:   map[string]any{"operator": operator},
		})
		copied := *task
		updated = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.journal.append(spec, events)
	r.log.Info("reopened task %s/%s (operator=%s)", spec, taskID, operator)
	return updated, nil
}

// GetReadyTasks returns READY tasks ordered for scheduling: fewest
// dependencies first, then priority descending, then task id.
func (r *Registry) GetReadyTasks(spec string) ([]*Task, error) {
	return r.readyTasks(spec, "")
}

// GetReadyTasksBySkill is GetReadyTasks restricted to tasks requiring
// the given skill.
func (r *Registry) GetReadyTasksBySkill(spec, skill string) ([]*Task, error) {
	return r.readyTasks(spec, skill)
}

func (r *Registry) readyTasks(spec, skill string) ([]*Task, error) {
	ts, err := r.GetTaskset(spec)
	if err != nil {
		return nil, err
	}
	var ready []*Task
	for _, t := range ts.Tasks {
		if t.State == StateReady && (skill == "" || t.RequiredSkill == skill) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if len(ready[i].Dependencies) != len(ready[j].Dependencies) {
			return len(ready[i].Dependencies) < len(ready[j].Dependencies)
		}
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return CompareTaskIDs(ready[i].ID, ready[j].ID) < 0
	})
	return ready, nil
}

// AddArtifact records an uploaded artifact reference on a task.
func (r *Registry) AddArtifact(ctx context.Context, spec, taskID string, artifact Artifact) error {
	var events []Event
	err := r.withWriteLock(ctx, spec, func() error {
		ts, err := r.GetTaskset(spec)
		if err != nil {
			return err
		}
		task := ts.Task(taskID)
		if task == nil {
			return fmt.Errorf("taskset %s: task %s not found", spec, taskID)
		}
		now := time.Now().UTC()
		task.Artifacts = append(task.Artifacts, artifact)
		task.UpdatedAt = now
		ts.Version++
		ts.UpdatedAt = now
		if err := r.writeTaskset(ts); err != nil {
			return err
		}
		events = append(events, Event{
			Timestamp: now,
			SpecName:  spec,
			TaskID:    taskID,
			Type:      EventTaskUpdated,
			Details:   map[string]any{"artifact_type": string(artifact.Type), "artifact_uri": artifact.URI},
		})
		return nil
	})
	if err != nil {
		return err
	}
	r.journal.append(spec, events)
	return nil
}

// RecordEvent appends an arbitrary lifecycle event to the spec journal
// without touching the taskset document. Journaling never takes the
// write lock and never fails the caller.
func (r *Registry) RecordEvent(spec string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SpecName = spec
	r.journal.append(spec, []Event{event})
}

// ReadEvents returns all journaled events for a spec in append order.
func (r *Registry) ReadEvents(spec string) ([]Event, error) {
	return r.journal.read(spec)
}

func (r *Registry) withWriteLock(ctx context.Context, spec string, fn func() error) error {
	lock := lockfile.New(r.lockPath(spec), r.opts.Owner)
	if err := lock.Acquire(ctx, r.opts.LockTimeout, r.opts.LockRetryInterval); err != nil {
		return fmt.Errorf("taskset %s: acquire write lock: %w", spec, err)
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			r.log.Warn("release write lock for %s: %v", spec, relErr)
		}
	}()
	return fn()
}

// writeTaskset persists via temp-file-and-rename so readers never see a
// torn document.
func (r *Registry) writeTaskset(ts *Taskset) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode taskset %s: %w", ts.SpecName, err)
	}
	path := r.tasksetPath(ts.SpecName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write taskset %s: %w", ts.SpecName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist taskset %s: %w", ts.SpecName, err)
	}
	return nil
}

func transitionEvent(spec string, task *Task, from State, prevAssignment Assignment, change StateChange, now time.Time) Event {
	event := Event{
		Timestamp: now,
		SpecName:  spec,
		TaskID:    task.ID,
		Details:   map[string]any{"from": string(from), "to": string(change.To)},
	}
	switch change.To {
	case StateRunning:
		event.Type = EventTaskAssigned
		event.Details["runner_id"] = task.Assignment.RunnerID
		event.Details["pool_name"] = task.Assignment.PoolName
		event.Details["slot_id"] = task.Assignment.SlotID
	case StateDone:
		event.Type = EventTaskCompleted
		if prevAssignment.RunnerID != "" {
			event.Details["runner_id"] = prevAssignment.RunnerID
		}
		if change.ExecutionSeconds > 0 {
			event.Details["execution_time_seconds"] = change.ExecutionSeconds
		}
	case StateFailed:
		event.Type = EventTaskFailed
		if prevAssignment.RunnerID != "" {
			event.Details["runner_id"] = prevAssignment.RunnerID
		}
		if change.Reason != "" {
			event.Details["failure_reason"] = change.Reason
		}
		event.Details["retry_count"] = change.RetryCount
	default:
		event.Type = EventTaskUpdated
		if change.Reason != "" {
			event.Details["reason"] = change.Reason
		}
	}
	return event
}

func dependsOn(task *Task, depID string) bool {
	for _, dep := range task.Dependencies {
		if dep == depID {
			return true
		}
	}
	return false
}

func allDependenciesDone(ts *Taskset, task *Task) bool {
	for _, dep := range task.Dependencies {
		depTask := ts.Task(dep)
		if depTask == nil || depTask.State != StateDone {
			return false
		}
	}
	return true
}

// findCycle runs a depth-first search over the dependency graph and
// returns the closing path of the first cycle found, or nil.
func findCycle(defs []Definition) []string {
	deps := make(map[string][]string, len(defs))
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		deps[def.ID] = def.Dependencies
		ids = append(ids, def.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return CompareTaskIDs(ids[i], ids[j]) < 0 })

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(defs))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case visiting:
				// close the loop: slice the stack from the first
				// occurrence of dep and append dep again
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
