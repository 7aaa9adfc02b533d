// Package registry is the durable source of truth for the task graph:
// task state, dependencies, the append-only event journal, and artifact
// references. Writes are serialized per spec by an advisory file lock;
// reads are lock-free.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StateReady   State = "READY"
	StateBlocked State = "BLOCKED"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// IsTerminal reports whether the state is a final state.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// validTransitions is the task state machine. DONE → READY is the
// operator-only reopen escape hatch and emits TaskReopened.
var validTransitions = map[State][]State{
	StateReady:   {StateRunning, StateBlocked},
	StateBlocked: {StateReady},
	StateRunning: {StateDone, StateFailed, StateReady},
	StateFailed:  {StateReady, StateRunning},
	StateDone:    {StateReady},
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a disallowed state change.
type InvalidTransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// CircularDependencyError reports a dependency cycle, including the path
// that closes it (e.g. [A B A]).
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// ArtifactType classifies uploaded artifacts.
type ArtifactType string

const (
	ArtifactDiff       ArtifactType = "DIFF"
	ArtifactLog        ArtifactType = "LOG"
	ArtifactTestResult ArtifactType = "TEST_RESULT"
)

// Artifact is a reference to an uploaded object owned by a task.
type Artifact struct {
	Type      ArtifactType      `json:"type"`
	URI       string            `json:"uri"`
	SizeBytes int64             `json:"size_bytes"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Assignment holds runner binding metadata, set while a task is RUNNING.
type Assignment struct {
	RunnerID   string `json:"runner_id,omitempty"`
	SlotID     string `json:"slot_id,omitempty"`
	PoolName   string `json:"pool_name,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
}

// Empty reports whether no assignment is recorded.
func (a Assignment) Empty() bool {
	return a.RunnerID == "" && a.SlotID == "" && a.PoolName == "" && a.BranchName == ""
}

// Task is a single unit of work inside a spec. IDs are hierarchical dotted
// numbers ("1", "1.1", "2.3") treated as opaque strings with a
// component-wise integer order; parent/child carry no state-machine
// meaning.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	Dependencies       []string   `json:"dependencies,omitempty"`
	RequiredSkill      string     `json:"required_skill,omitempty"`
	Priority           int        `json:"priority"`
	State              State      `json:"state"`
	Assignment         Assignment `json:"assignment,omitempty"`
	Artifacts          []Artifact `json:"artifacts,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Definition is the caller-supplied shape for creating a task; state and
// timestamps are computed by the registry.
type Definition struct {
	ID                 string   `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	RequiredSkill      string   `json:"required_skill,omitempty" yaml:"required_skill,omitempty"`
	Priority           int      `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Taskset is the persisted, versioned collection of tasks for one spec.
// Version increases strictly on every write.
type Taskset struct {
	SpecName  string    `json:"spec_name"`
	Version   int64     `json:"version"`
	Tasks     []*Task   `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task returns the task with the given id, or nil.
func (ts *Taskset) Task(id string) *Task {
	for _, t := range ts.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// EventType enumerates the journal event kinds.
type EventType string

const (
	EventTaskCreated    EventType = "TaskCreated"
	EventTaskReady      EventType = "TaskReady"
	EventTaskAssigned   EventType = "TaskAssigned"
	EventRunnerStarted  EventType = "RunnerStarted"
	EventRunnerFinished EventType = "RunnerFinished"
	EventTaskCompleted  EventType = "TaskCompleted"
	EventTaskFailed     EventType = "TaskFailed"
	EventTaskUpdated    EventType = "TaskUpdated"
	EventTaskReopened   EventType = "TaskReopened"
)

// Event is an immutable, append-only journal record. Events within one
// spec are totally ordered by append order.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	SpecName  string         `json:"spec_name"`
	TaskID    string         `json:"task_id"`
	Type      EventType      `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
}

// CompareTaskIDs orders hierarchical dotted IDs by component-wise integer
// comparison: 1.2 < 1.10 < 2. Non-numeric components fall back to string
// comparison.
func CompareTaskIDs(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		if cmp := strings.Compare(as[i], bs[i]); cmp != 0 {
			return cmp
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}
