package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Phase is the runner's coarse lifecycle state, persisted when state
// persistence is enabled so an operator can inspect a crashed runner.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseRunning   Phase = "RUNNING"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseRunning},
	PhaseRunning:   {PhaseCompleted, PhaseFailed},
	PhaseCompleted: {PhaseIdle},
	PhaseFailed:    {PhaseIdle},
}

// stateFile snapshots the runner lifecycle to disk on every phase
// transition; the file is removed after a successful run.
type stateFile struct {
	path    string
	enabled bool
	current Phase
}

type stateSnapshot struct {
	RunnerID  string    `json:"runner_id"`
	TaskID    string    `json:"task_id"`
	SpecName  string    `json:"spec_name"`
	Phase     Phase     `json:"phase"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newStateFile(dir, runnerID string, enabled bool) *stateFile {
	return &stateFile{
		path:    filepath.Join(dir, runnerID+".state.json"),
		enabled: enabled,
		current: PhaseIdle,
	}
}

func (s *stateFile) transition(to Phase, runnerID, taskID, spec string) error {
	allowed := false
	for _, next := range phaseTransitions[s.current] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("runner %s: invalid phase transition %s -> %s", runnerID, s.current, to)
	}
	s.current = to

	if !s.enabled {
		return nil
	}
	snap := stateSnapshot{
		RunnerID:  runnerID,
		TaskID:    taskID,
		SpecName:  spec,
		Phase:     to,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runner state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write runner state: %w", err)
	}
	return nil
}

func (s *stateFile) clear() {
	if s.enabled {
		_ = os.Remove(s.path)
	}
}
