package dispatch

import (
	"time"

	"necrocode/internal/registry"
)

// EventRecorder emits dispatcher-side lifecycle events with the
// wire-stable detail keys. Journal fallback lives inside the registry.
type EventRecorder struct {
	reg *registry.Registry
}

// NewEventRecorder wraps the registry journal.
func NewEventRecorder(reg *registry.Registry) *EventRecorder {
	return &EventRecorder{reg: reg}
}

// RunnerStarted records a successful launch with the mode-appropriate
// handle.
func (e *EventRecorder) RunnerStarted(spec, taskID string, handle *RunnerHandle, slotID string) {
	key, value := handle.HandleDetail()
	e.reg.RecordEvent(spec, registry.Event{
		TaskID: taskID,
		Type:   registry.EventRunnerStarted,
		Details: map[string]any{
			"runner_id": handle.RunnerID,
			"slot_id":   slotID,
			"pool_name": handle.PoolName,
			key:         value,
		},
	})
}

// RunnerFinished records runner exit, success or not.
func (e *EventRecorder) RunnerFinished(spec, taskID, runnerID string, success bool, elapsed time.Duration, failureReason string) {
	details := map[string]any{
		"runner_id":              runnerID,
		"success":                success,
		"execution_time_seconds": elapsed.Seconds(),
	}
	if failureReason != "" {
		details["failure_reason"] = failureReason
	}
	e.reg.RecordEvent(spec, registry.Event{
		TaskID:  taskID,
		Type:    registry.EventRunnerFinished,
		Details: details,
	})
}

// Shutdown records dispatcher shutdown for every active spec.
func (e *EventRecorder) Shutdown(specs []string, graceful bool) {
	for _, spec := range specs {
		e.reg.RecordEvent(spec, registry.Event{
			Type:    registry.EventTaskUpdated,
			Details: map[string]any{"dispatcher": "shutdown", "graceful": graceful},
		})
	}
}
