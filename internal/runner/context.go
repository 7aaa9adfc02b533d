package runner

import (
	"fmt"
	"os"
	"time"
)

// TaskContext is everything a runner needs to execute one task in one
// allocated slot.
type TaskContext struct {
	TaskID             string
	SpecName           string
	Title              string
	Description        string
	AcceptanceCriteria []string
	RequiredSkill      string
	SlotID             string
	WorkspacePath      string
	BranchName         string
	TestCommand        string
	Timeout            time.Duration
	// SkipPush runs everything up to the local commit, for deployments
	// without an origin remote.
	SkipPush bool
}

// Validate fails fast on missing required fields; absent acceptance
// criteria only warn.
func (c *TaskContext) Validate() error {
	switch {
	case c.TaskID == "":
		return fmt.Errorf("task_id is required")
	case c.SpecName == "":
		return fmt.Errorf("spec_name is required")
	case c.Title == "":
		return fmt.Errorf("title is required")
	case c.Description == "":
		return fmt.Errorf("description is required")
	case c.RequiredSkill == "":
		return fmt.Errorf("required_skill is required")
	case c.SlotID == "":
		return fmt.Errorf("slot_id is required")
	case c.BranchName == "":
		return fmt.Errorf("branch_name is required")
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive")
	}
	info, err := os.Stat(c.WorkspacePath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("workspace path %q is not an existing directory", c.WorkspacePath)
	}
	return nil
}
