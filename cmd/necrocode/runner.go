package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"necrocode/internal/config"
	"necrocode/internal/logging"
	"necrocode/internal/runner"
)

func newRunnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "runner",
		Short:  "Execute one task inside an allocated workspace slot",
		Long:   "Internal entry point spawned by the dispatcher. Reads the task assignment from NECROCODE_* environment variables, generates code, runs tests, commits, pushes, and uploads artifacts.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runTask(cmd.Context(), cfg)
		},
	}
	return cmd
}

func runTask(ctx context.Context, cfg config.Config) error {
	specName := os.Getenv("NECROCODE_SPEC_NAME")
	taskID := os.Getenv("NECROCODE_TASK_ID")
	if specName == "" || taskID == "" {
		return fmt.Errorf("NECROCODE_SPEC_NAME and NECROCODE_TASK_ID are required")
	}

	log := logging.NewComponentLogger("RUNNER")
	reg, err := openRegistry(cfg, "runner")
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	ts, err := reg.GetTaskset(specName)
	if err != nil {
		return fmt.Errorf("load taskset: %w", err)
	}
	task := ts.Task(taskID)
	if task == nil {
		return fmt.Errorf("task %s not found in %s", taskID, specName)
	}

	if cfg.Runner.CodegenCommand == "" {
		return fmt.Errorf("runner.codegen_command is not configured")
	}
	codegen, err := runner.NewCommandGenerator(cfg.Runner.CodegenCommand, cfg.Runner.CodegenTimeout, log)
	if err != nil {
		return err
	}

	taskCtx := &runner.TaskContext{
		TaskID:             taskID,
		SpecName:           specName,
		Title:              task.Title,
		Description:        task.Description,
		AcceptanceCriteria: task.AcceptanceCriteria,
		RequiredSkill:      task.RequiredSkill,
		SlotID:             task.Assignment.SlotID,
		WorkspacePath:      os.Getenv("NECROCODE_WORKSPACE"),
		BranchName:         os.Getenv("NECROCODE_BRANCH"),
		TestCommand:        cfg.Runner.TestCommand,
		Timeout:            cfg.Runner.DefaultTaskTimeout,
	}

	r, err := runner.New(taskCtx, codegen, runner.NewFSArtifactStore(cfg.Runner.ArtifactDir), reg, runner.Options{
		RunnerID: os.Getenv("NECROCODE_RUNNER_ID"),
		Logger:   log,
		// dispatcher-launched runners leave the terminal transition to
		// the watcher that observes their exit; standalone invocations
		// report their own completion
		ReportCompletion: os.Getenv("NECROCODE_REPORT_COMPLETION") != "false",
		MaskSecrets:      cfg.Runner.MaskSecrets,
		PersistState:     cfg.Runner.PersistState,
		MaxMemoryMB:      cfg.Runner.MaxMemoryMB,
		MaxCPUPercent:    cfg.Runner.MaxCPUPercent,
	})
	if err != nil {
		return err
	}

	result, err := r.Run(ctx)
	if err != nil {
		if result != nil {
			return fmt.Errorf("task %s failed (%s): %s", taskID, result.FailureCategory, result.FailureReason)
		}
		return err
	}
	fmt.Println(green(fmt.Sprintf("task %s completed in %s", taskID, result.Duration.Round(time.Second))))
	return nil
}
