// Package runner executes one task end to end inside an allocated
// workspace slot: branch preparation, code generation, tests, commit and
// push, artifact upload, and completion reporting.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"necrocode/internal/async"
	necroerr "necrocode/internal/errors"
	"necrocode/internal/gitutil"
	"necrocode/internal/logging"
	"necrocode/internal/redaction"
	"necrocode/internal/registry"
)

// Reporter is the registry surface the runner needs. *registry.Registry
// satisfies it.
type Reporter interface {
	UpdateTaskState(ctx context.Context, spec, taskID string, change registry.StateChange) (*registry.Task, error)
	AddArtifact(ctx context.Context, spec, taskID string, artifact registry.Artifact) error
	RecordEvent(spec string, event registry.Event)
}

// Options wires a runner's collaborators.
type Options struct {
	RunnerID string
	Logger   logging.Logger
	// ReportCompletion makes the runner write the terminal DONE/FAILED
	// transition itself. Leave false when an in-process dispatcher owns
	// completion handling.
	ReportCompletion bool
	MaskSecrets      bool
	PersistState     bool
	StateDir         string
	// Coordinator arbitrates workspace and branch claims between
	// runners sharing a process; optional.
	Coordinator *Coordinator
	// ReleaseSlot is invoked exactly once on exit when the caller
	// delegates slot cleanup to the runner; optional.
	ReleaseSlot func()
	// Heartbeat is invoked periodically while the runner works;
	// optional.
	Heartbeat         func(runnerID string)
	HeartbeatInterval time.Duration
	// MaxMemoryMB and MaxCPUPercent are soft resource ceilings; a breach
	// fails the task. Zero disables the monitor.
	MaxMemoryMB   int
	MaxCPUPercent int
	// CodegenRetry overrides the transient-failure retry policy for the
	// code-generation call.
	CodegenRetry *necroerr.RetryConfig
}

// Result is the outcome of one execution.
type Result struct {
	RunnerID        string
	Success         bool
	FailureCategory string
	FailureReason   string
	Tests           *TestReport
	ArtifactURIs    map[string]string
	Duration        time.Duration
}

// Runner executes a single task. A Runner is single-use.
type Runner struct {
	id       string
	taskCtx  *TaskContext
	codegen  CodeGenerator
	store    ArtifactStore
	reporter Reporter
	opts     Options
	guard    *guard
	state    *stateFile
	log      logging.Logger

	execMu  sync.Mutex
	execLog strings.Builder

	breachMu sync.Mutex
	breach   error
}

// New builds a runner for one task.
func New(taskCtx *TaskContext, codegen CodeGenerator, store ArtifactStore, reporter Reporter, opts Options) (*Runner, error) {
	if taskCtx == nil {
		return nil, fmt.Errorf("task context is required")
	}
	if codegen == nil {
		return nil, fmt.Errorf("code generator is required")
	}
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if opts.RunnerID == "" {
		opts.RunnerID = "runner-" + uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}

	g, err := newGuard(taskCtx.WorkspacePath, taskCtx.BranchName)
	if err != nil {
		return nil, err
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = taskCtx.WorkspacePath
	}
	return &Runner{
		id:       opts.RunnerID,
		taskCtx:  taskCtx,
		codegen:  codegen,
		store:    store,
		reporter: reporter,
		opts:     opts,
		guard:    g,
		state:    newStateFile(stateDir, opts.RunnerID, opts.PersistState),
		log:      logging.OrNop(opts.Logger),
	}, nil
}

// ID returns the runner's identity.
func (r *Runner) ID() string { return r.id }

// logf records a line in both the component log and the execution log
// that becomes the LOG artifact.
func (r *Runner) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.log.Info("[%s] %s", r.id, line)
	r.execMu.Lock()
	fmt.Fprintf(&r.execLog, "%s %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), line)
	r.execMu.Unlock()
}

func (r *Runner) executionLog() string {
	r.execMu.Lock()
	defer r.execMu.Unlock()
	return r.execLog.String()
}

// Run executes the full phase sequence. The returned Result is non-nil
// whenever validation passed; the error mirrors Result.FailureReason.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	// phase 1: validate
	if err := r.taskCtx.Validate(); err != nil {
		return nil, fmt.Errorf("validate task context: %w", err)
	}
	if len(r.taskCtx.AcceptanceCriteria) == 0 {
		r.logf("warning: task %s has no acceptance criteria", r.taskCtx.TaskID)
	}

	if r.opts.Coordinator != nil {
		if err := r.opts.Coordinator.Register(r.id, r.taskCtx.WorkspacePath, r.taskCtx.BranchName); err != nil {
			return nil, fmt.Errorf("coordinator rejected registration: %w", err)
		}
	}

	if err := r.state.transition(PhaseRunning, r.id, r.taskCtx.TaskID, r.taskCtx.SpecName); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.taskCtx.Timeout)
	defer cancel()

	if w := newResourceWatcher(r.opts.MaxMemoryMB, r.opts.MaxCPUPercent, r.log); w != nil {
		async.Go(r.log, "resource watch "+r.id, func() {
			w.watch(runCtx, func(breach error) {
				r.logf("resource limit breached: %v", breach)
				r.setBreach(breach)
				cancel()
			})
		})
	}

	stopBeats := r.startHeartbeats(runCtx)

	result := &Result{RunnerID: r.id, ArtifactURIs: map[string]string{}}
	defer func() {
		stopBeats()
		result.Duration = time.Since(start)
		if r.opts.Coordinator != nil {
			r.opts.Coordinator.Unregister(r.id)
		}
		if result.Success {
			_ = r.state.transition(PhaseCompleted, r.id, r.taskCtx.TaskID, r.taskCtx.SpecName)
			r.state.clear()
		} else {
			_ = r.state.transition(PhaseFailed, r.id, r.taskCtx.TaskID, r.taskCtx.SpecName)
		}
		if r.opts.ReleaseSlot != nil {
			r.opts.ReleaseSlot()
		}
	}()

	err := r.execute(runCtx, result)
	if err != nil {
		result.Success = false
		if breach := r.breachErr(); breach != nil {
			err = breach
			result.FailureCategory = "resources"
		}
		if result.FailureCategory == "" {
			result.FailureCategory = categorize(runCtx, err)
		}
		result.FailureReason = redaction.MaskText(err.Error())
		r.logf("task failed (%s): %s", result.FailureCategory, result.FailureReason)
		r.reportFailure(ctx, result)
		return result, err
	}

	result.Success = true
	r.logf("task %s completed in %s", r.taskCtx.TaskID, time.Since(start).Round(time.Second))
	if r.opts.ReportCompletion {
		if _, upErr := r.reporter.UpdateTaskState(ctx, r.taskCtx.SpecName, r.taskCtx.TaskID, registry.StateChange{To: registry.StateDone}); upErr != nil {
			// a conflicting out-of-band transition is logged, not fatal
			r.log.Warn("[%s] completion report rejected: %v", r.id, upErr)
		}
	}
	return result, nil
}

// execute runs phases 2-6.
func (r *Runner) execute(ctx context.Context, result *Result) error {
	// phase 2: workspace
	if err := r.prepareBranch(ctx); err != nil {
		result.FailureCategory = "workspace"
		return err
	}

	// phase 3: code generation
	prompt, err := r.buildPrompt()
	if err != nil {
		result.FailureCategory = "codegen"
		return err
	}
	r.logf("invoking code generation (%d prompt bytes)", len(prompt))
	resp, err := r.generate(ctx, prompt)
	if err != nil {
		result.FailureCategory = "codegen"
		return err
	}
	if resp.Summary != "" {
		r.logf("generation summary: %s", resp.Summary)
	}
	if err := r.applyChanges(resp.Changes); err != nil {
		result.FailureCategory = "codegen"
		return err
	}

	// phase 4: tests
	report, err := r.runTests(ctx, r.taskCtx.Timeout)
	result.Tests = report
	if err != nil {
		result.FailureCategory = "tests"
		return err
	}
	r.logf("tests: %d total, %d passed, %d failed, %d skipped", report.Total, report.Passed, report.Failed, report.Skipped)
	if !report.Success() {
		result.FailureCategory = "tests"
		return necroerr.NewPermanentError(nil, fmt.Sprintf("tests failed: %s", strings.Join(report.FailedList, ", ")))
	}

	// phase 5: commit and push
	if err := r.commitAndPush(ctx); err != nil {
		result.FailureCategory = "git"
		return err
	}

	// phase 6: artifacts
	if err := r.uploadAll(ctx, result); err != nil {
		result.FailureCategory = "artifacts"
		return err
	}
	return nil
}

func (r *Runner) uploadAll(ctx context.Context, result *Result) error {
	diff, err := gitutil.DiffUnified(ctx, r.taskCtx.WorkspacePath)
	if err != nil {
		return fmt.Errorf("collect diff: %w", err)
	}
	uri, err := r.uploadArtifact(ctx, registry.ArtifactDiff, "change.diff", []byte(diff), r.opts.MaskSecrets)
	if err != nil {
		return err
	}
	result.ArtifactURIs["diff"] = uri

	uri, err = r.uploadArtifact(ctx, registry.ArtifactLog, "execution.log", []byte(r.executionLog()), true)
	if err != nil {
		return err
	}
	result.ArtifactURIs["log"] = uri

	if result.Tests != nil {
		uri, err = r.uploadArtifact(ctx, registry.ArtifactTestResult, "test_result.json", result.Tests.JSON(), r.opts.MaskSecrets)
		if err != nil {
			return err
		}
		result.ArtifactURIs["test_result"] = uri
	}
	return nil
}

// reportFailure emits the failure event and best-effort partial log
// artifact.
func (r *Runner) reportFailure(ctx context.Context, result *Result) {
	if uri, err := r.uploadArtifact(ctx, registry.ArtifactLog, "execution.log", []byte(r.executionLog()), true); err == nil {
		result.ArtifactURIs["log"] = uri
	}
	if r.opts.ReportCompletion {
		if _, err := r.reporter.UpdateTaskState(ctx, r.taskCtx.SpecName, r.taskCtx.TaskID, registry.StateChange{
			To:     registry.StateFailed,
			Reason: fmt.Sprintf("%s: %s", result.FailureCategory, result.FailureReason),
		}); err != nil {
			r.log.Warn("[%s] failure report rejected: %v", r.id, err)
		}
	}
}

func (r *Runner) startHeartbeats(ctx context.Context) func() {
	if r.opts.Heartbeat == nil && r.opts.Coordinator == nil {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	async.Go(r.log, "runner heartbeat "+r.id, func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if r.opts.Heartbeat != nil {
					r.opts.Heartbeat(r.id)
				}
				if r.opts.Coordinator != nil {
					r.opts.Coordinator.Heartbeat(r.id)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	})
	return func() { once.Do(func() { close(done) }) }
}

func (r *Runner) setBreach(err error) {
	r.breachMu.Lock()
	if r.breach == nil {
		r.breach = err
	}
	r.breachMu.Unlock()
}

func (r *Runner) breachErr() error {
	r.breachMu.Lock()
	defer r.breachMu.Unlock()
	return r.breach
}

func categorize(ctx context.Context, err error) string {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return "timeout"
	case necroerr.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
