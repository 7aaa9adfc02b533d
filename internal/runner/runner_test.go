package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	necroerr "necrocode/internal/errors"
	"necrocode/internal/gitutil"
	"necrocode/internal/registry"
	"necrocode/internal/subprocess"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	_, err := gitutil.Run(ctx, "", "init", "-b", "main", dir)
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, dir, "config", "user.email", "ci@example.com")
	require.NoError(t, err)
	_, err = gitutil.Run(ctx, dir, "config", "user.name", "ci")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("workspace\n"), 0o644))
	require.NoError(t, gitutil.AddAll(ctx, dir))
	require.NoError(t, gitutil.Commit(ctx, dir, "initial commit"))
	return dir
}

type fakeCodegen struct {
	mu    sync.Mutex
	calls int
	fn    func(req GenerationRequest) (*GenerationResponse, error)
}

func (f *fakeCodegen) Generate(_ context.Context, req GenerationRequest) (*GenerationResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeCodegen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReporter struct {
	mu        sync.Mutex
	states    []registry.State
	reasons   []string
	artifacts []registry.Artifact
	events    []registry.Event
}

func (f *fakeReporter) UpdateTaskState(_ context.Context, _, _ string, change registry.StateChange) (*registry.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, change.To)
	f.reasons = append(f.reasons, change.Reason)
	return &registry.Task{State: change.To}, nil
}

func (f *fakeReporter) AddArtifact(_ context.Context, _, _ string, artifact registry.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, artifact)
	return nil
}

func (f *fakeReporter) RecordEvent(_ string, event registry.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeReporter) lastState() registry.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return ""
	}
	return f.states[len(f.states)-1]
}

func testTaskContext(workspace string) *TaskContext {
	return &TaskContext{
		TaskID:             "1",
		SpecName:           "demo",
		Title:              "Add greeting",
		Description:        "Create a greeting file",
		AcceptanceCriteria: []string{"greeting.txt exists"},
		RequiredSkill:      "backend",
		SlotID:             "local/slot-0",
		WorkspacePath:      workspace,
		BranchName:         BranchName("demo", "1", "Add greeting"),
		TestCommand:        "true",
		Timeout:            time.Minute,
		SkipPush:           true,
	}
}

func fastRetry() *necroerr.RetryConfig {
	return &necroerr.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestRunner(t *testing.T, taskCtx *TaskContext, gen *fakeCodegen, rep *fakeReporter, opts Options) *Runner {
	t.Helper()
	opts.CodegenRetry = fastRetry()
	opts.ReportCompletion = true
	r, err := New(taskCtx, gen, NewFSArtifactStore(t.TempDir()), rep, opts)
	require.NoError(t, err)
	return r
}

func TestRunnerHappyPath(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)
	taskCtx := testTaskContext(workspace)

	gen := &fakeCodegen{fn: func(GenerationRequest) (*GenerationResponse, error) {
		return &GenerationResponse{
			Summary: "adds greeting",
			Changes: []FileChange{{Path: "greeting.txt", Operation: OpCreate, Content: "hello\n"}},
		}, nil
	}}
	rep := &fakeReporter{}
	released := false
	r := newTestRunner(t, taskCtx, gen, rep, Options{ReleaseSlot: func() { released = true }})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, released, "slot released on exit")

	// committed on the feature branch with the fixed message
	branch, err := gitutil.CurrentBranch(context.Background(), workspace)
	require.NoError(t, err)
	assert.Equal(t, taskCtx.BranchName, branch)
	log, err := gitutil.Run(context.Background(), workspace, "log", "-1", "--format=%s")
	require.NoError(t, err)
	assert.Equal(t, "feat(demo): Add greeting [Task 1]", log)

	// artifacts: diff, log, test result
	assert.Len(t, result.ArtifactURIs, 3)
	assert.Len(t, rep.artifacts, 3)
	assert.Equal(t, registry.StateDone, rep.lastState())
}

func TestRunnerTestFailure(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)
	taskCtx := testTaskContext(workspace)
	taskCtx.TestCommand = "echo '--- FAIL: TestBroken'; exit 1"

	gen := &fakeCodegen{fn: func(GenerationRequest) (*GenerationResponse, error) {
		return &GenerationResponse{Changes: []FileChange{{Path: "x.txt", Operation: OpCreate, Content: "x"}}}, nil
	}}
	rep := &fakeReporter{}
	released := false
	r := newTestRunner(t, taskCtx, gen, rep, Options{ReleaseSlot: func() { released = true }})

	result, err := r.Run(context.Background())
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "tests", result.FailureCategory)
	assert.Contains(t, result.FailureReason, "TestBroken")
	assert.True(t, released, "slot released even on failure")
	assert.Equal(t, registry.StateFailed, rep.lastState())
	assert.Contains(t, result.ArtifactURIs, "log", "partial log uploaded on failure")
}

func TestRunnerPermanentCodegenFailsFast(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)

	gen := &fakeCodegen{fn: func(GenerationRequest) (*GenerationResponse, error) {
		return nil, necroerr.NewPermanentError(nil, "authentication failed")
	}}
	rep := &fakeReporter{}
	r := newTestRunner(t, testTaskContext(workspace), gen, rep, Options{})

	result, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "codegen", result.FailureCategory)
	assert.Equal(t, 1, gen.callCount(), "permanent failures do not retry")
}

func TestRunnerTransientCodegenRetries(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)

	gen := &fakeCodegen{}
	gen.fn = func(GenerationRequest) (*GenerationResponse, error) {
		if gen.callCount() < 3 {
			return nil, necroerr.NewTransientError(nil, "rate limited")
		}
		return &GenerationResponse{Changes: []FileChange{{Path: "y.txt", Operation: OpCreate, Content: "y"}}}, nil
	}
	rep := &fakeReporter{}
	r := newTestRunner(t, testTaskContext(workspace), gen, rep, Options{})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, gen.callCount())
}

func TestRunnerRejectsEscapingChange(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)

	gen := &fakeCodegen{fn: func(GenerationRequest) (*GenerationResponse, error) {
		return &GenerationResponse{Changes: []FileChange{{Path: "../evil.txt", Operation: OpCreate, Content: "x"}}}, nil
	}}
	rep := &fakeReporter{}
	r := newTestRunner(t, testTaskContext(workspace), gen, rep, Options{})

	result, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "codegen", result.FailureCategory)
	assert.Contains(t, result.FailureReason, "rejected")
	_, statErr := os.Stat(filepath.Join(workspace, "..", "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunnerPromptCarriesTaskDetails(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)

	var prompt string
	gen := &fakeCodegen{fn: func(req GenerationRequest) (*GenerationResponse, error) {
		prompt = req.Prompt
		return &GenerationResponse{Changes: []FileChange{{Path: "z.txt", Operation: OpCreate, Content: "z"}}}, nil
	}}
	rep := &fakeReporter{}
	r := newTestRunner(t, testTaskContext(workspace), gen, rep, Options{})

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, prompt, "Add greeting")
	assert.Contains(t, prompt, "greeting.txt exists")
	assert.Contains(t, prompt, "README.md")
}

func TestRunnerCoordinatorConflict(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)
	coord := NewCoordinator(time.Minute)
	require.NoError(t, coord.Register("other", workspace, "feature/other"))

	gen := &fakeCodegen{fn: func(GenerationRequest) (*GenerationResponse, error) {
		return &GenerationResponse{}, nil
	}}
	r := newTestRunner(t, testTaskContext(workspace), gen, &fakeReporter{}, Options{Coordinator: coord})

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coordinator rejected")
	assert.Equal(t, 0, gen.callCount())
}

func TestRunnerValidationFailsFast(t *testing.T) {
	taskCtx := &TaskContext{TaskID: "1"}
	gen := &fakeCodegen{fn: func(GenerationRequest) (*GenerationResponse, error) { return nil, nil }}
	r, err := New(taskCtx, gen, NewFSArtifactStore(t.TempDir()), &fakeReporter{}, Options{})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	assert.ErrorContains(t, err, "spec_name is required")
}

func TestRunnerStatePersistence(t *testing.T) {
	requireGit(t)
	workspace := initWorkspace(t)
	stateDir := t.TempDir()

	gen := &fakeCodegen{fn: func(GenerationRequest) (*GenerationResponse, error) {
		return &GenerationResponse{Changes: []FileChange{{Path: "s.txt", Operation: OpCreate, Content: "s"}}}, nil
	}}
	r := newTestRunner(t, testTaskContext(workspace), gen, &fakeReporter{}, Options{
		RunnerID:     "runner-state-test",
		PersistState: true,
		StateDir:     stateDir,
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	_, statErr := os.Stat(filepath.Join(stateDir, "runner-state-test.state.json"))
	assert.True(t, os.IsNotExist(statErr), "state file cleared after success")
}

func TestParseTestOutput(t *testing.T) {
	res := &subprocess.Result{
		Stdout: `=== RUN   TestA
--- PASS: TestA (0.00s)
=== RUN   TestB
--- FAIL: TestB (0.01s)
=== RUN   TestC
--- SKIP: TestC (0.00s)
FAIL
`,
		ExitCode: 1,
	}
	report := parseTestOutput("go test ./...", res)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"TestB"}, report.FailedList)
	assert.False(t, report.Success())
}

func TestParseTestOutputFallsBackToExitCode(t *testing.T) {
	report := parseTestOutput("make test", &subprocess.Result{Stdout: "no structured output", ExitCode: 2})
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Success())

	report = parseTestOutput("true", &subprocess.Result{})
	assert.True(t, report.Success())
}
