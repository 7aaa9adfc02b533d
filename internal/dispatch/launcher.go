package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"necrocode/internal/config"
	"necrocode/internal/logging"
	"necrocode/internal/subprocess"
)

// LaunchSpec is everything a launcher needs to start a runner for one
// task.
type LaunchSpec struct {
	RunnerID      string
	SpecName      string
	TaskID        string
	Title         string
	RequiredSkill string
	WorkspacePath string
	BranchName    string
	Pool          config.AgentPool
	// Env carries credentials and task parameters into the runner.
	Env map[string]string
}

// RunnerHandle describes a launched runner and how to reach it.
type RunnerHandle struct {
	RunnerID    string
	PoolName    string
	Mode        config.PoolType
	PID         int
	ContainerID string
	JobName     string

	proc *subprocess.Process
}

// HandleDetail is the mode-appropriate identifier for events.
func (h *RunnerHandle) HandleDetail() (key string, value any) {
	switch h.Mode {
	case config.PoolDocker:
		return "container_id", h.ContainerID
	case config.PoolKubernetes:
		return "job_name", h.JobName
	default:
		return "pid", h.PID
	}
}

// RunnerStatus is a point-in-time view of a launched runner. Finished
// runners carry the outcome; a still-running status counts as liveness.
type RunnerStatus struct {
	Finished bool
	Success  bool
	Reason   string
}

// Launcher starts runners, reports their state, and force-terminates
// them.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*RunnerHandle, error)
	Status(ctx context.Context, handle *RunnerHandle) (*RunnerStatus, error)
	Terminate(ctx context.Context, handle *RunnerHandle) error
}

// NewRunnerID mints a DNS-1123 compliant runner identity.
func NewRunnerID() string {
	return "runner-" + uuid.NewString()
}

// runnerEnv is the fixed environment contract between dispatcher and
// runner.
func runnerEnv(spec LaunchSpec) map[string]string {
	env := map[string]string{
		"NECROCODE_SPEC_NAME":      spec.SpecName,
		"NECROCODE_TASK_ID":        spec.TaskID,
		"NECROCODE_TASK_TITLE":     spec.Title,
		"NECROCODE_REQUIRED_SKILL": spec.RequiredSkill,
		"NECROCODE_RUNNER_ID":      spec.RunnerID,
		"NECROCODE_WORKSPACE":      spec.WorkspacePath,
		"NECROCODE_BRANCH":         spec.BranchName,
		// the dispatcher watches every runner and owns the terminal
		// transition; the runner's exit status carries the outcome
		"NECROCODE_REPORT_COMPLETION": "false",
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env
}

// ModeLauncher routes launches to the mode-specific launcher for the
// task's pool type.
type ModeLauncher struct {
	local Launcher
	dock  Launcher
	kube  Launcher
}

// NewModeLauncher wires the three modes; nil entries reject launches of
// that type.
func NewModeLauncher(local, docker, kubernetes Launcher) *ModeLauncher {
	return &ModeLauncher{local: local, dock: docker, kube: kubernetes}
}

func (m *ModeLauncher) pick(poolType config.PoolType) (Launcher, error) {
	var l Launcher
	switch poolType {
	case config.PoolLocalProcess:
		l = m.local
	case config.PoolDocker:
		l = m.dock
	case config.PoolKubernetes:
		l = m.kube
	default:
		return nil, fmt.Errorf("unknown pool type %q", poolType)
	}
	if l == nil {
		return nil, fmt.Errorf("pool type %q is not configured in this deployment", poolType)
	}
	return l, nil
}

func (m *ModeLauncher) Launch(ctx context.Context, spec LaunchSpec) (*RunnerHandle, error) {
	l, err := m.pick(spec.Pool.Type)
	if err != nil {
		return nil, err
	}
	return l.Launch(ctx, spec)
}

func (m *ModeLauncher) Status(ctx context.Context, handle *RunnerHandle) (*RunnerStatus, error) {
	l, err := m.pick(handle.Mode)
	if err != nil {
		return nil, err
	}
	return l.Status(ctx, handle)
}

func (m *ModeLauncher) Terminate(ctx context.Context, handle *RunnerHandle) error {
	l, err := m.pick(handle.Mode)
	if err != nil {
		return err
	}
	return l.Terminate(ctx, handle)
}

// LocalProcessLauncher spawns runners as child processes with a scoped
// environment.
type LocalProcessLauncher struct {
	// Command is the runner binary; defaults to the current executable
	// invoked as "necrocode runner".
	Command string
	Args    []string
	Logger  logging.Logger

	mu    sync.Mutex
	procs map[string]*subprocess.Process
}

// NewLocalProcessLauncher builds the LOCAL_PROCESS launcher.
func NewLocalProcessLauncher(command string, args []string, log logging.Logger) *LocalProcessLauncher {
	return &LocalProcessLauncher{
		Command: command,
		Args:    args,
		Logger:  logging.OrNop(log),
		procs:   make(map[string]*subprocess.Process),
	}
}

func (l *LocalProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (*RunnerHandle, error) {
	command := l.Command
	args := l.Args
	if cmd, ok := spec.Pool.TypeConfig["command"]; ok && cmd != "" {
		parts := strings.Fields(cmd)
		command, args = parts[0], parts[1:]
	}
	if command == "" {
		return nil, fmt.Errorf("local launcher: no runner command configured")
	}

	proc := subprocess.New(subprocess.Config{
		Command:    command,
		Args:       args,
		Env:        runnerEnv(spec),
		WorkingDir: spec.WorkspacePath,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("spawn runner: %w", err)
	}

	l.mu.Lock()
	l.procs[spec.RunnerID] = proc
	l.mu.Unlock()

	l.Logger.Info("launched runner %s as pid %d", spec.RunnerID, proc.PID())
	return &RunnerHandle{
		RunnerID: spec.RunnerID,
		PoolName: spec.Pool.Name,
		Mode:     config.PoolLocalProcess,
		PID:      proc.PID(),
		proc:     proc,
	}, nil
}

func (l *LocalProcessLauncher) Terminate(_ context.Context, handle *RunnerHandle) error {
	l.mu.Lock()
	proc := l.procs[handle.RunnerID]
	delete(l.procs, handle.RunnerID)
	l.mu.Unlock()
	if proc == nil {
		proc = handle.proc
	}
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

// Status reports process liveness. The dispatcher waits on local
// processes directly, so this exists for interface completeness and
// out-of-band inspection.
func (l *LocalProcessLauncher) Status(_ context.Context, handle *RunnerHandle) (*RunnerStatus, error) {
	l.mu.Lock()
	proc := l.procs[handle.RunnerID]
	l.mu.Unlock()
	if proc == nil {
		proc = handle.proc
	}
	if proc == nil {
		return nil, fmt.Errorf("unknown runner %s", handle.RunnerID)
	}
	if proc.Alive() {
		return &RunnerStatus{}, nil
	}
	err := proc.Wait()
	st := &RunnerStatus{Finished: true, Success: err == nil}
	if err != nil {
		st.Reason = err.Error()
	}
	return st, nil
}

// Wait blocks until the runner process exits; used by the notification
// path. Returns the exit error (nil on exit code 0).
func (l *LocalProcessLauncher) Wait(runnerID string) error {
	l.mu.Lock()
	proc := l.procs[runnerID]
	l.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("unknown runner %s", runnerID)
	}
	return proc.Wait()
}

// DockerLauncher runs runners as containers with the workspace and the
// registry bind-mounted and resource limits applied.
type DockerLauncher struct {
	Logger logging.Logger
	// MountPath is the fixed in-container workspace path.
	MountPath string
	// RegistryPath is the host registry directory shared with the
	// container so the runner can load its task and report artifacts.
	RegistryPath string
	// RegistryMount is the fixed in-container registry path.
	RegistryMount string
}

// NewDockerLauncher builds the DOCKER launcher.
func NewDockerLauncher(registryPath string, log logging.Logger) *DockerLauncher {
	return &DockerLauncher{
		Logger:        logging.OrNop(log),
		MountPath:     "/workspace",
		RegistryPath:  registryPath,
		RegistryMount: "/necrocode/registry",
	}
}

func (d *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (*RunnerHandle, error) {
	image := spec.Pool.TypeConfig["image"]
	if image == "" {
		return nil, fmt.Errorf("docker launcher: pool %s has no image configured", spec.Pool.Name)
	}

	args := []string{
		"run", "--detach",
		"--name", spec.RunnerID,
		"--volume", fmt.Sprintf("%s:%s", spec.WorkspacePath, d.MountPath),
		"--workdir", d.MountPath,
	}
	if d.RegistryPath != "" {
		args = append(args, "--volume", fmt.Sprintf("%s:%s", d.RegistryPath, d.RegistryMount))
	}
	if spec.Pool.MemoryQuotaMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.Pool.MemoryQuotaMB))
	}
	if spec.Pool.CPUQuota > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", spec.Pool.CPUQuota))
	}
	env := runnerEnv(spec)
	env["NECROCODE_WORKSPACE"] = d.MountPath
	if d.RegistryPath != "" {
		env["NECROCODE_REGISTRY_BASE_PATH"] = d.RegistryMount
	}
	for k, v := range env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, image)

	res, err := subprocess.Run(ctx, subprocess.Config{Command: "docker", Args: args})
	if err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("docker run failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	containerID := strings.TrimSpace(res.Stdout)

	d.Logger.Info("launched runner %s as container %s", spec.RunnerID, containerID)
	return &RunnerHandle{
		RunnerID:    spec.RunnerID,
		PoolName:    spec.Pool.Name,
		Mode:        config.PoolDocker,
		ContainerID: containerID,
	}, nil
}

// Status inspects the container. A container that disappeared out of
// band reads as a failed exit so its task goes through retry policy.
func (d *DockerLauncher) Status(ctx context.Context, handle *RunnerHandle) (*RunnerStatus, error) {
	res, err := subprocess.Run(ctx, subprocess.Config{
		Command: "docker",
		Args:    []string{"inspect", "--format", "{{.State.Status}} {{.State.ExitCode}}", handle.ContainerID},
	})
	if err != nil {
		return nil, fmt.Errorf("docker inspect: %w", err)
	}
	if res.ExitCode != 0 {
		return &RunnerStatus{Finished: true, Reason: "container no longer exists"}, nil
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 2 {
		return nil, fmt.Errorf("docker inspect: unexpected output %q", strings.TrimSpace(res.Stdout))
	}
	if fields[0] != "exited" && fields[0] != "dead" {
		return &RunnerStatus{}, nil
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("docker inspect: parse exit code %q: %w", fields[1], err)
	}
	st := &RunnerStatus{Finished: true, Success: code == 0}
	if code != 0 {
		st.Reason = fmt.Sprintf("container exited with code %d", code)
	}
	return st, nil
}

func (d *DockerLauncher) Terminate(ctx context.Context, handle *RunnerHandle) error {
	res, err := subprocess.Run(ctx, subprocess.Config{
		Command: "docker",
		Args:    []string{"rm", "--force", handle.ContainerID},
	})
	if err != nil {
		return fmt.Errorf("docker rm: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker rm failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
