// Package subprocess spawns and supervises external processes for the
// execution engine: launched runners and in-workspace commands such as
// test runs. Children get their own process group so a stop takes the
// whole tree down, SIGTERM first and SIGKILL after the grace period.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultTailSize    = 8 * 1024
)

// Config describes how to spawn a managed process.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	// Timeout stops the process after the given duration; zero means no
	// limit.
	Timeout time.Duration
	// GracePeriod is how long Stop waits between SIGTERM and SIGKILL.
	GracePeriod time.Duration
}

// Process is one supervised child with its process group.
type Process struct {
	cfg        Config
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderrTail *tailBuffer
	done       chan struct{}
	waitErr    error
	timedOut   bool
	pgid       int
	mu         sync.Mutex
}

// New creates an unstarted process.
func New(cfg Config) *Process {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Process{cfg: cfg}
}

// Start launches the child in its own process group.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("process already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	if p.cfg.WorkingDir != "" {
		cmd.Dir = p.cfg.WorkingDir
	}
	if len(p.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range p.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderrTail = newTailBuffer(defaultTailSize)
	p.done = make(chan struct{})

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		close(p.done)
		p.mu.Unlock()
	}()

	go func() {
		_, _ = io.Copy(p.stderrTail, stderr)
	}()

	if p.cfg.Timeout > 0 {
		go func() {
			timer := time.NewTimer(p.cfg.Timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				p.mu.Lock()
				p.timedOut = true
				p.mu.Unlock()
				_ = p.Stop()
			case <-p.done:
			}
		}()
	}

	if cmd.Process != nil {
		p.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}
	return nil
}

// Write sends data to the child's stdin.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("stdin not available")
	}
	_, err := p.stdin.Write(data)
	return err
}

// Stdout exposes the child's stdout stream.
func (p *Process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// StderrTail returns the last captured stderr bytes, for error reports.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stderrTail == nil {
		return ""
	}
	return p.stderrTail.String()
}

// Wait blocks until the child exits and returns its wait error.
func (p *Process) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// TimedOut reports whether the process was stopped by its timeout.
func (p *Process) TimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timedOut
}

// Stop terminates the whole process group: SIGTERM, then SIGKILL after
// the grace period. Stop is idempotent.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	pgid := p.pgid
	grace := p.cfg.GracePeriod
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		return nil
	}
}

// PID returns the child's pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Alive reports whether the child has not exited yet.
func (p *Process) Alive() bool {
	p.mu.Lock()
	done := p.done
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Result captures a run-to-completion invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Run executes a command to completion, capturing stdout and stderr.
// A non-zero exit is not an error; launch failures and timeouts are.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	return RunWithInput(ctx, cfg, nil)
}

// RunWithInput is Run with bytes fed to the child's stdin.
func RunWithInput(ctx context.Context, cfg Config, input []byte) (*Result, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if len(cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, fmt.Errorf("%s timed out after %s", cfg.Command, cfg.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run %s: %w", cfg.Command, err)
	}
	result.ExitCode = 0
	return result, nil
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultTailSize
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.buf)+len(p) > t.max {
		excess := len(t.buf) + len(p) - t.max
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return ""
	}
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return string(out)
}
