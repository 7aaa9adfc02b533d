package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestRunNonZeroExitIsNotError(t *testing.T) {
	res, err := Run(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", "echo failing; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Stdout)
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), Config{
		Command: "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, res.TimedOut)
}

func TestRunRespectsWorkingDir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Config{
		Command:    "pwd",
		WorkingDir: dir,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir)
}

func TestProcessLifecycle(t *testing.T) {
	p := New(Config{Command: "sh", Args: []string{"-c", "sleep 30"}, GracePeriod: time.Second})
	require.NoError(t, p.Start(context.Background()))
	assert.Greater(t, p.PID(), 0)
	assert.True(t, p.Alive())

	require.NoError(t, p.Stop())
	assert.False(t, p.Alive())
	require.NoError(t, p.Stop(), "stop is idempotent")
}

func TestProcessStopKillsChildren(t *testing.T) {
	// parent spawns a child; stopping the group must reap both
	p := New(Config{Command: "sh", Args: []string{"-c", "sleep 30 & wait"}, GracePeriod: time.Second})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop())
	assert.False(t, p.Alive())
}

func TestProcessTimeoutStops(t *testing.T) {
	p := New(Config{Command: "sleep", Args: []string{"30"}, Timeout: 100 * time.Millisecond, GracePeriod: time.Second})
	require.NoError(t, p.Start(context.Background()))

	_ = p.Wait()
	assert.True(t, p.TimedOut())
	assert.False(t, p.Alive())
}

func TestStderrTailKeepsRecentBytes(t *testing.T) {
	p := New(Config{Command: "sh", Args: []string{"-c", "echo oops >&2"}})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Wait())
	assert.Eventually(t, func() bool {
		return p.StderrTail() == "oops\n"
	}, time.Second, 10*time.Millisecond)
}
