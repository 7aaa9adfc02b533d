package runner

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceWatcherDisabledWithoutLimits(t *testing.T) {
	assert.Nil(t, newResourceWatcher(0, 0, nil))
	assert.NotNil(t, newResourceWatcher(512, 0, nil))
	assert.NotNil(t, newResourceWatcher(0, 80, nil))
}

func TestResourceWatcherStopsOnContextCancel(t *testing.T) {
	w := newResourceWatcher(1<<20, 0, nil)
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.watch(ctx, func(error) { t.Error("unexpected breach") })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestResourceWatcherReportsMemoryBreach(t *testing.T) {
	if _, err := procfs.Self(); err != nil {
		t.Skip("procfs not available")
	}

	// any live process exceeds a 1 MiB ceiling
	w := newResourceWatcher(1, 0, nil)
	w.interval = 10 * time.Millisecond

	breach := make(chan error, 1)
	go w.watch(context.Background(), func(err error) { breach <- err })

	select {
	case err := <-breach:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ceiling")
	case <-time.After(2 * time.Second):
		t.Fatal("no breach reported")
	}
}
