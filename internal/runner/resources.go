package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"

	"necrocode/internal/logging"
)

// resourceWatcher samples this process's memory and CPU usage and
// reports the first breach of a configured ceiling. Container pools get
// hard cgroup limits from their launcher; local-process runners only
// have this soft enforcement.
type resourceWatcher struct {
	maxMemoryMB   int
	maxCPUPercent int
	interval      time.Duration
	log           logging.Logger
}

func newResourceWatcher(maxMemoryMB, maxCPUPercent int, log logging.Logger) *resourceWatcher {
	if maxMemoryMB <= 0 && maxCPUPercent <= 0 {
		return nil
	}
	return &resourceWatcher{
		maxMemoryMB:   maxMemoryMB,
		maxCPUPercent: maxCPUPercent,
		interval:      5 * time.Second,
		log:           logging.OrNop(log),
	}
}

// watch blocks until ctx is done or a ceiling is breached; the first
// breach is delivered to onBreach and the watcher exits. Platforms
// without procfs log a warning and run unmonitored.
func (w *resourceWatcher) watch(ctx context.Context, onBreach func(error)) {
	proc, err := procfs.Self()
	if err != nil {
		w.log.Warn("resource monitoring unavailable: %v", err)
		return
	}

	var (
		lastCPU    float64
		lastSample time.Time
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stat, err := proc.Stat()
		if err != nil {
			continue
		}

		if w.maxMemoryMB > 0 {
			rssMB := stat.ResidentMemory() / (1 << 20)
			if rssMB > w.maxMemoryMB {
				onBreach(fmt.Errorf("memory usage %d MiB exceeds ceiling %d MiB", rssMB, w.maxMemoryMB))
				return
			}
		}

		if w.maxCPUPercent > 0 {
			total := stat.CPUTime()
			if !lastSample.IsZero() {
				pct := (total - lastCPU) / time.Since(lastSample).Seconds() * 100
				if pct > float64(w.maxCPUPercent) {
					onBreach(fmt.Errorf("cpu usage %.0f%% exceeds ceiling %d%%", pct, w.maxCPUPercent))
					return
				}
			}
			lastCPU = total
			lastSample = time.Now()
		}
	}
}
