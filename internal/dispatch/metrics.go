package dispatch

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	queueSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "necrocode",
		Subsystem: "dispatch",
		Name:      "queue_size",
		Help:      "Tasks waiting in the dispatch queue.",
	})

	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "necrocode",
		Subsystem: "dispatch",
		Name:      "running_tasks",
		Help:      "Tasks currently executing across all pools.",
	})

	poolRunningGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "necrocode",
		Subsystem: "dispatch",
		Name:      "pool_running_tasks",
		Help:      "Tasks currently executing per pool.",
	}, []string{"pool"})

	poolUtilizationGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "necrocode",
		Subsystem: "dispatch",
		Name:      "pool_utilization",
		Help:      "Running over max concurrency per pool.",
	}, []string{"pool"})

	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "necrocode",
		Subsystem: "dispatch",
		Name:      "dispatched_total",
		Help:      "Tasks dispatched to runners, by pool.",
	}, []string{"pool"})

	completedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "necrocode",
		Subsystem: "dispatch",
		Name:      "completed_total",
		Help:      "Task completions by outcome (done, retried, failed).",
	}, []string{"outcome"})

	waitTimeHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "necrocode",
		Subsystem: "dispatch",
		Name:      "queue_wait_seconds",
		Help:      "Time tasks spend queued before dispatch.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// updateGauges refreshes queue and pool gauges from live counters.
func (d *Dispatcher) updateGauges() {
	queueSizeGauge.Set(float64(d.queue.Len()))
	runningGauge.Set(float64(d.pools.TotalRunning()))
	for _, pc := range d.pools.Snapshot() {
		poolRunningGauge.WithLabelValues(pc.Name).Set(float64(pc.Running))
		poolUtilizationGauge.WithLabelValues(pc.Name).Set(pc.Utilization)
	}
}

// MetricsSnapshot renders the default registry in Prometheus text
// exposition format.
func MetricsSnapshot() (string, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return "", fmt.Errorf("encode metrics: %w", err)
		}
	}
	return buf.String(), nil
}
