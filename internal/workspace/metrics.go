package workspace

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "necrocode",
		Subsystem: "workspace",
		Name:      "allocations_total",
		Help:      "Slot allocation attempts by result.",
	}, []string{"pool", "result"})

	cleanupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "necrocode",
		Subsystem: "workspace",
		Name:      "cleanup_failures_total",
		Help:      "Post-release cleanups that left a slot in ERROR.",
	}, []string{"pool"})

	slotErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "necrocode",
		Subsystem: "workspace",
		Name:      "slot_errors_total",
		Help:      "Times a slot entered the ERROR state.",
	}, []string{"pool"})

	slotsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "necrocode",
		Subsystem: "workspace",
		Name:      "slots",
		Help:      "Current slot count by state.",
	}, []string{"pool", "state"})
)

func (p *Pool) updateSlotGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateSlotGaugesLocked()
}

func (p *Pool) updateSlotGaugesLocked() {
	counts := map[SlotState]int{
		SlotFree:      0,
		SlotAllocated: 0,
		SlotCleaning:  0,
		SlotError:     0,
	}
	for _, slot := range p.slots {
		counts[slot.State]++
	}
	for state, n := range counts {
		slotsGauge.WithLabelValues(p.name, string(state)).Set(float64(n))
	}
}
