package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the engine's prometheus collectors on a private
// registry so multiple engine instances in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	photosAssigned      prometheus.Counter
	triggers            *prometheus.CounterVec
	staleAssignments    prometheus.Counter
	raceInconsistencies prometheus.Counter
	reconcileFailures   prometheus.Counter
	tilesFilled         prometheus.Gauge
	cycleSeconds        prometheus.Histogram
}

// NewMetrics constructs and registers the engine collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		photosAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piovee_photos_assigned_total",
			Help: "Photos committed to a tile.",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piovee_triggers_total",
			Help: "Reconciler wake signals by outcome.",
		}, []string{"result"}),
		staleAssignments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piovee_stale_assignments_total",
			Help: "Restored photos whose tile index fell outside the current grid.",
		}),
		raceInconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piovee_race_inconsistencies_total",
			Help: "Duplicate tile indices observed across used photos during restoration.",
		}),
		reconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piovee_reconcile_failures_total",
			Help: "Reconciliation cycles abandoned on a store fault.",
		}),
		tilesFilled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piovee_tiles_filled",
			Help: "Tiles currently holding a photo.",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "piovee_reconcile_cycle_seconds",
			Help:    "Duration of one claim-assign-commit cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.photosAssigned, m.triggers, m.staleAssignments,
		m.raceInconsistencies, m.reconcileFailures, m.tilesFilled, m.cycleSeconds,
	)
	return m
}

// Registry exposes the engine's private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Trigger outcome labels.
const (
	triggerRun       = "run"
	triggerCoalesced = "coalesced"
)
