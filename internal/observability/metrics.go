// Package observability wires Prometheus instrumentation for the engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors. Create one per
// process with NewMetrics and share it across components.
type Metrics struct {
	JobsAdmitted     prometheus.Counter
	JobsRejected     *prometheus.CounterVec // reason: user_limit, scenario_limit, rate_limit, validation
	JobsFinished     *prometheus.CounterVec // status: COMPLETED, FAILED, CANCELLED
	ActiveJobs       prometheus.Gauge
	QueuedJobs       prometheus.Gauge
	SolverIterations prometheus.Counter
	SnapshotsDropped prometheus.Counter
	JobDuration      prometheus.Histogram
}

// NewMetrics registers the engine collectors on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "optd",
			Name:      "jobs_admitted_total",
			Help:      "Jobs accepted past admission control.",
		}),
		JobsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optd",
			Name:      "jobs_rejected_total",
			Help:      "Jobs rejected at submission, by reason.",
		}, []string{"reason"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optd",
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal status, by status.",
		}, []string{"status"}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "optd",
			Name:      "active_jobs",
			Help:      "Jobs currently holding a worker slot.",
		}),
		QueuedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "optd",
			Name:      "queued_jobs",
			Help:      "Admitted jobs waiting for a worker slot.",
		}),
		SolverIterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "optd",
			Name:      "solver_iterations_total",
			Help:      "Solver iterations across all jobs.",
		}),
		SnapshotsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "optd",
			Name:      "progress_snapshots_dropped_total",
			Help:      "Progress snapshots dropped because the channel was full.",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optd",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}

// NewNopMetrics returns metrics on a throwaway registry, for tests
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
