package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_scheduler_runs_total",
			Help: "Total number of scheduling iterations",
		},
	)

	TasksPlacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_tasks_placed_total",
			Help: "Total number of task placements",
		},
	)

	TasksEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_tasks_evicted_total",
			Help: "Total number of task evictions (including preemptions)",
		},
	)

	TasksMigratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_tasks_migrated_total",
			Help: "Total number of task migrations",
		},
	)

	UnactionedDeltasTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_unactioned_deltas_total",
			Help: "Scheduling deltas left unapplied after an iteration",
		},
	)

	SolverRuntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_solver_runtime_seconds",
			Help:    "Wall-clock time of min-cost flow solver invocations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	SchedulerIterationRuntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_scheduler_iteration_seconds",
			Help:    "Wall-clock time of full scheduling iterations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// Flow graph metrics
	GraphNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_graph_nodes",
			Help: "Current number of nodes in the flow graph",
		},
	)

	GraphArcs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_graph_arcs",
			Help: "Current number of arcs in the flow graph",
		},
	)

	MachinesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_machines_total",
			Help: "Machines currently registered with the scheduler",
		},
	)

	JobsQueuedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_jobs_queued",
			Help: "Jobs waiting for their next scheduling iteration",
		},
	)
)

// Register registers all Quarry metrics with the given registry
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SchedulerRunsTotal,
		TasksPlacedTotal,
		TasksEvictedTotal,
		TasksMigratedTotal,
		UnactionedDeltasTotal,
		SolverRuntime,
		SchedulerIterationRuntime,
		GraphNodes,
		GraphArcs,
		MachinesTotal,
		JobsQueuedTotal,
	)
}

// Handler returns the HTTP handler exposing the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics endpoint on addr (e.g. ":9090")
func Serve(addr string) error {
	Register(prometheus.DefaultRegisterer)
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
