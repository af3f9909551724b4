package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcfire_jobs_submitted_total",
			Help: "Total number of jobs admitted by the submission boundary",
		},
	)

	GatewayAcceptErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcfire_gateway_accept_errors_total",
			Help: "Total number of failed accepts on the gateway listener",
		},
	)

	LaunchersLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcfire_launchers_lost_total",
			Help: "Total number of jobs failed because their launcher lease expired",
		},
	)

	JobsLaunchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcfire_jobs_launched_total",
			Help: "Total number of jobs started in a worker slot",
		},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcfire_jobs_completed_total",
			Help: "Total number of slot executions by outcome",
		},
		[]string{"outcome"}, // finished, failed, heartbeat_timeout, walltime_exceeded, cancelled, shutdown
	)

	JobsUnsatisfiableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcfire_jobs_unsatisfiable_total",
			Help: "Total number of jobs failed because they can never fit the allocation",
		},
	)

	JobsRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcfire_jobs_requeued_total",
			Help: "Total number of failed jobs re-queued by the supervisor",
		},
	)

	JobsStalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcfire_jobs_stalled_total",
			Help: "Total number of jobs failed by the supervisor for exceeding time in state",
		},
		[]string{"state"},
	)

	TransitionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcfire_transition_conflicts_total",
			Help: "Total number of conditional transitions lost to a concurrent writer",
		},
	)

	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcfire_gateway_requests_total",
			Help: "Total number of gateway requests by type and result",
		},
		[]string{"type", "result"},
	)

	// Gauges
	SlotsBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpcfire_slots_busy",
			Help: "Current number of worker slots bound to a job",
		},
	)

	BudgetFreeCores = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpcfire_budget_free_cores",
			Help: "Free cores left in the launcher allocation",
		},
	)

	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpcfire_gateway_connections",
			Help: "Current number of open gateway connections",
		},
	)

	// Histograms
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hpcfire_job_duration_seconds",
			Help:    "Time from slot bind to slot release",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		},
		[]string{"outcome"},
	)

	SchedulingPassSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hpcfire_scheduling_pass_seconds",
			Help:    "Duration of one resolve and pack pass",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)
