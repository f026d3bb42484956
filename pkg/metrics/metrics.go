package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "plan2scene"

	jobsCreatedTotal      = "jobs_created_total"
	jobsCompletedTotal    = "jobs_completed_total"
	jobsInflight          = "jobs_inflight"
	stageDurationSeconds  = "stage_duration_seconds"
	commandsExecutedTotal = "commands_executed_total"

	// Labels
	statusLabel  = "status"
	stageLabel   = "stage"
	outcomeLabel = "outcome"
)

var jobsCreatedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      jobsCreatedTotal,
		Help:      "number of conversion jobs accepted",
	},
)

var jobsCompletedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      jobsCompletedTotal,
		Help:      "number of conversion jobs that reached a terminal status",
	},
	[]string{statusLabel},
)

var jobsInflightMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      jobsInflight,
		Help:      "number of jobs currently being processed",
	},
)

var stageDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      stageDurationSeconds,
		Help:      "wall-clock duration of pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	},
	[]string{stageLabel},
)

var commandsExecutedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      commandsExecutedTotal,
		Help:      "number of external pipeline commands executed",
	},
	[]string{outcomeLabel},
)

func IncreaseJobsCreatedMetric() {
	jobsCreatedMetric.Inc()
}

func IncreaseJobsCompletedMetric(status string) {
	jobsCompletedMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncJobsInflightMetric() {
	jobsInflightMetric.Inc()
}

func DecJobsInflightMetric() {
	jobsInflightMetric.Dec()
}

func ObserveStageDurationMetric(stage string, seconds float64) {
	stageDurationMetric.With(prometheus.Labels{stageLabel: stage}).Observe(seconds)
}

func IncreaseCommandsExecutedMetric(outcome string) {
	commandsExecutedMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsCreatedMetric)
	prometheus.MustRegister(jobsCompletedMetric)
	prometheus.MustRegister(jobsInflightMetric)
	prometheus.MustRegister(stageDurationMetric)
	prometheus.MustRegister(commandsExecutedMetric)
}
