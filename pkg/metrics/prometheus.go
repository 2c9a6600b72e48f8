package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	unitResults  *prometheus.CounterVec
	expansions   *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		jobsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletpull_jobs_started_total",
				Help: "Total aggregation jobs started",
			},
			[]string{"reused"},
		),
		jobsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletpull_jobs_finished_total",
				Help: "Total aggregation jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		unitResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletpull_unit_results_total",
				Help: "Total unit results recorded",
			},
			[]string{"provider", "chain", "outcome"},
		),
		expansions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletpull_expansions_total",
				Help: "Total units added mid-flight by job expansion",
			},
			[]string{"provider", "chain"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletpull_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletpull_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordJobStarted records a started (or deduplicated) job.
func (r *Recorder) RecordJobStarted(reused bool) {
	label := "false"
	if reused {
		label = "true"
	}
	r.jobsStarted.WithLabelValues(label).Inc()
}

// RecordJobFinished records a job reaching a terminal status.
func (r *Recorder) RecordJobFinished(status string) {
	r.jobsFinished.WithLabelValues(status).Inc()
}

// RecordUnitResult records one unit outcome.
func (r *Recorder) RecordUnitResult(provider, chain, outcome string) {
	r.unitResults.WithLabelValues(provider, chain, outcome).Inc()
}

// RecordExpansion records a unit added by job expansion.
func (r *Recorder) RecordExpansion(provider, chain string) {
	r.expansions.WithLabelValues(provider, chain).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
