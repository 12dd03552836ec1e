// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

var (
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartjobs_persistence_errors_total",
			Help: "Total persistence operation errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	jobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartjobs_jobs_submitted_total",
			Help: "Total jobs accepted for execution",
		},
	)

	jobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartjobs_jobs_rejected_total",
			Help: "Total job submissions rejected by reason",
		},
		[]string{"reason"},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartjobs_jobs_finished_total",
			Help: "Total jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	actionsSpeculated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartjobs_actions_speculated_total",
			Help: "Total timed out actions resolved by speculation, by outcome",
		},
		[]string{"outcome"},
	)

	statusReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartjobs_status_reports_total",
			Help: "Total status report batches sent, by flush trigger",
		},
		[]string{"trigger"},
	)

	retentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartjobs_retention_deleted_total",
			Help: "Total finished jobs removed by the retention sweep",
		},
		[]string{"reason"},
	)

	pendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartjobs_pending_jobs",
			Help: "Jobs waiting to be scheduled",
		},
	)

	inflightJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartjobs_inflight_jobs",
			Help: "Jobs currently held by the execution pool",
		},
	)

	registrySyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smartjobs_registry_sync_duration_seconds",
			Help:    "Duration of registry write-back cycles",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

// RecordPersistenceError increments the persistence error counter.
// operation names the store call, e.g. UpsertJobs or DeleteJobs.
func RecordPersistenceError(operation string, err error) {
	persistenceErrors.WithLabelValues(operation, ErrorType(err)).Inc()
}

// ErrorType derives a low-cardinality label from err.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case joberrors.IsNotFound(err):
		return "not_found"
	}
	var classifier joberrors.ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorType()
	}
	return "unknown"
}

// RecordJobSubmitted counts an accepted job.
func RecordJobSubmitted() {
	jobsSubmitted.Inc()
}

// RecordJobRejected counts a rejected submission. reason is one of
// invalid, duplicate, queue_full or rejected.
func RecordJobRejected(reason string) {
	jobsRejected.WithLabelValues(reason).Inc()
}

// RecordJobFinished counts a job reaching a terminal state.
func RecordJobFinished(state string) {
	jobsFinished.WithLabelValues(state).Inc()
}

// RecordSpeculation counts a speculated action; outcome is success or timeout.
func RecordSpeculation(outcome string) {
	actionsSpeculated.WithLabelValues(outcome).Inc()
}

// RecordStatusReport counts a flushed batch; trigger is interval or ratio.
func RecordStatusReport(trigger string) {
	statusReports.WithLabelValues(trigger).Inc()
}

// RecordRetentionDeleted adds n deletions; reason is lifetime or max_records.
func RecordRetentionDeleted(reason string, n int) {
	retentionDeleted.WithLabelValues(reason).Add(float64(n))
}

func SetPendingJobs(n int) {
	pendingJobs.Set(float64(n))
}

func SetInflightJobs(n int) {
	inflightJobs.Set(float64(n))
}

// ObserveRegistrySync records the duration of one sync cycle in seconds.
func ObserveRegistrySync(seconds float64) {
	registrySyncDuration.Observe(seconds)
}
