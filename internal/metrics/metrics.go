// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ArchivesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "archives_created_total",
		Help:      "Projects archived.",
	})
	ArchivesRestoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "archives_restored_total",
		Help:      "Archives restored to live projects.",
	})
	ArchivesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "archives_deleted_total",
		Help:      "Archives deleted after the retention period.",
	})
	KeyPartsDecryptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "key_parts_decrypted_total",
		Help:      "Valid key part submissions.",
	})
	MalformedSharesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "malformed_shares_total",
		Help:      "Rejected key part submissions.",
	})
	KeyPartsResetTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "key_parts_reset_total",
		Help:      "Decrypted key parts reset by the staleness reaper.",
	})
	RotatedValuesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "rotated_values_total",
		Help:      "Values rewritten by the rotation pass.",
	}, []string{"kind"})
	RotationErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "rotation_errors_total",
		Help:      "Per-value failures during the rotation pass.",
	})
	TaskRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealkeeper",
		Name:      "task_runs_total",
		Help:      "Scheduled task runs by outcome.",
	}, []string{"task", "outcome"})
	TaskSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sealkeeper",
		Name:      "task_seconds",
		Help:      "Duration of scheduled task runs.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(
		ArchivesCreatedTotal,
		ArchivesRestoredTotal,
		ArchivesDeletedTotal,
		KeyPartsDecryptedTotal,
		MalformedSharesTotal,
		KeyPartsResetTotal,
		RotatedValuesTotal,
		RotationErrorsTotal,
		TaskRunsTotal,
		TaskSeconds,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
