package vectorstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts backend operations.
	// Labels: backend, operation, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks how long backend operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// BackendHealthy is 1 while the health monitor sees the backend as
	// reachable and 0 otherwise.
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "backend_healthy",
			Help:      "Whether the vector store backend passed its last health check",
		},
		[]string{"backend"},
	)

	// DocumentsAdded counts documents stored by AddDocuments.
	DocumentsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "documents_added_total",
			Help:      "Total number of documents stored",
		},
		[]string{"backend"},
	)

	// DocumentsFailed counts documents AddDocuments could not store.
	// Labels: backend, reason (embedding, connection, storage, configuration, other)
	DocumentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "documents_failed_total",
			Help:      "Total number of documents that failed to store",
		},
		[]string{"backend", "reason"},
	)

	// DiagnosticFallbacks counts diagnostics that swallowed an error and
	// returned a zero value.
	DiagnosticFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "diagnostic_fallbacks_total",
			Help:      "Total number of diagnostic calls that degraded to a zero value",
		},
		[]string{"backend", "operation"},
	)

	// QuarantinedCollections counts chromem collections moved aside on open.
	QuarantinedCollections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "quarantined_collections_total",
			Help:      "Total number of corrupt collections moved to quarantine",
		},
	)
)

// observe records the outcome and latency of one backend operation.
func observe(backend, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, operation, result).Inc()
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

// failureReason buckets an error by sentinel for the DocumentsFailed label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrEmbedding):
		return "embedding"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "other"
	}
}
