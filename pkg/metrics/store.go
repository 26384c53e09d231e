package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/veloxdata/transmit/pkg/objectstore"
)

// storeMetrics is the Prometheus implementation of objectstore.Metrics.
type storeMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesDownloaded   prometheus.Counter
	retriesTotal      *prometheus.CounterVec
}

// NewStoreMetrics creates a Prometheus-backed objectstore.Metrics.
// Returns a no-op collector when metrics are disabled.
func NewStoreMetrics() objectstore.Metrics {
	reg := Registry()
	if reg == nil {
		return objectstore.NopMetrics{}
	}

	return &storeMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "transmit_objectstore_operations_total",
				Help: "Object store operations by type and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transmit_objectstore_operation_duration_seconds",
				Help:    "Duration of object store operations",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		bytesDownloaded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "transmit_objectstore_downloaded_bytes_total",
				Help: "Total bytes downloaded from transform output buckets",
			},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "transmit_objectstore_retries_total",
				Help: "Retry attempts by operation",
			},
			[]string{"operation"},
		),
	}
}

func (m *storeMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	if duration > 0 {
		m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

func (m *storeMetrics) RecordBytes(n int64) {
	m.bytesDownloaded.Add(float64(n))
}

func (m *storeMetrics) RecordRetry(operation string) {
	m.retriesTotal.WithLabelValues(operation).Inc()
}
