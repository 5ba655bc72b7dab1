// Package prometheus contains the Prometheus-backed implementations of the
// metrics interfaces. Constructors fall back to no-op implementations when
// the global registry has not been initialized.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/patchpanel/remotefs/pkg/metrics"
)

// operationMetrics is the Prometheus implementation of metrics.OperationMetrics.
type operationMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	jobsInFlight      *prometheus.GaugeVec
	jobsTotal         *prometheus.CounterVec
}

// NewOperationMetrics creates a Prometheus-backed OperationMetrics instance.
func NewOperationMetrics() metrics.OperationMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopOperationMetrics()
	}

	reg := metrics.GetRegistry()

	return &operationMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotefs_operations_total",
				Help: "Total engine operations by type, backend, and status",
			},
			[]string{"operation", "backend", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "remotefs_operation_duration_milliseconds",
				Help: "Duration of engine operations in milliseconds",
				Buckets: []float64{
					10,      // 10ms
					100,     // 100ms
					1000,    // 1s
					10000,   // 10s
					60000,   // 1m
					600000,  // 10m
					3600000, // 1h
				},
			},
			[]string{"operation", "backend"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotefs_bytes_transferred_total",
				Help: "Total payload bytes moved through the engine",
			},
			[]string{"direction", "backend"},
		),
		jobsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotefs_jobs_in_flight",
				Help: "Jobs currently running by operation type",
			},
			[]string{"operation"},
		),
		jobsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotefs_jobs_total",
				Help: "Finished jobs by operation type and terminal status",
			},
			[]string{"operation", "status"},
		),
	}
}

func (m *operationMetrics) RecordOperation(opType, backendType string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(opType, backendType, status).Inc()
	m.operationDuration.WithLabelValues(opType, backendType).Observe(float64(duration.Milliseconds()))
}

func (m *operationMetrics) RecordBytesTransferred(direction, backendType string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction, backendType).Add(float64(bytes))
}

func (m *operationMetrics) RecordJobStart(opType string) {
	m.jobsInFlight.WithLabelValues(opType).Inc()
}

func (m *operationMetrics) RecordJobEnd(opType, status string) {
	m.jobsInFlight.WithLabelValues(opType).Dec()
	m.jobsTotal.WithLabelValues(opType, status).Inc()
}
