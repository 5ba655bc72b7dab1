package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/patchpanel/remotefs/pkg/metrics"
)

// poolMetrics is the Prometheus implementation of metrics.PoolMetrics.
type poolMetrics struct {
	dialsTotal     *prometheus.CounterVec
	dialDuration   prometheus.Histogram
	idleEvictions  prometheus.Counter
	probeFailures  prometheus.Counter
	connectionsNow *prometheus.GaugeVec
}

// NewPoolMetrics creates a Prometheus-backed PoolMetrics instance.
func NewPoolMetrics() metrics.PoolMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopPoolMetrics()
	}

	reg := metrics.GetRegistry()

	return &poolMetrics{
		dialsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotefs_pool_dials_total",
				Help: "Total pool dial attempts by outcome",
			},
			[]string{"status"},
		),
		dialDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "remotefs_pool_dial_duration_milliseconds",
				Help: "Duration of pool dial attempts in milliseconds",
				Buckets: []float64{
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
					30000, // 30s
				},
			},
		),
		idleEvictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "remotefs_pool_idle_evictions_total",
				Help: "Idle connections closed by the sweeper",
			},
		),
		probeFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "remotefs_pool_probe_failures_total",
				Help: "Connections dropped after a failed health probe",
			},
		),
		connectionsNow: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotefs_pool_connections",
				Help: "Pooled connections by state",
			},
			[]string{"state"},
		),
	}
}

func (m *poolMetrics) RecordDial(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dialsTotal.WithLabelValues(status).Inc()
	m.dialDuration.Observe(float64(duration.Milliseconds()))
}

func (m *poolMetrics) RecordIdleEviction() {
	m.idleEvictions.Inc()
}

func (m *poolMetrics) RecordProbeFailure() {
	m.probeFailures.Inc()
}

func (m *poolMetrics) SetConnections(state string, count int) {
	m.connectionsNow.WithLabelValues(state).Set(float64(count))
}
