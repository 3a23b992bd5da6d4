package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metric names for ambient self-observability. These are not
// part of the pipeline's named business-metric surface (that's the
// StatsDEmitter's job); they exist so the service's own health can be
// scraped independently of whatever statsd collector is configured.
const (
	MetricStoreLatency    = "ratelimit_store_round_trip_seconds"
	MetricPipelineLatency = "ratelimit_pipeline_stage_seconds"
	MetricPoolInUse       = "ratelimit_store_pool_connections_in_use"
)

// PrometheusMetrics contains the ambient self-observability collectors.
// All operations are thread-safe.
type PrometheusMetrics struct {
	storeLatency    *prometheus.HistogramVec
	pipelineLatency *prometheus.HistogramVec
	poolInUse       prometheus.Gauge
}

// NewPrometheusMetrics creates and returns a new PrometheusMetrics instance
// with all collectors initialized. The metrics are not registered; call
// Register to register them with a registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricStoreLatency,
				Help:    "Counter store round trip latency in seconds by operation",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		pipelineLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricPipelineLatency,
				Help:    "Decision pipeline stage latency in seconds by stage",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"stage"},
		),
		poolInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricPoolInUse,
				Help: "Number of counter store connections currently checked out of the pool",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *PrometheusMetrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{m.storeLatency, m.pipelineLatency, m.poolInUse}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveStoreLatency records a counter-store round trip duration.
func (m *PrometheusMetrics) ObserveStoreLatency(operation string, seconds float64) {
	m.storeLatency.WithLabelValues(operation).Observe(seconds)
}

// ObservePipelineLatency records a single pipeline stage's duration.
func (m *PrometheusMetrics) ObservePipelineLatency(stage string, seconds float64) {
	m.pipelineLatency.WithLabelValues(stage).Observe(seconds)
}

// SetPoolInUse reports the current number of checked-out pool connections.
func (m *PrometheusMetrics) SetPoolInUse(n float64) {
	m.poolInUse.Set(n)
}

// Collectors returns all Prometheus collectors for testing.
func (m *PrometheusMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.storeLatency, m.pipelineLatency, m.poolInUse}
}
