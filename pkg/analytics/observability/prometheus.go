package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	Dispatched *prometheus.CounterVec
	StageLat   *prometheus.HistogramVec
	StageErrs  *prometheus.CounterVec
	Flushes    *prometheus.CounterVec
	BatchSize  *prometheus.HistogramVec
	Dropped    *prometheus.CounterVec
	QueueDepth *prometheus.GaugeVec
}

// Compile-time interface check.
var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Total number of events handed to the batcher.",
		}, []string{"endpoint"}),
		StageLat: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "analytics",
			Subsystem: "stage",
			Name:      "latency_ms",
			Help:      "Plugin stage latency in milliseconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"plugin"}),
		StageErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "stage",
			Name:      "errors_total",
			Help:      "Total number of plugin stage errors.",
		}, []string{"plugin"}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Total number of batch requests by outcome.",
		}, []string{"endpoint", "success"}),
		BatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "analytics",
			Subsystem: "batch",
			Name:      "size_bytes",
			Help:      "Batch request body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}, []string{"endpoint"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Total number of events dropped without delivery.",
		}, []string{"reason"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "analytics",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current retry queue length.",
		}, []string{"queue"}),
	}
}

// RecordDispatched implements MetricsRecorder.
func (p *PrometheusMetrics) RecordDispatched(_ context.Context, endpoint string, events int) {
	p.Dispatched.WithLabelValues(endpoint).Add(float64(events))
}

// RecordStage implements MetricsRecorder.
func (p *PrometheusMetrics) RecordStage(_ context.Context, plugin string, duration time.Duration, err error) {
	p.StageLat.WithLabelValues(plugin).Observe(float64(duration.Microseconds()) / 1000)
	if err != nil {
		p.StageErrs.WithLabelValues(plugin).Inc()
	}
}

// RecordFlush implements MetricsRecorder.
func (p *PrometheusMetrics) RecordFlush(_ context.Context, endpoint string, _, sizeBytes int, err error) {
	p.Flushes.WithLabelValues(endpoint, strconv.FormatBool(err == nil)).Inc()
	p.BatchSize.WithLabelValues(endpoint).Observe(float64(sizeBytes))
}

// RecordDropped implements MetricsRecorder.
func (p *PrometheusMetrics) RecordDropped(_ context.Context, reason string, events int) {
	p.Dropped.WithLabelValues(reason).Add(float64(events))
}

// RecordQueueDepth implements MetricsRecorder.
func (p *PrometheusMetrics) RecordQueueDepth(_ context.Context, queue string, depth int) {
	p.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
