// Package metrics registers the engine's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the engine records into. A nil *Metrics is
// safe to call; all recorders no-op.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	enqueuedTotal  *prometheus.CounterVec
	processedTotal *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	queueDepth     prometheus.Gauge

	batchesFlushed    prometheus.Counter
	batchMembers      prometheus.Histogram
	socketConnections prometheus.Gauge

	deliveryLatency *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		enqueuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_enqueued_total",
				Help: "Enqueue calls by result",
			},
			[]string{"result"},
		),
		processedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_processed_total",
				Help: "Worker outcomes by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		deliveredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channel_deliveries_total",
				Help: "Per-channel adapter results",
			},
			[]string{"channel", "result"},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "processor_queue_depth",
				Help: "Current depth of the processing queue",
			},
		),
		batchesFlushed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "batches_flushed_total",
				Help: "Digest flushes",
			},
		),
		batchMembers: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batch_members",
				Help:    "Members per flushed digest",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
		),
		socketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "socket_connections",
				Help: "Live socket connections",
			},
		),
		deliveryLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "delivery_latency_seconds",
				Help:    "Time from creation to delivered status",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"channel"},
		),
	}
}

func (m *Metrics) RecordRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordEnqueue(result string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordOutcome(typ, outcome string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) RecordChannelResult(channel, result string) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) RecordBatchFlush(members int) {
	if m == nil {
		return
	}
	m.batchesFlushed.Inc()
	m.batchMembers.Observe(float64(members))
}

func (m *Metrics) SocketConnected() {
	if m == nil {
		return
	}
	m.socketConnections.Inc()
}

func (m *Metrics) SocketDisconnected() {
	if m == nil {
		return
	}
	m.socketConnections.Dec()
}

func (m *Metrics) RecordDeliveryLatency(channel string, latency time.Duration) {
	if m == nil {
		return
	}
	m.deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}
