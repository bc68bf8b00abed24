package kafka

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver exports producer and consumer metrics to Prometheus
type PrometheusObserver struct {
	registry        *prometheus.Registry
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	processed       *prometheus.CounterVec
	commits         *prometheus.CounterVec
	rebalances      *prometheus.CounterVec
	assigned        prometheus.Gauge
}

var _ Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the collectors on a fresh registry
func NewPrometheusObserver(namespace string) *PrometheusObserver {
	reg := prometheus.NewRegistry()

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Delivery outcomes by topic and result",
	}, []string{"topic", "result"})

	deliveryLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_latency_seconds",
		Help:      "Time from submit to delivery outcome",
		Buckets:   prometheus.DefBuckets,
	})

	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_processed_total",
		Help:      "Consumed messages by topic and processing outcome",
	}, []string{"topic", "outcome"})

	commits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Offset commits by mode and result",
	}, []string{"mode", "result"})

	rebalances := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebalances_total",
		Help:      "Rebalance notifications by kind",
	}, []string{"kind"})

	assigned := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "assigned_partitions",
		Help:      "Number of partitions currently owned",
	})

	reg.MustRegister(deliveries, deliveryLatency, processed, commits, rebalances, assigned)

	return &PrometheusObserver{
		registry:        reg,
		deliveries:      deliveries,
		deliveryLatency: deliveryLatency,
		processed:       processed,
		commits:         commits,
		rebalances:      rebalances,
		assigned:        assigned,
	}
}

func (m *PrometheusObserver) RecordDelivery(topic string, success bool, latency time.Duration) {
	m.deliveries.WithLabelValues(topic, resultLabel(success)).Inc()
	m.deliveryLatency.Observe(latency.Seconds())
}

func (m *PrometheusObserver) RecordProcessed(topic string, outcome string) {
	m.processed.WithLabelValues(topic, outcome).Inc()
}

func (m *PrometheusObserver) RecordCommit(mode CommitMode, _ int, err error) {
	m.commits.WithLabelValues(mode.String(), resultLabel(err == nil)).Inc()
}

func (m *PrometheusObserver) RecordRebalance(kind RebalanceKind, partitions int) {
	m.rebalances.WithLabelValues(kind.String()).Inc()
	switch kind {
	case RebalanceAssigned:
		m.assigned.Set(float64(partitions))
	case RebalanceRevoked:
		m.assigned.Set(0)
	}
}

// Registry exposes the underlying registry
func (m *PrometheusObserver) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
