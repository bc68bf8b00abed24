package kafka

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OtelObserver records producer and consumer metrics with OpenTelemetry
type OtelObserver struct {
	meter metric.Meter

	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	processed       metric.Int64Counter
	commits         metric.Int64Counter
	rebalances      metric.Int64Counter
}

var _ Observer = (*OtelObserver)(nil)

// NewOtelObserver creates the instruments on the given meter provider;
// nil uses the global provider
func NewOtelObserver(provider metric.MeterProvider) (*OtelObserver, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &OtelObserver{
		meter: provider.Meter("github.com/loipv/kafka-ack", metric.WithInstrumentationVersion(Version)),
	}

	var err error

	m.deliveries, err = m.meter.Int64Counter(
		"kafka.producer.deliveries",
		metric.WithDescription("Delivery outcomes by topic and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.deliveryLatency, err = m.meter.Float64Histogram(
		"kafka.producer.delivery.duration",
		metric.WithDescription("Time from submit to delivery outcome"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery latency histogram: %w", err)
	}

	m.processed, err = m.meter.Int64Counter(
		"kafka.consumer.processed",
		metric.WithDescription("Consumed messages by topic and processing outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}

	m.commits, err = m.meter.Int64Counter(
		"kafka.consumer.commits",
		metric.WithDescription("Offset commits by mode and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commits counter: %w", err)
	}

	m.rebalances, err = m.meter.Int64Counter(
		"kafka.consumer.rebalances",
		metric.WithDescription("Rebalance notifications by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rebalances counter: %w", err)
	}

	return m, nil
}

func (m *OtelObserver) RecordDelivery(topic string, success bool, latency time.Duration) {
	ctx := context.Background()
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("result", resultLabel(success)),
	))
	m.deliveryLatency.Record(ctx, float64(latency)/float64(time.Millisecond))
}

func (m *OtelObserver) RecordProcessed(topic string, outcome string) {
	m.processed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

func (m *OtelObserver) RecordCommit(mode CommitMode, partitions int, err error) {
	m.commits.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("result", resultLabel(err == nil)),
		attribute.Int("partitions", partitions),
	))
}

func (m *OtelObserver) RecordRebalance(kind RebalanceKind, partitions int) {
	m.rebalances.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.Int("partitions", partitions),
	))
}
