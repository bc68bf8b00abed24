package kafka

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestPrometheusObserver_ProducerAndConsumer(t *testing.T) {
	observer := NewPrometheusObserver("test")
	b := NewMemoryBroker(1)
	b.FailDeliveries(func(msg *Message) error {
		if string(msg.Value) == "bad" {
			return errBoom
		}
		return nil
	})

	p, _ := newTestProducer(t, b, WithObserver(observer))
	require.Error(t, p.SendBatch(context.Background(), []*Message{
		NewMessage("orders", nil, []byte("a")),
		NewMessage("orders", nil, []byte("bad")),
		NewMessage("orders", nil, []byte("b")),
	}))

	assert.Equal(t, 2.0, testutil.ToFloat64(observer.deliveries.WithLabelValues("orders", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.deliveries.WithLabelValues("orders", "failure")))

	b.FailDeliveries(nil)
	c := newTestConsumer(t, b, "billing",
		ConsumerWithObserver(observer),
		WithFailurePolicy(PolicySkip),
	)
	c.Handle(func(_ context.Context, msg *Message) error {
		if string(msg.Value) == "b" {
			return errBoom
		}
		return nil
	})
	errCh := start(t, c)
	require.Eventually(t, committedEquals(b, "billing", 0, 2), waitTimeout, waitTick)
	c.Stop()
	require.NoError(t, waitRun(t, errCh))

	assert.Equal(t, 1.0, testutil.ToFloat64(observer.processed.WithLabelValues("orders", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.processed.WithLabelValues("orders", OutcomeSkipped)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(observer.commits.WithLabelValues("sync", "success")), 2.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.rebalances.WithLabelValues(RebalanceAssigned.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.assigned))

	rec := httptest.NewRecorder()
	observer.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "test_messages_processed_total"))
}

func TestOtelObserver(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	observer, err := NewOtelObserver(provider)
	require.NoError(t, err)

	observer.RecordDelivery("orders", true, 3*time.Millisecond)
	observer.RecordDelivery("orders", false, time.Millisecond)
	observer.RecordProcessed("orders", OutcomeSuccess)
	observer.RecordCommit(CommitAsync, 2, nil)
	observer.RecordRebalance(RebalanceRevoked, 4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	var histograms int
	for _, sm := range rm.ScopeMetrics {
		assert.Equal(t, "github.com/loipv/kafka-ack", sm.Scope.Name)
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histograms += int(dp.Count)
				}
			}
		}
	}

	assert.Equal(t, map[string]int64{
		"kafka.producer.deliveries": 2,
		"kafka.consumer.processed":  1,
		"kafka.consumer.commits":    1,
		"kafka.consumer.rebalances": 1,
	}, sums)
	assert.Equal(t, 2, histograms)
}

func TestMultiObserver(t *testing.T) {
	first := NewPrometheusObserver("first")
	second := NewPrometheusObserver("second")
	observer := MultiObserver(first, second, NoopObserver{})

	observer.RecordProcessed("orders", OutcomeDuplicate)
	observer.RecordRebalance(RebalanceAssigned, 3)

	for _, o := range []*PrometheusObserver{first, second} {
		assert.Equal(t, 1.0, testutil.ToFloat64(o.processed.WithLabelValues("orders", OutcomeDuplicate)))
		assert.Equal(t, 3.0, testutil.ToFloat64(o.assigned))
	}
}
