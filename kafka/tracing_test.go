package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useSpanRecorder installs a recording tracer provider and the W3C trace
// context propagator for the duration of the test
func useSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func endedSpan(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range recorder.Ended() {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("no ended span named %q", name)
	return nil
}

func TestTracing_ProducerToConsumer(t *testing.T) {
	recorder := useSpanRecorder(t)
	b := NewMemoryBroker(1)
	tracing := &TracingConfig{Enabled: true}

	p, _ := newTestProducer(t, b, WithTracing(tracing))
	msg := NewMessage("orders", []byte("order-1"), []byte("paid"))
	_, err := p.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, msg.Headers, "caller's message is not modified")

	stored := b.Messages("orders", 0)
	require.Len(t, stored, 1)
	assert.NotEmpty(t, stored[0].Headers["traceparent"])

	publish := endedSpan(t, recorder, "orders publish")
	assert.Equal(t, trace.SpanKindProducer, publish.SpanKind())

	var handled offsetLog
	c := newTestConsumer(t, b, "billing", ConsumerWithTracing(tracing))
	c.Handle(func(ctx context.Context, msg *Message) error {
		assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
		handled.add(msg)
		return nil
	})
	errCh := start(t, c)
	require.Eventually(t, committedEquals(b, "billing", 0, 1), waitTimeout, waitTick)
	c.Stop()
	require.NoError(t, waitRun(t, errCh))

	process := endedSpan(t, recorder, "billing orders process")
	assert.Equal(t, trace.SpanKindConsumer, process.SpanKind())
	assert.Equal(t, publish.SpanContext().TraceID(), process.SpanContext().TraceID(), "the consumer continues the producer trace")
	assert.Equal(t, publish.SpanContext().SpanID(), process.Parent().SpanID())

	commit := endedSpan(t, recorder, "billing commit")
	assert.Equal(t, trace.SpanKindClient, commit.SpanKind())
}

func TestTracing_FailedDeliveryMarksSpan(t *testing.T) {
	recorder := useSpanRecorder(t)
	b := NewMemoryBroker(1)
	b.FailDeliveries(func(*Message) error { return errBoom })

	p, _ := newTestProducer(t, b, WithTracing(&TracingConfig{Enabled: true}))
	_, err := p.Send(context.Background(), NewMessage("orders", nil, []byte("v")))
	require.ErrorIs(t, err, errBoom)

	span := endedSpan(t, recorder, "orders publish")
	assert.Equal(t, codes.Error, span.Status().Code)
	require.NotEmpty(t, span.Events())
	assert.Equal(t, "exception", span.Events()[0].Name)
}

func TestMessageHeaderCarrier(t *testing.T) {
	msg := &Message{}
	carrier := &messageHeaderCarrier{msg: msg}

	assert.Empty(t, carrier.Get("traceparent"))
	assert.Nil(t, carrier.Keys())

	carrier.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, carrier.Keys())
	assert.Equal(t, []byte("00-abc-def-01"), msg.Headers["traceparent"])
}
