package kafka

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for messaging
const (
	MessagingSystemKey              = "messaging.system"
	MessagingDestinationNameKey     = "messaging.destination.name"
	MessagingDestinationPartitionID = "messaging.destination.partition.id"
	MessagingOperationNameKey       = "messaging.operation.name"
	MessagingOperationTypeKey       = "messaging.operation.type"
	MessagingKafkaOffsetKey         = "messaging.kafka.offset"
	MessagingKafkaConsumerGroupKey  = "messaging.kafka.consumer.group"
	MessagingKafkaMessageKeyKey     = "messaging.kafka.message.key"
	MessagingBatchMessageCountKey   = "messaging.batch.message_count"
)

// TracingService provides OpenTelemetry tracing for Kafka operations
type TracingService struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	config     *TracingConfig
}

// NewTracingService creates a new tracing service
func NewTracingService(config *TracingConfig) *TracingService {
	tracerName := config.TracerName
	if tracerName == "" {
		tracerName = "github.com/loipv/kafka-ack"
	}

	tracerVersion := config.TracerVersion
	if tracerVersion == "" {
		tracerVersion = Version
	}

	return &TracingService{
		tracer:     otel.Tracer(tracerName, trace.WithInstrumentationVersion(tracerVersion)),
		propagator: otel.GetTextMapPropagator(),
		config:     config,
	}
}

// StartProducerSpan starts a span covering a message from submit until its
// delivery outcome
func (t *TracingService) StartProducerSpan(ctx context.Context, msg *Message) (context.Context, func(error)) {
	spanName := fmt.Sprintf("%s publish", msg.Topic)

	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(MessagingSystemKey, "kafka"),
			attribute.String(MessagingDestinationNameKey, msg.Topic),
			attribute.String(MessagingOperationNameKey, "publish"),
			attribute.String(MessagingOperationTypeKey, "publish"),
		),
	)

	if msg.Key != nil {
		span.SetAttributes(attribute.String(MessagingKafkaMessageKeyKey, string(msg.Key)))
	}

	if msg.HasPartition() {
		span.SetAttributes(attribute.Int(MessagingDestinationPartitionID, int(msg.Partition)))
	}

	return ctx, endSpanFunc(span)
}

// StartConsumerSpan starts a new span for processing a message
func (t *TracingService) StartConsumerSpan(ctx context.Context, groupID string, msg *Message) (context.Context, func(error)) {
	// Continue the producer's trace when the headers carry one
	ctx = t.ExtractTraceContext(ctx, msg)

	spanName := fmt.Sprintf("%s %s process", groupID, msg.Topic)

	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(MessagingSystemKey, "kafka"),
			attribute.String(MessagingDestinationNameKey, msg.Topic),
			attribute.Int(MessagingDestinationPartitionID, int(msg.Partition)),
			attribute.String(MessagingOperationNameKey, "process"),
			attribute.String(MessagingOperationTypeKey, "process"),
			attribute.Int64(MessagingKafkaOffsetKey, msg.Offset),
			attribute.String(MessagingKafkaConsumerGroupKey, groupID),
		),
	)

	if msg.Key != nil {
		span.SetAttributes(attribute.String(MessagingKafkaMessageKeyKey, string(msg.Key)))
	}

	return ctx, endSpanFunc(span)
}

// StartCommitSpan starts a span around an offset commit
func (t *TracingService) StartCommitSpan(ctx context.Context, groupID string, mode CommitMode, offsets []TopicPartition) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("%s commit", groupID),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(MessagingSystemKey, "kafka"),
			attribute.String(MessagingOperationNameKey, "commit"),
			attribute.String(MessagingOperationTypeKey, "settle"),
			attribute.String(MessagingKafkaConsumerGroupKey, groupID),
			attribute.String("messaging.kafka.commit.mode", mode.String()),
			attribute.Int(MessagingBatchMessageCountKey, len(offsets)),
		),
	)
	return ctx, endSpanFunc(span)
}

func endSpanFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// InjectTraceContext injects trace context into message headers
func (t *TracingService) InjectTraceContext(ctx context.Context, msg *Message) {
	t.propagator.Inject(ctx, &messageHeaderCarrier{msg: msg})
}

// ExtractTraceContext extracts trace context from message headers
func (t *TracingService) ExtractTraceContext(ctx context.Context, msg *Message) context.Context {
	return t.propagator.Extract(ctx, &messageHeaderCarrier{msg: msg})
}

// messageHeaderCarrier implements propagation.TextMapCarrier for Message
type messageHeaderCarrier struct {
	msg *Message
}

func (c *messageHeaderCarrier) Get(key string) string {
	if c.msg.Headers == nil {
		return ""
	}
	if val, ok := c.msg.Headers[key]; ok {
		return string(val)
	}
	return ""
}

func (c *messageHeaderCarrier) Set(key, val string) {
	if c.msg.Headers == nil {
		c.msg.Headers = make(Headers)
	}
	c.msg.Headers[key] = []byte(val)
}

func (c *messageHeaderCarrier) Keys() []string {
	if c.msg.Headers == nil {
		return nil
	}
	keys := make([]string, 0, len(c.msg.Headers))
	for k := range c.msg.Headers {
		keys = append(keys, k)
	}
	return keys
}
