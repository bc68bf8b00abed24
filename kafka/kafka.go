// Package kafka provides at-least-once coordination for Kafka producers and
// consumers on top of a pluggable transport (confluent-kafka-go, franz-go or
// the in-process MemoryBroker).
//
// Features:
//   - Non-blocking Submit() with exactly one DeliveryOutcome per message
//   - Flush() and Close() with bounded timeouts; pending sends abort as failures
//   - Rebalance-aware consumption with a fetch fence on partition revocation
//   - Manual commit gated on successful processing, sync or async
//   - Configurable halt / skip / dead-letter policy for processing failures
//   - Distinct decode and processing error kinds
//   - OpenTelemetry tracing, OpenTelemetry and Prometheus metrics
//   - Flat key/value and YAML configuration
//
// Quick Start:
//
//	// Create producer
//	producer, err := kafka.NewClient(
//	    kafka.WithBrokers("localhost:9092"),
//	    kafka.WithDeliveryHandler(kafka.NewLoggingHandler(nil)),
//	)
//
//	// Submit message; the outcome arrives on the delivery handler
//	err = producer.Submit(&kafka.Message{
//	    Topic: "topic",
//	    Key:   []byte("key-1"),
//	    Value: []byte("value-1"),
//	})
//	err = producer.Flush(10 * time.Second)
//
//	// Create consumer with manual commit
//	consumer, err := kafka.NewKafkaConsumer(
//	    kafka.ConsumerWithBrokers("localhost:9092"),
//	    kafka.WithGroupID("my-group"),
//	    kafka.WithTopics("topic"),
//	    kafka.WithAutoCommit(false),
//	)
//
//	consumer.Handle(func(ctx context.Context, msg *kafka.Message) error {
//	    return nil
//	})
//
//	// Run blocks until ctx is cancelled, Stop is called or processing halts
//	err = consumer.Run(ctx)
package kafka

// Version of the library
const Version = "1.0.0"
