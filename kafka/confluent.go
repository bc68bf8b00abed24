package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// NewClient creates a Producer backed by confluent-kafka-go
func NewClient(opts ...ClientOption) (*Producer, error) {
	config := newDefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 {
		return nil, configErrorf("bootstrap.servers", "brokers are required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger(config.LogLevel)
	}

	transport, err := newConfluentProducer(config, logger)
	if err != nil {
		return nil, err
	}

	p, err := newProducer(transport, config)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return p, nil
}

// NewKafkaConsumer creates a Consumer backed by confluent-kafka-go
func NewKafkaConsumer(opts ...ConsumerOption) (*Consumer, error) {
	config := newDefaultConsumerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 {
		return nil, configErrorf("bootstrap.servers", "brokers are required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger(config.LogLevel)
	}

	transport, err := newConfluentConsumer(config, logger)
	if err != nil {
		return nil, err
	}

	c, err := newConsumer(transport, config, confluentDLQProducer)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return c, nil
}

// confluentDLQProducer builds the dead-letter producer from consumer settings
func confluentDLQProducer(config *ConsumerConfig) (*Producer, error) {
	return NewClient(
		WithBrokers(config.Brokers...),
		WithSSL(config.SSL),
		WithSASL(config.SASL),
		WithAcks(AcksAll),
		WithLogLevel(config.LogLevel),
		WithLogger(config.Logger),
	)
}

// ==================== Producer transport ====================

type confluentProducer struct {
	producer *kafka.Producer
	logger   Logger
	maxBytes int
	events   sync.WaitGroup
}

var _ ProducerTransport = (*confluentProducer)(nil)

func newConfluentProducer(config *ClientConfig, logger Logger) (*confluentProducer, error) {
	// Build kafka config map
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(config.Brokers, ","),
		"acks":              int(config.Acks),
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID = newClientID("kafka-ack-producer")
	}
	configMap.SetKey("client.id", clientID)

	if config.ConnectionTimeout > 0 {
		configMap.SetKey("socket.connection.setup.timeout.ms", int(config.ConnectionTimeout.Milliseconds()))
	}

	if config.RequestTimeout > 0 {
		configMap.SetKey("request.timeout.ms", int(config.RequestTimeout.Milliseconds()))
	}

	if config.Compression != CompressionNone {
		configMap.SetKey("compression.type", getCompressionName(config.Compression))
	}

	if config.Idempotent {
		configMap.SetKey("enable.idempotence", true)
	}

	if config.MaxMessageBytes > 0 {
		configMap.SetKey("message.max.bytes", config.MaxMessageBytes)
	}

	setSecurity(configMap, config.SSL, config.SASL)

	// Set log level
	configMap.SetKey("log_level", int(config.LogLevel))

	producer, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	p := &confluentProducer{
		producer: producer,
		logger:   logger,
		maxBytes: config.MaxMessageBytes,
	}

	// Start delivery report handler
	p.events.Add(1)
	go p.handleDeliveryReports()

	return p, nil
}

// Produce hands the message to librdkafka. The report callback travels in
// the message's Opaque and comes back on the Events channel.
func (p *confluentProducer) Produce(msg *Message, report func(DeliveryReport)) error {
	kafkaMsg := buildKafkaMessage(msg)
	kafkaMsg.Opaque = report
	return p.producer.Produce(kafkaMsg, nil)
}

// handleDeliveryReports handles delivery reports from the producer
func (p *confluentProducer) handleDeliveryReports() {
	defer p.events.Done()
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			report, ok := ev.Opaque.(func(DeliveryReport))
			if !ok {
				continue
			}
			report(DeliveryReport{
				Partition: ev.TopicPartition.Partition,
				Offset:    int64(ev.TopicPartition.Offset),
				Err:       ev.TopicPartition.Error,
			})
		case kafka.Error:
			p.logger.Error("Kafka error: %v", ev)
		}
	}
}

func (p *confluentProducer) Flush(timeout time.Duration) int {
	return p.producer.Flush(int(timeout.Milliseconds()))
}

func (p *confluentProducer) MaxMessageBytes() int {
	return p.maxBytes
}

// Close closes the producer and waits for the report goroutine
func (p *confluentProducer) Close() {
	p.producer.Close()
	p.events.Wait()
}

func buildKafkaMessage(msg *Message) *kafka.Message {
	topic := msg.Topic
	kafkaMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   msg.Key,
		Value: msg.Value,
	}

	if msg.HasPartition() {
		kafkaMsg.TopicPartition.Partition = msg.Partition
	}

	if !msg.Timestamp.IsZero() {
		kafkaMsg.Timestamp = msg.Timestamp
	}

	for k, v := range msg.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, kafka.Header{
			Key:   k,
			Value: v,
		})
	}

	return kafkaMsg
}

// ==================== Consumer transport ====================

type confluentConsumer struct {
	consumer *kafka.Consumer
	logger   Logger
	commits  commitQueue // async commits, in order
}

var _ ConsumerTransport = (*confluentConsumer)(nil)

func newConfluentConsumer(config *ConsumerConfig, logger Logger) (*confluentConsumer, error) {
	// Build kafka config map
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(config.Brokers, ","),
		"group.id":           config.GroupID,
		"auto.offset.reset":  getOffsetReset(config.FromBeginning),
		"enable.auto.commit": config.AutoCommit,
	}

	if config.ClientID != "" {
		configMap.SetKey("client.id", config.ClientID)
	}

	if config.SessionTimeout > 0 {
		configMap.SetKey("session.timeout.ms", int(config.SessionTimeout.Milliseconds()))
	}

	if config.HeartbeatInterval > 0 {
		configMap.SetKey("heartbeat.interval.ms", int(config.HeartbeatInterval.Milliseconds()))
	}

	if config.RebalanceTimeout > 0 {
		configMap.SetKey("max.poll.interval.ms", int(config.RebalanceTimeout.Milliseconds()))
	}

	if config.AutoCommit && config.AutoCommitInterval > 0 {
		configMap.SetKey("auto.commit.interval.ms", int(config.AutoCommitInterval.Milliseconds()))
	}

	configMap.SetKey("partition.assignment.strategy", string(config.PartitionAssignor))

	setSecurity(configMap, config.SSL, config.SASL)

	// Set log level
	configMap.SetKey("log_level", int(config.LogLevel))

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &confluentConsumer{consumer: consumer, logger: logger}, nil
}

func (c *confluentConsumer) Subscribe(topics []string, onRebalance func(RebalanceEvent)) error {
	return c.consumer.SubscribeTopics(topics, c.rebalanceCallback(onRebalance))
}

// rebalanceCallback runs inside Poll on the consumption loop's goroutine.
// Revocations are reported before Unassign so offsets can still be
// committed for the partitions being released.
func (c *confluentConsumer) rebalanceCallback(onRebalance func(RebalanceEvent)) kafka.RebalanceCb {
	return func(consumer *kafka.Consumer, event kafka.Event) error {
		switch e := event.(type) {
		case kafka.AssignedPartitions:
			partitions := fromKafkaPartitions(e.Partitions)
			if err := consumer.Assign(e.Partitions); err != nil {
				onRebalance(RebalanceEvent{Kind: RebalanceFailed, Partitions: partitions, Err: err})
				return err
			}
			onRebalance(RebalanceEvent{Kind: RebalanceAssigned, Partitions: partitions})

		case kafka.RevokedPartitions:
			if consumer.AssignmentLost() {
				c.logger.Warn("Assignment lost, offsets for %d partition(s) cannot be committed", len(e.Partitions))
			}
			onRebalance(RebalanceEvent{Kind: RebalanceRevoked, Partitions: fromKafkaPartitions(e.Partitions)})
			if err := consumer.Unassign(); err != nil {
				onRebalance(RebalanceEvent{Kind: RebalanceFailed, Err: err})
				return err
			}
		}
		return nil
	}
}

func (c *confluentConsumer) Poll(ctx context.Context) (*Message, error) {
	timeout := DefaultPollInterval
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 || ctx.Err() != nil {
		return nil, nil
	}

	switch e := c.consumer.Poll(int(timeout.Milliseconds())).(type) {
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			return nil, e.TopicPartition.Error
		}
		return convertMessage(e), nil
	case kafka.Error:
		// Timeout is normal
		if e.Code() == kafka.ErrTimedOut {
			return nil, nil
		}
		return nil, e
	default:
		return nil, nil
	}
}

// CommitSync lets queued async commits finish first, so it is never
// overtaken by an older commit
func (c *confluentConsumer) CommitSync(ctx context.Context, offsets []TopicPartition) ([]TopicPartition, error) {
	c.commits.wait()
	return c.commitOffsets(ctx, offsets)
}

func (c *confluentConsumer) commitOffsets(ctx context.Context, offsets []TopicPartition) ([]TopicPartition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	committed, err := c.consumer.CommitOffsets(toKafkaPartitions(offsets))
	if err != nil {
		return nil, err
	}
	for _, tp := range committed {
		if tp.Error != nil {
			return nil, fmt.Errorf("commit %s[%d]: %w", *tp.Topic, tp.Partition, tp.Error)
		}
	}
	return fromKafkaPartitions(committed), nil
}

func (c *confluentConsumer) CommitAsync(offsets []TopicPartition, done func([]TopicPartition, error)) {
	c.commits.push(func() {
		done(c.commitOffsets(context.Background(), offsets))
	})
}

// Close waits for outstanding async commits, then leaves the group
func (c *confluentConsumer) Close() error {
	c.commits.wait()
	return c.consumer.Close()
}

// convertMessage converts kafka.Message to Message
// Optimized to avoid allocation when there are no headers
func convertMessage(msg *kafka.Message) *Message {
	var headers Headers
	if len(msg.Headers) > 0 {
		headers = make(Headers, len(msg.Headers)) // Pre-sized allocation
		for _, h := range msg.Headers {
			headers[h.Key] = h.Value
		}
	}

	return &Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Timestamp: msg.Timestamp,
		Topic:     *msg.TopicPartition.Topic,
	}
}

func toKafkaPartitions(parts []TopicPartition) []kafka.TopicPartition {
	out := make([]kafka.TopicPartition, len(parts))
	for i, tp := range parts {
		topic := tp.Topic
		out[i] = kafka.TopicPartition{
			Topic:     &topic,
			Partition: tp.Partition,
			Offset:    kafka.Offset(tp.Offset),
		}
	}
	return out
}

func fromKafkaPartitions(parts []kafka.TopicPartition) []TopicPartition {
	out := make([]TopicPartition, 0, len(parts))
	for _, tp := range parts {
		if tp.Topic == nil {
			continue
		}
		out = append(out, TopicPartition{
			Topic:     *tp.Topic,
			Partition: tp.Partition,
			Offset:    int64(tp.Offset),
		})
	}
	return out
}

func setSecurity(configMap *kafka.ConfigMap, ssl bool, sasl *SASLConfig) {
	if ssl {
		configMap.SetKey("security.protocol", "ssl")
	}

	if sasl != nil {
		if ssl {
			configMap.SetKey("security.protocol", "sasl_ssl")
		} else {
			configMap.SetKey("security.protocol", "sasl_plaintext")
		}
		configMap.SetKey("sasl.mechanism", sasl.Mechanism)
		configMap.SetKey("sasl.username", sasl.Username)
		configMap.SetKey("sasl.password", sasl.Password)
	}
}

func getCompressionName(compression Compression) string {
	switch compression {
	case CompressionGZIP:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}

func getOffsetReset(fromBeginning bool) string {
	if fromBeginning {
		return "earliest"
	}
	return "latest"
}
