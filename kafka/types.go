package kafka

import (
	"context"
	"fmt"
	"time"
)

// Headers is a map of header key-value pairs
type Headers map[string][]byte

// Message represents a Kafka message.
//
// A message handed to Producer.Submit must not be modified afterwards; the
// producer and the delivery handler may read it from other goroutines.
type Message struct {
	Topic     string
	Partition int32 // PartitionAny lets the broker pick
	Key       []byte
	Value     []byte
	Headers   Headers
	Offset    int64
	Timestamp time.Time
}

// NewMessage creates a message whose partition is chosen by the producer
// from the key. A Message literal with a zero Partition targets partition 0.
func NewMessage(topic string, key, value []byte) *Message {
	return &Message{
		Topic:     topic,
		Partition: PartitionAny,
		Key:       key,
		Value:     value,
	}
}

// HasPartition reports whether the message targets an explicit partition
func (m *Message) HasPartition() bool {
	return m.Partition != PartitionAny && m.Partition >= 0
}

// size is the record size checked against the transport's maximum
func (m *Message) size() int {
	n := len(m.Key) + len(m.Value)
	for k, v := range m.Headers {
		n += len(k) + len(v)
	}
	return n
}

// PartitionAny represents any partition
const PartitionAny int32 = -1

// OffsetInvalid marks a partition entry that carries no meaningful offset
const OffsetInvalid int64 = -1001

// TopicPartition represents a topic and partition pair.
// Offset is only meaningful where documented (commit requests and confirmations).
type TopicPartition struct {
	Topic     string
	Partition int32
	Offset    int64
}

// key returns the pair without its offset, usable as a map key
func (tp TopicPartition) key() TopicPartition {
	return TopicPartition{Topic: tp.Topic, Partition: tp.Partition}
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Acks configuration for producer acknowledgment
type Acks int

const (
	// AcksNone - No acknowledgment
	AcksNone Acks = 0
	// AcksLeader - Leader acknowledgment only
	AcksLeader Acks = 1
	// AcksAll - All replicas acknowledgment
	AcksAll Acks = -1
)

// Compression types for message compression
type Compression int

const (
	// CompressionNone - No compression
	CompressionNone Compression = 0
	// CompressionGZIP - GZIP compression
	CompressionGZIP Compression = 1
	// CompressionSnappy - Snappy compression
	CompressionSnappy Compression = 2
	// CompressionLZ4 - LZ4 compression
	CompressionLZ4 Compression = 3
	// CompressionZSTD - ZSTD compression
	CompressionZSTD Compression = 4
)

// PartitionAssignor represents partition assignment strategy.
// Only eager strategies are offered: every assignment replaces the previous
// one wholesale.
type PartitionAssignor string

const (
	// AssignorRange assigns partitions based on ranges
	AssignorRange PartitionAssignor = "range"
	// AssignorRoundRobin assigns partitions in round-robin fashion
	AssignorRoundRobin PartitionAssignor = "roundrobin"
)

// CommitMode selects how the commit coordinator talks to the broker
type CommitMode int

const (
	// CommitSync blocks until the broker acknowledges the commit
	CommitSync CommitMode = iota
	// CommitAsync returns immediately; the outcome arrives via OnCommit
	CommitAsync
)

func (m CommitMode) String() string {
	if m == CommitAsync {
		return "async"
	}
	return "sync"
}

// FailurePolicy decides what the consumption loop does with a message whose
// handling failed after all retries.
type FailurePolicy int

const (
	// PolicyHalt stops the loop without committing the failed message
	PolicyHalt FailurePolicy = iota
	// PolicySkip reports the failure and treats the message as resolved
	PolicySkip
	// PolicyDeadLetter forwards the message to the DLQ topic and treats it as
	// resolved once the DLQ delivery succeeds
	PolicyDeadLetter
)

func (p FailurePolicy) String() string {
	switch p {
	case PolicySkip:
		return "skip"
	case PolicyDeadLetter:
		return "dead-letter"
	default:
		return "halt"
	}
}

// RebalanceKind distinguishes rebalance notifications
type RebalanceKind int

const (
	// RebalanceAssigned carries the complete new assignment
	RebalanceAssigned RebalanceKind = iota
	// RebalanceRevoked releases every owned partition
	RebalanceRevoked
	// RebalanceFailed reports a failed rebalance; the assignment is unchanged
	RebalanceFailed
)

func (k RebalanceKind) String() string {
	switch k {
	case RebalanceAssigned:
		return "assigned"
	case RebalanceRevoked:
		return "revoked"
	default:
		return "error"
	}
}

// RebalanceEvent represents a partition rebalance event
type RebalanceEvent struct {
	Kind RebalanceKind
	// Partitions contains the affected topic-partitions
	Partitions []TopicPartition
	// Err is set for RebalanceFailed events
	Err error
}

// DeliveryReport is what a transport hands back for one produced message
type DeliveryReport struct {
	Partition int32
	Offset    int64
	Err       error
}

// CommitConfirmation reports the outcome of a commit request. Offsets holds
// the committed next-offsets; entries without a meaningful offset are
// already filtered out.
type CommitConfirmation struct {
	Offsets []TopicPartition
	Err     error
}

// HealthStatus represents health check status
type HealthStatus string

const (
	// HealthStatusUp indicates the service is healthy
	HealthStatusUp HealthStatus = "UP"
	// HealthStatusDown indicates the service is unhealthy
	HealthStatusDown HealthStatus = "DOWN"
)

// HealthResult represents health check result
type HealthResult struct {
	Status  HealthStatus           `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Error   error                  `json:"error,omitempty"`
}

// LogLevel represents logging level
type LogLevel int

const (
	// LogLevelNone - No logging
	LogLevelNone LogLevel = 0
	// LogLevelError - Error level
	LogLevelError LogLevel = 1
	// LogLevelWarn - Warning level
	LogLevelWarn LogLevel = 2
	// LogLevelInfo - Info level
	LogLevelInfo LogLevel = 3
	// LogLevelDebug - Debug level
	LogLevelDebug LogLevel = 4
)

// Handler types

// MessageHandler handles a single message
type MessageHandler func(ctx context.Context, msg *Message) error

// ErrorHandler is told about every message the loop gives up on
type ErrorHandler func(err error, msg *Message)

// IdempotencyKeyFunc extracts idempotency key from message
type IdempotencyKeyFunc func(msg *Message) string
