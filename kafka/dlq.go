package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// DLQ header names
const (
	HeaderDLQOriginalTopic     = "x-dlq-original-topic"
	HeaderDLQOriginalPartition = "x-dlq-original-partition"
	HeaderDLQOriginalOffset    = "x-dlq-original-offset"
	HeaderDLQTimestamp         = "x-dlq-timestamp"
	HeaderDLQErrorKind         = "x-dlq-error-kind"
	HeaderDLQErrorMessage      = "x-dlq-error-message"
)

// DefaultDLQSendTimeout bounds one dead-letter delivery
var DefaultDLQSendTimeout = 30 * time.Second

// CircuitState represents circuit breaker state
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// DLQService forwards messages the consumer gave up on to a dead-letter
// topic through a Producer
type DLQService struct {
	producer     *Producer
	ownsProducer bool
	config       *DLQConfig
	breaker      *gobreaker.CircuitBreaker
	logger       Logger
	sent         int64 // atomic
	closed       int32 // atomic: 0=open, 1=closed
}

// NewDLQService creates a DLQ service. When ownsProducer is set, Close also
// closes the producer.
func NewDLQService(producer *Producer, ownsProducer bool, config *DLQConfig, logger Logger) (*DLQService, error) {
	if producer == nil {
		return nil, configErrorf("dlq.producer", "required")
	}
	if config == nil || config.Topic == "" {
		return nil, configErrorf("dlq.topic", "required")
	}
	if logger == nil {
		logger = NewDefaultLogger(LogLevelInfo)
	}

	s := &DLQService{
		producer:     producer,
		ownsProducer: ownsProducer,
		config:       config,
		logger:       logger,
	}

	if cb := config.CircuitBreaker; cb != nil {
		threshold := cb.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		halfOpen := cb.SuccessThreshold
		if halfOpen <= 0 {
			halfOpen = 1
		}
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        config.Topic,
			MaxRequests: uint32(halfOpen),
			Timeout:     cb.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("DLQ circuit breaker for %s changed from %s to %s", name, from, to)
			},
		})
	}

	return s, nil
}

// SendToDLQ delivers a copy of msg to the DLQ topic and waits for the
// broker acknowledgement. The original message is not modified.
func (s *DLQService) SendToDLQ(ctx context.Context, msg *Message, cause error) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return fmt.Errorf("DLQ service is closed")
	}

	out := s.deadLetter(msg, cause)

	send := func() (interface{}, error) {
		timeout := s.config.SendTimeout
		if timeout <= 0 {
			timeout = DefaultDLQSendTimeout
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, err := s.producer.Send(sendCtx, out)
		return nil, err
	}

	var err error
	if s.breaker != nil {
		_, err = s.breaker.Execute(send)
	} else {
		_, err = send()
	}
	if err != nil {
		return fmt.Errorf("failed to send to DLQ %s: %w", s.config.Topic, err)
	}

	atomic.AddInt64(&s.sent, 1)
	s.logger.Debug("Message %s[%d]@%d sent to DLQ: %s", msg.Topic, msg.Partition, msg.Offset, s.config.Topic)
	return nil
}

func (s *DLQService) deadLetter(msg *Message, cause error) *Message {
	headers := make(Headers, len(msg.Headers)+6)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderDLQOriginalTopic] = []byte(msg.Topic)
	headers[HeaderDLQOriginalPartition] = []byte(strconv.FormatInt(int64(msg.Partition), 10))
	headers[HeaderDLQOriginalOffset] = []byte(strconv.FormatInt(msg.Offset, 10))
	headers[HeaderDLQTimestamp] = time.Now().AppendFormat(nil, time.RFC3339)

	var decodeErr *DecodeError
	if errors.As(cause, &decodeErr) {
		headers[HeaderDLQErrorKind] = []byte("decode")
	} else {
		headers[HeaderDLQErrorKind] = []byte("processing")
	}
	if s.config.IncludeErrorInfo && cause != nil {
		headers[HeaderDLQErrorMessage] = []byte(cause.Error())
	}

	return &Message{
		Topic:     s.config.Topic,
		Partition: PartitionAny,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
	}
}

// Sent returns the number of messages delivered to the DLQ
func (s *DLQService) Sent() int64 {
	return atomic.LoadInt64(&s.sent)
}

// State returns the circuit breaker state; always closed without a breaker
func (s *DLQService) State() CircuitState {
	if s.breaker == nil {
		return CircuitClosed
	}
	switch s.breaker.State() {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// Close closes the DLQ service and, if owned, its producer
func (s *DLQService) Close() error {
	// Use atomic CAS to ensure only one Close can succeed
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	if s.ownsProducer {
		return s.producer.Close()
	}
	return nil
}
