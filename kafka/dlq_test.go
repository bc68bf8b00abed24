package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQService_DeadLetterHeaders(t *testing.T) {
	b := NewMemoryBroker(1)
	p, _ := newTestProducer(t, b)
	dlq, err := NewDLQService(p, false, &DLQConfig{Topic: "orders.dlq"}, NewNoopLogger())
	require.NoError(t, err)

	original := &Message{
		Topic:     "orders",
		Partition: 3,
		Offset:    17,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   Headers{"trace": []byte("t")},
	}
	cause := &DecodeError{Topic: "orders", Partition: 3, Offset: 17, Err: errBoom}
	require.NoError(t, dlq.SendToDLQ(context.Background(), original, cause))
	assert.Equal(t, int64(1), dlq.Sent())

	assert.Len(t, original.Headers, 1, "the original message is not modified")

	stored := b.Messages("orders.dlq", 0)
	require.Len(t, stored, 1)
	headers := stored[0].Headers
	assert.Equal(t, "t", string(headers["trace"]))
	assert.Equal(t, "orders", string(headers[HeaderDLQOriginalTopic]))
	assert.Equal(t, "3", string(headers[HeaderDLQOriginalPartition]))
	assert.Equal(t, "17", string(headers[HeaderDLQOriginalOffset]))
	assert.Equal(t, "decode", string(headers[HeaderDLQErrorKind]))
	assert.NotContains(t, headers, HeaderDLQErrorMessage)
	_, err = time.Parse(time.RFC3339, string(headers[HeaderDLQTimestamp]))
	assert.NoError(t, err)

	require.NoError(t, dlq.Close())
	assert.Error(t, dlq.SendToDLQ(context.Background(), original, cause))
	assert.NoError(t, p.Flush(time.Second), "a borrowed producer stays open")
}

func TestDLQService_CircuitBreakerOpens(t *testing.T) {
	b := NewMemoryBroker(1)
	b.FailDeliveries(func(*Message) error { return errBoom })
	p, _ := newTestProducer(t, b)

	dlq, err := NewDLQService(p, true, &DLQConfig{
		Topic: "orders.dlq",
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
	}, NewNoopLogger())
	require.NoError(t, err)
	defer dlq.Close()

	msg := &Message{Topic: "orders", Value: []byte("v")}
	for i := 0; i < 2; i++ {
		err := dlq.SendToDLQ(context.Background(), msg, errBoom)
		assert.ErrorIs(t, err, errBoom, "attempt %d", i)
	}
	assert.Equal(t, CircuitOpen, dlq.State())
	assert.Equal(t, "open", dlq.State().String())

	b.FailDeliveries(nil)
	err = dlq.SendToDLQ(context.Background(), msg, errBoom)
	assert.Error(t, err, "an open circuit rejects without sending")
	assert.Empty(t, b.Messages("orders.dlq", 0))
	assert.Zero(t, dlq.Sent())
}

func TestNewDLQService_Validation(t *testing.T) {
	_, err := NewDLQService(nil, false, &DLQConfig{Topic: "t"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	b := NewMemoryBroker(1)
	p, _ := newTestProducer(t, b)
	_, err = NewDLQService(p, false, &DLQConfig{}, nil)
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "dlq.topic", configErr.Key)
}

func TestConsumer_CircuitStateInHealth(t *testing.T) {
	b := NewMemoryBroker(1)
	produce(t, b, "orders", 0, "a")
	b.FailDeliveries(func(msg *Message) error {
		if msg.Topic == "orders.dlq" {
			return errBoom
		}
		return nil
	})
	p, _ := newTestProducer(t, b)

	c := newTestConsumer(t, b, "billing",
		WithFailurePolicy(PolicyDeadLetter),
		WithDLQ(&DLQConfig{
			Topic:          "orders.dlq",
			Producer:       p,
			CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute},
		}),
	)
	c.Handle(func(context.Context, *Message) error { return errBoom })

	require.Error(t, waitRun(t, start(t, c)))
	assert.Equal(t, CircuitOpen, c.CircuitState())

	result := CheckConsumer(c)
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.Equal(t, "open", result.Details["dlqCircuit"])
}
