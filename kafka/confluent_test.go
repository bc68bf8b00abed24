package kafka

import (
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKafkaMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	km := buildKafkaMessage(&Message{
		Topic:     "orders",
		Partition: PartitionAny,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   Headers{"x-message-id": []byte("1")},
		Timestamp: ts,
	})

	require.NotNil(t, km.TopicPartition.Topic)
	assert.Equal(t, "orders", *km.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, km.TopicPartition.Partition)
	assert.Equal(t, ts, km.Timestamp)
	assert.Equal(t, []kafka.Header{{Key: "x-message-id", Value: []byte("1")}}, km.Headers)

	explicit := buildKafkaMessage(&Message{Topic: "orders", Partition: 0})
	assert.Equal(t, int32(0), explicit.TopicPartition.Partition)
	assert.True(t, explicit.Timestamp.IsZero())
}

func TestConvertMessage(t *testing.T) {
	topic := "orders"
	msg := convertMessage(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: 41},
		Key:            []byte("k"),
		Value:          []byte("v"),
		Headers:        []kafka.Header{{Key: "traceparent", Value: []byte("tp")}},
	})

	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, []byte("tp"), msg.Headers["traceparent"])

	bare := convertMessage(&kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic}})
	assert.Nil(t, bare.Headers)
}

func TestKafkaPartitionConversion(t *testing.T) {
	parts := []TopicPartition{
		{Topic: "orders", Partition: 0, Offset: 5},
		{Topic: "orders", Partition: 1, Offset: 9},
	}
	converted := toKafkaPartitions(parts)
	require.Len(t, converted, 2)
	assert.NotSame(t, converted[0].Topic, converted[1].Topic)
	assert.Equal(t, kafka.Offset(9), converted[1].Offset)

	converted = append(converted, kafka.TopicPartition{Partition: 3})
	assert.Equal(t, parts, fromKafkaPartitions(converted), "entries without a topic are dropped")
}

func TestSetSecurity(t *testing.T) {
	tests := []struct {
		name     string
		ssl      bool
		sasl     *SASLConfig
		protocol kafka.ConfigValue
	}{
		{"plaintext", false, nil, nil},
		{"ssl", true, nil, "ssl"},
		{"sasl", false, &SASLConfig{Mechanism: "PLAIN"}, "sasl_plaintext"},
		{"sasl over ssl", true, &SASLConfig{Mechanism: "SCRAM-SHA-256", Username: "u", Password: "p"}, "sasl_ssl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configMap := &kafka.ConfigMap{}
			setSecurity(configMap, tt.ssl, tt.sasl)
			assert.Equal(t, tt.protocol, (*configMap)["security.protocol"])
			if tt.sasl != nil {
				assert.Equal(t, tt.sasl.Mechanism, (*configMap)["sasl.mechanism"])
			}
		})
	}
}

func TestConfluentSettingNames(t *testing.T) {
	assert.Equal(t, "none", getCompressionName(CompressionNone))
	assert.Equal(t, "gzip", getCompressionName(CompressionGZIP))
	assert.Equal(t, "snappy", getCompressionName(CompressionSnappy))
	assert.Equal(t, "lz4", getCompressionName(CompressionLZ4))
	assert.Equal(t, "zstd", getCompressionName(CompressionZSTD))

	assert.Equal(t, "earliest", getOffsetReset(true))
	assert.Equal(t, "latest", getOffsetReset(false))
}

func TestNewClient_RequiresBrokers(t *testing.T) {
	_, err := NewClient()
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "bootstrap.servers", configErr.Key)

	_, err = NewKafkaConsumer(WithGroupID("billing"), WithTopics("orders"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
