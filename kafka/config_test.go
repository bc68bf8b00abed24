package kafka

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyClientOptions(opts []ClientOption) *ClientConfig {
	config := newDefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}
	return config
}

func applyConsumerOptions(opts []ConsumerOption) *ConsumerConfig {
	config := newDefaultConsumerConfig()
	for _, opt := range opts {
		opt(config)
	}
	return config
}

func TestParseConfig(t *testing.T) {
	values, err := ParseConfig([]byte(`
bootstrap.servers: [broker1:9092, broker2:9092]
group.id: billing
enable.auto.commit: false
session.timeout.ms: 45000
sasl.password:
`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"bootstrap.servers":  "broker1:9092,broker2:9092",
		"group.id":           "billing",
		"enable.auto.commit": "false",
		"session.timeout.ms": "45000",
		"sasl.password":      "",
	}, values)

	_, err = ParseConfig([]byte("security:\n  protocol: ssl\n"))
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "security", configErr.Key)

	_, err = ParseConfig([]byte("topics: [unclosed"))
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kafka.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bootstrap.servers: localhost:9092\nacks: all\n"), 0o600))

	values, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9092", values[KeyBootstrapServers])
	assert.Equal(t, "all", values[KeyAcks])

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClientOptionsFromMap(t *testing.T) {
	opts, err := ClientOptionsFromMap(map[string]string{
		KeyBootstrapServers:  "a:9092, b:9092",
		KeyClientID:          "checkout",
		KeyAcks:              "1",
		KeyCompressionType:   "zstd",
		KeyEnableIdempotence: "false",
		KeyMessageMaxBytes:   "2048",
		KeySecurityProtocol:  "sasl_ssl",
		KeySASLMechanisms:    "SCRAM-SHA-512",
		KeySASLUsername:      "svc",
		KeySASLPassword:      "secret",
		KeyGroupID:           "ignored-on-the-producer-side",
	})
	require.NoError(t, err)

	config := applyClientOptions(opts)
	assert.Equal(t, []string{"a:9092", "b:9092"}, config.Brokers)
	assert.Equal(t, "checkout", config.ClientID)
	assert.Equal(t, AcksLeader, config.Acks)
	assert.Equal(t, CompressionZSTD, config.Compression)
	assert.False(t, config.Idempotent)
	assert.Equal(t, 2048, config.MaxMessageBytes)
	assert.True(t, config.SSL)
	require.NotNil(t, config.SASL)
	assert.Equal(t, "SCRAM-SHA-512", config.SASL.Mechanism)
	assert.Equal(t, "svc", config.SASL.Username)
	assert.NoError(t, config.validate())
}

func TestConsumerOptionsFromMap(t *testing.T) {
	opts, err := ConsumerOptionsFromMap(map[string]string{
		KeyBootstrapServers:   "localhost:9092",
		KeyGroupID:            "billing",
		KeyTopics:             "orders, payments",
		KeyEnableAutoCommit:   "false",
		KeyAutoOffsetReset:    "earliest",
		KeySessionTimeoutMs:   "45000",
		KeyAssignmentStrategy: "RoundRobin",
		KeyAcks:               "all",
	})
	require.NoError(t, err)

	config := applyConsumerOptions(opts)
	assert.Equal(t, []string{"localhost:9092"}, config.Brokers)
	assert.Equal(t, "billing", config.GroupID)
	assert.Equal(t, []string{"orders", "payments"}, config.Topics)
	assert.False(t, config.AutoCommit)
	assert.True(t, config.FromBeginning)
	assert.Equal(t, 45*time.Second, config.SessionTimeout)
	assert.Equal(t, AssignorRoundRobin, config.PartitionAssignor)
	assert.False(t, config.SSL)
	assert.Nil(t, config.SASL)
	assert.NoError(t, config.validate())
}

func TestOptionsFromMap_Errors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		key    string
	}{
		{"unknown key", map[string]string{"linger.ms": "5"}, "linger.ms"},
		{"bad acks", map[string]string{KeyAcks: "two"}, KeyAcks},
		{"bad codec", map[string]string{KeyCompressionType: "brotli"}, KeyCompressionType},
		{"bad size", map[string]string{KeyMessageMaxBytes: "-1"}, KeyMessageMaxBytes},
		{"empty brokers", map[string]string{KeyBootstrapServers: " , "}, KeyBootstrapServers},
		{"bad protocol", map[string]string{KeySecurityProtocol: "kerberos"}, KeySecurityProtocol},
		{"sasl without mechanism", map[string]string{KeySecurityProtocol: "sasl_plaintext"}, KeySASLMechanisms},
		{"mechanism without sasl", map[string]string{KeySASLMechanisms: "PLAIN"}, KeySASLMechanisms},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ClientOptionsFromMap(tt.values)
			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tt.key, configErr.Key)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	consumerTests := []struct {
		name   string
		values map[string]string
		key    string
	}{
		{"bad reset", map[string]string{KeyAutoOffsetReset: "middle"}, KeyAutoOffsetReset},
		{"bad bool", map[string]string{KeyEnableAutoCommit: "sometimes"}, KeyEnableAutoCommit},
		{"bad timeout", map[string]string{KeySessionTimeoutMs: "soon"}, KeySessionTimeoutMs},
		{"bad assignor", map[string]string{KeyAssignmentStrategy: "sticky"}, KeyAssignmentStrategy},
		{"empty group", map[string]string{KeyGroupID: ""}, KeyGroupID},
		{"unknown key", map[string]string{"fetch.min.bytes": "1"}, "fetch.min.bytes"},
	}

	for _, tt := range consumerTests {
		t.Run("consumer "+tt.name, func(t *testing.T) {
			_, err := ConsumerOptionsFromMap(tt.values)
			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tt.key, configErr.Key)
		})
	}
}
