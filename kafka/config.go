package kafka

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flat configuration keys understood by ClientOptionsFromMap and
// ConsumerOptionsFromMap
const (
	KeyBootstrapServers   = "bootstrap.servers"
	KeyClientID           = "client.id"
	KeyGroupID            = "group.id"
	KeyEnableAutoCommit   = "enable.auto.commit"
	KeyAutoOffsetReset    = "auto.offset.reset"
	KeySecurityProtocol   = "security.protocol"
	KeySASLMechanisms     = "sasl.mechanisms"
	KeySASLUsername       = "sasl.username"
	KeySASLPassword       = "sasl.password"
	KeyMessageMaxBytes    = "message.max.bytes"
	KeyTopics             = "topics"
	KeyAcks               = "acks"
	KeyCompressionType    = "compression.type"
	KeyEnableIdempotence  = "enable.idempotence"
	KeySessionTimeoutMs   = "session.timeout.ms"
	KeyAssignmentStrategy = "partition.assignment.strategy"
)

var (
	sharedKeys = map[string]bool{
		KeyBootstrapServers: true,
		KeyClientID:         true,
		KeySecurityProtocol: true,
		KeySASLMechanisms:   true,
		KeySASLUsername:     true,
		KeySASLPassword:     true,
	}
	producerKeys = map[string]bool{
		KeyMessageMaxBytes:   true,
		KeyAcks:              true,
		KeyCompressionType:   true,
		KeyEnableIdempotence: true,
	}
	consumerKeys = map[string]bool{
		KeyGroupID:            true,
		KeyEnableAutoCommit:   true,
		KeyAutoOffsetReset:    true,
		KeyTopics:             true,
		KeySessionTimeoutMs:   true,
		KeyAssignmentStrategy: true,
	}
)

// LoadConfigFile reads a flat YAML document of key/value pairs. Lists are
// joined with commas so that
//
//	bootstrap.servers: [broker1:9092, broker2:9092]
//
// and "broker1:9092,broker2:9092" are equivalent.
func LoadConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a flat YAML document, see LoadConfigFile
func ParseConfig(data []byte) (map[string]string, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	values := make(map[string]string, len(raw))
	for key, v := range raw {
		switch val := v.(type) {
		case nil:
			values[key] = ""
		case []interface{}:
			items := make([]string, 0, len(val))
			for _, item := range val {
				items = append(items, fmt.Sprint(item))
			}
			values[key] = strings.Join(items, ",")
		case map[string]interface{}:
			return nil, configErrorf(key, "nested values are not supported")
		default:
			values[key] = fmt.Sprint(val)
		}
	}
	return values, nil
}

// ClientOptionsFromMap converts flat producer settings into options.
// Consumer-only keys are ignored so one file can serve both sides; any
// other unknown key is a *ConfigError.
func ClientOptionsFromMap(values map[string]string) ([]ClientOption, error) {
	var opts []ClientOption

	security, err := securityFromMap(values)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithSSL(security.ssl), WithSASL(security.sasl))

	for key, value := range values {
		switch key {
		case KeyBootstrapServers:
			brokers := splitList(value)
			if len(brokers) == 0 {
				return nil, configErrorf(key, "at least one broker is required")
			}
			opts = append(opts, WithBrokers(brokers...))
		case KeyClientID:
			opts = append(opts, WithClientID(value))
		case KeyMessageMaxBytes:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, configErrorf(key, "expected a non-negative integer, got %q", value)
			}
			opts = append(opts, WithMaxMessageBytes(n))
		case KeyAcks:
			acks, err := parseAcks(value)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithAcks(acks))
		case KeyCompressionType:
			compression, err := parseCompression(value)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithCompression(compression))
		case KeyEnableIdempotence:
			enabled, err := parseBool(key, value)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithIdempotent(enabled))
		default:
			if !sharedKeys[key] && !consumerKeys[key] {
				return nil, configErrorf(key, "unknown key")
			}
		}
	}
	return opts, nil
}

// ConsumerOptionsFromMap converts flat consumer settings into options.
// Producer-only keys are ignored; any other unknown key is a *ConfigError.
func ConsumerOptionsFromMap(values map[string]string) ([]ConsumerOption, error) {
	var opts []ConsumerOption

	security, err := securityFromMap(values)
	if err != nil {
		return nil, err
	}
	opts = append(opts, ConsumerWithSSL(security.ssl), ConsumerWithSASL(security.sasl))

	for key, value := range values {
		switch key {
		case KeyBootstrapServers:
			brokers := splitList(value)
			if len(brokers) == 0 {
				return nil, configErrorf(key, "at least one broker is required")
			}
			opts = append(opts, ConsumerWithBrokers(brokers...))
		case KeyClientID:
			opts = append(opts, ConsumerWithClientID(value))
		case KeyGroupID:
			if value == "" {
				return nil, configErrorf(key, "must not be empty")
			}
			opts = append(opts, WithGroupID(value))
		case KeyTopics:
			topics := splitList(value)
			if len(topics) == 0 {
				return nil, configErrorf(key, "at least one topic is required")
			}
			opts = append(opts, WithTopics(topics...))
		case KeyEnableAutoCommit:
			enabled, err := parseBool(key, value)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithAutoCommit(enabled))
		case KeyAutoOffsetReset:
			switch strings.ToLower(value) {
			case "earliest", "smallest", "beginning":
				opts = append(opts, WithFromBeginning(true))
			case "latest", "largest", "end":
				opts = append(opts, WithFromBeginning(false))
			default:
				return nil, configErrorf(key, "expected earliest or latest, got %q", value)
			}
		case KeySessionTimeoutMs:
			d, err := parseMillis(key, value)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithSessionTimeout(d))
		case KeyAssignmentStrategy:
			assignor := PartitionAssignor(strings.ToLower(value))
			if assignor != AssignorRange && assignor != AssignorRoundRobin {
				return nil, configErrorf(key, "unsupported assignor %q", value)
			}
			opts = append(opts, WithPartitionAssignor(assignor))
		default:
			if !sharedKeys[key] && !producerKeys[key] {
				return nil, configErrorf(key, "unknown key")
			}
		}
	}
	return opts, nil
}

type securitySettings struct {
	ssl  bool
	sasl *SASLConfig
}

// securityFromMap resolves security.protocol together with the sasl.* keys
func securityFromMap(values map[string]string) (securitySettings, error) {
	var settings securitySettings
	protocol := strings.ToLower(values[KeySecurityProtocol])

	useSASL := false
	switch protocol {
	case "", "plaintext":
	case "ssl":
		settings.ssl = true
	case "sasl_plaintext":
		useSASL = true
	case "sasl_ssl":
		settings.ssl = true
		useSASL = true
	default:
		return settings, configErrorf(KeySecurityProtocol, "unsupported protocol %q", values[KeySecurityProtocol])
	}

	mechanism := values[KeySASLMechanisms]
	if !useSASL {
		if mechanism != "" {
			return settings, configErrorf(KeySASLMechanisms, "set but security.protocol %q does not use SASL", protocol)
		}
		return settings, nil
	}

	if mechanism == "" {
		return settings, configErrorf(KeySASLMechanisms, "required by security.protocol %q", protocol)
	}
	settings.sasl = &SASLConfig{
		Mechanism: mechanism,
		Username:  values[KeySASLUsername],
		Password:  values[KeySASLPassword],
	}
	return settings, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, configErrorf(key, "expected true or false, got %q", value)
	}
	return b, nil
}

func parseMillis(key, value string) (time.Duration, error) {
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return 0, configErrorf(key, "expected milliseconds, got %q", value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseAcks(value string) (Acks, error) {
	switch strings.ToLower(value) {
	case "all", "-1":
		return AcksAll, nil
	case "1":
		return AcksLeader, nil
	case "0":
		return AcksNone, nil
	default:
		return 0, configErrorf(KeyAcks, "expected all, 1 or 0, got %q", value)
	}
}

func parseCompression(value string) (Compression, error) {
	switch strings.ToLower(value) {
	case "none", "":
		return CompressionNone, nil
	case "gzip":
		return CompressionGZIP, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, configErrorf(KeyCompressionType, "unsupported codec %q", value)
	}
}
