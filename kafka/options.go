package kafka

import (
	"time"

	"github.com/google/uuid"
)

// ClientConfig holds all producer configuration
type ClientConfig struct {
	// Connection
	Brokers           []string
	ClientID          string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration

	// SSL/SASL
	SSL  bool
	SASL *SASLConfig

	// Producer settings
	Acks            Acks
	Compression     Compression
	Idempotent      bool
	MaxMessageBytes int
	CloseTimeout    time.Duration

	// MessageIDHeader, when set, stamps every submitted message with a
	// random UUID under this header name
	MessageIDHeader string

	// Notifications
	DeliveryHandler DeliveryHandler
	Observer        Observer

	// Logging
	LogLevel LogLevel
	Logger   Logger

	// Tracing
	Tracing *TracingConfig
}

// SASLConfig holds SASL authentication configuration
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// RetryConfig holds retry configuration for message processing
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled       bool
	TracerName    string
	TracerVersion string
}

// ClientOption is a function that configures the producer
type ClientOption func(*ClientConfig)

// Default values
var (
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultSessionTimeout       = 30 * time.Second
	DefaultHeartbeatInterval    = 3 * time.Second
	DefaultRebalanceTimeout     = 60 * time.Second
	DefaultCloseTimeout         = 10 * time.Second
	DefaultPollInterval         = 100 * time.Millisecond
	DefaultMaxMessageBytes      = 1000000
	DefaultIdempotencyTTL       = 1 * time.Hour
	DefaultAutoCommitInterval   = 5 * time.Second
	DefaultCommitEvery          = 1
	DefaultRetryMaxRetries      = 3
	DefaultRetryInitialInterval = 1 * time.Second
	DefaultRetryMaxInterval     = 30 * time.Second
	DefaultRetryMultiplier      = 2.0
)

// ==================== Client Options ====================

// WithBrokers sets the Kafka broker addresses
func WithBrokers(brokers ...string) ClientOption {
	return func(c *ClientConfig) {
		c.Brokers = brokers
	}
}

// WithClientID sets the client ID
func WithClientID(clientID string) ClientOption {
	return func(c *ClientConfig) {
		c.ClientID = clientID
	}
}

// WithConnectionTimeout sets the connection timeout
func WithConnectionTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.ConnectionTimeout = timeout
	}
}

// WithRequestTimeout sets the request timeout
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.RequestTimeout = timeout
	}
}

// WithSSL enables SSL
func WithSSL(enabled bool) ClientOption {
	return func(c *ClientConfig) {
		c.SSL = enabled
	}
}

// WithSASL sets SASL authentication
func WithSASL(sasl *SASLConfig) ClientOption {
	return func(c *ClientConfig) {
		c.SASL = sasl
	}
}

// WithAcks sets the acknowledgment level
func WithAcks(acks Acks) ClientOption {
	return func(c *ClientConfig) {
		c.Acks = acks
	}
}

// WithCompression sets the compression type
func WithCompression(compression Compression) ClientOption {
	return func(c *ClientConfig) {
		c.Compression = compression
	}
}

// WithIdempotent enables idempotent producer
func WithIdempotent(enabled bool) ClientOption {
	return func(c *ClientConfig) {
		c.Idempotent = enabled
	}
}

// WithMaxMessageBytes bounds the size of a single record; larger messages
// are rejected by Submit
func WithMaxMessageBytes(n int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxMessageBytes = n
	}
}

// WithCloseTimeout bounds how long Close drains in-flight messages
func WithCloseTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.CloseTimeout = timeout
	}
}

// WithMessageIDHeader stamps each message with a UUID under the given header
func WithMessageIDHeader(name string) ClientOption {
	return func(c *ClientConfig) {
		c.MessageIDHeader = name
	}
}

// WithDeliveryHandler sets the handler receiving delivery outcomes
func WithDeliveryHandler(handler DeliveryHandler) ClientOption {
	return func(c *ClientConfig) {
		c.DeliveryHandler = handler
	}
}

// WithObserver sets the metrics observer
func WithObserver(observer Observer) ClientOption {
	return func(c *ClientConfig) {
		c.Observer = observer
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level LogLevel) ClientOption {
	return func(c *ClientConfig) {
		c.LogLevel = level
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithTracing sets tracing configuration
func WithTracing(tracing *TracingConfig) ClientOption {
	return func(c *ClientConfig) {
		c.Tracing = tracing
	}
}

// ==================== Default Configs ====================

// newDefaultClientConfig creates a new client config with default values
func newDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ConnectionTimeout: DefaultConnectionTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		Acks:              AcksAll,
		Compression:       CompressionNone,
		MaxMessageBytes:   DefaultMaxMessageBytes,
		CloseTimeout:      DefaultCloseTimeout,
		LogLevel:          LogLevelInfo,
	}
}

// validate checks the settings every transport needs
func (c *ClientConfig) validate() error {
	if c.MaxMessageBytes < 0 {
		return configErrorf("message.max.bytes", "must not be negative, got %d", c.MaxMessageBytes)
	}
	if c.CloseTimeout < 0 {
		return configErrorf("close.timeout", "must not be negative, got %s", c.CloseTimeout)
	}
	if c.SASL != nil && c.SASL.Mechanism == "" {
		return configErrorf("sasl.mechanisms", "required when SASL is configured")
	}
	return nil
}

// newClientID generates a client ID for clients configured without one
func newClientID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
