package kafka

import (
	"time"
)

// ConsumerConfig holds all consumer configuration
type ConsumerConfig struct {
	// Connection
	Brokers  []string
	GroupID  string
	Topics   []string
	ClientID string

	// SSL/SASL authentication
	SSL  bool
	SASL *SASLConfig

	// Session
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	RebalanceTimeout  time.Duration
	PollInterval      time.Duration

	// Commit settings. With AutoCommit the client library commits on its
	// own schedule and the commit coordinator is not used.
	AutoCommit         bool
	AutoCommitInterval time.Duration
	FromBeginning      bool
	CommitMode         CommitMode
	CommitEvery        int
	CommitInterval     time.Duration
	CommitTimeout      time.Duration

	// Partition assignment
	PartitionAssignor PartitionAssignor

	// Failure handling
	Retry         *RetryConfig
	FailurePolicy FailurePolicy
	DecodePolicy  FailurePolicy
	ErrorHandler  ErrorHandler

	// DLQ
	DLQ *DLQConfig

	// Idempotency
	IdempotencyKey IdempotencyKeyFunc
	IdempotencyTTL time.Duration

	// Flow control; zero FetchRateLimit means unlimited
	FetchRateLimit float64
	FetchBurst     int

	// Notifications
	RebalanceHandler RebalanceHandler
	CommitHandler    CommitHandler
	Observer         Observer

	// Tracing
	Tracing *TracingConfig

	// Logging
	LogLevel LogLevel
	Logger   Logger
}

// DLQConfig holds Dead Letter Queue configuration
type DLQConfig struct {
	Topic            string
	IncludeErrorInfo bool
	SendTimeout      time.Duration
	CircuitBreaker   *CircuitBreakerConfig

	// Producer delivers the dead letters. When nil, consumers built on a
	// network transport create one from their broker settings.
	Producer *Producer
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// ConsumerOption is a function that configures the consumer
type ConsumerOption func(*ConsumerConfig)

// ==================== Consumer Options ====================

// ConsumerWithBrokers sets the Kafka broker addresses for consumer
func ConsumerWithBrokers(brokers ...string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

// ConsumerWithClientID sets the client ID for consumer
func ConsumerWithClientID(clientID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ClientID = clientID
	}
}

// ConsumerWithSSL enables SSL for consumer
func ConsumerWithSSL(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SSL = enabled
	}
}

// ConsumerWithSASL sets SASL authentication for consumer
func ConsumerWithSASL(sasl *SASLConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SASL = sasl
	}
}

// WithGroupID sets the consumer group ID
func WithGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.GroupID = groupID
	}
}

// WithTopics sets the topics to consume
func WithTopics(topics ...string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Topics = topics
	}
}

// WithSessionTimeout sets the session timeout
func WithSessionTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SessionTimeout = timeout
	}
}

// WithHeartbeatInterval sets the heartbeat interval
func WithHeartbeatInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.HeartbeatInterval = interval
	}
}

// WithRebalanceTimeout sets the rebalance timeout
func WithRebalanceTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RebalanceTimeout = timeout
	}
}

// WithPollInterval bounds how long one poll waits for a message
func WithPollInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.PollInterval = interval
	}
}

// WithAutoCommit sets auto commit
func WithAutoCommit(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.AutoCommit = enabled
	}
}

// WithAutoCommitInterval sets auto commit interval
func WithAutoCommitInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.AutoCommitInterval = interval
	}
}

// WithFromBeginning sets whether to start from the beginning
func WithFromBeginning(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.FromBeginning = enabled
	}
}

// WithCommitMode selects synchronous or asynchronous commits
func WithCommitMode(mode CommitMode) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.CommitMode = mode
	}
}

// WithCommitEvery commits after every n resolved messages
func WithCommitEvery(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.CommitEvery = n
	}
}

// WithCommitInterval also commits on a timer while the loop runs
func WithCommitInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.CommitInterval = interval
	}
}

// WithCommitTimeout bounds the synchronous commits made while partitions
// are released or the consumer shuts down
func WithCommitTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.CommitTimeout = timeout
	}
}

// WithPartitionAssignor sets the partition assignment strategy
func WithPartitionAssignor(assignor PartitionAssignor) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.PartitionAssignor = assignor
	}
}

// WithConsumerRetry sets consumer retry configuration
func WithConsumerRetry(retry *RetryConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Retry = retry
	}
}

// WithFailurePolicy decides what happens to a message whose handler failed
func WithFailurePolicy(policy FailurePolicy) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.FailurePolicy = policy
	}
}

// WithDecodePolicy decides what happens to a message that could not be decoded
func WithDecodePolicy(policy FailurePolicy) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.DecodePolicy = policy
	}
}

// WithErrorHandler sets the error handler
func WithErrorHandler(handler ErrorHandler) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ErrorHandler = handler
	}
}

// WithDLQ sets DLQ configuration
func WithDLQ(dlq *DLQConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.DLQ = dlq
	}
}

// WithIdempotencyKey sets the idempotency key extractor
func WithIdempotencyKey(fn IdempotencyKeyFunc) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.IdempotencyKey = fn
	}
}

// WithIdempotencyTTL sets the idempotency TTL
func WithIdempotencyTTL(ttl time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.IdempotencyTTL = ttl
	}
}

// WithFetchRateLimit caps fetched messages per second
func WithFetchRateLimit(perSecond float64, burst int) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.FetchRateLimit = perSecond
		c.FetchBurst = burst
	}
}

// WithRebalanceHandler is notified after every applied rebalance event
func WithRebalanceHandler(handler RebalanceHandler) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RebalanceHandler = handler
	}
}

// WithCommitHandler receives every commit confirmation
func WithCommitHandler(handler CommitHandler) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.CommitHandler = handler
	}
}

// WithHandler sets both the rebalance and commit handlers
func WithHandler(handler Handler) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RebalanceHandler = handler
		c.CommitHandler = handler
	}
}

// ConsumerWithObserver sets the metrics observer for consumer
func ConsumerWithObserver(observer Observer) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Observer = observer
	}
}

// ConsumerWithTracing sets tracing configuration for consumer
func ConsumerWithTracing(tracing *TracingConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Tracing = tracing
	}
}

// ConsumerWithLogLevel sets the log level for consumer
func ConsumerWithLogLevel(level LogLevel) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.LogLevel = level
	}
}

// ConsumerWithLogger sets a custom logger for consumer
func ConsumerWithLogger(logger Logger) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Logger = logger
	}
}

// newDefaultConsumerConfig creates a new consumer config with default values
func newDefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		SessionTimeout:     DefaultSessionTimeout,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		RebalanceTimeout:   DefaultRebalanceTimeout,
		PollInterval:       DefaultPollInterval,
		IdempotencyTTL:     DefaultIdempotencyTTL,
		AutoCommit:         false,
		AutoCommitInterval: DefaultAutoCommitInterval,
		CommitMode:         CommitSync,
		CommitEvery:        DefaultCommitEvery,
		CommitTimeout:      DefaultCloseTimeout,
		PartitionAssignor:  AssignorRange,
		FailurePolicy:      PolicyHalt,
		DecodePolicy:       PolicyHalt,
		LogLevel:           LogLevelInfo,
	}
}

// validate checks settings shared by every transport
func (c *ConsumerConfig) validate() error {
	if c.GroupID == "" {
		return configErrorf("group.id", "required")
	}
	if len(c.Topics) == 0 {
		return configErrorf("topics", "at least one topic is required")
	}
	switch c.PartitionAssignor {
	case AssignorRange, AssignorRoundRobin:
	default:
		return configErrorf("partition.assignment.strategy", "unsupported assignor %q", c.PartitionAssignor)
	}
	if c.CommitEvery < 1 {
		return configErrorf("commit.every", "must be at least 1, got %d", c.CommitEvery)
	}
	if c.CommitInterval < 0 {
		return configErrorf("commit.interval", "must not be negative, got %s", c.CommitInterval)
	}
	if c.PollInterval <= 0 {
		return configErrorf("poll.interval", "must be positive, got %s", c.PollInterval)
	}
	if c.FetchRateLimit < 0 {
		return configErrorf("fetch.rate.limit", "must not be negative, got %v", c.FetchRateLimit)
	}
	if c.SASL != nil && c.SASL.Mechanism == "" {
		return configErrorf("sasl.mechanisms", "required when SASL is configured")
	}
	if c.FailurePolicy == PolicyDeadLetter || c.DecodePolicy == PolicyDeadLetter {
		if c.DLQ == nil || c.DLQ.Topic == "" {
			return configErrorf("dlq.topic", "required by the dead-letter policy")
		}
	}
	return nil
}
