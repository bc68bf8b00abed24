package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Consumer runs the consumption loop: it pulls messages from a transport,
// checks partition ownership, hands each message to the MessageHandler and
// records successfully handled offsets for commit. Messages are processed
// one at a time, so per-partition order is preserved.
type Consumer struct {
	transport ConsumerTransport
	config    *ConsumerConfig
	monitor   *AssignmentMonitor
	committer *CommitCoordinator // nil with auto commit
	tracer    *TracingService
	observer  Observer
	logger    Logger
	limiter   *rate.Limiter

	messageHandler MessageHandler

	// Idempotency
	idempotencyStore *IdempotencyStore

	// DLQ
	dlqService *DLQService

	// State - using atomic for hot path operations
	started int32 // atomic: Run may only be entered once
	running int32 // atomic: 0=stopped, 1=running
	paused  int32 // atomic: 0=running, 1=paused
	closed  int32 // atomic: 0=open, 1=closed

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{} // closed when Run returns

	mu          sync.Mutex
	haltErr     error
	sinceCommit int // loop goroutine only
}

// NewConsumer creates a consumer on top of an existing transport. A DLQ
// needs an explicit DLQConfig.Producer here.
func NewConsumer(transport ConsumerTransport, opts ...ConsumerOption) (*Consumer, error) {
	config := newDefaultConsumerConfig()
	for _, opt := range opts {
		opt(config)
	}
	return newConsumer(transport, config, nil)
}

// dlqProducerFactory builds a producer for dead letters from consumer settings
type dlqProducerFactory func(config *ConsumerConfig) (*Producer, error)

func newConsumer(transport ConsumerTransport, config *ConsumerConfig, newDLQProducer dlqProducerFactory) (*Consumer, error) {
	if transport == nil {
		return nil, configErrorf("transport", "required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger(config.LogLevel)
	}
	observer := config.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	c := &Consumer{
		transport: transport,
		config:    config,
		observer:  observer,
		logger:    logger,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.monitor = NewAssignmentMonitor(config.GroupID, config.RebalanceHandler, observer, logger)

	// Initialize tracing if enabled
	if config.Tracing != nil && config.Tracing.Enabled {
		c.tracer = NewTracingService(config.Tracing)
	}

	if !config.AutoCommit {
		c.committer = NewCommitCoordinator(transport, config.GroupID, c.monitor.Owns, config.CommitHandler, observer, logger)
		c.committer.tracer = c.tracer
		c.monitor.OnRelease(c.releasePartitions)
	}

	if config.FetchRateLimit > 0 {
		burst := config.FetchBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.FetchRateLimit), burst)
	}

	// Initialize idempotency store if configured
	if config.IdempotencyKey != nil {
		c.idempotencyStore = NewIdempotencyStore(config.IdempotencyTTL)
	}

	// Initialize DLQ service if configured
	if config.DLQ != nil {
		producer := config.DLQ.Producer
		owned := false
		if producer == nil && newDLQProducer != nil {
			var err error
			if producer, err = newDLQProducer(config); err != nil {
				c.closeResources()
				return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
			}
			owned = true
		}
		dlq, err := NewDLQService(producer, owned, config.DLQ, logger)
		if err != nil {
			c.closeResources()
			return nil, err
		}
		c.dlqService = dlq
	}

	return c, nil
}

// Handle registers the handler for single messages
func (c *Consumer) Handle(handler MessageHandler) {
	c.messageHandler = handler
}

// Run subscribes and consumes until ctx is done, Stop is called, or a
// message fails under PolicyHalt, in which case the *ProcessingError or
// *DecodeError is returned. Pending offsets are committed synchronously on
// the way out. Run may be called only once per Consumer.
func (c *Consumer) Run(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	if c.messageHandler == nil {
		return ErrNoHandler
	}
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		if atomic.LoadInt32(&c.running) == 1 {
			return ErrAlreadyRunning
		}
		return ErrStopped
	}
	atomic.StoreInt32(&c.running, 1)
	defer func() {
		atomic.StoreInt32(&c.running, 0)
		close(c.done)
	}()

	if err := c.transport.Subscribe(c.config.Topics, c.onRebalance); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	c.logger.Info("Consumer %s subscribed to %v", c.config.GroupID, c.config.Topics)

	err := c.loop(ctx)
	if err != nil && ctx.Err() == nil {
		c.setHalt(err)
	}

	c.commitOnExit()
	return err
}

func (c *Consumer) loop(ctx context.Context) error {
	var tick <-chan time.Time
	if c.committer != nil && c.config.CommitInterval > 0 {
		ticker := time.NewTicker(c.config.CommitInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case <-tick:
			c.commit(ctx)
			continue
		default:
		}

		// Fast path: check paused state with atomic load (no lock)
		if atomic.LoadInt32(&c.paused) == 1 {
			c.wait(ctx, c.config.PollInterval)
			continue
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				continue
			}
		}

		msg, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Error reading message: %v", err)
			}
			continue
		}
		if msg == nil {
			continue
		}
		if !c.awaitResume(ctx) {
			// The held message stays unprocessed and uncommitted
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		resolved, err := c.consume(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if resolved {
			c.maybeCommit(ctx)
		}
	}
}

// awaitResume holds a message fetched while Pause took effect until Resume.
// It returns false when the loop is told to stop first.
func (c *Consumer) awaitResume(ctx context.Context) bool {
	for atomic.LoadInt32(&c.paused) == 1 {
		c.wait(ctx, c.config.PollInterval)
		if ctx.Err() != nil || c.stopped() {
			return false
		}
	}
	return true
}

func (c *Consumer) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// poll waits at most one poll interval so the stop signal is checked
// between pulls
func (c *Consumer) poll(ctx context.Context) (*Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.config.PollInterval)
	defer cancel()
	return c.transport.Poll(pollCtx)
}

// consume handles one message under the shared side of the assignment
// fence. It reports whether the message was resolved.
func (c *Consumer) consume(ctx context.Context, msg *Message) (bool, error) {
	c.monitor.acquire()
	defer c.monitor.release()

	tp := TopicPartition{Topic: msg.Topic, Partition: msg.Partition}
	if !c.monitor.Owns(tp) {
		c.logger.Debug("Dropping message from unowned partition %s at offset %d", tp, msg.Offset)
		c.observer.RecordProcessed(msg.Topic, OutcomeNotOwned)
		return false, nil
	}

	outcome, err := c.processMessage(ctx, msg)
	c.observer.RecordProcessed(msg.Topic, outcome)
	if err != nil {
		return false, err
	}

	if c.committer != nil {
		c.committer.RecordProcessed(msg.Topic, msg.Partition, msg.Offset)
	}
	return true, nil
}

// processMessage processes a single message and returns its outcome. A
// non-nil error means the loop must halt.
func (c *Consumer) processMessage(ctx context.Context, msg *Message) (string, error) {
	// Check idempotency BEFORE processing
	var idempotencyKey string
	if c.idempotencyStore != nil {
		idempotencyKey = c.config.IdempotencyKey(msg)
		if idempotencyKey != "" && c.idempotencyStore.IsDuplicate(idempotencyKey) {
			c.logger.Debug("Skipping duplicate message with key: %s", idempotencyKey)
			return OutcomeDuplicate, nil
		}
	}

	// Start tracing span
	var endSpan func(error)
	if c.tracer != nil {
		ctx, endSpan = c.tracer.StartConsumerSpan(ctx, c.config.GroupID, msg)
	}

	err := c.executeWithRetry(ctx, msg)
	if endSpan != nil {
		endSpan(err)
	}

	if err == nil {
		// Only mark as processed on SUCCESS
		if idempotencyKey != "" {
			c.idempotencyStore.Add(idempotencyKey)
		}
		return OutcomeSuccess, nil
	}

	if ctx.Err() != nil {
		return OutcomeFailed, ctx.Err()
	}
	return c.handleFailure(ctx, msg, wrapHandlerError(msg, err))
}

// executeWithRetry executes the handler with retry logic. Decode errors
// are never retried.
func (c *Consumer) executeWithRetry(ctx context.Context, msg *Message) error {
	if c.config.Retry == nil {
		return c.messageHandler(ctx, msg)
	}

	maxRetries := DefaultRetryMaxRetries
	initialInterval := DefaultRetryInitialInterval
	maxInterval := DefaultRetryMaxInterval
	multiplier := DefaultRetryMultiplier

	if c.config.Retry.MaxRetries > 0 {
		maxRetries = c.config.Retry.MaxRetries
	}
	if c.config.Retry.InitialInterval > 0 {
		initialInterval = c.config.Retry.InitialInterval
	}
	if c.config.Retry.MaxInterval > 0 {
		maxInterval = c.config.Retry.MaxInterval
	}
	if c.config.Retry.Multiplier > 0 {
		multiplier = c.config.Retry.Multiplier
	}

	var lastErr error
	delay := initialInterval

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.messageHandler(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return err
		}

		if attempt < maxRetries {
			c.logger.Debug("Retrying message (attempt %d/%d): %v", attempt+1, maxRetries, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * multiplier)
			if delay > maxInterval {
				delay = maxInterval
			}
		}
	}

	return lastErr
}

// handleFailure applies the configured policy to a message whose handling
// failed for good
func (c *Consumer) handleFailure(ctx context.Context, msg *Message, err error) (string, error) {
	policy := c.config.FailurePolicy
	outcome := OutcomeFailed

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		policy = c.config.DecodePolicy
		outcome = OutcomeDecodeError
	}

	// Call error handler if set
	if c.config.ErrorHandler != nil {
		c.config.ErrorHandler(err, msg)
	}

	switch policy {
	case PolicySkip:
		c.logger.Warn("Skipping message %s[%d]@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return OutcomeSkipped, nil

	case PolicyDeadLetter:
		if dlqErr := c.dlqService.SendToDLQ(ctx, msg, err); dlqErr != nil {
			c.logger.Error("Failed to send to DLQ: %v", dlqErr)
			return outcome, errors.Join(err, dlqErr)
		}
		return OutcomeDeadLetter, nil

	default:
		c.logger.Error("Halting on message %s[%d]@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return outcome, err
	}
}

func (c *Consumer) maybeCommit(ctx context.Context) {
	if c.committer == nil {
		return
	}
	c.sinceCommit++
	if c.sinceCommit >= c.config.CommitEvery {
		c.commit(ctx)
	}
}

// commit failures are reported by the coordinator; the loop carries on and
// the next commit covers the same offsets
func (c *Consumer) commit(ctx context.Context) {
	if c.committer == nil {
		return
	}
	c.sinceCommit = 0
	if err := c.committer.Commit(ctx, c.config.CommitMode); err != nil {
		c.logger.Warn("Commit failed, will be covered by the next commit: %v", err)
	}
}

func (c *Consumer) commitOnExit() {
	if c.committer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.CommitTimeout)
	defer cancel()
	if err := c.committer.CommitAll(ctx); err != nil {
		c.logger.Warn("Failed to commit offsets on shutdown: %v", err)
	}
}

// onRebalance runs on whichever goroutine the transport delivers rebalance
// events on
func (c *Consumer) onRebalance(event RebalanceEvent) {
	_ = c.monitor.Handle(event)
}

// releasePartitions commits what was processed on partitions that are about
// to be given up, then drops their commit state
func (c *Consumer) releasePartitions(parts []TopicPartition) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.CommitTimeout)
	defer cancel()
	if err := c.committer.CommitPartitions(ctx, parts); err != nil {
		c.logger.Warn("Failed to commit offsets during rebalance: %v", err)
	}
	c.committer.Forget(parts)
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	case <-timer.C:
	}
}

func (c *Consumer) setHalt(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltErr = err
}

// Err returns the error that halted the loop, if any
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haltErr
}

// Stop asks the loop to return after the message in progress
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Done is closed once Run has returned
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Close stops the loop and waits, at most until ctx is done, for it to
// commit and return. It then leaves the group by closing the transport;
// that step is bounded by the transport's own timeouts, not by ctx.
func (c *Consumer) Close(ctx context.Context) error {
	// Use atomic CAS to ensure only one Close can succeed
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.Stop()

	if atomic.LoadInt32(&c.started) == 1 {
		select {
		case <-c.done:
		case <-ctx.Done():
			c.logger.Warn("Consumer loop did not stop before close deadline: %v", ctx.Err())
		}
	}

	errs := c.closeResources()
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Consumer) closeResources() []error {
	var errs []error
	if c.dlqService != nil {
		if err := c.dlqService.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.idempotencyStore != nil {
		c.idempotencyStore.Close()
	}
	return errs
}

// Pause pauses consumption
func (c *Consumer) Pause() {
	atomic.StoreInt32(&c.paused, 1)
}

// Resume resumes consumption
func (c *Consumer) Resume() {
	atomic.StoreInt32(&c.paused, 0)
}

// IsPaused reports whether consumption is paused
func (c *Consumer) IsPaused() bool {
	return atomic.LoadInt32(&c.paused) == 1
}

// IsRunning reports whether the loop is running
func (c *Consumer) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// Commit commits processed offsets of owned partitions now. It fails with
// ErrAutoCommitEnabled when the client library manages commits.
func (c *Consumer) Commit(ctx context.Context, mode CommitMode) error {
	if c.committer == nil {
		return ErrAutoCommitEnabled
	}
	return c.committer.Commit(ctx, mode)
}

// CommitPoint returns the next offset to commit per partition
func (c *Consumer) CommitPoint() map[TopicPartition]int64 {
	if c.committer == nil {
		return map[TopicPartition]int64{}
	}
	return c.committer.CommitPoint()
}

// Committed returns the offsets the broker acknowledged
func (c *Consumer) Committed() map[TopicPartition]int64 {
	if c.committer == nil {
		return map[TopicPartition]int64{}
	}
	return c.committer.Committed()
}

// Assignment returns the partitions currently owned
func (c *Consumer) Assignment() *Assignment {
	return c.monitor.Assignment()
}

// Monitor exposes the assignment monitor
func (c *Consumer) Monitor() *AssignmentMonitor {
	return c.monitor
}

// GroupID returns the consumer group
func (c *Consumer) GroupID() string {
	return c.config.GroupID
}

// CircuitState returns the DLQ circuit breaker state
func (c *Consumer) CircuitState() CircuitState {
	if c.dlqService == nil {
		return CircuitClosed
	}
	return c.dlqService.State()
}
