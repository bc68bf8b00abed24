package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Producer accepts outbound messages, hands them to a transport and reports
// exactly one DeliveryOutcome per accepted message through its
// DeliveryTracker.
type Producer struct {
	transport ProducerTransport
	config    *ClientConfig
	tracker   *DeliveryTracker
	tracer    *TracingService
	logger    Logger
	maxBytes  int
	closed    int32 // atomic: 0=open, 1=closed

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pending
	drained chan struct{} // closed whenever pending is empty
}

// NewProducer creates a producer on top of an existing transport
func NewProducer(transport ProducerTransport, opts ...ClientOption) (*Producer, error) {
	config := newDefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}
	return newProducer(transport, config)
}

func newProducer(transport ProducerTransport, config *ClientConfig) (*Producer, error) {
	if transport == nil {
		return nil, configErrorf("transport", "required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger(config.LogLevel)
	}

	maxBytes := config.MaxMessageBytes
	if limit := transport.MaxMessageBytes(); limit > 0 && (maxBytes == 0 || limit < maxBytes) {
		maxBytes = limit
	}

	drained := make(chan struct{})
	close(drained)

	p := &Producer{
		transport: transport,
		config:    config,
		tracker:   NewDeliveryTracker(config.DeliveryHandler, config.Observer),
		logger:    logger,
		maxBytes:  maxBytes,
		pending:   make(map[uint64]*pending),
		drained:   drained,
	}

	if config.Tracing != nil && config.Tracing.Enabled {
		p.tracer = NewTracingService(config.Tracing)
	}

	return p, nil
}

// Submit enqueues a message for asynchronous transmission and returns
// without waiting for the broker. The outcome is reported later on the
// delivery handler. Oversized messages are rejected here with
// ErrMessageTooLarge and produce no outcome.
func (p *Producer) Submit(msg *Message) error {
	return p.submit(context.Background(), msg, nil)
}

// SubmitContext is Submit with a parent context for the producer span
func (p *Producer) SubmitContext(ctx context.Context, msg *Message) error {
	return p.submit(ctx, msg, nil)
}

// Send submits a message and waits for its outcome
func (p *Producer) Send(ctx context.Context, msg *Message) (DeliveryOutcome, error) {
	done := make(chan DeliveryOutcome, 1)
	if err := p.submit(ctx, msg, func(o DeliveryOutcome) { done <- o }); err != nil {
		return DeliveryOutcome{Message: msg, Offset: OffsetInvalid, Err: err}, err
	}

	select {
	case outcome := <-done:
		return outcome, outcome.Err
	case <-ctx.Done():
		return DeliveryOutcome{Message: msg, Offset: OffsetInvalid, Err: ctx.Err()}, ctx.Err()
	}
}

// SendBatch submits all messages and waits for every outcome. The returned
// error joins the submit and delivery failures.
func (p *Producer) SendBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	done := make(chan DeliveryOutcome, len(msgs))
	var errs []error
	submitted := 0
	for _, msg := range msgs {
		if err := p.submit(ctx, msg, func(o DeliveryOutcome) { done <- o }); err != nil {
			errs = append(errs, err)
			continue
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		select {
		case outcome := <-done:
			if outcome.Err != nil {
				errs = append(errs, outcome.Err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to send %d of %d messages: %w", len(errs), len(msgs), errors.Join(errs...))
	}
	return nil
}

func (p *Producer) submit(ctx context.Context, msg *Message, notify func(DeliveryOutcome)) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrClosed
	}
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.Topic == "" {
		return fmt.Errorf("message topic is required")
	}
	if size := msg.size(); p.maxBytes > 0 && size > p.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, size, p.maxBytes)
	}

	out := p.outbound(msg)
	rec := &pending{msg: msg, notify: notify, start: time.Now()}

	if p.tracer != nil {
		var spanCtx context.Context
		spanCtx, rec.endSpan = p.tracer.StartProducerSpan(ctx, out)
		p.tracer.InjectTraceContext(spanCtx, out)
	}

	p.register(rec)
	if err := p.transport.Produce(out, func(r DeliveryReport) { p.complete(rec, r) }); err != nil {
		p.release(rec)
		if rec.endSpan != nil {
			rec.endSpan(err)
		}
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// outbound returns the message handed to the transport. Headers are copied
// when the producer needs to add its own so the caller's message stays
// untouched.
func (p *Producer) outbound(msg *Message) *Message {
	if p.tracer == nil && p.config.MessageIDHeader == "" {
		return msg
	}

	out := *msg
	out.Headers = make(Headers, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	if name := p.config.MessageIDHeader; name != "" {
		if _, ok := out.Headers[name]; !ok {
			out.Headers[name] = []byte(uuid.NewString())
		}
	}
	return &out
}

func (p *Producer) register(rec *pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	rec.id = p.nextID
	if len(p.pending) == 0 {
		p.drained = make(chan struct{})
	}
	p.pending[rec.id] = rec
}

func (p *Producer) release(rec *pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[rec.id]; !ok {
		return
	}
	delete(p.pending, rec.id)
	if len(p.pending) == 0 {
		close(p.drained)
	}
}

// complete runs on a transport goroutine. The outcome is dispatched before
// the message leaves the pending set so Flush never returns ahead of it.
func (p *Producer) complete(rec *pending, report DeliveryReport) {
	if !p.tracker.complete(rec, report) {
		p.logger.Debug("Dropping late delivery report for aborted message on %s", rec.msg.Topic)
	}
	p.release(rec)
}

// Pending returns the number of submitted messages without an outcome yet
func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush blocks until every previously submitted message has an outcome or
// the timeout elapses, in which case ErrFlushTimeout is returned
func (p *Producer) Flush(timeout time.Duration) error {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	drained := p.drained
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	p.transport.Flush(timeout)

	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-drained:
		return nil
	case <-timer.C:
	}

	if n := p.Pending(); n > 0 {
		return fmt.Errorf("%w: %d message(s) still pending", ErrFlushTimeout, n)
	}
	return nil
}

// Close stops accepting messages, drains in-flight sends for up to the
// configured close timeout and reports whatever is left as aborted
func (p *Producer) Close() error {
	return p.CloseTimeout(p.config.CloseTimeout)
}

// CloseTimeout is Close with an explicit drain timeout
func (p *Producer) CloseTimeout(timeout time.Duration) error {
	// Use atomic CAS to ensure only one Close can succeed
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	err := p.Flush(timeout)
	if err != nil {
		aborted := p.abortPending()
		p.logger.Warn("Producer closed with %d undelivered message(s)", aborted)
	}

	p.transport.Close()
	return err
}

// abortPending reports every pending message as failed with ErrAborted
func (p *Producer) abortPending() int {
	p.mu.Lock()
	recs := make([]*pending, 0, len(p.pending))
	for _, rec := range p.pending {
		recs = append(recs, rec)
	}
	p.mu.Unlock()

	aborted := 0
	for _, rec := range recs {
		if p.tracker.complete(rec, DeliveryReport{Partition: rec.msg.Partition, Offset: OffsetInvalid, Err: ErrAborted}) {
			aborted++
		}
		p.release(rec)
	}
	return aborted
}
