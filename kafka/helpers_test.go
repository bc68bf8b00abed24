package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

const (
	waitTimeout = 5 * time.Second
	waitTick    = 5 * time.Millisecond
)

// recorder collects every notification a Handler receives
type recorder struct {
	mu         sync.Mutex
	outcomes   []DeliveryOutcome
	rebalances []RebalanceEvent
	commits    []CommitConfirmation
}

var _ Handler = (*recorder)(nil)

func (r *recorder) OnDelivery(outcome DeliveryOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) OnRebalance(event RebalanceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebalances = append(r.rebalances, event)
}

func (r *recorder) OnCommit(confirmation CommitConfirmation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, confirmation)
}

func (r *recorder) Outcomes() []DeliveryOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeliveryOutcome(nil), r.outcomes...)
}

func (r *recorder) Rebalances() []RebalanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RebalanceEvent(nil), r.rebalances...)
}

func (r *recorder) Commits() []CommitConfirmation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CommitConfirmation(nil), r.commits...)
}

// offsetLog records handled messages in order
type offsetLog struct {
	mu   sync.Mutex
	msgs []*Message
}

func (l *offsetLog) add(msg *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *offsetLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Offsets returns the handled offsets of one partition in handling order
func (l *offsetLog) Offsets(partition int32) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var offsets []int64
	for _, m := range l.msgs {
		if m.Partition == partition {
			offsets = append(offsets, m.Offset)
		}
	}
	return offsets
}

// produce appends messages straight to the broker logs
func produce(t *testing.T, b *MemoryBroker, topic string, partition int32, values ...string) {
	t.Helper()
	for _, v := range values {
		_, err := b.append(&Message{Topic: topic, Partition: partition, Value: []byte(v)})
		require.NoError(t, err)
	}
}

func newTestConsumer(t *testing.T, b *MemoryBroker, group string, opts ...ConsumerOption) *Consumer {
	t.Helper()
	base := []ConsumerOption{
		WithGroupID(group),
		WithTopics("orders"),
		WithPollInterval(10 * time.Millisecond),
		ConsumerWithLogger(NewNoopLogger()),
	}
	c, err := NewConsumer(b.NewConsumerTransport(group), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

// start runs the consumer in the background; the returned channel yields
// Run's result
func start(t *testing.T, c *Consumer) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()
	return errCh
}

// waitAssigned waits until the consumer owns n partitions
func waitAssigned(t *testing.T, c *Consumer, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Assignment().Len() == n
	}, waitTimeout, waitTick)
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

func committedOffset(b *MemoryBroker, group, topic string, partition int32) func() int64 {
	return func() int64 {
		off, _ := b.CommittedOffset(group, topic, partition)
		return off
	}
}
