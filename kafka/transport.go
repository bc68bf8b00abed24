package kafka

import (
	"context"
	"sync"
	"time"
)

// ProducerTransport moves messages to the broker.
//
// Produce must not block on the network. The report callback is invoked
// exactly once per accepted message, from a transport goroutine.
type ProducerTransport interface {
	Produce(msg *Message, report func(DeliveryReport)) error
	// Flush waits up to timeout and returns the number of messages still
	// awaiting a delivery report
	Flush(timeout time.Duration) int
	// MaxMessageBytes is the largest record the transport accepts
	MaxMessageBytes() int
	Close()
}

// ConsumerTransport fetches messages and commits offsets for a group member.
//
// The rebalance callback may be invoked from inside Poll or from a
// transport goroutine; it is never invoked concurrently with itself.
type ConsumerTransport interface {
	Subscribe(topics []string, onRebalance func(RebalanceEvent)) error
	// Poll returns the next message, or nil and no error when nothing
	// arrived within the transport's poll interval
	Poll(ctx context.Context) (*Message, error)
	CommitSync(ctx context.Context, offsets []TopicPartition) ([]TopicPartition, error)
	// CommitAsync returns immediately and calls done from a transport goroutine
	CommitAsync(offsets []TopicPartition, done func([]TopicPartition, error))
	// Close leaves the group and releases the transport
	Close() error
}

// commitQueue runs asynchronous commits one at a time, in the order they
// were requested, so an older commit never lands after a newer one
type commitQueue struct {
	mu      sync.Mutex
	pending []func()
	idle    chan struct{} // closed when the queue drains; nil while idle
}

func (q *commitQueue) push(job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
	if q.idle == nil {
		q.idle = make(chan struct{})
		go q.run()
	}
}

func (q *commitQueue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			close(q.idle)
			q.idle = nil
			q.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		job()
	}
}

// wait blocks until every queued commit has finished
func (q *commitQueue) wait() {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	if idle != nil {
		<-idle
	}
}
