package kafka

import (
	"context"
	"sync"
)

// CommitCoordinator records processed offsets per partition and commits the
// resulting next-offsets to the broker on request. A failed commit is
// reported and never retried here; the next commit carries the same or
// newer offsets.
type CommitCoordinator struct {
	transport ConsumerTransport
	groupID   string
	owns      func(TopicPartition) bool
	handler   CommitHandler
	observer  Observer
	tracer    *TracingService
	logger    Logger

	mu        sync.Mutex
	processed map[TopicPartition]int64 // next offset to read, per partition
	committed map[TopicPartition]int64 // last next-offset the broker acknowledged
}

// NewCommitCoordinator creates a coordinator. owns filters commits to
// partitions that are still assigned; nil commits everything recorded.
func NewCommitCoordinator(transport ConsumerTransport, groupID string, owns func(TopicPartition) bool, handler CommitHandler, observer Observer, logger Logger) *CommitCoordinator {
	if handler == nil {
		handler = NoopHandler{}
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &CommitCoordinator{
		transport: transport,
		groupID:   groupID,
		owns:      owns,
		handler:   handler,
		observer:  observer,
		logger:    logger,
		processed: make(map[TopicPartition]int64),
		committed: make(map[TopicPartition]int64),
	}
}

// RecordProcessed marks the message at offset as fully handled. The commit
// point for the partition becomes offset+1 and never moves backwards.
func (c *CommitCoordinator) RecordProcessed(topic string, partition int32, offset int64) {
	if offset < 0 {
		return
	}
	tp := TopicPartition{Topic: topic, Partition: partition}

	c.mu.Lock()
	defer c.mu.Unlock()
	if next := offset + 1; next > c.processed[tp] {
		c.processed[tp] = next
	}
}

// CommitPoint returns the next offset to commit for every partition that
// has processed messages
func (c *CommitCoordinator) CommitPoint() map[TopicPartition]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyOffsets(c.processed)
}

// Committed returns the offsets the broker has acknowledged
func (c *CommitCoordinator) Committed() map[TopicPartition]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyOffsets(c.committed)
}

// Uncommitted returns commit points that are ahead of the acknowledged offsets
func (c *CommitCoordinator) Uncommitted() []TopicPartition {
	return c.uncommitted(nil, false)
}

// Commit sends every owned, uncommitted commit point. In CommitSync mode it
// blocks and returns a *CommitError on failure. In CommitAsync mode it
// returns at once and the outcome reaches the CommitHandler.
func (c *CommitCoordinator) Commit(ctx context.Context, mode CommitMode) error {
	offsets := c.uncommitted(nil, false)
	if len(offsets) == 0 {
		return nil
	}
	return c.commit(ctx, mode, offsets)
}

// CommitAll synchronously commits the commit point of every owned
// partition, including those already acknowledged. It runs on shutdown so
// the broker ends up with the processed offsets whatever earlier async
// commits did.
func (c *CommitCoordinator) CommitAll(ctx context.Context) error {
	offsets := c.uncommitted(nil, true)
	if len(offsets) == 0 {
		return nil
	}
	return c.commit(ctx, CommitSync, offsets)
}

// CommitPartitions synchronously commits the commit points of the given
// partitions, acknowledged or not. It is used while partitions are being
// released.
func (c *CommitCoordinator) CommitPartitions(ctx context.Context, parts []TopicPartition) error {
	filter := make(map[TopicPartition]struct{}, len(parts))
	for _, tp := range parts {
		filter[tp.key()] = struct{}{}
	}
	offsets := c.uncommitted(filter, true)
	if len(offsets) == 0 {
		return nil
	}
	return c.commit(ctx, CommitSync, offsets)
}

// Forget drops all state for partitions this member no longer owns
func (c *CommitCoordinator) Forget(parts []TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range parts {
		delete(c.processed, tp.key())
		delete(c.committed, tp.key())
	}
}

func (c *CommitCoordinator) commit(ctx context.Context, mode CommitMode, offsets []TopicPartition) error {
	var endSpan func(error)
	if c.tracer != nil {
		ctx, endSpan = c.tracer.StartCommitSpan(ctx, c.groupID, mode, offsets)
	}

	if mode == CommitAsync {
		c.logger.Debug("Committing %d partition(s) asynchronously", len(offsets))
		c.transport.CommitAsync(offsets, func(result []TopicPartition, err error) {
			err = c.confirm(mode, offsets, result, err)
			if endSpan != nil {
				endSpan(err)
			}
		})
		return nil
	}

	result, err := c.transport.CommitSync(ctx, offsets)
	err = c.confirm(mode, offsets, result, err)
	if endSpan != nil {
		endSpan(err)
	}
	return err
}

// confirm applies a broker answer and notifies the handler. Entries without
// a meaningful offset are dropped from the confirmation silently. Answers
// for partitions released in the meantime are reported but not cached.
func (c *CommitCoordinator) confirm(mode CommitMode, requested, result []TopicPartition, err error) error {
	if err != nil {
		commitErr := &CommitError{Offsets: requested, Err: err}
		c.logger.Error("Failed to commit offsets: %v", err)
		c.observer.RecordCommit(mode, len(requested), commitErr)
		c.handler.OnCommit(CommitConfirmation{Err: commitErr})
		return commitErr
	}

	if result == nil {
		result = requested
	}

	confirmed := make([]TopicPartition, 0, len(result))
	c.mu.Lock()
	for _, tp := range result {
		if tp.Offset < 0 {
			continue
		}
		confirmed = append(confirmed, tp)
		if c.owns != nil && !c.owns(tp.key()) {
			continue
		}
		if tp.Offset > c.committed[tp.key()] {
			c.committed[tp.key()] = tp.Offset
		}
	}
	c.mu.Unlock()

	c.observer.RecordCommit(mode, len(confirmed), nil)
	c.handler.OnCommit(CommitConfirmation{Offsets: confirmed})
	return nil
}

// uncommitted lists commit points ahead of the acknowledged offsets,
// restricted to owned partitions and, when given, to filter. all includes
// acknowledged commit points too.
func (c *CommitCoordinator) uncommitted(filter map[TopicPartition]struct{}, all bool) []TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	var offsets []TopicPartition
	for tp, next := range c.processed {
		if filter != nil {
			if _, ok := filter[tp]; !ok {
				continue
			}
		}
		if c.owns != nil && !c.owns(tp) {
			continue
		}
		if done, ok := c.committed[tp]; ok && done >= next && !all {
			continue
		}
		offsets = append(offsets, TopicPartition{Topic: tp.Topic, Partition: tp.Partition, Offset: next})
	}
	sortPartitions(offsets)
	return offsets
}

func copyOffsets(src map[TopicPartition]int64) map[TopicPartition]int64 {
	dst := make(map[TopicPartition]int64, len(src))
	for tp, off := range src {
		dst[tp] = off
	}
	return dst
}
