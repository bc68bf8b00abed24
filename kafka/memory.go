package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryPartitions is the partition count of auto-created topics
var DefaultMemoryPartitions = 3

// ErrNotAssigned is returned by the in-memory broker when a member commits
// a partition it does not own
var ErrNotAssigned = errors.New("partition not assigned to this member")

const hashMask = uint32(0x7fffffff)

// MemoryBroker is an in-process broker with consumer groups. It backs the
// tests and examples and lets them inject delivery, commit and rebalance
// failures.
type MemoryBroker struct {
	rebalanceMu sync.Mutex // one rebalance at a time

	mu          sync.Mutex
	logs        map[string][][]*Message
	partitions  int
	maxBytes    int
	roundRobin  int
	groups      map[string]*memoryGroup
	producers   []*MemoryProducer
	signal      chan struct{} // closed and replaced whenever logs or assignments change
	held        bool
	failDeliver func(msg *Message) error
	failCommit  error
	invalidOffs bool
}

type memoryGroup struct {
	members   []*MemoryConsumer
	committed map[TopicPartition]int64
}

// NewMemoryBroker creates a broker whose auto-created topics have the
// given number of partitions
func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions <= 0 {
		partitions = DefaultMemoryPartitions
	}
	return &MemoryBroker{
		logs:       make(map[string][][]*Message),
		partitions: partitions,
		maxBytes:   DefaultMaxMessageBytes,
		groups:     make(map[string]*memoryGroup),
		signal:     make(chan struct{}),
	}
}

// CreateTopic creates a topic with an explicit partition count
func (b *MemoryBroker) CreateTopic(topic string, partitions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[topic]; !ok {
		b.logs[topic] = make([][]*Message, partitions)
	}
}

// SetMaxMessageBytes sets the record size limit reported to producers
func (b *MemoryBroker) SetMaxMessageBytes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxBytes = n
}

// FailDeliveries makes every message for which fn returns an error fail
// with that error. nil clears the injection.
func (b *MemoryBroker) FailDeliveries(fn func(msg *Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDeliver = fn
}

// FailCommits makes commits fail with err until cleared with nil
func (b *MemoryBroker) FailCommits(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCommit = err
}

// ReportInvalidOffsets adds an OffsetInvalid entry to commit results for
// every owned partition that was not part of the request
func (b *MemoryBroker) ReportInvalidOffsets(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidOffs = enabled
}

// HoldDeliveries stops acknowledging produced messages until
// ReleaseDeliveries is called
func (b *MemoryBroker) HoldDeliveries() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = true
}

// ReleaseDeliveries resumes acknowledging produced messages
func (b *MemoryBroker) ReleaseDeliveries() {
	b.mu.Lock()
	b.held = false
	producers := append([]*MemoryProducer(nil), b.producers...)
	b.mu.Unlock()

	for _, p := range producers {
		p.poke()
	}
}

// Messages returns the log of one partition
func (b *MemoryBroker) Messages(topic string, partition int32) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := b.logs[topic]
	if int(partition) >= len(parts) || partition < 0 {
		return nil
	}
	return append([]*Message(nil), parts[partition]...)
}

// Partitions returns the partition count of a topic, zero if unknown
func (b *MemoryBroker) Partitions(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs[topic])
}

// CommittedOffset returns the group's committed next-offset for a partition
func (b *MemoryBroker) CommittedOffset(group string, topic string, partition int32) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[group]
	if !ok {
		return 0, false
	}
	off, ok := g.committed[TopicPartition{Topic: topic, Partition: partition}]
	return off, ok
}

// Rebalance revokes every member of the group and reassigns the partitions
func (b *MemoryBroker) Rebalance(group string) {
	b.rebalance(group, nil)
}

// FailRebalance reports err to every member of the group without changing
// any assignment
func (b *MemoryBroker) FailRebalance(group string, err error) {
	b.mu.Lock()
	g, ok := b.groups[group]
	var members []*MemoryConsumer
	if ok {
		members = append(members, g.members...)
	}
	b.mu.Unlock()

	for _, m := range members {
		m.notify(RebalanceEvent{Kind: RebalanceFailed, Err: err})
	}
}

// rebalance runs one eager rebalance: every member gives up its partitions,
// then the range assignment over the remaining members is handed out.
// Callbacks run without the broker lock held.
func (b *MemoryBroker) rebalance(group string, leaving *MemoryConsumer) {
	b.rebalanceMu.Lock()
	defer b.rebalanceMu.Unlock()

	b.mu.Lock()
	g, ok := b.groups[group]
	if !ok {
		b.mu.Unlock()
		return
	}
	members := append([]*MemoryConsumer(nil), g.members...)
	b.mu.Unlock()

	for _, m := range members {
		m.revokeAll()
	}

	b.mu.Lock()
	if leaving != nil {
		for i, m := range g.members {
			if m == leaving {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
	}
	members = append(members[:0], g.members...)
	plan := b.rangeAssign(members)
	b.mu.Unlock()

	for _, m := range members {
		m.assign(plan[m])
	}
}

// rangeAssign splits each subscribed topic's partitions into contiguous
// ranges over the members in join order. Caller holds b.mu.
func (b *MemoryBroker) rangeAssign(members []*MemoryConsumer) map[*MemoryConsumer][]TopicPartition {
	plan := make(map[*MemoryConsumer][]TopicPartition, len(members))
	topics := make(map[string][]*MemoryConsumer)
	for _, m := range members {
		for _, topic := range m.topics {
			topics[topic] = append(topics[topic], m)
		}
	}

	names := make([]string, 0, len(topics))
	for topic := range topics {
		names = append(names, topic)
	}
	sort.Strings(names)

	for _, topic := range names {
		subscribers := topics[topic]
		n := b.ensureTopic(topic)
		per, extra := n/len(subscribers), n%len(subscribers)
		next := 0
		for i, m := range subscribers {
			count := per
			if i < extra {
				count++
			}
			for p := next; p < next+count; p++ {
				plan[m] = append(plan[m], TopicPartition{Topic: topic, Partition: int32(p)})
			}
			next += count
		}
	}
	return plan
}

// ensureTopic auto-creates a topic and returns its partition count.
// Caller holds b.mu.
func (b *MemoryBroker) ensureTopic(topic string) int {
	parts, ok := b.logs[topic]
	if !ok {
		parts = make([][]*Message, b.partitions)
		b.logs[topic] = parts
	}
	return len(parts)
}

// wakeup notifies pollers. Caller holds b.mu.
func (b *MemoryBroker) wakeup() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *MemoryBroker) group(name string) *memoryGroup {
	g, ok := b.groups[name]
	if !ok {
		g = &memoryGroup{committed: make(map[TopicPartition]int64)}
		b.groups[name] = g
	}
	return g
}

// append writes a message to its partition log and returns the stored copy
func (b *MemoryBroker) append(msg *Message) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failDeliver != nil {
		if err := b.failDeliver(msg); err != nil {
			return nil, err
		}
	}

	n := b.ensureTopic(msg.Topic)
	partition := msg.Partition
	switch {
	case msg.HasPartition():
		if int(partition) >= n {
			return nil, fmt.Errorf("unknown partition %d for topic %s", partition, msg.Topic)
		}
	case msg.Key != nil:
		partition = int32(hashKey(msg.Key) % n)
	default:
		partition = int32(b.roundRobin % n)
		b.roundRobin++
	}

	log := b.logs[msg.Topic][partition]
	stored := &Message{
		Topic:     msg.Topic,
		Partition: partition,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   msg.Headers,
		Offset:    int64(len(log)),
		Timestamp: time.Now(),
	}
	b.logs[msg.Topic][partition] = append(log, stored)
	b.wakeup()
	return stored, nil
}

func hashKey(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() & hashMask)
}

// ==================== Producer transport ====================

// MemoryProducer is the ProducerTransport of a MemoryBroker. Deliveries are
// acknowledged in submission order on a background goroutine.
type MemoryProducer struct {
	broker *MemoryBroker

	mu      sync.Mutex
	queue   []memoryDelivery
	drained chan struct{}
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

type memoryDelivery struct {
	msg    *Message
	report func(DeliveryReport)
}

var _ ProducerTransport = (*MemoryProducer)(nil)

// NewProducerTransport creates a producer transport on the broker
func (b *MemoryBroker) NewProducerTransport() *MemoryProducer {
	drained := make(chan struct{})
	close(drained)
	p := &MemoryProducer{
		broker:  b,
		drained: drained,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.producers = append(b.producers, p)
	b.mu.Unlock()

	go p.dispatch()
	return p
}

func (p *MemoryProducer) Produce(msg *Message, report func(DeliveryReport)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if len(p.queue) == 0 {
		p.drained = make(chan struct{})
	}
	p.queue = append(p.queue, memoryDelivery{msg: msg, report: report})
	p.poke()
	return nil
}

func (p *MemoryProducer) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *MemoryProducer) dispatch() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		for {
			d, ok := p.next()
			if !ok {
				break
			}
			stored, err := p.broker.append(d.msg)
			if err != nil {
				d.report(DeliveryReport{Partition: d.msg.Partition, Offset: OffsetInvalid, Err: err})
			} else {
				d.report(DeliveryReport{Partition: stored.Partition, Offset: stored.Offset})
			}
			p.finish()
		}
	}
}

// next returns the oldest queued delivery unless deliveries are held
func (p *MemoryProducer) next() (memoryDelivery, bool) {
	p.broker.mu.Lock()
	held := p.broker.held
	p.broker.mu.Unlock()
	if held {
		return memoryDelivery{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return memoryDelivery{}, false
	}
	return p.queue[0], true
}

func (p *MemoryProducer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return
	}
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		close(p.drained)
	}
}

func (p *MemoryProducer) Flush(timeout time.Duration) int {
	p.mu.Lock()
	drained := p.drained
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *MemoryProducer) MaxMessageBytes() int {
	p.broker.mu.Lock()
	defer p.broker.mu.Unlock()
	return p.broker.maxBytes
}

// Close stops acknowledging; queued messages never get a report
func (p *MemoryProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// ==================== Consumer transport ====================

// MemoryConsumer is the ConsumerTransport of one group member
type MemoryConsumer struct {
	broker *MemoryBroker
	group  string

	// guarded by broker.mu
	topics    []string
	assigned  []TopicPartition
	positions map[TopicPartition]int64
	cursor    int
	joined    bool
	closed    bool

	onRebalance func(RebalanceEvent)
	commits     commitQueue
}

var _ ConsumerTransport = (*MemoryConsumer)(nil)

// NewConsumerTransport creates a group member on the broker
func (b *MemoryBroker) NewConsumerTransport(group string) *MemoryConsumer {
	return &MemoryConsumer{
		broker:    b,
		group:     group,
		positions: make(map[TopicPartition]int64),
	}
}

// Subscribe joins the group, which triggers a rebalance
func (m *MemoryConsumer) Subscribe(topics []string, onRebalance func(RebalanceEvent)) error {
	b := m.broker
	b.mu.Lock()
	if m.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	m.topics = append([]string(nil), topics...)
	m.onRebalance = onRebalance
	if !m.joined {
		g := b.group(m.group)
		g.members = append(g.members, m)
		m.joined = true
	}
	b.mu.Unlock()

	b.rebalance(m.group, nil)
	return nil
}

func (m *MemoryConsumer) notify(event RebalanceEvent) {
	m.broker.mu.Lock()
	cb := m.onRebalance
	m.broker.mu.Unlock()
	if cb != nil {
		cb(event)
	}
}

// revokeAll tells the member first and drops its partitions afterwards, so
// the member can still commit while handling the event
func (m *MemoryConsumer) revokeAll() {
	m.broker.mu.Lock()
	parts := append([]TopicPartition(nil), m.assigned...)
	m.broker.mu.Unlock()

	if len(parts) == 0 {
		return
	}
	m.notify(RebalanceEvent{Kind: RebalanceRevoked, Partitions: parts})

	m.broker.mu.Lock()
	m.assigned = nil
	m.positions = make(map[TopicPartition]int64)
	m.broker.mu.Unlock()
}

// assign tells the member first and starts fetching afterwards, from the
// group's committed offsets
func (m *MemoryConsumer) assign(parts []TopicPartition) {
	m.notify(RebalanceEvent{Kind: RebalanceAssigned, Partitions: parts})

	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.group(m.group)
	m.assigned = append([]TopicPartition(nil), parts...)
	m.positions = make(map[TopicPartition]int64, len(parts))
	for _, tp := range parts {
		m.positions[tp] = g.committed[tp]
	}
	b.wakeup()
}

// Poll returns the next message from the owned partitions, or nil when
// nothing arrives before ctx is done
func (m *MemoryConsumer) Poll(ctx context.Context) (*Message, error) {
	b := m.broker
	for {
		b.mu.Lock()
		if m.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if msg := m.fetch(); msg != nil {
			b.mu.Unlock()
			return msg, nil
		}
		signal := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-signal:
		}
	}
}

// fetch walks the owned partitions round-robin. Caller holds broker.mu.
func (m *MemoryConsumer) fetch() *Message {
	n := len(m.assigned)
	for i := 0; i < n; i++ {
		tp := m.assigned[(m.cursor+i)%n]
		log := m.broker.logs[tp.Topic][tp.Partition]
		pos := m.positions[tp]
		if pos >= int64(len(log)) {
			continue
		}
		m.positions[tp] = pos + 1
		m.cursor = (m.cursor + i + 1) % n
		stored := *log[pos]
		return &stored
	}
	return nil
}

// CommitSync stores offsets for the group once queued async commits have
// finished. Partitions the member does not own are rejected, as a broker
// rejects commits from a stale generation.
func (m *MemoryConsumer) CommitSync(ctx context.Context, offsets []TopicPartition) ([]TopicPartition, error) {
	m.commits.wait()
	return m.commit(ctx, offsets)
}

func (m *MemoryConsumer) commit(ctx context.Context, offsets []TopicPartition) ([]TopicPartition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failCommit != nil {
		return nil, b.failCommit
	}

	owned := make(map[TopicPartition]bool, len(m.assigned))
	for _, tp := range m.assigned {
		owned[tp] = true
	}
	for _, tp := range offsets {
		if !owned[tp.key()] {
			return nil, fmt.Errorf("commit %s: %w", tp, ErrNotAssigned)
		}
	}

	g := b.group(m.group)
	result := make([]TopicPartition, 0, len(offsets))
	requested := make(map[TopicPartition]bool, len(offsets))
	for _, tp := range offsets {
		g.committed[tp.key()] = tp.Offset
		requested[tp.key()] = true
		result = append(result, tp)
	}

	if b.invalidOffs {
		for _, tp := range m.assigned {
			if !requested[tp] {
				result = append(result, TopicPartition{Topic: tp.Topic, Partition: tp.Partition, Offset: OffsetInvalid})
			}
		}
	}
	return result, nil
}

// CommitAsync queues the commit behind earlier async commits and reports
// through done from the queue's goroutine
func (m *MemoryConsumer) CommitAsync(offsets []TopicPartition, done func([]TopicPartition, error)) {
	m.commits.push(func() {
		done(m.commit(context.Background(), offsets))
	})
}

// Close leaves the group; the member's partitions are revoked first
func (m *MemoryConsumer) Close() error {
	b := m.broker
	b.mu.Lock()
	if m.closed {
		b.mu.Unlock()
		return nil
	}
	joined := m.joined
	b.mu.Unlock()

	m.commits.wait()
	if joined {
		b.rebalance(m.group, m)
	}

	b.mu.Lock()
	m.closed = true
	b.wakeup()
	b.mu.Unlock()
	return nil
}

// Assigned returns the partitions the broker currently hands to this member
func (m *MemoryConsumer) Assigned() []TopicPartition {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	return append([]TopicPartition(nil), m.assigned...)
}
