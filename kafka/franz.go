package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// franzMaxPollRecords bounds one PollRecords call
const franzMaxPollRecords = 500

// NewFranzClient creates a Producer backed by franz-go
func NewFranzClient(opts ...ClientOption) (*Producer, error) {
	config := newDefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 {
		return nil, configErrorf("bootstrap.servers", "brokers are required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	transport, err := newFranzProducer(config)
	if err != nil {
		return nil, err
	}

	p, err := newProducer(transport, config)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return p, nil
}

// NewFranzConsumer creates a Consumer backed by franz-go. The group is
// joined when Run subscribes.
func NewFranzConsumer(opts ...ConsumerOption) (*Consumer, error) {
	config := newDefaultConsumerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 {
		return nil, configErrorf("bootstrap.servers", "brokers are required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger(config.LogLevel)
	}

	transport, err := newFranzConsumer(config, logger)
	if err != nil {
		return nil, err
	}
	return newConsumer(transport, config, franzDLQProducer)
}

func franzDLQProducer(config *ConsumerConfig) (*Producer, error) {
	return NewFranzClient(
		WithBrokers(config.Brokers...),
		WithSSL(config.SSL),
		WithSASL(config.SASL),
		WithAcks(AcksAll),
		WithLogLevel(config.LogLevel),
		WithLogger(config.Logger),
	)
}

// franzSecurity maps SSL and SASL settings to client options
func franzSecurity(ssl bool, sasl *SASLConfig) ([]kgo.Opt, error) {
	var opts []kgo.Opt
	if ssl {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if sasl == nil {
		return opts, nil
	}

	switch strings.ToUpper(sasl.Mechanism) {
	case "PLAIN":
		opts = append(opts, kgo.SASL(plain.Auth{
			User: sasl.Username,
			Pass: sasl.Password,
		}.AsMechanism()))
	case "SCRAM-SHA-256":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: sasl.Username,
			Pass: sasl.Password,
		}.AsSha256Mechanism()))
	case "SCRAM-SHA-512":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: sasl.Username,
			Pass: sasl.Password,
		}.AsSha512Mechanism()))
	default:
		return nil, configErrorf("sasl.mechanisms", "unsupported mechanism %q", sasl.Mechanism)
	}
	return opts, nil
}

// ==================== Producer transport ====================

type franzProducer struct {
	client   *kgo.Client
	maxBytes int
}

var _ ProducerTransport = (*franzProducer)(nil)

func newFranzProducer(config *ClientConfig) (*franzProducer, error) {
	clientID := config.ClientID
	if clientID == "" {
		clientID = newClientID("kafka-ack-producer")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.ClientID(clientID),
		kgo.RecordPartitioner(newExplicitPartitioner()),
	}

	switch config.Acks {
	case AcksNone:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case AcksLeader:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
		if !config.Idempotent {
			opts = append(opts, kgo.DisableIdempotentWrite())
		}
	}

	if config.Compression != CompressionNone {
		opts = append(opts, kgo.ProducerBatchCompression(franzCompression(config.Compression)))
	}
	if config.MaxMessageBytes > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(int32(config.MaxMessageBytes)))
	}
	if config.ConnectionTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(config.ConnectionTimeout))
	}
	if config.RequestTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(config.RequestTimeout))
	}

	security, err := franzSecurity(config.SSL, config.SASL)
	if err != nil {
		return nil, err
	}
	opts = append(opts, security...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return &franzProducer{client: client, maxBytes: config.MaxMessageBytes}, nil
}

func (p *franzProducer) Produce(msg *Message, report func(DeliveryReport)) error {
	p.client.Produce(context.Background(), toRecord(msg), func(r *kgo.Record, err error) {
		if err != nil {
			report(DeliveryReport{Partition: r.Partition, Offset: OffsetInvalid, Err: err})
			return
		}
		report(DeliveryReport{Partition: r.Partition, Offset: r.Offset})
	})
	return nil
}

func (p *franzProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = p.client.Flush(ctx)
	return int(p.client.BufferedProduceRecords())
}

func (p *franzProducer) MaxMessageBytes() int {
	return p.maxBytes
}

// Close fails whatever is still buffered with kgo.ErrClientClosed
func (p *franzProducer) Close() {
	p.client.Close()
}

type explicitPartitionKey struct{}

func toRecord(msg *Message) *kgo.Record {
	rec := &kgo.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if msg.HasPartition() {
		rec.Partition = msg.Partition
		rec.Context = context.WithValue(context.Background(), explicitPartitionKey{}, true)
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: v})
	}
	return rec
}

// explicitPartitioner keeps a record's own partition when the message asked
// for one and hashes the key otherwise
type explicitPartitioner struct {
	fallback kgo.Partitioner
}

func newExplicitPartitioner() kgo.Partitioner {
	return explicitPartitioner{fallback: kgo.StickyKeyPartitioner(nil)}
}

func (p explicitPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return explicitTopicPartitioner{fallback: p.fallback.ForTopic(topic)}
}

type explicitTopicPartitioner struct {
	fallback kgo.TopicPartitioner
}

func (p explicitTopicPartitioner) RequiresConsistency(r *kgo.Record) bool {
	return isExplicit(r) || p.fallback.RequiresConsistency(r)
}

// Partition falls back to key hashing for explicit partitions the topic
// does not have
func (p explicitTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if isExplicit(r) && int(r.Partition) < n {
		return int(r.Partition)
	}
	return p.fallback.Partition(r, n)
}

func isExplicit(r *kgo.Record) bool {
	if r.Context == nil {
		return false
	}
	explicit, _ := r.Context.Value(explicitPartitionKey{}).(bool)
	return explicit
}

func franzCompression(compression Compression) kgo.CompressionCodec {
	switch compression {
	case CompressionGZIP:
		return kgo.GzipCompression()
	case CompressionSnappy:
		return kgo.SnappyCompression()
	case CompressionLZ4:
		return kgo.Lz4Compression()
	case CompressionZSTD:
		return kgo.ZstdCompression()
	default:
		return kgo.NoCompression()
	}
}

// ==================== Consumer transport ====================

// franzConsumer creates its client on Subscribe so that no rebalance
// callback can fire before the handler is in place
type franzConsumer struct {
	config *ConsumerConfig
	logger Logger

	mu     sync.Mutex
	client *kgo.Client
	owned  map[TopicPartition]bool

	buffer []*kgo.Record // loop goroutine only
}

var _ ConsumerTransport = (*franzConsumer)(nil)

func newFranzConsumer(config *ConsumerConfig, logger Logger) (*franzConsumer, error) {
	if _, err := franzSecurity(config.SSL, config.SASL); err != nil {
		return nil, err
	}
	return &franzConsumer{
		config: config,
		logger: logger,
		owned:  make(map[TopicPartition]bool),
	}, nil
}

func (f *franzConsumer) Subscribe(topics []string, onRebalance func(RebalanceEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return fmt.Errorf("already subscribed")
	}

	config := f.config
	opts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			parts := fromFranzPartitions(assigned)
			f.setOwned(parts, true)
			onRebalance(RebalanceEvent{Kind: RebalanceAssigned, Partitions: parts})
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			parts := fromFranzPartitions(revoked)
			onRebalance(RebalanceEvent{Kind: RebalanceRevoked, Partitions: parts})
			f.setOwned(parts, false)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			parts := fromFranzPartitions(lost)
			f.setOwned(parts, false)
			onRebalance(RebalanceEvent{Kind: RebalanceRevoked, Partitions: parts})
		}),
	}

	if config.ClientID != "" {
		opts = append(opts, kgo.ClientID(config.ClientID))
	}
	if config.AutoCommit {
		opts = append(opts, kgo.AutoCommitInterval(config.AutoCommitInterval))
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}
	if config.FromBeginning {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	if config.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(config.SessionTimeout))
	}
	if config.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(config.HeartbeatInterval))
	}
	if config.RebalanceTimeout > 0 {
		opts = append(opts, kgo.RebalanceTimeout(config.RebalanceTimeout))
	}

	switch config.PartitionAssignor {
	case AssignorRoundRobin:
		opts = append(opts, kgo.Balancers(kgo.RoundRobinBalancer()))
	default:
		opts = append(opts, kgo.Balancers(kgo.RangeBalancer()))
	}

	security, err := franzSecurity(config.SSL, config.SASL)
	if err != nil {
		return err
	}
	opts = append(opts, security...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	f.client = client
	return nil
}

func (f *franzConsumer) setOwned(parts []TopicPartition, owned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range parts {
		if owned {
			f.owned[tp] = true
		} else {
			delete(f.owned, tp)
		}
	}
}

func (f *franzConsumer) getClient() *kgo.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

// Poll hands out buffered records one at a time. Rebalances are only
// allowed once the buffer is drained.
func (f *franzConsumer) Poll(ctx context.Context) (*Message, error) {
	client := f.getClient()
	if client == nil {
		return nil, fmt.Errorf("not subscribed")
	}

	if len(f.buffer) == 0 {
		client.AllowRebalance()
		fetches := client.PollRecords(ctx, franzMaxPollRecords)
		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			fetchErr = fmt.Errorf("fetch %s[%d]: %w", topic, partition, err)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			f.buffer = append(f.buffer, r)
		})
		if len(f.buffer) == 0 {
			return nil, fetchErr
		}
		if fetchErr != nil {
			f.logger.Warn("Error reading message: %v", fetchErr)
		}
	}

	rec := f.buffer[0]
	f.buffer[0] = nil
	f.buffer = f.buffer[1:]
	return fromRecord(rec), nil
}

func (f *franzConsumer) CommitSync(ctx context.Context, offsets []TopicPartition) ([]TopicPartition, error) {
	client := f.getClient()
	if client == nil {
		return nil, fmt.Errorf("not subscribed")
	}
	uncommitted := f.commitRequest(offsets)
	if len(uncommitted) == 0 {
		return []TopicPartition{}, nil
	}

	var (
		result []TopicPartition
		err    error
	)
	client.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, req *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, commitErr error) {
		result, err = commitResult(req, resp, commitErr)
	})
	return result, err
}

func (f *franzConsumer) CommitAsync(offsets []TopicPartition, done func([]TopicPartition, error)) {
	client := f.getClient()
	if client == nil {
		done(nil, fmt.Errorf("not subscribed"))
		return
	}
	uncommitted := f.commitRequest(offsets)
	if len(uncommitted) == 0 {
		done([]TopicPartition{}, nil)
		return
	}
	client.CommitOffsets(context.Background(), uncommitted, func(_ *kgo.Client, req *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		done(commitResult(req, resp, err))
	})
}

// commitRequest builds the commit map, leaving out partitions this member
// no longer owns
func (f *franzConsumer) commitRequest(offsets []TopicPartition) map[string]map[int32]kgo.EpochOffset {
	f.mu.Lock()
	defer f.mu.Unlock()

	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for _, tp := range offsets {
		if !f.owned[tp.key()] {
			continue
		}
		if uncommitted[tp.Topic] == nil {
			uncommitted[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		uncommitted[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: tp.Offset}
	}
	return uncommitted
}

// commitResult pairs the requested offsets with the per-partition error
// codes of the response
func commitResult(req *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) ([]TopicPartition, error) {
	if err != nil {
		return nil, err
	}

	requested := make(map[TopicPartition]int64)
	if req != nil {
		for _, t := range req.Topics {
			for _, p := range t.Partitions {
				requested[TopicPartition{Topic: t.Topic, Partition: p.Partition}] = p.Offset
			}
		}
	}

	var (
		result []TopicPartition
		errs   []error
	)
	if resp != nil {
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				tp := TopicPartition{Topic: t.Topic, Partition: p.Partition}
				if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
					errs = append(errs, fmt.Errorf("commit %s: %w", tp, perr))
					continue
				}
				offset, ok := requested[tp]
				if !ok {
					offset = OffsetInvalid
				}
				tp.Offset = offset
				result = append(result, tp)
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if result == nil {
		result = []TopicPartition{}
	}
	return result, nil
}

// Close leaves the group; franz-go revokes the assignment first. Polling
// blocks rebalances, and leaving needs one, so the block is lifted here.
// The loop has stopped by now, so the revoke commit cannot race a message.
func (f *franzConsumer) Close() error {
	if client := f.getClient(); client != nil {
		client.CloseAllowingRebalance()
	}
	return nil
}

func fromRecord(r *kgo.Record) *Message {
	var headers Headers
	if len(r.Headers) > 0 {
		headers = make(Headers, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = h.Value
		}
	}
	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
}

func fromFranzPartitions(parts map[string][]int32) []TopicPartition {
	var out []TopicPartition
	for topic, partitions := range parts {
		for _, p := range partitions {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	sortPartitions(out)
	return out
}
