package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// HealthChecker reports broker, topic and consumer group health
type HealthChecker struct {
	brokers []string
	ssl     bool
	sasl    *SASLConfig
	timeout time.Duration
}

// NewHealthChecker creates a health checker for the given brokers
func NewHealthChecker(brokers []string) *HealthChecker {
	return &HealthChecker{
		brokers: brokers,
		timeout: 10 * time.Second,
	}
}

// NewHealthCheckerFromConfig uses the brokers and security settings of a
// producer configuration
func NewHealthCheckerFromConfig(config *ClientConfig) *HealthChecker {
	h := NewHealthChecker(config.Brokers)
	h.ssl = config.SSL
	h.sasl = config.SASL
	return h
}

// SetTimeout sets the health check timeout
func (h *HealthChecker) SetTimeout(timeout time.Duration) {
	h.timeout = timeout
}

func downResult(err error, details map[string]interface{}) *HealthResult {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["error"] = err.Error()
	return &HealthResult{Status: HealthStatusDown, Error: err, Details: details}
}

func (h *HealthChecker) adminClient() (*kafka.AdminClient, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(h.brokers, ","),
	}
	setSecurity(configMap, h.ssl, h.sasl)
	return kafka.NewAdminClient(configMap)
}

// metadataTimeout is the checker timeout, shortened by the ctx deadline
func (h *HealthChecker) metadataTimeout(ctx context.Context) time.Duration {
	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// Check performs a basic health check
func (h *HealthChecker) Check(ctx context.Context) *HealthResult {
	if err := ctx.Err(); err != nil {
		return downResult(err, nil)
	}

	adminClient, err := h.adminClient()
	if err != nil {
		return downResult(err, nil)
	}
	defer adminClient.Close()

	metadata, err := adminClient.GetMetadata(nil, true, int(h.metadataTimeout(ctx).Milliseconds()))
	if err != nil {
		return downResult(err, nil)
	}

	if len(metadata.Brokers) == 0 {
		return downResult(fmt.Errorf("no brokers available"), nil)
	}

	return &HealthResult{
		Status: HealthStatusUp,
		Details: map[string]interface{}{
			"brokers":       len(metadata.Brokers),
			"topics":        len(metadata.Topics),
			"originatingId": metadata.OriginatingBroker.ID,
		},
	}
}

// CheckBrokers lists the reachable brokers
func (h *HealthChecker) CheckBrokers(ctx context.Context) *HealthResult {
	if err := ctx.Err(); err != nil {
		return downResult(err, nil)
	}

	adminClient, err := h.adminClient()
	if err != nil {
		return downResult(err, nil)
	}
	defer adminClient.Close()

	metadata, err := adminClient.GetMetadata(nil, true, int(h.metadataTimeout(ctx).Milliseconds()))
	if err != nil {
		return downResult(err, nil)
	}

	brokerInfos := make([]map[string]interface{}, 0, len(metadata.Brokers))
	for _, broker := range metadata.Brokers {
		brokerInfos = append(brokerInfos, map[string]interface{}{
			"id":   broker.ID,
			"host": broker.Host,
			"port": broker.Port,
		})
	}

	return &HealthResult{
		Status: HealthStatusUp,
		Details: map[string]interface{}{
			"brokers":     brokerInfos,
			"brokerCount": len(metadata.Brokers),
		},
	}
}

// CheckGroupOffsets reports the group's state and committed offsets. The
// group is down when it is unknown to the cluster.
func (h *HealthChecker) CheckGroupOffsets(ctx context.Context, groupID string) *HealthResult {
	if err := ctx.Err(); err != nil {
		return downResult(err, nil)
	}

	adminClient, err := h.adminClient()
	if err != nil {
		return downResult(err, nil)
	}
	defer adminClient.Close()

	describeResult, err := adminClient.DescribeConsumerGroups(ctx, []string{groupID})
	if err != nil {
		return downResult(err, map[string]interface{}{"groupId": groupID})
	}
	if len(describeResult.ConsumerGroupDescriptions) == 0 {
		return downResult(fmt.Errorf("consumer group not found: %s", groupID), map[string]interface{}{"groupId": groupID})
	}
	groupDesc := describeResult.ConsumerGroupDescriptions[0]
	if groupDesc.Error.Code() != kafka.ErrNoError {
		return downResult(groupDesc.Error, map[string]interface{}{"groupId": groupID})
	}

	offsetResult, err := adminClient.ListConsumerGroupOffsets(ctx, []kafka.ConsumerGroupTopicPartitions{
		{Group: groupID},
	})
	if err != nil {
		return downResult(err, map[string]interface{}{"groupId": groupID})
	}

	var committed []map[string]interface{}
	for _, groupOffsets := range offsetResult.ConsumerGroupsTopicPartitions {
		for _, tp := range groupOffsets.Partitions {
			if tp.Offset < 0 || tp.Topic == nil {
				continue
			}
			committed = append(committed, map[string]interface{}{
				"topic":     *tp.Topic,
				"partition": tp.Partition,
				"offset":    int64(tp.Offset),
			})
		}
	}

	return &HealthResult{
		Status: HealthStatusUp,
		Details: map[string]interface{}{
			"groupId":     groupID,
			"state":       groupDesc.State.String(),
			"memberCount": len(groupDesc.Members),
			"committed":   committed,
		},
	}
}

// CheckTopic checks if a topic exists and is accessible
func (h *HealthChecker) CheckTopic(ctx context.Context, topic string) *HealthResult {
	if err := ctx.Err(); err != nil {
		return downResult(err, map[string]interface{}{"topic": topic})
	}

	adminClient, err := h.adminClient()
	if err != nil {
		return downResult(err, map[string]interface{}{"topic": topic})
	}
	defer adminClient.Close()

	metadata, err := adminClient.GetMetadata(&topic, false, int(h.metadataTimeout(ctx).Milliseconds()))
	if err != nil {
		return downResult(err, map[string]interface{}{"topic": topic})
	}

	topicMeta, ok := metadata.Topics[topic]
	if !ok {
		return downResult(fmt.Errorf("topic not found: %s", topic), map[string]interface{}{"topic": topic})
	}
	if topicMeta.Error.Code() != kafka.ErrNoError {
		return downResult(topicMeta.Error, map[string]interface{}{"topic": topic})
	}

	partitionInfos := make([]map[string]interface{}, 0, len(topicMeta.Partitions))
	for _, p := range topicMeta.Partitions {
		partitionInfos = append(partitionInfos, map[string]interface{}{
			"id":       p.ID,
			"leader":   p.Leader,
			"replicas": len(p.Replicas),
			"isrs":     len(p.Isrs),
		})
	}

	return &HealthResult{
		Status: HealthStatusUp,
		Details: map[string]interface{}{
			"topic":          topic,
			"partitionCount": len(topicMeta.Partitions),
			"partitions":     partitionInfos,
		},
	}
}

// CheckConsumer reports a consumer's own view: its assignment, commit
// points and whether the loop halted. It does not talk to the broker.
func CheckConsumer(c *Consumer) *HealthResult {
	assignment := c.Assignment()
	partitions := make([]string, 0, assignment.Len())
	for _, tp := range assignment.Partitions() {
		partitions = append(partitions, tp.String())
	}

	commitPoints := make(map[string]int64)
	for tp, next := range c.CommitPoint() {
		commitPoints[tp.String()] = next
	}

	details := map[string]interface{}{
		"groupId":      c.GroupID(),
		"state":        c.Monitor().State().String(),
		"generation":   c.Monitor().Generation(),
		"partitions":   partitions,
		"commitPoints": commitPoints,
		"running":      c.IsRunning(),
		"paused":       c.IsPaused(),
		"dlqCircuit":   c.CircuitState().String(),
	}

	if err := c.Err(); err != nil {
		return downResult(err, details)
	}
	if c.CircuitState() == CircuitOpen {
		return downResult(fmt.Errorf("dead-letter circuit is open"), details)
	}
	return &HealthResult{Status: HealthStatusUp, Details: details}
}
