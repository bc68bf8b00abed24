package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tps(topic string, partitions ...int32) []TopicPartition {
	out := make([]TopicPartition, 0, len(partitions))
	for _, p := range partitions {
		out = append(out, TopicPartition{Topic: topic, Partition: p})
	}
	return out
}

func TestAssignmentMonitor_AssignAndRevoke(t *testing.T) {
	rec := &recorder{}
	m := NewAssignmentMonitor("billing", rec, nil, nil)

	assert.Equal(t, StateUnassigned, m.State())
	assert.False(t, m.Owns(TopicPartition{Topic: "orders", Partition: 0}))

	require.NoError(t, m.Handle(RebalanceEvent{Kind: RebalanceAssigned, Partitions: tps("orders", 2, 0, 1)}))
	assert.Equal(t, StateAssigned, m.State())
	assert.Equal(t, uint64(1), m.Generation())
	assert.Equal(t, tps("orders", 0, 1, 2), m.Assignment().Partitions())
	assert.True(t, m.Owns(TopicPartition{Topic: "orders", Partition: 1, Offset: 42}), "offset is ignored")

	require.NoError(t, m.Handle(RebalanceEvent{Kind: RebalanceRevoked}))
	assert.Equal(t, StateUnassigned, m.State())
	assert.Zero(t, m.Assignment().Len())
	assert.Equal(t, uint64(2), m.Generation())

	events := rec.Rebalances()
	require.Len(t, events, 2)
	assert.Equal(t, RebalanceAssigned, events[0].Kind)
	assert.Equal(t, RebalanceRevoked, events[1].Kind)
	assert.Equal(t, tps("orders", 0, 1, 2), events[1].Partitions, "revocation releases every owned partition")
}

func TestAssignmentMonitor_ReplaceReleasesMissingPartitions(t *testing.T) {
	m := NewAssignmentMonitor("billing", nil, nil, nil)

	var released []TopicPartition
	var ownedDuringRelease bool
	m.OnRelease(func(parts []TopicPartition) {
		released = parts
		ownedDuringRelease = m.Owns(parts[0])
	})

	require.NoError(t, m.Handle(RebalanceEvent{Kind: RebalanceAssigned, Partitions: tps("orders", 0, 1)}))
	assert.Nil(t, released)

	require.NoError(t, m.Handle(RebalanceEvent{Kind: RebalanceAssigned, Partitions: tps("orders", 1, 2)}))
	assert.Equal(t, tps("orders", 0), released)
	assert.True(t, ownedDuringRelease, "released partitions are still owned while the hook runs")
	assert.False(t, m.Owns(TopicPartition{Topic: "orders", Partition: 0}))
	assert.True(t, m.Owns(TopicPartition{Topic: "orders", Partition: 2}))
}

func TestAssignmentMonitor_ErrorLeavesAssignmentUnchanged(t *testing.T) {
	rec := &recorder{}
	m := NewAssignmentMonitor("billing", rec, nil, nil)
	require.NoError(t, m.Handle(RebalanceEvent{Kind: RebalanceAssigned, Partitions: tps("orders", 0, 1)}))
	before := m.Assignment()

	err := m.Handle(RebalanceEvent{Kind: RebalanceFailed, Err: errBoom})
	var rebalanceErr *RebalanceError
	require.ErrorAs(t, err, &rebalanceErr)
	assert.ErrorIs(t, err, errBoom)

	assert.Same(t, before, m.Assignment())
	assert.Equal(t, uint64(1), m.Generation())
	assert.Equal(t, StateAssigned, m.State())

	events := rec.Rebalances()
	require.Len(t, events, 2)
	assert.Equal(t, RebalanceFailed, events[1].Kind)
	assert.ErrorAs(t, events[1].Err, &rebalanceErr)
}

func TestAssignmentMonitor_RevocationWaitsForMessageInProgress(t *testing.T) {
	m := NewAssignmentMonitor("billing", nil, nil, nil)
	require.NoError(t, m.Handle(RebalanceEvent{Kind: RebalanceAssigned, Partitions: tps("orders", 0)}))

	m.acquire()
	done := make(chan struct{})
	go func() {
		_ = m.Handle(RebalanceEvent{Kind: RebalanceRevoked})
		close(done)
	}()

	isDone := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	require.Never(t, isDone, 50*time.Millisecond, waitTick)
	assert.True(t, m.Owns(TopicPartition{Topic: "orders", Partition: 0}))

	m.release()
	require.Eventually(t, isDone, waitTimeout, waitTick)
	assert.False(t, m.Owns(TopicPartition{Topic: "orders", Partition: 0}))
}

func TestAssignment_EmptyAssignmentIsStillAssigned(t *testing.T) {
	m := NewAssignmentMonitor("billing", nil, nil, nil)
	require.NoError(t, m.Handle(RebalanceEvent{Kind: RebalanceAssigned}))
	assert.Equal(t, StateAssigned, m.State())
	assert.Zero(t, m.Assignment().Len())
	assert.Equal(t, "billing", m.GroupID())
}
