package kafka

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Assignment is an immutable set of owned partitions
type Assignment struct {
	set map[TopicPartition]struct{}
}

var emptyAssignment = &Assignment{set: map[TopicPartition]struct{}{}}

func newAssignment(parts []TopicPartition) *Assignment {
	set := make(map[TopicPartition]struct{}, len(parts))
	for _, tp := range parts {
		set[tp.key()] = struct{}{}
	}
	return &Assignment{set: set}
}

// Contains reports whether the partition is owned
func (a *Assignment) Contains(topic string, partition int32) bool {
	_, ok := a.set[TopicPartition{Topic: topic, Partition: partition}]
	return ok
}

// Len returns the number of owned partitions
func (a *Assignment) Len() int {
	return len(a.set)
}

// Partitions returns the owned partitions sorted by topic and partition
func (a *Assignment) Partitions() []TopicPartition {
	parts := make([]TopicPartition, 0, len(a.set))
	for tp := range a.set {
		parts = append(parts, tp)
	}
	sortPartitions(parts)
	return parts
}

// without returns the partitions of a that are not in other
func (a *Assignment) without(other *Assignment) []TopicPartition {
	var parts []TopicPartition
	for tp := range a.set {
		if _, ok := other.set[tp]; !ok {
			parts = append(parts, tp)
		}
	}
	sortPartitions(parts)
	return parts
}

func sortPartitions(parts []TopicPartition) {
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Topic != parts[j].Topic {
			return parts[i].Topic < parts[j].Topic
		}
		return parts[i].Partition < parts[j].Partition
	})
}

// AssignmentState is the monitor's state
type AssignmentState int

const (
	StateUnassigned AssignmentState = iota
	StateAssigned
)

func (s AssignmentState) String() string {
	if s == StateAssigned {
		return "assigned"
	}
	return "unassigned"
}

// AssignmentMonitor tracks which partitions this group member owns. It only
// reacts to broker-driven rebalance events; it never requests reassignment.
//
// The fence serialises message processing against revocation: the
// consumption loop holds it shared while handling one message, and a
// revocation takes it exclusively. Once a revocation returns, no message of
// a revoked partition is processed or committed.
type AssignmentMonitor struct {
	groupID    string
	current    atomic.Pointer[Assignment]
	generation atomic.Uint64
	fence      sync.RWMutex

	onRelease func(parts []TopicPartition)
	handler   RebalanceHandler
	observer  Observer
	logger    Logger
}

// NewAssignmentMonitor creates a monitor in the Unassigned state
func NewAssignmentMonitor(groupID string, handler RebalanceHandler, observer Observer, logger Logger) *AssignmentMonitor {
	if handler == nil {
		handler = NoopHandler{}
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	if logger == nil {
		logger = NewNoopLogger()
	}
	m := &AssignmentMonitor{
		groupID:  groupID,
		handler:  handler,
		observer: observer,
		logger:   logger,
	}
	m.current.Store(emptyAssignment)
	return m
}

// OnRelease registers a hook run for partitions about to be given up,
// while processing is fenced and the partitions are still owned
func (m *AssignmentMonitor) OnRelease(fn func(parts []TopicPartition)) {
	m.onRelease = fn
}

// GroupID returns the consumer group scoping this assignment
func (m *AssignmentMonitor) GroupID() string {
	return m.groupID
}

// Assignment returns the current assignment snapshot
func (m *AssignmentMonitor) Assignment() *Assignment {
	return m.current.Load()
}

// State returns Assigned when at least one assignment is in effect
func (m *AssignmentMonitor) State() AssignmentState {
	if m.generation.Load() > 0 && m.current.Load() != emptyAssignment {
		return StateAssigned
	}
	return StateUnassigned
}

// Owns reports whether the partition is currently owned
func (m *AssignmentMonitor) Owns(tp TopicPartition) bool {
	return m.current.Load().Contains(tp.Topic, tp.Partition)
}

// Generation counts applied assignment changes
func (m *AssignmentMonitor) Generation() uint64 {
	return m.generation.Load()
}

// Handle applies a rebalance event. Assigned replaces the whole
// assignment, Revoked empties it, Error leaves it unchanged and returns a
// *RebalanceError.
func (m *AssignmentMonitor) Handle(event RebalanceEvent) error {
	switch event.Kind {
	case RebalanceAssigned:
		next := newAssignment(event.Partitions)
		m.replace(next)
		m.logger.Info("Partitions assigned for group %s: %v", m.groupID, next.Partitions())
		m.observer.RecordRebalance(RebalanceAssigned, next.Len())
		m.handler.OnRebalance(RebalanceEvent{Kind: RebalanceAssigned, Partitions: next.Partitions()})
		return nil

	case RebalanceRevoked:
		released := m.replace(emptyAssignment)
		m.logger.Info("Partitions revoked for group %s: %v", m.groupID, released)
		m.observer.RecordRebalance(RebalanceRevoked, len(released))
		m.handler.OnRebalance(RebalanceEvent{Kind: RebalanceRevoked, Partitions: released})
		return nil

	default:
		rebalanceErr := &RebalanceError{Err: event.Err}
		m.logger.Error("Rebalance error for group %s: %v", m.groupID, event.Err)
		m.observer.RecordRebalance(RebalanceFailed, 0)
		m.handler.OnRebalance(RebalanceEvent{Kind: RebalanceFailed, Partitions: event.Partitions, Err: rebalanceErr})
		return rebalanceErr
	}
}

// replace swaps in next under the exclusive fence and returns the
// partitions that were released
func (m *AssignmentMonitor) replace(next *Assignment) []TopicPartition {
	m.fence.Lock()
	defer m.fence.Unlock()

	released := m.current.Load().without(next)
	if len(released) > 0 && m.onRelease != nil {
		m.onRelease(released)
	}
	m.current.Store(next)
	m.generation.Add(1)
	return released
}

// acquire enters the shared side of the fence for one message
func (m *AssignmentMonitor) acquire() {
	m.fence.RLock()
}

func (m *AssignmentMonitor) release() {
	m.fence.RUnlock()
}
