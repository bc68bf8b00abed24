package kafka

import "time"

// Processing outcomes reported to Observer.RecordProcessed
const (
	OutcomeSuccess     = "success"
	OutcomeDuplicate   = "duplicate"
	OutcomeSkipped     = "skipped"
	OutcomeDeadLetter  = "dead_letter"
	OutcomeFailed      = "failed"
	OutcomeDecodeError = "decode_error"
	OutcomeNotOwned    = "not_owned"
)

// Observer receives metric events from the producer and consumer
type Observer interface {
	RecordDelivery(topic string, success bool, latency time.Duration)
	RecordProcessed(topic string, outcome string)
	RecordCommit(mode CommitMode, partitions int, err error)
	RecordRebalance(kind RebalanceKind, partitions int)
}

// NoopObserver discards all metric events
type NoopObserver struct{}

func (NoopObserver) RecordDelivery(_ string, _ bool, _ time.Duration) {}
func (NoopObserver) RecordProcessed(_ string, _ string)               {}
func (NoopObserver) RecordCommit(_ CommitMode, _ int, _ error)        {}
func (NoopObserver) RecordRebalance(_ RebalanceKind, _ int)           {}

// multiObserver fans events out to several observers
type multiObserver []Observer

// MultiObserver combines observers, e.g. Prometheus and OpenTelemetry
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

func (m multiObserver) RecordDelivery(topic string, success bool, latency time.Duration) {
	for _, o := range m {
		o.RecordDelivery(topic, success, latency)
	}
}

func (m multiObserver) RecordProcessed(topic string, outcome string) {
	for _, o := range m {
		o.RecordProcessed(topic, outcome)
	}
}

func (m multiObserver) RecordCommit(mode CommitMode, partitions int, err error) {
	for _, o := range m {
		o.RecordCommit(mode, partitions, err)
	}
}

func (m multiObserver) RecordRebalance(kind RebalanceKind, partitions int) {
	for _, o := range m {
		o.RecordRebalance(kind, partitions)
	}
}
