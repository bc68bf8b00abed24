package kafka

import (
	"sync"
	"time"
)

// DeliveryOutcome is the final result for one submitted message.
// Err == nil means the broker stored the message at Partition/Offset;
// otherwise Err is a *SendError and Offset is OffsetInvalid.
type DeliveryOutcome struct {
	Message   *Message
	Partition int32
	Offset    int64
	Err       error
}

// Succeeded reports whether the message was stored by the broker
func (o DeliveryOutcome) Succeeded() bool {
	return o.Err == nil
}

// Key returns the message key as a string, empty when the message had none.
// It is available on both the success and the failure path.
func (o DeliveryOutcome) Key() string {
	if o.Message == nil {
		return ""
	}
	return string(o.Message.Key)
}

// pending is one message between Submit and its outcome
type pending struct {
	id      uint64
	msg     *Message
	once    sync.Once
	start   time.Time
	endSpan func(error)
	notify  func(DeliveryOutcome)
}

// DeliveryTracker turns transport delivery reports into DeliveryOutcomes and
// hands them to the DeliveryHandler. It keeps no correlation state of its
// own: the transport report already identifies the message.
type DeliveryTracker struct {
	handler  DeliveryHandler
	observer Observer
}

// NewDeliveryTracker creates a tracker; nil arguments become no-ops
func NewDeliveryTracker(handler DeliveryHandler, observer Observer) *DeliveryTracker {
	if handler == nil {
		handler = NoopHandler{}
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	return &DeliveryTracker{handler: handler, observer: observer}
}

// complete dispatches the outcome for p once. It returns false when an
// outcome was already dispatched (e.g. the message was aborted first).
func (t *DeliveryTracker) complete(p *pending, report DeliveryReport) bool {
	dispatched := false
	p.once.Do(func() {
		outcome := DeliveryOutcome{
			Message:   p.msg,
			Partition: report.Partition,
			Offset:    report.Offset,
		}
		if report.Err != nil {
			outcome.Err = &SendError{Message: p.msg, Err: report.Err}
			outcome.Offset = OffsetInvalid
		}

		if p.endSpan != nil {
			p.endSpan(outcome.Err)
		}
		t.observer.RecordDelivery(p.msg.Topic, outcome.Err == nil, time.Since(p.start))
		t.handler.OnDelivery(outcome)
		if p.notify != nil {
			p.notify(outcome)
		}
		dispatched = true
	})
	return dispatched
}
