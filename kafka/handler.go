package kafka

// DeliveryHandler receives exactly one outcome per submitted message
type DeliveryHandler interface {
	OnDelivery(outcome DeliveryOutcome)
}

// RebalanceHandler is notified of every rebalance event after the
// assignment monitor has applied it
type RebalanceHandler interface {
	OnRebalance(event RebalanceEvent)
}

// CommitHandler receives commit confirmations
type CommitHandler interface {
	OnCommit(confirmation CommitConfirmation)
}

// Handler is the full notification capability. All methods run on
// goroutines the application does not control: they must not block for
// long and must not call back into the producer or consumer synchronously.
type Handler interface {
	DeliveryHandler
	RebalanceHandler
	CommitHandler
}

// DeliveryHandlerFunc adapts a function to DeliveryHandler
type DeliveryHandlerFunc func(outcome DeliveryOutcome)

// OnDelivery calls f
func (f DeliveryHandlerFunc) OnDelivery(outcome DeliveryOutcome) { f(outcome) }

// RebalanceHandlerFunc adapts a function to RebalanceHandler
type RebalanceHandlerFunc func(event RebalanceEvent)

// OnRebalance calls f
func (f RebalanceHandlerFunc) OnRebalance(event RebalanceEvent) { f(event) }

// CommitHandlerFunc adapts a function to CommitHandler
type CommitHandlerFunc func(confirmation CommitConfirmation)

// OnCommit calls f
func (f CommitHandlerFunc) OnCommit(confirmation CommitConfirmation) { f(confirmation) }

// NoopHandler ignores every notification. Embed it to implement only some
// of the Handler methods.
type NoopHandler struct{}

func (NoopHandler) OnDelivery(DeliveryOutcome)  {}
func (NoopHandler) OnRebalance(RebalanceEvent)  {}
func (NoopHandler) OnCommit(CommitConfirmation) {}

var _ Handler = NoopHandler{}

// LoggingHandler writes every notification to a Logger
type LoggingHandler struct {
	logger Logger
}

var _ Handler = (*LoggingHandler)(nil)

// NewLoggingHandler creates a handler that logs; nil uses the default logger
func NewLoggingHandler(logger Logger) *LoggingHandler {
	if logger == nil {
		logger = NewDefaultLogger(LogLevelInfo)
	}
	return &LoggingHandler{logger: logger}
}

// OnDelivery logs the key with the partition and offset, or the failure
func (h *LoggingHandler) OnDelivery(outcome DeliveryOutcome) {
	if outcome.Err != nil {
		h.logger.Error("Failed to produce message with key %s: %v", outcome.Key(), outcome.Err)
		return
	}
	h.logger.Info("Produced message with key %s at offset %d of partition %d",
		outcome.Key(), outcome.Offset, outcome.Partition)
}

// OnRebalance logs assignments, revocations and rebalance errors
func (h *LoggingHandler) OnRebalance(event RebalanceEvent) {
	switch event.Kind {
	case RebalanceAssigned:
		for _, tp := range event.Partitions {
			h.logger.Info("Partition assigned: %s", tp)
		}
	case RebalanceRevoked:
		h.logger.Info("All partitions revoked")
	case RebalanceFailed:
		h.logger.Error("Rebalance error: %v", event.Err)
	}
}

// OnCommit logs committed offsets or the commit error
func (h *LoggingHandler) OnCommit(confirmation CommitConfirmation) {
	if confirmation.Err != nil {
		h.logger.Error("Error committing offsets: %v", confirmation.Err)
		return
	}
	for _, tp := range confirmation.Offsets {
		h.logger.Info("Committed offset %d in partition %s", tp.Offset, tp)
	}
}
