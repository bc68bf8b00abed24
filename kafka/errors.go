package kafka

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrAborted           = errors.New("delivery aborted: producer closed before flush completed")
	ErrFlushTimeout      = errors.New("flush timed out")
	ErrMessageTooLarge   = errors.New("message exceeds maximum record size")
	ErrClosed            = errors.New("client is closed")
	ErrAlreadyRunning    = errors.New("consumer is already running")
	ErrAutoCommitEnabled = errors.New("auto commit is enabled; manual commit is unavailable")
	ErrNoHandler         = errors.New("no message handler registered")
	ErrStopped           = errors.New("consumer stopped")
)

// ConfigError is returned at construction time and is fatal
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func configErrorf(key, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// SendError is the failure carried by a DeliveryOutcome. The caller may
// resubmit Message.
type SendError struct {
	Message *Message
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("delivery to %s failed (key=%q): %v", e.Message.Topic, e.Message.Key, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DecodeError means the payload could not be decoded. It is distinct from
// a ProcessingError and never advances the commit point on its own.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s[%d]@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProcessingError is an application failure; the message is not committed
type ProcessingError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process %s[%d]@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// CommitError is returned by sync commits and carried by async confirmations.
// The core never retries a failed commit.
type CommitError struct {
	Offsets []TopicPartition
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of %d partition(s) failed: %v", len(e.Offsets), e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// RebalanceError is reported when a rebalance fails; the current assignment
// is left unchanged.
type RebalanceError struct {
	Err error
}

func (e *RebalanceError) Error() string {
	return fmt.Sprintf("rebalance error: %v", e.Err)
}

func (e *RebalanceError) Unwrap() error { return e.Err }

// wrapHandlerError classifies a handler error, keeping DecodeErrors as-is
func wrapHandlerError(msg *Message, err error) error {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr
	}
	return &ProcessingError{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Err:       err,
	}
}
