package kafka

import (
	"context"
	"encoding/json"
)

// DecodeFunc decodes a message payload into a typed value
type DecodeFunc[T any] func([]byte) (T, error)

// TypedHandler handles a decoded payload together with its message
type TypedHandler[T any] func(ctx context.Context, value T, msg *Message) error

// JSONDecode decodes a JSON payload into T
func JSONDecode[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// WithDecoder wraps a typed handler with a decoder. A payload that fails to
// decode is reported as a *DecodeError and the handler is not called.
func WithDecoder[T any](decode DecodeFunc[T], handler TypedHandler[T]) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		value, err := decode(msg.Value)
		if err != nil {
			return &DecodeError{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Err:       err,
			}
		}
		return handler(ctx, value, msg)
	}
}

// DecodeJSON is WithDecoder with JSON payloads
func DecodeJSON[T any](handler TypedHandler[T]) MessageHandler {
	return WithDecoder(JSONDecode[T], handler)
}
