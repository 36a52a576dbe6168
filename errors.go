package mq

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect is returned when a broker connection cannot be established
	// within the configured attempt budget.
	ErrConnect = errors.New("mq: connect failed")
	// ErrPublish is returned when a publish attempt fails on transport.
	// Publishing is at-least-once; callers may retry.
	ErrPublish = errors.New("mq: publish failed")
	// ErrQueueConflict is returned when the queue already exists with
	// incompatible settings.
	ErrQueueConflict = errors.New("mq: queue exists with incompatible settings")
	// ErrDoubleAck is returned when a message is acked after a nack, or
	// nacked after an ack. Repeating the same outcome is a no-op instead.
	ErrDoubleAck = errors.New("mq: conflicting acknowledgment")
	// ErrConnectionClosed is returned on any operation through a closed Conn.
	ErrConnectionClosed = errors.New("mq: connection is closed")
	// ErrAlreadyClosed is returned when Close is called on an already closed Conn.
	ErrAlreadyClosed = errors.New("mq: already closed")
	// ErrUnknownBroker indicates an unsupported broker selector.
	ErrUnknownBroker = errors.New("mq: unknown broker")
	// ErrUnsupported is returned when a feature is not supported by the
	// selected broker.
	ErrUnsupported = errors.New("mq: unsupported operation")
	// ErrHandlerRequired is returned when a consume loop is started with a
	// nil handler.
	ErrHandlerRequired = errors.New("mq: handler is required")
	// ErrRetriesExhausted matches RetriesExhaustedError values via errors.Is.
	ErrRetriesExhausted = errors.New("mq: retries exhausted")
)

// RetriesExhaustedError reports a poison message: processing failed on every
// attempt allowed by Config.MaxRetries, and the message was dropped.
//
// It is delivered to the error sink, never returned from the consume loop.
type RetriesExhaustedError struct {
	// DeliveryID identifies the dropped message.
	DeliveryID string
	// Attempts is the total number of processing attempts made.
	Attempts int
	// Err is the error returned by the final processing attempt.
	Err error
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("mq: retries exhausted for delivery %s after %d attempts: %v",
		e.DeliveryID, e.Attempts, e.Err)
}

// Unwrap returns the final processing error.
func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Is reports whether target is ErrRetriesExhausted.
func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }
