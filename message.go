package mq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// AckState is the acknowledgment state of a received message.
type AckState int32

const (
	// AckPending means the message has been delivered but not yet settled.
	AckPending AckState = iota
	// AckAcked means processing succeeded and the broker was told to drop
	// the message.
	AckAcked
	// AckNacked means processing failed and the broker was asked to
	// redeliver the message.
	AckNacked
	// AckTimedOut means the ack deadline elapsed before the message was
	// settled; the broker will redeliver per its own policy.
	AckTimedOut
)

// String returns the lowercase state name.
func (s AckState) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckAcked:
		return "acked"
	case AckNacked:
		return "nacked"
	case AckTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("ackstate(%d)", int32(s))
	}
}

// Message is a received message. It is produced by an adapter and never
// mutated afterwards.
//
// DeliveryID is stable across redelivery of the same logical item, while
// RedeliveryCount strictly increases each time the broker redelivers it.
type Message struct {
	DeliveryID      string
	Payload         []byte
	EnqueueTime     time.Time
	RedeliveryCount int
}

// MessageHandle wraps one received Message with its acknowledgment state.
//
// Ack and Nack may each be repeated (the repeat is a no-op), but acking a
// nacked handle or vice versa fails with ErrDoubleAck. Once the ack deadline
// has expired, late Ack/Nack calls are accepted as no-ops: the broker owns
// the message again and will redeliver it.
type MessageHandle struct {
	msg   Message
	conn  *Conn
	state atomic.Int32
	timer *time.Timer
}

func newMessageHandle(conn *Conn, msg Message, deadline time.Duration) *MessageHandle {
	h := &MessageHandle{msg: msg, conn: conn}
	if deadline > 0 {
		h.timer = time.AfterFunc(deadline, h.expire)
	}
	return h
}

// Message returns the wrapped message.
func (h *MessageHandle) Message() Message { return h.msg }

// Payload returns the raw message payload.
func (h *MessageHandle) Payload() []byte { return h.msg.Payload }

// State returns the current acknowledgment state.
func (h *MessageHandle) State() AckState { return AckState(h.state.Load()) }

// Ack acknowledges successful processing. The broker drops the message.
func (h *MessageHandle) Ack(ctx context.Context) error {
	return h.settle(ctx, AckAcked, h.conn.ack)
}

// Nack reports failed processing and requests redelivery.
func (h *MessageHandle) Nack(ctx context.Context) error {
	return h.settle(ctx, AckNacked, h.conn.nack)
}

func (h *MessageHandle) settle(ctx context.Context, to AckState, op func(context.Context, string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for {
		switch cur := AckState(h.state.Load()); cur {
		case to:
			// repeated outcome is idempotent
			return nil
		case AckTimedOut:
			h.conn.sink(fmt.Errorf("mq: stale %s for delivery %s: ack deadline already expired", to, h.msg.DeliveryID))
			return nil
		case AckAcked, AckNacked:
			return fmt.Errorf("%w: delivery %s already %s, cannot %s", ErrDoubleAck, h.msg.DeliveryID, cur, to)
		}
		if h.state.CompareAndSwap(int32(AckPending), int32(to)) {
			break
		}
	}

	if h.timer != nil {
		h.timer.Stop()
	}
	return op(ctx, h.msg.DeliveryID)
}

// expire runs on the deadline timer, independent of the processing goroutine.
func (h *MessageHandle) expire() {
	if h.state.CompareAndSwap(int32(AckPending), int32(AckTimedOut)) {
		h.conn.log.Warn("ack deadline expired, message returns to broker",
			"delivery_id", h.msg.DeliveryID, "queue", h.conn.cfg.Queue)
	}
}
