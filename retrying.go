package mq

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Handler processes a received message. Returning a non-nil error requests
// redelivery; the retrying consumer bounds redeliveries per message with
// Config.MaxRetries. Handlers are expected to be idempotent: under
// at-least-once delivery the same logical message may arrive more than once.
type Handler func(ctx context.Context, msg Message) error

// RetryingConsumer is the principal consumption abstraction. It orchestrates
// poll, handler invocation and acknowledgment, layering bounded retry with
// exponential backoff on top of the raw Consumer.
//
// Per message: a successful handler return acks; a failure waits the current
// backoff interval and nacks for redelivery (or, when the backend lacks
// explicit nack, lets the ack deadline lapse); once the retry budget is
// spent, the message is acked to drop it and a RetriesExhaustedError goes to
// the error sink. The loop never terminates because one message failed.
type RetryingConsumer struct {
	conn     *Conn
	consumer *Consumer
	sink     ErrorSink
}

// NewRetryingConsumer builds a retrying consumer on conn, reporting handled
// errors to the connection's error sink.
func NewRetryingConsumer(conn *Conn) *RetryingConsumer {
	return &RetryingConsumer{conn: conn, consumer: conn.Consumer(), sink: conn.sink}
}

// Consume runs a RetryingConsumer loop on this connection until ctx is
// canceled or the connection fails fatally.
func (c *Conn) Consume(ctx context.Context, handler Handler) error {
	return NewRetryingConsumer(c).Run(ctx, handler)
}

// retryState is the explicit per-message retry bookkeeping threaded through
// the loop: an attempt counter plus the next-delay generator. Keeping it as
// loop state bounds stack depth under many retries.
type retryState struct {
	attempts int
	backoff  retry.Backoff
}

// Run polls and processes messages until ctx is canceled, the connection is
// closed, or connecting fails past its budget. A failed poll tears the broker
// session down and re-opens it before polling again; handler errors and
// poison messages go to the error sink and never stop the loop.
func (rc *RetryingConsumer) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrHandlerRequired
	}

	states := make(map[string]*retryState)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		handles, err := rc.consumer.Poll(ctx, 0)
		if err != nil {
			if isFatalConsumeError(err) {
				return err
			}
			rc.sink(err)
			// transport failure: wait out one backoff interval, then rebuild
			// the session before the next poll
			if serr := sleepContext(ctx, rc.conn.cfg.BackoffInitial); serr != nil {
				return serr
			}
			if rerr := rc.conn.reconnect(ctx, err); rerr != nil {
				return rerr
			}
			continue
		}

		for _, h := range handles {
			if err := rc.process(ctx, handler, h, states); err != nil {
				return err
			}
		}
	}
}

// process runs one message through the handler and settles the handle
// exactly once per exit path. Only fatal errors are returned; everything
// message-scoped goes to the sink.
func (rc *RetryingConsumer) process(ctx context.Context, handler Handler, h *MessageHandle, states map[string]*retryState) error {
	msg := h.Message()

	st := states[msg.DeliveryID]
	if st == nil {
		st = &retryState{backoff: messageBackoff(rc.conn.cfg)}
		states[msg.DeliveryID] = st
	}
	if msg.RedeliveryCount > st.attempts {
		// redelivered from a previous consumer: inherit the spent budget
		st.attempts = msg.RedeliveryCount
	}

	herr := rc.invoke(ctx, handler, msg)
	if herr == nil {
		delete(states, msg.DeliveryID)
		return rc.settle(ctx, h.Ack)
	}

	st.attempts++
	if st.attempts > rc.conn.cfg.MaxRetries {
		delete(states, msg.DeliveryID)
		rc.sink(&RetriesExhaustedError{DeliveryID: msg.DeliveryID, Attempts: st.attempts, Err: herr})
		// drop the poison message so the queue keeps moving
		return rc.settle(ctx, h.Ack)
	}

	delay, _ := st.backoff.Next()
	if err := sleepContext(ctx, delay); err != nil {
		return err
	}

	if !rc.conn.adapter.Capabilities().ExplicitNack {
		// no negative ack on this backend: leave the handle pending and let
		// the ack deadline return the message to the broker
		return nil
	}
	return rc.settle(ctx, h.Nack)
}

// settle applies an acknowledgment outcome, keeping the loop alive on
// anything but a closed connection.
func (rc *RetryingConsumer) settle(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.Canceled) {
		return err
	}
	rc.sink(err)
	return nil
}

// messageBackoff builds the per-message redelivery delay sequence:
// BackoffInitial scaled by BackoffMultiplier after each failure, capped at
// BackoffCap. Delays are non-decreasing.
func messageBackoff(cfg Config) retry.Backoff {
	cur := cfg.BackoffInitial
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := cur
		next := time.Duration(float64(cur) * cfg.BackoffMultiplier)
		if next > cfg.BackoffCap {
			next = cfg.BackoffCap
		}
		if next < cur {
			next = cur
		}
		cur = next
		return d, false
	})
}

func isFatalConsumeError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConnect) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
