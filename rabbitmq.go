package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitGetInterval paces the basic.get loop inside Receive; basic.get has
// no server-side wait of its own.
const rabbitGetInterval = 50 * time.Millisecond

// rabbitAdapter runs the uniform contract against RabbitMQ through a single
// connection/channel pair with publisher confirms and prefetch QoS.
//
// Delivery ids are channel delivery tags, so they are only meaningful for
// the lifetime of one channel; the pending map keeps duplicate acks for
// already-settled tags from closing the channel. AMQP reports redelivery as
// a boolean flag, so RedeliveryCount saturates at 1 on this backend and the
// consume loop's own attempt counter carries the real count.
type rabbitAdapter struct {
	cfg Config
	url string

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	pending map[uint64]struct{}
	closed  bool
}

func newRabbitAdapter(cfg Config) (*rabbitAdapter, error) {
	addr := cfg.Address
	if !strings.Contains(addr, "://") {
		addr = "amqp://" + addr
	}
	return &rabbitAdapter{cfg: cfg, url: addr, closed: true}, nil
}

func (a *rabbitAdapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("mq: rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mq: rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mq: rabbitmq confirm mode: %w", err)
	}

	prefetch := a.cfg.Prefetch
	if prefetch > 65535 {
		prefetch = 65535
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mq: rabbitmq qos: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.ch = ch
	a.pending = make(map[uint64]struct{})
	a.closed = false
	a.mu.Unlock()
	return nil
}

func (a *rabbitAdapter) DeclareQueue(_ context.Context, name string) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(name, false, false, false, false, nil)
	if err != nil {
		var aerr *amqp.Error
		if errors.As(err, &aerr) && aerr.Code == amqp.PreconditionFailed {
			return fmt.Errorf("%w: %s: %v", ErrQueueConflict, name, err)
		}
		return fmt.Errorf("mq: rabbitmq declare %q: %w", name, err)
	}
	return nil
}

func (a *rabbitAdapter) Publish(ctx context.Context, payload []byte) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", a.cfg.Queue, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("mq: rabbitmq publish: %w", err)
	}

	select {
	case <-dc.Done():
		if !dc.Acked() {
			return fmt.Errorf("mq: rabbitmq publish: broker nacked delivery %d", dc.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *rabbitAdapter) Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	ch, err := a.channel()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	var out []Message
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		d, ok, gerr := ch.Get(a.cfg.Queue, false)
		if gerr != nil {
			return out, fmt.Errorf("mq: rabbitmq get: %w", gerr)
		}
		if ok {
			out = append(out, a.track(d))
			continue
		}
		if len(out) > 0 || !time.Now().Before(deadline) {
			return out, nil
		}
		if err := sleepContext(ctx, rabbitGetInterval); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (a *rabbitAdapter) Ack(_ context.Context, deliveryID string) error {
	ch, tag, ok, err := a.settleTag(deliveryID)
	if err != nil || !ok {
		return err
	}
	if aerr := ch.Ack(tag, false); aerr != nil {
		return fmt.Errorf("mq: rabbitmq ack %d: %w", tag, aerr)
	}
	return nil
}

func (a *rabbitAdapter) Nack(_ context.Context, deliveryID string) error {
	ch, tag, ok, err := a.settleTag(deliveryID)
	if err != nil || !ok {
		return err
	}
	if nerr := ch.Nack(tag, false, true); nerr != nil {
		return fmt.Errorf("mq: rabbitmq nack %d: %w", tag, nerr)
	}
	return nil
}

func (a *rabbitAdapter) Capabilities() Capabilities {
	return Capabilities{
		MaxPrefetch:       65535,
		ExplicitNack:      true,
		DelayedRedelivery: false,
		ConcurrentOps:     true,
	}
}

func (a *rabbitAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.pending = nil

	var closeErr error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = errors.Join(closeErr, err)
		}
	}
	return closeErr
}

func (a *rabbitAdapter) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.ch == nil {
		return nil, ErrConnectionClosed
	}
	return a.ch, nil
}

// track records a delivery as outstanding and converts it.
func (a *rabbitAdapter) track(d amqp.Delivery) Message {
	a.mu.Lock()
	if a.pending != nil {
		a.pending[d.DeliveryTag] = struct{}{}
	}
	a.mu.Unlock()

	redelivered := 0
	if d.Redelivered {
		redelivered = 1
	}
	return Message{
		DeliveryID:      strconv.FormatUint(d.DeliveryTag, 10),
		Payload:         d.Body,
		EnqueueTime:     d.Timestamp,
		RedeliveryCount: redelivered,
	}
}

// settleTag resolves a delivery id to its tag and removes it from the
// outstanding set. A tag that is not outstanding was already settled, and
// the caller treats the duplicate as a no-op.
func (a *rabbitAdapter) settleTag(deliveryID string) (*amqp.Channel, uint64, bool, error) {
	tag, err := strconv.ParseUint(deliveryID, 10, 64)
	if err != nil {
		return nil, 0, false, fmt.Errorf("mq: rabbitmq delivery id %q: %w", deliveryID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.ch == nil {
		return nil, 0, false, ErrConnectionClosed
	}
	if _, ok := a.pending[tag]; !ok {
		return nil, 0, false, nil
	}
	delete(a.pending, tag)
	return a.ch, tag, true, nil
}
