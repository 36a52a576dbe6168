package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsAdapter runs the uniform contract against NATS JetStream: a work-queue
// stream per queue name and a durable pull consumer with explicit acks.
// The JetStream ack-wait mirrors the configured ack deadline, so unsettled
// messages come back on their own.
type natsAdapter struct {
	cfg    Config
	stream string

	mu      sync.Mutex
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	pending map[string]*nats.Msg
	closed  bool
}

func newNATSAdapter(cfg Config) (*natsAdapter, error) {
	return &natsAdapter{cfg: cfg, stream: natsNameFor(cfg.Queue), closed: true}, nil
}

// natsNameFor maps a queue name onto a legal stream/durable name; stream
// names may not contain dots, spaces or wildcard characters.
func natsNameFor(queue string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '/', '\\':
			return '-'
		}
		return r
	}, queue)
}

func (a *natsAdapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []nats.Option{nats.Name("mq-" + a.stream)}
	if a.cfg.AuthToken != "" {
		opts = append(opts, nats.Token(a.cfg.AuthToken))
	}

	nc, err := nats.Connect(a.cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("mq: nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("mq: nats jetstream: %w", err)
	}

	a.mu.Lock()
	a.nc = nc
	a.js = js
	a.sub = nil
	a.pending = make(map[string]*nats.Msg)
	a.closed = false
	a.mu.Unlock()
	return nil
}

func (a *natsAdapter) DeclareQueue(_ context.Context, name string) error {
	js, err := a.jetStream()
	if err != nil {
		return err
	}

	stream := natsNameFor(name)
	info, err := js.StreamInfo(stream)
	if err == nil {
		for _, subject := range info.Config.Subjects {
			if subject == name {
				return nil
			}
		}
		return fmt.Errorf("%w: stream %q does not carry subject %q", ErrQueueConflict, stream, name)
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("mq: nats stream info %q: %w", stream, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{name},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("mq: nats add stream %q: %w", stream, err)
	}
	return nil
}

func (a *natsAdapter) Publish(ctx context.Context, payload []byte) error {
	js, err := a.jetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(a.cfg.Queue, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("mq: nats publish: %w", err)
	}
	return nil
}

func (a *natsAdapter) Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	sub, err := a.pullSubscription()
	if err != nil {
		return nil, err
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("mq: nats fetch: %w", err)
	}

	out := make([]Message, 0, len(msgs))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range msgs {
		meta, merr := m.Metadata()
		if merr != nil {
			continue
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		if a.pending != nil {
			a.pending[id] = m
		}
		out = append(out, Message{
			DeliveryID:      id,
			Payload:         m.Data,
			EnqueueTime:     meta.Timestamp,
			RedeliveryCount: int(meta.NumDelivered) - 1,
		})
	}
	return out, nil
}

func (a *natsAdapter) Ack(_ context.Context, deliveryID string) error {
	m, err := a.settleMsg(deliveryID)
	if err != nil || m == nil {
		return err
	}
	if aerr := m.Ack(); aerr != nil {
		return fmt.Errorf("mq: nats ack %s: %w", deliveryID, aerr)
	}
	return nil
}

func (a *natsAdapter) Nack(_ context.Context, deliveryID string) error {
	m, err := a.settleMsg(deliveryID)
	if err != nil || m == nil {
		return err
	}
	if nerr := m.Nak(); nerr != nil {
		return fmt.Errorf("mq: nats nack %s: %w", deliveryID, nerr)
	}
	return nil
}

func (a *natsAdapter) Capabilities() Capabilities {
	return Capabilities{
		// server-side cap on a single pull batch
		MaxPrefetch:       256,
		ExplicitNack:      true,
		DelayedRedelivery: true,
		ConcurrentOps:     true,
	}
}

// Close drains the subscription and the connection, like any orderly NATS
// shutdown; drained-but-unsettled messages return after the ack wait.
func (a *natsAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sub := a.sub
	nc := a.nc
	a.sub = nil
	a.pending = nil
	a.mu.Unlock()

	var closeErr error
	if sub != nil {
		if err := sub.Drain(); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
		nc.Close()
	}
	return closeErr
}

func (a *natsAdapter) jetStream() (nats.JetStreamContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.js == nil {
		return nil, ErrConnectionClosed
	}
	return a.js, nil
}

func (a *natsAdapter) pullSubscription() (*nats.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.js == nil {
		return nil, ErrConnectionClosed
	}
	if a.sub != nil {
		return a.sub, nil
	}

	sub, err := a.js.PullSubscribe(a.cfg.Queue, a.stream+"-pull",
		nats.AckExplicit(),
		nats.AckWait(a.cfg.AckDeadline),
		nats.MaxAckPending(a.cfg.Prefetch),
		nats.BindStream(a.stream),
	)
	if err != nil {
		return nil, fmt.Errorf("mq: nats pull subscribe: %w", err)
	}
	a.sub = sub
	return sub, nil
}

func (a *natsAdapter) settleMsg(deliveryID string) (*nats.Msg, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrConnectionClosed
	}
	m, ok := a.pending[deliveryID]
	if !ok {
		return nil, nil
	}
	delete(a.pending, deliveryID)
	return m, nil
}
