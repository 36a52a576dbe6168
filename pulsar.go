package mq

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

// pulsarSubscription is the shared subscription all consumers of a queue
// attach to; sharing one name is what turns a partitioned topic into a
// competing-consumer queue.
const pulsarSubscription = "mq-sub"

// pulsarAdapter runs the uniform contract against Apache Pulsar: a shared
// subscription from the earliest position, serialized message ids as
// delivery ids, and near-immediate redelivery of nacked messages (the
// retrying consumer applies its own backoff before nacking).
type pulsarAdapter struct {
	cfg Config
	url string

	mu       sync.Mutex
	client   pulsar.Client
	producer pulsar.Producer
	consumer pulsar.Consumer
	closed   bool
}

func newPulsarAdapter(cfg Config) (*pulsarAdapter, error) {
	addr := cfg.Address
	if !strings.HasPrefix(addr, "pulsar") {
		addr = "pulsar://" + addr
	}
	return &pulsarAdapter{cfg: cfg, url: addr, closed: true}, nil
}

func (a *pulsarAdapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := pulsar.ClientOptions{URL: a.url}
	if a.cfg.AuthToken != "" {
		opts.Authentication = pulsar.NewAuthenticationToken(a.cfg.AuthToken)
	}

	client, err := pulsar.NewClient(opts)
	if err != nil {
		return fmt.Errorf("mq: pulsar new client: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.producer = nil
	a.consumer = nil
	a.closed = false
	a.mu.Unlock()
	return nil
}

// DeclareQueue attaches the shared subscription to the topic and detaches
// again. The durable subscription makes the broker retain messages
// published before any consumer shows up.
func (a *pulsarAdapter) DeclareQueue(_ context.Context, name string) error {
	client, err := a.pulsarClient()
	if err != nil {
		return err
	}

	sub, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       name,
		SubscriptionName:            pulsarSubscription,
		Type:                        pulsar.Shared,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		return fmt.Errorf("mq: pulsar declare %q: %w", name, err)
	}
	sub.Close()
	return nil
}

func (a *pulsarAdapter) Publish(ctx context.Context, payload []byte) error {
	producer, err := a.getProducer()
	if err != nil {
		return err
	}
	if _, err := producer.Send(ctx, &pulsar.ProducerMessage{Payload: payload}); err != nil {
		return fmt.Errorf("mq: pulsar publish: %w", err)
	}
	return nil
}

func (a *pulsarAdapter) Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	consumer, err := a.getConsumer()
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out []Message
	for len(out) < max {
		msg, rerr := consumer.Receive(rctx)
		if rerr != nil {
			if errors.Is(rerr, context.DeadlineExceeded) {
				return out, nil
			}
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("mq: pulsar receive: %w", rerr)
		}
		out = append(out, Message{
			DeliveryID:      hex.EncodeToString(msg.ID().Serialize()),
			Payload:         msg.Payload(),
			EnqueueTime:     msg.PublishTime(),
			RedeliveryCount: int(msg.RedeliveryCount()),
		})
	}
	return out, nil
}

func (a *pulsarAdapter) Ack(_ context.Context, deliveryID string) error {
	consumer, id, err := a.resolve(deliveryID)
	if err != nil || consumer == nil {
		return err
	}
	if aerr := consumer.AckID(id); aerr != nil {
		return fmt.Errorf("mq: pulsar ack %s: %w", deliveryID, aerr)
	}
	return nil
}

func (a *pulsarAdapter) Nack(_ context.Context, deliveryID string) error {
	consumer, id, err := a.resolve(deliveryID)
	if err != nil || consumer == nil {
		return err
	}
	consumer.NackID(id)
	return nil
}

func (a *pulsarAdapter) Capabilities() Capabilities {
	return Capabilities{
		// receiver queue size ceiling
		MaxPrefetch:       1000,
		ExplicitNack:      true,
		DelayedRedelivery: true,
		ConcurrentOps:     true,
	}
}

// Close releases producer, consumer and client; the broker redelivers
// whatever was still unacknowledged.
func (a *pulsarAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.producer != nil {
		a.producer.Close()
		a.producer = nil
	}
	if a.consumer != nil {
		a.consumer.Close()
		a.consumer = nil
	}
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	return nil
}

func (a *pulsarAdapter) pulsarClient() (pulsar.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.client == nil {
		return nil, ErrConnectionClosed
	}
	return a.client, nil
}

func (a *pulsarAdapter) getProducer() (pulsar.Producer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.client == nil {
		return nil, ErrConnectionClosed
	}
	if a.producer == nil {
		p, err := a.client.CreateProducer(pulsar.ProducerOptions{Topic: a.cfg.Queue})
		if err != nil {
			return nil, fmt.Errorf("mq: pulsar create producer: %w", err)
		}
		a.producer = p
	}
	return a.producer, nil
}

func (a *pulsarAdapter) getConsumer() (pulsar.Consumer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.client == nil {
		return nil, ErrConnectionClosed
	}
	if a.consumer == nil {
		c, err := a.client.Subscribe(pulsar.ConsumerOptions{
			Topic:                       a.cfg.Queue,
			SubscriptionName:            pulsarSubscription,
			Type:                        pulsar.Shared,
			SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
			ReceiverQueueSize:           a.cfg.Prefetch,
			NackRedeliveryDelay:         time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("mq: pulsar subscribe: %w", err)
		}
		a.consumer = c
	}
	return a.consumer, nil
}

// resolve deserializes a delivery id. A nil consumer with nil error means
// there is nothing to settle, which callers treat as a no-op.
func (a *pulsarAdapter) resolve(deliveryID string) (pulsar.Consumer, pulsar.MessageID, error) {
	raw, err := hex.DecodeString(deliveryID)
	if err != nil {
		return nil, nil, fmt.Errorf("mq: pulsar delivery id %q: %w", deliveryID, err)
	}
	id, err := pulsar.DeserializeMessageID(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("mq: pulsar delivery id %q: %w", deliveryID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, ErrConnectionClosed
	}
	if a.consumer == nil {
		return nil, nil, nil
	}
	return a.consumer, id, nil
}
