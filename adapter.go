package mq

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Supported broker selectors for Config.Broker.
const (
	// BrokerPulsar selects the Apache Pulsar backend.
	BrokerPulsar = "pulsar"
	// BrokerRabbitMQ selects the RabbitMQ backend.
	BrokerRabbitMQ = "rabbitmq"
	// BrokerGCP selects the Google Pub/Sub backend.
	BrokerGCP = "gcp"
	// BrokerNATS selects the NATS JetStream backend.
	BrokerNATS = "nats"
	// BrokerMemory selects the in-process backend used for tests and local
	// development.
	BrokerMemory = "mem"
)

// Adapter translates the uniform queue contract into broker-specific calls.
// One implementation exists per broker; each is a flat struct selected by
// the Config.Broker value.
//
// All methods must be idempotent where the contract says so: DeclareQueue
// may be repeated, a duplicate Ack/Nack for an already-settled delivery must
// not raise and must not double-deliver, and Close is safe to call multiple
// times. Receive blocks at most timeout and returns what it has; it never
// blocks indefinitely.
type Adapter interface {
	// Connect establishes the broker session.
	Connect(ctx context.Context) error

	// DeclareQueue idempotently creates the queue/topic/subscription if
	// absent. It fails with ErrQueueConflict when the existing settings are
	// incompatible.
	DeclareQueue(ctx context.Context, name string) error

	// Publish sends payload with at-least-once semantics.
	Publish(ctx context.Context, payload []byte) error

	// Receive returns up to max messages, blocking up to timeout.
	// A timeout with nothing received yields an empty result, not an error.
	Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error)

	// Ack acknowledges the delivery with the given id.
	Ack(ctx context.Context, deliveryID string) error

	// Nack negatively acknowledges the delivery with the given id.
	Nack(ctx context.Context, deliveryID string) error

	// Capabilities describes what this backend supports.
	Capabilities() Capabilities

	// Close releases all adapter resources.
	Close() error
}

// newAdapter constructs the Adapter matching cfg.Broker.
func newAdapter(cfg Config) (Adapter, error) {
	switch strings.TrimSpace(cfg.Broker) {
	case BrokerPulsar:
		return newPulsarAdapter(cfg)
	case BrokerRabbitMQ:
		return newRabbitAdapter(cfg)
	case BrokerGCP:
		return newPubSubAdapter(cfg)
	case BrokerNATS:
		return newNATSAdapter(cfg)
	case BrokerMemory:
		return newMemAdapter(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, cfg.Broker)
	}
}
