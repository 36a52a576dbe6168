// Package mq provides a broker-agnostic API for publishing and consuming
// messages.
//
// The goal is to keep application code independent from the underlying
// message broker (Apache Pulsar, RabbitMQ, Google Pub/Sub, NATS JetStream).
// A Config value selects the concrete broker at runtime; producer and
// consumer code is written once against Conn, Publisher, Consumer and
// RetryingConsumer.
//
// The package guarantees at-least-once delivery with idempotent
// acknowledgment. Exactly-once delivery is out of scope: handlers are
// expected to be idempotent, and de-duplication is the consumer's
// responsibility.
package mq
