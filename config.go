package mq

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default configuration values. The timeout, retry-delay and attempt defaults
// keep a single lost packet from stalling a consumer for long while still
// bounding how hard the client hammers a struggling broker.
const (
	DefaultPollTimeout       = time.Second
	DefaultAckDeadline       = 30 * time.Second
	DefaultPrefetch          = 1
	DefaultMaxRetries        = 2
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffCap        = 30 * time.Second
	// DefaultConnectAttempts is one initial try plus two retries.
	DefaultConnectAttempts = 3
)

// Config selects and parameterizes a broker connection.
//
// A Config is immutable once a Conn has been opened from it; Conn keeps its
// own copy.
type Config struct {
	// Broker selects the backend: one of the Broker* constants.
	Broker string

	// Address is the broker endpoint. For the GCP backend this is the
	// project ID; for the others it is a server address or URL (scheme
	// optional, the adapter adds the broker default).
	Address string

	// AuthToken is an optional token passed to brokers that accept token
	// authentication (Pulsar JWT, NATS token).
	AuthToken string

	// CredentialsFile is an optional service-account credentials path used
	// by the GCP backend.
	CredentialsFile string

	// Queue is the queue/topic/subject name messages are published to and
	// consumed from.
	Queue string

	// Prefetch is the maximum number of unacknowledged messages a consumer
	// holds concurrently. Clamped to the adapter's advertised maximum.
	Prefetch int

	// AckDeadline is the window after delivery in which a message must be
	// acked or nacked before it is presumed failed and redelivered.
	AckDeadline time.Duration

	// MaxRetries bounds redelivery attempts per message: a message is
	// processed at most MaxRetries+1 times before it is dropped.
	MaxRetries int

	// BackoffInitial, BackoffMultiplier and BackoffCap shape the delay
	// between redelivery attempts and between connection attempts.
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration

	// PollTimeout bounds how long a single Poll blocks waiting for messages.
	PollTimeout time.Duration

	// ConnectAttempts bounds connection attempts (initial try included)
	// before Open or a transparent reconnect fails with ErrConnect.
	ConnectAttempts int
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.AckDeadline <= 0 {
		c.AckDeadline = DefaultAckDeadline
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.BackoffCap < c.BackoffInitial {
		c.BackoffCap = c.BackoffInitial
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	return c
}

// Validate reports configuration errors that no default can repair.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Broker) == "" {
		errs = append(errs, errors.New("mq: broker is required"))
	}
	if strings.TrimSpace(c.Queue) == "" {
		errs = append(errs, errors.New("mq: queue name is required"))
	}
	if c.Broker != BrokerMemory && strings.TrimSpace(c.Address) == "" {
		errs = append(errs, fmt.Errorf("mq: address is required for broker %q", c.Broker))
	}
	return errors.Join(errs...)
}
