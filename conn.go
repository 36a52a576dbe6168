package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sethvargo/go-retry"
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	// StateClosed means no live broker session exists.
	StateClosed ConnState = iota
	// StateConnecting means a session is being established.
	StateConnecting
	// StateOpen means the broker session is live.
	StateOpen
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("connstate(%d)", int32(s))
	}
}

// ErrorSink receives errors the consume machinery handles itself rather than
// surfacing: poison messages, stale acknowledgments, reconnect causes.
// Implementations must be safe for concurrent use.
type ErrorSink func(error)

// Conn owns exactly one live adapter instance and its lifecycle. Publisher
// and Consumer hold only a reference to the Conn and never outlive it.
//
// After an open connection drops, the next operation transparently re-opens
// it within the configured attempt budget; the outage goes to the error sink
// instead of the caller.
type Conn struct {
	cfg     Config
	adapter Adapter
	log     *slog.Logger
	sink    ErrorSink

	mu     sync.Mutex // serializes lifecycle transitions
	state  atomic.Int32
	closed bool
}

// Open validates cfg, constructs the matching adapter and establishes the
// broker session, retrying transient failures with exponential backoff up to
// cfg.ConnectAttempts. It also declares the configured queue.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Conn{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.sink == nil {
		log := c.log
		c.sink = func(err error) { log.Error("mq consume error", "err", err) }
	}
	if c.adapter == nil {
		a, err := newAdapter(cfg)
		if err != nil {
			return nil, err
		}
		c.adapter = a
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns a copy of the connection's configuration.
func (c *Conn) Config() Config { return c.cfg }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Publisher returns a publisher bound to this connection.
func (c *Conn) Publisher() *Publisher { return &Publisher{conn: c} }

// Consumer returns a consumer bound to this connection.
func (c *Conn) Consumer() *Consumer { return &Consumer{conn: c} }

// Close releases the adapter and makes all outstanding Publisher, Consumer
// and MessageHandle references unusable. Messages still pending at close
// time are left to the broker to redeliver. A second Close fails with
// ErrAlreadyClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}
	c.closed = true
	c.state.Store(int32(StateClosed))

	if err := c.adapter.Close(); err != nil {
		return fmt.Errorf("mq: close %s: %w", c.cfg.Broker, err)
	}
	return nil
}

// open establishes the session. Callers hold c.mu.
func (c *Conn) open(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	b := retry.NewExponential(c.cfg.BackoffInitial)
	b = retry.WithCappedDuration(c.cfg.BackoffCap, b)
	b = retry.WithMaxRetries(uint64(c.cfg.ConnectAttempts-1), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if cerr := c.adapter.Connect(ctx); cerr != nil {
			c.log.WarnContext(ctx, "broker connect failed",
				"broker", c.cfg.Broker, "queue", c.cfg.Queue, "err", cerr)
			return retry.RetryableError(cerr)
		}
		return nil
	})
	if err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("%w: %s after %d attempts: %w",
			ErrConnect, c.cfg.Broker, c.cfg.ConnectAttempts, err)
	}

	if err := c.adapter.DeclareQueue(ctx, c.cfg.Queue); err != nil {
		_ = c.adapter.Close()
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("mq: declare queue %q: %w", c.cfg.Queue, err)
	}

	c.state.Store(int32(StateOpen))
	return nil
}

// ensureOpen re-opens a dropped connection before an operation proceeds.
func (c *Conn) ensureOpen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if ConnState(c.state.Load()) == StateOpen {
		return nil
	}
	c.sink(fmt.Errorf("mq: connection to %s was down, reopening", c.cfg.Broker))
	return c.open(ctx)
}

// reconnect tears the session down and re-opens it after a transport failure.
func (c *Conn) reconnect(ctx context.Context, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	c.sink(fmt.Errorf("mq: reconnecting to %s: %w", c.cfg.Broker, cause))
	_ = c.adapter.Close()
	c.state.Store(int32(StateClosed))
	return c.open(ctx)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) ack(ctx context.Context, deliveryID string) error {
	return c.settleOp(ctx, func(ctx context.Context) error {
		return c.adapter.Ack(ctx, deliveryID)
	})
}

func (c *Conn) nack(ctx context.Context, deliveryID string) error {
	return c.settleOp(ctx, func(ctx context.Context) error {
		return c.adapter.Nack(ctx, deliveryID)
	})
}

// settleOp applies an adapter ack or nack with the same one-shot transparent
// reconnect a failed publish gets.
func (c *Conn) settleOp(ctx context.Context, op func(context.Context) error) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}

	err := op(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if rerr := c.reconnect(ctx, err); rerr != nil {
		return rerr
	}
	return op(ctx)
}
