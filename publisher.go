package mq

import (
	"context"
	"errors"
	"fmt"
)

// Publisher sends messages through its connection's adapter. Each Send is a
// synchronous publish attempt with no internal buffering; batching, when a
// broker supports it, is the adapter's concern.
type Publisher struct {
	conn *Conn
}

// Send publishes payload to the configured queue.
//
// A transient transport failure triggers one transparent reconnect cycle
// before the failure surfaces as ErrPublish. Send fails with
// ErrConnectionClosed once the owning connection has been closed.
func (p *Publisher) Send(ctx context.Context, payload []byte) error {
	c := p.conn
	if err := c.ensureOpen(ctx); err != nil {
		return err
	}

	err := c.adapter.Publish(ctx, payload)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if rerr := c.reconnect(ctx, err); rerr != nil {
		if errors.Is(rerr, ErrConnectionClosed) {
			return rerr
		}
		return fmt.Errorf("%w: %w", ErrPublish, errors.Join(err, rerr))
	}
	if err = c.adapter.Publish(ctx, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}
