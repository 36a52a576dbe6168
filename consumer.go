package mq

import (
	"context"
)

// Consumer pulls messages through its connection's adapter. Multiple
// Consumer instances against the same queue compete for messages per the
// broker's own distribution policy; the abstraction adds no lock around
// Poll.
type Consumer struct {
	conn *Conn
}

// Poll synchronously pulls up to max messages, blocking at most the
// connection's PollTimeout. A timeout with nothing received returns an empty
// slice, not an error. max values of zero or less fall back to the
// configured Prefetch, and any request above the adapter's advertised
// maximum is clamped rather than failed.
//
// Each returned handle's ack-deadline timer starts at the moment the handle
// is produced.
func (cs *Consumer) Poll(ctx context.Context, max int) ([]*MessageHandle, error) {
	c := cs.conn

	if max <= 0 {
		max = c.cfg.Prefetch
	}
	if limit := c.adapter.Capabilities().MaxPrefetch; limit > 0 && max > limit {
		c.log.Debug("prefetch clamped to adapter maximum",
			"broker", c.cfg.Broker, "requested", max, "max", limit)
		max = limit
	}

	if err := c.ensureOpen(ctx); err != nil {
		return nil, err
	}

	msgs, err := c.adapter.Receive(ctx, max, c.cfg.PollTimeout)
	if err != nil {
		if c.isClosed() {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}

	handles := make([]*MessageHandle, 0, len(msgs))
	for _, m := range msgs {
		handles = append(handles, newMessageHandle(c, m, c.cfg.AckDeadline))
	}
	return handles, nil
}
