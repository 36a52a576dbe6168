package mq

import "log/slog"

// Option configures a Conn at Open time.
type Option func(*Conn)

// WithLogger sets the structured logger used by the connection and
// everything derived from it. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// WithErrorSink sets the sink receiving handled errors: poison messages,
// stale acknowledgments, reconnect causes. Defaults to logging through the
// connection's logger.
func WithErrorSink(sink ErrorSink) Option {
	return func(c *Conn) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithAdapter injects a pre-built Adapter instead of the one selected by
// Config.Broker. Intended for custom backends and tests.
func WithAdapter(a Adapter) Option {
	return func(c *Conn) {
		if a != nil {
			c.adapter = a
		}
	}
}
