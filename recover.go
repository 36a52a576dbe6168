package mq

import (
	"context"
	"fmt"
	"runtime/debug"
)

// invoke runs the handler under a deadline-bounded scope. A panic is
// converted into a handler error so the surrounding retry machinery treats
// it like any other processing failure.
func (rc *RetryingConsumer) invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	hctx, cancel := context.WithTimeout(ctx, rc.conn.cfg.AckDeadline)
	defer cancel()

	defer func() {
		if rvr := recover(); rvr != nil {
			rc.conn.log.ErrorContext(ctx, "panic in message handler",
				"delivery_id", msg.DeliveryID, "queue", rc.conn.cfg.Queue,
				"panic", rvr, "stack", string(debug.Stack()))
			err = fmt.Errorf("mq: panic in handler: %v", rvr)
		}
	}()

	return handler(hctx, msg)
}
