package mq

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memQueues holds the in-process queues, keyed by address/queue, so separate
// connections against the same name compete for messages like consumers on a
// real broker. Queues outlive the connections using them.
var memQueues sync.Map

func getMemQueue(address, name string) *memQueue {
	key := address + "/" + name
	if q, ok := memQueues.Load(key); ok {
		return q.(*memQueue)
	}
	q, _ := memQueues.LoadOrStore(key, &memQueue{
		ready:    make(chan Message, 1024),
		inflight: make(map[string]*memInflight),
	})
	return q.(*memQueue)
}

type memInflight struct {
	msg   Message
	timer *time.Timer
}

// memQueue is one named in-process queue: a ready channel plus an in-flight
// map of delivered-but-unsettled messages.
type memQueue struct {
	ready chan Message

	mu       sync.Mutex
	inflight map[string]*memInflight
}

// deliver marks m in-flight and arms its redelivery timer.
func (q *memQueue) deliver(m Message, deadline time.Duration) Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	inf := &memInflight{msg: m}
	if deadline > 0 {
		inf.timer = time.AfterFunc(deadline, func() { q.expire(m.DeliveryID) })
	}
	q.inflight[m.DeliveryID] = inf
	return m
}

// expire returns an unsettled message to the ready queue with its
// redelivery count bumped. DeliveryID stays stable.
func (q *memQueue) expire(deliveryID string) {
	q.mu.Lock()
	inf, ok := q.inflight[deliveryID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, deliveryID)
	q.mu.Unlock()

	m := inf.msg
	m.RedeliveryCount++
	q.requeue(m)
}

func (q *memQueue) take(deliveryID string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	inf, ok := q.inflight[deliveryID]
	if !ok {
		return Message{}, false
	}
	if inf.timer != nil {
		inf.timer.Stop()
	}
	delete(q.inflight, deliveryID)
	return inf.msg, true
}

func (q *memQueue) requeue(m Message) {
	select {
	case q.ready <- m:
	default:
		go func() { q.ready <- m }()
	}
}

// memAdapter is an in-process Adapter used for tests and local development.
// It implements the full contract, including ack-deadline redelivery and
// nack requeue.
type memAdapter struct {
	cfg Config

	mu     sync.Mutex
	q      *memQueue
	done   chan struct{}
	closed bool
}

func newMemAdapter(cfg Config) (*memAdapter, error) {
	return &memAdapter{cfg: cfg, closed: true}, nil
}

func (a *memAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.q = getMemQueue(a.cfg.Address, a.cfg.Queue)
	a.done = make(chan struct{})
	a.closed = false
	return nil
}

func (a *memAdapter) DeclareQueue(_ context.Context, name string) error {
	getMemQueue(a.cfg.Address, name)
	return nil
}

func (a *memAdapter) Publish(ctx context.Context, payload []byte) error {
	q, done, err := a.session()
	if err != nil {
		return err
	}

	m := Message{
		DeliveryID:  uuid.NewString(),
		Payload:     bytes.Clone(payload),
		EnqueueTime: time.Now(),
	}
	select {
	case q.ready <- m:
		return nil
	case <-done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *memAdapter) Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	q, done, err := a.session()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []Message
	for len(out) < max {
		if len(out) == 0 {
			select {
			case m := <-q.ready:
				out = append(out, q.deliver(m, a.cfg.AckDeadline))
			case <-timer.C:
				return out, nil
			case <-done:
				return nil, ErrConnectionClosed
			case <-ctx.Done():
				return out, ctx.Err()
			}
			continue
		}
		// something is in hand already: drain without blocking
		select {
		case m := <-q.ready:
			out = append(out, q.deliver(m, a.cfg.AckDeadline))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (a *memAdapter) Ack(_ context.Context, deliveryID string) error {
	q, _, err := a.session()
	if err != nil {
		return err
	}
	q.take(deliveryID)
	return nil
}

func (a *memAdapter) Nack(_ context.Context, deliveryID string) error {
	q, _, err := a.session()
	if err != nil {
		return err
	}
	if m, ok := q.take(deliveryID); ok {
		m.RedeliveryCount++
		q.requeue(m)
	}
	return nil
}

func (a *memAdapter) Capabilities() Capabilities {
	return Capabilities{
		MaxPrefetch:       0,
		ExplicitNack:      true,
		DelayedRedelivery: false,
		ConcurrentOps:     true,
	}
}

func (a *memAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.done)
	return nil
}

func (a *memAdapter) session() (*memQueue, chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.q == nil {
		return nil, nil, ErrConnectionClosed
	}
	return a.q, a.done, nil
}
