package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter scripts adapter behavior for connection and consumer tests.
type fakeAdapter struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	declareErr  error
	declares    []string
	publishErrs []error
	published   [][]byte
	receiveFn   func(ctx context.Context, max int, timeout time.Duration) ([]Message, error)
	ackErrs     []error
	acked       []string
	nackErrs    []error
	nacked      []string
	caps        Capabilities
	closes      int
}

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeAdapter) DeclareQueue(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declares = append(f.declares, name)
	return f.declareErr
}

func (f *fakeAdapter) Publish(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeAdapter) Receive(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	if f.receiveFn != nil {
		return f.receiveFn(ctx, max, timeout)
	}
	return nil, nil
}

func (f *fakeAdapter) Ack(_ context.Context, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ackErrs) > 0 {
		err := f.ackErrs[0]
		f.ackErrs = f.ackErrs[1:]
		if err != nil {
			return err
		}
	}
	f.acked = append(f.acked, deliveryID)
	return nil
}

func (f *fakeAdapter) Nack(_ context.Context, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.nackErrs) > 0 {
		err := f.nackErrs[0]
		f.nackErrs = f.nackErrs[1:]
		if err != nil {
			return err
		}
	}
	f.nacked = append(f.nacked, deliveryID)
	return nil
}

func (f *fakeAdapter) Capabilities() Capabilities { return f.caps }

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAdapter) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeAdapter) nackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nacked...)
}

func TestNewAdapterUnknownBroker(t *testing.T) {
	_, err := Open(t.Context(), Config{Broker: "kafka", Address: "localhost", Queue: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownBroker)
}

func TestNewAdapterSelectsByBroker(t *testing.T) {
	tests := []struct {
		broker string
		want   any
	}{
		{broker: BrokerPulsar, want: &pulsarAdapter{}},
		{broker: BrokerRabbitMQ, want: &rabbitAdapter{}},
		{broker: BrokerGCP, want: &pubSubAdapter{}},
		{broker: BrokerNATS, want: &natsAdapter{}},
		{broker: BrokerMemory, want: &memAdapter{}},
	}
	for _, tt := range tests {
		t.Run(tt.broker, func(t *testing.T) {
			a, err := newAdapter(Config{Broker: tt.broker, Address: "localhost", Queue: "q"})
			require.NoError(t, err)
			assert.IsType(t, tt.want, a)
		})
	}
}
