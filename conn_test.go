package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		Broker:         BrokerMemory,
		Queue:          "test-queue",
		BackoffInitial: time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		PollTimeout:    20 * time.Millisecond,
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	_, err := Open(t.Context(), Config{Broker: BrokerNATS})
	assert.Error(t, err)
}

func TestOpenRetriesTransientConnectFailures(t *testing.T) {
	fake := &fakeAdapter{connectErrs: []error{
		errors.New("refused"),
		errors.New("refused"),
	}}
	cfg := fastConfig()
	cfg.ConnectAttempts = 3

	conn := newTestConn(t, fake, cfg, nil)

	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, 3, fake.connectCount())
	assert.Equal(t, []string{"test-queue"}, fake.declares)
}

func TestOpenExhaustsConnectBudget(t *testing.T) {
	fake := &fakeAdapter{connectErrs: []error{
		errors.New("refused"),
		errors.New("refused"),
		errors.New("refused"),
	}}
	cfg := fastConfig()
	cfg.ConnectAttempts = 3

	_, err := Open(t.Context(), cfg, WithAdapter(fake))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 3, fake.connectCount())
}

func TestOpenDeclareFailureClosesAdapter(t *testing.T) {
	fake := &fakeAdapter{declareErr: errors.New("precondition failed")}

	_, err := Open(t.Context(), fastConfig(), WithAdapter(fake))
	require.Error(t, err)
	assert.Equal(t, 1, fake.closes)
}

func TestConnCloseTwice(t *testing.T) {
	fake := &fakeAdapter{}
	conn, err := Open(t.Context(), fastConfig(), WithAdapter(fake))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.ErrorIs(t, conn.Close(), ErrAlreadyClosed)
	assert.Equal(t, 1, fake.closes)
}

func TestPublisherSend(t *testing.T) {
	fake := &fakeAdapter{}
	conn := newTestConn(t, fake, fastConfig(), nil)

	require.NoError(t, conn.Publisher().Send(t.Context(), []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, fake.published)
}

func TestPublisherSendAfterClose(t *testing.T) {
	fake := &fakeAdapter{}
	conn, err := Open(t.Context(), fastConfig(), WithAdapter(fake))
	require.NoError(t, err)
	pub := conn.Publisher()
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, pub.Send(t.Context(), []byte("late")), ErrConnectionClosed)
}

func TestPublisherSendReconnectsOnce(t *testing.T) {
	fake := &fakeAdapter{publishErrs: []error{errors.New("broken pipe")}}
	sink := &sinkRecorder{}
	conn := newTestConn(t, fake, fastConfig(), sink)

	require.NoError(t, conn.Publisher().Send(t.Context(), []byte("hello")))

	assert.Equal(t, [][]byte{[]byte("hello")}, fake.published)
	assert.Equal(t, 2, fake.connectCount())
	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestPublisherSendFailsAfterRetry(t *testing.T) {
	fake := &fakeAdapter{publishErrs: []error{
		errors.New("broken pipe"),
		errors.New("broken pipe"),
	}}
	conn := newTestConn(t, fake, fastConfig(), &sinkRecorder{})

	err := conn.Publisher().Send(t.Context(), []byte("hello"))
	assert.ErrorIs(t, err, ErrPublish)
	assert.Empty(t, fake.published)
}

func TestPublisherSendCanceledContext(t *testing.T) {
	fake := &fakeAdapter{publishErrs: []error{errors.New("broken pipe")}}
	conn := newTestConn(t, fake, fastConfig(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := conn.Publisher().Send(ctx, []byte("hello"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAckReconnectsOnTransportFailure(t *testing.T) {
	fake := &fakeAdapter{ackErrs: []error{errors.New("broken pipe")}}
	sink := &sinkRecorder{}
	conn := newTestConn(t, fake, fastConfig(), sink)

	h := newMessageHandle(conn, Message{DeliveryID: "d1"}, 0)
	require.NoError(t, h.Ack(t.Context()))

	assert.Equal(t, []string{"d1"}, fake.ackedIDs())
	assert.Equal(t, 2, fake.connectCount())
	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestNackReconnectsOnTransportFailure(t *testing.T) {
	fake := &fakeAdapter{nackErrs: []error{errors.New("broken pipe")}}
	conn := newTestConn(t, fake, fastConfig(), &sinkRecorder{})

	h := newMessageHandle(conn, Message{DeliveryID: "d1"}, 0)
	require.NoError(t, h.Nack(t.Context()))

	assert.Equal(t, []string{"d1"}, fake.nackedIDs())
	assert.Equal(t, 2, fake.connectCount())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "connstate(7)", ConnState(7).String())
}
