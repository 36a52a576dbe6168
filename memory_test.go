package mq

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memQueueSeq atomic.Int64

// memConfig builds a memory-broker config with a queue name unique to the
// test, since the in-process queue registry outlives individual connections.
func memConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Broker:         BrokerMemory,
		Queue:          fmt.Sprintf("%s-%d", t.Name(), memQueueSeq.Add(1)),
		AckDeadline:    time.Minute,
		BackoffInitial: time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		PollTimeout:    50 * time.Millisecond,
	}
}

func openMem(t *testing.T, cfg Config) *Conn {
	t.Helper()
	conn, err := Open(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMemoryRoundTrip(t *testing.T) {
	conn := openMem(t, memConfig(t))

	payloads := [][]byte{
		[]byte("plain text"),
		{},
		{0x00, 0xff, 0xfe, 0x80}, // not valid UTF-8
	}
	pub := conn.Publisher()
	for _, p := range payloads {
		require.NoError(t, pub.Send(t.Context(), p))
	}

	var got [][]byte
	cs := conn.Consumer()
	for len(got) < len(payloads) {
		handles, err := cs.Poll(t.Context(), len(payloads))
		require.NoError(t, err)
		for _, h := range handles {
			got = append(got, h.Payload())
			require.NoError(t, h.Ack(t.Context()))
		}
	}
	assert.ElementsMatch(t, payloads, got)

	handles, err := cs.Poll(t.Context(), 1)
	require.NoError(t, err)
	assert.Empty(t, handles, "acked messages must not come back")
}

func TestMemoryPublishDoesNotAliasPayload(t *testing.T) {
	conn := openMem(t, memConfig(t))

	buf := []byte("before")
	require.NoError(t, conn.Publisher().Send(t.Context(), buf))
	copy(buf, "XXXXXX")

	handles, err := conn.Consumer().Poll(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, []byte("before"), handles[0].Payload())
}

func TestMemoryNackRedelivers(t *testing.T) {
	conn := openMem(t, memConfig(t))

	require.NoError(t, conn.Publisher().Send(t.Context(), []byte("retry me")))

	cs := conn.Consumer()
	handles, err := cs.Poll(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	first := handles[0].Message()
	assert.Equal(t, 0, first.RedeliveryCount)
	require.NoError(t, handles[0].Nack(t.Context()))

	handles, err = cs.Poll(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	second := handles[0].Message()
	assert.Equal(t, first.DeliveryID, second.DeliveryID, "delivery id is stable across redelivery")
	assert.Equal(t, 1, second.RedeliveryCount)
	assert.Equal(t, []byte("retry me"), second.Payload)
	require.NoError(t, handles[0].Ack(t.Context()))
}

func TestMemoryDeadlineRedelivers(t *testing.T) {
	cfg := memConfig(t)
	cfg.AckDeadline = 30 * time.Millisecond
	conn := openMem(t, cfg)

	require.NoError(t, conn.Publisher().Send(t.Context(), []byte("slow")))

	cs := conn.Consumer()
	handles, err := cs.Poll(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	id := handles[0].Message().DeliveryID

	// never settle; the deadline must return it to the queue
	assert.Eventually(t, func() bool {
		hs, perr := cs.Poll(t.Context(), 1)
		if perr != nil || len(hs) == 0 {
			return false
		}
		defer func() { _ = hs[0].Ack(t.Context()) }()
		return hs[0].Message().DeliveryID == id && hs[0].Message().RedeliveryCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryCompetingConsumers(t *testing.T) {
	cfg := memConfig(t)
	connA := openMem(t, cfg)
	connB := openMem(t, cfg)

	const n = 10
	pub := connA.Publisher()
	for i := range n {
		require.NoError(t, pub.Send(t.Context(), []byte{byte(i)}))
	}

	seen := make(map[string]int)
	consume := func(cs *Consumer) {
		handles, err := cs.Poll(t.Context(), n)
		require.NoError(t, err)
		for _, h := range handles {
			seen[h.Message().DeliveryID]++
			require.NoError(t, h.Ack(t.Context()))
		}
	}
	for len(seen) < n {
		consume(connA.Consumer())
		consume(connB.Consumer())
	}

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "delivery %s seen more than once", id)
	}
}

func TestMemoryCloseUnblocksPoll(t *testing.T) {
	cfg := memConfig(t)
	cfg.PollTimeout = time.Minute
	conn, err := Open(t.Context(), cfg)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, perr := conn.Consumer().Poll(t.Context(), 1)
		errs <- perr
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case perr := <-errs:
		assert.ErrorIs(t, perr, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after Close")
	}
}
