// ABOUTME: Tests for acknowledged delivery with retries and room fan-out
// ABOUTME: A scripted fake connection decides which attempts get acked

package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/session/sessiontest"
)

// newTestCoordinator records backoff waits instead of sleeping.
func newTestCoordinator(maxRetries int) (*Coordinator, *metrics.Stats, *[]time.Duration) {
	stats := metrics.NewStats()
	c := New(Options{
		MaxRetries:  maxRetries,
		AckTimeout:  10 * time.Millisecond,
		BackoffBase: 100 * time.Millisecond,
		Stats:       stats,
	})
	var mu sync.Mutex
	waits := &[]time.Duration{}
	c.wait = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*waits = append(*waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, stats, waits
}

func TestSendWithRetry_AckedFirstTry(t *testing.T) {
	c, stats, waits := newTestCoordinator(3)
	sess, conn := sessiontest.NewSession("c1", "u1")

	var pendingDuringSend []session.PendingMessage
	conn.SetAckPolicy(func(string, int) bool {
		pendingDuringSend = sess.Pending()
		return true
	})

	ok := c.SendWithRetry(t.Context(), sess, "newMessage", map[string]string{"content": "hi"}, "m1")
	require.True(t, ok)

	assert.Equal(t, 1, conn.Attempts("newMessage"))
	assert.Empty(t, *waits)
	require.Len(t, pendingDuringSend, 1, "message is queued while awaiting ack")
	assert.Equal(t, "m1", pendingDuringSend[0].ID)
	assert.Empty(t, sess.Pending(), "acked message is dequeued")
	assert.Equal(t, int64(1), stats.Get(metrics.DeliverySuccess))
}

func TestSendWithRetry_NeverAcked(t *testing.T) {
	c, stats, waits := newTestCoordinator(3)
	sess, conn := sessiontest.NewSession("c1", "u1")
	conn.SetAckPolicy(sessiontest.NeverAck)

	ok := c.SendWithRetry(t.Context(), sess, "newMessage", "x", "m1")

	assert.False(t, ok)
	assert.Equal(t, 3, conn.Attempts("newMessage"), "exactly maxRetries attempts")
	require.Len(t, *waits, 2, "no wait after the final attempt")
	for i := 1; i < len(*waits); i++ {
		assert.Greater(t, (*waits)[i], (*waits)[i-1], "delays strictly increase")
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *waits)
	assert.Empty(t, sess.Pending(), "failed message is dropped, not retried forever")
	assert.Equal(t, int64(1), stats.Get(metrics.DeliveryFailures))
	assert.Equal(t, int64(3), stats.Get(metrics.DeliveryAttempts))
	assert.Equal(t, int64(2), stats.Get(metrics.DeliveryRetries))
}

func TestSendWithRetry_BackoffDoublesEachAttempt(t *testing.T) {
	c, _, waits := newTestCoordinator(5)
	sess, conn := sessiontest.NewSession("c1", "u1")
	conn.SetAckPolicy(sessiontest.NeverAck)

	c.SendWithRetry(t.Context(), sess, "newMessage", "x", "m1")

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}, *waits)
}

func TestSendWithRetry_AckedOnRetry(t *testing.T) {
	c, stats, waits := newTestCoordinator(3)
	sess, conn := sessiontest.NewSession("c1", "u1")
	conn.SetAckPolicy(func(_ string, n int) bool { return n == 2 })

	ok := c.SendWithRetry(t.Context(), sess, "newMessage", "x", "m1")

	assert.True(t, ok)
	assert.Equal(t, 2, conn.Attempts("newMessage"))
	assert.Len(t, *waits, 1)
	assert.Equal(t, int64(1), stats.Get(metrics.DeliveryRetries))
}

func TestSendWithRetry_ClosedConnection(t *testing.T) {
	c, stats, waits := newTestCoordinator(3)
	sess, conn := sessiontest.NewSession("c1", "u1")
	require.NoError(t, conn.Close("gone"))

	ok := c.SendWithRetry(t.Context(), sess, "newMessage", "x", "m1")

	assert.False(t, ok)
	assert.Empty(t, *waits, "a closed connection is not retried")
	assert.Equal(t, int64(1), stats.Get(metrics.DeliveryFailures))

	pending := sess.Pending()
	require.Len(t, pending, 1, "message stays queued for the disconnect drain")
	assert.Equal(t, "m1", pending[0].ID)
}

func TestSendWithRetry_ConnectionClosedWhileAwaitingAck(t *testing.T) {
	c := New(Options{MaxRetries: 3, AckTimeout: 5 * time.Second, BackoffBase: time.Millisecond})
	sess, conn := sessiontest.NewSession("c1", "u1")
	conn.SetAckPolicy(sessiontest.NeverAck)

	done := make(chan bool, 1)
	go func() { done <- c.SendWithRetry(t.Context(), sess, "newMessage", "x", "m1") }()

	require.Eventually(t, func() bool { return conn.Attempts("newMessage") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close("heartbeat timeout"))

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send did not return after the connection closed")
	}
	assert.Len(t, sess.Pending(), 1)
}

func TestSendWithRetry_RealTimers(t *testing.T) {
	c := New(Options{MaxRetries: 2, AckTimeout: 5 * time.Millisecond, BackoffBase: 5 * time.Millisecond})
	sess, conn := sessiontest.NewSession("c1", "u1")
	conn.SetAckPolicy(sessiontest.NeverAck)

	start := time.Now()
	ok := c.SendWithRetry(t.Context(), sess, "newMessage", "x", "m1")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestBroadcast_Aggregates(t *testing.T) {
	c, stats, _ := newTestCoordinator(2)
	a, _ := sessiontest.NewSession("a", "ua")
	b, _ := sessiontest.NewSession("b", "ub")
	d, deaf := sessiontest.NewSession("d", "ud")
	deaf.SetAckPolicy(sessiontest.NeverAck)

	res := c.Broadcast(t.Context(), []*session.Session{a, b, d}, "newMessage", "hi", "m1")

	assert.Equal(t, Result{Delivered: 2, Total: 3}, res)
	assert.True(t, res.OK())
	assert.Equal(t, int64(0), stats.Get(metrics.BroadcastFailures))
}

func TestBroadcast_NobodyAcks(t *testing.T) {
	c, stats, _ := newTestCoordinator(1)
	a, ca := sessiontest.NewSession("a", "ua")
	b, cb := sessiontest.NewSession("b", "ub")
	ca.SetAckPolicy(sessiontest.NeverAck)
	cb.SetAckPolicy(sessiontest.NeverAck)

	res := c.Broadcast(t.Context(), []*session.Session{a, b}, "newMessage", "hi", "m1")

	assert.Equal(t, 0, res.Delivered)
	assert.False(t, res.OK())
	assert.Equal(t, int64(1), stats.Get(metrics.BroadcastFailures))
}

func TestBroadcast_EmptyRoom(t *testing.T) {
	c, _, _ := newTestCoordinator(3)
	res := c.Broadcast(t.Context(), nil, "newMessage", "hi", "m1")
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.Total)
}
