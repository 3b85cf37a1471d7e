// ABOUTME: Acknowledged delivery of one outbound event with timeout, retry and backoff
// ABOUTME: Room fan-out sends to every recipient concurrently and aggregates acks

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/session"
)

// Defaults for the retry loop.
const (
	DefaultMaxRetries  = 3
	DefaultAckTimeout  = 5 * time.Second
	DefaultBackoffBase = time.Second
)

// Options configures a Coordinator.
type Options struct {
	MaxRetries  int
	AckTimeout  time.Duration
	BackoffBase time.Duration
	Stats       *metrics.Stats
	Logger      *slog.Logger
}

// Coordinator delivers events that must be acknowledged by the peer.
type Coordinator struct {
	maxRetries  int
	ackTimeout  time.Duration
	backoffBase time.Duration
	stats       *metrics.Stats
	logger      *slog.Logger

	// wait blocks for d or until ctx is done; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// New creates a Coordinator, filling zero options with defaults.
func New(opts Options) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		maxRetries:  opts.MaxRetries,
		ackTimeout:  opts.AckTimeout,
		backoffBase: opts.BackoffBase,
		stats:       opts.Stats,
		logger:      opts.Logger.With("component", "delivery"),
		wait:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// schedule returns the exponential backoff used between attempts:
// base, base*2, base*4, ... with no jitter and no overall deadline.
func (c *Coordinator) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.backoffBase << 16
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SendWithRetry enqueues a pending message on sess and sends it until the peer
// acknowledges it or MaxRetries attempts have timed out. It returns true on ack.
//
// When the connection closes mid-delivery the message stays queued: the
// registry's disconnect drain hands it to the pending sink.
func (c *Coordinator) SendWithRetry(ctx context.Context, sess *session.Session, event string, payload any, messageID string) bool {
	if !sess.Enqueue(session.PendingMessage{
		ID:        messageID,
		Event:     event,
		Payload:   payload,
		CreatedAt: time.Now(),
	}) {
		c.stats.Inc(metrics.DeliveryFailures)
		c.logger.Debug("recipient already disconnected", "conn_id", sess.ConnID, "message_id", messageID)
		return false
	}

	conn := sess.Conn()
	sched := c.schedule()

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		sess.SetAttempt(messageID, attempt)
		c.stats.Inc(metrics.DeliveryAttempts)
		if attempt > 0 {
			c.stats.Inc(metrics.DeliveryRetries)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
		_, err := conn.EmitWithAck(attemptCtx, event, payload)
		cancel()

		if err == nil {
			sess.Dequeue(messageID)
			c.stats.Inc(metrics.DeliverySuccess)
			return true
		}

		if errors.Is(err, session.ErrConnClosed) {
			c.stats.Inc(metrics.DeliveryFailures)
			c.logger.Debug("connection closed, message left for the disconnect drain",
				"conn_id", sess.ConnID,
				"event", event,
				"message_id", messageID,
				"attempt", attempt,
			)
			return false
		}
		if ctx.Err() != nil {
			c.logger.Debug("delivery abandoned",
				"conn_id", sess.ConnID,
				"event", event,
				"message_id", messageID,
				"attempt", attempt,
				"error", err,
			)
			break
		}

		c.logger.Debug("delivery attempt timed out",
			"conn_id", sess.ConnID,
			"event", event,
			"message_id", messageID,
			"attempt", attempt,
		)

		if attempt == c.maxRetries-1 {
			break
		}
		if err := c.wait(ctx, sched.NextBackOff()); err != nil {
			break
		}
	}

	sess.Dequeue(messageID)
	c.stats.Inc(metrics.DeliveryFailures)
	c.logger.Warn("delivery failed",
		"conn_id", sess.ConnID,
		"user_id", sess.UserID,
		"event", event,
		"message_id", messageID,
	)
	return false
}

// Result aggregates a room fan-out.
type Result struct {
	Delivered int
	Total     int
}

// OK reports whether the fan-out counts as delivered: at least one recipient
// acknowledged, or there was nobody to deliver to.
func (r Result) OK() bool {
	return r.Total == 0 || r.Delivered > 0
}

// Broadcast sends the event to every recipient concurrently and waits for all
// of them. No ordering across recipients is guaranteed.
func (c *Coordinator) Broadcast(ctx context.Context, recipients []*session.Session, event string, payload any, messageID string) Result {
	acked := make([]bool, len(recipients))

	var g errgroup.Group
	for i, sess := range recipients {
		g.Go(func() error {
			acked[i] = c.SendWithRetry(ctx, sess, event, payload, messageID)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Total: len(recipients)}
	for _, ok := range acked {
		if ok {
			res.Delivered++
		}
	}
	if !res.OK() {
		c.stats.Inc(metrics.BroadcastFailures)
	}
	return res
}
