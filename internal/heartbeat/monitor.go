// ABOUTME: Per-connection liveness: periodic acknowledged probes plus a stale-connection timer
// ABOUTME: Both timers are cancelled through the Watch and never fire after Stop

package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
)

// Defaults for the probe cycle.
const (
	DefaultInterval          = 30 * time.Second
	DefaultDisconnectTimeout = 90 * time.Second
)

// Close reasons passed to Conn.Close.
const (
	ReasonProbeTimeout = "heartbeat timeout"
	ReasonStale        = "stale connection"
)

// Options configures a Monitor.
type Options struct {
	Interval          time.Duration
	DisconnectTimeout time.Duration
	Stats             *metrics.Stats
	Logger            *slog.Logger
}

// Monitor starts liveness watches for connections.
type Monitor struct {
	interval          time.Duration
	disconnectTimeout time.Duration
	stats             *metrics.Stats
	logger            *slog.Logger
	now               func() time.Time
}

// NewMonitor creates a Monitor, filling zero options with defaults.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		interval:          opts.Interval,
		disconnectTimeout: opts.DisconnectTimeout,
		stats:             opts.Stats,
		logger:            opts.Logger.With("component", "heartbeat"),
		now:               time.Now,
	}
}

// Watch is the liveness state of one connection.
type Watch struct {
	m          *Monitor
	conn       session.Conn
	onActivity func()
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// Watch arms the disconnect timer and starts the probe loop for conn.
// onActivity, if set, is called on every acknowledged probe and client heartbeat.
func (m *Monitor) Watch(conn session.Conn, onActivity func()) *Watch {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watch{
		m:          m,
		conn:       conn,
		onActivity: onActivity,
		ctx:        ctx,
		cancel:     cancel,
	}
	w.arm()
	go w.probeLoop()
	return w
}

// Beat records peer activity and re-arms the disconnect timer.
func (w *Watch) Beat() {
	w.arm()
	if w.onActivity != nil {
		w.onActivity()
	}
}

// Stop cancels the probe loop and the disconnect timer.
func (w *Watch) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.cancel()
}

func (w *Watch) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.gen++
	gen := w.gen
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.m.disconnectTimeout, func() { w.expire(gen) })
}

// expire fires when the disconnect timer elapses. A timer superseded by a
// later arm, or one racing with Stop, does nothing.
func (w *Watch) expire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.m.stats.Inc(metrics.StaleDisconnects)
	w.m.logger.Warn("closing stale connection",
		"conn_id", w.conn.ID(),
		"timeout", w.m.disconnectTimeout,
	)
	w.terminate(ReasonStale)
}

func (w *Watch) terminate(reason string) {
	w.Stop()
	if err := w.conn.Close(reason); err != nil {
		w.m.logger.Debug("close after heartbeat failure", "conn_id", w.conn.ID(), "error", err)
	}
}

func (w *Watch) probeLoop() {
	ticker := time.NewTicker(w.m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.conn.Done():
			w.Stop()
			return
		case <-ticker.C:
			if !w.probe() {
				return
			}
		}
	}
}

// probe sends one heartbeatRequest and waits up to one interval for the ack.
func (w *Watch) probe() bool {
	ctx, cancel := context.WithTimeout(w.ctx, w.m.interval)
	defer cancel()

	sent := w.m.now()
	_, err := w.conn.EmitWithAck(ctx, protocol.EventHeartbeatRequest, protocol.HeartbeatRequest{
		Timestamp: protocol.Millis(sent),
	})
	if err == nil {
		w.Beat()
		return true
	}
	if w.ctx.Err() != nil {
		return false
	}

	w.m.stats.Inc(metrics.HeartbeatTimeouts)
	w.m.logger.Warn("heartbeat not acknowledged",
		"conn_id", w.conn.ID(),
		"waited", w.m.now().Sub(sent),
		"error", err,
	)
	w.terminate(ReasonProbeTimeout)
	return false
}
