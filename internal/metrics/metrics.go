// ABOUTME: Relay counters exposed both as a JSON snapshot and as Prometheus metrics
// ABOUTME: One Stats value is constructed at startup and injected into every component

package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter names. They double as the snapshot keys and the label values of
// the relay_events_total Prometheus counter.
const (
	ConnectionsTotal     = "connections_total"
	AuthFailures         = "auth_failures"
	Disconnects          = "disconnects"
	Reconnects           = "reconnects"
	SessionsPurged       = "sessions_purged"
	MessagesSent         = "messages_sent"
	DuplicateMessages    = "duplicate_messages"
	DeliveryAttempts     = "delivery_attempts"
	DeliveryRetries      = "delivery_retries"
	DeliverySuccess      = "delivery_success"
	DeliveryFailures     = "delivery_failures"
	PendingStored        = "pending_stored"
	PendingStoreFailures = "pending_store_failures"
	BroadcastFailures    = "broadcast_failures"
	HeartbeatTimeouts    = "heartbeat_timeouts"
	StaleDisconnects     = "stale_disconnects"
	RateLimited          = "rate_limited"
	RateLimitBypassed    = "rate_limit_bypassed"
	RateLimitStoreErrors = "rate_limit_store_errors"
	AIRequests           = "ai_requests"
	AICompletions        = "ai_completions"
	AIFailures           = "ai_failures"
	AIFallbacks          = "ai_fallbacks"
	HandlerErrors        = "handler_errors"
	HandlerPanics        = "handler_panics"
)

var counterNames = []string{
	ConnectionsTotal, AuthFailures, Disconnects, Reconnects, SessionsPurged,
	MessagesSent, DuplicateMessages, DeliveryAttempts, DeliveryRetries,
	DeliverySuccess, DeliveryFailures, PendingStored, PendingStoreFailures,
	BroadcastFailures, HeartbeatTimeouts, StaleDisconnects, RateLimited,
	RateLimitBypassed, RateLimitStoreErrors, AIRequests, AICompletions,
	AIFailures, AIFallbacks, HandlerErrors, HandlerPanics,
}

// Stats holds process-wide relay counters.
type Stats struct {
	counters map[string]*atomic.Int64
	active   atomic.Int64
	rooms    atomic.Int64

	registry   *prometheus.Registry
	events     *prometheus.CounterVec
	activeConn prometheus.Gauge
	roomGauge  prometheus.Gauge
}

// NewStats creates a Stats value with its own Prometheus registry.
func NewStats() *Stats {
	s := &Stats{
		counters: make(map[string]*atomic.Int64, len(counterNames)),
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_total",
				Help: "Relay lifecycle, delivery, admission and AI events by kind",
			},
			[]string{"kind"},
		),
		activeConn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of authenticated live connections",
		}),
		roomGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_rooms",
			Help: "Number of rooms with at least one connected member",
		}),
	}
	for _, name := range counterNames {
		s.counters[name] = &atomic.Int64{}
	}
	s.registry.MustRegister(s.events, s.activeConn, s.roomGauge)
	return s
}

// Inc increments the named counter by one.
func (s *Stats) Inc(name string) {
	s.Add(name, 1)
}

// Add increments the named counter by n. Unknown names are ignored.
func (s *Stats) Add(name string, n int64) {
	if s == nil || n == 0 {
		return
	}
	c, ok := s.counters[name]
	if !ok {
		return
	}
	c.Add(n)
	s.events.WithLabelValues(name).Add(float64(n))
}

// Get returns the current value of the named counter.
func (s *Stats) Get(name string) int64 {
	if s == nil {
		return 0
	}
	if c, ok := s.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// SetActive records the live connection and room counts.
func (s *Stats) SetActive(connections, rooms int) {
	if s == nil {
		return
	}
	s.active.Store(int64(connections))
	s.rooms.Store(int64(rooms))
	s.activeConn.Set(float64(connections))
	s.roomGauge.Set(float64(rooms))
}

// Snapshot returns a copy of all counters plus the active gauges.
func (s *Stats) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.counters)+2)
	for name, c := range s.counters {
		out[name] = c.Load()
	}
	out["active_connections"] = s.active.Load()
	out["active_rooms"] = s.rooms.Load()
	return out
}

// Handler serves the Prometheus exposition format for this Stats registry.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
