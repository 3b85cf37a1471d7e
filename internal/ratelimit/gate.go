// ABOUTME: Admission gate: per event class, per client counters checked before handlers run
// ABOUTME: Trusted addresses, admins and internal services bypass; store failures fail open

package ratelimit

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/netip"
	"time"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// Class groups events that share a limit.
type Class string

const (
	ClassMessage Class = "message"
	ClassRoom    Class = "room"
	ClassAI      Class = "ai"
)

// ClassOf returns the limit class of an inbound event. Events outside every
// class are not limited.
func ClassOf(event string) (Class, bool) {
	switch event {
	case protocol.EventSendMessage, protocol.EventStartTyping, protocol.EventStopTyping:
		return ClassMessage, true
	case protocol.EventJoinRoom, protocol.EventLeaveRoom:
		return ClassRoom, true
	case protocol.EventSendAIMessage:
		return ClassAI, true
	default:
		return "", false
	}
}

// Limits are the per-window allowances for each class.
type Limits struct {
	Window   time.Duration
	Messages int
	Rooms    int
	AI       int
}

func (l Limits) of(c Class) int {
	switch c {
	case ClassMessage:
		return l.Messages
	case ClassRoom:
		return l.Rooms
	case ClassAI:
		return l.AI
	default:
		return 0
	}
}

// Client identifies who is being admitted.
type Client struct {
	Identity       string // verified user id
	Addr           string // remote address, host or host:port
	Admin          bool   // admin claim from the verified token
	InternalMarker string // value of the internal-service header
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool
	Bypassed   bool
	Class      Class
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Options configures a Gate.
type Options struct {
	Limits         Limits
	Trusted        []netip.Prefix
	InternalSecret string
	Stats          *metrics.Stats
	Logger         *slog.Logger
}

// Gate performs admission checks against a CounterStore.
type Gate struct {
	store          CounterStore
	limits         Limits
	trusted        []netip.Prefix
	internalSecret string
	stats          *metrics.Stats
	logger         *slog.Logger
}

// NewGate creates a Gate.
func NewGate(store CounterStore, opts Options) *Gate {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limits.Window <= 0 {
		opts.Limits.Window = time.Minute
	}
	return &Gate{
		store:          store,
		limits:         opts.Limits,
		trusted:        opts.Trusted,
		internalSecret: opts.InternalSecret,
		stats:          opts.Stats,
		logger:         opts.Logger.With("component", "ratelimit"),
	}
}

// Key returns the counter key for a class and client identity.
func Key(c Class, identity string) string {
	return "relay:rl:" + string(c) + ":" + identity
}

// Check admits or denies one event from client.
func (g *Gate) Check(ctx context.Context, client Client, event string) Decision {
	class, limited := ClassOf(event)
	if !limited {
		return Decision{Allowed: true}
	}
	limit := g.limits.of(class)
	if limit <= 0 {
		return Decision{Allowed: true, Class: class}
	}

	if reason := g.bypass(client); reason != "" {
		g.stats.Inc(metrics.RateLimitBypassed)
		g.logger.Debug("rate limit bypassed", "identity", client.Identity, "reason", reason, "event", event)
		return Decision{Allowed: true, Bypassed: true, Class: class, Limit: limit}
	}

	identity := client.Identity
	if identity == "" {
		identity = hostOf(client.Addr)
	}

	count, remaining, err := g.store.Incr(ctx, Key(class, identity), g.limits.Window)
	if err != nil {
		g.stats.Inc(metrics.RateLimitStoreErrors)
		g.logger.Warn("rate limit store unavailable, allowing request",
			"identity", identity,
			"class", class,
			"error", err,
		)
		return Decision{Allowed: true, Class: class, Limit: limit}
	}

	d := Decision{Allowed: count <= int64(limit), Class: class, Count: count, Limit: limit}
	if !d.Allowed {
		d.RetryAfter = remaining
		if d.RetryAfter <= 0 {
			d.RetryAfter = g.limits.Window
		}
		g.stats.Inc(metrics.RateLimited)
		g.logger.Info("rate limited",
			"identity", identity,
			"class", class,
			"count", count,
			"limit", limit,
			"retry_after", d.RetryAfter,
		)
	}
	return d
}

// bypass returns why client skips the limit, or "" if it does not.
func (g *Gate) bypass(client Client) string {
	if addr, ok := parseAddr(client.Addr); ok {
		for _, p := range g.trusted {
			if p.Contains(addr) {
				return "trusted_address"
			}
		}
	}
	if client.Admin {
		return "admin"
	}
	if g.internalSecret != "" && client.InternalMarker != "" &&
		subtle.ConstantTimeCompare([]byte(client.InternalMarker), []byte(g.internalSecret)) == 1 {
		return "internal_service"
	}
	return ""
}

func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

func hostOf(s string) string {
	if a, ok := parseAddr(s); ok {
		return a.String()
	}
	return s
}
