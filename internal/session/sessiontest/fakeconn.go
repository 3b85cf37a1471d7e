// ABOUTME: In-memory session.Conn for tests across the relay packages
// ABOUTME: Records emitted events and acknowledges according to a configurable policy

package sessiontest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/session"
)

// Emitted is one event sent through a FakeConn.
type Emitted struct {
	Event   string
	Payload any
	Acked   bool
}

// AckPolicy decides whether the n-th (1-based) acknowledged send of event is acked.
type AckPolicy func(event string, n int) bool

// AlwaysAck acknowledges every send.
func AlwaysAck(string, int) bool { return true }

// NeverAck acknowledges nothing; senders wait until their context ends.
func NeverAck(string, int) bool { return false }

// FakeConn implements session.Conn.
type FakeConn struct {
	id     string
	remote string

	mu       sync.Mutex
	policy   AckPolicy
	emitted  []Emitted
	attempts map[string]int
	reason   string

	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Conn = (*FakeConn)(nil)

// NewFakeConn creates a connection that acknowledges everything.
func NewFakeConn(id string) *FakeConn {
	return &FakeConn{
		id:       id,
		remote:   "127.0.0.1:5000",
		policy:   AlwaysAck,
		attempts: make(map[string]int),
		done:     make(chan struct{}),
	}
}

// SetAckPolicy replaces the acknowledgment policy.
func (c *FakeConn) SetAckPolicy(p AckPolicy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
}

// SetRemoteAddr overrides the reported client address.
func (c *FakeConn) SetRemoteAddr(addr string) {
	c.mu.Lock()
	c.remote = addr
	c.mu.Unlock()
}

func (c *FakeConn) ID() string { return c.id }

func (c *FakeConn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *FakeConn) Emit(event string, payload any) error {
	select {
	case <-c.done:
		return session.ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: payload})
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, session.ErrConnClosed
	default:
	}

	c.mu.Lock()
	c.attempts[event]++
	n := c.attempts[event]
	ack := c.policy(event, n)
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: payload, Acked: ack})
	c.mu.Unlock()

	if ack {
		return json.RawMessage(`{}`), nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, session.ErrConnClosed
	}
}

func (c *FakeConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *FakeConn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to the first Close call.
func (c *FakeConn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Events returns all emitted events, optionally filtered by name.
func (c *FakeConn) Events(names ...string) []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		return append([]Emitted(nil), c.emitted...)
	}
	var out []Emitted
	for _, e := range c.emitted {
		for _, n := range names {
			if e.Event == n {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Attempts returns how many acknowledged sends of event were made.
func (c *FakeConn) Attempts(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[event]
}

// NewSession returns a connected session for userID backed by a new FakeConn.
func NewSession(connID, userID string) (*session.Session, *FakeConn) {
	conn := NewFakeConn(connID)
	claims := &auth.Claims{Subject: userID, Username: userID, ExpiresAt: time.Now().Add(time.Hour)}
	return session.NewSession(conn, claims, session.Metadata{Transport: "fake"}, time.Now()), conn
}
