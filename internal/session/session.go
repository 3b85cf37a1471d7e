// ABOUTME: Per-connection authenticated state: identity, rooms, pending queue and liveness
// ABOUTME: Mutable fields are guarded by the session's own mutex

package session

import (
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/auth"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
)

func (s Status) String() string {
	if s == StatusDisconnected {
		return "disconnected"
	}
	return "connected"
}

// Metadata describes the transport a session arrived on.
type Metadata struct {
	Transport       string
	RemoteAddr      string
	TokenExpiresAt  time.Time
	TokenSource     auth.TokenSource
	Admin           bool
	InternalService bool
}

// PendingMessage is an outbound event awaiting acknowledgment.
type PendingMessage struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	Attempt   int       `json:"attempt"`
}

// Session is the server-side record of one authenticated connection.
type Session struct {
	ConnID      string
	UserID      string
	DisplayName string
	ConnectedAt time.Time
	Metadata    Metadata

	conn Conn

	mu              sync.Mutex
	rooms           map[string]struct{}
	pending         []PendingMessage
	status          Status
	lastHeartbeatAt time.Time
	disconnectedAt  time.Time
}

// NewSession creates a connected session for conn. Sessions are normally
// created by Registry.Authenticate.
func NewSession(conn Conn, claims *auth.Claims, meta Metadata, now time.Time) *Session {
	return &Session{
		ConnID:          conn.ID(),
		UserID:          claims.Subject,
		DisplayName:     claims.DisplayName(),
		ConnectedAt:     now,
		Metadata:        meta,
		conn:            conn,
		rooms:           make(map[string]struct{}),
		status:          StatusConnected,
		lastHeartbeatAt: now,
	}
}

// Conn returns the live connection backing the session.
func (s *Session) Conn() Conn {
	return s.conn
}

// Rooms returns the session's room ids in sorted order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// InRoom reports whether the session is a member of roomID.
func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

// DisconnectedAt is zero while the session is connected.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedAt
}

// Enqueue appends a message to the pending queue. It returns false once the
// session is disconnected, since its queue has already been drained.
func (s *Session) Enqueue(msg PendingMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDisconnected {
		return false
	}
	s.pending = append(s.pending, msg)
	return true
}

// Dequeue removes the pending message with the given id.
func (s *Session) Dequeue(id string) (PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.pending {
		if m.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return m, true
		}
	}
	return PendingMessage{}, false
}

// SetAttempt records the current 0-based attempt of a pending message.
func (s *Session) SetAttempt(id string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].ID == id {
			s.pending[i].Attempt = attempt
			return
		}
	}
}

// Pending returns a copy of the pending queue in enqueue order.
func (s *Session) Pending() []PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeatAt = now
	s.mu.Unlock()
}

// markDisconnected flips the status and drains the pending queue. It returns
// false if the session was already disconnected.
func (s *Session) markDisconnected(now time.Time) ([]PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDisconnected {
		return nil, false
	}
	s.status = StatusDisconnected
	s.disconnectedAt = now
	drained := s.pending
	s.pending = nil
	return drained, true
}

func (s *Session) addRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

func (s *Session) removeRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// expiredAt reports whether a disconnected session has outlived the grace window.
func (s *Session) expiredAt(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusDisconnected && now.Sub(s.disconnectedAt) > grace
}
