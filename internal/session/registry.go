// ABOUTME: Session registry: authentication, room membership, disconnect and purge sweep
// ABOUTME: The registry is the single source of truth for who is in which room

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

var (
	// ErrSessionNotFound indicates no connected session exists for the connection.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyAuthenticated indicates the connection already has a session.
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Default lifecycle timings.
const (
	DefaultGracePeriod   = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// PendingSink receives undelivered messages when a session disconnects.
type PendingSink interface {
	StoreForLater(ctx context.Context, userID string, msgs []PendingMessage) error
}

// Options configures a Registry.
type Options struct {
	GracePeriod   time.Duration
	SweepInterval time.Duration
	Sink          PendingSink
	Stats         *metrics.Stats
	Logger        *slog.Logger
	Now           func() time.Time
}

// Registry tracks every session and the room index.
type Registry struct {
	verifier      auth.TokenVerifier
	sink          PendingSink
	stats         *metrics.Stats
	logger        *slog.Logger
	grace         time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*Session
	rooms     map[string]map[string]*Session // roomID -> connID -> connected member
	connected int
}

// NewRegistry creates a registry that authenticates with verifier.
func NewRegistry(verifier auth.TokenVerifier, opts Options) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		verifier:      verifier,
		sink:          opts.Sink,
		stats:         opts.Stats,
		logger:        opts.Logger.With("component", "session"),
		grace:         opts.GracePeriod,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		sessions:      make(map[string]*Session),
		rooms:         make(map[string]map[string]*Session),
	}
}

// Authenticate verifies the handshake token and creates a session for conn.
// On failure an error event is emitted to the client and an *auth.Error is
// returned; the caller is expected to close the connection.
func (r *Registry) Authenticate(ctx context.Context, conn Conn, hs auth.Handshake, meta Metadata) (*Session, error) {
	token, source := auth.ExtractToken(hs)
	if source == auth.SourceQuery {
		r.logger.Warn("token supplied in query string", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	}

	claims, err := r.verifier.Verify(token)
	if err != nil {
		var authErr *auth.Error
		if !errors.As(err, &authErr) {
			authErr = &auth.Error{Kind: auth.KindInvalid, Detail: err.Error()}
		}
		r.stats.Inc(metrics.AuthFailures)
		r.logger.Warn("authentication failed",
			"conn_id", conn.ID(),
			"remote_addr", conn.RemoteAddr(),
			"code", authErr.Code(),
			"error", authErr,
		)
		if emitErr := conn.Emit(protocol.EventError, protocol.ErrorPayload{
			Message: authErr.Error(),
			Code:    authErr.Code(),
		}); emitErr != nil {
			r.logger.Debug("auth error event not sent", "conn_id", conn.ID(), "error", emitErr)
		}
		return nil, authErr
	}

	meta.TokenExpiresAt = claims.ExpiresAt
	meta.TokenSource = source
	meta.Admin = claims.Admin
	if meta.RemoteAddr == "" {
		meta.RemoteAddr = conn.RemoteAddr()
	}

	now := r.now()
	sess := NewSession(conn, claims, meta, now)

	r.mu.Lock()
	if _, exists := r.sessions[conn.ID()]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyAuthenticated
	}
	restored := r.restoreLocked(sess, now)
	r.sessions[sess.ConnID] = sess
	r.connected++
	r.publishLocked()
	r.mu.Unlock()

	r.stats.Inc(metrics.ConnectionsTotal)
	if len(restored) > 0 {
		r.stats.Inc(metrics.Reconnects)
	}

	r.logger.Info("session authenticated",
		"conn_id", sess.ConnID,
		"user_id", sess.UserID,
		"username", sess.DisplayName,
		"token_source", string(source),
		"restored_rooms", restored,
	)

	if err := conn.Emit(protocol.EventConnected, protocol.Connected{
		UserID:   sess.UserID,
		Username: sess.DisplayName,
		Rooms:    restored,
	}); err != nil {
		r.logger.Debug("connected event not sent", "conn_id", sess.ConnID, "error", err)
	}

	for _, roomID := range restored {
		r.notifyRoom(roomID, sess.ConnID, protocol.EventUserJoined, protocol.Presence{
			UserID:    sess.UserID,
			Username:  sess.DisplayName,
			RoomID:    roomID,
			Reason:    "reconnect",
			Timestamp: protocol.Millis(now),
		})
	}

	return sess, nil
}

// restoreLocked moves room memberships from the user's most recent
// disconnected session still inside the grace window. Must hold r.mu.
func (r *Registry) restoreLocked(sess *Session, now time.Time) []string {
	var prev *Session
	for _, s := range r.sessions {
		if s.UserID != sess.UserID || s.Status() != StatusDisconnected {
			continue
		}
		if now.Sub(s.DisconnectedAt()) > r.grace {
			continue
		}
		if prev == nil || s.DisconnectedAt().After(prev.DisconnectedAt()) {
			prev = s
		}
	}
	if prev == nil {
		return nil
	}

	rooms := prev.Rooms()
	for _, roomID := range rooms {
		sess.addRoom(roomID)
		r.indexLocked(roomID, sess)
	}
	delete(r.sessions, prev.ConnID)
	return rooms
}

// HandleDisconnect marks the session disconnected, hands its pending queue to
// the sink and tells remaining room members the user left.
func (r *Registry) HandleDisconnect(ctx context.Context, connID, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now()
	drained, changed := sess.markDisconnected(now)
	if !changed {
		r.mu.Unlock()
		return
	}
	rooms := sess.Rooms()
	for _, roomID := range rooms {
		r.unindexLocked(roomID, connID)
	}
	r.connected--
	r.publishLocked()
	r.mu.Unlock()

	r.stats.Inc(metrics.Disconnects)

	if len(drained) > 0 {
		r.storeForLater(ctx, sess, drained)
	}

	for _, roomID := range rooms {
		r.notifyRoom(roomID, connID, protocol.EventUserLeft, protocol.Presence{
			UserID:    sess.UserID,
			Username:  sess.DisplayName,
			RoomID:    roomID,
			Reason:    "disconnect",
			Timestamp: protocol.Millis(now),
		})
	}

	r.logger.Info("session disconnected",
		"conn_id", connID,
		"user_id", sess.UserID,
		"reason", reason,
		"rooms", len(rooms),
		"pending_flushed", len(drained),
	)
}

func (r *Registry) storeForLater(ctx context.Context, sess *Session, msgs []PendingMessage) {
	if r.sink == nil {
		r.logger.Debug("no pending sink configured, dropping queue", "user_id", sess.UserID, "count", len(msgs))
		return
	}
	if err := r.sink.StoreForLater(ctx, sess.UserID, msgs); err != nil {
		r.stats.Inc(metrics.PendingStoreFailures)
		r.logger.Error("failed to store pending messages", "user_id", sess.UserID, "count", len(msgs), "error", err)
		return
	}
	r.stats.Add(metrics.PendingStored, int64(len(msgs)))
}

// JoinRoom adds the session to roomID. It reports whether membership changed.
func (r *Registry) JoinRoom(connID, roomID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.liveLocked(connID)
	if err != nil {
		return false, err
	}
	if !sess.addRoom(roomID) {
		return false, nil
	}
	r.indexLocked(roomID, sess)
	r.publishLocked()
	return true, nil
}

// LeaveRoom removes the session from roomID. Leaving a room the session is
// not in is a no-op.
func (r *Registry) LeaveRoom(connID, roomID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.liveLocked(connID)
	if err != nil {
		return false, err
	}
	if !sess.removeRoom(roomID) {
		return false, nil
	}
	r.unindexLocked(roomID, connID)
	r.publishLocked()
	return true, nil
}

func (r *Registry) liveLocked(connID string) (*Session, error) {
	sess, ok := r.sessions[connID]
	if !ok || sess.Status() != StatusConnected {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (r *Registry) indexLocked(roomID string, sess *Session) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[roomID] = members
	}
	members[sess.ConnID] = sess
}

func (r *Registry) unindexLocked(roomID, connID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// RoomMembers returns the connected members of roomID, skipping excludeConnID.
func (r *Registry) RoomMembers(roomID, excludeConnID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]*Session, 0, len(members))
	for connID, sess := range members {
		if connID == excludeConnID {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// notifyRoom emits a best-effort event to every member of roomID except one.
func (r *Registry) notifyRoom(roomID, excludeConnID, event string, payload any) {
	for _, member := range r.RoomMembers(roomID, excludeConnID) {
		if err := member.Conn().Emit(event, payload); err != nil {
			r.logger.Debug("room notification not sent",
				"event", event,
				"room_id", roomID,
				"conn_id", member.ConnID,
				"error", err,
			)
		}
	}
}

// Get returns the session for connID, connected or not.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connID]
	return sess, ok
}

// Touch records heartbeat activity for connID.
func (r *Registry) Touch(connID string) {
	if sess, ok := r.Get(connID); ok {
		sess.touch(r.now())
	}
}

// Counts returns the number of connected sessions and non-empty rooms.
func (r *Registry) Counts() (connections, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected, len(r.rooms)
}

func (r *Registry) publishLocked() {
	r.stats.SetActive(r.connected, len(r.rooms))
}

// Sweep purges disconnected sessions older than the grace window and returns
// how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for connID, sess := range r.sessions {
		if sess.expiredAt(now, r.grace) {
			delete(r.sessions, connID)
			purged++
		}
	}
	if purged > 0 {
		r.stats.Add(metrics.SessionsPurged, int64(purged))
		r.logger.Debug("purged expired sessions", "count", purged, "remaining", len(r.sessions))
	}
	return purged
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}
