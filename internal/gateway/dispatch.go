// ABOUTME: Per-connection state machine: connect handshake, read loop, event routing
// ABOUTME: Events are admission-checked and routed in order; waits on peers run off the worker

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	eventQueueSize   = 64
)

// connState is the lifecycle of one connection.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateActive
	stateRateLimited
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateActive:
		return "active"
	case stateRateLimited:
		return "rate_limited"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// client is the dispatcher's view of one connection. Session state lives in
// the registry; this only wires callbacks together.
type client struct {
	conn           *wsConn
	sess           *session.Session
	watch          *heartbeat.Watch
	internalMarker string

	state atomic.Int32

	// ctx is cancelled when the connection ends, aborting AI streams.
	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup
}

func (c *client) setState(s connState) connState {
	return connState(c.state.Swap(int32(s)))
}

func (c *client) State() connState {
	return connState(c.state.Load())
}

func (c *client) limitClient() ratelimit.Client {
	return ratelimit.Client{
		Identity:       c.sess.UserID,
		Addr:           c.conn.RemoteAddr(),
		Admin:          c.sess.Metadata.Admin,
		InternalMarker: c.internalMarker,
	}
}

// handleWebSocket upgrades the request and serves the connection until it closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws, uuid.NewString(), r.RemoteAddr, g.logger)
	hs := auth.Handshake{
		Authorization: r.Header.Get("Authorization"),
		Query:         r.URL.Query(),
	}

	g.connsMu.Lock()
	g.conns[conn.ID()] = conn
	g.connsMu.Unlock()
	g.wg.Add(1)
	defer func() {
		g.connsMu.Lock()
		delete(g.conns, conn.ID())
		g.connsMu.Unlock()
		g.wg.Done()
	}()

	g.serve(conn, hs, r.Header.Get(InternalServiceHeader))
}

// serve runs one connection through its whole lifecycle.
func (g *Gateway) serve(conn *wsConn, hs auth.Handshake, internalMarker string) {
	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	c := &client{conn: conn, internalMarker: internalMarker, ctx: ctx, cancel: cancel}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop()
	}()
	defer func() { <-writerDone }()

	sess, err := g.handshake(c, hs)
	if err != nil {
		_ = conn.Close("authentication failed")
		return
	}
	c.sess = sess
	c.setState(stateAuthenticated)
	g.audit(store.AuditConnect, sess.UserID, "connection", conn.ID(), map[string]any{
		"remote_addr":  conn.RemoteAddr(),
		"token_source": string(sess.Metadata.TokenSource),
	})

	c.watch = g.monitor.Watch(conn, func() { g.registry.Touch(conn.ID()) })
	c.setState(stateActive)

	events := make(chan *protocol.Frame, eventQueueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for frame := range events {
			g.dispatch(c, frame)
		}
	}()

	reason := g.readLoop(c, events)
	close(events)
	if r := conn.CloseReason(); r != "" {
		reason = r
	}

	c.setState(stateDisconnected)
	c.watch.Stop()
	g.registry.HandleDisconnect(context.Background(), conn.ID(), reason)
	_ = conn.Close(reason)
	cancel()
	<-workerDone
	c.async.Wait()

	g.audit(store.AuditDisconnect, sess.UserID, "connection", conn.ID(), map[string]any{
		"reason":       reason,
		"duration_ms":  g.now().Sub(sess.ConnectedAt).Milliseconds(),
		"remote_addr":  conn.RemoteAddr(),
		"rooms_at_end": sess.Rooms(),
	})
}

// handshake reads the connect frame and authenticates it. Failures are
// reported to the client before returning.
func (g *Gateway) handshake(c *client, hs auth.Handshake) (*session.Session, error) {
	conn := c.conn
	_ = conn.ws.SetReadDeadline(g.now().Add(handshakeTimeout))

	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		g.logger.Debug("no connect frame", "conn_id", conn.ID(), "error", err)
		g.stats.Inc(metrics.AuthFailures)
		_ = conn.Emit(protocol.EventError, protocol.ErrorPayload{Message: "connect frame not received", Code: CodeConnectRequired})
		return nil, err
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil || frame.Type != protocol.FrameConnect {
		g.stats.Inc(metrics.AuthFailures)
		_ = conn.Emit(protocol.EventError, protocol.ErrorPayload{Message: "first frame must be connect", Code: CodeConnectRequired})
		g.audit(store.AuditAuthFailure, conn.RemoteAddr(), "connection", conn.ID(), map[string]any{"code": CodeConnectRequired})
		return nil, errors.New("first frame was not connect")
	}

	var cd protocol.ConnectData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &cd); err != nil {
			authErr := &auth.Error{Kind: auth.KindMalformedPayload, Detail: err.Error()}
			g.stats.Inc(metrics.AuthFailures)
			_ = conn.Emit(protocol.EventError, protocol.ErrorPayload{Message: authErr.Error(), Code: authErr.Code()})
			g.audit(store.AuditAuthFailure, conn.RemoteAddr(), "connection", conn.ID(), map[string]any{"code": authErr.Code()})
			return nil, authErr
		}
	}
	hs.AuthField = cd.Token
	_ = conn.ws.SetReadDeadline(time.Time{})

	sess, err := g.registry.Authenticate(c.ctx, conn, hs, session.Metadata{
		Transport:       "websocket",
		RemoteAddr:      conn.RemoteAddr(),
		InternalService: c.internalMarker != "",
	})
	if err != nil {
		detail := map[string]any{"error": err.Error()}
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			detail["code"] = authErr.Code()
		}
		g.audit(store.AuditAuthFailure, conn.RemoteAddr(), "connection", conn.ID(), detail)
		return nil, err
	}
	return sess, nil
}

// readLoop reads frames until the socket fails. Acks are resolved inline so
// they are never stuck behind a slow handler; events are queued in order.
func (g *Gateway) readLoop(c *client, events chan<- *protocol.Frame) string {
	conn := c.conn
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client disconnected"
			}
			g.logger.Debug("websocket read ended", "conn_id", conn.ID(), "error", err)
			return "transport closed"
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			_ = conn.Emit(protocol.EventError, protocol.ErrorPayload{Message: "invalid frame", Code: CodeInvalidFrame})
			continue
		}

		switch frame.Type {
		case protocol.FrameAck:
			if !conn.resolveAck(frame.AckID, frame.Data) {
				g.logger.Debug("ack for unknown id", "conn_id", conn.ID(), "ack_id", frame.AckID)
			}
		case protocol.FrameConnect:
			_ = conn.Emit(protocol.EventError, protocol.ErrorPayload{Message: "already connected", Code: CodeAlreadyConnected})
		case protocol.FrameEvent:
			select {
			case events <- frame:
			case <-conn.Done():
				return "closed while queueing"
			}
		}
	}
}

// dispatch admits, routes and answers one event frame.
func (g *Gateway) dispatch(c *client, frame *protocol.Frame) {
	defer g.recoverHandler(c, frame)

	in, err := protocol.DecodeInbound(frame.Event, frame.Data)
	if err != nil {
		g.fail(c, frame, decodeError(err))
		return
	}

	decision := g.gate.Check(c.ctx, c.limitClient(), frame.Event)
	if !decision.Allowed {
		if prev := c.setState(stateRateLimited); prev != stateRateLimited {
			g.logger.Debug("connection rate limited", "conn_id", c.conn.ID(), "class", decision.Class)
		}
		g.fail(c, frame, &clientError{
			Code:       CodeRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		})
		return
	}
	if decision.Class != "" {
		c.setState(stateActive)
	}

	res, err := g.route(c, in)
	if err != nil {
		g.fail(c, frame, err)
		return
	}
	if res.ack != nil {
		g.goAsync(c, frame, func() { g.reply(c, frame, res.ack()) })
	} else {
		g.reply(c, frame, res.payload)
	}
	if res.then != nil {
		g.goAsync(c, frame, res.then)
	}
}

// goAsync runs fn off the connection's worker. Teardown waits for it.
func (g *Gateway) goAsync(c *client, frame *protocol.Frame, fn func()) {
	c.async.Add(1)
	go func() {
		defer c.async.Done()
		defer g.recoverHandler(c, frame)
		fn()
	}()
}

// recoverHandler turns a handler panic into an INTERNAL_ERROR reply.
func (g *Gateway) recoverHandler(c *client, frame *protocol.Frame) {
	rec := recover()
	if rec == nil {
		return
	}
	g.stats.Inc(metrics.HandlerPanics)
	g.logger.Error("handler panic",
		"conn_id", c.conn.ID(),
		"event", frame.Event,
		"panic", rec,
		"stack", string(debug.Stack()),
	)
	g.fail(c, frame, errInternal)
}

func (g *Gateway) reply(c *client, frame *protocol.Frame, payload any) {
	if frame.AckID == "" {
		return
	}
	if err := c.conn.reply(frame.AckID, payload); err != nil {
		g.logger.Debug("ack not sent", "conn_id", c.conn.ID(), "event", frame.Event, "error", err)
	}
}

// fail reports err to the caller: as a failed ack when the event carried an
// ack id, otherwise as an error event.
func (g *Gateway) fail(c *client, frame *protocol.Frame, err error) {
	ce := g.classify(c, frame.Event, err)
	var sendErr error
	if frame.AckID != "" {
		sendErr = c.conn.reply(frame.AckID, protocol.ErrorResult{
			Success:      false,
			Error:        ce.Message,
			Code:         ce.Code,
			RetryAfterMs: ce.RetryAfter.Milliseconds(),
		})
	} else {
		sendErr = c.conn.Emit(protocol.EventError, protocol.ErrorPayload{
			Message:      ce.Message,
			Code:         ce.Code,
			RetryAfterMs: ce.RetryAfter.Milliseconds(),
		})
	}
	if sendErr != nil {
		g.logger.Debug("error response not sent", "conn_id", c.conn.ID(), "error", sendErr)
	}
}

// classify turns any handler error into a client-safe error. Unexpected
// errors are logged in full and surfaced without detail.
func (g *Gateway) classify(c *client, event string, err error) *clientError {
	var ce *clientError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		return &clientError{Code: CodeNotConnected, Message: "session not connected"}
	}
	g.stats.Inc(metrics.HandlerErrors)
	g.logger.Error("handler failed", "conn_id", c.conn.ID(), "event", event, "error", err)
	return errInternal
}
