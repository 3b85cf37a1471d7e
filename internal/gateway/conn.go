// ABOUTME: WebSocket implementation of session.Conn with a single writer goroutine
// ABOUTME: Server-initiated acks are tracked by id and resolved by the read loop

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
)

const (
	writeWait      = 5 * time.Second
	enqueueWait    = 5 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// errSlowConsumer is returned when the outbound buffer stays full.
var errSlowConsumer = errors.New("outbound buffer full")

// wsConn adapts a gorilla websocket to session.Conn. All writes go through
// writeLoop; Close flushes frames queued before it was called.
type wsConn struct {
	id     string
	remote string
	ws     *websocket.Conn
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	reason    atomic.Value // string

	ackSeq atomic.Uint64
	ackMu  sync.Mutex
	acks   map[string]chan json.RawMessage
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, id, remote string, logger *slog.Logger) *wsConn {
	ws.SetReadLimit(maxFrameSize)
	return &wsConn{
		id:     id,
		remote: remote,
		ws:     ws,
		logger: logger.With("conn_id", id),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		acks:   make(map[string]chan json.RawMessage),
	}
}

func (c *wsConn) ID() string            { return c.id }
func (c *wsConn) RemoteAddr() string    { return c.remote }
func (c *wsConn) Done() <-chan struct{} { return c.done }

// Emit queues an event frame without an ack id.
func (c *wsConn) Emit(event string, payload any) error {
	frame, err := protocol.EncodeEvent(event, "", payload)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// EmitWithAck sends an event with a fresh server ack id and waits for the
// client's ack frame.
func (c *wsConn) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	ackID := "s" + strconv.FormatUint(c.ackSeq.Add(1), 10)
	frame, err := protocol.EncodeEvent(event, ackID, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	c.ackMu.Lock()
	c.acks[ackID] = ch
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, ackID)
		c.ackMu.Unlock()
	}()

	if err := c.enqueue(frame); err != nil {
		return nil, err
	}

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, session.ErrConnClosed
	}
}

// reply answers a client-supplied ack id.
func (c *wsConn) reply(ackID string, payload any) error {
	frame, err := protocol.EncodeAck(ackID, payload)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// resolveAck delivers a client ack to the waiting EmitWithAck. Unknown or
// late ack ids are ignored.
func (c *wsConn) resolveAck(ackID string, data json.RawMessage) bool {
	c.ackMu.Lock()
	ch, ok := c.acks[ackID]
	c.ackMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- data:
	default:
	}
	return true
}

func (c *wsConn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return session.ErrConnClosed
	default:
	}

	t := time.NewTimer(enqueueWait)
	defer t.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return session.ErrConnClosed
	case <-t.C:
		c.logger.Warn("closing slow consumer", "buffered", len(c.send))
		_ = c.Close("slow consumer")
		return errSlowConsumer
	}
}

// Close stops the connection. The first reason wins.
func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
	return nil
}

// CloseReason returns the reason passed to the first Close call.
func (c *wsConn) CloseReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// writeLoop owns all writes to the socket. It exits after Close, flushing
// whatever was already queued and sending a close frame.
func (c *wsConn) writeLoop() {
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				_ = c.Close("write failed")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(c.CloseReason()))
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close frame reasons are limited to 123 bytes.
func truncateReason(s string) string {
	if len(s) > 123 {
		return s[:123]
	}
	return s
}
