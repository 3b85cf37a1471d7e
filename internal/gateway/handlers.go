// ABOUTME: Handlers for room, chat, typing, heartbeat and stats events
// ABOUTME: Chat messages fan out through the delivery coordinator; presence is fire-and-forget

package gateway

import (
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
)

// response is what a handler hands back to the dispatcher. The ack carries
// payload, or the result of ack when set; ack and then run on their own
// goroutines so the connection's worker never waits on a peer.
type response struct {
	payload any
	ack     func() any
	then    func()
}

// StatsResult answers getStats.
type StatsResult struct {
	Success   bool             `json:"success"`
	Stats     map[string]int64 `json:"stats"`
	Providers []ai.Descriptor  `json:"providers"`
}

// route runs the handler for one decoded event.
func (g *Gateway) route(c *client, in protocol.Inbound) (response, error) {
	switch ev := in.(type) {
	case protocol.JoinRoom:
		return g.handleJoinRoom(c, ev)
	case protocol.LeaveRoom:
		return g.handleLeaveRoom(c, ev)
	case protocol.SendMessage:
		return g.handleSendMessage(c, ev)
	case protocol.SendAIMessage:
		return g.handleSendAIMessage(c, ev)
	case protocol.StartTyping:
		return g.handleTyping(c, ev.RoomID, true)
	case protocol.StopTyping:
		return g.handleTyping(c, ev.RoomID, false)
	case protocol.Heartbeat:
		return g.handleHeartbeat(c, ev)
	case protocol.GetStats:
		return response{payload: StatsResult{
			Success:   true,
			Stats:     g.stats.Snapshot(),
			Providers: g.ai.Descriptors(),
		}}, nil
	default:
		return response{}, decodeError(protocol.ErrUnknownEvent)
	}
}

func (g *Gateway) handleJoinRoom(c *client, ev protocol.JoinRoom) (response, error) {
	changed, err := g.registry.JoinRoom(c.conn.ID(), ev.RoomID)
	if err != nil {
		return response{}, err
	}
	if changed {
		g.notify(c, ev.RoomID, protocol.EventUserJoined, protocol.Presence{
			UserID:    c.sess.UserID,
			Username:  c.sess.DisplayName,
			RoomID:    ev.RoomID,
			Reason:    "join",
			Timestamp: protocol.Millis(g.now()),
		})
		g.logger.Debug("joined room", "conn_id", c.conn.ID(), "room_id", ev.RoomID)
	}
	return response{payload: protocol.Result{Success: true, RoomID: ev.RoomID}}, nil
}

func (g *Gateway) handleLeaveRoom(c *client, ev protocol.LeaveRoom) (response, error) {
	changed, err := g.registry.LeaveRoom(c.conn.ID(), ev.RoomID)
	if err != nil {
		return response{}, err
	}
	if changed {
		g.notify(c, ev.RoomID, protocol.EventUserLeft, protocol.Presence{
			UserID:    c.sess.UserID,
			Username:  c.sess.DisplayName,
			RoomID:    ev.RoomID,
			Reason:    "leave",
			Timestamp: protocol.Millis(g.now()),
		})
		g.logger.Debug("left room", "conn_id", c.conn.ID(), "room_id", ev.RoomID)
	}
	return response{payload: protocol.Result{Success: true, RoomID: ev.RoomID}}, nil
}

// handleSendMessage broadcasts a chat message to the other room members. The
// ack is sent once every recipient has acked or run out of retries. A resend
// carrying an already seen clientMessageId waits for the first send to settle:
// if it was delivered the resend is acked with the original message id,
// otherwise the resend is relayed as a new message.
func (g *Gateway) handleSendMessage(c *client, ev protocol.SendMessage) (response, error) {
	if !c.sess.InRoom(ev.RoomID) {
		return response{}, notInRoom(ev.RoomID)
	}

	messageID := uuid.NewString()
	if ev.ClientMessageID == "" {
		recipients := g.registry.RoomMembers(ev.RoomID, c.conn.ID())
		return response{ack: func() any {
			return g.relayMessage(c, ev, messageID, "", recipients)
		}}, nil
	}

	key := dedupe.Key(c.sess.UserID, ev.ClientMessageID)
	if _, dup := g.dedupe.Claim(key, messageID); dup {
		return response{ack: func() any { return g.resolveResend(c, ev, key) }}, nil
	}
	recipients := g.registry.RoomMembers(ev.RoomID, c.conn.ID())
	return response{ack: func() any {
		return g.relayMessage(c, ev, messageID, key, recipients)
	}}, nil
}

// resolveResend answers a sendMessage whose clientMessageId is already claimed.
func (g *Gateway) resolveResend(c *client, ev protocol.SendMessage, key string) protocol.SendMessageResult {
	for {
		original, delivered, err := g.dedupe.Wait(c.ctx, key)
		if err != nil {
			return protocol.SendMessageResult{Success: false, Error: "connection closed"}
		}
		if delivered {
			g.stats.Inc(metrics.DuplicateMessages)
			g.logger.Debug("duplicate message suppressed",
				"conn_id", c.conn.ID(),
				"client_message_id", ev.ClientMessageID,
				"message_id", original,
			)
			return protocol.SendMessageResult{Success: true, MessageID: original, Duplicate: true}
		}

		messageID := uuid.NewString()
		if _, dup := g.dedupe.Claim(key, messageID); !dup {
			return g.relayMessage(c, ev, messageID, key, g.registry.RoomMembers(ev.RoomID, c.conn.ID()))
		}
	}
}

// relayMessage fans msg out and settles its dedupe claim when key is set.
func (g *Gateway) relayMessage(c *client, ev protocol.SendMessage, messageID, key string, recipients []*session.Session) protocol.SendMessageResult {
	msg := protocol.ChatMessage{
		ID:        messageID,
		RoomID:    ev.RoomID,
		Content:   ev.Content,
		Type:      ev.Type,
		UserID:    c.sess.UserID,
		Username:  c.sess.DisplayName,
		Timestamp: protocol.Millis(g.now()),
	}
	g.stats.Inc(metrics.MessagesSent)
	res := g.delivery.Broadcast(c.ctx, recipients, protocol.EventNewMessage, msg, messageID)

	out := protocol.SendMessageResult{
		Success:         res.OK(),
		MessageID:       messageID,
		DeliveredCount:  res.Delivered,
		TotalRecipients: res.Total,
	}
	if out.Success {
		if key != "" {
			g.dedupe.Confirm(key)
		}
		return out
	}

	out.Error = "no recipient acknowledged the message"
	if key != "" {
		g.dedupe.Forget(key)
	}
	g.logger.Warn("message not delivered to any recipient",
		"conn_id", c.conn.ID(),
		"room_id", ev.RoomID,
		"message_id", messageID,
		"recipients", res.Total,
	)
	return out
}

func (g *Gateway) handleTyping(c *client, roomID string, typing bool) (response, error) {
	if !c.sess.InRoom(roomID) {
		return response{}, notInRoom(roomID)
	}
	g.notify(c, roomID, protocol.EventUserTyping, protocol.Typing{
		UserID:   c.sess.UserID,
		Username: c.sess.DisplayName,
		RoomID:   roomID,
		IsTyping: typing,
	})
	return response{payload: protocol.Result{Success: true, RoomID: roomID}}, nil
}

// handleHeartbeat re-arms the liveness timer and echoes the latency.
func (g *Gateway) handleHeartbeat(c *client, ev protocol.Heartbeat) (response, error) {
	c.watch.Beat()
	now := protocol.Millis(g.now())
	var latency int64
	if ev.Timestamp > 0 && ev.Timestamp <= now {
		latency = now - ev.Timestamp
	}
	ack := protocol.HeartbeatAck{Timestamp: now, Latency: latency}
	if err := c.conn.Emit(protocol.EventHeartbeatAck, ack); err != nil {
		g.logger.Debug("heartbeat ack not sent", "conn_id", c.conn.ID(), "error", err)
	}
	return response{payload: ack}, nil
}

// notify emits a best-effort event to every other member of roomID.
func (g *Gateway) notify(c *client, roomID, event string, payload any) {
	for _, member := range g.registry.RoomMembers(roomID, c.conn.ID()) {
		if err := member.Conn().Emit(event, payload); err != nil {
			g.logger.Debug("room notification not sent",
				"event", event,
				"room_id", roomID,
				"conn_id", member.ConnID,
				"error", err,
			)
		}
	}
}
