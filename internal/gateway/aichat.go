// ABOUTME: sendAiMessage handling: streams provider tokens to the sender and posts the answer to the room
// ABOUTME: Generation runs after the ack and is cancelled when the requesting connection closes

package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

// aiRequest is one accepted sendAiMessage.
type aiRequest struct {
	prompt      string
	roomID      string
	providerID  string // empty selects the fallback chain
	model       string
	messageID   string // the user's prompt
	aiMessageID string // the generated answer
}

func (g *Gateway) handleSendAIMessage(c *client, ev protocol.SendAIMessage) (response, error) {
	providerID, model, err := ai.ParseModel(ev.Model)
	if err != nil {
		return response{}, &clientError{Code: CodeInvalidModel, Message: err.Error()}
	}
	if ev.RoomID != "" && !c.sess.InRoom(ev.RoomID) {
		return response{}, notInRoom(ev.RoomID)
	}

	req := aiRequest{
		prompt:      ev.Text,
		roomID:      ev.RoomID,
		providerID:  providerID,
		model:       model,
		messageID:   uuid.NewString(),
		aiMessageID: uuid.NewString(),
	}
	return response{
		payload: protocol.SendAIMessageResult{
			Success:     true,
			MessageID:   req.messageID,
			AIMessageID: req.aiMessageID,
		},
		then: func() { g.runAI(c, req) },
	}, nil
}

// runAI shares the prompt with the room, streams the completion to the
// sender and, on success, posts the answer to the room as an AI message.
func (g *Gateway) runAI(c *client, req aiRequest) {
	ctx := c.ctx
	g.stats.Inc(metrics.AIRequests)
	started := g.now()

	if req.roomID != "" {
		prompt := protocol.ChatMessage{
			ID:        req.messageID,
			RoomID:    req.roomID,
			Content:   req.prompt,
			Type:      "text",
			UserID:    c.sess.UserID,
			Username:  c.sess.DisplayName,
			Timestamp: protocol.Millis(started),
		}
		c.async.Add(1)
		go func() {
			defer c.async.Done()
			g.broadcast(ctx, c, req.roomID, prompt)
		}()
	}

	final := g.streamAI(ctx, c, req)

	detail := map[string]any{
		"provider":    final.Provider,
		"model":       final.Model,
		"attempt":     final.Attempt,
		"room_id":     req.roomID,
		"message_id":  req.aiMessageID,
		"duration_ms": g.now().Sub(started).Milliseconds(),
	}

	switch {
	case final.Kind == ai.EventComplete:
		g.stats.Inc(metrics.AICompletions)
		detail["outcome"] = "complete"
		if err := c.conn.Emit(protocol.EventAIComplete, protocol.AIComplete{
			Response:  final.Text,
			MessageID: req.aiMessageID,
			Provider:  final.Provider,
			Model:     final.Model,
		}); err != nil {
			g.logger.Debug("aiComplete not sent", "conn_id", c.conn.ID(), "error", err)
		}
		if req.roomID != "" {
			g.broadcast(ctx, c, req.roomID, g.aiMessage(req, final))
		}
	case errors.Is(final.Err, context.Canceled):
		detail["outcome"] = "cancelled"
		g.logger.Debug("ai generation cancelled", "conn_id", c.conn.ID(), "message_id", req.aiMessageID)
	default:
		g.stats.Inc(metrics.AIFailures)
		detail["outcome"] = "error"
		detail["error"] = final.Err.Error()
		code, msg := aiErrorCode(final.Err)
		g.logger.Warn("ai generation failed",
			"conn_id", c.conn.ID(),
			"provider", final.Provider,
			"message_id", req.aiMessageID,
			"error", final.Err,
		)
		if err := c.conn.Emit(protocol.EventAIError, protocol.AIError{
			Error:     msg,
			MessageID: req.aiMessageID,
			Code:      code,
		}); err != nil {
			g.logger.Debug("aiError not sent", "conn_id", c.conn.ID(), "error", err)
		}
	}

	g.audit(store.AuditAIRequest, c.sess.UserID, "provider", final.Provider, detail)
}

// streamAI relays tokens and resets to the sender and returns the terminal event.
func (g *Gateway) streamAI(ctx context.Context, c *client, req aiRequest) ai.Event {
	msgs := make([]ai.Message, 0, 2)
	if sp := strings.TrimSpace(g.config.AI.SystemPrompt); sp != "" {
		msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: sp})
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: req.prompt})

	var stream <-chan ai.Event
	if req.providerID == "" {
		stream = g.ai.StreamWithFallback(ctx, msgs, ai.Options{})
	} else {
		s, err := g.ai.StreamCompletion(ctx, req.providerID, req.model, msgs, ai.Options{})
		if err != nil {
			return ai.Event{Kind: ai.EventError, Err: err, Provider: req.providerID, Model: req.model}
		}
		stream = s
	}

	var (
		final      ai.Event
		terminated bool
	)
	for ev := range stream {
		switch ev.Kind {
		case ai.EventToken:
			_ = c.conn.Emit(protocol.EventAIToken, protocol.AIToken{
				Token:     ev.Token,
				MessageID: req.aiMessageID,
				Provider:  ev.Provider,
				Attempt:   ev.Attempt,
			})
		case ai.EventReset:
			_ = c.conn.Emit(protocol.EventAIReset, protocol.AIReset{
				MessageID: req.aiMessageID,
				Provider:  ev.Provider,
				Attempt:   ev.Attempt,
			})
		case ai.EventComplete, ai.EventError:
			final, terminated = ev, true
		}
	}
	if !terminated {
		final = ai.Event{Kind: ai.EventError, Err: ai.ErrStreamIncomplete, Provider: req.providerID}
	}
	return final
}

func (g *Gateway) aiMessage(req aiRequest, final ai.Event) protocol.ChatMessage {
	name := final.Provider
	if p, ok := g.ai.Provider(final.Provider); ok {
		name = p.DisplayName()
	}
	return protocol.ChatMessage{
		ID:          req.aiMessageID,
		RoomID:      req.roomID,
		Content:     final.Text,
		Type:        "text",
		UserID:      "ai:" + final.Provider,
		Username:    name,
		Timestamp:   protocol.Millis(g.now()),
		IsAIMessage: true,
		Provider:    final.Provider,
		Model:       final.Model,
	}
}

// broadcast delivers msg to the other members of roomID with retries.
func (g *Gateway) broadcast(ctx context.Context, c *client, roomID string, msg protocol.ChatMessage) {
	recipients := g.registry.RoomMembers(roomID, c.conn.ID())
	res := g.delivery.Broadcast(ctx, recipients, protocol.EventNewMessage, msg, msg.ID)
	if !res.OK() {
		g.logger.Warn("room message not delivered",
			"room_id", roomID,
			"message_id", msg.ID,
			"recipients", res.Total,
		)
	}
}

// aiErrorCode maps orchestrator errors to aiError codes and client-safe text.
func aiErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, ai.ErrProviderNotFound):
		return CodeProviderNotFound, err.Error()
	case errors.Is(err, ai.ErrProviderUnavailable):
		return CodeProviderUnavailable, err.Error()
	case errors.Is(err, ai.ErrAllProvidersFailed):
		return CodeAllProvidersFailed, "all AI providers failed"
	default:
		return CodeProviderError, "AI provider error"
	}
}
