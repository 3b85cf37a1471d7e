// ABOUTME: Wire format for relay WebSocket connections: frames, event names and payloads
// ABOUTME: Inbound events decode into one typed variant per event name

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FrameType discriminates top-level frames.
type FrameType string

const (
	FrameConnect FrameType = "connect"
	FrameEvent   FrameType = "event"
	FrameAck     FrameType = "ack"
)

// Frame is one JSON text message in either direction.
type Frame struct {
	Type  FrameType       `json:"type"`
	Event string          `json:"event,omitempty"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectData is the payload of the first client frame.
type ConnectData struct {
	Token string `json:"token"`
}

// Inbound event names.
const (
	EventJoinRoom      = "joinRoom"
	EventLeaveRoom     = "leaveRoom"
	EventSendMessage   = "sendMessage"
	EventSendAIMessage = "sendAiMessage"
	EventStartTyping   = "startTyping"
	EventStopTyping    = "stopTyping"
	EventHeartbeat     = "heartbeat"
	EventGetStats      = "getStats"
)

// Outbound event names.
const (
	EventConnected        = "connected"
	EventError            = "error"
	EventHeartbeatRequest = "heartbeatRequest"
	EventHeartbeatAck     = "heartbeatAck"
	EventNewMessage       = "newMessage"
	EventUserJoined       = "userJoined"
	EventUserLeft         = "userLeft"
	EventUserTyping       = "userTyping"
	EventAIToken          = "aiToken"
	EventAIComplete       = "aiComplete"
	EventAIError          = "aiError"
	EventAIReset          = "aiReset"
)

// MaxContentLength bounds chat message content and AI prompt text.
const MaxContentLength = 10000

// Decode errors.
var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidFrame     = errors.New("invalid frame")
)

// Inbound is implemented by every client event variant.
type Inbound interface {
	EventName() string
}

// JoinRoom adds the sender to a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom removes the sender from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// SendMessage posts chat content to a room the sender has joined.
// ClientMessageID, when set, makes resends idempotent.
type SendMessage struct {
	Content         string `json:"content"`
	RoomID          string `json:"roomId"`
	Type            string `json:"type"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendAIMessage asks a model ("provider:model", or empty for the fallback
// chain) to answer Text, optionally sharing prompt and answer with RoomID.
type SendAIMessage struct {
	Text   string `json:"text"`
	Model  string `json:"model"`
	RoomID string `json:"roomId,omitempty"`
}

// StartTyping announces that the sender is typing in a room.
type StartTyping struct {
	RoomID string `json:"roomId"`
}

// StopTyping clears the typing indicator.
type StopTyping struct {
	RoomID string `json:"roomId"`
}

// Heartbeat is a client liveness ping; Timestamp is unix millis.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// GetStats requests the counter snapshot.
type GetStats struct{}

func (JoinRoom) EventName() string      { return EventJoinRoom }
func (LeaveRoom) EventName() string     { return EventLeaveRoom }
func (SendMessage) EventName() string   { return EventSendMessage }
func (SendAIMessage) EventName() string { return EventSendAIMessage }
func (StartTyping) EventName() string   { return EventStartTyping }
func (StopTyping) EventName() string    { return EventStopTyping }
func (Heartbeat) EventName() string     { return EventHeartbeat }
func (GetStats) EventName() string      { return EventGetStats }

// ParseFrame decodes one raw text message.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Type {
	case FrameConnect, FrameAck:
	case FrameEvent:
		if f.Event == "" {
			return nil, fmt.Errorf("%w: event frame without event name", ErrInvalidFrame)
		}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrInvalidFrame, f.Type)
	}
	return &f, nil
}

// DecodeInbound turns an event frame's data into its typed variant and
// validates required fields.
func DecodeInbound(event string, data json.RawMessage) (Inbound, error) {
	switch event {
	case EventJoinRoom:
		var v JoinRoom
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, requireRoom(v.RoomID)
	case EventLeaveRoom:
		var v LeaveRoom
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, requireRoom(v.RoomID)
	case EventSendMessage:
		var v SendMessage
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		if err := requireRoom(v.RoomID); err != nil {
			return nil, err
		}
		if err := checkContent("content", v.Content); err != nil {
			return nil, err
		}
		if v.Type == "" {
			v.Type = "text"
		}
		return v, nil
	case EventSendAIMessage:
		var v SendAIMessage
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		if err := checkContent("text", v.Text); err != nil {
			return nil, err
		}
		return v, nil
	case EventStartTyping:
		var v StartTyping
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, requireRoom(v.RoomID)
	case EventStopTyping:
		var v StopTyping
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, requireRoom(v.RoomID)
	case EventHeartbeat:
		var v Heartbeat
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case EventGetStats:
		return GetStats{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func requireRoom(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: roomId is required", ErrMalformedPayload)
	}
	return nil
}

func checkContent(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedPayload, field)
	}
	if len(s) > MaxContentLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformedPayload, field, MaxContentLength)
	}
	return nil
}

// EncodeEvent builds a server event frame.
func EncodeEvent(event, ackID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Type: FrameEvent, Event: event, AckID: ackID, Data: data})
}

// EncodeAck builds a server ack frame answering a client ack id.
func EncodeAck(ackID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding ack payload: %w", err)
	}
	return json.Marshal(Frame{Type: FrameAck, AckID: ackID, Data: data})
}

// Millis returns t as unix milliseconds, the timestamp unit on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Outbound payloads.

// Connected confirms authentication and lists any restored rooms.
type Connected struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Rooms    []string `json:"rooms,omitempty"`
}

// ErrorPayload is the error event sent when a request has no ack id.
type ErrorPayload struct {
	Message      string `json:"message"`
	Code         string `json:"code,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// HeartbeatRequest is the server probe the client must ack.
type HeartbeatRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatAck answers a client heartbeat with the measured latency.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
	Latency   int64 `json:"latency"`
}

// ChatMessage is delivered to room members as newMessage.
type ChatMessage struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	Timestamp   int64  `json:"timestamp"`
	IsAIMessage bool   `json:"isAIMessage,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Presence is carried by userJoined and userLeft.
type Presence struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	RoomID    string `json:"roomId"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Typing is carried by userTyping.
type Typing struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// AIToken is one streamed fragment of an AI answer.
type AIToken struct {
	Token     string `json:"token"`
	MessageID string `json:"messageId"`
	Provider  string `json:"provider,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// AIComplete carries the full answer once streaming succeeds.
type AIComplete struct {
	Response  string `json:"response"`
	MessageID string `json:"messageId"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// AIError ends an AI request that produced no answer.
type AIError struct {
	Error     string `json:"error"`
	MessageID string `json:"messageId"`
	Code      string `json:"code,omitempty"`
}

// AIReset tells the client that tokens already received for MessageID belong
// to a failed attempt and a new provider is starting over.
type AIReset struct {
	MessageID string `json:"messageId"`
	Provider  string `json:"provider"`
	Attempt   int    `json:"attempt"`
}

// Responses returned as ack frames.

// Result acknowledges room and typing events.
type Result struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId,omitempty"`
}

// SendMessageResult reports how many recipients acked a chat message.
type SendMessageResult struct {
	Success         bool   `json:"success"`
	MessageID       string `json:"messageId"`
	DeliveredCount  int    `json:"deliveredCount"`
	TotalRecipients int    `json:"totalRecipients"`
	Duplicate       bool   `json:"duplicate,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SendAIMessageResult acknowledges an accepted AI request with the ids its
// streamed events will carry.
type SendAIMessageResult struct {
	Success     bool   `json:"success"`
	MessageID   string `json:"messageId"`
	AIMessageID string `json:"aiMessageId"`
}

// ErrorResult is the ack for a rejected request.
type ErrorResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Code         string `json:"code"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}
