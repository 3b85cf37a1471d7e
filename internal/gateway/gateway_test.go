// ABOUTME: End-to-end tests for the relay over a real WebSocket server
// ABOUTME: Test clients speak the JSON frame protocol and auto-ack server deliveries

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

const waitTimeout = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config with fast delivery retries and a heartbeat
// slow enough that probes never interfere.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testSecret
	cfg.Delivery.MaxRetries = 2
	cfg.Delivery.AckTimeout = 300 * time.Millisecond
	cfg.Delivery.BackoffBase = 10 * time.Millisecond
	cfg.Heartbeat.Interval = time.Hour
	cfg.Heartbeat.DisconnectTimeout = 2 * time.Hour
	cfg.AI.FallbackChain = []string{"fake"}
	cfg.ApplyDefaults()
	return cfg
}

// fakeProvider streams canned tokens and then completes or fails.
type fakeProvider struct {
	id     string
	tokens []string
	fail   error
}

func (f *fakeProvider) ID() string          { return f.id }
func (f *fakeProvider) DisplayName() string { return "Fake " + f.id }
func (f *fakeProvider) Models() []string    { return []string{f.id + "-model"} }
func (f *fakeProvider) Enabled() bool       { return true }

func (f *fakeProvider) Stream(ctx context.Context, model string, _ []ai.Message, _ ai.Options) (<-chan ai.Event, error) {
	out := make(chan ai.Event)
	go func() {
		defer close(out)
		var full strings.Builder
		for _, tok := range f.tokens {
			select {
			case out <- ai.Event{Kind: ai.EventToken, Token: tok}:
				full.WriteString(tok)
			case <-ctx.Done():
				out <- ai.Event{Kind: ai.EventError, Err: ctx.Err()}
				return
			}
		}
		if f.fail != nil {
			out <- ai.Event{Kind: ai.EventError, Err: f.fail}
			return
		}
		out <- ai.Event{Kind: ai.EventComplete, Text: full.String(), Model: model}
	}()
	return out, nil
}

type testEnv struct {
	gw     *Gateway
	srv    *httptest.Server
	store  *store.MockStore
	tokens *auth.JWTVerifier
}

func newTestEnv(t *testing.T, cfg *config.Config, opts ...Option) *testEnv {
	t.Helper()

	ms := store.NewMockStore()
	base := []Option{
		WithStore(ms),
		WithCounterStore(ratelimit.NewMemoryCounterStore()),
	}
	gw, err := New(cfg, testLogger(), append(base, opts...)...)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})

	return &testEnv{gw: gw, srv: srv, store: ms, tokens: auth.NewJWTVerifier([]byte(testSecret))}
}

func (e *testEnv) token(t *testing.T, sub string, admin bool) string {
	t.Helper()
	tok, err := e.tokens.Generate(sub, time.Hour, auth.TokenOptions{Username: strings.ToUpper(sub[:1]) + sub[1:], Admin: admin})
	require.NoError(t, err)
	return tok
}

// testClient is a protocol-level WebSocket client. It acks every server
// event that carries an ack id unless autoAck is false.
type testClient struct {
	t  *testing.T
	ws *websocket.Conn

	writeMu sync.Mutex
	seq     int

	frames  chan protocol.Frame
	backlog []protocol.Frame
	autoAck atomic.Bool
}

func (e *testEnv) dial(t *testing.T, header http.Header) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)

	c := &testClient{t: t, ws: ws, frames: make(chan protocol.Frame, 256)}
	c.autoAck.Store(true)
	go c.readLoop()
	t.Cleanup(func() { _ = ws.Close() })
	return c
}

// connect dials and authenticates as sub, returning after the connected event.
func (e *testEnv) connect(t *testing.T, sub string) *testClient {
	t.Helper()
	c := e.dial(t, nil)
	c.writeJSON(map[string]any{"type": "connect", "data": map[string]string{"token": e.token(t, sub, false)}})
	c.expectEvent(protocol.EventConnected)
	return c
}

func (c *testClient) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == protocol.FrameEvent && f.AckID != "" && c.autoAck.Load() {
			c.writeJSON(map[string]any{"type": "ack", "ackId": f.AckID, "data": map[string]any{}})
		}
		c.frames <- f
	}
}

func (c *testClient) writeJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(v)
}

// send emits an event with a fresh client ack id and returns the id.
func (c *testClient) send(event string, data any) string {
	c.writeMu.Lock()
	c.seq++
	ackID := "c" + strconv.Itoa(c.seq)
	c.writeMu.Unlock()
	c.writeJSON(map[string]any{"type": "event", "event": event, "ackId": ackID, "data": data})
	return ackID
}

// waitFor returns the first frame matching fn, keeping unmatched frames for later calls.
func (c *testClient) waitFor(desc string, fn func(protocol.Frame) bool) protocol.Frame {
	c.t.Helper()
	for i, f := range c.backlog {
		if fn(f) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return f
		}
	}
	timeout := time.After(waitTimeout)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", desc)
			}
			if fn(f) {
				return f
			}
			c.backlog = append(c.backlog, f)
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

func (c *testClient) expectEvent(event string) protocol.Frame {
	c.t.Helper()
	return c.waitFor("event "+event, func(f protocol.Frame) bool {
		return f.Type == protocol.FrameEvent && f.Event == event
	})
}

func (c *testClient) expectAck(ackID string, v any) {
	c.t.Helper()
	f := c.waitFor("ack "+ackID, func(f protocol.Frame) bool {
		return f.Type == protocol.FrameAck && f.AckID == ackID
	})
	require.NoError(c.t, json.Unmarshal(f.Data, v))
}

// expectNoEvent fails if event arrives within d.
func (c *testClient) expectNoEvent(event string, d time.Duration) {
	c.t.Helper()
	for _, f := range c.backlog {
		if f.Event == event {
			c.t.Fatalf("unexpected %s event", event)
		}
	}
	timeout := time.After(d)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			if f.Type == protocol.FrameEvent && f.Event == event {
				c.t.Fatalf("unexpected %s event: %s", event, f.Data)
			}
			c.backlog = append(c.backlog, f)
		case <-timeout:
			return
		}
	}
}

// expectClosed waits for the server to close the socket.
func (c *testClient) expectClosed() {
	c.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-timeout:
			c.t.Fatal("connection was not closed")
		}
	}
}

func (c *testClient) join(roomID string) {
	c.t.Helper()
	var res protocol.Result
	c.expectAck(c.send(protocol.EventJoinRoom, map[string]string{"roomId": roomID}), &res)
	require.True(c.t, res.Success)
}

func decode[T any](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func TestConnect_Success(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.dial(t, nil)

	c.writeJSON(map[string]any{"type": "connect", "data": map[string]string{"token": env.token(t, "alice", false)}})
	connected := decode[protocol.Connected](t, c.expectEvent(protocol.EventConnected))

	assert.Equal(t, "alice", connected.UserID)
	assert.Equal(t, "Alice", connected.Username)
	assert.Empty(t, connected.Rooms)

	require.Eventually(t, func() bool {
		entries, _ := env.store.ListAuditLog(context.Background(), store.AuditFilter{})
		return len(entries) == 1 && entries[0].Action == store.AuditConnect
	}, waitTimeout, 10*time.Millisecond)
}

func TestConnect_InvalidToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.dial(t, nil)

	c.writeJSON(map[string]any{"type": "connect", "data": map[string]string{"token": "not-a-jwt"}})
	payload := decode[protocol.ErrorPayload](t, c.expectEvent(protocol.EventError))

	assert.Equal(t, "INVALID_TOKEN", payload.Code)
	c.expectClosed()
	assert.Equal(t, int64(1), env.gw.Stats().Get(metrics.AuthFailures))

	action := store.AuditAuthFailure
	entries, err := env.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "INVALID_TOKEN", entries[0].Detail["code"])
}

func TestConnect_NoToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.dial(t, nil)

	c.writeJSON(map[string]any{"type": "connect"})
	payload := decode[protocol.ErrorPayload](t, c.expectEvent(protocol.EventError))

	assert.Equal(t, "NO_TOKEN", payload.Code)
	c.expectClosed()
}

func TestConnect_FirstFrameMustBeConnect(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.dial(t, nil)

	c.send(protocol.EventJoinRoom, map[string]string{"roomId": "general"})
	payload := decode[protocol.ErrorPayload](t, c.expectEvent(protocol.EventError))

	assert.Equal(t, CodeConnectRequired, payload.Code)
	c.expectClosed()
}

func TestConnect_TokenFromAuthorizationHeader(t *testing.T) {
	env := newTestEnv(t, testConfig())
	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "bob", false))
	c := env.dial(t, header)

	c.writeJSON(map[string]any{"type": "connect"})
	connected := decode[protocol.Connected](t, c.expectEvent(protocol.EventConnected))
	assert.Equal(t, "bob", connected.UserID)
}

func TestConnect_SecondConnectRejected(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.connect(t, "alice")

	c.writeJSON(map[string]any{"type": "connect", "data": map[string]string{"token": env.token(t, "alice", false)}})
	payload := decode[protocol.ErrorPayload](t, c.expectEvent(protocol.EventError))
	assert.Equal(t, CodeAlreadyConnected, payload.Code)
}

func TestInvalidFrame(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.connect(t, "alice")

	c.writeMu.Lock()
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.writeMu.Unlock()

	payload := decode[protocol.ErrorPayload](t, c.expectEvent(protocol.EventError))
	assert.Equal(t, CodeInvalidFrame, payload.Code)
}

func TestUnknownEvent(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.connect(t, "alice")

	var res protocol.ErrorResult
	c.expectAck(c.send("teleport", map[string]string{}), &res)

	assert.False(t, res.Success)
	assert.Equal(t, CodeUnknownEvent, res.Code)
}

func TestInvalidPayload(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.connect(t, "alice")

	var res protocol.ErrorResult
	c.expectAck(c.send(protocol.EventJoinRoom, map[string]string{"roomId": ""}), &res)

	assert.False(t, res.Success)
	assert.Equal(t, CodeInvalidPayload, res.Code)
}

func TestRooms_PresenceNotifications(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.join("general")
	bob.join("general")

	joined := decode[protocol.Presence](t, alice.expectEvent(protocol.EventUserJoined))
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "general", joined.RoomID)
	assert.Equal(t, "join", joined.Reason)

	var res protocol.Result
	bob.expectAck(bob.send(protocol.EventLeaveRoom, map[string]string{"roomId": "general"}), &res)
	assert.True(t, res.Success)

	left := decode[protocol.Presence](t, alice.expectEvent(protocol.EventUserLeft))
	assert.Equal(t, "bob", left.UserID)
	assert.Equal(t, "leave", left.Reason)
}

func TestRooms_JoinTwiceNotifiesOnce(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.join("general")
	bob.join("general")
	alice.expectEvent(protocol.EventUserJoined)

	bob.join("general")
	alice.expectNoEvent(protocol.EventUserJoined, 200*time.Millisecond)
}

func TestRooms_DisconnectNotifiesMembers(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	alice.join("general")
	bob.join("general")

	require.NoError(t, bob.ws.Close())

	left := decode[protocol.Presence](t, alice.expectEvent(protocol.EventUserLeft))
	assert.Equal(t, "bob", left.UserID)
	assert.Equal(t, "disconnect", left.Reason)
}

func TestSendMessage_DeliversToOtherMembers(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	carol := env.connect(t, "carol")
	for _, c := range []*testClient{alice, bob, carol} {
		c.join("general")
	}

	ackID := alice.send(protocol.EventSendMessage, map[string]string{"roomId": "general", "content": "hi", "type": "text"})

	for _, c := range []*testClient{bob, carol} {
		msg := decode[protocol.ChatMessage](t, c.expectEvent(protocol.EventNewMessage))
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, "alice", msg.UserID)
		assert.Equal(t, "general", msg.RoomID)
		assert.False(t, msg.IsAIMessage)
	}

	var res protocol.SendMessageResult
	alice.expectAck(ackID, &res)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, 2, res.DeliveredCount)
	assert.Equal(t, 2, res.TotalRecipients)

	alice.expectNoEvent(protocol.EventNewMessage, 100*time.Millisecond)
	assert.Equal(t, int64(1), env.gw.Stats().Get(metrics.MessagesSent))
}

func TestSendMessage_EmptyRoomSucceeds(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	alice.join("quiet")

	var res protocol.SendMessageResult
	alice.expectAck(alice.send(protocol.EventSendMessage, map[string]string{"roomId": "quiet", "content": "echo", "type": "text"}), &res)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.TotalRecipients)
}

func TestSendMessage_DuplicateSuppressed(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	alice.join("general")
	bob.join("general")

	data := map[string]string{"roomId": "general", "content": "once", "type": "text", "clientMessageId": "m-1"}

	var first, second protocol.SendMessageResult
	alice.expectAck(alice.send(protocol.EventSendMessage, data), &first)
	alice.expectAck(alice.send(protocol.EventSendMessage, data), &second)

	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)

	bob.expectEvent(protocol.EventNewMessage)
	bob.expectNoEvent(protocol.EventNewMessage, 200*time.Millisecond)
	assert.Equal(t, int64(1), env.gw.Stats().Get(metrics.DuplicateMessages))
}

func TestSendMessage_SilentMemberDoesNotBlockOtherRooms(t *testing.T) {
	cfg := testConfig()
	cfg.Delivery.AckTimeout = time.Second
	env := newTestEnv(t, cfg)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	dave := env.connect(t, "dave")
	bob.autoAck.Store(false)
	alice.join("general")
	alice.join("other")
	bob.join("general")
	dave.join("other")

	slow := alice.send(protocol.EventSendMessage, map[string]string{"roomId": "general", "content": "bob?", "type": "text"})
	bob.expectEvent(protocol.EventNewMessage)

	start := time.Now()
	fast := alice.send(protocol.EventSendMessage, map[string]string{"roomId": "other", "content": "dave?", "type": "text"})
	msg := decode[protocol.ChatMessage](t, dave.expectEvent(protocol.EventNewMessage))
	assert.Equal(t, "dave?", msg.Content)

	var res protocol.SendMessageResult
	alice.expectAck(fast, &res)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "unrelated room waited on a silent member")
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.DeliveredCount)

	var hb protocol.HeartbeatAck
	alice.expectAck(alice.send(protocol.EventHeartbeat, map[string]int64{"timestamp": protocol.Millis(time.Now())}), &hb)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "heartbeat waited on a silent member")

	var failed protocol.SendMessageResult
	alice.expectAck(slow, &failed)
	assert.False(t, failed.Success)
	assert.Equal(t, 0, failed.DeliveredCount)
	assert.Equal(t, 1, failed.TotalRecipients)
}

func TestSendMessage_ResendWhileFirstUndelivered(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	bob.autoAck.Store(false)
	alice.join("general")
	bob.join("general")

	data := map[string]string{"roomId": "general", "content": "again", "type": "text", "clientMessageId": "m-1"}
	firstID := alice.send(protocol.EventSendMessage, data)
	bob.expectEvent(protocol.EventNewMessage)
	secondID := alice.send(protocol.EventSendMessage, data)

	var first, second protocol.SendMessageResult
	alice.expectAck(firstID, &first)
	alice.expectAck(secondID, &second)

	assert.False(t, first.Success)
	assert.False(t, second.Duplicate, "a resend of an undelivered message is relayed again")
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, 1, second.TotalRecipients)
	assert.Zero(t, env.gw.Stats().Get(metrics.DuplicateMessages))
}

func TestSendMessage_NotInRoom(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")

	var res protocol.ErrorResult
	alice.expectAck(alice.send(protocol.EventSendMessage, map[string]string{"roomId": "general", "content": "hi", "type": "text"}), &res)

	assert.False(t, res.Success)
	assert.Equal(t, CodeNotInRoom, res.Code)
}

func TestSendMessage_UnackedDeliveryStoredOnDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Delivery.AckTimeout = 2 * time.Second
	env := newTestEnv(t, cfg)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	bob.autoAck.Store(false)
	alice.join("general")
	bob.join("general")

	alice.send(protocol.EventSendMessage, map[string]string{"roomId": "general", "content": "are you there", "type": "text"})
	bob.expectEvent(protocol.EventNewMessage)
	require.NoError(t, bob.ws.Close())

	require.Eventually(t, func() bool {
		msgs, _ := env.store.ListUndelivered(context.Background(), "bob", 0)
		return len(msgs) == 1 && msgs[0].Event == protocol.EventNewMessage
	}, waitTimeout, 10*time.Millisecond)
}

func TestSendMessage_InFlightDeliveryStoredOnHeartbeatClose(t *testing.T) {
	cfg := testConfig()
	cfg.Delivery.AckTimeout = 5 * time.Second
	cfg.Heartbeat.Interval = 300 * time.Millisecond
	env := newTestEnv(t, cfg)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	bob.autoAck.Store(false)
	alice.join("general")
	bob.join("general")

	alice.send(protocol.EventSendMessage, map[string]string{"roomId": "general", "content": "still there?", "type": "text"})
	sent := decode[protocol.ChatMessage](t, bob.expectEvent(protocol.EventNewMessage))
	bob.expectClosed()

	require.Eventually(t, func() bool {
		msgs, _ := env.store.ListUndelivered(context.Background(), "bob", 0)
		return len(msgs) == 1 && msgs[0].MessageID == sent.ID
	}, waitTimeout, 10*time.Millisecond)
	assert.Positive(t, env.gw.Stats().Get(metrics.HeartbeatTimeouts))
}

func TestTyping_NotifiesMembers(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	alice.join("general")
	bob.join("general")

	var res protocol.Result
	alice.expectAck(alice.send(protocol.EventStartTyping, map[string]string{"roomId": "general"}), &res)
	typing := decode[protocol.Typing](t, bob.expectEvent(protocol.EventUserTyping))
	assert.True(t, typing.IsTyping)
	assert.Equal(t, "alice", typing.UserID)

	alice.send(protocol.EventStopTyping, map[string]string{"roomId": "general"})
	typing = decode[protocol.Typing](t, bob.expectEvent(protocol.EventUserTyping))
	assert.False(t, typing.IsTyping)
}

func TestRateLimit_MessagesDenied(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimits.Messages = 2
	env := newTestEnv(t, cfg)
	alice := env.connect(t, "alice")
	alice.join("general")

	msg := map[string]string{"roomId": "general", "content": "spam", "type": "text"}
	for i := 0; i < 2; i++ {
		var ok protocol.SendMessageResult
		alice.expectAck(alice.send(protocol.EventSendMessage, msg), &ok)
		require.True(t, ok.Success)
	}

	var res protocol.ErrorResult
	alice.expectAck(alice.send(protocol.EventSendMessage, msg), &res)
	assert.False(t, res.Success)
	assert.Equal(t, CodeRateLimited, res.Code)
	assert.Positive(t, res.RetryAfterMs)

	// Other classes keep their own budget.
	var joinRes protocol.Result
	alice.expectAck(alice.send(protocol.EventJoinRoom, map[string]string{"roomId": "other"}), &joinRes)
	assert.True(t, joinRes.Success)
}

func TestRateLimit_InternalServiceBypass(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimits.Messages = 1
	cfg.Auth.InternalServiceSecret = "shared-internal-secret"
	env := newTestEnv(t, cfg)

	header := http.Header{}
	header.Set(InternalServiceHeader, "shared-internal-secret")
	c := env.dial(t, header)
	c.writeJSON(map[string]any{"type": "connect", "data": map[string]string{"token": env.token(t, "bot", false)}})
	c.expectEvent(protocol.EventConnected)
	c.join("general")

	for i := 0; i < 3; i++ {
		var res protocol.SendMessageResult
		c.expectAck(c.send(protocol.EventSendMessage, map[string]string{"roomId": "general", "content": "x", "type": "text"}), &res)
		assert.True(t, res.Success)
	}
}

func TestHeartbeat_AckWithLatency(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")

	sent := time.Now().Add(-50 * time.Millisecond).UnixMilli()
	var ack protocol.HeartbeatAck
	alice.expectAck(alice.send(protocol.EventHeartbeat, map[string]int64{"timestamp": sent}), &ack)

	assert.GreaterOrEqual(t, ack.Latency, int64(50))
	event := decode[protocol.HeartbeatAck](t, alice.expectEvent(protocol.EventHeartbeatAck))
	assert.Equal(t, ack.Timestamp, event.Timestamp)
}

func TestHeartbeat_ProbeAcknowledged(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.Interval = 50 * time.Millisecond
	cfg.Heartbeat.DisconnectTimeout = time.Second
	env := newTestEnv(t, cfg)
	alice := env.connect(t, "alice")

	alice.expectEvent(protocol.EventHeartbeatRequest)
	alice.expectEvent(protocol.EventHeartbeatRequest)

	var res protocol.Result
	alice.expectAck(alice.send(protocol.EventJoinRoom, map[string]string{"roomId": "general"}), &res)
	assert.True(t, res.Success)
}

func TestHeartbeat_SilentClientDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.Interval = 50 * time.Millisecond
	cfg.Heartbeat.DisconnectTimeout = 200 * time.Millisecond
	env := newTestEnv(t, cfg)

	alice := env.dial(t, nil)
	alice.autoAck.Store(false)
	alice.writeJSON(map[string]any{"type": "connect", "data": map[string]string{"token": env.token(t, "alice", false)}})
	alice.expectEvent(protocol.EventConnected)

	alice.expectClosed()
	stats := env.gw.Stats()
	assert.Positive(t, stats.Get(metrics.HeartbeatTimeouts)+stats.Get(metrics.StaleDisconnects))
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t, testConfig(), WithProviders(&fakeProvider{id: "fake"}))
	alice := env.connect(t, "alice")

	var res StatsResult
	alice.expectAck(alice.send(protocol.EventGetStats, map[string]any{}), &res)

	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.Stats[metrics.ConnectionsTotal])
	require.Len(t, res.Providers, 1)
	assert.Equal(t, "fake", res.Providers[0].ID)
}

func TestAI_StreamsAndPostsToRoom(t *testing.T) {
	env := newTestEnv(t, testConfig(), WithProviders(&fakeProvider{id: "fake", tokens: []string{"Hel", "lo"}}))
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	alice.join("general")
	bob.join("general")

	var ack protocol.SendAIMessageResult
	alice.expectAck(alice.send(protocol.EventSendAIMessage, map[string]string{"text": "greet", "roomId": "general"}), &ack)
	require.True(t, ack.Success)
	require.NotEmpty(t, ack.AIMessageID)

	first := decode[protocol.AIToken](t, alice.expectEvent(protocol.EventAIToken))
	second := decode[protocol.AIToken](t, alice.expectEvent(protocol.EventAIToken))
	assert.Equal(t, "Hel", first.Token)
	assert.Equal(t, "lo", second.Token)
	assert.Equal(t, ack.AIMessageID, first.MessageID)

	complete := decode[protocol.AIComplete](t, alice.expectEvent(protocol.EventAIComplete))
	assert.Equal(t, "Hello", complete.Response)
	assert.Equal(t, "fake", complete.Provider)

	prompt := decode[protocol.ChatMessage](t, bob.expectEvent(protocol.EventNewMessage))
	answer := decode[protocol.ChatMessage](t, bob.expectEvent(protocol.EventNewMessage))
	if prompt.IsAIMessage {
		prompt, answer = answer, prompt
	}
	assert.Equal(t, "greet", prompt.Content)
	assert.Equal(t, ack.MessageID, prompt.ID)
	assert.True(t, answer.IsAIMessage)
	assert.Equal(t, "Hello", answer.Content)
	assert.Equal(t, "ai:fake", answer.UserID)
	assert.Equal(t, "Fake fake", answer.Username)

	require.Eventually(t, func() bool {
		action := store.AuditAIRequest
		entries, _ := env.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
		return len(entries) == 1 && entries[0].Detail["outcome"] == "complete"
	}, waitTimeout, 10*time.Millisecond)
}

func TestAI_ProviderFailureReported(t *testing.T) {
	env := newTestEnv(t, testConfig(), WithProviders(&fakeProvider{id: "fake", tokens: []string{"par"}, fail: io.ErrUnexpectedEOF}))
	alice := env.connect(t, "alice")

	var ack protocol.SendAIMessageResult
	alice.expectAck(alice.send(protocol.EventSendAIMessage, map[string]string{"text": "hi"}), &ack)

	aiErr := decode[protocol.AIError](t, alice.expectEvent(protocol.EventAIError))
	assert.Equal(t, CodeProviderError, aiErr.Code)
	assert.Equal(t, ack.AIMessageID, aiErr.MessageID)
	assert.Equal(t, int64(1), env.gw.Stats().Get(metrics.AIFailures))
}

func TestAI_UnconfiguredProviderSkipped(t *testing.T) {
	t.Setenv("COVEN_RELAY_TEST_UNSET_KEY", "")
	cfg := testConfig()
	cfg.AI.Providers = []config.ProviderConfig{{
		ID:        "openai",
		BaseURL:   "http://127.0.0.1:1/v1",
		APIKeyEnv: "COVEN_RELAY_TEST_UNSET_KEY",
		Models:    []string{"gpt-4o"},
	}}
	cfg.AI.FallbackChain = []string{"openai"}
	env := newTestEnv(t, cfg)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	alice.join("general")
	bob.join("general")

	var ack protocol.SendAIMessageResult
	alice.expectAck(alice.send(protocol.EventSendAIMessage, map[string]string{"text": "hi", "roomId": "general"}), &ack)
	aiErr := decode[protocol.AIError](t, alice.expectEvent(protocol.EventAIError))
	assert.Equal(t, CodeAllProvidersFailed, aiErr.Code)

	// The prompt still reaches the room, the missing answer does not.
	prompt := decode[protocol.ChatMessage](t, bob.expectEvent(protocol.EventNewMessage))
	assert.False(t, prompt.IsAIMessage)
	bob.expectNoEvent(protocol.EventNewMessage, 200*time.Millisecond)

	alice.expectAck(alice.send(protocol.EventSendAIMessage, map[string]string{"text": "hi", "model": "openai:gpt-4o"}), &ack)
	aiErr = decode[protocol.AIError](t, alice.expectEvent(protocol.EventAIError))
	assert.Equal(t, CodeProviderUnavailable, aiErr.Code)
}

func TestAI_InvalidModel(t *testing.T) {
	env := newTestEnv(t, testConfig(), WithProviders(&fakeProvider{id: "fake"}))
	alice := env.connect(t, "alice")

	var res protocol.ErrorResult
	alice.expectAck(alice.send(protocol.EventSendAIMessage, map[string]string{"text": "hi", "model": "fake:"}), &res)
	assert.False(t, res.Success)
	assert.Equal(t, CodeInvalidModel, res.Code)
}

func TestAI_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, testConfig(), WithProviders(&fakeProvider{id: "fake"}))
	alice := env.connect(t, "alice")

	var ack protocol.SendAIMessageResult
	alice.expectAck(alice.send(protocol.EventSendAIMessage, map[string]string{"text": "hi", "model": "nope:model"}), &ack)
	aiErr := decode[protocol.AIError](t, alice.expectEvent(protocol.EventAIError))
	assert.Equal(t, CodeProviderNotFound, aiErr.Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ready")
}

type downCounterStore struct {
	*ratelimit.MemoryCounterStore
}

func (downCounterStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthReady_CounterStoreDown(t *testing.T) {
	env := newTestEnv(t, testConfig(), WithCounterStore(downCounterStore{ratelimit.NewMemoryCounterStore()}))

	resp, err := http.Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "counter store")
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	env := newTestEnv(t, cfg)
	env.connect(t, "alice")

	resp, err := http.Get(env.srv.URL + cfg.Metrics.Path)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), metrics.ConnectionsTotal)
}

func TestAPI_StatsPublic(t *testing.T) {
	env := newTestEnv(t, testConfig(), WithProviders(&fakeProvider{id: "fake"}))
	alice := env.connect(t, "alice")
	alice.join("general")

	resp, err := http.Get(env.srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Rooms)
	require.Len(t, stats.Providers, 1)
}

func TestAPI_AdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t, testConfig())

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/audit", "").StatusCode)
	assert.Equal(t, http.StatusForbidden, get("/api/audit", env.token(t, "alice", false)).StatusCode)

	admin := env.token(t, "root", true)
	assert.Equal(t, http.StatusOK, get("/api/audit", admin).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/api/undelivered", admin).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/api/audit?action=explode", admin).StatusCode)
	assert.Equal(t, http.StatusOK, get("/api/undelivered?user_id=bob", admin).StatusCode)
}

func TestAPI_ListUndelivered(t *testing.T) {
	env := newTestEnv(t, testConfig())
	require.NoError(t, env.store.SaveUndelivered(context.Background(), []*store.UndeliveredMessage{{
		UserID:    "bob",
		MessageID: "m-1",
		Event:     protocol.EventNewMessage,
		Payload:   json.RawMessage(`{"content":"hi"}`),
		Attempts:  2,
	}}))

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/undelivered?user_id=bob", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "root", true))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Messages []UndeliveredResponse `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "m-1", out.Messages[0].MessageID)
	assert.Equal(t, 2, out.Messages[0].Attempts)
	assert.JSONEq(t, `{"content":"hi"}`, string(out.Messages[0].Payload))
}

func TestShutdown_ClosesConnections(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.connect(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	alice.expectClosed()
}
