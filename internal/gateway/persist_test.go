// ABOUTME: Tests for the pending sink, retention purge and small gateway helpers
// ABOUTME: Uses MockStore directly without opening WebSocket connections

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

func TestPendingSink_StoresMessages(t *testing.T) {
	ms := store.NewMockStore()
	sink := &pendingSink{store: ms}
	created := time.Now().Add(-time.Minute)

	err := sink.StoreForLater(context.Background(), "bob", []session.PendingMessage{
		{ID: "m-1", Event: protocol.EventNewMessage, Payload: protocol.ChatMessage{ID: "m-1", Content: "hi"}, CreatedAt: created, Attempt: 1},
		{ID: "m-2", Event: protocol.EventNewMessage, Payload: map[string]string{"content": "again"}, CreatedAt: created.Add(time.Second)},
	})
	require.NoError(t, err)

	msgs, err := ms.ListUndelivered(context.Background(), "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m-1", msgs[0].MessageID)
	assert.Equal(t, 2, msgs[0].Attempts)
	assert.WithinDuration(t, created, msgs[0].CreatedAt, time.Millisecond)
	var chat protocol.ChatMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &chat))
	assert.Equal(t, "hi", chat.Content)

	assert.Equal(t, 1, msgs[1].Attempts)
}

func TestPendingSink_UnencodablePayload(t *testing.T) {
	sink := &pendingSink{store: store.NewMockStore()}

	err := sink.StoreForLater(context.Background(), "bob", []session.PendingMessage{
		{ID: "m-1", Event: protocol.EventNewMessage, Payload: make(chan int)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m-1")
}

func TestPendingSink_StoreFailure(t *testing.T) {
	ms := store.NewMockStore()
	ms.FailWrites = true
	sink := &pendingSink{store: ms}

	err := sink.StoreForLater(context.Background(), "bob", []session.PendingMessage{
		{ID: "m-1", Event: protocol.EventNewMessage, Payload: "x"},
	})
	assert.ErrorIs(t, err, store.ErrMockFailure)
}

func TestPurgeUndelivered(t *testing.T) {
	cfg := testConfig()
	cfg.Database.UndeliveredRetention = time.Hour
	env := newTestEnv(t, cfg)
	now := time.Now()

	require.NoError(t, env.store.SaveUndelivered(context.Background(), []*store.UndeliveredMessage{
		{UserID: "bob", MessageID: "old", Event: protocol.EventNewMessage, Payload: json.RawMessage(`{}`), StoredAt: now.Add(-2 * time.Hour)},
		{UserID: "bob", MessageID: "new", Event: protocol.EventNewMessage, Payload: json.RawMessage(`{}`), StoredAt: now.Add(-time.Minute)},
	}))

	n, err := env.gw.purgeUndelivered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := env.store.ListUndelivered(context.Background(), "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].MessageID)
}

func TestAudit_StoreFailureIsLogged(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.store.FailWrites = true

	// Must not panic or block.
	env.gw.audit(store.AuditConnect, "alice", "connection", "c-1", nil)

	entries, err := env.store.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"no origin header", []string{"https://app.example"}, "", true},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"case and trailing slash", []string{"https://App.example/"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "http://relay/ws", nil)
			require.NoError(t, err)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func TestParseLimit(t *testing.T) {
	n, err := parseLimit("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = parseLimit("25")
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	_, err = parseLimit("-1")
	assert.Error(t, err)
	_, err = parseLimit("ten")
	assert.Error(t, err)
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))
	assert.Len(t, truncateReason(strings.Repeat("x", 200)), 123)
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "connecting", stateConnecting.String())
	assert.Equal(t, "rate_limited", stateRateLimited.String())
	assert.Equal(t, "unknown", connState(99).String())
}

func TestAIErrorCode(t *testing.T) {
	code, _ := aiErrorCode(context.DeadlineExceeded)
	assert.Equal(t, CodeProviderError, code)
}
