// ABOUTME: Storage interface and data types for undelivered messages and the audit log
// ABOUTME: Implemented by SQLiteStore for production and MockStore for tests

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// UndeliveredMessage is an event that never reached its recipient before the
// connection went away.
type UndeliveredMessage struct {
	ID        string          // row id, generated if empty
	UserID    string          // recipient
	MessageID string          // relay message id
	Event     string          // event name, e.g. newMessage
	Payload   json.RawMessage // event payload as sent
	Attempts  int             // delivery attempts made before disconnect
	CreatedAt time.Time       // when the send started
	StoredAt  time.Time       // when it was persisted, generated if zero
}

// Store defines the persistence operations used by the relay.
type Store interface {
	// SaveUndelivered persists a batch of undelivered messages atomically.
	SaveUndelivered(ctx context.Context, msgs []*UndeliveredMessage) error

	// ListUndelivered returns a user's undelivered messages, oldest first.
	ListUndelivered(ctx context.Context, userID string, limit int) ([]*UndeliveredMessage, error)

	// PurgeUndeliveredBefore deletes messages stored before the cutoff.
	PurgeUndeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// AppendAuditLog records one audit entry.
	AppendAuditLog(ctx context.Context, e *AuditEntry) error

	// ListAuditLog returns entries matching the filter, newest first.
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// Close releases database resources.
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
