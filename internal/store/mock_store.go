// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMockFailure is returned by MockStore operations when FailWrites is set.
var ErrMockFailure = errors.New("mock store failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	undelivered []*UndeliveredMessage
	audit       []AuditEntry
	closed      bool

	// FailWrites makes every write return ErrMockFailure.
	FailWrites bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// SaveUndelivered stores copies of msgs.
func (m *MockStore) SaveUndelivered(ctx context.Context, msgs []*UndeliveredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}
	now := time.Now()
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.StoredAt.IsZero() {
			msg.StoredAt = now
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = msg.StoredAt
		}
		cp := *msg
		m.undelivered = append(m.undelivered, &cp)
	}
	return nil
}

// ListUndelivered returns a user's messages, oldest first.
func (m *MockStore) ListUndelivered(ctx context.Context, userID string, limit int) ([]*UndeliveredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*UndeliveredMessage{}
	for _, msg := range m.undelivered {
		if msg.UserID == userID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeUndeliveredBefore deletes messages stored before cutoff.
func (m *MockStore) PurgeUndeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.undelivered[:0]
	var n int64
	for _, msg := range m.undelivered {
		if msg.StoredAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	m.undelivered = kept
	return n, nil
}

// AppendAuditLog records an entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}
	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements Store.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store closed")
	}
	return nil
}

// Close implements Store.
func (m *MockStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var _ Store = (*MockStore)(nil)
