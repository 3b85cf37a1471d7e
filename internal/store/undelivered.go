// ABOUTME: Undelivered message persistence for sessions that disconnect mid-delivery
// ABOUTME: Batches are written in one transaction and purged after a retention window

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUndelivered inserts msgs in a single transaction.
// Generates ID and StoredAt if not set.
func (s *SQLiteStore) SaveUndelivered(ctx context.Context, msgs []*UndeliveredMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO undelivered_messages (id, user_id, message_id, event, payload_json, attempts, created_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.StoredAt.IsZero() {
			m.StoredAt = now
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = m.StoredAt
		}
		payload := string(m.Payload)
		if payload == "" {
			payload = "null"
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID,
			m.UserID,
			m.MessageID,
			m.Event,
			payload,
			m.Attempts,
			formatTS(m.CreatedAt),
			formatTS(m.StoredAt),
		); err != nil {
			return fmt.Errorf("inserting undelivered message %s: %w", m.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing undelivered messages: %w", err)
	}

	s.logger.Debug("stored undelivered messages", "user_id", msgs[0].UserID, "count", len(msgs))
	return nil
}

// ListUndelivered returns a user's undelivered messages, oldest first.
func (s *SQLiteStore) ListUndelivered(ctx context.Context, userID string, limit int) ([]*UndeliveredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message_id, event, payload_json, attempts, created_at, stored_at
		FROM undelivered_messages
		WHERE user_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying undelivered messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*UndeliveredMessage{}
	for rows.Next() {
		var (
			m                   UndeliveredMessage
			payload             string
			createdAt, storedAt string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.MessageID, &m.Event, &payload, &m.Attempts, &createdAt, &storedAt); err != nil {
			return nil, fmt.Errorf("scanning undelivered message: %w", err)
		}
		m.Payload = []byte(payload)
		if m.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if m.StoredAt, err = parseTS(storedAt); err != nil {
			return nil, fmt.Errorf("parsing stored_at: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating undelivered messages: %w", err)
	}
	return out, nil
}

// PurgeUndeliveredBefore deletes messages stored before cutoff and returns the count.
func (s *SQLiteStore) PurgeUndeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM undelivered_messages WHERE stored_at < ?`, formatTS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging undelivered messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged rows: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged undelivered messages", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
