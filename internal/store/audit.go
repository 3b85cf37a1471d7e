// ABOUTME: Audit log entity and store methods for connection and AI request events
// ABOUTME: Records who connected, who failed auth, who left and how AI requests ended

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditAction names a relay event worth keeping after the connection is gone.
type AuditAction string

const (
	AuditConnect     AuditAction = "connect"
	AuditAuthFailure AuditAction = "auth_failure"
	AuditDisconnect  AuditAction = "disconnect"
	AuditAIRequest   AuditAction = "ai_request"
)

// ValidAuditActions is every action the relay records.
var ValidAuditActions = []AuditAction{
	AuditConnect,
	AuditAuthFailure,
	AuditDisconnect,
	AuditAIRequest,
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID string
	// ActorID is the user id, or the remote address when the connection
	// never authenticated.
	ActorID    string
	Action     AuditAction
	TargetType string // "connection" or "provider"
	TargetID   string
	Timestamp  time.Time
	Detail     map[string]any
}

// AuditFilter narrows ListAuditLog. Nil fields match everything.
type AuditFilter struct {
	Since   *time.Time
	Until   *time.Time
	ActorID *string
	Action  *AuditAction
	Limit   int // default 100, capped at 1000
}

// where renders the filter as a SQL condition and its arguments.
func (f AuditFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Since != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, formatTS(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, formatTS(*f.Until))
	}
	if f.ActorID != nil {
		conds = append(conds, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if f.Action != nil {
		conds = append(conds, "action = ?")
		args = append(args, string(*f.Action))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// AppendAuditLog records e, filling in ID and Timestamp when unset.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detail sql.NullString
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encoding audit detail for %s: %w", e.Action, err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, actor_id, action, target_type, target_id, ts, detail_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, string(e.Action), e.TargetType, e.TargetID, formatTS(e.Timestamp), detail,
	); err != nil {
		return fmt.Errorf("inserting %s audit entry: %w", e.Action, err)
	}

	s.logger.Debug("audit", "action", e.Action, "actor", e.ActorID, "target_id", e.TargetID)
	return nil
}

// ListAuditLog returns entries matching f, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	where, args := f.where()
	query := `SELECT audit_id, actor_id, action, target_type, target_id, ts, detail_json
		FROM audit_log` + where + ` ORDER BY ts DESC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e      AuditEntry
			action string
			ts     string
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &action, &e.TargetType, &e.TargetID, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		if e.Timestamp, err = parseTS(ts); err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding detail of audit entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
