// ABOUTME: Persistence glue: pending-queue sink, audit entries and undelivered retention
// ABOUTME: Store failures are logged and never block the realtime path

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// pendingSink persists a disconnected session's unacknowledged messages.
type pendingSink struct {
	store store.Store
}

var _ session.PendingSink = (*pendingSink)(nil)

// StoreForLater implements session.PendingSink.
func (p *pendingSink) StoreForLater(ctx context.Context, userID string, msgs []session.PendingMessage) error {
	batch := make([]*store.UndeliveredMessage, 0, len(msgs))
	for _, m := range msgs {
		payload, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("encoding pending message %s: %w", m.ID, err)
		}
		batch = append(batch, &store.UndeliveredMessage{
			UserID:    userID,
			MessageID: m.ID,
			Event:     m.Event,
			Payload:   payload,
			Attempts:  m.Attempt + 1,
			CreatedAt: m.CreatedAt,
		})
	}
	return p.store.SaveUndelivered(ctx, batch)
}

// audit appends an audit entry, logging instead of failing.
func (g *Gateway) audit(action store.AuditAction, actorID, targetType, targetID string, detail map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := g.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		g.logger.Warn("failed to write audit entry", "action", action, "actor_id", actorID, "error", err)
	}
}

// purgeUndelivered deletes undelivered messages older than the retention window.
func (g *Gateway) purgeUndelivered(ctx context.Context) (int64, error) {
	cutoff := g.now().Add(-g.config.Database.UndeliveredRetention)
	n, err := g.store.PurgeUndeliveredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging undelivered messages: %w", err)
	}
	if n > 0 {
		g.logger.Info("purged undelivered messages", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// runRetention purges on startup and then every retentionInterval until ctx is done.
func (g *Gateway) runRetention(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		if _, err := g.purgeUndelivered(ctx); err != nil {
			g.logger.Warn("retention pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
