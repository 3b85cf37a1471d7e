// ABOUTME: HTTP API handlers for relay stats, providers and admin inspection
// ABOUTME: Undelivered messages and the audit log require an admin bearer token

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/store"
)

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Connections int              `json:"connections"`
	Rooms       int              `json:"rooms"`
	Counters    map[string]int64 `json:"counters"`
	Providers   []ai.Descriptor  `json:"providers"`
}

// UndeliveredResponse is one entry of GET /api/undelivered.
type UndeliveredResponse struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	MessageID string          `json:"message_id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt string          `json:"created_at"`
	StoredAt  string          `json:"stored_at"`
}

// AuditResponse is one entry of GET /api/audit.
type AuditResponse struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// registerAPIRoutes adds the JSON API. Admin routes are wrapped in JWT auth
// plus the admin claim check.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", g.handleStats)
	mux.HandleFunc("GET /api/providers", g.handleProviders)

	authed := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	admin := auth.RequireAdminHTTP()
	mux.Handle("GET /api/undelivered", authed(admin(http.HandlerFunc(g.handleListUndelivered))))
	mux.Handle("GET /api/audit", authed(admin(http.HandlerFunc(g.handleListAudit))))
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	connections, rooms := g.registry.Counts()
	g.sendJSON(w, http.StatusOK, StatsResponse{
		Connections: connections,
		Rooms:       rooms,
		Counters:    g.stats.Snapshot(),
		Providers:   g.ai.Descriptors(),
	})
}

func (g *Gateway) handleProviders(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.ai.Descriptors())
}

// handleListUndelivered handles GET /api/undelivered?user_id=X&limit=N.
func (g *Gateway) handleListUndelivered(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	msgs, err := g.store.ListUndelivered(r.Context(), userID, limit)
	if err != nil {
		g.logger.Error("failed to list undelivered messages", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]UndeliveredResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, UndeliveredResponse{
			ID:        m.ID,
			UserID:    m.UserID,
			MessageID: m.MessageID,
			Event:     m.Event,
			Payload:   m.Payload,
			Attempts:  m.Attempts,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
			StoredAt:  m.StoredAt.UTC().Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleListAudit handles GET /api/audit?actor_id=X&action=Y&since=RFC3339&limit=N.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.AuditFilter

	if v := q.Get("actor_id"); v != "" {
		f.ActorID = &v
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		if !validAuditAction(action) {
			g.sendJSONError(w, http.StatusBadRequest, "unknown action")
			return
		}
		f.Action = &action
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = &since
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	f.Limit = limit

	entries, err := g.store.ListAuditLog(r.Context(), f)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]AuditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditResponse{
			ID:         e.ID,
			ActorID:    e.ActorID,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
			Detail:     e.Detail,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func validAuditAction(a store.AuditAction) bool {
	for _, v := range store.ValidAuditActions {
		if v == a {
			return true
		}
	}
	return false
}

// parseLimit parses an optional positive limit; the store applies defaults and caps.
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
