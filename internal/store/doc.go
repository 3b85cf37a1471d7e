// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// Store is the interface the gateway consumes. SQLiteStore implements it on
// modernc.org/sqlite (pure Go, no cgo); MockStore is an in-memory version
// for tests.
//
// # Data Models
//
//   - UndeliveredMessage: an outbound event that was still awaiting
//     acknowledgment when its recipient disconnected. Rows are written by
//     the session registry's pending sink and purged after a retention window.
//   - AuditEntry: connection lifecycle and AI request outcomes (connect,
//     auth failure, disconnect, ai_request) with a free-form JSON detail.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("~/.local/share/coven/relay.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.SaveUndelivered(ctx, []*store.UndeliveredMessage{msg})
//	entries, err := s.ListAuditLog(ctx, store.AuditFilter{Limit: 50})
//
// # Thread Safety
//
// All implementations are safe for concurrent use. SQLite runs in WAL mode.
package store
