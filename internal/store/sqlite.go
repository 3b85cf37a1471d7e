// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and upgrades the schema by user_version

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// tsLayout is fixed width so timestamps sort lexically in SQL.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// schemaVersions[i] upgrades a database at user_version i to i+1.
var schemaVersions = []string{
	`CREATE TABLE undelivered_messages (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		message_id   TEXT NOT NULL,
		event        TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		stored_at    TEXT NOT NULL
	);
	CREATE INDEX idx_undelivered_user_created ON undelivered_messages(user_id, created_at);
	CREATE INDEX idx_undelivered_stored ON undelivered_messages(stored_at);`,

	`CREATE TABLE audit_log (
		audit_id    TEXT PRIMARY KEY,
		actor_id    TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		ts          TEXT NOT NULL,
		detail_json TEXT
	);
	CREATE INDEX idx_audit_log_ts ON audit_log(ts);
	CREATE INDEX idx_audit_log_actor ON audit_log(actor_id);
	CREATE INDEX idx_audit_log_action ON audit_log(action);`,
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path, creating parent
// directories as needed, and brings the schema up to date.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for v := version; v < len(schemaVersions); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning schema upgrade to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(schemaVersions[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying schema v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording schema v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing schema v%d: %w", v+1, err)
		}
		s.logger.Info("applied schema upgrade", "version", v+1)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
