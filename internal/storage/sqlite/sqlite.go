// Package sqlite implements the graph store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store implements storage.GraphStore using SQLite.
type Store struct {
	db          *sql.DB
	issuePrefix string
}

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	tags TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'open',
	priority INTEGER NOT NULL DEFAULT 2,
	risk TEXT NOT NULL DEFAULT 'low',
	estimated_tokens INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	parent_id TEXT NOT NULL DEFAULT '',
	tool_hint TEXT NOT NULL DEFAULT '',
	forbidden_paths TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS deps (
	issue_id TEXT NOT NULL,
	depends_on_id TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (issue_id, depends_on_id, type)
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	type TEXT NOT NULL,
	issue_id TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_issue ON events(issue_id);

CREATE TABLE IF NOT EXISTS issue_counters (
	prefix TEXT PRIMARY KEY,
	last_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// New opens (creating if needed) a SQLite graph store at path.
// Schema errors here are fatal; the kernel refuses to start on a
// corrupted store.
func New(ctx context.Context, path, issuePrefix string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer; one pooled connection keeps BEGIN
	// IMMEDIATE semantics simple and makes :memory: stores usable.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// The config table's issue_prefix takes precedence over the caller's
	// so a store keeps its identity when opened with different configs.
	var configPrefix string
	err = db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = 'issue_prefix'").Scan(&configPrefix)
	switch {
	case err == nil && configPrefix != "":
		issuePrefix = configPrefix
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx,
			"INSERT INTO config (key, value) VALUES ('issue_prefix', ?)", issuePrefix); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to store issue_prefix: %w", err)
		}
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("failed to read issue_prefix: %w", err)
	}

	return &Store{db: db, issuePrefix: issuePrefix}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// beginImmediate starts an IMMEDIATE transaction on a dedicated
// connection. IMMEDIATE acquires the write lock up front, serializing ID
// generation and wholesale updates across concurrent writers. The
// returned rollback func is safe to defer; it is a no-op after commit.
func (s *Store) beginImmediate(ctx context.Context) (*sql.Conn, func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to begin immediate transaction: %w", err)
	}
	committed := false
	rollback := func() {
		if !committed {
			// Background context so rollback happens even if ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
		_ = conn.Close()
	}
	return conn, rollback, nil
}

func commit(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// marshalList renders a string slice as a JSON array column value.
func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalList parses a JSON array column value.
func unmarshalList(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil
	}
	return list
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
