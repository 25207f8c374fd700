// Package store persists gateways, chat sessions, messages, and federated
// sessions in an embedded SQLite database.
//
// DESIGN: a single *sql.DB connection (SQLite supports one writer) opened in
// WAL mode with a busy timeout. Write paths run through execRetry, which
// retries transient busy errors a bounded number of times with randomized
// backoff. All timestamps are stored as unix seconds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/openclaw/chat-proxy/internal/config"
)

// Sentinel errors surfaced to callers; REST maps them to 400/404.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNoTargets     = errors.New("no targets")
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initializes the
// schema. The parent directory is created automatically.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path, config.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one pooled connection avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable and writable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gateways (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		url        TEXT NOT NULL,
		token      TEXT,
		password   TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		gateway_id    TEXT NOT NULL REFERENCES gateways(id) ON DELETE CASCADE,
		session_key   TEXT NOT NULL,
		title         TEXT,
		agent_id      TEXT,
		model         TEXT,
		created_at    INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		UNIQUE(gateway_id, session_key)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		timestamp  INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS federated_sessions (
		id            TEXT PRIMARY KEY,
		title         TEXT,
		targets       TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isBusy reports whether err is a transient SQLite busy/locked error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// execRetry runs fn, retrying transient busy errors up to MaxBusyRetries with
// short randomized backoff.
func execRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= config.MaxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		delay := config.BusyRetryBaseDelay + time.Duration(rand.Int63n(int64(config.BusyRetryBaseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// nullString converts an optional string to its SQL form.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
