// Package storage persists session records, resume ledger entries, and the
// coordination lounge log in SQLite. All operations are short-lived; no
// long-held transactions, so concurrent sessions never block each other on
// persistence beyond a single read or write.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ebibibi/claude-discord/internal/common/logger"
)

const defaultBusyTimeout = 5 * time.Second

// Store is the engine's durable bookkeeping: SessionRecords, ResumeEntries,
// and CoordinationEvents.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the SQLite database at dbPath and applies
// the schema.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	normalizedPath, err := filepath.Abs(dbPath)
	if err != nil {
		normalizedPath = dbPath
	}
	if dir := filepath.Dir(normalizedPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: log}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// OpenInMemory opens a throwaway in-memory database, used by tests.
func OpenInMemory(log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: log}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	// Update query planner statistics before closing.
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		thread_id        TEXT PRIMARY KEY,
		agent_session_id TEXT NOT NULL DEFAULT '',
		working_dir      TEXT NOT NULL DEFAULT '',
		model            TEXT NOT NULL DEFAULT '',
		started_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS resume_entries (
		thread_id TEXT PRIMARY KEY,
		reason    TEXT NOT NULL,
		marked_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lounge_messages (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_label TEXT NOT NULL,
		message       TEXT NOT NULL,
		kind          TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
