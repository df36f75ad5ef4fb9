// Package store provides the persistent sqlite-backed storage for memories,
// the journal, the tool catalog, sessions, queue tasks, and watchers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SchemaVersion is written to the _meta table after successful init.
const SchemaVersion = "1"

// Store wraps a single sqlite database. It is safe for concurrent use;
// sqlite serializes writers and database/sql pools readers.
type Store struct {
	db     *sql.DB
	vector bool
	dim    int
	logger *slog.Logger
}

// Options configures Open.
type Options struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string

	// VectorSearch enables the embedding columns on memory and journal.
	VectorSearch bool

	// Dimension is the embedding dimension when VectorSearch is set.
	// Defaults to 1536.
	Dimension int

	Logger *slog.Logger
}

// Open opens (creating if needed) the database and initializes the schema.
// A schema-version mismatch is fatal and surfaced here.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = ":memory:"
	}
	if opts.Dimension <= 0 {
		opts.Dimension = 1536
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite permits one writer; avoid SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, vector: opts.VectorSearch, dim: opts.Dimension, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// VectorEnabled reports whether embedding columns exist.
func (s *Store) VectorEnabled() bool { return s.vector }

// Dimension returns the configured embedding dimension.
func (s *Store) Dimension() int { return s.dim }

func (s *Store) init() error {
	embeddingCol := ""
	if s.vector {
		embeddingCol = "embedding BLOB,"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL CHECK (tier IN ('system2','working','system1')),
			content TEXT NOT NULL,
			summary TEXT,
			%s
			importance REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			decay_rate REAL NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT 'agent',
			tags TEXT,
			related_ids TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL,
			expires_at TEXT
		)`, embeddingCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS journal (
			id TEXT PRIMARY KEY,
			entry_type TEXT NOT NULL,
			content TEXT NOT NULL,
			%s
			session_id TEXT,
			parent_id TEXT,
			tool_id TEXT,
			memory_ids TEXT,
			input TEXT,
			output TEXT,
			duration_ms INTEGER,
			tokens_used INTEGER,
			confidence REAL,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`, embeddingCol),
		`CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			schema TEXT,
			handler_ref TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT,
			status TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			context TEXT,
			message_log TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			result TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			next_attempt_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS watchers (
			id TEXT PRIMARY KEY,
			pattern TEXT NOT NULL,
			action TEXT NOT NULL,
			action_config TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			debounce_ms INTEGER NOT NULL DEFAULT 500,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_tier ON memory(tier)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_importance ON memory(importance)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_session ON journal(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_type ON journal(entry_type)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON task_queue(status, priority, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	var existing string
	err := s.db.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO _meta (key, value) VALUES ('schema_version', ?)`, SchemaVersion); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case existing != SchemaVersion:
		return fmt.Errorf("schema version mismatch: have %s, want %s", existing, SchemaVersion)
	}

	return nil
}

// BulkWrite runs fn inside a single transaction.
func (s *Store) BulkWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// mapSQLError normalizes driver errors into the package's typed errors.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "CHECK constraint") ||
		strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}

// Timestamps are stored as RFC 3339 UTC text at second resolution.

func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func unmarshalStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}
