// Package dialogs persists dialog state: message history, reasoning,
// file edits, summaries, usage accounting, sessions, and out-of-band
// tool results. Everything lives in one SQLite database under the
// project state directory, plus an index.json naming the dialogs.
package dialogs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dialog_id VARCHAR(64) NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT,
    tool_calls TEXT,
    tool_call_id VARCHAR(64),
    name VARCHAR(255),
    checkpoint VARCHAR(64),
    session VARCHAR(64),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_dialog ON messages(dialog_id, id);

CREATE TABLE IF NOT EXISTS tool_results (
    tool_call_id VARCHAR(64) PRIMARY KEY,
    dialog_id VARCHAR(64) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    size_bytes INTEGER NOT NULL,
    result_ref TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_results_dialog ON tool_results(dialog_id);

CREATE TABLE IF NOT EXISTS dialog_summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dialog_id VARCHAR(64) NOT NULL,
    summary BLOB NOT NULL,
    covered_until INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_summaries_dialog ON dialog_summaries(dialog_id, id);

CREATE TABLE IF NOT EXISTS dialog_reasoning (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dialog_id VARCHAR(64) NOT NULL,
    message_id INTEGER NOT NULL,
    content BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reasoning_dialog ON dialog_reasoning(dialog_id, message_id);

CREATE TABLE IF NOT EXISTS dialog_file_edits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dialog_id VARCHAR(64) NOT NULL,
    message_id INTEGER,
    path TEXT NOT NULL,
    action VARCHAR(32) NOT NULL,
    diff BLOB,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_edits_dialog ON dialog_file_edits(dialog_id, id);

CREATE TABLE IF NOT EXISTS dialog_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dialog_id VARCHAR(64) NOT NULL,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    total_tokens INTEGER NOT NULL,
    events INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_dialog ON dialog_usage(dialog_id, id);

CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dialog_id VARCHAR(64) NOT NULL,
    name VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    merge_commit VARCHAR(64),
    created_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP,
    UNIQUE (dialog_id, name)
);

CREATE INDEX IF NOT EXISTS idx_sessions_dialog ON sessions(dialog_id, status);

CREATE TABLE IF NOT EXISTS dialog_branches (
    dialog_id VARCHAR(64) NOT NULL,
    branch VARCHAR(64) NOT NULL,
    head_commit VARCHAR(64) NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (dialog_id, branch)
);
`

// Store is the dialog persistence layer.
type Store struct {
	db       *sql.DB
	baseDir  string // dialogs directory (index.json, per-dialog subdirs)
	mu       sync.Mutex
	indexMu  sync.Mutex
	toolsDir func(dialogID string) string
}

// Open creates or opens the dialog store rooted at the given dialogs
// directory, with the SQLite database at dbPath.
func Open(baseDir, dbPath string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dialogs dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:      db,
		baseDir: baseDir,
	}
	s.toolsDir = func(dialogID string) string {
		return filepath.Join(baseDir, dialogID, "tool_results")
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
