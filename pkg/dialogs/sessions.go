package dialogs

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord is one work session's lifecycle row.
type SessionRecord struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"` // active, merged, abandoned
	MergeCommit string     `json:"merge_commit,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// ActiveSession returns the active session name for a dialog, creating
// session_1 on first use. Implements versioning.SessionStore.
func (s *Store) ActiveSession(dialogID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sessions WHERE dialog_id = ? AND status = 'active' ORDER BY id DESC LIMIT 1`,
		dialogID).Scan(&name)
	if err == sql.ErrNoRows {
		if err := s.createSessionLocked(dialogID, "session_1"); err != nil {
			return "", err
		}
		return "session_1", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// CreateSession opens a new active session record.
func (s *Store) CreateSession(dialogID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSessionLocked(dialogID, name)
}

func (s *Store) createSessionLocked(dialogID, name string) error {
	_, err := s.db.Exec(`
INSERT INTO sessions (dialog_id, name, status, created_at) VALUES (?, ?, 'active', ?)
ON CONFLICT (dialog_id, name) DO UPDATE SET status = 'active'`,
		dialogID, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", name, err)
	}
	return nil
}

// CloseSession marks a session merged or abandoned.
func (s *Store) CloseSession(dialogID, name, status, mergeCommit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
UPDATE sessions SET status = ?, merge_commit = ?, closed_at = ?
WHERE dialog_id = ? AND name = ?`,
		status, nullable(mergeCommit), time.Now().UTC(), dialogID, name)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", name, err)
	}
	return nil
}

// UpdateBranchHead records a branch's head commit.
func (s *Store) UpdateBranchHead(dialogID, branch, commitID string) error {
	_, err := s.db.Exec(`
INSERT INTO dialog_branches (dialog_id, branch, head_commit, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (dialog_id, branch) DO UPDATE SET head_commit = excluded.head_commit, updated_at = excluded.updated_at`,
		dialogID, branch, commitID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update branch head: %w", err)
	}
	return nil
}

// GetSession returns the active session record for a dialog, or nil.
func (s *Store) GetSession(ctx context.Context, dialogID string) (*SessionRecord, error) {
	var rec SessionRecord
	var mergeCommit sql.NullString
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT name, status, merge_commit, created_at, closed_at
FROM sessions WHERE dialog_id = ? AND status = 'active' ORDER BY id DESC LIMIT 1`,
		dialogID).Scan(&rec.Name, &rec.Status, &mergeCommit, &rec.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.MergeCommit = mergeCommit.String
	if closedAt.Valid {
		rec.ClosedAt = &closedAt.Time
	}
	return &rec, nil
}

// ListSessions returns all session records for a dialog, oldest first.
func (s *Store) ListSessions(ctx context.Context, dialogID string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, status, merge_commit, created_at, closed_at
FROM sessions WHERE dialog_id = ? ORDER BY id`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var mergeCommit sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(&rec.Name, &rec.Status, &mergeCommit, &rec.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		rec.MergeCommit = mergeCommit.String
		if closedAt.Valid {
			rec.ClosedAt = &closedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
