package dialogs

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReasoningEntry is a stored reasoning trace attached to a message.
type ReasoningEntry struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveReasoning persists a reasoning trace, compressed.
func (s *Store) SaveReasoning(ctx context.Context, dialogID string, messageID int64, content string) error {
	if content == "" {
		return nil
	}
	compressed, err := Compress([]byte(content))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dialog_reasoning (dialog_id, message_id, content, created_at)
VALUES (?, ?, ?, ?)`,
		dialogID, messageID, compressed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save reasoning: %w", err)
	}
	return nil
}

// GetReasoning returns all reasoning traces for a dialog, decompressed.
func (s *Store) GetReasoning(ctx context.Context, dialogID string) ([]ReasoningEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, content, created_at
FROM dialog_reasoning WHERE dialog_id = ? ORDER BY id`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ReasoningEntry
	for rows.Next() {
		var e ReasoningEntry
		var compressed []byte
		if err := rows.Scan(&e.ID, &e.MessageID, &compressed, &e.CreatedAt); err != nil {
			return nil, err
		}
		content, err := Decompress(compressed)
		if err != nil {
			return nil, err
		}
		e.Content = string(content)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FileEdit records one file mutation made by a tool.
type FileEdit struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id,omitempty"`
	Path      string    `json:"path"`
	Action    string    `json:"action"` // write, replace, delete
	Diff      string    `json:"diff,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveFileEdit persists a file edit record with its diff compressed.
func (s *Store) SaveFileEdit(ctx context.Context, dialogID string, edit *FileEdit) error {
	var diff []byte
	if edit.Diff != "" {
		var err error
		diff, err = Compress([]byte(edit.Diff))
		if err != nil {
			return err
		}
	}
	if edit.CreatedAt.IsZero() {
		edit.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dialog_file_edits (dialog_id, message_id, path, action, diff, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		dialogID, nullableInt(edit.MessageID), edit.Path, edit.Action, diff, edit.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save file edit: %w", err)
	}
	return nil
}

// GetFileEdits returns a dialog's file edits in order.
func (s *Store) GetFileEdits(ctx context.Context, dialogID string) ([]FileEdit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, path, action, diff, created_at
FROM dialog_file_edits WHERE dialog_id = ? ORDER BY id`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edits []FileEdit
	for rows.Next() {
		var e FileEdit
		var messageID sql.NullInt64
		var diff []byte
		if err := rows.Scan(&e.ID, &messageID, &e.Path, &e.Action, &diff, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.MessageID = messageID.Int64
		if len(diff) > 0 {
			content, err := Decompress(diff)
			if err != nil {
				return nil, err
			}
			e.Diff = string(content)
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

// Summary is a compacted view of evicted history.
type Summary struct {
	ID           int64     `json:"id"`
	Content      string    `json:"content"`
	CoveredUntil int64     `json:"covered_until"` // last message id folded in
	CreatedAt    time.Time `json:"created_at"`
}

// SaveSummary persists a summary, compressed.
func (s *Store) SaveSummary(ctx context.Context, dialogID, content string, coveredUntil int64) error {
	compressed, err := Compress([]byte(content))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dialog_summaries (dialog_id, summary, covered_until, created_at)
VALUES (?, ?, ?, ?)`,
		dialogID, compressed, coveredUntil, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// LatestSummary returns the newest summary for a dialog, or nil.
func (s *Store) LatestSummary(ctx context.Context, dialogID string) (*Summary, error) {
	var sum Summary
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `
SELECT id, summary, covered_until, created_at
FROM dialog_summaries WHERE dialog_id = ? ORDER BY id DESC LIMIT 1`, dialogID).
		Scan(&sum.ID, &compressed, &sum.CoveredUntil, &sum.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	content, err := Decompress(compressed)
	if err != nil {
		return nil, err
	}
	sum.Content = string(content)
	return &sum, nil
}

// Usage is per-turn token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	Events           int `json:"events"`
}

// SaveUsage persists one turn's usage.
func (s *Store) SaveUsage(ctx context.Context, dialogID string, u Usage) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dialog_usage (dialog_id, prompt_tokens, completion_tokens, total_tokens, events, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		dialogID, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.Events, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// TotalUsage sums usage over a dialog's lifetime.
func (s *Store) TotalUsage(ctx context.Context, dialogID string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
       COALESCE(SUM(total_tokens), 0), COALESCE(SUM(events), 0)
FROM dialog_usage WHERE dialog_id = ?`, dialogID).
		Scan(&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.Events)
	return u, err
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
