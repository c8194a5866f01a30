package dialogs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one chat history entry. ToolCalls holds the provider's
// tool-call JSON verbatim; tool messages carry the slim result
// reference as Content.
// User messages additionally carry the checkpoint made immediately
// before processing them and the session active at that moment.
type Message struct {
	ID         int64           `json:"id"`
	DialogID   string          `json:"dialog_id"`
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Checkpoint string          `json:"checkpoint,omitempty"`
	Session    string          `json:"session,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AppendMessage persists a message and returns its row id.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	if msg.DialogID == "" {
		return 0, fmt.Errorf("dialog id cannot be empty")
	}
	if msg.Role == "" {
		return 0, fmt.Errorf("message role cannot be empty")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (dialog_id, role, content, tool_calls, tool_call_id, name, checkpoint, session, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.DialogID, msg.Role, msg.Content, toolCalls,
		nullable(msg.ToolCallID), nullable(msg.Name),
		nullable(msg.Checkpoint), nullable(msg.Session), msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

// GetMessages returns a dialog's messages in insertion order. afterID
// limits the result to rows with id > afterID; pass 0 for all.
func (s *Store) GetMessages(ctx context.Context, dialogID string, afterID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, dialog_id, role, content, tool_calls, tool_call_id, name, checkpoint, session, created_at
FROM messages WHERE dialog_id = ? AND id > ? ORDER BY id`,
		dialogID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var content, toolCalls, toolCallID, name, checkpoint, session sql.NullString
		if err := rows.Scan(&m.ID, &m.DialogID, &m.Role, &content, &toolCalls,
			&toolCallID, &name, &checkpoint, &session, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = content.String
		if toolCalls.Valid && toolCalls.String != "" {
			m.ToolCalls = json.RawMessage(toolCalls.String)
		}
		m.ToolCallID = toolCallID.String
		m.Name = name.String
		m.Checkpoint = checkpoint.String
		m.Session = session.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// LastMessageID returns the newest message row id for a dialog, or 0.
func (s *Store) LastMessageID(ctx context.Context, dialogID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM messages WHERE dialog_id = ?`, dialogID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// MessageCount returns how many messages a dialog has.
func (s *Store) MessageCount(ctx context.Context, dialogID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE dialog_id = ?`, dialogID).Scan(&count)
	return count, err
}

// DeleteDialogData removes all database rows belonging to a dialog.
func (s *Store) DeleteDialogData(ctx context.Context, dialogID string) error {
	for _, table := range []string{
		"messages", "tool_results", "dialog_summaries", "dialog_reasoning",
		"dialog_file_edits", "dialog_usage", "sessions", "dialog_branches",
	} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE dialog_id = ?", table), dialogID); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
