package dialogs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PreviewMaxChars bounds the inline preview stored with the slim
// tool-result reference.
const PreviewMaxChars = 500

// compressThreshold is the payload size above which the on-disk result
// is zlib-compressed.
const compressThreshold = 4 * 1024

// ToolResultMeta is the .meta.json sidecar and the database row.
type ToolResultMeta struct {
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Status     string    `json:"status"` // success or error
	SizeBytes  int       `json:"size_bytes"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolResultRef is the slim reference embedded in message history
// instead of the full result payload.
type ToolResultRef struct {
	ToolCallID       string         `json:"tool_call_id"`
	ToolName         string         `json:"tool_name"`
	Status           string         `json:"status"`
	Metadata         map[string]any `json:"metadata"`
	ResultRef        string         `json:"result_ref"`
	HasInlineResult  bool           `json:"has_inline_result"`
	TruncatedPreview string         `json:"truncated_preview,omitempty"`
}

// TruncatePreview cuts content to at most max characters at a line
// boundary.
func TruncatePreview(content string, max int) string {
	if len(content) <= max {
		return content
	}
	cut := content[:max]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}

// SaveToolResult persists a tool result out-of-band: the payload under
// tool_results/<id>.json with a .meta.json sidecar, plus a metadata row.
// Returns the slim reference to embed in history.
func (s *Store) SaveToolResult(ctx context.Context, dialogID, toolCallID, toolName, status, content string) (*ToolResultRef, error) {
	dir := s.toolsDir(dialogID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tool_results dir: %w", err)
	}

	payload := []byte(content)
	compressed := len(payload) > compressThreshold
	onDisk := payload
	if compressed {
		var err error
		onDisk, err = Compress(payload)
		if err != nil {
			return nil, err
		}
	}

	resultPath := filepath.Join(dir, toolCallID+".json")
	if err := os.WriteFile(resultPath, onDisk, 0644); err != nil {
		return nil, fmt.Errorf("failed to write tool result: %w", err)
	}

	meta := ToolResultMeta{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Status:     status,
		SizeBytes:  len(payload),
		Compressed: compressed,
		CreatedAt:  time.Now().UTC(),
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(resultPath+".meta.json", metaData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write tool result meta: %w", err)
	}

	resultRef := fmt.Sprintf("tool_results/%s.json", toolCallID)
	if _, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO tool_results (tool_call_id, dialog_id, tool_name, status, size_bytes, result_ref, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		toolCallID, dialogID, toolName, status, meta.SizeBytes, resultRef, meta.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to index tool result: %w", err)
	}

	return &ToolResultRef{
		ToolCallID:       toolCallID,
		ToolName:         toolName,
		Status:           status,
		Metadata:         map[string]any{"size_bytes": meta.SizeBytes},
		ResultRef:        resultRef,
		HasInlineResult:  false,
		TruncatedPreview: TruncatePreview(content, PreviewMaxChars),
	}, nil
}

// ListToolResults returns the metadata rows for a dialog's stored tool
// results, oldest first. Payloads stay on disk.
func (s *Store) ListToolResults(ctx context.Context, dialogID string) ([]ToolResultMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tool_call_id, tool_name, status, size_bytes, created_at
FROM tool_results WHERE dialog_id = ? ORDER BY created_at, tool_call_id`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []ToolResultMeta
	for rows.Next() {
		var m ToolResultMeta
		if err := rows.Scan(&m.ToolCallID, &m.ToolName, &m.Status, &m.SizeBytes, &m.CreatedAt); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// GetToolResult loads a stored tool result payload and its metadata.
func (s *Store) GetToolResult(ctx context.Context, dialogID, toolCallID string) (string, *ToolResultMeta, error) {
	var resultRef string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_ref FROM tool_results WHERE dialog_id = ? AND tool_call_id = ?`,
		dialogID, toolCallID).Scan(&resultRef)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("tool result %s not found", toolCallID)
	}
	if err != nil {
		return "", nil, err
	}

	resultPath := filepath.Join(s.toolsDir(dialogID), toolCallID+".json")
	metaData, err := os.ReadFile(resultPath + ".meta.json")
	if err != nil {
		return "", nil, fmt.Errorf("tool result meta missing for %s: %w", toolCallID, err)
	}
	var meta ToolResultMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return "", nil, fmt.Errorf("corrupt tool result meta for %s: %w", toolCallID, err)
	}

	payload, err := os.ReadFile(resultPath)
	if err != nil {
		return "", nil, fmt.Errorf("tool result payload missing for %s: %w", toolCallID, err)
	}
	if meta.Compressed {
		payload, err = Decompress(payload)
		if err != nil {
			return "", nil, err
		}
	}
	return string(payload), &meta, nil
}
