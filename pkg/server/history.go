package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
)

// defaultHistoryLimit bounds one history page when the client does not
// ask for a size.
const defaultHistoryLimit = 100

// HistoryEvent is one replayable unit of a dialog's past, indexed
// densely from 0.
type HistoryEvent struct {
	Idx     int    `json:"idx"`
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`

	Checkpoint string `json:"checkpoint,omitempty"`
	Session    string `json:"session,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`

	Status           string         `json:"status,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ResultRef        string         `json:"result_ref,omitempty"`
	TruncatedPreview string         `json:"truncated_preview,omitempty"`

	File string `json:"file,omitempty"`
	Diff string `json:"diff,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	if s.store.GetDialogMeta(dialogID) == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}

	events, err := s.buildHistory(r, dialogID)
	if err != nil {
		writeError(w, err)
		return
	}

	total := len(events)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	before := total
	if v := r.URL.Query().Get("before"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < before {
			before = n
		}
	}

	page := events[:before]
	if len(page) > limit {
		page = page[len(page)-limit:]
	}

	firstIdx, lastIdx := -1, -1
	if len(page) > 0 {
		firstIdx = page[0].Idx
		lastIdx = page[len(page)-1].Idx
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":       page,
		"total_events": total,
		"has_more":     firstIdx > 0,
		"first_idx":    firstIdx,
		"last_idx":     lastIdx,
	})
}

// buildHistory replays the stored messages as the event sequence a live
// stream would have produced, with reasoning and file edits inlined.
func (s *Server) buildHistory(r *http.Request, dialogID string) ([]HistoryEvent, error) {
	ctx := r.Context()
	messages, err := s.store.GetMessages(ctx, dialogID, 0)
	if err != nil {
		return nil, err
	}
	reasoningEntries, err := s.store.GetReasoning(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	reasoningByMsg := make(map[int64]string, len(reasoningEntries))
	for _, entry := range reasoningEntries {
		reasoningByMsg[entry.MessageID] += entry.Content
	}
	fileEdits, err := s.store.GetFileEdits(ctx, dialogID)
	if err != nil {
		return nil, err
	}

	var events []HistoryEvent
	add := func(ev HistoryEvent) {
		ev.Idx = len(events)
		events = append(events, ev)
	}

	// File edits were recorded just before the tool message that carries
	// the result, so flushing by timestamp slots each edit between the
	// tool_call and its tool_result, matching the live stream order.
	editPos := 0
	flushEdits := func(upTo time.Time) {
		for editPos < len(fileEdits) && !fileEdits[editPos].CreatedAt.After(upTo) {
			edit := fileEdits[editPos]
			add(HistoryEvent{
				Type:      "file_edit",
				File:      edit.Path,
				Diff:      edit.Diff,
				Status:    edit.Action,
				CreatedAt: edit.CreatedAt,
			})
			editPos++
		}
	}

	for _, msg := range messages {
		flushEdits(msg.CreatedAt)
		switch msg.Role {
		case "user":
			add(HistoryEvent{
				Type:       "user",
				Content:    msg.Content,
				Checkpoint: msg.Checkpoint,
				Session:    msg.Session,
				CreatedAt:  msg.CreatedAt,
			})

		case "assistant":
			if reasoning := reasoningByMsg[msg.ID]; reasoning != "" {
				add(HistoryEvent{Type: "reasoning", Content: reasoning, CreatedAt: msg.CreatedAt})
			}
			if msg.Content != "" {
				add(HistoryEvent{Type: "chat", Content: msg.Content, CreatedAt: msg.CreatedAt})
			}
			if len(msg.ToolCalls) > 0 {
				var calls []llms.ToolCall
				if err := json.Unmarshal(msg.ToolCalls, &calls); err == nil {
					for _, call := range calls {
						args, _ := json.Marshal(call.Args)
						add(HistoryEvent{
							Type:       "tool_call",
							ToolCallID: call.ID,
							ToolName:   call.Name,
							Args:       args,
							CreatedAt:  msg.CreatedAt,
						})
					}
				}
			}

		case "tool":
			var ref dialogs.ToolResultRef
			if err := json.Unmarshal([]byte(msg.Content), &ref); err != nil {
				// Pre-reference rows; surface the raw content.
				add(HistoryEvent{
					Type:       "tool_result",
					ToolCallID: msg.ToolCallID,
					ToolName:   msg.Name,
					Content:    msg.Content,
					CreatedAt:  msg.CreatedAt,
				})
				continue
			}
			add(HistoryEvent{
				Type:             "tool_result",
				ToolCallID:       ref.ToolCallID,
				ToolName:         ref.ToolName,
				Status:           ref.Status,
				Metadata:         ref.Metadata,
				ResultRef:        ref.ResultRef,
				TruncatedPreview: ref.TruncatedPreview,
				CreatedAt:        msg.CreatedAt,
			})
		}
	}
	flushEdits(time.Now().UTC())

	return events, nil
}

func (s *Server) handleListToolResults(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	if s.store.GetDialogMeta(dialogID) == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}
	metas, err := s.store.ListToolResults(r.Context(), dialogID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_results": metas})
}

func (s *Server) handleGetToolResult(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	toolCallID := chi.URLParam(r, "toolCallID")

	payload, meta, err := s.store.GetToolResult(r.Context(), dialogID, toolCallID)
	if err != nil {
		writeError(w, agenterrors.NotFound("tool result %s not found", toolCallID))
		return
	}

	// The payload is the tool's JSON result; embed it verbatim.
	var result json.RawMessage
	if json.Valid([]byte(payload)) {
		result = json.RawMessage(payload)
	} else {
		encoded, _ := json.Marshal(payload)
		result = encoded
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool_call_id": meta.ToolCallID,
		"tool_name":    meta.ToolName,
		"status":       meta.Status,
		"size_bytes":   meta.SizeBytes,
		"created_at":   meta.CreatedAt,
		"result":       result,
	})
}
