// Package agent drives a single user turn: streaming the model,
// reconstructing tool calls, executing tools, and persisting the
// resulting history. Output is a flat stream of typed events that the
// SSE layer forwards to the client verbatim.
package agent

import "encoding/json"

// Event wire types. Names are part of the client contract.
const (
	EventUser           = "user"
	EventChatStart      = "chat_start"
	EventChat           = "chat"
	EventChatEnd        = "chat_end"
	EventReasoningStart = "reasoning_start"
	EventReasoning      = "reasoning"
	EventReasoningEnd   = "reasoning_end"
	EventSummaryStart   = "summary_start"
	EventSummaryEnd     = "summary_end"
	EventToolCall       = "tool_call"
	EventFileEdit       = "file_edit"
	EventError          = "error"
	EventDone           = "done"
)

// Event is one unit of streamed output. DialogID is stamped by the
// writer; producers may leave it empty.
type Event struct {
	Type     string `json:"type"`
	DialogID string `json:"dialog_id,omitempty"`
	Content  string `json:"content,omitempty"`

	// user events
	Checkpoint string `json:"checkpoint,omitempty"`
	Session    string `json:"session,omitempty"`

	// tool_call events
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`

	// file_edit events
	File string `json:"file,omitempty"`
	Diff string `json:"diff,omitempty"`

	// error events
	Code string `json:"code,omitempty"`
}

// EmitFunc delivers one event downstream. It may block for
// back-pressure; a returned error means the consumer is gone and the
// turn should stop.
type EmitFunc func(Event) error
