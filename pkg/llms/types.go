// Package llms talks to OpenAI-compatible chat completion endpoints,
// streaming text, reasoning, and tool-call deltas back to the agent.
package llms

import "context"

// Message is a chat message in provider wire shape. Tool messages carry
// the originating call id; assistant messages may carry tool calls.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a parsed function call requested by the model. When the
// model emitted arguments that do not parse as JSON, Args is nil and
// ArgsError carries the parse failure; executors synthesize an error
// result instead of invoking the tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	ArgsError string         `json:"-"`
}

// ToolDefinition describes one callable tool in JSON Schema form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk types emitted on the streaming channel.
const (
	ChunkText              = "text"
	ChunkReasoning         = "reasoning"
	ChunkReasoningComplete = "reasoning_complete"
	ChunkToolCall          = "tool_call"
	ChunkDone              = "done"
	ChunkError             = "error"
)

// StreamChunk is one unit of streamed model output.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Error    error
}

// Provider generates completions. Implementations must close the
// streaming channel after emitting a terminal done or error chunk.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []*ToolCall, Usage, error)
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)
	GetModelName() string
}
