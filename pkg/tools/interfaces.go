// Package tools implements the agent's callable tool set: file
// operations staged through the versioning tracker, command execution,
// web access, and dialog utilities.
package tools

import (
	"context"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
)

// Tool kinds drive the executor's concurrency policy.
const (
	KindRead    = "read"    // safe to run in parallel
	KindMutate  = "mutate"  // serialized per path
	KindCommand = "command" // serialized against the whole workdir
)

type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
	Kind        string          `json:"kind,omitempty"`
}

type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolResult is the structured outcome of one invocation. Content is
// what goes to the tool-result store; Summary is the one-line digest
// kept inline in history metadata.
type ToolResult struct {
	Success       bool             `json:"success"`
	Content       string           `json:"content,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	Error         string           `json:"error,omitempty"`
	ErrorCode     agenterrors.Code `json:"error_code,omitempty"`
	ToolName      string           `json:"tool_name"`
	ExecutionTime time.Duration    `json:"execution_time,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

type Tool interface {
	GetInfo() ToolInfo

	Execute(ctx context.Context, args map[string]any) (ToolResult, error)

	GetName() string

	GetDescription() string
}

// FileEditFromResult extracts the file_edit event payload a mutating
// tool left in its result metadata. ok is false for non-mutations.
func FileEditFromResult(result ToolResult) (path, action, diff string, ok bool) {
	if result.Metadata == nil {
		return "", "", "", false
	}
	path, _ = result.Metadata["file"].(string)
	action, _ = result.Metadata["action"].(string)
	diff, _ = result.Metadata["diff"].(string)
	return path, action, diff, path != "" && action != ""
}
