package tools

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/rag"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

// ToolContext carries the per-dialog collaborators tools need.
type ToolContext struct {
	Workdir  string
	DialogID string
	Tracker  *versioning.Tracker
	Indexer  *rag.Indexer
	Store    *dialogs.Store
	Config   *config.ToolsConfig

	// Titler is the model used by generate_dialog_title.
	Titler llms.Provider

	// IsCurrentTurnCall reports whether a tool_call_id belongs to the
	// in-flight turn; get_tool_result refuses those.
	IsCurrentTurnCall func(toolCallID string) bool
}

// resolvePath confines a tool-supplied path to the workdir. Returns the
// absolute path and the slash-separated workdir-relative path.
func (tc *ToolContext) resolvePath(p string) (string, string, error) {
	if p == "" {
		return "", "", agenterrors.Validation("path parameter is required")
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(tc.Workdir, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(tc.Workdir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", agenterrors.Permission("path escapes the project directory: %s", p)
	}
	return abs, filepath.ToSlash(rel), nil
}

// errorResult folds an error into the structured tool_error shape; the
// error is encoded in the result, never raised to the agent loop.
func errorResult(toolName string, start time.Time, err error) ToolResult {
	return ToolResult{
		Success:       false,
		Error:         err.Error(),
		ErrorCode:     agenterrors.CodeOf(err),
		ToolName:      toolName,
		ExecutionTime: time.Since(start),
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// intArg accepts both float64 (JSON numbers) and int.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
