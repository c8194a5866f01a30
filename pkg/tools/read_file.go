package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
)

type ReadFileTool struct {
	tc *ToolContext
}

func NewReadFileTool(tc *ToolContext) *ReadFileTool {
	return &ReadFileTool{tc: tc}
}

func (t *ReadFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "read_file",
		Description: t.GetDescription(),
		Kind:        KindRead,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the project directory", Required: true},
			{Name: "start_line", Type: "integer", Description: "First line to read (1-based, optional)", Required: false},
			{Name: "end_line", Type: "integer", Description: "Last line to read (inclusive, optional)", Required: false},
		},
	}
}

func (t *ReadFileTool) GetName() string { return "read_file" }

func (t *ReadFileTool) GetDescription() string {
	return "Read a file's content, optionally limited to a line range."
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	abs, rel, err := t.tc.resolvePath(stringArg(args, "path"))
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.NotFound("file does not exist: %s", rel)), nil
	}
	if info.IsDir() {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("path is a directory: %s", rel)), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "failed to read file")), nil
	}

	truncated := false
	if maxBytes := t.tc.Config.MaxReadBytes; maxBytes > 0 && len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}

	content := string(data)
	lines := strings.Split(content, "\n")
	totalLines := len(lines)

	startLine := intArg(args, "start_line", 0)
	endLine := intArg(args, "end_line", 0)
	if startLine > 0 || endLine > 0 {
		if startLine <= 0 {
			startLine = 1
		}
		if endLine <= 0 || endLine > totalLines {
			endLine = totalLines
		}
		if startLine > totalLines {
			return errorResult(t.GetName(), start, agenterrors.Validation(
				"start_line %d is past the end of the file (%d lines)", startLine, totalLines)), nil
		}
		lines = lines[startLine-1 : endLine]
		content = strings.Join(lines, "\n")
	}

	if truncated {
		logger.Debug("Read file truncated", "path", rel, "max_bytes", t.tc.Config.MaxReadBytes)
		content += "\n... (truncated)"
	}

	return ToolResult{
		Success:       true,
		Content:       content,
		Summary:       fmt.Sprintf("Read file: %s (%d lines)", rel, len(lines)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"path":        rel,
			"total_lines": totalLines,
			"truncated":   truncated,
		},
	}, nil
}
