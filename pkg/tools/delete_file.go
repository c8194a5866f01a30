package tools

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

type DeleteFileTool struct {
	tc *ToolContext
}

func NewDeleteFileTool(tc *ToolContext) *DeleteFileTool {
	return &DeleteFileTool{tc: tc}
}

func (t *DeleteFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "delete_file",
		Description: t.GetDescription(),
		Kind:        KindMutate,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the project directory", Required: true},
		},
	}
}

func (t *DeleteFileTool) GetName() string { return "delete_file" }

func (t *DeleteFileTool) GetDescription() string {
	return "Delete a file from the project."
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
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
			agenterrors.Validation("path is a directory, not a file: %s", rel)), nil
	}

	before, _ := os.ReadFile(abs)

	t.tc.Tracker.StartEdit([]string{rel})
	if err := os.Remove(abs); err != nil {
		t.tc.Tracker.AbortEdit()
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "failed to delete file")), nil
	}
	t.tc.Tracker.FinalizeEdit()

	diff := versioning.UnifiedDiff(rel, before, nil)
	checkpoint := recordMutation(ctx, t.tc, rel, "delete", fmt.Sprintf("delete_file: %s", rel))

	return ToolResult{
		Success:       true,
		Content:       fmt.Sprintf("Deleted %s", rel),
		Summary:       fmt.Sprintf("Deleted: %s", rel),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"file":       abs,
			"path":       rel,
			"action":     "delete",
			"diff":       diff,
			"checkpoint": checkpoint,
		},
	}, nil
}
