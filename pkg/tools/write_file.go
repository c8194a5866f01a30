package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

type WriteFileTool struct {
	tc *ToolContext
}

func NewWriteFileTool(tc *ToolContext) *WriteFileTool {
	return &WriteFileTool{tc: tc}
}

func (t *WriteFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "write_to_file",
		Description: t.GetDescription(),
		Kind:        KindMutate,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the project directory", Required: true},
			{Name: "content", Type: "string", Description: "Complete file content to write", Required: true},
		},
	}
}

func (t *WriteFileTool) GetName() string { return "write_to_file" }

func (t *WriteFileTool) GetDescription() string {
	return "Write complete content to a file (create or overwrite)."
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	abs, rel, err := t.tc.resolvePath(stringArg(args, "path"))
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}
	content, ok := args["content"].(string)
	if !ok {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("content parameter is required")), nil
	}

	before, _ := os.ReadFile(abs)

	t.tc.Tracker.StartEdit([]string{rel})
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.tc.Tracker.AbortEdit()
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "failed to create directories")), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.tc.Tracker.AbortEdit()
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "failed to write file")), nil
	}
	t.tc.Tracker.FinalizeEdit()

	diff := versioning.UnifiedDiff(rel, before, []byte(content))
	checkpoint := recordMutation(ctx, t.tc, rel, "write", fmt.Sprintf("write_to_file: %s", rel))

	return ToolResult{
		Success:       true,
		Content:       fmt.Sprintf("Wrote %d bytes to %s", len(content), rel),
		Summary:       fmt.Sprintf("%s: %d bytes", rel, len(content)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"file":       abs,
			"path":       rel,
			"action":     "write",
			"diff":       diff,
			"checkpoint": checkpoint,
		},
	}, nil
}

// recordMutation stages a mutated path, folds it into the active
// transaction (or cuts an immediate checkpoint), and re-indexes it.
// Returns the checkpoint id when one was created.
func recordMutation(ctx context.Context, tc *ToolContext, rel, operation, message string) string {
	if operation == "delete" {
		tc.Tracker.StageFileDeletion(rel)
	} else {
		tc.Tracker.StageFile(rel)
	}

	checkpoint := ""
	if tc.Tracker.InTransaction() {
		tc.Tracker.TrackFileChange(rel, operation)
	} else {
		info, err := tc.Tracker.CreateCheckpoint(message)
		if err != nil {
			logger.Warn("Failed to create checkpoint after mutation", "path", rel, "error", err)
		} else {
			checkpoint = info.CommitID
		}
	}

	if tc.Indexer != nil {
		var err error
		if operation == "delete" {
			err = tc.Indexer.RemoveFile(ctx, rel)
		} else {
			err = tc.Indexer.IndexFile(ctx, rel)
		}
		if err != nil {
			logger.Warn("Failed to sync index after mutation", "path", rel, "error", err)
		}
	}
	return checkpoint
}
