package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
)

// GetToolResultTool retrieves full results of earlier tool calls from
// the out-of-band store. Current-turn calls are refused: their results
// have not been persisted as history yet.
type GetToolResultTool struct {
	tc *ToolContext
}

func NewGetToolResultTool(tc *ToolContext) *GetToolResultTool {
	return &GetToolResultTool{tc: tc}
}

func (t *GetToolResultTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "get_tool_result",
		Description: t.GetDescription(),
		Kind:        KindRead,
		Parameters: []ToolParameter{
			{Name: "tool_call_id", Type: "string", Description: "ID of an earlier tool call in this dialog", Required: true},
		},
	}
}

func (t *GetToolResultTool) GetName() string { return "get_tool_result" }

func (t *GetToolResultTool) GetDescription() string {
	return "Retrieve the full stored result of an earlier tool call in this dialog."
}

func (t *GetToolResultTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	toolCallID := stringArg(args, "tool_call_id")
	if toolCallID == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("tool_call_id parameter is required")), nil
	}
	if t.tc.IsCurrentTurnCall != nil && t.tc.IsCurrentTurnCall(toolCallID) {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("not for current-turn calls")), nil
	}

	content, meta, err := t.tc.Store.GetToolResult(ctx, t.tc.DialogID, toolCallID)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.NotFound("tool result %s not found", toolCallID)), nil
	}

	return ToolResult{
		Success:       true,
		Content:       content,
		Summary:       fmt.Sprintf("Retrieved result of %s (%d bytes)", meta.ToolName, meta.SizeBytes),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"tool_call_id": toolCallID,
			"tool_name":    meta.ToolName,
			"size_bytes":   meta.SizeBytes,
		},
	}, nil
}

// GenerateDialogTitleTool produces a short dialog title with a one-shot
// completion and persists it into the dialog index.
type GenerateDialogTitleTool struct {
	tc *ToolContext
}

func NewGenerateDialogTitleTool(tc *ToolContext) *GenerateDialogTitleTool {
	return &GenerateDialogTitleTool{tc: tc}
}

func (t *GenerateDialogTitleTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "generate_dialog_title",
		Description: t.GetDescription(),
		Kind:        KindRead,
		Parameters: []ToolParameter{
			{Name: "conversation", Type: "string", Description: "Short excerpt of the conversation to title", Required: false},
		},
	}
}

func (t *GenerateDialogTitleTool) GetName() string { return "generate_dialog_title" }

func (t *GenerateDialogTitleTool) GetDescription() string {
	return "Generate and persist a concise title for the current dialog."
}

const titlePrompt = "Produce a concise title (at most 6 words) for the following coding conversation. Respond with the title only, no quotes."

func (t *GenerateDialogTitleTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	excerpt := stringArg(args, "conversation")
	if excerpt == "" {
		messages, err := t.tc.Store.GetMessages(ctx, t.tc.DialogID, 0)
		if err != nil {
			return errorResult(t.GetName(), start, err), nil
		}
		var sb strings.Builder
		for _, msg := range messages {
			if msg.Role != "user" && msg.Role != "assistant" {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
			if sb.Len() > 4000 {
				break
			}
		}
		excerpt = sb.String()
	}
	if strings.TrimSpace(excerpt) == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("dialog has no content to title")), nil
	}

	title, _, _, err := t.tc.Titler.Generate(ctx, []llms.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: excerpt},
	}, nil)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "title generation failed")), nil
	}

	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		return errorResult(t.GetName(), start,
			agenterrors.New(agenterrors.CodeException, "model returned an empty title")), nil
	}
	if err := t.tc.Store.UpsertDialogMeta(t.tc.DialogID, title, ""); err != nil {
		return errorResult(t.GetName(), start, err), nil
	}

	return ToolResult{
		Success:       true,
		Content:       title,
		Summary:       fmt.Sprintf("Dialog titled: %s", title),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata:      map[string]any{"title": title},
	}, nil
}
