package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/project"
)

// CodeContext is the editor state a client attaches to a chat request.
type CodeContext struct {
	CurrentFile *ContextFile  `json:"current_file,omitempty"`
	OpenFiles   []ContextFile `json:"open_files,omitempty"`
}

// ContextFile is one file the IDE shares with the agent.
type ContextFile struct {
	Path      string     `json:"path"`
	Language  string     `json:"language,omitempty"`
	Content   string     `json:"content,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Selection is the highlighted region of the current file.
type Selection struct {
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ContextBuilder assembles the prompt for one model call: system
// prompt, persisted summary, the recent message window, and formatted
// editor context.
type ContextBuilder struct {
	project *project.Project
	store   *dialogs.Store
	cfg     *config.SummarizationConfig
	ide     string
}

// NewContextBuilder creates a builder for one project.
func NewContextBuilder(proj *project.Project, store *dialogs.Store, cfg *config.SummarizationConfig, ide string) *ContextBuilder {
	return &ContextBuilder{project: proj, store: store, cfg: cfg, ide: ide}
}

func (b *ContextBuilder) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are AgentSmithy, a coding assistant working inside the user's project. ")
	sb.WriteString("Use the provided tools to inspect and modify files; never invent file contents. ")
	sb.WriteString("Prefer small, reviewable edits and explain what you changed.\n\n")

	fmt.Fprintf(&sb, "Project: %s\nProject root: %s\n", b.project.Name, b.project.Root)
	if meta, err := b.project.LoadMetadata(); err == nil {
		if meta.Description != "" {
			fmt.Fprintf(&sb, "Description: %s\n", meta.Description)
		}
		if len(meta.Stack) > 0 {
			fmt.Fprintf(&sb, "Stack: %s\n", strings.Join(meta.Stack, ", "))
		}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	fmt.Fprintf(&sb, "OS: %s/%s\nShell: %s\n", runtime.GOOS, runtime.GOARCH, shell)
	if b.ide != "" {
		fmt.Fprintf(&sb, "IDE: %s\n", b.ide)
	}

	sb.WriteString("\nAll file paths in tool calls are relative to the project root. ")
	sb.WriteString("Tool results may be truncated; use get_tool_result with a past tool_call_id to read a full result.")
	return sb.String()
}

// formatCodeContext renders the IDE context as one system message body.
func formatCodeContext(cc *CodeContext) string {
	if cc == nil || (cc.CurrentFile == nil && len(cc.OpenFiles) == 0) {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Editor context:\n")
	if f := cc.CurrentFile; f != nil {
		fmt.Fprintf(&sb, "Current file: %s", f.Path)
		if f.Language != "" {
			fmt.Fprintf(&sb, " (%s)", f.Language)
		}
		sb.WriteString("\n")
		if sel := f.Selection; sel != nil && sel.Text != "" {
			fmt.Fprintf(&sb, "Selected lines %d-%d:\n```\n%s\n```\n", sel.StartLine, sel.EndLine, sel.Text)
		} else if f.Content != "" {
			fmt.Fprintf(&sb, "```\n%s\n```\n", f.Content)
		}
	}
	if len(cc.OpenFiles) > 0 {
		sb.WriteString("Other open files:\n")
		for _, f := range cc.OpenFiles {
			fmt.Fprintf(&sb, "- %s\n", f.Path)
		}
	}
	return sb.String()
}

// Build assembles the messages for the next model call.
func (b *ContextBuilder) Build(ctx context.Context, dialogID string, codeCtx *CodeContext) ([]llms.Message, error) {
	messages := []llms.Message{{Role: "system", Content: b.systemPrompt()}}

	summary, err := b.store.LatestSummary(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	var afterID int64
	if summary != nil {
		messages = append(messages, llms.Message{
			Role:    "system",
			Content: "Summary of the earlier conversation:\n" + summary.Content,
		})
		afterID = summary.CoveredUntil
	}

	stored, err := b.store.GetMessages(ctx, dialogID, afterID)
	if err != nil {
		return nil, err
	}

	// Keep the tail of the window; anything older is covered by the
	// summary or dropped.
	if keep := b.cfg.KeepLastMessages; len(stored) > keep {
		stored = stored[len(stored)-keep:]
	}
	// A tool result without the assistant message that requested it is
	// rejected by the provider; trim such orphans off the front.
	for len(stored) > 0 && stored[0].Role == "tool" {
		stored = stored[1:]
	}

	if cc := formatCodeContext(codeCtx); cc != "" {
		messages = append(messages, llms.Message{Role: "system", Content: cc})
	}

	for _, msg := range stored {
		converted := llms.Message{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if len(msg.ToolCalls) > 0 {
			if err := json.Unmarshal(msg.ToolCalls, &converted.ToolCalls); err != nil {
				return nil, fmt.Errorf("corrupt tool_calls on message %d: %w", msg.ID, err)
			}
		}
		messages = append(messages, converted)
	}
	return messages, nil
}
