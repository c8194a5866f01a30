package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/rag"
	"github.com/agentsmithy/agentsmithy/pkg/tools"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

// checkpointMessageLen bounds the user text quoted in checkpoint
// messages.
const checkpointMessageLen = 50

// defaultDialogTitle is the title new dialogs get until the model
// produces one.
const defaultDialogTitle = "New dialog"

// Runner executes user turns for one dialog. Turns are serialized by
// the caller; a Runner assumes at most one RunTurn at a time.
type Runner struct {
	DialogID          string
	Provider          llms.Provider
	Registry          *tools.Registry
	Executor          *Executor
	Store             *dialogs.Store
	Tracker           *versioning.Tracker
	Indexer           *rag.Indexer // nil when RAG is disabled
	Builder           *ContextBuilder
	Summarizer        *Summarizer // nil when summarization is disabled
	MaxToolIterations int

	mu          sync.Mutex
	currentTurn map[string]bool
}

// IsCurrentTurnCall reports whether a tool_call_id belongs to the
// in-flight turn. Wired into the tool context for get_tool_result.
func (r *Runner) IsCurrentTurnCall(toolCallID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTurn[toolCallID]
}

func (r *Runner) markCurrentTurn(calls []*llms.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTurn == nil {
		r.currentTurn = make(map[string]bool)
	}
	for _, call := range calls {
		r.currentTurn[call.ID] = true
	}
}

func (r *Runner) clearCurrentTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentTurn = nil
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// RunTurn drives one full user turn: pre-message checkpoint, user event
// and persistence, RAG reconciliation, then the model/tool loop until a
// response with no tool calls. The caller owns error and done events.
func (r *Runner) RunTurn(ctx context.Context, userText string, codeCtx *CodeContext, emit EmitFunc) error {
	defer r.clearCurrentTurn()

	checkpoint, err := r.Tracker.CreateCheckpoint("Before user message: " + truncateText(userText, checkpointMessageLen))
	if err != nil {
		return fmt.Errorf("failed to checkpoint before user message: %w", err)
	}
	session := r.Tracker.ActiveSession()

	if meta := r.Store.GetDialogMeta(r.DialogID); meta != nil && meta.InitialCheckpoint == "" {
		if err := r.Store.UpsertDialogMeta(r.DialogID, "", checkpoint.CommitID); err != nil {
			logger.Warn("Failed to record initial checkpoint", "dialog", r.DialogID, "error", err)
		}
	}

	if err := emit(Event{
		Type:       EventUser,
		Content:    userText,
		Checkpoint: checkpoint.CommitID,
		Session:    session,
	}); err != nil {
		return err
	}

	if _, err := r.Store.AppendMessage(ctx, &dialogs.Message{
		DialogID:   r.DialogID,
		Role:       "user",
		Content:    userText,
		Checkpoint: checkpoint.CommitID,
		Session:    session,
	}); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	r.Store.TouchDialog(r.DialogID)

	// Reconcile the index with whatever changed since the last turn:
	// command output, edits made outside the server.
	if r.Indexer != nil {
		if _, err := r.Indexer.FullSync(ctx); err != nil {
			logger.Warn("RAG full sync failed", "dialog", r.DialogID, "error", err)
		}
	}

	// One checkpoint per turn for everything the tools change.
	r.Tracker.BeginTransaction()
	mutated := false
	defer func() {
		if mutated {
			if _, err := r.Tracker.CommitTransaction("After user message: " + truncateText(userText, checkpointMessageLen)); err != nil {
				logger.Warn("Failed to commit turn checkpoint", "dialog", r.DialogID, "error", err)
			}
		} else {
			r.Tracker.AbortTransaction()
		}
	}()

	firstAssistantTurn := true

	for iteration := 0; iteration < r.maxIterations(); iteration++ {
		messages, err := r.Builder.Build(ctx, r.DialogID, codeCtx)
		if err != nil {
			return err
		}

		if r.Summarizer != nil && r.Summarizer.ShouldSummarize(messages) {
			if err := emit(Event{Type: EventSummaryStart}); err != nil {
				return err
			}
			if _, err := r.Summarizer.Summarize(ctx, r.DialogID); err != nil {
				logger.Warn("Summarization failed, continuing with full history",
					"dialog", r.DialogID, "error", err)
			}
			if err := emit(Event{Type: EventSummaryEnd}); err != nil {
				return err
			}
			if messages, err = r.Builder.Build(ctx, r.DialogID, codeCtx); err != nil {
				return err
			}
		}

		text, reasoning, toolCalls, usage, streamErr := r.streamModel(ctx, messages, emit)

		// Partial assistant output survives an aborted stream.
		if text != "" || len(toolCalls) > 0 {
			if err := r.persistAssistant(ctx, text, reasoning, toolCalls); err != nil {
				return err
			}
		}
		if usage != nil {
			if err := r.Store.SaveUsage(ctx, r.DialogID, dialogs.Usage{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
				Events:           1,
			}); err != nil {
				logger.Warn("Failed to save usage", "dialog", r.DialogID, "error", err)
			}
		}
		if streamErr != nil {
			return streamErr
		}

		if firstAssistantTurn {
			firstAssistantTurn = false
			r.maybeGenerateTitle()
		}

		if len(toolCalls) == 0 {
			return nil
		}

		r.markCurrentTurn(toolCalls)
		results, err := r.Executor.ExecuteBatch(ctx, toolCalls, emit)
		if err != nil {
			return err
		}

		for _, res := range results {
			if _, _, _, ok := tools.FileEditFromResult(res.Result); ok && res.Result.Success {
				mutated = true
				r.recordFileEdit(ctx, res.Result)
			}
			if err := r.appendToolMessage(ctx, res); err != nil {
				return err
			}
		}
	}

	return agenterrors.New(agenterrors.CodeException, "tool_loop_exceeded")
}

func (r *Runner) maxIterations() int {
	if r.MaxToolIterations > 0 {
		return r.MaxToolIterations
	}
	return 25
}

// streamModel consumes one model response, emitting bracketed chat and
// reasoning events. Brackets are always closed, including on error and
// cancellation, before the error is returned.
func (r *Runner) streamModel(ctx context.Context, messages []llms.Message, emit EmitFunc) (text, reasoning string, toolCalls []*llms.ToolCall, usage *llms.Usage, err error) {
	stream, err := r.Provider.GenerateStreaming(ctx, messages, r.Registry.Definitions())
	if err != nil {
		return "", "", nil, nil, err
	}

	var textBuf, reasoningBuf strings.Builder
	chatOpen := false
	reasoningOpen := false

	closeBrackets := func() error {
		if reasoningOpen {
			reasoningOpen = false
			if err := emit(Event{Type: EventReasoningEnd}); err != nil {
				return err
			}
		}
		if chatOpen {
			chatOpen = false
			if err := emit(Event{Type: EventChatEnd}); err != nil {
				return err
			}
		}
		return nil
	}

	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkReasoning:
			if chatOpen {
				chatOpen = false
				if err := emit(Event{Type: EventChatEnd}); err != nil {
					return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
				}
			}
			if !reasoningOpen {
				reasoningOpen = true
				if err := emit(Event{Type: EventReasoningStart}); err != nil {
					return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
				}
			}
			reasoningBuf.WriteString(chunk.Text)
			if err := emit(Event{Type: EventReasoning, Content: chunk.Text}); err != nil {
				return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
			}

		case llms.ChunkReasoningComplete:
			if reasoningOpen {
				reasoningOpen = false
				if err := emit(Event{Type: EventReasoningEnd}); err != nil {
					return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
				}
			}

		case llms.ChunkText:
			if reasoningOpen {
				reasoningOpen = false
				if err := emit(Event{Type: EventReasoningEnd}); err != nil {
					return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
				}
			}
			if !chatOpen {
				chatOpen = true
				if err := emit(Event{Type: EventChatStart}); err != nil {
					return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
				}
			}
			textBuf.WriteString(chunk.Text)
			if err := emit(Event{Type: EventChat, Content: chunk.Text}); err != nil {
				return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
			}

		case llms.ChunkToolCall:
			toolCalls = append(toolCalls, chunk.ToolCall)

		case llms.ChunkDone:
			usage = chunk.Usage

		case llms.ChunkError:
			streamErr := chunk.Error
			if ctx.Err() != nil {
				streamErr = agenterrors.Wrap(agenterrors.CodeCancelled, ctx.Err(), "turn cancelled")
			}
			if err := closeBrackets(); err != nil {
				return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
			}
			return textBuf.String(), reasoningBuf.String(), toolCalls, usage, streamErr
		}
	}

	if err := closeBrackets(); err != nil {
		return textBuf.String(), reasoningBuf.String(), toolCalls, usage, err
	}
	return textBuf.String(), reasoningBuf.String(), toolCalls, usage, nil
}

func (r *Runner) persistAssistant(ctx context.Context, text, reasoning string, toolCalls []*llms.ToolCall) error {
	msg := &dialogs.Message{
		DialogID: r.DialogID,
		Role:     "assistant",
		Content:  text,
	}
	if len(toolCalls) > 0 {
		raw, err := json.Marshal(toolCalls)
		if err != nil {
			return err
		}
		msg.ToolCalls = raw
	}
	messageID, err := r.Store.AppendMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to persist assistant message: %w", err)
	}
	if reasoning != "" {
		if err := r.Store.SaveReasoning(ctx, r.DialogID, messageID, reasoning); err != nil {
			logger.Warn("Failed to save reasoning", "dialog", r.DialogID, "error", err)
		}
	}
	return nil
}

// appendToolMessage stores the full result out-of-band and appends the
// slim reference to history.
func (r *Runner) appendToolMessage(ctx context.Context, res CallResult) error {
	payload, err := json.Marshal(res.Result)
	if err != nil {
		return err
	}
	status := "success"
	if !res.Result.Success {
		status = "error"
	}
	ref, err := r.Store.SaveToolResult(ctx, r.DialogID, res.Call.ID, res.Call.Name, status, string(payload))
	if err != nil {
		return fmt.Errorf("failed to store tool result: %w", err)
	}
	if res.Result.Summary != "" {
		ref.Metadata["summary"] = res.Result.Summary
	}
	if res.Result.Error != "" {
		ref.Metadata["error"] = res.Result.Error
		ref.Metadata["error_code"] = string(res.Result.ErrorCode)
	}

	refJSON, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	if _, err := r.Store.AppendMessage(ctx, &dialogs.Message{
		DialogID:   r.DialogID,
		Role:       "tool",
		Content:    string(refJSON),
		ToolCallID: res.Call.ID,
		Name:       res.Call.Name,
	}); err != nil {
		return fmt.Errorf("failed to persist tool message: %w", err)
	}
	return nil
}

func (r *Runner) recordFileEdit(ctx context.Context, result tools.ToolResult) {
	path, action, diff, ok := tools.FileEditFromResult(result)
	if !ok {
		return
	}
	if err := r.Store.SaveFileEdit(ctx, r.DialogID, &dialogs.FileEdit{
		Path:   path,
		Action: action,
		Diff:   diff,
	}); err != nil {
		logger.Warn("Failed to record file edit", "dialog", r.DialogID, "path", path, "error", err)
	}
}

// maybeGenerateTitle runs the title tool once the dialog has content
// and still carries the default title. Best-effort, off the turn path.
func (r *Runner) maybeGenerateTitle() {
	meta := r.Store.GetDialogMeta(r.DialogID)
	if meta == nil || meta.Title != defaultDialogTitle {
		return
	}
	tool, err := r.Registry.Get("generate_dialog_title")
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if result, err := tool.Execute(ctx, map[string]any{}); err != nil || !result.Success {
			logger.Debug("Dialog title generation skipped", "dialog", r.DialogID)
		}
	}()
}
