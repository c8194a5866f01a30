package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentsmithy/agentsmithy/pkg/agent"
	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
)

// ChatMessage is one request message from the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	Messages []ChatMessage      `json:"messages"`
	Context  *agent.CodeContext `json:"context,omitempty"`
	Stream   bool               `json:"stream"`
	DialogID string             `json:"dialog_id,omitempty"`
}

// userText extracts the newest user message from the request.
func (req *ChatRequest) userText() string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userText := req.userText()
	if strings.TrimSpace(userText) == "" {
		writeDetail(w, http.StatusBadRequest, "request has no user message")
		return
	}

	dialogID, err := s.resolveDialogID(req.DialogID)
	if err != nil {
		writeError(w, err)
		return
	}

	release := s.acquireTurn(dialogID)
	if release == nil {
		writeDetail(w, http.StatusConflict, "dialog_busy")
		return
	}
	defer release()

	runner, err := s.runnerFor(dialogID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Client disconnect cancels via the request context; graceful
	// shutdown cancels through the server-wide channel.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	wantsStream := req.Stream && strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if wantsStream {
		s.streamTurn(ctx, w, runner, dialogID, userText, req.Context)
		return
	}
	s.bufferedTurn(ctx, w, runner, dialogID, userText, req.Context)
}

// resolveDialogID picks the requested dialog, the current one, or
// creates a default dialog when the project has none yet.
func (s *Server) resolveDialogID(requested string) (string, error) {
	if requested != "" {
		if s.store.GetDialogMeta(requested) == nil {
			return "", agenterrors.NotFound("dialog %s not found", requested)
		}
		return requested, nil
	}
	if current := s.store.CurrentDialogID(); current != "" {
		return current, nil
	}
	return s.createDialog("")
}

func (s *Server) streamTurn(ctx context.Context, w http.ResponseWriter, runner *agent.Runner, dialogID, userText string, codeCtx *agent.CodeContext) {
	ew, err := NewEventWriter(w, dialogID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = runner.RunTurn(ctx, userText, codeCtx, ew.Send)
	if err != nil {
		code, message := turnErrorCode(s, ctx, err)
		logger.Warn("Turn ended with error", "dialog", dialogID, "code", code, "error", err)
		ew.SendError(code, message)
	}
	ew.Done()
}

func (s *Server) bufferedTurn(ctx context.Context, w http.ResponseWriter, runner *agent.Runner, dialogID, userText string, codeCtx *agent.CodeContext) {
	var events []agent.Event
	var content strings.Builder

	err := runner.RunTurn(ctx, userText, codeCtx, func(ev agent.Event) error {
		ev.DialogID = dialogID
		events = append(events, ev)
		if ev.Type == agent.EventChat {
			content.WriteString(ev.Content)
		}
		return nil
	})
	if err != nil {
		code, message := turnErrorCode(s, ctx, err)
		events = append(events,
			agent.Event{Type: agent.EventError, DialogID: dialogID, Code: code, Content: message},
			agent.Event{Type: agent.EventDone, DialogID: dialogID})
		writeJSON(w, http.StatusOK, map[string]any{
			"dialog_id": dialogID,
			"content":   content.String(),
			"events":    events,
			"error":     message,
		})
		return
	}
	events = append(events, agent.Event{Type: agent.EventDone, DialogID: dialogID})
	writeJSON(w, http.StatusOK, map[string]any{
		"dialog_id": dialogID,
		"content":   content.String(),
		"events":    events,
	})
}

// turnErrorCode distinguishes shutdown from ordinary cancellation and
// maps everything else through the taxonomy.
func turnErrorCode(s *Server, ctx context.Context, err error) (code, message string) {
	if s.ShuttingDown() {
		return "shutdown", "server is shutting down"
	}
	if ctx.Err() != nil {
		return string(agenterrors.CodeCancelled), "turn cancelled"
	}
	return string(agenterrors.CodeOf(err)), err.Error()
}
