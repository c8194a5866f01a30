package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/project"
	"github.com/agentsmithy/agentsmithy/pkg/runtime"
)

// scriptedProvider replays one chunk script per GenerateStreaming call.
type scriptedProvider struct {
	scripts [][]llms.StreamChunk
	calls   int
}

func (p *scriptedProvider) Generate(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition) (string, []*llms.ToolCall, llms.Usage, error) {
	return "", nil, llms.Usage{}, nil
}

func (p *scriptedProvider) GetModelName() string { return "scripted" }

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	if p.calls >= len(p.scripts) {
		return nil, errors.New("no more scripted responses")
	}
	script := p.scripts[p.calls]
	p.calls++
	ch := make(chan llms.StreamChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func textScript(text string) []llms.StreamChunk {
	return []llms.StreamChunk{
		{Type: llms.ChunkText, Text: text},
		{Type: llms.ChunkDone, Usage: &llms.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}},
	}
}

func newTestServer(t *testing.T, provider llms.Provider) *Server {
	t.Helper()
	root := t.TempDir()

	proj, err := project.New(root)
	require.NoError(t, err)
	require.NoError(t, proj.EnsureStateDir())

	store, err := dialogs.Open(proj.DialogsDir(), proj.MessagesDBPath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.LLM.Model = "scripted-model"
	cfg.LLM.APIKey = "sk-test"
	cfg.SetDefaults()

	if provider == nil {
		provider = &scriptedProvider{}
	}
	return New(Options{
		Config:   cfg,
		Project:  proj,
		Store:    store,
		Provider: provider,
		Status:   runtime.NewStatusManager(proj.StatusPath()),
		Port:     4777,
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeBody(t, rec)
	assert.Equal(t, "ok", doc["status"])
	assert.Equal(t, float64(4777), doc["port"])
	assert.Equal(t, float64(os.Getpid()), doc["pid"])
	assert.Equal(t, true, doc["config_valid"])
}

func TestDialogCRUD(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	// Create
	rec := doJSON(t, router, http.MethodPost, "/api/dialogs/", map[string]any{"title": "My task"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "My task", created["title"])

	// List
	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody(t, rec)
	assert.Equal(t, id, listed["current_dialog_id"])
	assert.Len(t, listed["dialogs"], 1)

	// Current
	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["id"])

	// Get detail
	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+id+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	assert.Equal(t, float64(0), detail["message_count"])

	// Rename
	rec = doJSON(t, router, http.MethodPatch, "/api/dialogs/"+id+"/", map[string]any{"title": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decodeBody(t, rec)["title"])

	// Delete
	rec = doJSON(t, router, http.MethodDelete, "/api/dialogs/"+id+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["deleted"])

	// Gone now
	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+id+"/", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "not found")
}

func TestCurrentDialogMissing(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/dialogs/current", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no current dialog", decodeBody(t, rec)["detail"])
}

func TestSetCurrentDialog(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/dialogs/", map[string]any{"title": "a"})
	first := decodeBody(t, rec)["id"].(string)
	rec = doJSON(t, router, http.MethodPost, "/api/dialogs/", map[string]any{"title": "b", "set_current": false})
	second := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, router, http.MethodPatch, "/api/dialogs/current?id="+second, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, second, s.store.CurrentDialogID())

	rec = doJSON(t, router, http.MethodPatch, "/api/dialogs/current", map[string]any{"id": first})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, s.store.CurrentDialogID())

	rec = doJSON(t, router, http.MethodPatch, "/api/dialogs/current?id=unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatBufferedResponse(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamChunk{textScript("hello back")}}
	s := newTestServer(t, provider)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
		"stream":   false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeBody(t, rec)
	assert.Equal(t, "hello back", doc["content"])
	assert.NotEmpty(t, doc["dialog_id"])
	assert.NotContains(t, doc, "error")

	events := doc["events"].([]any)
	require.NotEmpty(t, events)
	first := events[0].(map[string]any)
	last := events[len(events)-1].(map[string]any)
	assert.Equal(t, "user", first["type"])
	assert.Equal(t, "done", last["type"])

	// A dialog was auto-created for the chat.
	assert.NotEmpty(t, s.store.CurrentDialogID())
}

func TestChatStreamingSSE(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamChunk{textScript("streamed")}}
	s := newTestServer(t, provider)

	body, err := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "go"}},
		"stream":   true,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "user", events[0].Type)
	assert.Equal(t, "done", events[len(events)-1].Type)

	var sawChat bool
	for _, ev := range events {
		if ev.Type == "chat" && ev.Content == "streamed" {
			sawChat = true
		}
		assert.NotEmpty(t, ev.DialogID)
	}
	assert.True(t, sawChat)
}

func TestChatRejectsEmptyUserMessage(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "assistant", "content": "hi"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request has no user message", decodeBody(t, rec)["detail"])
}

func TestChatUnknownDialogIs404(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/chat", map[string]any{
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
		"dialog_id": "missing",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBusyDialogConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/dialogs/", map[string]any{"title": "busy"})
	id := decodeBody(t, rec)["id"].(string)

	// Hold the turn slot as an in-flight turn would.
	release := s.acquireTurn(id)
	require.NotNil(t, release)
	defer release()

	rec = doJSON(t, router, http.MethodDelete, "/api/dialogs/"+id+"/", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "dialog_busy", decodeBody(t, rec)["detail"])

	rec = doJSON(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
		"dialog_id": id,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHistoryAfterTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamChunk{textScript("answer")}}
	s := newTestServer(t, provider)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "question"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dialogID := decodeBody(t, rec)["dialog_id"].(string)

	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+dialogID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)

	assert.Equal(t, float64(2), doc["total_events"])
	assert.Equal(t, false, doc["has_more"])
	assert.Equal(t, float64(0), doc["first_idx"])
	assert.Equal(t, float64(1), doc["last_idx"])

	events := doc["events"].([]any)
	require.Len(t, events, 2)
	user := events[0].(map[string]any)
	chat := events[1].(map[string]any)
	assert.Equal(t, "user", user["type"])
	assert.Equal(t, "question", user["content"])
	assert.NotEmpty(t, user["checkpoint"])
	assert.Equal(t, "chat", chat["type"])
	assert.Equal(t, "answer", chat["content"])
}

func TestHistoryPagination(t *testing.T) {
	scripts := make([][]llms.StreamChunk, 3)
	for i := range scripts {
		scripts[i] = textScript("reply")
	}
	s := newTestServer(t, &scriptedProvider{scripts: scripts})
	router := s.Router()

	var dialogID string
	for i := 0; i < 3; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/chat", map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "again"}},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		dialogID = decodeBody(t, rec)["dialog_id"].(string)
	}

	// 6 events total; a window of 2 ending before idx 4.
	rec := doJSON(t, router, http.MethodGet, "/api/dialogs/"+dialogID+"/history?limit=2&before=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, float64(6), doc["total_events"])
	assert.Equal(t, true, doc["has_more"])
	assert.Equal(t, float64(2), doc["first_idx"])
	assert.Equal(t, float64(3), doc["last_idx"])
	assert.Len(t, doc["events"], 2)

	// First page has no earlier events.
	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+dialogID+"/history?limit=2&before=2", nil)
	doc = decodeBody(t, rec)
	assert.Equal(t, false, doc["has_more"])
	assert.Equal(t, float64(0), doc["first_idx"])
}

func TestHistoryUnknownDialog(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/dialogs/nope/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointFlow(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamChunk{textScript("ok")}}
	s := newTestServer(t, provider)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "checkpoint me"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dialogID := decodeBody(t, rec)["dialog_id"].(string)

	// The pre-message checkpoint is listed and recorded as initial.
	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+dialogID+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	checkpoints := doc["checkpoints"].([]any)
	require.Len(t, checkpoints, 1)
	commitID := checkpoints[0].(map[string]any)["commit_id"].(string)
	assert.Equal(t, commitID, doc["initial_checkpoint"])

	// Session state before approval.
	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+dialogID+"/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	session := decodeBody(t, rec)
	assert.Equal(t, "session_1", session["active_session"])
	assert.Equal(t, "refs/heads/session_1", session["session_ref"])

	// Approve rotates the session.
	rec = doJSON(t, router, http.MethodPost, "/api/dialogs/"+dialogID+"/approve", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decodeBody(t, rec)
	assert.Equal(t, "session_2", approved["new_session"])

	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+dialogID+"/session", nil)
	session = decodeBody(t, rec)
	assert.Equal(t, "session_2", session["active_session"])
	assert.Equal(t, false, session["has_unapproved"])
	assert.NotNil(t, session["last_approved_at"])
}

func TestRestoreEndpoint(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamChunk{textScript("ok")}}
	s := newTestServer(t, provider)
	router := s.Router()

	require.NoError(t, os.WriteFile(filepath.Join(s.proj.Root, "f.txt"), []byte("v1"), 0644))

	rec := doJSON(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "snapshot"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dialogID := decodeBody(t, rec)["dialog_id"].(string)

	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+dialogID+"/checkpoints", nil)
	checkpoints := decodeBody(t, rec)["checkpoints"].([]any)
	commitID := checkpoints[0].(map[string]any)["commit_id"].(string)

	require.NoError(t, os.WriteFile(filepath.Join(s.proj.Root, "f.txt"), []byte("v2"), 0644))

	rec = doJSON(t, router, http.MethodPost, "/api/dialogs/"+dialogID+"/restore",
		map[string]any{"checkpoint_id": commitID})
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, commitID, doc["restored_to"])
	assert.NotEmpty(t, doc["new_checkpoint"])
	assert.Contains(t, doc["restored_files"], "f.txt")

	content, err := os.ReadFile(filepath.Join(s.proj.Root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	// Missing checkpoint_id is a validation failure.
	rec = doJSON(t, router, http.MethodPost, "/api/dialogs/"+dialogID+"/restore", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeBody(t, rec)
	llm := doc["llm"].(map[string]any)
	assert.Equal(t, "********", llm["api_key"])
	assert.Equal(t, "scripted-model", llm["model"])
	assert.NotContains(t, rec.Body.String(), "sk-test")
}

func TestPutConfigRewritesOverlay(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")
	s := newTestServer(t, nil)

	rec := doJSON(t, s.Router(), http.MethodPut, "/api/config", map[string]any{
		"llm": map[string]any{"model": "gpt-4o", "api_key": "sk-new", "temperature": 0.1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, true, doc["config_valid"])

	data, err := os.ReadFile(filepath.Join(s.proj.Root, config.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "gpt-4o")

	s.cfgMu.RLock()
	model := s.cfg.LLM.Model
	s.cfgMu.RUnlock()
	assert.Equal(t, "gpt-4o", model)
}

func TestPutConfigInvalidKeepsPrevious(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")
	s := newTestServer(t, nil)

	// No model or key anywhere: validation fails, previous config stays.
	rec := doJSON(t, s.Router(), http.MethodPut, "/api/config", map[string]any{
		"llm": map[string]any{"temperature": 0.3},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, false, doc["config_valid"])
	require.NotEmpty(t, doc["config_errors"])

	s.cfgMu.RLock()
	model := s.cfg.LLM.Model
	s.cfgMu.RUnlock()
	assert.Equal(t, "scripted-model", model)
}

func TestRenameProject(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/config/rename", map[string]any{"name": "My Project"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "My Project", s.proj.Name)

	meta, err := s.proj.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, "My Project", meta.Name)

	rec = doJSON(t, s.Router(), http.MethodPost, "/api/config/rename", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolResultsEndpointsEmpty(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/dialogs/", map[string]any{"title": "t"})
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+id+"/tool-results", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/dialogs/"+id+"/tool-results/call_x", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatDuringShutdownReportsShutdownCode(t *testing.T) {
	// Stream errors while the server is shutting down are reported with
	// the shutdown code, not a generic cancellation.
	provider := &scriptedProvider{scripts: [][]llms.StreamChunk{{
		{Type: llms.ChunkError, Error: errors.New("stream aborted")},
	}}}
	s := newTestServer(t, provider)
	require.NoError(t, s.Shutdown(context.Background()))

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "late"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, "server is shutting down", doc["error"])

	events := doc["events"].([]any)
	var errEvent map[string]any
	for _, raw := range events {
		ev := raw.(map[string]any)
		if ev["type"] == "error" {
			errEvent = ev
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, "shutdown", errEvent["code"])
	assert.Equal(t, "done", events[len(events)-1].(map[string]any)["type"])
}
