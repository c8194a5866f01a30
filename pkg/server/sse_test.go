package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsmithy/agentsmithy/pkg/agent"
)

// parseSSE splits a recorded SSE body into (event, data) pairs.
func parseSSE(t *testing.T, body string) []agent.Event {
	t.Helper()
	var events []agent.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev agent.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestEventWriterStampsDialogID(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(rec, "dialog-7")
	require.NoError(t, err)

	require.NoError(t, ew.Send(agent.Event{Type: agent.EventChat, Content: "hi"}))
	ew.Done()

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "chat", events[0].Type)
	assert.Equal(t, "dialog-7", events[0].DialogID)
	assert.Equal(t, "done", events[1].Type)
}

func TestEventWriterDropsEventsAfterDone(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(rec, "d")
	require.NoError(t, err)

	ew.Done()
	require.NoError(t, ew.Send(agent.Event{Type: agent.EventChat, Content: "late"}))
	ew.SendError("exception", "too late")

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].Type)
}

func TestEventWriterDoneIsIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(rec, "d")
	require.NoError(t, err)

	ew.Done()
	ew.Done()
	ew.Done()

	events := parseSSE(t, rec.Body.String())
	assert.Len(t, events, 1)
}

func TestEventWriterErrorThenDone(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(rec, "d")
	require.NoError(t, err)

	require.NoError(t, ew.Send(agent.Event{Type: agent.EventChatStart}))
	ew.SendError("exec_failed", "boom")
	ew.Done()

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "chat_start", events[0].Type)
	assert.Equal(t, "error", events[1].Type)
	assert.Equal(t, "exec_failed", events[1].Code)
	assert.Equal(t, "boom", events[1].Content)
	assert.Equal(t, "done", events[2].Type)
}

type plainWriter struct{}

func (plainWriter) Header() http.Header         { return http.Header{} }
func (plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (plainWriter) WriteHeader(int)             {}

func TestEventWriterRequiresFlusher(t *testing.T) {
	_, err := NewEventWriter(plainWriter{}, "d")
	require.Error(t, err)
}
