package dialogs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir, filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateDialogSetsCurrent(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateDialog("Fix the parser", true)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	meta := store.GetDialogMeta(id)
	require.NotNil(t, meta)
	assert.Equal(t, "Fix the parser", meta.Title)
	assert.Equal(t, id, store.CurrentDialogID())

	// A second dialog created without set_current leaves the pointer.
	other, err := store.CreateDialog("", false)
	require.NoError(t, err)
	assert.Equal(t, id, store.CurrentDialogID())
	assert.Equal(t, "New dialog", store.GetDialogMeta(other).Title)
}

func TestListDialogsSortAndPage(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for _, title := range []string{"alpha", "charlie", "bravo"} {
		id, err := store.CreateDialog(title, false)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	byTitle := store.ListDialogs("title", false, 0, 0)
	require.Len(t, byTitle, 3)
	assert.Equal(t, "alpha", byTitle[0].Title)
	assert.Equal(t, "bravo", byTitle[1].Title)
	assert.Equal(t, "charlie", byTitle[2].Title)

	page := store.ListDialogs("title", true, 2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, "bravo", page[0].Title)
	assert.Equal(t, "alpha", page[1].Title)

	assert.Nil(t, store.ListDialogs("title", false, 10, 5))
	_ = ids
}

func TestSetCurrentDialogValidates(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateDialog("t", false)
	require.NoError(t, err)

	require.NoError(t, store.SetCurrentDialogID(id))
	assert.Equal(t, id, store.CurrentDialogID())

	err = store.SetCurrentDialogID("nope")
	require.Error(t, err)
}

func TestDeleteDialogClearsCurrent(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateDialog("doomed", true)
	require.NoError(t, err)

	require.NoError(t, store.DeleteDialog(id))
	assert.Nil(t, store.GetDialogMeta(id))
	assert.Empty(t, store.CurrentDialogID())

	err = store.DeleteDialog(id)
	require.Error(t, err)
}

func TestAppendAndGetMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("msgs", true)
	require.NoError(t, err)

	userID, err := store.AppendMessage(ctx, &Message{
		DialogID:   id,
		Role:       "user",
		Content:    "add a test",
		Checkpoint: "abc123",
		Session:    "session_1",
	})
	require.NoError(t, err)

	toolCalls := json.RawMessage(`[{"id":"call_1","name":"write_file","args":{"path":"a.go"}}]`)
	_, err = store.AppendMessage(ctx, &Message{
		DialogID:  id,
		Role:      "assistant",
		Content:   "on it",
		ToolCalls: toolCalls,
	})
	require.NoError(t, err)

	messages, err := store.GetMessages(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "abc123", messages[0].Checkpoint)
	assert.Equal(t, "session_1", messages[0].Session)
	assert.JSONEq(t, string(toolCalls), string(messages[1].ToolCalls))

	// afterID excludes the user message.
	tail, err := store.GetMessages(ctx, id, userID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "assistant", tail[0].Role)

	count, err := store.MessageCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAppendMessageRejectsEmptyFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendMessage(ctx, &Message{Role: "user"})
	require.Error(t, err)
	_, err = store.AppendMessage(ctx, &Message{DialogID: "d"})
	require.Error(t, err)
}

func TestSaveToolResultSmallPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("tools", true)
	require.NoError(t, err)

	ref, err := store.SaveToolResult(ctx, id, "call_1", "read_file", "success", `{"content":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, "tool_results/call_1.json", ref.ResultRef)
	assert.False(t, ref.HasInlineResult)
	assert.Equal(t, `{"content":"hello"}`, ref.TruncatedPreview)

	payload, meta, err := store.GetToolResult(ctx, id, "call_1")
	require.NoError(t, err)
	assert.Equal(t, `{"content":"hello"}`, payload)
	assert.False(t, meta.Compressed)
	assert.Equal(t, "read_file", meta.ToolName)
	assert.Equal(t, len(`{"content":"hello"}`), meta.SizeBytes)
}

func TestSaveToolResultLargePayloadCompressed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("tools", true)
	require.NoError(t, err)

	big := strings.Repeat("line of output\n", 1000) // well past 4KB
	_, err = store.SaveToolResult(ctx, id, "call_big", "run_command", "success", big)
	require.NoError(t, err)

	payload, meta, err := store.GetToolResult(ctx, id, "call_big")
	require.NoError(t, err)
	assert.True(t, meta.Compressed)
	assert.Equal(t, len(big), meta.SizeBytes)
	assert.Equal(t, big, payload)
}

func TestTruncatePreviewCutsAtLineBoundary(t *testing.T) {
	content := strings.Repeat("0123456789\n", 100)
	preview := TruncatePreview(content, PreviewMaxChars)
	assert.LessOrEqual(t, len(preview), PreviewMaxChars)
	assert.False(t, strings.HasSuffix(preview, "\n"))
	// Cuts at the last full line, not mid-line.
	assert.True(t, strings.HasSuffix(preview, "0123456789"))

	short := "tiny"
	assert.Equal(t, short, TruncatePreview(short, PreviewMaxChars))
}

func TestListToolResultsOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("tools", true)
	require.NoError(t, err)

	_, err = store.SaveToolResult(ctx, id, "call_a", "read_file", "success", "a")
	require.NoError(t, err)
	_, err = store.SaveToolResult(ctx, id, "call_b", "run_command", "error", "b")
	require.NoError(t, err)

	metas, err := store.ListToolResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "call_a", metas[0].ToolCallID)
	assert.Equal(t, "error", metas[1].Status)
}

func TestReasoningRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("r", true)
	require.NoError(t, err)

	msgID, err := store.AppendMessage(ctx, &Message{DialogID: id, Role: "assistant", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, store.SaveReasoning(ctx, id, msgID, "thinking about it"))
	require.NoError(t, store.SaveReasoning(ctx, id, msgID, " some more"))
	// Empty traces are dropped, not stored.
	require.NoError(t, store.SaveReasoning(ctx, id, msgID, ""))

	entries, err := store.GetReasoning(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, msgID, entries[0].MessageID)
	assert.Equal(t, "thinking about it", entries[0].Content)
	assert.Equal(t, " some more", entries[1].Content)
}

func TestFileEditsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("e", true)
	require.NoError(t, err)

	edit := &FileEdit{Path: "src/app.py", Action: "write", Diff: "+print(1)\n"}
	require.NoError(t, store.SaveFileEdit(ctx, id, edit))

	edits, err := store.GetFileEdits(ctx, id)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, "src/app.py", edits[0].Path)
	assert.Equal(t, "write", edits[0].Action)
	assert.Equal(t, "+print(1)\n", edits[0].Diff)
	assert.False(t, edits[0].CreatedAt.IsZero())
}

func TestSummariesLatestWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("s", true)
	require.NoError(t, err)

	none, err := store.LatestSummary(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, store.SaveSummary(ctx, id, "first pass", 10))
	require.NoError(t, store.SaveSummary(ctx, id, "second pass", 20))

	latest, err := store.LatestSummary(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "second pass", latest.Content)
	assert.Equal(t, int64(20), latest.CoveredUntil)
}

func TestUsageAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("u", true)
	require.NoError(t, err)

	require.NoError(t, store.SaveUsage(ctx, id, Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, Events: 5}))
	require.NoError(t, store.SaveUsage(ctx, id, Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, Events: 3}))

	total, err := store.TotalUsage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 150, total.PromptTokens)
	assert.Equal(t, 30, total.CompletionTokens)
	assert.Equal(t, 180, total.TotalTokens)
	assert.Equal(t, 8, total.Events)
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("sess", true)
	require.NoError(t, err)

	// First use creates session_1.
	name, err := store.ActiveSession(id)
	require.NoError(t, err)
	assert.Equal(t, "session_1", name)

	require.NoError(t, store.CloseSession(id, "session_1", "merged", "deadbeef"))
	require.NoError(t, store.CreateSession(id, "session_2"))

	name, err = store.ActiveSession(id)
	require.NoError(t, err)
	assert.Equal(t, "session_2", name)

	records, err := store.ListSessions(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "merged", records[0].Status)
	assert.Equal(t, "deadbeef", records[0].MergeCommit)
	require.NotNil(t, records[0].ClosedAt)
	assert.WithinDuration(t, time.Now().UTC(), *records[0].ClosedAt, time.Minute)
	assert.Equal(t, "active", records[1].Status)

	active, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "session_2", active.Name)
}

func TestDeleteDialogDataPurgesRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.CreateDialog("purge", true)
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, &Message{DialogID: id, Role: "user", Content: "hi"})
	require.NoError(t, err)
	_, err = store.SaveToolResult(ctx, id, "call_1", "read_file", "success", "x")
	require.NoError(t, err)
	require.NoError(t, store.SaveSummary(ctx, id, "s", 1))

	require.NoError(t, store.DeleteDialogData(ctx, id))

	messages, err := store.GetMessages(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
	metas, err := store.ListToolResults(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, metas)
	latest, err := store.LatestSummary(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, latest)
}
