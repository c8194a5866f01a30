package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/tools"
)

// fakeTool is a scriptable tool for executor tests.
type fakeTool struct {
	name    string
	kind    string
	execute func(ctx context.Context, args map[string]any) (tools.ToolResult, error)
}

func (f *fakeTool) GetName() string        { return f.name }
func (f *fakeTool) GetDescription() string { return "fake " + f.name }
func (f *fakeTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: f.name, Description: f.GetDescription(), Kind: f.kind}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	return f.execute(ctx, args)
}

func newTestExecutor(t *testing.T, fakes ...*fakeTool) *Executor {
	t.Helper()
	tc := &tools.ToolContext{Workdir: t.TempDir(), Config: &config.ToolsConfig{}}
	registry := tools.NewRegistry(tc)
	for _, f := range fakes {
		registry.Register(f)
	}
	return NewExecutor(registry)
}

func collectEvents(events *[]Event) EmitFunc {
	return func(ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestExecuteBatchEmitsToolCallsInOrder(t *testing.T) {
	echo := &fakeTool{
		name: "echo",
		kind: tools.KindRead,
		execute: func(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
			text, _ := args["text"].(string)
			return tools.ToolResult{Success: true, Content: text, ToolName: "echo"}, nil
		},
	}
	exec := newTestExecutor(t, echo)

	calls := []*llms.ToolCall{
		{ID: "call_1", Name: "echo", Args: map[string]any{"text": "first"}},
		{ID: "call_2", Name: "echo", Args: map[string]any{"text": "second"}},
	}

	var events []Event
	results, err := exec.ExecuteBatch(context.Background(), calls, collectEvents(&events))
	require.NoError(t, err)
	require.Len(t, results, 2)

	// tool_call events come first, in model order, before any result.
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, "call_1", events[0].ToolCallID)
	assert.Equal(t, EventToolCall, events[1].Type)
	assert.Equal(t, "call_2", events[1].ToolCallID)

	// Results align with call order regardless of completion order.
	assert.Equal(t, "first", results[0].Result.Content)
	assert.Equal(t, "second", results[1].Result.Content)
	assert.True(t, results[0].Result.Success)
}

func TestExecuteBatchArgsErrorBecomesValidationResult(t *testing.T) {
	exec := newTestExecutor(t)

	calls := []*llms.ToolCall{
		{ID: "call_1", Name: "read_file", Args: map[string]any{}, ArgsError: "unexpected end of JSON input"},
	}

	var events []Event
	results, err := exec.ExecuteBatch(context.Background(), calls, collectEvents(&events))
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0].Result
	assert.False(t, result.Success)
	assert.Equal(t, agenterrors.CodeValidation, result.ErrorCode)
	assert.Equal(t, "unexpected end of JSON input", result.Error)
}

func TestExecuteBatchUnknownToolIsNotFound(t *testing.T) {
	exec := newTestExecutor(t)

	calls := []*llms.ToolCall{
		{ID: "call_1", Name: "no_such_tool", Args: map[string]any{}},
	}

	var events []Event
	results, err := exec.ExecuteBatch(context.Background(), calls, collectEvents(&events))
	require.NoError(t, err)

	result := results[0].Result
	assert.False(t, result.Success)
	assert.Equal(t, agenterrors.CodeNotFound, result.ErrorCode)
}

func TestExecuteBatchEmitsFileEditForMutations(t *testing.T) {
	writer := &fakeTool{
		name: "write_file",
		kind: tools.KindMutate,
		execute: func(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
			path, _ := args["path"].(string)
			return tools.ToolResult{
				Success:  true,
				Content:  `{"ok":true}`,
				ToolName: "write_file",
				Metadata: map[string]any{"file": path, "action": "write", "diff": "+hello\n"},
			}, nil
		},
	}
	exec := newTestExecutor(t, writer)

	calls := []*llms.ToolCall{
		{ID: "call_1", Name: "write_file", Args: map[string]any{"path": "a.txt"}},
	}

	var events []Event
	_, err := exec.ExecuteBatch(context.Background(), calls, collectEvents(&events))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, EventFileEdit, events[1].Type)
	assert.Equal(t, "a.txt", events[1].File)
	assert.Equal(t, "+hello\n", events[1].Diff)
}

func TestExecuteBatchFileEditsFollowCallOrder(t *testing.T) {
	editor := func(delay time.Duration) func(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
		return func(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
			time.Sleep(delay)
			path, _ := args["path"].(string)
			return tools.ToolResult{
				Success:  true,
				ToolName: "write_file",
				Metadata: map[string]any{"file": path, "action": "write", "diff": "+x\n"},
			}, nil
		}
	}
	// Distinct paths, so the per-path locks do not serialize the pair;
	// the first call finishing last must still report its edit first.
	slow := &fakeTool{name: "slow_write", kind: tools.KindMutate, execute: editor(30 * time.Millisecond)}
	fast := &fakeTool{name: "fast_write", kind: tools.KindMutate, execute: editor(0)}
	exec := newTestExecutor(t, slow, fast)

	calls := []*llms.ToolCall{
		{ID: "c1", Name: "slow_write", Args: map[string]any{"path": "a.txt"}},
		{ID: "c2", Name: "fast_write", Args: map[string]any{"path": "b.txt"}},
	}

	var events []Event
	_, err := exec.ExecuteBatch(context.Background(), calls, collectEvents(&events))
	require.NoError(t, err)

	var edits []string
	for _, ev := range events {
		if ev.Type == EventFileEdit {
			edits = append(edits, ev.File)
		}
	}
	assert.Equal(t, []string{"a.txt", "b.txt"}, edits)
}

func TestExecuteBatchNoFileEditOnFailure(t *testing.T) {
	failing := &fakeTool{
		name: "write_file",
		kind: tools.KindMutate,
		execute: func(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
			return tools.ToolResult{
				Success:   false,
				Error:     "disk full",
				ErrorCode: agenterrors.CodeExecFailed,
				ToolName:  "write_file",
				Metadata:  map[string]any{"file": "a.txt", "action": "write"},
			}, nil
		},
	}
	exec := newTestExecutor(t, failing)

	var events []Event
	_, err := exec.ExecuteBatch(context.Background(),
		[]*llms.ToolCall{{ID: "c", Name: "write_file", Args: map[string]any{"path": "a.txt"}}},
		collectEvents(&events))
	require.NoError(t, err)

	for _, ev := range events {
		assert.NotEqual(t, EventFileEdit, ev.Type)
	}
}

func TestExecuteBatchCommandsSerialize(t *testing.T) {
	var running atomic.Int32
	var overlapped atomic.Bool
	cmd := &fakeTool{
		name: "run_command",
		kind: tools.KindCommand,
		execute: func(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return tools.ToolResult{Success: true, ToolName: "run_command"}, nil
		},
	}
	exec := newTestExecutor(t, cmd)

	calls := []*llms.ToolCall{
		{ID: "c1", Name: "run_command", Args: map[string]any{"command": "ls"}},
		{ID: "c2", Name: "run_command", Args: map[string]any{"command": "pwd"}},
		{ID: "c3", Name: "run_command", Args: map[string]any{"command": "date"}},
	}

	var events []Event
	results, err := exec.ExecuteBatch(context.Background(), calls, collectEvents(&events))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, overlapped.Load(), "command tools must not run concurrently")
}

func TestExecuteBatchCancelledContext(t *testing.T) {
	slow := &fakeTool{
		name: "slow",
		kind: tools.KindRead,
		execute: func(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
			<-ctx.Done()
			return tools.ToolResult{
				Success:   false,
				Error:     "tool call cancelled",
				ErrorCode: agenterrors.CodeCancelled,
				ToolName:  "slow",
			}, nil
		},
	}
	exec := newTestExecutor(t, slow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []Event
	results, err := exec.ExecuteBatch(ctx,
		[]*llms.ToolCall{{ID: "c", Name: "slow", Args: map[string]any{}}},
		collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, agenterrors.CodeCancelled, results[0].Result.ErrorCode)
}
