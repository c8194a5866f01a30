package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/tools"
)

// maxParallelTools bounds concurrent tool invocations in one batch.
const maxParallelTools = 4

// CallResult pairs a tool call with its structured outcome.
type CallResult struct {
	Call   *llms.ToolCall
	Result tools.ToolResult
}

// Executor runs the tool calls of one assistant message. Read-only
// tools run in parallel; file-mutating tools serialize per path;
// commands serialize against the whole workdir.
type Executor struct {
	registry *tools.Registry

	pathMu    sync.Mutex
	pathLocks map[string]*sync.Mutex
	commandMu sync.Mutex
}

// NewExecutor creates an executor over a tool registry.
func NewExecutor(registry *tools.Registry) *Executor {
	return &Executor{
		registry:  registry,
		pathLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Executor) pathLock(path string) *sync.Mutex {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	lock, ok := e.pathLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		e.pathLocks[path] = lock
	}
	return lock
}

// ExecuteBatch runs a batch of tool calls. tool_call events are emitted
// up front in the order the model produced them; file_edit events for
// successful mutations follow in that same order. Results come back in
// call order. Failures are folded into results, never returned as errors.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []*llms.ToolCall, emit EmitFunc) ([]CallResult, error) {
	for _, call := range calls {
		args, _ := json.Marshal(call.Args)
		if err := emit(Event{
			Type:       EventToolCall,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       args,
		}); err != nil {
			return nil, err
		}
	}

	results := make([]CallResult, len(calls))

	g := &errgroup.Group{}
	g.SetLimit(maxParallelTools)

	for i, call := range calls {
		g.Go(func() error {
			results[i] = CallResult{Call: call, Result: e.executeOne(ctx, call)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	// file_edit events follow call order, not completion order, so the
	// stream is deterministic under parallel dispatch.
	for _, res := range results {
		if path, _, diff, ok := tools.FileEditFromResult(res.Result); ok && res.Result.Success {
			if err := emit(Event{Type: EventFileEdit, File: path, Diff: diff}); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, call *llms.ToolCall) tools.ToolResult {
	start := time.Now()

	if call.ArgsError != "" {
		return tools.ToolResult{
			Success:   false,
			Error:     call.ArgsError,
			ErrorCode: agenterrors.CodeValidation,
			ToolName:  call.Name,
		}
	}

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		return tools.ToolResult{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: agenterrors.CodeNotFound,
			ToolName:  call.Name,
		}
	}

	switch e.registry.Kind(call.Name) {
	case tools.KindMutate:
		if path, ok := call.Args["path"].(string); ok && path != "" {
			lock := e.pathLock(path)
			lock.Lock()
			defer lock.Unlock()
		}
	case tools.KindCommand:
		e.commandMu.Lock()
		defer e.commandMu.Unlock()
	}

	if ctx.Err() != nil {
		return cancelledResult(call.Name, start)
	}

	result, err := tool.Execute(ctx, call.Args)
	if err != nil {
		// Tools fold failures into their result; an error here is a bug
		// in the tool itself.
		logger.Error("Tool raised instead of returning a result",
			"tool", call.Name, "error", err)
		code := agenterrors.CodeOf(err)
		if ctx.Err() != nil {
			code = agenterrors.CodeCancelled
		}
		return tools.ToolResult{
			Success:       false,
			Error:         err.Error(),
			ErrorCode:     code,
			ToolName:      call.Name,
			ExecutionTime: time.Since(start),
		}
	}
	return result
}

func cancelledResult(toolName string, start time.Time) tools.ToolResult {
	return tools.ToolResult{
		Success:       false,
		Error:         "tool call cancelled",
		ErrorCode:     agenterrors.CodeCancelled,
		ToolName:      toolName,
		ExecutionTime: time.Since(start),
	}
}
