package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
)

type RunCommandTool struct {
	tc *ToolContext
}

func NewRunCommandTool(tc *ToolContext) *RunCommandTool {
	return &RunCommandTool{tc: tc}
}

func (t *RunCommandTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "run_command",
		Description: t.GetDescription(),
		Kind:        KindCommand,
		Parameters: []ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to execute (supports pipes, redirects, etc.)", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the project directory (optional)", Required: false},
			{Name: "timeout", Type: "integer", Description: "Timeout in seconds (optional, capped by server config)", Required: false},
		},
	}
}

func (t *RunCommandTool) GetName() string { return "run_command" }

func (t *RunCommandTool) GetDescription() string {
	return "Execute a shell command inside the project directory with a bounded timeout."
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	command := stringArg(args, "command")
	if command == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("command parameter is required")), nil
	}

	workDir := t.tc.Workdir
	if cwd := stringArg(args, "cwd"); cwd != "" {
		abs, _, err := t.tc.resolvePath(cwd)
		if err != nil {
			return errorResult(t.GetName(), start, err), nil
		}
		workDir = abs
	}

	timeout := time.Duration(t.tc.Config.CommandTimeoutSeconds) * time.Second
	if requested := intArg(args, "timeout", 0); requested > 0 &&
		time.Duration(requested)*time.Second < timeout {
		timeout = time.Duration(requested) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()

	output := buf.Bytes()
	outputTruncated := false
	if maxBytes := t.tc.Config.MaxOutputBytes; maxBytes > 0 && len(output) > maxBytes {
		output = output[:maxBytes]
		outputTruncated = true
	}
	content := string(output)
	if outputTruncated {
		content += "\n... (output truncated)"
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return errorResult(t.GetName(), start, agenterrors.New(agenterrors.CodeTimeout,
				"command timed out after %s", timeout)), nil
		case errors.Is(ctx.Err(), context.Canceled):
			return errorResult(t.GetName(), start,
				agenterrors.New(agenterrors.CodeCancelled, "command cancelled")), nil
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return errorResult(t.GetName(), start,
				agenterrors.Wrap(agenterrors.CodeExecFailed, runErr, "command failed to start")), nil
		}
	}

	result := ToolResult{
		Success:       exitCode == 0,
		Content:       content,
		Summary:       fmt.Sprintf("Exit %d, %d chars", exitCode, len(content)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"command":   command,
			"cwd":       workDir,
			"exit_code": exitCode,
			"truncated": outputTruncated,
		},
	}
	if exitCode != 0 {
		result.Error = fmt.Sprintf("command exited with code %d", exitCode)
		result.ErrorCode = agenterrors.CodeExecFailed
	}
	return result, nil
}
