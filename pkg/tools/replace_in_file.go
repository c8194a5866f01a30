package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

const (
	searchMarker  = "------- SEARCH"
	divideMarker  = "======="
	replaceMarker = "+++++++ REPLACE"
)

type ReplaceInFileTool struct {
	tc *ToolContext
}

func NewReplaceInFileTool(tc *ToolContext) *ReplaceInFileTool {
	return &ReplaceInFileTool{tc: tc}
}

func (t *ReplaceInFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "replace_in_file",
		Description: t.GetDescription(),
		Kind:        KindMutate,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the project directory", Required: true},
			{Name: "diff", Type: "string", Description: "One or more SEARCH/REPLACE blocks:\n------- SEARCH\nexact existing text\n=======\nreplacement text\n+++++++ REPLACE", Required: true},
		},
	}
}

func (t *ReplaceInFileTool) GetName() string { return "replace_in_file" }

func (t *ReplaceInFileTool) GetDescription() string {
	return "Apply exact-match SEARCH/REPLACE blocks to a file. All blocks must match or nothing is changed."
}

type replaceBlock struct {
	search  string
	replace string
}

// parseBlocks splits a diff payload into SEARCH/REPLACE pairs.
func parseBlocks(diff string) ([]replaceBlock, error) {
	var blocks []replaceBlock
	lines := strings.Split(diff, "\n")

	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) != searchMarker {
			i++
			continue
		}
		i++
		var search []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != divideMarker {
			search = append(search, lines[i])
			i++
		}
		if i >= len(lines) {
			return nil, agenterrors.Validation("malformed diff: SEARCH block without ======= divider")
		}
		i++
		var replace []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != replaceMarker {
			replace = append(replace, lines[i])
			i++
		}
		if i >= len(lines) {
			return nil, agenterrors.Validation("malformed diff: block without +++++++ REPLACE terminator")
		}
		i++
		blocks = append(blocks, replaceBlock{
			search:  strings.Join(search, "\n"),
			replace: strings.Join(replace, "\n"),
		})
	}

	if len(blocks) == 0 {
		return nil, agenterrors.Validation("diff contains no SEARCH/REPLACE blocks")
	}
	return blocks, nil
}

func (t *ReplaceInFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	abs, rel, err := t.tc.resolvePath(stringArg(args, "path"))
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}
	diffArg := stringArg(args, "diff")
	if diffArg == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("diff parameter is required")), nil
	}

	blocks, err := parseBlocks(diffArg)
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}

	before, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.NotFound("file does not exist: %s", rel)), nil
	}

	// All blocks must apply before anything is written.
	content := string(before)
	for i, block := range blocks {
		if !strings.Contains(content, block.search) {
			return errorResult(t.GetName(), start, agenterrors.Validation(
				"block %d: search text not found in %s", i+1, rel)), nil
		}
		content = strings.Replace(content, block.search, block.replace, 1)
	}

	t.tc.Tracker.StartEdit([]string{rel})
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.tc.Tracker.AbortEdit()
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, err, "failed to write file")), nil
	}
	t.tc.Tracker.FinalizeEdit()

	diff := versioning.UnifiedDiff(rel, before, []byte(content))
	checkpoint := recordMutation(ctx, t.tc, rel, "replace", fmt.Sprintf("replace_in_file: %s", rel))

	return ToolResult{
		Success:       true,
		Content:       fmt.Sprintf("Applied %d replacement(s) to %s", len(blocks), rel),
		Summary:       fmt.Sprintf("%s: %d replacement(s)", rel, len(blocks)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"file":       abs,
			"path":       rel,
			"action":     "replace",
			"diff":       diff,
			"checkpoint": checkpoint,
		},
	}, nil
}
