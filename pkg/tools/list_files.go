package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

type ListFilesTool struct {
	tc *ToolContext
}

func NewListFilesTool(tc *ToolContext) *ListFilesTool {
	return &ListFilesTool{tc: tc}
}

func (t *ListFilesTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "list_files",
		Description: t.GetDescription(),
		Kind:        KindRead,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Directory to list, relative to the project directory", Required: true},
			{Name: "recursive", Type: "boolean", Description: "List recursively if true", Required: false, Default: false},
			{Name: "hidden_files", Type: "boolean", Description: "Include hidden (dot-prefixed) entries if true", Required: false, Default: false},
		},
	}
}

func (t *ListFilesTool) GetName() string { return "list_files" }

func (t *ListFilesTool) GetDescription() string {
	return "List files and directories under a path. Hidden entries are excluded unless hidden_files is true."
}

func hiddenSegment(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	abs, rel, err := t.tc.resolvePath(stringArg(args, "path"))
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}
	recursive := boolArg(args, "recursive")
	includeHidden := boolArg(args, "hidden_files")

	info, err := os.Stat(abs)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.NotFound("path does not exist: %s", rel)), nil
	}
	if !info.IsDir() {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("path is not a directory: %s", rel)), nil
	}

	maxEntries := t.tc.Config.MaxListEntries
	var items []string
	truncated := false

	appendEntry := func(entryRel string, d fs.DirEntry) bool {
		if maxEntries > 0 && len(items) >= maxEntries {
			truncated = true
			return false
		}
		name := entryRel
		if d.IsDir() {
			name += "/"
		}
		items = append(items, name)
		return true
	}

	if recursive {
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			entryRel, relErr := filepath.Rel(abs, path)
			if relErr != nil || entryRel == "." {
				return nil
			}
			entryRel = filepath.ToSlash(entryRel)
			if versioning.IsIgnored(entryRel, versioning.DefaultExcludes) ||
				(!includeHidden && hiddenSegment(entryRel)) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !appendEntry(entryRel, d) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return errorResult(t.GetName(), start,
				agenterrors.Wrap(agenterrors.CodeException, err, "failed to walk directory")), nil
		}
	} else {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return errorResult(t.GetName(), start,
				agenterrors.Wrap(agenterrors.CodeException, err, "failed to read directory")), nil
		}
		for _, d := range entries {
			name := d.Name()
			if versioning.IsIgnored(name, versioning.DefaultExcludes) ||
				(!includeHidden && strings.HasPrefix(name, ".")) {
				continue
			}
			if !appendEntry(name, d) {
				break
			}
		}
	}

	sort.Strings(items)
	content := strings.Join(items, "\n")
	if truncated {
		content += "\n... (truncated)"
	}

	return ToolResult{
		Success:       true,
		Content:       content,
		Summary:       fmt.Sprintf("%s: %d items", rel, len(items)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"path":      rel,
			"count":     len(items),
			"truncated": truncated,
		},
	}, nil
}
