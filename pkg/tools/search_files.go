package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

const (
	maxFilesToScan  = 2000
	maxSearchedSize = 10 * 1024 * 1024
)

type SearchFilesTool struct {
	tc *ToolContext
}

func NewSearchFilesTool(tc *ToolContext) *SearchFilesTool {
	return &SearchFilesTool{tc: tc}
}

func (t *SearchFilesTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "search_files",
		Description: t.GetDescription(),
		Kind:        KindRead,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Directory to search, relative to the project directory", Required: true},
			{Name: "regex", Type: "string", Description: "Regular expression to match against lines", Required: true},
			{Name: "file_pattern", Type: "string", Description: "Glob to filter file names (e.g. *.go)", Required: false},
		},
	}
}

func (t *SearchFilesTool) GetName() string { return "search_files" }

func (t *SearchFilesTool) GetDescription() string {
	return "Regex search across files in a directory, returning matches with context lines."
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	abs, rel, err := t.tc.resolvePath(stringArg(args, "path"))
	if err != nil {
		return errorResult(t.GetName(), start, err), nil
	}
	pattern := stringArg(args, "regex")
	if pattern == "" {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("regex parameter is required")), nil
	}
	filePattern := stringArg(args, "file_pattern")

	info, err := os.Stat(abs)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.NotFound("path does not exist: %s", rel)), nil
	}
	if !info.IsDir() {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("path is not a directory: %s", rel)), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Validation("invalid regex pattern: %v", err)), nil
	}

	maxMatches := t.tc.Config.MaxSearchMatches
	if maxMatches <= 0 {
		maxMatches = 200
	}

	var sb strings.Builder
	matches := 0
	filesScanned := 0
	filesWithMatches := map[string]bool{}

	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if matches >= maxMatches || filesScanned >= maxFilesToScan {
			return filepath.SkipAll
		}
		entryRel, relErr := filepath.Rel(abs, path)
		if relErr != nil || entryRel == "." {
			return nil
		}
		entryRel = filepath.ToSlash(entryRel)
		if versioning.IsIgnored(entryRel, versioning.DefaultExcludes) || hiddenSegment(entryRel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if filePattern != "" {
			if ok, _ := filepath.Match(filePattern, filepath.Base(path)); !ok {
				return nil
			}
		}
		fileInfo, err := d.Info()
		if err != nil || fileInfo.Size() > maxSearchedSize {
			return nil
		}

		filesScanned++
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			if matches >= maxMatches {
				break
			}
			if !re.MatchString(line) {
				continue
			}
			ctxStart := i - 2
			if ctxStart < 0 {
				ctxStart = 0
			}
			ctxEnd := i + 3
			if ctxEnd > len(lines) {
				ctxEnd = len(lines)
			}
			fileRel := entryRel
			if rel != "." {
				fileRel = rel + "/" + entryRel
			}
			fmt.Fprintf(&sb, "%s:%d\n%s\n---\n", fileRel, i+1, strings.Join(lines[ctxStart:ctxEnd], "\n"))
			matches++
			filesWithMatches[entryRel] = true
		}
		return nil
	})
	if walkErr != nil {
		return errorResult(t.GetName(), start,
			agenterrors.Wrap(agenterrors.CodeException, walkErr, "search failed")), nil
	}

	return ToolResult{
		Success:       true,
		Content:       sb.String(),
		Summary:       fmt.Sprintf("Found %d matches in %d files", matches, len(filesWithMatches)),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"path":    rel,
			"regex":   pattern,
			"matches": matches,
			"files":   len(filesWithMatches),
		},
	}, nil
}
