package versioning

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// maxDiffBaseBytes caps the base content carried with a diff entry.
const maxDiffBaseBytes = 1 << 20

// FileDiff describes one changed file between two tree states.
// BaseContent is omitted for added, binary, or oversized files.
type FileDiff struct {
	Path        string `json:"path"`
	Status      string `json:"status"` // added, modified, deleted
	Additions   int    `json:"additions"`
	Deletions   int    `json:"deletions"`
	Diff        string `json:"diff,omitempty"`
	BaseContent string `json:"base_content,omitempty"`
	Binary      bool   `json:"is_binary,omitempty"`
	TooLarge    bool   `json:"is_too_large,omitempty"`
}

// countDiffLines tallies +/- lines in a unified diff, skipping headers.
func countDiffLines(diff string) (additions, deletions int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

// UnifiedDiff renders a unified diff between two file versions.
func UnifiedDiff(path string, before, after []byte) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

func looksBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 8000 {
		sample = sample[:8000]
	}
	for _, b := range sample {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(sample)
}

// DiffCommits lists the files that differ between two commits, with
// unified diffs for text files.
func (t *Tracker) DiffCommits(baseID, headID string) ([]FileDiff, error) {
	baseFiles, err := t.TreeFiles(baseID)
	if err != nil {
		return nil, err
	}
	headFiles, err := t.TreeFiles(headID)
	if err != nil {
		return nil, err
	}
	return t.diffFileMaps(baseFiles, headFiles)
}

func (t *Tracker) diffFileMaps(baseFiles, headFiles map[string]string) ([]FileDiff, error) {
	paths := map[string]bool{}
	for p := range baseFiles {
		paths[p] = true
	}
	for p := range headFiles {
		paths[p] = true
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var diffs []FileDiff
	for _, path := range sorted {
		baseBlob, inBase := baseFiles[path]
		headBlob, inHead := headFiles[path]
		if inBase && inHead && baseBlob == headBlob {
			continue
		}

		var before, after []byte
		if inBase {
			data, err := t.store.GetBlob(baseBlob)
			if err != nil {
				return nil, err
			}
			before = data
		}
		if inHead {
			data, err := t.store.GetBlob(headBlob)
			if err != nil {
				return nil, err
			}
			after = data
		}

		fd := FileDiff{Path: path}
		switch {
		case !inBase:
			fd.Status = "added"
		case !inHead:
			fd.Status = "deleted"
		default:
			fd.Status = "modified"
		}

		switch {
		case looksBinary(before) || looksBinary(after):
			fd.Binary = true
		case len(before) > maxDiffBaseBytes || len(after) > maxDiffBaseBytes:
			fd.TooLarge = true
		default:
			fd.Diff = UnifiedDiff(path, before, after)
			fd.Additions, fd.Deletions = countDiffLines(fd.Diff)
			if fd.Status != "added" {
				fd.BaseContent = string(before)
			}
		}
		diffs = append(diffs, fd)
	}
	return diffs, nil
}

// StagedFiles diffs the approved main head against the working
// directory as the next checkpoint would capture it: committed but
// unapproved session changes, staged force-adds, and edits made by
// commands outside the tool layer all show up here. The deletion of a
// file that exists in main is reported even when nothing committed it.
func (t *Tracker) StagedFiles() ([]FileDiff, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mainHead := t.ReadRef(MainBranch)
	if mainHead == "" {
		return nil, nil
	}
	baseFiles, err := t.TreeFiles(mainHead)
	if err != nil {
		return nil, err
	}

	workTree, err := t.buildTreeFromWorkdir()
	if err != nil {
		return nil, err
	}
	workFiles := map[string]string{}
	if err := t.collectTreeFiles(workTree, "", workFiles); err != nil {
		return nil, err
	}

	return t.diffFileMaps(baseFiles, workFiles)
}

// SummarizeDiff trims a unified diff for event payloads, keeping whole
// lines up to maxChars.
func SummarizeDiff(diff string, maxChars int) string {
	if len(diff) <= maxChars {
		return diff
	}
	cut := diff[:maxChars]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "\n... (truncated)"
}
