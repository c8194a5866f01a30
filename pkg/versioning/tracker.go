package versioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentsmithy/agentsmithy/pkg/logger"
)

// MainBranch is the approved line of history.
const MainBranch = "main"

// CheckpointInfo identifies one checkpoint.
type CheckpointInfo struct {
	CommitID string `json:"commit_id"`
	Message  string `json:"message"`
}

// SessionStore persists session lifecycle records. The dialog store
// implements it; the tracker only needs these four operations.
type SessionStore interface {
	ActiveSession(dialogID string) (string, error)
	CreateSession(dialogID, name string) error
	CloseSession(dialogID, name, status, mergeCommit string) error
	UpdateBranchHead(dialogID, branch, commitID string) error
}

// Tracker versions one dialog's view of the project.
//
// Each dialog owns a shadow repository under
// {root}/.agentsmithy/dialogs/{dialog_id}/checkpoints/. Work happens on
// numbered session branches; main only advances on approval.
type Tracker struct {
	projectRoot string
	dialogID    string
	shadowRoot  string
	store       *Store
	sessions    SessionStore

	mu              sync.Mutex
	preEdit         map[string][]byte
	preEditMissing  map[string]bool
	txActive        bool
	txFiles         []string
	txMessageParts  []string
	ignoreOverrides []string // test hook, nil in production
}

// NewTracker creates a tracker for a dialog. sessions may be nil, in
// which case the active session defaults to session_1 and lifecycle
// records are skipped.
func NewTracker(projectRoot, dialogID string, sessions SessionStore) (*Tracker, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}
	shadow := filepath.Join(root, ".agentsmithy", "dialogs", dialogID, "checkpoints")
	t := &Tracker{
		projectRoot:    root,
		dialogID:       dialogID,
		shadowRoot:     shadow,
		store:          NewStore(filepath.Join(shadow, "objects")),
		sessions:       sessions,
		preEdit:        make(map[string][]byte),
		preEditMissing: make(map[string]bool),
	}
	if err := t.ensureLayout(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) ensureLayout() error {
	for _, dir := range []string{
		filepath.Join(t.shadowRoot, "objects"),
		filepath.Join(t.shadowRoot, "refs", "heads"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create checkpoint layout: %w", err)
		}
	}
	return nil
}

// ---- refs ----

func (t *Tracker) refPath(name string) string {
	return filepath.Join(t.shadowRoot, "refs", "heads", name)
}

// ReadRef returns the commit a branch points at, or "" if unset.
func (t *Tracker) ReadRef(name string) string {
	data, err := os.ReadFile(t.refPath(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WriteRef points a branch at a commit.
func (t *Tracker) WriteRef(name, commitID string) error {
	if err := os.MkdirAll(filepath.Dir(t.refPath(name)), 0755); err != nil {
		return err
	}
	tmp := t.refPath(name) + ".tmp"
	if err := os.WriteFile(tmp, []byte(commitID+"\n"), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, t.refPath(name))
}

func (t *Tracker) headPath() string {
	return filepath.Join(t.shadowRoot, "HEAD")
}

func (t *Tracker) writeHEAD(branch string) error {
	return os.WriteFile(t.headPath(), []byte("ref: refs/heads/"+branch+"\n"), 0644)
}

// ActiveSession returns the current session branch name.
func (t *Tracker) ActiveSession() string {
	if t.sessions != nil && t.dialogID != "" {
		if name, err := t.sessions.ActiveSession(t.dialogID); err == nil && name != "" {
			return name
		}
	}
	return "session_1"
}

// ---- ignore patterns ----

func (t *Tracker) ignorePatterns() []string {
	if t.ignoreOverrides != nil {
		return t.ignoreOverrides
	}
	patterns := LoadGitignorePatterns(filepath.Join(t.projectRoot, ".gitignore"))
	return append(patterns, DefaultExcludes...)
}

// ---- tree building ----

type workFile struct {
	absPath string
	relPath string
}

func (t *Tracker) collectWorkdirFiles(patterns []string) ([]workFile, error) {
	var files []workFile
	err := filepath.WalkDir(t.projectRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if p == t.projectRoot {
			return nil
		}
		rel, err := filepath.Rel(t.projectRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if IsIgnored(rel, patterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if IsIgnored(rel, patterns) {
			return nil
		}
		files = append(files, workFile{absPath: p, relPath: rel})
		return nil
	})
	return files, err
}

// buildTreeFromWorkdir snapshots the working directory into tree objects
// and returns the root tree id. File reads and blob writes run on a
// bounded worker pool.
func (t *Tracker) buildTreeFromWorkdir() (string, error) {
	patterns := t.ignorePatterns()
	files, err := t.collectWorkdirFiles(patterns)
	if err != nil {
		return "", fmt.Errorf("failed to scan workdir: %w", err)
	}

	// Staged paths override the ignore rules: a file the agent wrote
	// into an ignored directory still belongs in the snapshot.
	inWalk := make(map[string]bool, len(files))
	for _, f := range files {
		inWalk[f.relPath] = true
	}
	for rel := range t.loadTrackedFiles() {
		if inWalk[rel] || !IsIgnored(rel, patterns) {
			continue
		}
		abs := filepath.Join(t.projectRoot, filepath.FromSlash(rel))
		if info, err := os.Stat(abs); err == nil && info.Mode().IsRegular() {
			files = append(files, workFile{absPath: abs, relPath: rel})
		}
	}

	type blobResult struct {
		relPath string
		blobID  string
	}

	results := make([]blobResult, len(files))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU() * 2)

	for i, f := range files {
		g.Go(func() error {
			content, err := os.ReadFile(f.absPath)
			if err != nil {
				// File vanished or unreadable mid-walk; leave it out.
				return nil
			}
			id, err := t.store.Put(TypeBlob, content)
			if err != nil {
				return err
			}
			results[i] = blobResult{relPath: f.relPath, blobID: id}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	// Group blobs into per-directory entry lists, then hash trees
	// bottom-up so parents embed their children's ids.
	dirEntries := map[string][]TreeEntry{"": nil}
	for _, r := range results {
		if r.blobID == "" {
			continue
		}
		dir, name := splitDir(r.relPath)
		dirEntries[dir] = append(dirEntries[dir], TreeEntry{Mode: FileMode, Name: name, ID: r.blobID})
		for d := dir; d != ""; {
			parent, _ := splitDir(d)
			if _, ok := dirEntries[parent]; !ok {
				dirEntries[parent] = nil
			}
			if _, ok := dirEntries[d]; !ok {
				dirEntries[d] = nil
			}
			d = parent
		}
	}

	dirs := make([]string, 0, len(dirEntries))
	for d := range dirEntries {
		dirs = append(dirs, d)
	}
	// Deepest directories first so parents can embed child tree ids.
	sort.Slice(dirs, func(i, j int) bool { return depth(dirs[i]) > depth(dirs[j]) })

	treeIDs := make(map[string]string)
	for _, dir := range dirs {
		entries := dirEntries[dir]
		// Attach already-hashed child trees
		for child, id := range treeIDs {
			parent, name := splitDir(child)
			if parent == dir && child != "" {
				entries = append(entries, TreeEntry{Mode: DirMode, Name: name, ID: id})
			}
		}
		id, err := t.store.PutTree(entries)
		if err != nil {
			return "", err
		}
		treeIDs[dir] = id
	}

	return treeIDs[""], nil
}

func splitDir(rel string) (dir, name string) {
	idx := strings.LastIndex(rel, "/")
	if idx < 0 {
		return "", rel
	}
	return rel[:idx], rel[idx+1:]
}

func depth(dir string) int {
	if dir == "" {
		return 0
	}
	return strings.Count(dir, "/") + 1
}

// ---- checkpoints ----

// CreateCheckpoint snapshots the project and commits it on the active
// session branch.
func (t *Tracker) CreateCheckpoint(message string) (CheckpointInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createCheckpointLocked(message)
}

func (t *Tracker) createCheckpointLocked(message string) (CheckpointInfo, error) {
	session := t.ActiveSession()

	treeID, err := t.buildTreeFromWorkdir()
	if err != nil {
		return CheckpointInfo{}, err
	}

	var parents []string
	if head := t.ReadRef(session); head != "" {
		parents = []string{head}
	} else if mainHead := t.ReadRef(MainBranch); mainHead != "" {
		parents = []string{mainHead}
	}

	commitID, err := t.store.PutCommit(&Commit{
		Tree:    treeID,
		Parents: parents,
		Message: message,
	})
	if err != nil {
		return CheckpointInfo{}, err
	}

	if err := t.WriteRef(session, commitID); err != nil {
		return CheckpointInfo{}, err
	}
	// First commit ever also seeds main.
	if len(parents) == 0 && t.ReadRef(MainBranch) == "" {
		if err := t.WriteRef(MainBranch, commitID); err != nil {
			return CheckpointInfo{}, err
		}
	}
	if err := t.writeHEAD(session); err != nil {
		return CheckpointInfo{}, err
	}

	t.recordMetadata(commitID, message)
	logger.Debug("Checkpoint created",
		"dialog", t.dialogID, "session", session, "commit", shortID(commitID))
	return CheckpointInfo{CommitID: commitID, Message: message}, nil
}

// ListCheckpoints returns the active session's history, oldest first.
func (t *Tracker) ListCheckpoints() ([]CheckpointInfo, error) {
	session := t.ActiveSession()
	head := t.ReadRef(session)
	if head == "" {
		head = t.ReadRef(MainBranch)
	}
	if head == "" {
		return nil, nil
	}

	metadata := t.loadMetadata()
	var checkpoints []CheckpointInfo
	visited := map[string]bool{}
	queue := []string{head}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		commit, err := t.store.GetCommit(id)
		if err != nil {
			continue
		}
		message := commit.Message
		if meta, ok := metadata[id]; ok && meta.Message != "" {
			message = meta.Message
		}
		checkpoints = append(checkpoints, CheckpointInfo{CommitID: id, Message: message})
		queue = append(queue, commit.Parents...)
	}

	// Walk order is newest first; flip to chronological.
	for i, j := 0, len(checkpoints)-1; i < j; i, j = i+1, j-1 {
		checkpoints[i], checkpoints[j] = checkpoints[j], checkpoints[i]
	}
	return checkpoints, nil
}

// collectTreeFiles maps every file path in a tree to its blob id.
func (t *Tracker) collectTreeFiles(treeID, prefix string, out map[string]string) error {
	entries, err := t.store.GetTree(treeID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		if e.IsDir() {
			if err := t.collectTreeFiles(e.ID, full, out); err != nil {
				return err
			}
		} else {
			out[full] = e.ID
		}
	}
	return nil
}

// TreeFiles returns path -> blob id for a commit's tree.
func (t *Tracker) TreeFiles(commitID string) (map[string]string, error) {
	commit, err := t.store.GetCommit(commitID)
	if err != nil {
		return nil, err
	}
	files := map[string]string{}
	if err := t.collectTreeFiles(commit.Tree, "", files); err != nil {
		return nil, err
	}
	return files, nil
}

// RestoreCheckpoint writes a checkpoint's files over the working
// directory. Best-effort: files that cannot be written are skipped and
// logged. Files the agent touched that are absent from the target are
// deleted. A fresh checkpoint is cut afterwards so the restore itself
// can be undone. Returns the restored paths and the new checkpoint.
func (t *Tracker) RestoreCheckpoint(commitID string) ([]string, *CheckpointInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	checkpointFiles, err := t.TreeFiles(commitID)
	if err != nil {
		return nil, nil, err
	}

	// Only delete files the agent is known to have touched, never the
	// user's own untracked work.
	tracked := t.loadTrackedFiles()
	deleted := 0
	for path := range tracked {
		if _, inTarget := checkpointFiles[path]; inTarget {
			continue
		}
		target := filepath.Join(t.projectRoot, filepath.FromSlash(path))
		if err := os.Remove(target); err == nil {
			deleted++
		}
	}

	var restored []string
	skipped := 0
	for path, blobID := range checkpointFiles {
		content, err := t.store.GetBlob(blobID)
		if err != nil {
			skipped++
			continue
		}
		target := filepath.Join(t.projectRoot, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			skipped++
			continue
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			skipped++
			logger.Debug("Skipped file during restore", "file", target, "error", err)
			continue
		}
		restored = append(restored, path)
	}
	sort.Strings(restored)

	// Prune directories the deletions emptied out.
	t.pruneEmptyDirs()

	info, err := t.createCheckpointLocked("Restored to " + shortID(commitID))
	if err != nil {
		logger.Warn("Failed to checkpoint after restore", "error", err)
		logger.Info("Checkpoint restore completed",
			"commit", shortID(commitID), "restored", len(restored), "deleted", deleted, "skipped", skipped)
		return restored, nil, nil
	}

	logger.Info("Checkpoint restore completed",
		"commit", shortID(commitID), "restored", len(restored), "deleted", deleted, "skipped", skipped)
	return restored, &info, nil
}

// pruneEmptyDirs removes directories left empty by restore deletions.
// The state directory and anything ignored stay untouched.
func (t *Tracker) pruneEmptyDirs() {
	patterns := t.ignorePatterns()
	var dirs []string
	_ = filepath.WalkDir(t.projectRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == t.projectRoot {
			return nil
		}
		rel, relErr := filepath.Rel(t.projectRoot, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if IsIgnored(rel, patterns) {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		return nil
	})
	// Deepest first so nested empties cascade upward.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
}

// HasUncommittedChanges compares the working directory against the
// active session head.
func (t *Tracker) HasUncommittedChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasUncommittedChangesLocked()
}

// ---- metadata ----

type checkpointMeta struct {
	Message string `json:"message"`
}

func (t *Tracker) metadataPath() string {
	return filepath.Join(t.shadowRoot, "metadata.json")
}

func (t *Tracker) loadMetadata() map[string]checkpointMeta {
	data, err := os.ReadFile(t.metadataPath())
	if err != nil {
		return map[string]checkpointMeta{}
	}
	var meta map[string]checkpointMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return map[string]checkpointMeta{}
	}
	return meta
}

func (t *Tracker) recordMetadata(commitID, message string) {
	meta := t.loadMetadata()
	meta[commitID] = checkpointMeta{Message: message}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(t.metadataPath(), data, 0644)
}

// ---- tracked files ----

func (t *Tracker) trackedFilesPath() string {
	return filepath.Join(filepath.Dir(t.shadowRoot), "tracked_files.json")
}

func (t *Tracker) loadTrackedFiles() map[string]bool {
	data, err := os.ReadFile(t.trackedFilesPath())
	if err != nil {
		return map[string]bool{}
	}
	var doc struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(doc.Files))
	for _, f := range doc.Files {
		out[f] = true
	}
	return out
}

func (t *Tracker) saveTrackedFiles(files map[string]bool) {
	list := make([]string, 0, len(files))
	for f := range files {
		list = append(list, f)
	}
	sort.Strings(list)
	data, err := json.MarshalIndent(map[string][]string{"files": list}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.trackedFilesPath()), 0755); err != nil {
		return
	}
	_ = os.WriteFile(t.trackedFilesPath(), data, 0644)
}

// StageFile marks a file as agent-touched. Restore may delete staged
// files absent from the target checkpoint.
func (t *Tracker) StageFile(relPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked := t.loadTrackedFiles()
	tracked[filepath.ToSlash(relPath)] = true
	t.saveTrackedFiles(tracked)
}

// StageFileDeletion drops a deleted file from the agent-touched set so
// restore no longer considers it.
func (t *Tracker) StageFileDeletion(relPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked := t.loadTrackedFiles()
	delete(tracked, filepath.ToSlash(relPath))
	t.saveTrackedFiles(tracked)
}

// ---- edit staging ----

// StartEdit snapshots the pre-images of files about to be modified so a
// failed tool call can roll them back.
func (t *Tracker) StartEdit(relPaths []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preEdit = make(map[string][]byte)
	t.preEditMissing = make(map[string]bool)
	for _, rel := range relPaths {
		abs := filepath.Join(t.projectRoot, filepath.FromSlash(rel))
		content, err := os.ReadFile(abs)
		if err != nil {
			t.preEditMissing[abs] = true
			continue
		}
		t.preEdit[abs] = content
	}
}

// AbortEdit restores the pre-images captured by StartEdit.
func (t *Tracker) AbortEdit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for abs, content := range t.preEdit {
		_ = os.MkdirAll(filepath.Dir(abs), 0755)
		_ = os.WriteFile(abs, content, 0644)
	}
	for abs := range t.preEditMissing {
		_ = os.Remove(abs)
	}
	t.cleanupEdit()
}

// FinalizeEdit discards the pre-images after a successful mutation.
func (t *Tracker) FinalizeEdit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupEdit()
}

func (t *Tracker) cleanupEdit() {
	t.preEdit = make(map[string][]byte)
	t.preEditMissing = make(map[string]bool)
}

// ---- transactions ----

// BeginTransaction groups the file operations of one turn into a single
// checkpoint.
func (t *Tracker) BeginTransaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txActive = true
	t.txFiles = nil
	t.txMessageParts = nil
}

// TrackFileChange records a file operation within the open transaction.
func (t *Tracker) TrackFileChange(relPath, operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.txActive {
		return
	}
	found := false
	for _, f := range t.txFiles {
		if f == relPath {
			found = true
			break
		}
	}
	if !found {
		t.txFiles = append(t.txFiles, relPath)
	}
	t.txMessageParts = append(t.txMessageParts, fmt.Sprintf("%s: %s", operation, relPath))
}

// CommitTransaction closes the transaction with one checkpoint. With no
// open transaction it falls back to a plain checkpoint when a message is
// given. Returns nil when nothing was committed.
func (t *Tracker) CommitTransaction(message string) (*CheckpointInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.txActive {
		if message == "" {
			return nil, nil
		}
		info, err := t.createCheckpointLocked(message)
		if err != nil {
			return nil, err
		}
		return &info, nil
	}

	commitMsg := message
	if commitMsg == "" {
		if len(t.txMessageParts) > 0 {
			commitMsg = fmt.Sprintf("Transaction: %d files\n%s",
				len(t.txFiles), strings.Join(t.txMessageParts, "\n"))
		} else {
			commitMsg = "Empty transaction"
		}
	}

	info, err := t.createCheckpointLocked(commitMsg)
	t.txActive = false
	t.txFiles = nil
	t.txMessageParts = nil
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// AbortTransaction drops the open transaction without checkpointing.
func (t *Tracker) AbortTransaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txActive = false
	t.txFiles = nil
	t.txMessageParts = nil
}

// InTransaction reports whether a transaction is open.
func (t *Tracker) InTransaction() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txActive
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
