// Package project models a workdir-rooted project and its hidden state
// directory layout.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateDirName is the hidden per-project state directory.
const StateDirName = ".agentsmithy"

// Project is a working directory under agent management. All persisted
// state lives under <Root>/.agentsmithy/.
type Project struct {
	Root string
	Name string
}

// New creates a Project rooted at the given directory.
// The path must already be absolute and exist.
func New(root string) (*Project, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workdir not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workdir is not a directory: %s", root)
	}
	return &Project{
		Root: root,
		Name: filepath.Base(root),
	}, nil
}

// StateDir returns <root>/.agentsmithy.
func (p *Project) StateDir() string {
	return filepath.Join(p.Root, StateDirName)
}

// StatusPath returns the status.json path.
func (p *Project) StatusPath() string {
	return filepath.Join(p.StateDir(), "status.json")
}

// DialogsDir returns the dialogs state directory.
func (p *Project) DialogsDir() string {
	return filepath.Join(p.StateDir(), "dialogs")
}

// DialogsIndexPath returns the dialogs index.json path.
func (p *Project) DialogsIndexPath() string {
	return filepath.Join(p.DialogsDir(), "index.json")
}

// MessagesDBPath returns the shared SQLite database path.
func (p *Project) MessagesDBPath() string {
	return filepath.Join(p.DialogsDir(), "messages.sqlite")
}

// DialogDir returns the per-dialog state directory.
func (p *Project) DialogDir(dialogID string) string {
	return filepath.Join(p.DialogsDir(), dialogID)
}

// CheckpointsDir returns the per-dialog checkpoint repository directory.
func (p *Project) CheckpointsDir(dialogID string) string {
	return filepath.Join(p.DialogDir(dialogID), "checkpoints")
}

// ToolResultsDir returns the per-dialog out-of-band tool result directory.
func (p *Project) ToolResultsDir(dialogID string) string {
	return filepath.Join(p.DialogDir(dialogID), "tool_results")
}

// RAGDir returns the vector store persistence directory.
func (p *Project) RAGDir() string {
	return filepath.Join(p.StateDir(), "rag", "chroma_db")
}

// MetadataPath returns the project metadata file path.
func (p *Project) MetadataPath() string {
	return filepath.Join(p.StateDir(), "project.json")
}

// EnsureStateDir creates the state directory tree.
func (p *Project) EnsureStateDir() error {
	for _, dir := range []string{p.StateDir(), p.DialogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}
	return nil
}

// Metadata describes the project for the system prompt.
type Metadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Stack       []string  `json:"stack,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasMetadata reports whether project.json exists.
func (p *Project) HasMetadata() bool {
	_, err := os.Stat(p.MetadataPath())
	return err == nil
}

// LoadMetadata reads project.json.
func (p *Project) LoadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(p.MetadataPath())
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt project metadata: %w", err)
	}
	return &meta, nil
}

// SaveMetadata writes project.json atomically.
func (p *Project) SaveMetadata(meta *Metadata) error {
	if err := p.EnsureStateDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.MetadataPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p.MetadataPath())
}
