package dialogs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DialogMeta is the index entry for one dialog.
type DialogMeta struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	InitialCheckpoint string    `json:"initial_checkpoint,omitempty"`
}

type dialogIndex struct {
	CurrentDialogID string       `json:"current_dialog_id,omitempty"`
	Dialogs         []DialogMeta `json:"dialogs"`
}

func (s *Store) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *Store) loadIndex() *dialogIndex {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return &dialogIndex{}
	}
	var idx dialogIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return &dialogIndex{}
	}
	return &idx
}

func (s *Store) saveIndex(idx *dialogIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write dialog index: %w", err)
	}
	return os.Rename(tmp, s.indexPath())
}

// CreateDialog registers a new dialog and returns its id.
func (s *Store) CreateDialog(title string, setCurrent bool) (string, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if title == "" {
		title = "New dialog"
	}
	now := time.Now().UTC()
	meta := DialogMeta{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	idx := s.loadIndex()
	idx.Dialogs = append(idx.Dialogs, meta)
	if setCurrent {
		idx.CurrentDialogID = meta.ID
	}
	if err := s.saveIndex(idx); err != nil {
		return "", err
	}
	return meta.ID, nil
}

// GetDialogMeta returns a dialog's index entry, or nil when unknown.
func (s *Store) GetDialogMeta(dialogID string) *DialogMeta {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx := s.loadIndex()
	for i := range idx.Dialogs {
		if idx.Dialogs[i].ID == dialogID {
			meta := idx.Dialogs[i]
			return &meta
		}
	}
	return nil
}

// UpsertDialogMeta updates index fields for a dialog. Empty fields are
// left untouched. UpdatedAt is always bumped.
func (s *Store) UpsertDialogMeta(dialogID, title, initialCheckpoint string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx := s.loadIndex()
	for i := range idx.Dialogs {
		if idx.Dialogs[i].ID != dialogID {
			continue
		}
		if title != "" {
			idx.Dialogs[i].Title = title
		}
		if initialCheckpoint != "" {
			idx.Dialogs[i].InitialCheckpoint = initialCheckpoint
		}
		idx.Dialogs[i].UpdatedAt = time.Now().UTC()
		return s.saveIndex(idx)
	}
	return fmt.Errorf("dialog %s not found", dialogID)
}

// TouchDialog bumps a dialog's UpdatedAt.
func (s *Store) TouchDialog(dialogID string) {
	_ = s.UpsertDialogMeta(dialogID, "", "")
}

// ListDialogs returns index entries sorted by the given field
// (created_at, updated_at, or title), paginated by limit/offset.
// limit <= 0 means no limit.
func (s *Store) ListDialogs(sortBy string, descending bool, limit, offset int) []DialogMeta {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx := s.loadIndex()
	dialogs := make([]DialogMeta, len(idx.Dialogs))
	copy(dialogs, idx.Dialogs)

	sort.Slice(dialogs, func(i, j int) bool {
		var less bool
		switch sortBy {
		case "created_at":
			less = dialogs[i].CreatedAt.Before(dialogs[j].CreatedAt)
		case "title":
			less = dialogs[i].Title < dialogs[j].Title
		default:
			less = dialogs[i].UpdatedAt.Before(dialogs[j].UpdatedAt)
		}
		if descending {
			return !less
		}
		return less
	})

	if offset >= len(dialogs) {
		return nil
	}
	dialogs = dialogs[offset:]
	if limit > 0 && limit < len(dialogs) {
		dialogs = dialogs[:limit]
	}
	return dialogs
}

// CurrentDialogID returns the active dialog id, or "".
func (s *Store) CurrentDialogID() string {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.loadIndex().CurrentDialogID
}

// SetCurrentDialogID switches the active dialog.
func (s *Store) SetCurrentDialogID(dialogID string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx := s.loadIndex()
	found := false
	for i := range idx.Dialogs {
		if idx.Dialogs[i].ID == dialogID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("dialog %s not found", dialogID)
	}
	idx.CurrentDialogID = dialogID
	return s.saveIndex(idx)
}

// DeleteDialog removes a dialog from the index and deletes its on-disk
// state directory. Database rows are purged separately via
// DeleteDialogData.
func (s *Store) DeleteDialog(dialogID string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx := s.loadIndex()
	kept := idx.Dialogs[:0]
	found := false
	for _, d := range idx.Dialogs {
		if d.ID == dialogID {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return fmt.Errorf("dialog %s not found", dialogID)
	}
	idx.Dialogs = kept
	if idx.CurrentDialogID == dialogID {
		idx.CurrentDialogID = ""
	}
	if err := s.saveIndex(idx); err != nil {
		return err
	}

	return os.RemoveAll(filepath.Join(s.baseDir, dialogID))
}
