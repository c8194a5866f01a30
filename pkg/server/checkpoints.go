package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	meta := s.store.GetDialogMeta(dialogID)
	if meta == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}

	tracker, err := s.trackerFor(dialogID)
	if err != nil {
		writeError(w, err)
		return
	}
	checkpoints, err := tracker.ListCheckpoints()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints":        checkpoints,
		"initial_checkpoint": meta.InitialCheckpoint,
	})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	if s.store.GetDialogMeta(dialogID) == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}

	var req struct {
		CheckpointID string `json:"checkpoint_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CheckpointID == "" {
		writeDetail(w, http.StatusBadRequest, "checkpoint_id is required")
		return
	}

	release := s.acquireTurn(dialogID)
	if release == nil {
		writeDetail(w, http.StatusConflict, "dialog_busy")
		return
	}
	defer release()

	tracker, err := s.trackerFor(dialogID)
	if err != nil {
		writeError(w, err)
		return
	}

	restored, newCheckpoint, err := tracker.RestoreCheckpoint(req.CheckpointID)
	if err != nil {
		writeError(w, agenterrors.Wrap(agenterrors.CodeNotFound, err, "checkpoint %s not found", req.CheckpointID))
		return
	}
	s.resyncIndex(dialogID)

	body := map[string]any{
		"restored_to":    req.CheckpointID,
		"restored_files": restored,
	}
	if newCheckpoint != nil {
		body["new_checkpoint"] = newCheckpoint.CommitID
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	if s.store.GetDialogMeta(dialogID) == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	release := s.acquireTurn(dialogID)
	if release == nil {
		writeDetail(w, http.StatusConflict, "dialog_busy")
		return
	}
	defer release()

	tracker, err := s.trackerFor(dialogID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := tracker.ApproveAll(req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	s.resyncIndex(dialogID)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	if s.store.GetDialogMeta(dialogID) == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}

	release := s.acquireTurn(dialogID)
	if release == nil {
		writeDetail(w, http.StatusConflict, "dialog_busy")
		return
	}
	defer release()

	tracker, err := s.trackerFor(dialogID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := tracker.ResetToApproved()
	if err != nil {
		writeError(w, err)
		return
	}
	// The session pointer moved; now materialize the approved tree in
	// the working directory.
	if _, _, err := tracker.RestoreCheckpoint(result.ResetTo); err != nil {
		logger.Warn("Failed to restore workdir after reset",
			"dialog", dialogID, "commit", result.ResetTo, "error", err)
	}
	s.resyncIndex(dialogID)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	if s.store.GetDialogMeta(dialogID) == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}

	tracker, err := s.trackerFor(dialogID)
	if err != nil {
		writeError(w, err)
		return
	}

	active := tracker.ActiveSession()
	changed, err := tracker.StagedFiles()
	if err != nil {
		writeError(w, err)
		return
	}
	if changed == nil {
		changed = []versioning.FileDiff{}
	}

	var lastApprovedAt *time.Time
	if records, err := s.store.ListSessions(r.Context(), dialogID); err == nil {
		for _, rec := range records {
			if rec.Status == "merged" && rec.ClosedAt != nil {
				lastApprovedAt = rec.ClosedAt
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_session":   active,
		"session_ref":      "refs/heads/" + active,
		"has_unapproved":   len(changed) > 0,
		"last_approved_at": lastApprovedAt,
		"changed_files":    changed,
	})
}

// resyncIndex reconciles the RAG index with the workdir after an
// operation that rewrote files. Runs off the request path.
func (s *Server) resyncIndex(dialogID string) {
	if s.indexer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.indexer.FullSync(ctx); err != nil {
			logger.Warn("Index resync failed", "dialog", dialogID, "error", err)
		}
	}()
}
