package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
)

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sortBy := q.Get("sort")
	descending := q.Get("order") != "asc"
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	dialogs := s.store.ListDialogs(sortBy, descending, limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"dialogs":           dialogs,
		"current_dialog_id": s.store.CurrentDialogID(),
	})
}

func (s *Server) handleCreateDialog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title      string `json:"title"`
		SetCurrent *bool  `json:"set_current"`
	}
	// An empty body creates an untitled current dialog.
	_ = json.NewDecoder(r.Body).Decode(&req)

	setCurrent := req.SetCurrent == nil || *req.SetCurrent
	id, err := s.store.CreateDialog(req.Title, setCurrent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.store.GetDialogMeta(id))
}

// createDialog opens a new current dialog; used when chat arrives before
// any dialog exists.
func (s *Server) createDialog(title string) (string, error) {
	return s.store.CreateDialog(title, true)
}

func (s *Server) handleGetCurrentDialog(w http.ResponseWriter, r *http.Request) {
	current := s.store.CurrentDialogID()
	if current == "" {
		writeDetail(w, http.StatusNotFound, "no current dialog")
		return
	}
	meta := s.store.GetDialogMeta(current)
	if meta == nil {
		writeDetail(w, http.StatusNotFound, "no current dialog")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSetCurrentDialog(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		var req struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		id = req.ID
	}
	if id == "" {
		writeDetail(w, http.StatusBadRequest, "dialog id is required")
		return
	}
	if err := s.store.SetCurrentDialogID(id); err != nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetDialogMeta(id))
}

func (s *Server) handleGetDialog(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	meta := s.store.GetDialogMeta(dialogID)
	if meta == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}

	count, err := s.store.MessageCount(r.Context(), dialogID)
	if err != nil {
		writeError(w, err)
		return
	}
	usage, err := s.store.TotalUsage(r.Context(), dialogID)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := s.store.GetSession(r.Context(), dialogID)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{
		"id":                 meta.ID,
		"title":              meta.Title,
		"created_at":         meta.CreatedAt,
		"updated_at":         meta.UpdatedAt,
		"initial_checkpoint": meta.InitialCheckpoint,
		"message_count":      count,
		"usage":              usage,
	}
	if session != nil {
		body["active_session"] = session.Name
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUpdateDialog(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeDetail(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.UpsertDialogMeta(dialogID, req.Title, ""); err != nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetDialogMeta(dialogID))
}

func (s *Server) handleDeleteDialog(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")

	release := s.acquireTurn(dialogID)
	if release == nil {
		writeDetail(w, http.StatusConflict, "dialog_busy")
		return
	}
	defer release()

	if s.store.GetDialogMeta(dialogID) == nil {
		writeError(w, agenterrors.NotFound("dialog %s not found", dialogID))
		return
	}
	if err := s.store.DeleteDialogData(r.Context(), dialogID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteDialog(dialogID); err != nil {
		writeError(w, err)
		return
	}
	s.forgetDialog(dialogID)
	logger.Info("Dialog deleted", "dialog", dialogID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": dialogID})
}
