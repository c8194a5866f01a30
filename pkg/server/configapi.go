package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/project"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := s.status.GetStatus()

	s.cfgMu.RLock()
	configErrors := append([]string(nil), s.configErrors...)
	s.cfgMu.RUnlock()
	if configErrors == nil {
		configErrors = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"port":          s.port,
		"pid":           os.Getpid(),
		"server_status": doc["server_status"],
		"scan_status":   doc["scan_status"],
		"config_valid":  len(configErrors) == 0,
		"config_errors": configErrors,
	})
}

// handleGetConfig returns the effective configuration with secrets
// masked, keyed the way the YAML file spells it.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	redacted := s.cfg.Redacted()
	s.cfgMu.RUnlock()

	data, err := yaml.Marshal(redacted)
	if err != nil {
		writeError(w, err)
		return
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handlePutConfig rewrites the per-project overlay file and hot-reloads
// the configuration. Validation failures are recorded, not fatal: the
// server keeps running on the previous config.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var doc map[string]any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		writeDetail(w, http.StatusBadRequest, "config must be a YAML or JSON mapping")
		return
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		writeError(w, err)
		return
	}
	path := filepath.Join(s.proj.Root, config.FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		writeError(w, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		writeError(w, err)
		return
	}

	cfg, _, err := config.LoadFromWorkdir(r.Context(), s.proj.Root)
	if err != nil {
		s.setConfigErrors([]string{err.Error()})
		logger.Warn("Config rewrite failed validation, keeping previous config", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"config_valid":  false,
			"config_errors": []string{err.Error()},
		})
		return
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.configErrors = nil
	s.cfgMu.Unlock()
	s.status.SetConfigStatus(true, nil)

	logger.Info("Configuration updated", "path", path)
	writeJSON(w, http.StatusOK, map[string]any{
		"config_valid":  true,
		"config_errors": []string{},
	})
}

// ApplyConfig swaps in a freshly loaded configuration. Used by the
// config file watcher; dialog runners built after this call pick up the
// new settings.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.configErrors = nil
	s.cfgMu.Unlock()
	s.status.SetConfigStatus(true, nil)
}

func (s *Server) setConfigErrors(errs []string) {
	s.cfgMu.Lock()
	s.configErrors = errs
	s.cfgMu.Unlock()
	s.status.SetConfigStatus(len(errs) == 0, errs)
}

// handleRenameProject updates the project display name in project.json.
func (s *Server) handleRenameProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeDetail(w, http.StatusBadRequest, "name is required")
		return
	}

	meta, err := s.proj.LoadMetadata()
	if err != nil {
		meta = &project.Metadata{Name: s.proj.Name, CreatedAt: time.Now().UTC()}
	}
	meta.Name = req.Name
	if err := s.proj.SaveMetadata(meta); err != nil {
		writeError(w, err)
		return
	}
	s.proj.Name = req.Name

	logger.Info("Project renamed", "name", req.Name)
	writeJSON(w, http.StatusOK, map[string]any{"name": req.Name})
}
