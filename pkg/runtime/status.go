// Package runtime manages per-project server lifecycle: the status.json
// document, the single-server guarantee, and port selection.
package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ServerStatus enumerates server lifecycle states.
type ServerStatus string

const (
	ServerStarting ServerStatus = "starting" // process started, initializing
	ServerReady    ServerStatus = "ready"    // listening and ready for requests
	ServerStopping ServerStatus = "stopping" // shutting down gracefully
	ServerStopped  ServerStatus = "stopped"  // stopped normally
	ServerError    ServerStatus = "error"    // failed due to config/init error
	ServerCrashed  ServerStatus = "crashed"  // terminated unexpectedly
)

// ScanStatus enumerates project index scan states.
type ScanStatus string

const (
	ScanIdle     ScanStatus = "idle"
	ScanScanning ScanStatus = "scanning"
	ScanDone     ScanStatus = "done"
	ScanError    ScanStatus = "error"
	ScanCanceled ScanStatus = "canceled"
)

// StatusManager provides atomic updates to status.json.
//
// Clients should check server_status == "ready" before making requests;
// a PID/port alone does not mean the server accepts traffic yet.
type StatusManager struct {
	path string
	mu   sync.Mutex
}

// NewStatusManager creates a manager for the given status.json path.
func NewStatusManager(path string) *StatusManager {
	return &StatusManager{path: path}
}

func (m *StatusManager) read() map[string]any {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}

// write persists the document via temp file + rename. Best-effort: status
// reporting must never take the server down.
func (m *StatusManager) write(doc map[string]any) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return
	}
	// Flush before the rename so a crash cannot publish a torn file.
	if err := f.Sync(); err != nil {
		f.Close()
		return
	}
	if err := f.Close(); err != nil {
		return
	}
	_ = os.Rename(tmp, m.path)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ServerUpdate carries optional fields for UpdateServerStatus.
type ServerUpdate struct {
	PID   int
	Port  int
	IDE   string
	Error string
}

// UpdateServerStatus atomically updates server fields by state:
//   - starting: set pid/port/started_at, clear previous error
//   - error/crashed: drop pid/port, record error
//   - stopped: drop pid/port/started_at and error
//   - ready/stopping: clear error
func (m *StatusManager) UpdateServerStatus(status ServerStatus, update ServerUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.read()
	doc["server_status"] = string(status)
	doc["server_updated_at"] = nowRFC3339()

	switch status {
	case ServerStarting:
		doc["server_started_at"] = doc["server_updated_at"]
		if update.PID != 0 {
			doc["server_pid"] = update.PID
		}
		if update.Port != 0 {
			doc["port"] = update.Port
		}
		if update.IDE != "" {
			doc["ide"] = update.IDE
		}
		delete(doc, "server_error")
	case ServerError, ServerCrashed:
		delete(doc, "server_pid")
		delete(doc, "port")
		if update.Error != "" {
			doc["server_error"] = update.Error
		}
	case ServerStopped:
		delete(doc, "server_pid")
		delete(doc, "port")
		delete(doc, "server_started_at")
		delete(doc, "server_error")
	default:
		delete(doc, "server_error")
	}

	m.write(doc)
}

// ScanUpdate carries optional fields for UpdateScanStatus.
type ScanUpdate struct {
	Progress *int
	Error    string
	TaskID   string
}

// UpdateScanStatus atomically updates the scan fields.
func (m *StatusManager) UpdateScanStatus(status ScanStatus, update ScanUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.read()
	now := nowRFC3339()

	doc["scan_status"] = string(status)
	doc["scan_updated_at"] = now

	if status == ScanScanning && doc["scan_started_at"] == nil {
		doc["scan_started_at"] = now
	}

	if update.Progress != nil {
		progress := *update.Progress
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		doc["scan_progress"] = progress
	}
	if update.Error != "" {
		doc["error"] = update.Error
	} else {
		delete(doc, "error")
	}
	if update.TaskID != "" {
		doc["scan_task_id"] = update.TaskID
	}

	m.write(doc)
}

// SetConfigStatus records config validation results so clients can see
// why the model is unavailable without reading server logs.
func (m *StatusManager) SetConfigStatus(valid bool, errs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.read()
	doc["config_valid"] = valid
	if len(errs) > 0 {
		doc["config_errors"] = errs
	} else {
		delete(doc, "config_errors")
	}
	m.write(doc)
}

// GetStatus reads the current status document atomically.
func (m *StatusManager) GetStatus() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}
