package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *StatusManager {
	t.Helper()
	return NewStatusManager(filepath.Join(t.TempDir(), ".agentsmithy", "status.json"))
}

func readStatusFile(t *testing.T, m *StatusManager) map[string]any {
	t.Helper()
	data, err := os.ReadFile(m.path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestUpdateServerStatusStarting(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: 1234, Port: 4777, IDE: "vscode"})

	doc := readStatusFile(t, m)
	assert.Equal(t, "starting", doc["server_status"])
	assert.Equal(t, float64(1234), doc["server_pid"])
	assert.Equal(t, float64(4777), doc["port"])
	assert.Equal(t, "vscode", doc["ide"])
	assert.NotEmpty(t, doc["server_started_at"])
	assert.NotEmpty(t, doc["server_updated_at"])
}

func TestWritePublishesDurablyWithoutTempLeftover(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: 1234, Port: 4777})
	m.UpdateServerStatus(ServerReady, ServerUpdate{})

	// The rename published a complete document and consumed the temp file.
	doc := readStatusFile(t, m)
	assert.Equal(t, "ready", doc["server_status"])
	_, err := os.Stat(m.path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestUpdateServerStatusErrorDropsPID(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: 1234, Port: 4777})
	m.UpdateServerStatus(ServerError, ServerUpdate{Error: "api key missing"})

	doc := readStatusFile(t, m)
	assert.Equal(t, "error", doc["server_status"])
	assert.NotContains(t, doc, "server_pid")
	assert.NotContains(t, doc, "port")
	assert.Equal(t, "api key missing", doc["server_error"])
}

func TestUpdateServerStatusStoppedClearsError(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: 1, Port: 2})
	m.UpdateServerStatus(ServerError, ServerUpdate{Error: "boom"})
	m.UpdateServerStatus(ServerStopped, ServerUpdate{})

	doc := readStatusFile(t, m)
	assert.Equal(t, "stopped", doc["server_status"])
	assert.NotContains(t, doc, "server_error")
	assert.NotContains(t, doc, "server_started_at")
}

func TestUpdateServerStatusReadyClearsError(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerError, ServerUpdate{Error: "transient"})
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: 9, Port: 4777})
	m.UpdateServerStatus(ServerReady, ServerUpdate{})

	doc := readStatusFile(t, m)
	assert.Equal(t, "ready", doc["server_status"])
	assert.NotContains(t, doc, "server_error")
	// ready keeps the pid/port recorded at starting
	assert.Equal(t, float64(9), doc["server_pid"])
}

func TestUpdateScanStatusClampsProgress(t *testing.T) {
	m := newTestManager(t)

	over := 150
	m.UpdateScanStatus(ScanScanning, ScanUpdate{Progress: &over})
	doc := readStatusFile(t, m)
	assert.Equal(t, "scanning", doc["scan_status"])
	assert.Equal(t, float64(100), doc["scan_progress"])
	assert.NotEmpty(t, doc["scan_started_at"])

	under := -5
	m.UpdateScanStatus(ScanScanning, ScanUpdate{Progress: &under})
	doc = readStatusFile(t, m)
	assert.Equal(t, float64(0), doc["scan_progress"])
}

func TestUpdateScanStatusErrorField(t *testing.T) {
	m := newTestManager(t)
	m.UpdateScanStatus(ScanError, ScanUpdate{Error: "embedder unreachable"})
	doc := readStatusFile(t, m)
	assert.Equal(t, "error", doc["scan_status"])
	assert.Equal(t, "embedder unreachable", doc["error"])

	m.UpdateScanStatus(ScanDone, ScanUpdate{})
	doc = readStatusFile(t, m)
	assert.NotContains(t, doc, "error")
}

func TestScanStatusPreservesServerFields(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: 7, Port: 4777})
	m.UpdateScanStatus(ScanScanning, ScanUpdate{})

	doc := readStatusFile(t, m)
	assert.Equal(t, "starting", doc["server_status"])
	assert.Equal(t, float64(7), doc["server_pid"])
	assert.Equal(t, "scanning", doc["scan_status"])
}

func TestSetConfigStatus(t *testing.T) {
	m := newTestManager(t)

	m.SetConfigStatus(false, []string{"llm.api_key is required"})
	doc := readStatusFile(t, m)
	assert.Equal(t, false, doc["config_valid"])
	assert.Equal(t, []any{"llm.api_key is required"}, doc["config_errors"])

	m.SetConfigStatus(true, nil)
	doc = readStatusFile(t, m)
	assert.Equal(t, true, doc["config_valid"])
	assert.NotContains(t, doc, "config_errors")
}

func TestGetStatusOnMissingFile(t *testing.T) {
	m := newTestManager(t)
	assert.Empty(t, m.GetStatus())
}
