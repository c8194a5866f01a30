package runtime

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is above pid_max on Linux, so no live process can own it.
const deadPID = 99999999

func TestEnsureSingletonFreshProject(t *testing.T) {
	m := newTestManager(t)

	port, err := EnsureSingleton(m, "127.0.0.1", 4777, 10, "vscode")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 4777)

	doc := readStatusFile(t, m)
	assert.Equal(t, "starting", doc["server_status"])
	assert.Equal(t, float64(os.Getpid()), doc["server_pid"])
	assert.Equal(t, float64(port), doc["port"])
	assert.Equal(t, "vscode", doc["ide"])
}

func TestEnsureSingletonRefusesLiveServer(t *testing.T) {
	m := newTestManager(t)
	// Our own PID is certainly alive.
	m.UpdateServerStatus(ServerReady, ServerUpdate{})
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: os.Getpid(), Port: 4777})

	_, err := EnsureSingleton(m, "127.0.0.1", 4777, 10, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestEnsureSingletonStoppedDoesNotBlock(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: os.Getpid(), Port: 4777})
	m.UpdateServerStatus(ServerStopped, ServerUpdate{})

	_, err := EnsureSingleton(m, "127.0.0.1", 4777, 10, "")
	require.NoError(t, err)
}

func TestEnsureSingletonRecordsCrash(t *testing.T) {
	m := newTestManager(t)
	m.UpdateServerStatus(ServerStarting, ServerUpdate{PID: deadPID, Port: 4777})
	m.UpdateServerStatus(ServerReady, ServerUpdate{})

	port, err := EnsureSingleton(m, "127.0.0.1", 4777, 10, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 4777)

	// The dead run was recorded as crashed before this one took over.
	doc := readStatusFile(t, m)
	assert.Equal(t, "starting", doc["server_status"])
	assert.Equal(t, float64(os.Getpid()), doc["server_pid"])
}

func TestEnsureSingletonProbesPastBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	m := newTestManager(t)
	port, err := EnsureSingleton(m, "127.0.0.1", busy, 10, "")
	require.NoError(t, err)
	assert.Greater(t, port, busy)
}

func TestEnsureSingletonExhaustsProbes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	m := newTestManager(t)
	_, err = EnsureSingleton(m, "127.0.0.1", busy, 1, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "free port")
}

func TestPIDAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(deadPID))
}
