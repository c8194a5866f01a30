package runtime

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// pidAlive reports whether a process with the given PID exists.
// Signal 0 probes without delivering anything.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

var runningStates = map[string]bool{
	string(ServerStarting): true,
	string(ServerReady):    true,
	string(ServerStopping): true,
}

// EnsureSingleton guarantees at most one server per project and picks a
// free port.
//
//   - If status.json names a live PID in a running state, returns an error.
//   - If the PID is dead but the state says running, the previous run is
//     recorded as crashed before we take over.
//   - Ports are probed upward from basePort, at most maxProbe attempts.
//   - On success status.json is rewritten as starting with our PID/port,
//     preserving scan fields.
func EnsureSingleton(m *StatusManager, host string, basePort, maxProbe int, ide string) (int, error) {
	existing := m.GetStatus()
	existingStatus, _ := existing["server_status"].(string)
	existingPID := intField(existing, "server_pid")

	if existingPID > 0 && !pidAlive(existingPID) && runningStates[existingStatus] {
		m.UpdateServerStatus(ServerCrashed, ServerUpdate{
			Error: fmt.Sprintf("server process (pid %d) terminated unexpectedly while in %q state",
				existingPID, existingStatus),
		})
	}

	// error, crashed, and stopped states never block a new server
	if existingPID > 0 && pidAlive(existingPID) && runningStates[existingStatus] {
		return 0, fmt.Errorf("server already running at port %v (pid %d, status %s)",
			existing["port"], existingPID, existingStatus)
	}

	chosen := basePort
	found := false
	for i := 0; i < maxProbe; i++ {
		if portFree(host, chosen) {
			found = true
			break
		}
		chosen++
	}
	if !found {
		return 0, fmt.Errorf("could not find a free port starting at %d", basePort)
	}

	m.UpdateServerStatus(ServerStarting, ServerUpdate{
		PID:  os.Getpid(),
		Port: chosen,
		IDE:  ide,
	})
	return chosen, nil
}

func portFree(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func intField(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
