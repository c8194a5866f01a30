package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/agentsmithy/agentsmithy/pkg/agent"
)

// EventWriter serializes agent events onto one SSE response. It owns
// the stream's terminal invariants: nothing is written after done, an
// error is always followed by exactly one done, and every event is
// flushed immediately.
type EventWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	dialogID string

	mu       sync.Mutex
	doneSent bool
}

// NewEventWriter prepares an SSE response. Returns an error when the
// transport cannot stream.
func NewEventWriter(w http.ResponseWriter, dialogID string) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &EventWriter{w: w, flusher: flusher, dialogID: dialogID}, nil
}

// Send writes one event. Events after done are dropped silently: the
// producer may still be unwinding when the stream has been finalized.
func (ew *EventWriter) Send(ev agent.Event) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.doneSent {
		return nil
	}
	return ew.writeLocked(ev)
}

func (ew *EventWriter) writeLocked(ev agent.Event) error {
	ev.DialogID = ew.dialogID
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ew.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	ew.flusher.Flush()
	return nil
}

// SendError writes an error event. Done must still follow.
func (ew *EventWriter) SendError(code, message string) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.doneSent {
		return
	}
	_ = ew.writeLocked(agent.Event{Type: agent.EventError, Code: code, Content: message})
}

// Done terminates the stream. Idempotent; the first call wins.
func (ew *EventWriter) Done() {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.doneSent {
		return
	}
	ew.doneSent = true
	_ = ew.writeLocked(agent.Event{Type: agent.EventDone})
}
