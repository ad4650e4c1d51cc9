// Package dispatch delivers canonical events to clients over the two
// transport bindings: a request-scoped SSE push and a multiplexed duplex
// WebSocket channel. It also routes client-originated control messages back
// into the engine.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/loomgate/loomgate/internal/stream"
)

// SSESink is the one-shot push binding: frames for exactly one request,
// written to a response body as they are produced, terminated when a
// terminal frame fires. No resume capability on the same exchange; a paused
// session resumes via a new request against the same request id.
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSESink prepares the response for event streaming.
func NewSSESink(w http.ResponseWriter) *SSESink {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &SSESink{w: w, flusher: flusher}
}

// Send writes one frame as an SSE data record and flushes it.
func (s *SSESink) Send(frame stream.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("dispatch: sse sink closed")
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("dispatch: marshal frame: %w", err)
	}
	if _, err := io.WriteString(s.w, "data: "+string(payload)+"\n\n"); err != nil {
		s.closed = true
		return fmt.Errorf("dispatch: write frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
