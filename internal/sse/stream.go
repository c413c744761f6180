// Package sse is the agent-facing surface: the SSE stream framing, the
// session table binding streams to tenants, and the HTTP server that accepts
// connections and dispatches JSON-RPC messages.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Stream frames events onto one SSE connection. All writes go through the
// stream's mutex so event frames never interleave.
type Stream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	eventID int
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewStream prepares w for event streaming and returns the stream.
func NewStream(ctx context.Context, w http.ResponseWriter) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	streamCtx, cancel := context.WithCancel(ctx)

	return &Stream{
		w:       w,
		flusher: flusher,
		ctx:     streamCtx,
		cancel:  cancel,
	}, nil
}

// SendEvent writes a `event: message` frame with an incrementing id.
func (s *Stream) SendEvent(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++
	fmt.Fprintf(s.w, "event: message\n")
	fmt.Fprintf(s.w, "id: %d\n", s.eventID)
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
	return nil
}

// SendData writes a bare `data:` frame with no event field; used for the
// initial connection event.
func (s *Stream) SendData(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
	return nil
}

// SendComment writes an SSE comment frame (`:<text>`), used for keepalives.
func (s *Stream) SendComment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, ":%s\n\n", text)
	s.flusher.Flush()
}

// Close cancels the stream context.
func (s *Stream) Close() {
	s.cancel()
}

// Done is closed when the stream is closed or the client disconnects.
func (s *Stream) Done() <-chan struct{} {
	return s.ctx.Done()
}
