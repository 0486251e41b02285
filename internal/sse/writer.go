// Package sse writes server-sent events as single data frames.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HeartbeatInterval is how often an idle stream emits a keepalive frame.
const HeartbeatInterval = 15 * time.Second

// Writer serializes events onto one HTTP response. Safe for concurrent
// use; the heartbeat goroutine and the token producer share it.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewWriter prepares the response for event streaming. Fails when the
// underlying writer cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Send marshals v and writes it as one "data: <json>" frame, flushing
// immediately.
func (s *Writer) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.closed = true
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Close marks the stream finished; later Sends fail fast.
func (s *Writer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type heartbeatEvent struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
}

// StartHeartbeat emits periodic keepalive events until the returned stop
// function is called or the context ends.
func (s *Writer) StartHeartbeat(ctx context.Context, interval time.Duration) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				seq++
				if err := s.Send(heartbeatEvent{Type: "heartbeat", Seq: seq}); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
