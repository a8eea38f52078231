package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/inkeep/agents-run/pkg/a2a"
	"github.com/inkeep/agents-run/pkg/metrics"
)

// maxFrameBytes caps one SSE frame. Oversized events are replaced by
// an error frame rather than truncated JSON.
const maxFrameBytes = 64 * 1024

// sseStream writes execution events as SSE frames. Each frame is a
// JSON-RPC response envelope echoing the originating request id, so a
// streaming client demuxes exactly like a unary one.
type sseStream struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flush    http.Flusher
	reqID    any
	metrics  *metrics.Metrics
	closed   bool
	finished bool
}

func newSSEStream(w http.ResponseWriter, reqID any, m *metrics.Metrics) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if m != nil {
		m.ActiveStreams.Inc()
	}
	return &sseStream{w: w, flush: flusher, reqID: reqID, metrics: m}, nil
}

// send writes one result frame.
func (s *sseStream) send(result any) {
	s.write(a2a.OKResponse(s.reqID, result))
}

// sendError writes a terminal error frame.
func (s *sseStream) sendError(rpcErr *a2a.RPCError) {
	s.write(a2a.ErrResponse(s.reqID, rpcErr))
}

func (s *sseStream) write(resp a2a.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("failed to encode stream frame", "error", err)
		return
	}
	if len(payload) > maxFrameBytes {
		oversize := a2a.ErrResponse(s.reqID, a2a.NewRPCError(a2a.CodeInternalError, "event exceeds frame size limit", nil))
		payload, _ = json.Marshal(oversize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		// The client went away; the request context cancels the turn.
		s.closed = true
		return
	}
	s.flush.Flush()
}

// Close marks the stream finished. Safe to call after a write failure.
func (s *sseStream) Close() {
	s.mu.Lock()
	done := s.finished
	s.finished = true
	s.closed = true
	s.mu.Unlock()
	if !done && s.metrics != nil {
		s.metrics.ActiveStreams.Dec()
	}
}

// StatusUpdate implements executor.EventSink.
func (s *sseStream) StatusUpdate(ev *a2a.TaskStatusUpdateEvent) { s.send(ev) }

// ArtifactUpdate implements executor.EventSink.
func (s *sseStream) ArtifactUpdate(ev *a2a.TaskArtifactUpdateEvent) { s.send(ev) }

// Message implements executor.EventSink.
func (s *sseStream) Message(msg *a2a.Message) { s.send(msg) }
