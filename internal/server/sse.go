package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/chatbridge/internal/logging"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second

	// streamBuffer is how many events a slow stream client may lag behind.
	streamBuffer = 256
)

// connectedEvent is sent first on every stream.
var connectedEvent = []byte(`{"type":"server.connected","properties":{}}`)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeRaw writes an already encoded payload as one SSE event.
func (s *sseWriter) writeRaw(eventType string, payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// threadOf extracts properties.threadID from an encoded event.
func threadOf(payload []byte) string {
	var e struct {
		Properties struct {
			ThreadID string `json:"threadID"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return ""
	}
	return e.Properties.ThreadID
}

// matchesThread reports whether an event passes the ?thread= filter.
// Events without a thread always pass.
func matchesThread(payload []byte, threadID string) bool {
	if threadID == "" {
		return true
	}
	t := threadOf(payload)
	return t == "" || t == threadID
}

// streamEvents handles GET /event: every bus event as SSE, optionally
// limited to one thread with ?thread=.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread")

	events, err := s.bus.Stream(r.Context(), streamBuffer)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := sse.writeRaw("message", connectedEvent); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			if !matchesThread(payload, threadID) {
				continue
			}
			if err := sse.writeRaw("message", payload); err != nil {
				logging.Debug().Err(err).Msg("SSE client went away")
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
