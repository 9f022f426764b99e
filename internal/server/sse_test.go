package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencode-ai/chatbridge/internal/event"
)

// mockResponseWriter implements http.Flusher for testing
type mockResponseWriter struct {
	*httptest.ResponseRecorder
	flushed int
}

func (m *mockResponseWriter) Flush() {
	m.flushed++
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{
		ResponseRecorder: httptest.NewRecorder(),
	}
}

type noFlushWriter struct{}

func (n *noFlushWriter) Header() http.Header       { return http.Header{} }
func (n *noFlushWriter) Write([]byte) (int, error) { return 0, nil }
func (n *noFlushWriter) WriteHeader(int)           {}

func TestNewSSEWriter_NoFlusher(t *testing.T) {
	_, err := newSSEWriter(&noFlushWriter{})
	if err == nil {
		t.Error("Expected error for writer without Flusher")
	}
}

func TestSSEWriter_WriteRaw(t *testing.T) {
	w := newMockResponseWriter()
	sse, err := newSSEWriter(w)
	if err != nil {
		t.Fatalf("newSSEWriter failed: %v", err)
	}

	if err := sse.writeRaw("message", []byte(`{"type":"queue.changed"}`)); err != nil {
		t.Fatalf("writeRaw failed: %v", err)
	}

	body := w.Body.String()
	if body != "event: message\ndata: {\"type\":\"queue.changed\"}\n\n" {
		t.Errorf("Unexpected body: %q", body)
	}
	if w.flushed == 0 {
		t.Error("Expected Flush to be called")
	}
}

func TestSSEWriter_WriteHeartbeat(t *testing.T) {
	w := newMockResponseWriter()
	sse, _ := newSSEWriter(w)

	sse.writeHeartbeat()

	if !strings.Contains(w.Body.String(), ": heartbeat\n") {
		t.Errorf("Expected heartbeat comment, got: %s", w.Body.String())
	}
}

func TestMatchesThread(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		threadID string
		expected bool
	}{
		{"no filter", `{"type":"turn.started","properties":{"threadID":"a"}}`, "", true},
		{"same thread", `{"type":"turn.started","properties":{"threadID":"a"}}`, "a", true},
		{"other thread", `{"type":"turn.started","properties":{"threadID":"b"}}`, "a", false},
		{"threadless event", `{"type":"server.connected","properties":{}}`, "a", true},
		{"garbage", `not json`, "a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesThread([]byte(tt.payload), tt.threadID); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

// readData returns the next SSE data line.
func readData(t *testing.T, lines <-chan string) string {
	t.Helper()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for SSE data")
		}
	}
}

func TestStreamEvents_FiltersByThread(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	srv := New(nil, &stubBridge{}, bus, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/event?thread=t-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /event failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected Content-Type: text/event-stream, got %s", resp.Header.Get("Content-Type"))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	if got := readData(t, lines); !strings.Contains(got, "server.connected") {
		t.Fatalf("Expected server.connected first, got %s", got)
	}

	bus.PublishSync(event.Event{Type: event.QueueChanged, Data: event.QueueChangedData{ThreadID: "t-2", Length: 1}})
	bus.PublishSync(event.Event{Type: event.QueueChanged, Data: event.QueueChangedData{ThreadID: "t-1", Length: 3}})

	got := readData(t, lines)
	if !strings.Contains(got, `"threadID":"t-1"`) || !strings.Contains(got, `"length":3`) {
		t.Errorf("Expected the t-1 event only, got %s", got)
	}
}

func TestWebsocketEvents(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	srv := New(nil, &stubBridge{}, bus, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(first), "server.connected") {
		t.Fatalf("Expected server.connected first, got %s", first)
	}

	bus.PublishSync(event.Event{Type: event.DeliveryCreated, Data: event.DeliveryData{ID: "d-1", ThreadID: "t-1", Kind: "fragment", Text: "hi"}})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(msg), `"type":"delivery.created"`) || !strings.Contains(string(msg), `"text":"hi"`) {
		t.Errorf("Unexpected message: %s", msg)
	}
}
