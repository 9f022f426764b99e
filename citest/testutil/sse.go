package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/chatbridge/internal/event"
)

// SSEEvent is one bridge event. Type is the envelope's type; Properties
// holds the raw payload.
type SSEEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SSEClient provides SSE client utilities for testing
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	mu       sync.Mutex
	events   []SSEEvent
	eventsCh chan SSEEvent
	errCh    chan error
	cancel   context.CancelFunc
	body     io.ReadCloser
}

// NewSSEClient creates a new SSE test client
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		eventsCh: make(chan SSEEvent, 100),
		errCh:    make(chan error, 1),
	}
}

// Connect starts the SSE connection
func (c *SSEClient) Connect(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type: %s", contentType)
	}

	c.body = resp.Body

	// Start reading events in background
	go c.readEvents(resp.Body)

	return nil
}

// readEvents reads SSE events from the connection
func (c *SSEClient) readEvents(body io.Reader) {
	defer func() {
		close(c.eventsCh)
		close(c.errCh)
	}()

	reader := bufio.NewReader(body)
	var eventData strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && err != context.Canceled {
				c.errCh <- err
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line = event complete
		if line == "" {
			if eventData.Len() > 0 {
				var evt SSEEvent
				if err := json.Unmarshal([]byte(eventData.String()), &evt); err != nil {
					evt = SSEEvent{Type: "invalid", Properties: json.RawMessage(eventData.String())}
				}
				c.record(evt)
			}
			eventData.Reset()
			continue
		}

		// Comment (heartbeat)
		if strings.HasPrefix(line, ":") {
			c.record(SSEEvent{Type: "heartbeat"})
			continue
		}

		// The SSE event name is always "message"; the type lives in the data.
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimSpace(data)
			eventData.WriteString(data)
		}
	}
}

// record keeps evt for the lookup helpers and hands it to waiters. Waiters
// that fall behind miss events; the lookups never do.
func (c *SSEClient) record(evt SSEEvent) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	select {
	case c.eventsCh <- evt:
	default:
	}
}

// WaitForEvent waits for a specific event type with timeout
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	return c.WaitFor(eventType, nil, timeout)
}

// GetAllEvents returns all received events
func (c *SSEClient) GetAllEvents() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]SSEEvent, len(c.events))
	copy(result, c.events)
	return result
}

// HasEventType checks if an event type was received
func (c *SSEClient) HasEventType(eventType string) bool {
	return c.CountEventType(eventType) > 0
}

// CountEventType counts events of a specific type
func (c *SSEClient) CountEventType(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, evt := range c.events {
		if evt.Type == eventType {
			count++
		}
	}
	return count
}

// Close closes the SSE connection
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.body != nil {
		c.body.Close()
	}
}

// ---- SSE Event Data Helpers ----

// WaitFor waits for the first event of eventType that match accepts. A nil
// match accepts any event of that type.
func (c *SSEClient) WaitFor(eventType string, match func(*SSEEvent) bool, timeout time.Duration) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			if evt.Type == eventType && (match == nil || match(&evt)) {
				return &evt, nil
			}
		case err, ok := <-c.errCh:
			if ok {
				return nil, err
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event: %s", eventType)
		}
	}
}

// Decode unmarshals the event properties into v.
func (evt *SSEEvent) Decode(v any) error {
	return json.Unmarshal(evt.Properties, v)
}

// TurnsEnded returns the turn.completed, turn.cancelled and turn.failed
// events received so far.
func (c *SSEClient) TurnsEnded() []event.TurnEndedData {
	var out []event.TurnEndedData
	for _, evt := range c.GetAllEvents() {
		switch event.EventType(evt.Type) {
		case event.TurnCompleted, event.TurnCancelled, event.TurnFailed:
			var d event.TurnEndedData
			if evt.Decode(&d) == nil {
				out = append(out, d)
			}
		}
	}
	return out
}

// Deliveries returns the deliveries received so far, optionally only of
// one kind.
func (c *SSEClient) Deliveries(kind string) []event.DeliveryData {
	var out []event.DeliveryData
	for _, evt := range c.GetAllEvents() {
		if evt.Type != string(event.DeliveryCreated) {
			continue
		}
		var d event.DeliveryData
		if evt.Decode(&d) != nil {
			continue
		}
		if kind == "" || d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
