package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/opencode-ai/chatbridge/internal/server"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get performs a GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs a POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Put performs a PUT request with JSON body
func (c *TestClient) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body, opts...)
}

// Delete performs a DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

func (c *TestClient) do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// ---- Bridge API Helpers ----

// RunTurn posts a turn and waits for its result.
func (c *TestClient) RunTurn(ctx context.Context, threadID, prompt string) (*session.TurnResult, error) {
	resp, err := c.Post(ctx, "/thread/"+url.PathEscape(threadID)+"/turn",
		server.TurnRequest{Prompt: prompt}, WithQuery(map[string]string{"wait": "true"}))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("run turn: %d %s", resp.StatusCode, resp.String())
	}
	var res session.TurnResult
	if err := resp.JSON(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StartTurn posts a turn without waiting for it.
func (c *TestClient) StartTurn(ctx context.Context, threadID, prompt string) error {
	resp, err := c.Post(ctx, "/thread/"+url.PathEscape(threadID)+"/turn", server.TurnRequest{Prompt: prompt})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("start turn: %d %s", resp.StatusCode, resp.String())
	}
	return nil
}

// Enqueue queues a follow-up and returns the queue state.
func (c *TestClient) Enqueue(ctx context.Context, threadID, prompt string) (*server.QueueResponse, error) {
	resp, err := c.Post(ctx, "/thread/"+url.PathEscape(threadID)+"/queue", server.TurnRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("enqueue: %d %s", resp.StatusCode, resp.String())
	}
	var q server.QueueResponse
	return &q, resp.JSON(&q)
}

// Queue returns the queued follow-ups of a thread.
func (c *TestClient) Queue(ctx context.Context, threadID string) (*server.QueueResponse, error) {
	resp, err := c.Get(ctx, "/thread/"+url.PathEscape(threadID)+"/queue")
	if err != nil {
		return nil, err
	}
	var q server.QueueResponse
	return &q, resp.JSON(&q)
}

// Abort stops the running turn of a thread.
func (c *TestClient) Abort(ctx context.Context, threadID string) (bool, error) {
	resp, err := c.Post(ctx, "/thread/"+url.PathEscape(threadID)+"/abort", nil)
	if err != nil {
		return false, err
	}
	var body struct {
		Aborted bool `json:"aborted"`
	}
	if err := resp.JSON(&body); err != nil {
		return false, err
	}
	return body.Aborted, nil
}

// ReplyPermission answers a permission prompt by its handle.
func (c *TestClient) ReplyPermission(ctx context.Context, handleID string, reply types.PermissionReply) (*Response, error) {
	return c.Post(ctx, "/permission/"+url.PathEscape(handleID), server.PermissionReplyRequest{Reply: reply})
}

// AnswerQuestion answers one item of a question.
func (c *TestClient) AnswerQuestion(ctx context.Context, requestID string, index int, values ...string) (bool, error) {
	resp, err := c.Post(ctx, "/question/"+url.PathEscape(requestID), server.QuestionAnswerRequest{Index: index, Values: values})
	if err != nil {
		return false, err
	}
	if !resp.IsSuccess() {
		return false, fmt.Errorf("answer question: %d %s", resp.StatusCode, resp.String())
	}
	var body struct {
		Resolved bool `json:"resolved"`
	}
	if err := resp.JSON(&body); err != nil {
		return false, err
	}
	return body.Resolved, nil
}
