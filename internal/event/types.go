package event

import "github.com/opencode-ai/chatbridge/pkg/types"

// TurnStartedData is published when a turn sends its prompt.
type TurnStartedData struct {
	TurnID    string `json:"turnID"`
	ThreadID  string `json:"threadID"`
	SessionID string `json:"sessionID"`
	Model     string `json:"model"`
	Agent     string `json:"agent,omitempty"`
}

// TurnEndedData is published for turn.completed, turn.cancelled and turn.failed.
type TurnEndedData struct {
	TurnID     string `json:"turnID"`
	ThreadID   string `json:"threadID"`
	SessionID  string `json:"sessionID"`
	Reason     string `json:"reason"`
	DurationMS int64  `json:"durationMS"`
	Error      string `json:"error,omitempty"`
}

// DeliveryData carries one message for the chat thread.
type DeliveryData struct {
	ID       string         `json:"id"`
	ThreadID string         `json:"threadID"`
	Kind     string         `json:"kind"`
	Text     string         `json:"text"`
	PartID   string         `json:"partID,omitempty"`
	Files    []types.Media  `json:"files,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PermissionPromptedData is published when a new permission prompt opens.
type PermissionPromptedData struct {
	HandleID   string   `json:"handleID"`
	ThreadID   string   `json:"threadID"`
	SessionID  string   `json:"sessionID"`
	Permission string   `json:"permission"`
	Patterns   []string `json:"patterns"`
	RequestIDs []string `json:"requestIDs"`
}

// PermissionResolvedData is published when a prompt handle is disposed.
type PermissionResolvedData struct {
	HandleID   string   `json:"handleID"`
	ThreadID   string   `json:"threadID"`
	Reply      string   `json:"reply"`
	RequestIDs []string `json:"requestIDs"`
	Auto       bool     `json:"auto"`
}

// QuestionPromptedData is published when a question opens.
type QuestionPromptedData struct {
	RequestID string               `json:"requestID"`
	ThreadID  string               `json:"threadID"`
	Questions []types.QuestionItem `json:"questions"`
}

// QuestionResolvedData is published when all sub-questions are answered.
type QuestionResolvedData struct {
	RequestID string     `json:"requestID"`
	ThreadID  string     `json:"threadID"`
	Answers   [][]string `json:"answers"`
	ByMessage bool       `json:"byMessage"`
}

// QueueChangedData is published when a thread's follow-up queue changes.
type QueueChangedData struct {
	ThreadID string `json:"threadID"`
	Length   int    `json:"length"`
}

// UsageThresholdData is published when context usage crosses a new threshold.
type UsageThresholdData struct {
	ThreadID  string `json:"threadID"`
	SessionID string `json:"sessionID"`
	Percent   int    `json:"percent"`
}
