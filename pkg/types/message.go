package types

import "fmt"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the info record the agent server sends for a user or assistant message.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"`
	Time      MessageTime `json:"time"`

	// User messages.
	Agent string    `json:"agent,omitempty"`
	Model *ModelRef `json:"model,omitempty"`

	// Assistant messages.
	ParentID   string        `json:"parentID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Finish     string        `json:"finish,omitempty"`
	Cost       float64       `json:"cost"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// Completed reports whether an assistant message has finished.
func (m *Message) Completed() bool {
	return m.Time.Completed != nil
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

func (m ModelRef) String() string {
	if m.ProviderID == "" {
		return m.ModelID
	}
	return m.ProviderID + "/" + m.ModelID
}

// IsZero reports whether no model is referenced.
func (m ModelRef) IsZero() bool {
	return m.ProviderID == "" && m.ModelID == ""
}

// ParseModelRef splits "provider/model". A bare model id leaves ProviderID empty.
func ParseModelRef(s string) ModelRef {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return ModelRef{ProviderID: s[:i], ModelID: s[i+1:]}
		}
	}
	return ModelRef{ModelID: s}
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// Total is the number of tokens occupying the context window.
func (t *TokenUsage) Total() int {
	if t == nil {
		return 0
	}
	return t.Input + t.Output + t.Reasoning + t.Cache.Read + t.Cache.Write
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error reported by the agent.
// Format: {"name": "UnknownError", "data": {"message": "..."}}
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message    string `json:"message"`
	ProviderID string `json:"providerID,omitempty"`
}

func (e *MessageError) Error() string {
	if e.Data.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Data.Message)
}

// Aborted reports whether the error is the agent's own abort notification.
func (e *MessageError) Aborted() bool {
	return e != nil && e.Name == "MessageAbortedError"
}
