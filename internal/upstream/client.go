// Package upstream is the bridge's view of the opencode agent server: a
// per-directory request client plus a cancellable, ordered event subscription.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// ErrUnavailable reports that the agent server could not be reached.
var ErrUnavailable = errors.New("agent server unavailable")

// ErrNotFound reports that the requested resource does not exist upstream.
var ErrNotFound = errors.New("not found upstream")

// APIError is a non-2xx reply from the agent server.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// Is maps 404 replies onto ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// Client is the set of agent-server operations the bridge consumes. A Client
// is bound to one project directory.
type Client interface {
	Directory() string

	CreateSession(ctx context.Context, title string) (*types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	Prompt(ctx context.Context, sessionID string, req PromptRequest) (*types.Message, error)
	Command(ctx context.Context, sessionID string, req CommandRequest) (*types.Message, error)
	Abort(ctx context.Context, sessionID string) error
	Revert(ctx context.Context, sessionID, messageID string) error

	Providers(ctx context.Context) (*types.ProviderList, error)
	Messages(ctx context.Context, sessionID string) ([]MessageWithParts, error)

	ReplyPermission(ctx context.Context, sessionID, requestID string, reply types.PermissionReply) error
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error

	// Subscribe opens the directory's event stream. The subscription ends
	// when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context) (*Subscription, error)
}

// PromptPart is one input part of a prompt.
type PromptPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Mime      string `json:"mime,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
}

// TextInput builds a text prompt part.
func TextInput(text string) PromptPart {
	return PromptPart{Type: types.PartTypeText, Text: text}
}

// SyntheticInput builds a text part that is stored with the message but
// hidden from the model's visible transcript.
func SyntheticInput(text string) PromptPart {
	return PromptPart{Type: types.PartTypeText, Text: text, Synthetic: true}
}

// MediaInput builds a file part from an attachment.
func MediaInput(m types.Media) PromptPart {
	return PromptPart{Type: types.PartTypeFile, Mime: m.Mime, Filename: m.Filename, URL: m.URL}
}

// PromptRequest is the body of a prompt call.
type PromptRequest struct {
	MessageID string          `json:"messageID,omitempty"`
	Model     *types.ModelRef `json:"model,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Variant   string          `json:"variant,omitempty"`
	Parts     []PromptPart    `json:"parts"`
}

// CommandRequest runs a named command instead of a free-text prompt.
type CommandRequest struct {
	MessageID string       `json:"messageID,omitempty"`
	Command   string       `json:"command"`
	Arguments string       `json:"arguments"`
	Agent     string       `json:"agent,omitempty"`
	Model     string       `json:"model,omitempty"`
	Variant   string       `json:"variant,omitempty"`
	Parts     []PromptPart `json:"parts,omitempty"`
}

// MessageWithParts is one entry of a session transcript.
type MessageWithParts struct {
	Info  types.Message
	Parts []types.Part
}

// UnmarshalJSON decodes the polymorphic parts list.
func (m *MessageWithParts) UnmarshalJSON(data []byte) error {
	var raw struct {
		Info  types.Message     `json:"info"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Info = raw.Info
	m.Parts = make([]types.Part, 0, len(raw.Parts))
	for _, p := range raw.Parts {
		part, err := types.UnmarshalPart(p)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}
