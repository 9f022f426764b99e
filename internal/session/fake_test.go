package session_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"

	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/upstream"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

type permissionCall struct {
	SessionID string
	RequestID string
	Reply     types.PermissionReply
}

// fakeAgent is an in-memory agent server. Prompts block until their context
// ends unless onPrompt says otherwise; events are fed through feed.
type fakeAgent struct {
	dir  string
	feed chan event.Upstream

	onPrompt func(ctx context.Context, sessionID string, req upstream.PromptRequest) (*types.Message, error)
	// onGetClient runs before every client lookup; an error fails it.
	onGetClient func() error

	mu          sync.Mutex
	providers   *types.ProviderList
	sessions    map[string]bool
	prompts     []upstream.PromptRequest
	aborts      []string
	permissions []permissionCall
	answers     map[string][][]string
	created     int
}

func newFakeAgent(dir string) *fakeAgent {
	return &fakeAgent{
		dir:      dir,
		feed:     make(chan event.Upstream),
		sessions: make(map[string]bool),
		answers:  make(map[string][][]string),
		providers: &types.ProviderList{
			Providers: []types.Provider{{
				ID: "anthropic",
				Models: map[string]types.Model{
					"claude-sonnet": {ID: "claude-sonnet", Limit: types.ModelLimit{Context: 1000}},
					"claude-haiku":  {ID: "claude-haiku", Limit: types.ModelLimit{Context: 1000}},
				},
			}},
			Default: map[string]string{"anthropic": "claude-sonnet"},
		},
	}
}

// GetClient makes the fake its own ClientSource.
func (f *fakeAgent) GetClient(ctx context.Context, dir string) (upstream.Client, error) {
	f.mu.Lock()
	hook := f.onGetClient
	f.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *fakeAgent) setGetClientHook(hook func() error) {
	f.mu.Lock()
	f.onGetClient = hook
	f.mu.Unlock()
}

func (f *fakeAgent) Directory() string { return f.dir }

func (f *fakeAgent) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("ses_%d", f.created)
	f.sessions[id] = true
	return &types.Session{ID: id, Title: title, Directory: f.dir}, nil
}

func (f *fakeAgent) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return nil, &upstream.APIError{Op: "get session", Status: 404, Message: "missing"}
	}
	return &types.Session{ID: sessionID, Directory: f.dir}, nil
}

func (f *fakeAgent) Prompt(ctx context.Context, sessionID string, req upstream.PromptRequest) (*types.Message, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req)
	hook := f.onPrompt
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, sessionID, req)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeAgent) Command(ctx context.Context, sessionID string, req upstream.CommandRequest) (*types.Message, error) {
	return f.Prompt(ctx, sessionID, upstream.PromptRequest{Parts: []upstream.PromptPart{upstream.TextInput("/" + req.Command + " " + req.Arguments)}})
}

func (f *fakeAgent) Abort(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, sessionID)
	return nil
}

func (f *fakeAgent) Revert(ctx context.Context, sessionID, messageID string) error { return nil }

func (f *fakeAgent) Providers(ctx context.Context) (*types.ProviderList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.providers, nil
}

func (f *fakeAgent) Messages(ctx context.Context, sessionID string) ([]upstream.MessageWithParts, error) {
	return nil, nil
}

func (f *fakeAgent) ReplyPermission(ctx context.Context, sessionID, requestID string, reply types.PermissionReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, permissionCall{sessionID, requestID, reply})
	return nil
}

func (f *fakeAgent) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[requestID] = answers
	return nil
}

func (f *fakeAgent) Subscribe(ctx context.Context) (*upstream.Subscription, error) {
	return upstream.NewSubscription(ctx, func(ctx context.Context, emit func(event.Upstream) bool) error {
		for {
			select {
			case ev := <-f.feed:
				if !emit(ev) {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	}), nil
}

// send feeds one event to the running turn.
func (f *fakeAgent) send(ev event.Upstream) {
	select {
	case f.feed <- ev:
	case <-time.After(2 * time.Second):
		Fail("no turn consumed event " + ev.Kind.String())
	}
}

func (f *fakeAgent) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeAgent) prompt(i int) upstream.PromptRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[i]
}

func (f *fakeAgent) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborts)
}

func (f *fakeAgent) permissionCalls() []permissionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]permissionCall(nil), f.permissions...)
}

func (f *fakeAgent) answer(requestID string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers[requestID]
}

// recordingSink keeps every delivery.
type recordingSink struct {
	mu   sync.Mutex
	got  []delivery.Delivery
	next int
}

func (s *recordingSink) Deliver(ctx context.Context, d delivery.Delivery) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.got = append(s.got, d)
	return fmt.Sprintf("chat_%d", s.next), nil
}

func (s *recordingSink) ofKind(kind delivery.Kind) []delivery.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Delivery
	for _, d := range s.got {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (s *recordingSink) texts(kind delivery.Kind) []string {
	var out []string
	for _, d := range s.ofKind(kind) {
		out = append(out, d.Text)
	}
	return out
}

func promptText(req upstream.PromptRequest) string {
	for _, p := range req.Parts {
		if p.Type == types.PartTypeText && !p.Synthetic {
			return p.Text
		}
	}
	return ""
}

func assistant(sessionID, id string) event.Upstream {
	return event.Upstream{
		Kind:      event.KindMessageUpdated,
		SessionID: sessionID,
		Message: &types.Message{
			ID:        id,
			SessionID: sessionID,
			Role:      types.RoleAssistant,
			Time:      types.MessageTime{Created: time.Now().UnixMilli()},
		},
	}
}

func partUpdated(p types.Part) event.Upstream {
	return event.Upstream{Kind: event.KindPartUpdated, SessionID: p.PartSessionID(), Part: p}
}

func openText(sessionID, messageID, id, text string) event.Upstream {
	return partUpdated(&types.TextPart{
		PartBase: types.PartBase{ID: id, SessionID: sessionID, MessageID: messageID, Type: types.PartTypeText},
		Text:     text,
	})
}

func tool(sessionID, messageID, id, name, status string, input map[string]any) *types.ToolPart {
	return &types.ToolPart{
		PartBase: types.PartBase{ID: id, SessionID: sessionID, MessageID: messageID, Type: types.PartTypeTool},
		CallID:   "call_" + id,
		Tool:     name,
		State:    types.ToolState{Status: status, Input: input},
	}
}

func finishedText(sessionID, messageID, id, text string) event.Upstream {
	end := time.Now().UnixMilli()
	return event.Upstream{
		Kind:      event.KindPartUpdated,
		SessionID: sessionID,
		Part: &types.TextPart{
			PartBase: types.PartBase{ID: id, SessionID: sessionID, MessageID: messageID, Type: types.PartTypeText},
			Text:     text,
			Time:     &types.PartTime{Start: &end, End: &end},
		},
	}
}

func idle(sessionID string) event.Upstream {
	return event.Upstream{Kind: event.KindSessionIdle, SessionID: sessionID}
}

func permissionAsked(sessionID, id string, patterns ...string) event.Upstream {
	return event.Upstream{
		Kind:      event.KindPermissionAsked,
		SessionID: sessionID,
		Permission: &types.Permission{
			ID:         id,
			SessionID:  sessionID,
			Permission: "bash",
			Patterns:   patterns,
		},
	}
}
