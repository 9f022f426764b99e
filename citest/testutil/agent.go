package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/opencode-ai/chatbridge/internal/upstream"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Script decides which events the agent emits for a prompt. Leaving out a
// session.idle frame keeps the turn running until the test calls Emit.
type Script func(sessionID, prompt string) [][]byte

// FakeAgent is an in-process stand-in for the agent server. It speaks the
// HTTP surface the bridge's SDK client uses and replays scripted events on
// every open /event stream.
type FakeAgent struct {
	*httptest.Server

	mu          sync.Mutex
	script      Script
	sessions    int
	prompts     []string
	aborts      []string
	permissions map[string]string
	answers     map[string][][]string
	subs        map[chan []byte]struct{}
}

// NewFakeAgent starts a fake agent server driven by script.
func NewFakeAgent(script Script) *FakeAgent {
	a := &FakeAgent{
		script:      script,
		permissions: make(map[string]string),
		answers:     make(map[string][][]string),
		subs:        make(map[chan []byte]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /path", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"directory": r.URL.Query().Get("directory")})
	})
	mux.HandleFunc("POST /session", a.createSession)
	mux.HandleFunc("GET /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.Session{ID: r.PathValue("id"), Directory: r.URL.Query().Get("directory")})
	})
	mux.HandleFunc("POST /session/{id}/message", a.prompt)
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{})
	})
	mux.HandleFunc("POST /session/{id}/abort", a.abort)
	mux.HandleFunc("POST /session/{id}/revert", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.Session{ID: r.PathValue("id")})
	})
	mux.HandleFunc("POST /session/{id}/permissions/{pid}", a.replyPermission)
	mux.HandleFunc("POST /question/{id}/reply", a.replyQuestion)
	mux.HandleFunc("GET /config/providers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Providers())
	})
	mux.HandleFunc("GET /event", a.events)

	a.Server = httptest.NewServer(mux)
	return a
}

// Providers is the provider list the fake agent advertises.
func Providers() types.ProviderList {
	return types.ProviderList{
		Providers: []types.Provider{{
			ID:   "anthropic",
			Name: "Anthropic",
			Models: map[string]types.Model{
				"claude-sonnet": {ID: "claude-sonnet", Name: "Claude Sonnet", Limit: types.ModelLimit{Context: 1000, Output: 500}},
				"claude-haiku":  {ID: "claude-haiku", Name: "Claude Haiku", Limit: types.ModelLimit{Context: 1000, Output: 500}},
			},
		}},
		Default: map[string]string{"anthropic": "claude-sonnet"},
	}
}

func (a *FakeAgent) createSession(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.sessions++
	id := fmt.Sprintf("ses_%d", a.sessions)
	a.mu.Unlock()
	writeJSON(w, types.Session{ID: id, Directory: r.URL.Query().Get("directory")})
}

func (a *FakeAgent) prompt(w http.ResponseWriter, r *http.Request) {
	var req upstream.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	sessionID := r.PathValue("id")
	var text string
	for _, p := range req.Parts {
		if p.Type == types.PartTypeText && !p.Synthetic {
			text = p.Text
			break
		}
	}

	a.mu.Lock()
	a.prompts = append(a.prompts, text)
	script := a.script
	a.mu.Unlock()

	if script != nil {
		a.Emit(script(sessionID, text)...)
	}
	writeJSON(w, map[string]any{"info": types.Message{ID: "msg_ack", SessionID: sessionID, Role: types.RoleAssistant}})
}

func (a *FakeAgent) abort(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.aborts = append(a.aborts, r.PathValue("id"))
	a.mu.Unlock()
	writeJSON(w, true)
}

func (a *FakeAgent) replyPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Response string `json:"response"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	a.mu.Lock()
	a.permissions[r.PathValue("pid")] = body.Response
	a.mu.Unlock()
	writeJSON(w, true)
}

func (a *FakeAgent) replyQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answers [][]string `json:"answers"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	a.mu.Lock()
	a.answers[r.PathValue("id")] = body.Answers
	a.mu.Unlock()
	writeJSON(w, true)
}

func (a *FakeAgent) events(w http.ResponseWriter, r *http.Request) {
	ch := make(chan []byte, 64)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.subs, ch)
		a.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Emit sends frames to every open event stream.
func (a *FakeAgent) Emit(frames ...[]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range frames {
		for ch := range a.subs {
			select {
			case ch <- f:
			default:
			}
		}
	}
}

// SetScript replaces the prompt script.
func (a *FakeAgent) SetScript(s Script) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = s
}

// Subscribers returns the number of open event streams.
func (a *FakeAgent) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// Prompts returns the prompt texts received so far.
func (a *FakeAgent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// Aborts returns the sessions that were aborted.
func (a *FakeAgent) Aborts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.aborts...)
}

// PermissionReply returns the reply sent for a permission request.
func (a *FakeAgent) PermissionReply(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permissions[id]
}

// Answers returns the answers sent for a question.
func (a *FakeAgent) Answers(id string) [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.answers[id]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
