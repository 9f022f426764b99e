package fragment

import (
	"fmt"
	"sync"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Subtask is a child session spawned by a task tool call.
type Subtask struct {
	SessionID          string
	Agent              string
	Label              string
	AssistantMessageID string

	held []types.Part
}

// Subtasks maps child session ids to their labels for one turn. Labels are
// "<agent>-<n>" with n counting per agent type.
type Subtasks struct {
	mu        sync.Mutex
	counters  map[string]int
	bySession map[string]*Subtask
}

// NewSubtasks creates an empty tracker.
func NewSubtasks() *Subtasks {
	return &Subtasks{
		counters:  make(map[string]int),
		bySession: make(map[string]*Subtask),
	}
}

// Observe registers the child session of a task tool call once its session
// id is known. It returns the subtask and whether it was new.
func (s *Subtasks) Observe(p *types.ToolPart) (*Subtask, bool) {
	if p.Tool != "task" || p.State.Metadata == nil {
		return nil, false
	}
	childID, _ := p.State.Metadata["sessionId"].(string)
	if childID == "" {
		return nil, false
	}
	agent := p.InputString("subagent_type")
	if agent == "" {
		agent = "task"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.bySession[childID]; ok {
		return st, false
	}
	s.counters[agent]++
	st := &Subtask{
		SessionID: childID,
		Agent:     agent,
		Label:     fmt.Sprintf("%s-%d", agent, s.counters[agent]),
	}
	s.bySession[childID] = st
	return st, true
}

// Get returns the subtask for a child session.
func (s *Subtasks) Get(sessionID string) (*Subtask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.bySession[sessionID]
	return st, ok
}

// Label returns the label of a child session, or "".
func (s *Subtasks) Label(sessionID string) string {
	if st, ok := s.Get(sessionID); ok {
		return st.Label
	}
	return ""
}

// Hold keeps a part until the subtask's assistant message id is known. It
// returns false when the id is already known and the part can proceed.
func (s *Subtasks) Hold(p types.Part) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.bySession[p.PartSessionID()]
	if !ok || st.AssistantMessageID != "" {
		return false
	}
	for i, h := range st.held {
		if h.PartID() == p.PartID() {
			st.held[i] = p
			return true
		}
	}
	st.held = append(st.held, p)
	return true
}

// SetAssistantMessage records the subtask's assistant message id and
// releases the parts held for it.
func (s *Subtasks) SetAssistantMessage(sessionID, messageID string) []types.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.bySession[sessionID]
	if !ok || st.AssistantMessageID != "" {
		return nil
	}
	st.AssistantMessageID = messageID
	released := st.held
	st.held = nil
	return released
}

// Unreleased returns, per label, the ids of held parts that never saw an
// assistant message id.
func (s *Subtasks) Unreleased() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string)
	for _, st := range s.bySession {
		for _, p := range st.held {
			out[st.Label] = append(out[st.Label], p.PartID())
		}
	}
	return out
}
