package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

func taskPart(id, agent, child string) *types.ToolPart {
	p := toolPart(id, "m1", "task", types.ToolRunning, map[string]any{"subagent_type": agent, "description": "look around"})
	if child != "" {
		p.State.Metadata = map[string]any{"sessionId": child}
	}
	return p
}

func childPart(id, session, msg string) *types.ToolPart {
	p := toolPart(id, msg, "read", types.ToolCompleted, nil)
	p.SessionID = session
	return p
}

func TestSubtasks_LabelsCountPerAgent(t *testing.T) {
	s := NewSubtasks()

	_, ok := s.Observe(taskPart("t0", "explore", ""))
	assert.False(t, ok, "no child session yet")

	st, ok := s.Observe(taskPart("t1", "explore", "ses_c1"))
	require.True(t, ok)
	assert.Equal(t, "explore-1", st.Label)

	_, ok = s.Observe(taskPart("t1", "explore", "ses_c1"))
	assert.False(t, ok, "repeated update is not a new subtask")

	st, _ = s.Observe(taskPart("t2", "general", "ses_c2"))
	assert.Equal(t, "general-1", st.Label)
	st, _ = s.Observe(taskPart("t3", "explore", "ses_c3"))
	assert.Equal(t, "explore-2", st.Label)

	assert.Equal(t, "explore-2", s.Label("ses_c3"))
	assert.Equal(t, "", s.Label("ses_main"))

	_, ok = s.Observe(toolPart("x", "m1", "bash", types.ToolRunning, nil))
	assert.False(t, ok)
}

func TestSubtasks_HoldUntilAssistantMessage(t *testing.T) {
	s := NewSubtasks()
	s.Observe(taskPart("t1", "explore", "ses_c1"))

	assert.False(t, s.Hold(childPart("p0", "ses_other", "m")), "unknown session passes through")
	assert.True(t, s.Hold(childPart("p1", "ses_c1", "m_c")))
	assert.True(t, s.Hold(childPart("p2", "ses_c1", "m_c")))
	assert.True(t, s.Hold(childPart("p1", "ses_c1", "m_c")), "update replaces held part")
	assert.Equal(t, map[string][]string{"explore-1": {"p1", "p2"}}, s.Unreleased())

	released := s.SetAssistantMessage("ses_c1", "m_c")
	assert.Equal(t, []string{"p1", "p2"}, ids(released))
	assert.Empty(t, s.Unreleased())

	assert.False(t, s.Hold(childPart("p3", "ses_c1", "m_c")))
	assert.Nil(t, s.SetAssistantMessage("ses_c1", "m_other"))
}
