package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

func TestStoreBinding(t *testing.T) {
	st := Open(t.TempDir())
	ctx := context.Background()

	_, err := st.Binding(ctx, "thread-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.PutBinding(ctx, &types.Binding{ThreadID: "thread-1", SessionID: "ses_1", Directory: "/repo"}))
	require.NoError(t, st.SetBindingStatus(ctx, "thread-1", types.BindingBusy))

	b, err := st.Binding(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", b.SessionID)
	assert.Equal(t, types.BindingBusy, b.Status)
	assert.NotZero(t, b.CreatedAt)

	assert.ErrorIs(t, st.SetBindingStatus(ctx, "nope", types.BindingIdle), ErrNotFound)

	all, err := st.Bindings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStorePreferencesMerge(t *testing.T) {
	st := Open(t.TempDir())
	ctx := context.Background()

	p, err := st.Preferences(ctx, ScopeChannel, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, Preferences{}, p)

	require.NoError(t, st.SetPreferences(ctx, ScopeChannel, "chan-1", Preferences{Model: "openai/gpt-4o", Agent: "build"}))
	require.NoError(t, st.SetPreferences(ctx, ScopeChannel, "chan-1", Preferences{Model: "anthropic/claude"}))

	p, err = st.Preferences(ctx, ScopeChannel, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude", p.Model)
	assert.Equal(t, "build", p.Agent)

	require.NoError(t, st.SetPreferences(ctx, ScopeGlobal, "ignored", Preferences{Verbosity: "all"}))
	g, err := st.Preferences(ctx, ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, "all", g.Verbosity)
}

func TestStorePartMessages(t *testing.T) {
	st := Open(t.TempDir())
	ctx := context.Background()

	require.NoError(t, st.RecordPart(ctx, "thread-1", "prt_a", "chat-1"))
	require.NoError(t, st.RecordPart(ctx, "thread-1", "prt_b", "chat-2"))
	require.NoError(t, st.RecordPart(ctx, "thread-2", "prt_c", "chat-3"))

	parts, err := st.PartMessages(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"prt_a": "chat-1", "prt_b": "chat-2"}, parts)

	empty, err := st.PartMessages(ctx, "thread-9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoreWorktree(t *testing.T) {
	st := Open(t.TempDir())
	ctx := context.Background()

	require.NoError(t, st.PutWorktree(ctx, &types.Worktree{ThreadID: "t1", Name: "fix-bug", Directory: "/wt/fix-bug", Branch: "fix-bug"}))

	w, err := st.Worktree(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "/wt/fix-bug", w.Directory)

	_, err = st.Worktree(ctx, "t2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScopeValid(t *testing.T) {
	assert.True(t, ScopeSession.Valid())
	assert.True(t, ScopeAgent.Valid())
	assert.False(t, Scope("thread").Valid())
}
