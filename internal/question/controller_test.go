package question

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

type fakeReplier struct {
	mu      sync.Mutex
	replies map[string][][]string
	err     error
}

func (f *fakeReplier) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = make(map[string][][]string)
	}
	f.replies[requestID] = answers
	return f.err
}

func question(id string, n int) *types.Question {
	q := &types.Question{ID: id, SessionID: "ses_1"}
	for i := 0; i < n; i++ {
		q.Questions = append(q.Questions, types.QuestionItem{
			Question: "pick one",
			Options:  []types.QuestionOption{{Label: "yes"}, {Label: "no"}},
		})
	}
	return q
}

func TestController_ResolvesOnlyWhenAllAnswered(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	var resolved []event.QuestionResolvedData
	bus.Subscribe(event.QuestionResolved, func(e event.Event) {
		resolved = append(resolved, e.Data.(event.QuestionResolvedData))
	})

	c := NewController(bus)
	_, opened := c.OnAsked("t1", question("que_1", 2))
	require.True(t, opened)

	r := &fakeReplier{}
	p, done, err := c.OnAnswered(context.Background(), r, "que_1", 1, []string{"no"})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, p.Answered())
	assert.Empty(t, r.replies)

	p, done, err = c.OnAnswered(context.Background(), r, "que_1", 0, []string{"yes"})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, [][]string{{"yes"}, {"no"}}, r.replies["que_1"])
	assert.Equal(t, [][]string{{"yes"}, {"no"}}, p.Answers)
	assert.Empty(t, c.Open("t1"))

	require.Len(t, resolved, 1)
	assert.False(t, resolved[0].ByMessage)
}

func TestController_ReansweringDoesNotCountTwice(t *testing.T) {
	c := NewController(nil)
	c.OnAsked("t1", question("que_1", 2))

	r := &fakeReplier{}
	_, done, _ := c.OnAnswered(context.Background(), r, "que_1", 0, []string{"yes"})
	assert.False(t, done)
	_, done, _ = c.OnAnswered(context.Background(), r, "que_1", 0, []string{"no"})
	assert.False(t, done)

	p, ok := c.Get("que_1")
	require.True(t, ok)
	assert.Equal(t, []string{"no"}, p.Answers[0])
}

func TestController_Errors(t *testing.T) {
	c := NewController(nil)
	c.OnAsked("t1", question("que_1", 1))

	_, _, err := c.OnAnswered(context.Background(), &fakeReplier{}, "que_x", 0, nil)
	assert.ErrorIs(t, err, ErrUnknownQuestion)

	_, _, err = c.OnAnswered(context.Background(), &fakeReplier{}, "que_1", 3, nil)
	assert.ErrorIs(t, err, ErrInvalidIndex)

	_, opened := c.OnAsked("t1", question("que_1", 1))
	assert.False(t, opened)
}

func TestController_CancelWithMessage(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	var resolved []event.QuestionResolvedData
	bus.Subscribe(event.QuestionResolved, func(e event.Event) {
		resolved = append(resolved, e.Data.(event.QuestionResolvedData))
	})

	c := NewController(bus)
	c.OnAsked("t1", question("que_1", 3))
	c.OnAsked("t2", question("que_2", 1))

	r := &fakeReplier{}
	_, _, err := c.OnAnswered(context.Background(), r, "que_1", 1, []string{"yes"})
	require.NoError(t, err)

	n, err := c.OnCancelWithMessage(context.Background(), r, "t1", "actually, use postgres")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]string{
		{"actually, use postgres"},
		{"yes"},
		{"actually, use postgres"},
	}, r.replies["que_1"])
	assert.Empty(t, c.Open("t1"))
	assert.Len(t, c.Open("t2"), 1)

	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].ByMessage)

	n, err = c.OnCancelWithMessage(context.Background(), r, "t1", "again")
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestController_ReplyFailureStillDisposes(t *testing.T) {
	c := NewController(nil)
	c.OnAsked("t1", question("que_1", 1))

	r := &fakeReplier{err: errors.New("gone")}
	_, done, err := c.OnAnswered(context.Background(), r, "que_1", 0, []string{"yes"})
	assert.True(t, done)
	assert.Error(t, err)
	_, ok := c.Get("que_1")
	assert.False(t, ok)
}
