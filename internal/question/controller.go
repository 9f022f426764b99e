// Package question tracks interactive questions the agent asks a thread and
// answers them upstream once every sub-question has an answer.
package question

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

var (
	// ErrUnknownQuestion is returned when an answer names no open question.
	ErrUnknownQuestion = errors.New("no open question")
	// ErrInvalidIndex is returned for a sub-question index out of range.
	ErrInvalidIndex = errors.New("sub-question index out of range")
)

// Replier answers questions upstream.
type Replier interface {
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error
}

// Pending is an open question and the answers collected so far.
type Pending struct {
	RequestID string
	ThreadID  string
	SessionID string
	Questions []types.QuestionItem
	Answers   [][]string
	answered  []bool
}

// Answered returns the number of sub-questions with an answer.
func (p *Pending) Answered() int {
	n := 0
	for _, ok := range p.answered {
		if ok {
			n++
		}
	}
	return n
}

// Complete reports whether every sub-question is answered.
func (p *Pending) Complete() bool {
	return p.Answered() == len(p.Questions)
}

func (p *Pending) clone() Pending {
	c := *p
	c.Questions = slices.Clone(p.Questions)
	c.Answers = make([][]string, len(p.Answers))
	for i, a := range p.Answers {
		c.Answers[i] = slices.Clone(a)
	}
	c.answered = slices.Clone(p.answered)
	return c
}

// Controller holds the open questions of every thread. A question is kept
// until it is resolved, even when the turn that raised it has ended.
type Controller struct {
	bus *event.Bus

	mu        sync.Mutex
	byRequest map[string]*Pending
	byThread  map[string][]string
}

// NewController creates a controller. bus may be nil.
func NewController(bus *event.Bus) *Controller {
	return &Controller{
		bus:       bus,
		byRequest: make(map[string]*Pending),
		byThread:  make(map[string][]string),
	}
}

// OnAsked opens a question for a thread. A repeated request id is ignored.
func (c *Controller) OnAsked(threadID string, q *types.Question) (Pending, bool) {
	c.mu.Lock()
	if p, ok := c.byRequest[q.ID]; ok {
		cp := p.clone()
		c.mu.Unlock()
		return cp, false
	}
	p := &Pending{
		RequestID: q.ID,
		ThreadID:  threadID,
		SessionID: q.SessionID,
		Questions: slices.Clone(q.Questions),
		Answers:   make([][]string, len(q.Questions)),
		answered:  make([]bool, len(q.Questions)),
	}
	c.byRequest[q.ID] = p
	c.byThread[threadID] = append(c.byThread[threadID], q.ID)
	cp := p.clone()
	c.mu.Unlock()

	c.publish(event.Event{Type: event.QuestionPrompted, Data: event.QuestionPromptedData{
		RequestID: q.ID,
		ThreadID:  threadID,
		Questions: cp.Questions,
	}})
	return cp, true
}

// OnAnswered records the answer to one sub-question. The question is
// replied upstream and disposed once all sub-questions are answered;
// resolved reports whether that happened.
func (c *Controller) OnAnswered(ctx context.Context, r Replier, requestID string, index int, values []string) (p Pending, resolved bool, err error) {
	c.mu.Lock()
	pending, ok := c.byRequest[requestID]
	if !ok {
		c.mu.Unlock()
		return Pending{}, false, ErrUnknownQuestion
	}
	if index < 0 || index >= len(pending.Questions) {
		c.mu.Unlock()
		return Pending{}, false, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, len(pending.Questions))
	}
	pending.Answers[index] = slices.Clone(values)
	pending.answered[index] = true
	if !pending.Complete() {
		cp := pending.clone()
		c.mu.Unlock()
		return cp, false, nil
	}
	c.disposeLocked(pending)
	c.mu.Unlock()

	err = c.reply(ctx, r, pending, false)
	return pending.clone(), true, err
}

// OnCancelWithMessage resolves every open question of a thread, using text
// as the answer to each unanswered sub-question. It returns the number of
// questions resolved.
func (c *Controller) OnCancelWithMessage(ctx context.Context, r Replier, threadID, text string) (int, error) {
	c.mu.Lock()
	var open []*Pending
	for _, id := range c.byThread[threadID] {
		open = append(open, c.byRequest[id])
	}
	for _, p := range open {
		for i := range p.Questions {
			if !p.answered[i] {
				p.Answers[i] = []string{text}
				p.answered[i] = true
			}
		}
		c.disposeLocked(p)
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range open {
		if err := c.reply(ctx, r, p, true); err != nil {
			errs = append(errs, err)
		}
	}
	return len(open), errors.Join(errs...)
}

// Open returns the open questions of a thread in arrival order.
func (c *Controller) Open(threadID string) []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Pending
	for _, id := range c.byThread[threadID] {
		out = append(out, c.byRequest[id].clone())
	}
	return out
}

// Get returns an open question by request id.
func (c *Controller) Get(requestID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byRequest[requestID]
	if !ok {
		return Pending{}, false
	}
	return p.clone(), true
}

func (c *Controller) disposeLocked(p *Pending) {
	delete(c.byRequest, p.RequestID)
	ids := slices.DeleteFunc(c.byThread[p.ThreadID], func(id string) bool { return id == p.RequestID })
	if len(ids) == 0 {
		delete(c.byThread, p.ThreadID)
		return
	}
	c.byThread[p.ThreadID] = ids
}

func (c *Controller) reply(ctx context.Context, r Replier, p *Pending, byMessage bool) error {
	err := r.ReplyQuestion(ctx, p.RequestID, p.Answers)
	if err != nil {
		log.Warn().Err(err).Str("thread", p.ThreadID).Str("question", p.RequestID).Msg("question reply failed")
		err = fmt.Errorf("reply question %s: %w", p.RequestID, err)
	}
	c.publish(event.Event{Type: event.QuestionResolved, Data: event.QuestionResolvedData{
		RequestID: p.RequestID,
		ThreadID:  p.ThreadID,
		Answers:   p.Answers,
		ByMessage: byMessage,
	}})
	return err
}

func (c *Controller) publish(e event.Event) {
	if c.bus != nil {
		c.bus.PublishSync(e)
	}
}
