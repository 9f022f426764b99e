package session

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/chatbridge/internal/upstream"
)

// Reason says why a turn's token was cancelled.
type Reason string

const (
	ReasonNewRequest  Reason = "new-request"
	ReasonModelChange Reason = "model-change"
	ReasonFinished    Reason = "finished"
	ReasonError       Reason = "error"
)

// ParseReason maps unknown reasons to ReasonError.
func ParseReason(s string) Reason {
	switch r := Reason(s); r {
	case ReasonNewRequest, ReasonModelChange, ReasonFinished, ReasonError:
		return r
	}
	return ReasonError
}

// Silent reports whether the user is told nothing when a turn ends this way.
func (r Reason) Silent() bool {
	return r == ReasonNewRequest || r == ReasonModelChange
}

// cancelCause is the context cause of a cancelled token.
type cancelCause struct {
	reason  Reason
	message string
}

func (c *cancelCause) Error() string {
	if c.message != "" {
		return string(c.reason) + ": " + c.message
	}
	return string(c.reason)
}

func (c *cancelCause) Is(target error) bool {
	return target == ErrSuperseded && c.reason.Silent()
}

// Token is the single-use cancellation handle of one turn.
type Token struct {
	ID        string
	ThreadID  string
	SessionID string

	client upstream.Client
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu    sync.Mutex
	cause *cancelCause
}

// Context is cancelled when the token is.
func (t *Token) Context() context.Context { return t.ctx }

// Done is closed once the turn holding the token has fully cleaned up.
func (t *Token) Done() <-chan struct{} { return t.done }

// Cancel cancels the token. Only the first call wins; it reports whether
// this call did.
func (t *Token) Cancel(reason Reason, message string) bool {
	t.mu.Lock()
	if t.cause != nil {
		t.mu.Unlock()
		return false
	}
	t.cause = &cancelCause{reason: reason, message: message}
	cause := t.cause
	t.mu.Unlock()

	t.cancel(cause)
	return true
}

// Reason returns why the token was cancelled, if it was.
func (t *Token) Reason() (Reason, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cause == nil {
		return "", "", false
	}
	return t.cause.reason, t.cause.message, true
}

// Cancelled reports whether Cancel was called.
func (t *Token) Cancelled() bool {
	_, _, ok := t.Reason()
	return ok
}

// registry maps threads and sessions to their active token.
type registry struct {
	mu        sync.Mutex
	byThread  map[string]*Token
	bySession map[string]*Token
}

func newRegistry() *registry {
	return &registry{
		byThread:  make(map[string]*Token),
		bySession: make(map[string]*Token),
	}
}

// open registers a fresh token, replacing any previous one.
func (r *registry) open(parent context.Context, threadID, sessionID string, client upstream.Client) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		SessionID: sessionID,
		client:    client,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.byThread[threadID] = t
	r.bySession[sessionID] = t
	r.mu.Unlock()
	return t
}

func (r *registry) forThread(threadID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byThread[threadID]
}

func (r *registry) forSession(sessionID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySession[sessionID]
}

// remove unregisters t if it is still the registered token.
func (r *registry) remove(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byThread[t.ThreadID] == t {
		delete(r.byThread, t.ThreadID)
	}
	if r.bySession[t.SessionID] == t {
		delete(r.bySession, t.SessionID)
	}
}

func (r *registry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byThread)
}

// causeOf returns the cancel cause of a token context, if it has one.
func causeOf(ctx context.Context) (*cancelCause, bool) {
	var c *cancelCause
	if errors.As(context.Cause(ctx), &c) {
		return c, true
	}
	return nil, false
}
