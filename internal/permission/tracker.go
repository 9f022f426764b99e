package permission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// ErrUnknownHandle is returned when a reply names no open prompt.
var ErrUnknownHandle = errors.New("no open permission prompt")

// ErrInvalidReply is returned for replies other than once, always or reject.
var ErrInvalidReply = errors.New("invalid permission reply")

// Replier answers permission requests upstream.
type Replier interface {
	ReplyPermission(ctx context.Context, sessionID, requestID string, reply types.PermissionReply) error
}

// Prompt is one open permission prompt shown in a thread. Requests that
// share its dedupe key are attached to it instead of opening another.
type Prompt struct {
	HandleID   string
	ThreadID   string
	Key        string
	Permission string
	Patterns   []string
	// Requests maps request id to the session that asked.
	Requests map[string]string
}

// RequestIDs returns the attached request ids in sorted order.
func (p *Prompt) RequestIDs() []string {
	ids := make([]string, 0, len(p.Requests))
	for id := range p.Requests {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Prompt) clone() Prompt {
	c := *p
	c.Patterns = slices.Clone(p.Patterns)
	c.Requests = make(map[string]string, len(p.Requests))
	for k, v := range p.Requests {
		c.Requests[k] = v
	}
	return c
}

// DedupeKey identifies equivalent requests: directory, permission kind and
// the sorted pattern list.
func DedupeKey(directory, kind string, patterns []string) string {
	return directory + "::" + kind + "::" + strings.Join(normalize(patterns), "|")
}

func normalize(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Tracker holds the open permission prompts of every thread.
type Tracker struct {
	bus     *event.Bus
	metrics *metrics.Metrics

	mu        sync.Mutex
	byHandle  map[string]*Prompt
	byRequest map[string]string // request id -> handle id
	byThread  map[string]map[string]string
}

// NewTracker creates a tracker. bus and m may be nil.
func NewTracker(bus *event.Bus, m *metrics.Metrics) *Tracker {
	return &Tracker{
		bus:       bus,
		metrics:   m,
		byHandle:  make(map[string]*Prompt),
		byRequest: make(map[string]string),
		byThread:  make(map[string]map[string]string),
	}
}

// OnAsked records a permission request for a thread. When an open prompt
// with the same key exists the request joins it and opened is false.
func (t *Tracker) OnAsked(threadID, directory string, perm *types.Permission) (prompt Prompt, opened bool) {
	key := DedupeKey(directory, perm.Permission, perm.Patterns)

	t.mu.Lock()
	if handle, ok := t.byRequest[perm.ID]; ok {
		p := t.byHandle[handle].clone()
		t.mu.Unlock()
		return p, false
	}
	if keys, ok := t.byThread[threadID]; ok {
		if handle, ok := keys[key]; ok {
			p := t.byHandle[handle]
			p.Requests[perm.ID] = perm.SessionID
			t.byRequest[perm.ID] = handle
			c := p.clone()
			t.mu.Unlock()

			t.metrics.PermissionPrompt(true)
			log.Debug().Str("thread", threadID).Str("handle", handle).Str("request", perm.ID).Msg("permission request joined open prompt")
			return c, false
		}
	}

	p := &Prompt{
		HandleID:   ulid.Make().String(),
		ThreadID:   threadID,
		Key:        key,
		Permission: perm.Permission,
		Patterns:   normalize(perm.Patterns),
		Requests:   map[string]string{perm.ID: perm.SessionID},
	}
	t.byHandle[p.HandleID] = p
	t.byRequest[perm.ID] = p.HandleID
	if t.byThread[threadID] == nil {
		t.byThread[threadID] = make(map[string]string)
	}
	t.byThread[threadID][key] = p.HandleID
	c := p.clone()
	t.mu.Unlock()

	t.metrics.PermissionPrompt(false)
	t.publish(event.Event{Type: event.PermissionPrompted, Data: event.PermissionPromptedData{
		HandleID:   c.HandleID,
		ThreadID:   threadID,
		SessionID:  perm.SessionID,
		Permission: c.Permission,
		Patterns:   c.Patterns,
		RequestIDs: c.RequestIDs(),
	}})
	return c, true
}

// OnUserReplied answers every request attached to a prompt and disposes it.
// The prompt is removed before replying, so requests arriving meanwhile
// open a fresh prompt instead of being lost.
func (t *Tracker) OnUserReplied(ctx context.Context, r Replier, handleID string, reply types.PermissionReply) (Prompt, error) {
	if !reply.Valid() {
		return Prompt{}, fmt.Errorf("%w: %q", ErrInvalidReply, reply)
	}
	t.mu.Lock()
	p, ok := t.byHandle[handleID]
	if !ok {
		t.mu.Unlock()
		return Prompt{}, ErrUnknownHandle
	}
	t.disposeLocked(p)
	t.mu.Unlock()

	err := replyAll(ctx, r, p, reply)
	t.resolved(p, reply, false)
	return *p, err
}

// OnUpstreamReplied detaches a request that was answered elsewhere. When it
// was the prompt's last request the prompt is disposed and returned.
func (t *Tracker) OnUpstreamReplied(requestID string) (Prompt, bool) {
	t.mu.Lock()
	handle, ok := t.byRequest[requestID]
	if !ok {
		t.mu.Unlock()
		return Prompt{}, false
	}
	delete(t.byRequest, requestID)
	p := t.byHandle[handle]
	delete(p.Requests, requestID)
	if len(p.Requests) > 0 {
		t.mu.Unlock()
		return Prompt{}, false
	}
	t.disposeLocked(p)
	t.mu.Unlock()

	t.resolved(p, "", true)
	return *p, true
}

// RejectAll rejects and disposes every open prompt of a thread. It returns
// the number of requests rejected. Reply failures are joined, not fatal.
func (t *Tracker) RejectAll(ctx context.Context, r Replier, threadID string) (int, error) {
	t.mu.Lock()
	var prompts []*Prompt
	for _, handle := range t.byThread[threadID] {
		prompts = append(prompts, t.byHandle[handle])
	}
	for _, p := range prompts {
		t.disposeLocked(p)
	}
	t.mu.Unlock()

	var (
		n    int
		errs []error
	)
	for _, p := range prompts {
		n += len(p.Requests)
		if err := replyAll(ctx, r, p, types.ReplyReject); err != nil {
			errs = append(errs, err)
		}
		t.resolved(p, types.ReplyReject, true)
	}
	return n, errors.Join(errs...)
}

// Open returns the open prompts of a thread.
func (t *Tracker) Open(threadID string) []Prompt {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Prompt
	for _, handle := range t.byThread[threadID] {
		out = append(out, t.byHandle[handle].clone())
	}
	slices.SortFunc(out, func(a, b Prompt) int { return strings.Compare(a.HandleID, b.HandleID) })
	return out
}

// Get returns an open prompt by handle.
func (t *Tracker) Get(handleID string) (Prompt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byHandle[handleID]
	if !ok {
		return Prompt{}, false
	}
	return p.clone(), true
}

func (t *Tracker) disposeLocked(p *Prompt) {
	delete(t.byHandle, p.HandleID)
	for id := range p.Requests {
		delete(t.byRequest, id)
	}
	if keys := t.byThread[p.ThreadID]; keys != nil {
		if keys[p.Key] == p.HandleID {
			delete(keys, p.Key)
		}
		if len(keys) == 0 {
			delete(t.byThread, p.ThreadID)
		}
	}
}

func (t *Tracker) resolved(p *Prompt, reply types.PermissionReply, auto bool) {
	t.publish(event.Event{Type: event.PermissionResolved, Data: event.PermissionResolvedData{
		HandleID:   p.HandleID,
		ThreadID:   p.ThreadID,
		Reply:      string(reply),
		RequestIDs: p.RequestIDs(),
		Auto:       auto,
	}})
}

func (t *Tracker) publish(e event.Event) {
	if t.bus != nil {
		t.bus.PublishSync(e)
	}
}

// replyAll answers every attached request concurrently. One failure does not
// cancel the others.
func replyAll(ctx context.Context, r Replier, p *Prompt, reply types.PermissionReply) error {
	var g errgroup.Group
	for requestID, sessionID := range p.Requests {
		g.Go(func() error {
			if err := r.ReplyPermission(ctx, sessionID, requestID, reply); err != nil {
				return fmt.Errorf("reply %s to %s: %w", reply, requestID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
