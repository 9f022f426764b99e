package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/fragment"
	"github.com/opencode-ai/chatbridge/internal/upstream"
	"github.com/opencode-ai/chatbridge/internal/usage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// turn is one prompt's run through the event loop.
type turn struct {
	m       *Manager
	th      *thread
	tok     *Token
	client  upstream.Client
	binding *types.Binding
	req     turnRequest
	logger  zerolog.Logger

	started  time.Time
	choice   Choice
	buffer   *fragment.Buffer
	subtasks *fragment.Subtasks

	// sentAt is when the prompt went out, in Unix milliseconds. Main
	// session messages created earlier belong to a superseded turn.
	sentAt  int64
	userMsg string
	owned   map[string]bool
	stale   map[string]bool
	pending map[string]bool

	// received is set once the session produced output for this turn.
	received bool
	last     *types.Message
}

type promptResult struct {
	msg *types.Message
	err error
}

func newTurn(m *Manager, th *thread, tok *Token, client upstream.Client, b *types.Binding, req turnRequest) *turn {
	return &turn{
		m:       m,
		th:      th,
		tok:     tok,
		client:  client,
		binding: b,
		req:     req,
		logger: log.With().
			Str("thread", req.threadID).
			Str("session", b.SessionID).
			Str("turn", tok.ID).
			Logger(),
		buffer:   fragment.NewBuffer(),
		subtasks: fragment.NewSubtasks(),
		owned:    make(map[string]bool),
		stale:    make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// run executes the turn and always cleans up before returning.
func (t *turn) run() (*TurnResult, error) {
	t.started = time.Now()
	t.m.metrics.TurnStarted()
	t.setStatus(types.BindingBusy)

	reason, message, err := t.execute()
	res := t.finish(reason, message, err)
	return res, err
}

func (t *turn) execute() (Reason, string, error) {
	ctx := t.tok.Context()

	if parts, err := t.m.store.PartMessages(ctx, t.req.threadID); err != nil {
		t.logger.Warn().Err(err).Msg("loading emitted parts failed")
	} else {
		t.th.emitter.Seed(parts)
	}

	choice, err := t.m.models.Resolve(ctx, t.client, ResolveInput{
		Overrides: t.req.overrides,
		SessionID: t.tok.SessionID,
		ChannelID: t.th.channelID(),
	})
	if ctx.Err() != nil {
		return t.stopped()
	}
	if err != nil {
		return ReasonError, err.Error(), err
	}
	t.choice = choice

	sub, err := t.client.Subscribe(ctx)
	if ctx.Err() != nil {
		return t.stopped()
	}
	if err != nil {
		if errors.Is(err, upstream.ErrUnavailable) {
			return ReasonError, err.Error(), fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		return ReasonError, err.Error(), fmt.Errorf("%w: %w", ErrEventStream, err)
	}
	defer sub.Close()

	t.m.publish(event.Event{Type: event.TurnStarted, Data: event.TurnStartedData{
		TurnID:    t.tok.ID,
		ThreadID:  t.req.threadID,
		SessionID: t.tok.SessionID,
		Model:     choice.Model.String(),
		Agent:     choice.Agent,
	}})
	t.logger.Info().Str("model", choice.Model.String()).Str("source", choice.Source).Msg("turn started")

	t.sentAt = time.Now().UnixMilli()
	promptDone := make(chan promptResult, 1)
	go func() {
		msg, err := t.send(ctx)
		promptDone <- promptResult{msg, err}
	}()

	deadline := time.NewTimer(t.m.turnTimeout())
	defer deadline.Stop()
	var settle <-chan time.Time

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return t.stopped()

		case <-deadline.C:
			t.m.cancel(t.tok, ReasonError, timeoutMessage)

		case <-settle:
			t.logger.Debug().Msg("no idle event after completed prompt, finishing")
			t.flushAll(ctx, true)
			return ReasonFinished, "", nil

		case r := <-promptDone:
			promptDone = nil
			if r.err != nil {
				if ctx.Err() != nil {
					continue
				}
				return ReasonError, r.err.Error(), fmt.Errorf("%w: %w", ErrPromptRejected, r.err)
			}
			if r.msg != nil && r.msg.Role == types.RoleAssistant && r.msg.Completed() {
				t.owned[r.msg.ID] = true
				t.onMessage(ctx, r.msg, true)
				settle = time.After(t.m.cfg().Timeouts.Drain.Std())
			}

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return t.stopped()
				}
				err := sub.Err()
				return ReasonError, "event stream closed", fmt.Errorf("%w: %w", ErrEventStream, err)
			}
			done, err := t.handle(ctx, ev)
			if err != nil {
				return ReasonError, err.Error(), err
			}
			if done {
				return ReasonFinished, "", nil
			}
		}
	}
}

// stopped maps the token's cancel cause to the turn outcome.
func (t *turn) stopped() (Reason, string, error) {
	ctx := t.tok.Context()
	cause, ok := causeOf(ctx)
	if !ok {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ReasonError, timeoutMessage, ErrTimeout
		}
		return ReasonError, "cancelled", ctx.Err()
	}
	switch cause.reason {
	case ReasonNewRequest, ReasonModelChange:
		return cause.reason, cause.message, ErrSuperseded
	case ReasonFinished:
		return ReasonFinished, cause.message, nil
	}
	switch cause.message {
	case abortMessage:
		return ReasonError, abortMessage, ErrAborted
	case timeoutMessage:
		return ReasonError, timeoutMessage, ErrTimeout
	}
	return ReasonError, cause.message, errors.New(cause.message)
}

// send issues the prompt, or the named command when one is set.
func (t *turn) send(ctx context.Context) (*types.Message, error) {
	var media []upstream.PromptPart
	for _, m := range t.req.media {
		media = append(media, upstream.MediaInput(m))
	}

	if cmd := strings.TrimPrefix(t.req.overrides.Command, "/"); cmd != "" {
		return t.client.Command(ctx, t.tok.SessionID, upstream.CommandRequest{
			Command:   cmd,
			Arguments: t.req.prompt,
			Agent:     t.choice.Agent,
			Model:     t.choice.Model.String(),
			Variant:   t.choice.Variant,
			Parts:     media,
		})
	}

	parts := []upstream.PromptPart{upstream.TextInput(t.req.prompt)}
	parts = append(parts, media...)
	parts = append(parts, upstream.SyntheticInput(t.contextBlock()))
	model := t.choice.Model
	return t.client.Prompt(ctx, t.tok.SessionID, upstream.PromptRequest{
		Model:   &model,
		Agent:   t.choice.Agent,
		Variant: t.choice.Variant,
		Parts:   parts,
	})
}

// contextBlock describes the chat side of the conversation to the agent.
func (t *turn) contextBlock() string {
	var b strings.Builder
	b.WriteString("<chat-context>\n")
	fmt.Fprintf(&b, "thread: %s\n", t.req.threadID)
	if ch := t.th.channelID(); ch != "" {
		fmt.Fprintf(&b, "channel: %s\n", ch)
	}
	if u := t.req.overrides.UserID; u != "" {
		fmt.Fprintf(&b, "user: %s\n", u)
	}
	if w, err := t.m.store.Worktree(t.tok.Context(), t.req.threadID); err == nil && w.Branch != "" {
		fmt.Fprintf(&b, "worktree: %s (branch %s)\n", w.Directory, w.Branch)
	}
	b.WriteString("</chat-context>")
	return b.String()
}

// handle processes one event. done reports a successful end of the turn;
// a non-nil error ends it as failed.
func (t *turn) handle(ctx context.Context, ev event.Upstream) (done bool, err error) {
	main := ev.SessionID == t.tok.SessionID || (ev.Kind == event.KindSessionError && ev.SessionID == "")
	if !main {
		if _, ok := t.subtasks.Get(ev.SessionID); !ok {
			return false, nil
		}
	}

	switch ev.Kind {
	case event.KindMessageUpdated:
		t.onMessage(ctx, ev.Message, main)

	case event.KindPartUpdated:
		t.onPart(ctx, ev.Part, main)

	case event.KindSessionError:
		if !main {
			t.logger.Warn().Str("subtask", t.subtasks.Label(ev.SessionID)).Msg("subtask reported an error")
			return false, nil
		}
		if ev.Error == nil {
			return true, errors.New("agent reported an unknown error")
		}
		if ev.Error.Aborted() {
			return false, nil
		}
		t.flushAll(ctx, true)
		return true, ev.Error

	case event.KindPermissionAsked:
		t.onPermission(ctx, ev.Permission, ev.SessionID)

	case event.KindPermissionReplied:
		if p, closed := t.m.permissions.OnUpstreamReplied(ev.PermissionReply.RequestID); closed {
			t.logger.Debug().Str("handle", p.HandleID).Msg("permission prompt answered elsewhere")
		}

	case event.KindQuestionAsked:
		t.onQuestion(ctx, ev.Question)

	case event.KindSessionIdle:
		return t.onIdle(ctx, main), nil

	case event.KindSessionStatus:
		if ev.Status == nil {
			return false, nil
		}
		switch ev.Status.Type {
		case "idle":
			return t.onIdle(ctx, main), nil
		case "retry":
			t.logger.Info().Int("attempt", ev.Status.Attempt).Str("message", ev.Status.Message).Msg("agent retrying")
		}

	case event.KindUnknown:
	}
	return false, nil
}

func (t *turn) onMessage(ctx context.Context, msg *types.Message, main bool) {
	if msg == nil {
		return
	}
	if msg.Role == types.RoleUser {
		if main && t.userMsg == "" && msg.Time.Created >= t.sentAt {
			t.userMsg = msg.ID
		}
		return
	}
	if msg.Role != types.RoleAssistant {
		return
	}
	if !main {
		for _, p := range t.subtasks.SetAssistantMessage(msg.SessionID, msg.ID) {
			t.buffer.Put(p)
			t.flush(ctx, p.PartMessageID(), false)
		}
		if msg.Completed() {
			t.flush(ctx, msg.ID, true)
		}
		return
	}

	if !t.owns(msg) {
		t.logger.Debug().Str("message", msg.ID).Msg("ignoring message from an earlier turn")
		return
	}
	t.received = true
	t.last = msg
	t.checkUsage(ctx, msg)
	t.flush(ctx, msg.ID, msg.Completed())
}

// owns decides once per message whether a main session message was
// produced for this turn's prompt. Parts buffered for a stale message are
// dropped.
func (t *turn) owns(msg *types.Message) bool {
	if t.owned[msg.ID] {
		return true
	}
	if t.stale[msg.ID] {
		return false
	}
	if (msg.ParentID != "" && msg.ParentID == t.userMsg) || (msg.Time.Created > 0 && msg.Time.Created >= t.sentAt) {
		t.owned[msg.ID] = true
		return true
	}
	t.stale[msg.ID] = true
	t.buffer.Drop(msg.ID)
	return false
}

// releasable reports whether parts of a message may be shown. Main session
// parts wait until their message is known to belong to this turn.
func (t *turn) releasable(p types.Part) bool {
	if p.PartSessionID() != t.tok.SessionID {
		return true
	}
	return t.owned[p.PartMessageID()]
}

func (t *turn) onPart(ctx context.Context, p types.Part, main bool) {
	if p == nil {
		return
	}
	msgID := p.PartMessageID()
	if main {
		if t.stale[msgID] {
			return
		}
		if t.owned[msgID] {
			t.received = true
		} else {
			t.pending[msgID] = true
		}
	} else if t.subtasks.Hold(p) {
		return
	}
	release := t.releasable(p)

	if tool, ok := p.(*types.ToolPart); ok {
		if st, isNew := t.subtasks.Observe(tool); isNew {
			t.logger.Debug().Str("child", st.SessionID).Str("label", st.Label).Msg("subtask started")
		}
		if tool.State.Status == types.ToolRunning && release {
			t.buffer.Remove(msgID, tool.ID)
			t.flush(ctx, msgID, true)
		}
	}

	switch p.PartType() {
	case types.PartTypeStepStart, types.PartTypeStepFinish:
		if release {
			t.flush(ctx, msgID, true)
		}
		return
	}

	t.buffer.Put(p)
	if release {
		t.flush(ctx, msgID, false)
	}
}

func (t *turn) onIdle(ctx context.Context, main bool) bool {
	if !main {
		return false
	}
	if !t.received {
		t.logger.Debug().Msg("idle before any output, ignoring")
		return false
	}
	t.flushAll(ctx, true)
	return true
}

func (t *turn) onPermission(ctx context.Context, perm *types.Permission, sessionID string) {
	if perm == nil {
		return
	}
	prompt, opened := t.m.permissions.OnAsked(t.req.threadID, t.binding.Directory, perm)
	if !opened {
		return
	}
	text := fmt.Sprintf("🔐 Permission needed: %s", perm.Permission)
	if len(prompt.Patterns) > 0 {
		text += " `" + strings.Join(prompt.Patterns, "`, `") + "`"
	}
	if label := t.subtasks.Label(sessionID); label != "" {
		text = "[" + label + "] " + text
	}
	d := delivery.New(t.req.threadID, delivery.KindPermission, text)
	d.Meta = map[string]any{
		"handleID":   prompt.HandleID,
		"permission": prompt.Permission,
		"patterns":   prompt.Patterns,
		"replies":    []types.PermissionReply{types.ReplyOnce, types.ReplyAlways, types.ReplyReject},
	}
	if _, err := t.m.sink.Deliver(ctx, d); err != nil {
		t.logger.Warn().Err(err).Str("handle", prompt.HandleID).Msg("permission prompt delivery failed")
	}
}

func (t *turn) onQuestion(ctx context.Context, q *types.Question) {
	if q == nil {
		return
	}
	p, opened := t.m.questions.OnAsked(t.req.threadID, q)
	if !opened {
		return
	}
	var b strings.Builder
	b.WriteString("❓ ")
	for i, item := range p.Questions {
		if len(p.Questions) > 1 {
			fmt.Fprintf(&b, "%d. ", i+1)
		}
		b.WriteString(item.Question)
		b.WriteString("\n")
		for _, opt := range item.Options {
			b.WriteString("   • " + opt.Label)
			if opt.Description != "" {
				b.WriteString(": " + opt.Description)
			}
			b.WriteString("\n")
		}
	}
	d := delivery.New(t.req.threadID, delivery.KindQuestion, strings.TrimRight(b.String(), "\n"))
	d.Meta = map[string]any{"requestID": p.RequestID, "questions": p.Questions}
	if _, err := t.m.sink.Deliver(ctx, d); err != nil {
		t.logger.Warn().Err(err).Str("question", p.RequestID).Msg("question delivery failed")
	}
}

func (t *turn) checkUsage(ctx context.Context, msg *types.Message) {
	if t.choice.ContextLimit <= 0 || msg.Tokens == nil {
		return
	}
	pct := usage.Percent(msg.Tokens.Total(), t.choice.ContextLimit)
	v, ok := t.m.usage.Observe(t.tok.SessionID, pct)
	if !ok {
		return
	}
	t.m.notice(ctx, t.req.threadID, delivery.KindNotice, fmt.Sprintf("📊 Context window %d%% full", v))
	t.m.publish(event.Event{Type: event.UsageThreshold, Data: event.UsageThresholdData{
		ThreadID:  t.req.threadID,
		SessionID: t.tok.SessionID,
		Percent:   v,
	}})
}

func (t *turn) flush(ctx context.Context, messageID string, force bool) {
	parts := t.buffer.Take(messageID, force)
	if len(parts) == 0 {
		return
	}
	t.th.emitter.EmitAll(ctx, parts, t.label)
}

// flushAll flushes every message except main session ones not yet known to
// belong to this turn.
func (t *turn) flushAll(ctx context.Context, force bool) {
	for _, id := range t.buffer.Messages() {
		if t.unclaimed(id) {
			continue
		}
		t.flush(ctx, id, force)
	}
}

func (t *turn) unclaimed(messageID string) bool {
	return t.pending[messageID] && !t.owned[messageID]
}

func (t *turn) label(p types.Part) string {
	if p.PartSessionID() == t.tok.SessionID {
		return ""
	}
	return t.subtasks.Label(p.PartSessionID())
}

// finish flushes and discards turn state, reports the outcome and releases
// the token. Cleanup runs on its own context so a cancelled turn still
// completes it.
func (t *turn) finish(reason Reason, message string, err error) *TurnResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.tok.Context()), cleanupTimeout)
	defer cancel()

	t.flushAll(ctx, !reason.Silent())
	for _, id := range t.buffer.Messages() {
		t.buffer.Drop(id)
	}
	if lost := t.subtasks.Unreleased(); len(lost) > 0 {
		t.logger.Warn().Interface("parts", lost).Msg("subtask output dropped: no assistant message arrived")
	}
	if !reason.Silent() {
		if n, err := t.m.permissions.RejectAll(ctx, t.client, t.req.threadID); err != nil {
			t.logger.Warn().Err(err).Msg("rejecting leftover permissions failed")
		} else if n > 0 {
			t.logger.Info().Int("count", n).Msg("rejected leftover permission requests")
		}
	}

	t.tok.Cancel(reason, message)
	t.m.registry.remove(t.tok)

	res := &TurnResult{
		TurnID:    t.tok.ID,
		ThreadID:  t.req.threadID,
		SessionID: t.tok.SessionID,
		Agent:     t.choice.Agent,
		Reason:    reason,
		Message:   message,
		Duration:  time.Since(t.started),
		Retried:   t.req.retried,
	}
	if !t.choice.Model.IsZero() {
		res.Model = t.choice.Model.String()
	}
	if t.last != nil {
		if t.last.Tokens != nil {
			res.Tokens = *t.last.Tokens
		}
		res.Cost = t.last.Cost
		res.ContextPercent = usage.Percent(res.Tokens.Total(), t.choice.ContextLimit)
	}

	switch reason {
	case ReasonFinished:
		t.m.notice(ctx, t.req.threadID, delivery.KindSummary, summary(res))
	case ReasonError:
		t.m.notice(ctx, t.req.threadID, delivery.KindError, "✖ "+message)
	}

	t.m.metrics.TurnFinished(string(reason), res.Duration)
	ended := event.TurnEndedData{
		TurnID:     res.TurnID,
		ThreadID:   res.ThreadID,
		SessionID:  res.SessionID,
		Reason:     string(reason),
		DurationMS: res.Duration.Milliseconds(),
	}
	typ := event.TurnCompleted
	switch {
	case reason.Silent():
		typ = event.TurnCancelled
	case reason == ReasonError:
		typ = event.TurnFailed
		ended.Error = message
	}
	t.m.publish(event.Event{Type: typ, Data: ended})

	status := types.BindingIdle
	if reason == ReasonError {
		status = types.BindingFailed
	}
	t.setStatus(status)

	l := t.logger.Info()
	if err != nil && !errors.Is(err, ErrSuperseded) {
		l = t.logger.Warn().Err(err)
	}
	l.Str("reason", string(reason)).Dur("duration", res.Duration).Msg("turn ended")

	close(t.tok.done)
	return res
}

func (t *turn) setStatus(status string) {
	ctx := context.WithoutCancel(t.tok.Context())
	if err := t.m.store.SetBindingStatus(ctx, t.req.threadID, status); err != nil {
		t.logger.Debug().Err(err).Str("status", status).Msg("updating binding status failed")
	}
}

// summary renders the completion line of a finished turn.
func summary(res *TurnResult) string {
	parts := []string{"✔ Done in " + formatDuration(res.Duration)}
	switch {
	case res.ContextPercent > 0:
		parts = append(parts, fmt.Sprintf("%.0f%% context", res.ContextPercent))
	case res.Tokens.Total() > 0:
		parts = append(parts, fmt.Sprintf("%d tokens", res.Tokens.Total()))
	}
	if res.Model != "" {
		parts = append(parts, res.Model)
	}
	if res.Agent != "" {
		parts = append(parts, res.Agent)
	}
	return strings.Join(parts, " · ")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
