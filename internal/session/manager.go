package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/fragment"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/internal/permission"
	"github.com/opencode-ai/chatbridge/internal/question"
	"github.com/opencode-ai/chatbridge/internal/queue"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/internal/upstream"
	"github.com/opencode-ai/chatbridge/internal/usage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

const (
	abortTimeout   = 5 * time.Second
	cleanupTimeout = 10 * time.Second
	titleLength    = 60

	abortMessage   = "aborted"
	timeoutMessage = "timed out"
)

// ClientSource hands out agent clients per directory. *upstream.Pool
// satisfies it.
type ClientSource interface {
	GetClient(ctx context.Context, directory string) (upstream.Client, error)
}

// Options configures a Manager. Clients, Store and Sink are required.
type Options struct {
	Clients ClientSource
	Store   *storage.Store
	Sink    delivery.Sink
	Bus     *event.Bus
	Metrics *metrics.Metrics
	Config  *config.Live
}

// TurnResult summarises a finished turn.
type TurnResult struct {
	TurnID         string           `json:"turnID"`
	ThreadID       string           `json:"threadID"`
	SessionID      string           `json:"sessionID"`
	Model          string           `json:"model,omitempty"`
	Agent          string           `json:"agent,omitempty"`
	Reason         Reason           `json:"reason"`
	Message        string           `json:"message,omitempty"`
	Duration       time.Duration    `json:"duration"`
	Tokens         types.TokenUsage `json:"tokens"`
	Cost           float64          `json:"cost,omitempty"`
	ContextPercent float64          `json:"contextPercent,omitempty"`
	Retried        bool             `json:"retried,omitempty"`
}

type turnRequest struct {
	threadID  string
	prompt    string
	media     []types.Media
	overrides types.Overrides
	retried   bool
	fromQueue bool
}

// thread is the state kept for a chat thread across turns.
type thread struct {
	id      string
	admit   sync.Mutex
	emitter *fragment.Emitter
	channel atomic.Value

	// starting counts turns admitted but not yet registered, so a queue
	// drain cannot slip in ahead of them. Guarded by Manager.mu.
	starting int
}

func (t *thread) channelID() string {
	s, _ := t.channel.Load().(string)
	return s
}

// Manager owns every keyed registry of the bridge: active turns, open
// permission prompts and questions, follow-up queues and usage thresholds.
// All mutation goes through its methods.
type Manager struct {
	clients ClientSource
	store   *storage.Store
	sink    delivery.Sink
	bus     *event.Bus
	metrics *metrics.Metrics
	live    *config.Live

	registry    *registry
	permissions *permission.Tracker
	questions   *question.Controller
	queue       *queue.Queue
	usage       *usage.Monitor
	models      *ModelResolver

	mu      sync.Mutex
	threads map[string]*thread
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Config == nil {
		opts.Config = config.NewLive(config.Default())
	}
	return &Manager{
		clients:     opts.Clients,
		store:       opts.Store,
		sink:        opts.Sink,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		live:        opts.Config,
		registry:    newRegistry(),
		permissions: permission.NewTracker(opts.Bus, opts.Metrics),
		questions:   question.NewController(opts.Bus),
		queue:       queue.New(opts.Bus, opts.Metrics),
		usage:       usage.NewMonitor(),
		models:      NewModelResolver(opts.Store, opts.Config),
		threads:     make(map[string]*thread),
	}
}

// Permissions returns the permission tracker.
func (m *Manager) Permissions() *permission.Tracker { return m.permissions }

// Questions returns the question controller.
func (m *Manager) Questions() *question.Controller { return m.questions }

// Models returns the model resolver.
func (m *Manager) Models() *ModelResolver { return m.models }

func (m *Manager) cfg() *config.Config { return m.live.Get() }

func (m *Manager) turnTimeout() time.Duration {
	if d := m.cfg().Timeouts.Turn.Std(); d > 0 {
		return d
	}
	return config.DefaultTurnTimeout
}

func (m *Manager) thread(id string) *thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadLocked(id)
}

func (m *Manager) threadLocked(id string) *thread {
	if th, ok := m.threads[id]; ok {
		return th
	}
	cfg := m.cfg()
	th := &thread{id: id}
	th.channel.Store("")
	th.emitter = fragment.NewEmitter(fragment.EmitterConfig{
		ThreadID:          id,
		Sink:              m.sink,
		Recorder:          m.store,
		Filter:            fragment.NewFilter(cfg.EssentialTools, cfg.QuietTools),
		Verbosity:         func() fragment.Verbosity { return m.verbosity(th) },
		LargeOutputTokens: cfg.LargeOutputTokens,
		Metrics:           m.metrics,
	})
	m.threads[id] = th
	return th
}

// verbosity is read for every fragment: the channel preference wins over
// the configured default, and both may change while a turn runs.
func (m *Manager) verbosity(th *thread) fragment.Verbosity {
	if ch := th.channelID(); ch != "" {
		p, err := m.store.Preferences(context.Background(), storage.ScopeChannel, ch)
		if err == nil {
			if v, ok := fragment.ParseVerbosity(p.Verbosity); ok {
				return v
			}
		}
	}
	if v, ok := fragment.ParseVerbosity(m.cfg().Verbosity); ok {
		return v
	}
	return fragment.VerbosityEssential
}

// Active reports whether a turn is running for the thread.
func (m *Manager) Active(threadID string) bool {
	return m.registry.forThread(threadID) != nil
}

// ActiveTurns returns the number of running turns.
func (m *Manager) ActiveTurns() int {
	return m.registry.active()
}

// RunTurn sends a prompt to the thread's session and streams the agent's
// output to the sink until the turn ends. A running turn of the same thread
// is superseded. RunTurn returns ErrSuperseded when a newer request took
// over, and retries once by itself after a model change.
func (m *Manager) RunTurn(ctx context.Context, threadID, prompt string, media []types.Media, overrides types.Overrides) (*TurnResult, error) {
	return m.runTurn(ctx, turnRequest{
		threadID:  threadID,
		prompt:    prompt,
		media:     media,
		overrides: overrides,
	})
}

func (m *Manager) runTurn(ctx context.Context, req turnRequest) (*TurnResult, error) {
	m.mu.Lock()
	th := m.threadLocked(req.threadID)
	if !req.fromQueue {
		// drainQueue marks queued entries itself.
		th.starting++
	}
	m.mu.Unlock()
	logger := log.With().Str("thread", req.threadID).Logger()

	th.admit.Lock()
	client, binding, err := m.bind(ctx, req)
	if err != nil {
		th.admit.Unlock()
		m.started(th)
		logger.Warn().Err(err).Msg("turn not started")
		m.drainQueue(req.threadID)
		return nil, err
	}
	if ch := binding.ChannelID; ch != "" {
		th.channel.Store(ch)
	}

	if prev := m.registry.forThread(req.threadID); prev != nil {
		m.cancel(prev, ReasonNewRequest, "")
		m.waitPrevious(ctx, prev)
	}
	m.autoResolve(ctx, client, req)

	tok := m.registry.open(ctx, req.threadID, binding.SessionID, client)
	th.admit.Unlock()
	m.started(th)

	t := newTurn(m, th, tok, client, binding, req)
	res, err := t.run()

	switch res.Reason {
	case ReasonModelChange:
		if req.retried {
			return res, err
		}
		logger.Info().Str("session", binding.SessionID).Msg("model changed, retrying turn")
		req.retried = true
		req.fromQueue = false
		req.overrides.Model = ""
		retry, rerr := m.runTurn(ctx, req)
		if retry != nil {
			retry.Retried = true
		}
		return retry, rerr
	case ReasonFinished, ReasonError:
		m.drainQueue(req.threadID)
	}
	return res, err
}

// started releases the starting mark once the turn registered its token or
// gave up.
func (m *Manager) started(th *thread) {
	m.mu.Lock()
	th.starting--
	m.mu.Unlock()
}

// bind returns the client and session for a thread, reusing the stored
// session while it still exists upstream.
func (m *Manager) bind(ctx context.Context, req turnRequest) (upstream.Client, *types.Binding, error) {
	existing, err := m.store.Binding(ctx, req.threadID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("load thread binding: %w", err)
	}

	dir := m.directory(ctx, req, existing)
	client, err := m.clients.GetClient(ctx, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	channel := req.overrides.ChannelID
	if existing != nil && existing.Directory == dir {
		_, err := client.GetSession(ctx, existing.SessionID)
		switch {
		case err == nil:
			if channel != "" && existing.ChannelID != channel {
				existing.ChannelID = channel
				if err := m.store.PutBinding(ctx, existing); err != nil {
					log.Warn().Err(err).Str("thread", req.threadID).Msg("updating binding failed")
				}
			}
			return client, existing, nil
		case !errors.Is(err, upstream.ErrNotFound):
			return nil, nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		log.Info().Str("thread", req.threadID).Str("session", existing.SessionID).Msg("stored session is gone, creating a new one")
	}
	if channel == "" && existing != nil {
		channel = existing.ChannelID
	}

	sess, err := client.CreateSession(ctx, title(req.prompt))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create session: %w", ErrUpstreamUnavailable, err)
	}
	b := &types.Binding{
		ThreadID:  req.threadID,
		ChannelID: channel,
		SessionID: sess.ID,
		Directory: dir,
		Status:    types.BindingIdle,
	}
	if err := m.store.PutBinding(ctx, b); err != nil {
		return nil, nil, fmt.Errorf("save thread binding: %w", err)
	}
	return client, b, nil
}

// directory picks where a thread's agent runs: an explicit override, the
// thread's worktree, the existing binding, then configuration.
func (m *Manager) directory(ctx context.Context, req turnRequest, existing *types.Binding) string {
	if d := req.overrides.Directory; d != "" {
		return d
	}
	if w, err := m.store.Worktree(ctx, req.threadID); err == nil && w.Directory != "" && (w.Status == "" || w.Status == "ready") {
		return w.Directory
	}
	if existing != nil && existing.Directory != "" {
		return existing.Directory
	}
	return m.cfg().Server.Directory
}

// waitPrevious gives a superseded turn time to clean up: up to the drain
// window for its handler, then the grace window for the upstream abort.
func (m *Manager) waitPrevious(ctx context.Context, prev *Token) {
	drain := time.NewTimer(m.cfg().Timeouts.Drain.Std())
	defer drain.Stop()
	select {
	case <-prev.Done():
	case <-drain.C:
		log.Warn().Str("thread", prev.ThreadID).Str("turn", prev.ID).Msg("previous turn still cleaning up, continuing")
	case <-ctx.Done():
		return
	}

	grace := time.NewTimer(m.cfg().Timeouts.Grace.Std())
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-ctx.Done():
	}
}

// autoResolve rejects the thread's open permission prompts and answers its
// open questions with the new prompt. Failures are logged only.
func (m *Manager) autoResolve(ctx context.Context, client upstream.Client, req turnRequest) {
	n, err := m.permissions.RejectAll(ctx, client, req.threadID)
	if err != nil {
		log.Warn().Err(err).Str("thread", req.threadID).Msg("auto-rejecting permissions failed")
	}
	if n > 0 {
		m.notice(ctx, req.threadID, delivery.KindNotice,
			fmt.Sprintf("Rejected %d pending permission request(s) because a new message arrived.", n))
	}
	if _, err := m.questions.OnCancelWithMessage(ctx, client, req.threadID, req.prompt); err != nil {
		log.Warn().Err(err).Str("thread", req.threadID).Msg("answering open question failed")
	}
}

// cancel cancels a token, unregisters it and aborts the session upstream
// without waiting. It reports whether this call cancelled the token.
func (m *Manager) cancel(tok *Token, reason Reason, message string) bool {
	if !tok.Cancel(reason, message) {
		return false
	}
	m.registry.remove(tok)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if err := tok.client.Abort(ctx, tok.SessionID); err != nil {
			log.Warn().Err(err).Str("thread", tok.ThreadID).Str("session", tok.SessionID).Msg("upstream abort failed")
		}
	}()
	return true
}

// Abort stops the thread's running turn. It reports whether one was running.
func (m *Manager) Abort(threadID string) bool {
	tok := m.registry.forThread(threadID)
	if tok == nil {
		return false
	}
	return m.cancel(tok, ReasonError, abortMessage)
}

// ChangeModel stores model as the session preference of the thread. A
// running turn is cancelled and retried once with the new model; restarted
// reports whether that happened.
func (m *Manager) ChangeModel(ctx context.Context, threadID, model string) (restarted bool, err error) {
	b, client, err := m.boundClient(ctx, threadID)
	if err != nil {
		return false, err
	}
	list, err := m.models.Providers(ctx, client)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	ref, ok := match(list, model)
	if !ok {
		return false, unknownModel(list, model)
	}
	if err := m.store.SetPreferences(ctx, storage.ScopeSession, b.SessionID, storage.Preferences{Model: ref.String()}); err != nil {
		return false, fmt.Errorf("save model preference: %w", err)
	}
	if tok := m.registry.forThread(threadID); tok != nil {
		return m.cancel(tok, ReasonModelChange, ref.String()), nil
	}
	return false, nil
}

// Revert rolls the thread's session back to before messageID.
func (m *Manager) Revert(ctx context.Context, threadID, messageID string) error {
	b, client, err := m.boundClient(ctx, threadID)
	if err != nil {
		return err
	}
	return client.Revert(ctx, b.SessionID, messageID)
}

// ReplyPermission answers an open permission prompt.
func (m *Manager) ReplyPermission(ctx context.Context, handleID string, reply types.PermissionReply) error {
	p, ok := m.permissions.Get(handleID)
	if !ok {
		return permission.ErrUnknownHandle
	}
	_, client, err := m.boundClient(ctx, p.ThreadID)
	if err != nil {
		return err
	}
	_, err = m.permissions.OnUserReplied(ctx, client, handleID, reply)
	return err
}

// ReplyQuestion answers one sub-question. Once the question is fully
// answered and the thread is idle, the next queued follow-up starts.
func (m *Manager) ReplyQuestion(ctx context.Context, requestID string, index int, values []string) (resolved bool, err error) {
	p, ok := m.questions.Get(requestID)
	if !ok {
		return false, question.ErrUnknownQuestion
	}
	_, client, err := m.boundClient(ctx, p.ThreadID)
	if err != nil {
		return false, err
	}
	_, resolved, err = m.questions.OnAnswered(ctx, client, requestID, index, values)
	if resolved {
		m.drainQueue(p.ThreadID)
	}
	return resolved, err
}

// EnqueueFollowUp queues a prompt for after the running turn and returns
// its position. An idle thread starts it right away.
func (m *Manager) EnqueueFollowUp(threadID string, e queue.Entry) int {
	pos := m.queue.Enqueue(threadID, e)
	m.drainQueue(threadID)
	return pos
}

// QueueLength returns the number of queued follow-ups.
func (m *Manager) QueueLength(threadID string) int {
	return m.queue.Len(threadID)
}

// QueuedFollowUps lists the queued follow-ups.
func (m *Manager) QueuedFollowUps(threadID string) []queue.Entry {
	return m.queue.List(threadID)
}

// ClearQueue drops every queued follow-up and returns how many there were.
func (m *Manager) ClearQueue(threadID string) int {
	return m.queue.Clear(threadID)
}

// SetPreferences stores preferences at a scope.
func (m *Manager) SetPreferences(ctx context.Context, scope storage.Scope, key string, p storage.Preferences) error {
	if !scope.Valid() {
		return fmt.Errorf("unknown preference scope %q", scope)
	}
	if p.Verbosity != "" {
		if _, ok := fragment.ParseVerbosity(p.Verbosity); !ok {
			return fmt.Errorf("unknown verbosity %q", p.Verbosity)
		}
	}
	return m.store.SetPreferences(ctx, scope, key, p)
}

// drainQueue starts the next queued follow-up when the thread is idle and
// has no open question.
func (m *Manager) drainQueue(threadID string) bool {
	m.mu.Lock()
	th := m.threadLocked(threadID)
	if th.starting > 0 || m.registry.forThread(threadID) != nil || len(m.questions.Open(threadID)) > 0 {
		m.mu.Unlock()
		return false
	}
	e, ok := m.queue.Pop(threadID)
	if !ok {
		m.mu.Unlock()
		return false
	}
	th.starting++
	m.mu.Unlock()

	go func() {
		_, err := m.runTurn(context.Background(), turnRequest{
			threadID:  threadID,
			prompt:    e.Prompt,
			media:     e.Media,
			overrides: e.Overrides,
			fromQueue: true,
		})
		if err != nil && !errors.Is(err, ErrSuperseded) {
			log.Warn().Err(err).Str("thread", threadID).Msg("queued follow-up failed")
		}
	}()
	return true
}

func (m *Manager) boundClient(ctx context.Context, threadID string) (*types.Binding, upstream.Client, error) {
	b, err := m.store.Binding(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrNoSession
	}
	if err != nil {
		return nil, nil, err
	}
	client, err := m.clients.GetClient(ctx, b.Directory)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return b, client, nil
}

// notice delivers a message that is not tied to a fragment.
func (m *Manager) notice(ctx context.Context, threadID string, kind delivery.Kind, text string) {
	d := delivery.New(threadID, kind, text)
	if _, err := m.sink.Deliver(ctx, d); err != nil {
		log.Warn().Err(err).Str("thread", threadID).Str("kind", string(kind)).Msg("notice delivery failed")
	}
}

func (m *Manager) publish(e event.Event) {
	if m.bus != nil {
		m.bus.PublishSync(e)
	}
}

// title derives a session title from the first line of a prompt.
func title(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	if line == "" {
		return "Chat thread"
	}
	if utf8.RuneCountInString(line) <= titleLength {
		return line
	}
	runes := []rune(line)
	return string(runes[:titleLength-1]) + "…"
}
