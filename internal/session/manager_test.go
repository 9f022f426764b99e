package session_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/queue"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

type outcome struct {
	res *session.TurnResult
	err error
}

func start(m *session.Manager, threadID, prompt string, o types.Overrides) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		res, err := m.RunTurn(context.Background(), threadID, prompt, nil, o)
		done <- outcome{res, err}
	}()
	return done
}

func testConfig() *config.Live {
	cfg := config.Default()
	cfg.Server.Directory = "/work/repo"
	cfg.Timeouts.Grace = config.Duration(10 * time.Millisecond)
	cfg.Timeouts.Drain = config.Duration(200 * time.Millisecond)
	return config.NewLive(cfg)
}

var _ = Describe("Manager", func() {
	const thread = "thread-1"

	var (
		ctx   context.Context
		agent *fakeAgent
		store *storage.Store
		sink  *recordingSink
		bus   *event.Bus
		mgr   *session.Manager
	)

	newManager := func(s *recordingSink) *session.Manager {
		return session.NewManager(session.Options{
			Clients: agent,
			Store:   store,
			Sink:    s,
			Bus:     bus,
			Config:  testConfig(),
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		agent = newFakeAgent("/work/repo")
		store = storage.Open(GinkgoT().TempDir())
		sink = &recordingSink{}
		bus = event.NewBus()
		DeferCleanup(bus.Close)
		mgr = newManager(sink)
	})

	finishTurn := func(sessionID, messageID string) {
		agent.send(assistant(sessionID, messageID))
		agent.send(idle(sessionID))
	}

	Describe("RunTurn", func() {
		It("creates a session, streams text and reports completion", func() {
			done := start(mgr, thread, "hello there", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			req := agent.prompt(0)
			Expect(promptText(req)).To(Equal("hello there"))
			Expect(req.Model).NotTo(BeNil())
			Expect(req.Model.String()).To(Equal("anthropic/claude-sonnet"))
			Expect(req.Parts[len(req.Parts)-1].Synthetic).To(BeTrue())
			Expect(req.Parts[len(req.Parts)-1].Text).To(ContainSubstring("thread: thread-1"))

			agent.send(assistant("ses_1", "msg_1"))
			agent.send(finishedText("ses_1", "msg_1", "prt_1", "Hi!"))
			agent.send(idle("ses_1"))

			var out outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).NotTo(HaveOccurred())
			Expect(out.res.Reason).To(Equal(session.ReasonFinished))
			Expect(out.res.SessionID).To(Equal("ses_1"))
			Expect(sink.texts(delivery.KindFragment)).To(Equal([]string{"Hi!"}))
			Expect(sink.texts(delivery.KindSummary)).To(ConsistOf(HavePrefix("✔ Done in")))

			b, err := store.Binding(ctx, thread)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.SessionID).To(Equal("ses_1"))
			Expect(b.Status).To(Equal(types.BindingIdle))
			Expect(mgr.Active(thread)).To(BeFalse())
		})

		It("ignores an idle event that arrives before any output", func() {
			done := start(mgr, thread, "hello", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			agent.send(idle("ses_1"))
			Consistently(done, 100*time.Millisecond).ShouldNot(Receive())

			finishTurn("ses_1", "msg_1")
			Eventually(done).Should(Receive())
		})

		It("fails with ErrNoModelAvailable when no provider has a default", func() {
			agent.providers = &types.ProviderList{}

			res, err := mgr.RunTurn(ctx, thread, "hello", nil, types.Overrides{})
			Expect(err).To(MatchError(session.ErrNoModelAvailable))
			Expect(res.Reason).To(Equal(session.ReasonError))
			Expect(agent.promptCount()).To(BeZero())
			Expect(sink.texts(delivery.KindError)).To(HaveLen(1))
		})

		It("suggests the closest model for an unknown override", func() {
			_, err := mgr.RunTurn(ctx, thread, "hello", nil, types.Overrides{Model: "claude-sonet"})
			Expect(err).To(MatchError(session.ErrUnknownModel))
			Expect(err.Error()).To(ContainSubstring(`did you mean "anthropic/claude-sonnet"`))
		})

		It("never emits a part twice, even across restarts", func() {
			done := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))
			agent.send(assistant("ses_1", "msg_1"))
			agent.send(finishedText("ses_1", "msg_1", "prt_1", "one"))
			agent.send(idle("ses_1"))
			Eventually(done).Should(Receive())

			restartedSink := &recordingSink{}
			restarted := newManager(restartedSink)
			done = start(restarted, thread, "second", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(2))
			agent.send(assistant("ses_1", "msg_1"))
			agent.send(assistant("ses_1", "msg_2"))
			agent.send(finishedText("ses_1", "msg_1", "prt_1", "one"))
			agent.send(finishedText("ses_1", "msg_2", "prt_2", "two"))
			agent.send(idle("ses_1"))
			Eventually(done).Should(Receive())

			Expect(restartedSink.texts(delivery.KindFragment)).To(Equal([]string{"two"}))
		})

		It("announces context usage once per threshold", func() {
			done := start(mgr, thread, "hello", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			msg := assistant("ses_1", "msg_1")
			msg.Message.Tokens = &types.TokenUsage{Input: 250}
			agent.send(msg)
			msg = assistant("ses_1", "msg_1")
			msg.Message.Tokens = &types.TokenUsage{Input: 280}
			agent.send(msg)
			agent.send(idle("ses_1"))
			Eventually(done).Should(Receive())

			Expect(sink.texts(delivery.KindNotice)).To(Equal([]string{"📊 Context window 20% full"}))
		})

		It("holds subtask output until the child's assistant message is known", func() {
			done := start(mgr, thread, "explore the repo", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			task := tool("ses_1", "msg_1", "prt_task", "task", types.ToolRunning,
				map[string]any{"subagent_type": "explore", "description": "look around"})
			task.State.Metadata = map[string]any{"sessionId": "ses_child"}
			agent.send(assistant("ses_1", "msg_1"))
			agent.send(partUpdated(task))

			read := tool("ses_child", "msg_c", "prt_read", "read", types.ToolCompleted, map[string]any{"filePath": "main.go"})
			agent.send(partUpdated(read))
			agent.send(finishedText("ses_child", "msg_c", "prt_note", "thinking aloud"))
			Consistently(func() []string { return sink.texts(delivery.KindFragment) }, 50*time.Millisecond).Should(BeEmpty())

			agent.send(assistant("ses_child", "msg_c"))
			Eventually(func() []string { return sink.texts(delivery.KindFragment) }).
				Should(Equal([]string{"[explore-1] ✔ read `main.go`"}))

			finished := tool("ses_1", "msg_1", "prt_task", "task", types.ToolCompleted, task.State.Input)
			finished.State.Metadata = task.State.Metadata
			agent.send(partUpdated(finished))
			agent.send(idle("ses_1"))
			Eventually(done).Should(Receive())

			Expect(sink.texts(delivery.KindFragment)).To(Equal([]string{
				"[explore-1] ✔ read `main.go`",
				"✔ task look around",
			}))
		})

		It("flushes earlier output of a message when a tool starts running", func() {
			done := start(mgr, thread, "write the file", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			agent.send(assistant("ses_1", "msg_1"))
			agent.send(openText("ses_1", "msg_1", "prt_1", "Let me write it"))
			Consistently(func() []string { return sink.texts(delivery.KindFragment) }, 50*time.Millisecond).Should(BeEmpty())

			write := map[string]any{"filePath": "out.txt"}
			agent.send(partUpdated(tool("ses_1", "msg_1", "prt_2", "write", types.ToolRunning, write)))
			Eventually(func() []string { return sink.texts(delivery.KindFragment) }).
				Should(Equal([]string{"Let me write it"}))

			agent.send(partUpdated(tool("ses_1", "msg_1", "prt_2", "write", types.ToolCompleted, write)))
			agent.send(idle("ses_1"))
			Eventually(done).Should(Receive())

			Expect(sink.texts(delivery.KindFragment)).To(Equal([]string{"Let me write it", "✔ write `out.txt`"}))
		})
	})

	Describe("supersession", func() {
		It("keeps at most one turn per thread and cancels the older one silently", func() {
			first := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			second := start(mgr, thread, "second", types.Overrides{})

			var out outcome
			Eventually(first).Should(Receive(&out))
			Expect(out.err).To(MatchError(session.ErrSuperseded))
			Expect(out.res.Reason).To(Equal(session.ReasonNewRequest))
			Eventually(agent.abortCount).Should(Equal(1))

			Eventually(agent.promptCount).Should(Equal(2))
			Expect(promptText(agent.prompt(1))).To(Equal("second"))
			Expect(mgr.ActiveTurns()).To(Equal(1))

			finishTurn("ses_1", "msg_2")
			Eventually(second).Should(Receive(&out))
			Expect(out.err).NotTo(HaveOccurred())
			Expect(sink.texts(delivery.KindError)).To(BeEmpty())
			Expect(sink.ofKind(delivery.KindSummary)).To(HaveLen(1))
		})

		It("does not let the superseded turn's late message and idle end the new turn", func() {
			first := start(mgr, thread, "fix the bug", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			second := start(mgr, thread, "actually use TypeScript", types.Overrides{})
			Eventually(first).Should(Receive())
			Eventually(agent.promptCount).Should(Equal(2))

			late := assistant("ses_1", "msg_1")
			late.Message.Time.Created = time.Now().Add(-time.Second).UnixMilli()
			agent.send(late)
			agent.send(finishedText("ses_1", "msg_1", "prt_old", "old answer"))
			agent.send(idle("ses_1"))
			Consistently(second, 100*time.Millisecond).ShouldNot(Receive())

			agent.send(assistant("ses_1", "msg_2"))
			agent.send(finishedText("ses_1", "msg_2", "prt_new", "TypeScript it is"))
			agent.send(idle("ses_1"))

			var out outcome
			Eventually(second).Should(Receive(&out))
			Expect(out.err).NotTo(HaveOccurred())
			Expect(out.res.Reason).To(Equal(session.ReasonFinished))
			Expect(sink.texts(delivery.KindFragment)).To(Equal([]string{"TypeScript it is"}))
			Expect(sink.ofKind(delivery.KindSummary)).To(HaveLen(1))
		})

		It("rejects open permission prompts when a new message arrives", func() {
			first := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))
			agent.send(permissionAsked("ses_1", "per_1", "rm -rf build"))
			Eventually(func() []delivery.Delivery { return sink.ofKind(delivery.KindPermission) }).Should(HaveLen(1))

			second := start(mgr, thread, "never mind", types.Overrides{})
			Eventually(first).Should(Receive())
			Eventually(agent.permissionCalls).Should(ConsistOf(permissionCall{"ses_1", "per_1", types.ReplyReject}))
			Expect(sink.texts(delivery.KindNotice)).To(ContainElement(
				"Rejected 1 pending permission request(s) because a new message arrived."))

			Eventually(agent.promptCount).Should(Equal(2))
			finishTurn("ses_1", "msg_2")
			Eventually(second).Should(Receive())
		})

		It("answers an open question with the new message", func() {
			first := start(mgr, thread, "set up the db", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))
			agent.send(event.Upstream{
				Kind:      event.KindQuestionAsked,
				SessionID: "ses_1",
				Question: &types.Question{
					ID:        "que_1",
					SessionID: "ses_1",
					Questions: []types.QuestionItem{{Question: "Which database?"}},
				},
			})
			Eventually(func() []delivery.Delivery { return sink.ofKind(delivery.KindQuestion) }).Should(HaveLen(1))

			second := start(mgr, thread, "use postgres", types.Overrides{})
			Eventually(first).Should(Receive())
			Eventually(func() [][]string { return agent.answer("que_1") }).Should(Equal([][]string{{"use postgres"}}))
			Expect(mgr.Questions().Open(thread)).To(BeEmpty())

			Eventually(agent.promptCount).Should(Equal(2))
			finishTurn("ses_1", "msg_2")
			Eventually(second).Should(Receive())
		})
	})

	Describe("ChangeModel", func() {
		It("restarts the running turn once with the new model", func() {
			done := start(mgr, thread, "refactor", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			restarted, err := mgr.ChangeModel(ctx, thread, "claude-haiku")
			Expect(err).NotTo(HaveOccurred())
			Expect(restarted).To(BeTrue())

			Eventually(agent.promptCount).Should(Equal(2))
			Expect(agent.prompt(1).Model.String()).To(Equal("anthropic/claude-haiku"))
			Expect(promptText(agent.prompt(1))).To(Equal("refactor"))

			finishTurn("ses_1", "msg_2")
			var out outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).NotTo(HaveOccurred())
			Expect(out.res.Retried).To(BeTrue())
			Expect(out.res.Model).To(Equal("anthropic/claude-haiku"))
		})

		It("does not retry a second time", func() {
			done := start(mgr, thread, "refactor", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			_, err := mgr.ChangeModel(ctx, thread, "claude-haiku")
			Expect(err).NotTo(HaveOccurred())
			Eventually(agent.promptCount).Should(Equal(2))

			_, err = mgr.ChangeModel(ctx, thread, "claude-sonnet")
			Expect(err).NotTo(HaveOccurred())

			var out outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).To(MatchError(session.ErrSuperseded))
			Expect(out.res.Reason).To(Equal(session.ReasonModelChange))
			Consistently(agent.promptCount, 100*time.Millisecond).Should(Equal(2))
		})

		It("rejects models the agent does not offer", func() {
			done := start(mgr, thread, "refactor", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			_, err := mgr.ChangeModel(ctx, thread, "gpt-9")
			Expect(err).To(MatchError(session.ErrUnknownModel))
			Expect(mgr.Active(thread)).To(BeTrue())

			finishTurn("ses_1", "msg_1")
			Eventually(done).Should(Receive())
		})

		It("requires a bound session", func() {
			_, err := mgr.ChangeModel(ctx, "unknown-thread", "claude-haiku")
			Expect(err).To(MatchError(session.ErrNoSession))
		})
	})

	Describe("Abort", func() {
		It("stops the running turn and reports it", func() {
			done := start(mgr, thread, "long job", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			Expect(mgr.Abort(thread)).To(BeTrue())
			var out outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).To(MatchError(session.ErrAborted))
			Expect(out.res.Reason).To(Equal(session.ReasonError))
			Expect(sink.texts(delivery.KindError)).To(Equal([]string{"✖ aborted"}))
			Eventually(agent.abortCount).Should(Equal(1))

			b, err := store.Binding(ctx, thread)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Status).To(Equal(types.BindingFailed))
		})

		It("reports false for an idle thread", func() {
			Expect(mgr.Abort(thread)).To(BeFalse())
		})
	})

	Describe("permission prompts", func() {
		It("shows duplicate requests once and replies to all of them", func() {
			done := start(mgr, thread, "publish", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			agent.send(permissionAsked("ses_1", "per_1", "npm publish", "git push"))
			agent.send(permissionAsked("ses_1", "per_2", "git push", "npm publish"))
			agent.send(assistant("ses_1", "msg_1"))

			var prompts []delivery.Delivery
			Eventually(func() []delivery.Delivery {
				prompts = sink.ofKind(delivery.KindPermission)
				return prompts
			}).Should(HaveLen(1))
			handle, _ := prompts[0].Meta["handleID"].(string)
			Expect(handle).NotTo(BeEmpty())

			Expect(mgr.ReplyPermission(ctx, handle, types.ReplyOnce)).To(Succeed())
			Expect(agent.permissionCalls()).To(ConsistOf(
				permissionCall{"ses_1", "per_1", types.ReplyOnce},
				permissionCall{"ses_1", "per_2", types.ReplyOnce},
			))
			Expect(mgr.Permissions().Open(thread)).To(BeEmpty())

			agent.send(idle("ses_1"))
			Eventually(done).Should(Receive())
		})
	})

	Describe("follow-up queue", func() {
		It("runs queued prompts in order once the thread is idle", func() {
			done := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			Expect(mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "second"})).To(Equal(1))
			Expect(mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "third"})).To(Equal(2))
			Expect(mgr.QueueLength(thread)).To(Equal(2))

			finishTurn("ses_1", "msg_1")
			Eventually(done).Should(Receive())

			Eventually(agent.promptCount).Should(Equal(2))
			Expect(promptText(agent.prompt(1))).To(Equal("second"))
			Expect(mgr.QueueLength(thread)).To(Equal(1))
			finishTurn("ses_1", "msg_2")

			Eventually(agent.promptCount).Should(Equal(3))
			Expect(promptText(agent.prompt(2))).To(Equal("third"))
			finishTurn("ses_1", "msg_3")

			Eventually(func() bool { return mgr.Active(thread) }).Should(BeFalse())
			Expect(mgr.QueueLength(thread)).To(BeZero())
			Expect(sink.ofKind(delivery.KindSummary)).To(HaveLen(3))
		})

		It("keeps enqueue order for every follow-up", func() {
			done := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			for i, p := range []string{"A", "B", "C"} {
				Expect(mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: p})).To(Equal(i + 1))
			}

			finishTurn("ses_1", "msg_0")
			Eventually(done).Should(Receive())
			for i, p := range []string{"A", "B", "C"} {
				Eventually(agent.promptCount).Should(Equal(i + 2))
				Expect(promptText(agent.prompt(i + 1))).To(Equal(p))
				finishTurn("ses_1", "msg_"+p)
			}
			Eventually(func() bool { return mgr.Active(thread) }).Should(BeFalse())
			Expect(mgr.QueueLength(thread)).To(BeZero())
		})

		It("waits for an open question and drains once it is answered", func() {
			done := start(mgr, thread, "set up the db", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))
			agent.send(event.Upstream{
				Kind:      event.KindQuestionAsked,
				SessionID: "ses_1",
				Question: &types.Question{
					ID:        "que_1",
					SessionID: "ses_1",
					Questions: []types.QuestionItem{{Question: "Which database?"}},
				},
			})
			Eventually(func() []delivery.Delivery { return sink.ofKind(delivery.KindQuestion) }).Should(HaveLen(1))

			mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "later"})
			finishTurn("ses_1", "msg_1")
			Eventually(done).Should(Receive())
			Consistently(agent.promptCount, 100*time.Millisecond).Should(Equal(1))

			resolved, err := mgr.ReplyQuestion(ctx, "que_1", 0, []string{"sqlite"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved).To(BeTrue())
			Expect(agent.answer("que_1")).To(Equal([][]string{{"sqlite"}}))

			Eventually(agent.promptCount).Should(Equal(2))
			Expect(promptText(agent.prompt(1))).To(Equal("later"))
			finishTurn("ses_1", "msg_2")
			Eventually(func() bool { return mgr.Active(thread) }).Should(BeFalse())
		})

		It("moves on to the next entry when one fails to start", func() {
			done := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))
			mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "A"})
			mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "B"})

			var calls atomic.Int32
			agent.setGetClientHook(func() error {
				if calls.Add(1) == 1 {
					return errors.New("agent server unreachable")
				}
				return nil
			})

			finishTurn("ses_1", "msg_1")
			Eventually(done).Should(Receive())

			Eventually(agent.promptCount).Should(Equal(2))
			Expect(promptText(agent.prompt(1))).To(Equal("B"))
			Expect(mgr.QueueLength(thread)).To(BeZero())
			finishTurn("ses_1", "msg_2")
			Eventually(func() bool { return mgr.Active(thread) }).Should(BeFalse())
		})

		It("lets a new message that is still starting go before queued entries", func() {
			first := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))
			mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "queued"})

			entered := make(chan struct{}, 1)
			release := make(chan struct{})
			agent.setGetClientHook(func() error {
				select {
				case entered <- struct{}{}:
				default:
				}
				<-release
				return nil
			})
			fresh := start(mgr, thread, "fresh", types.Overrides{})
			Eventually(entered).Should(Receive())

			finishTurn("ses_1", "msg_1")
			Eventually(first).Should(Receive())
			Consistently(agent.promptCount, 100*time.Millisecond).Should(Equal(1))

			close(release)
			Eventually(agent.promptCount).Should(Equal(2))
			Expect(promptText(agent.prompt(1))).To(Equal("fresh"))
			finishTurn("ses_1", "msg_2")
			Eventually(fresh).Should(Receive())

			Eventually(agent.promptCount).Should(Equal(3))
			Expect(promptText(agent.prompt(2))).To(Equal("queued"))
			finishTurn("ses_1", "msg_3")
			Eventually(func() bool { return mgr.Active(thread) }).Should(BeFalse())
		})

		It("starts a follow-up immediately on an idle thread", func() {
			Expect(mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "now"})).To(Equal(1))
			Eventually(agent.promptCount).Should(Equal(1))
			Expect(promptText(agent.prompt(0))).To(Equal("now"))

			finishTurn("ses_1", "msg_1")
			Eventually(func() bool { return mgr.Active(thread) }).Should(BeFalse())
		})

		It("can be cleared", func() {
			done := start(mgr, thread, "first", types.Overrides{})
			Eventually(agent.promptCount).Should(Equal(1))

			mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "a"})
			mgr.EnqueueFollowUp(thread, queue.Entry{Prompt: "b"})
			Expect(mgr.ClearQueue(thread)).To(Equal(2))

			finishTurn("ses_1", "msg_1")
			Eventually(done).Should(Receive())
			Consistently(agent.promptCount, 100*time.Millisecond).Should(Equal(1))
		})
	})

	Describe("SetPreferences", func() {
		It("validates scope and verbosity", func() {
			Expect(mgr.SetPreferences(ctx, storage.Scope("planet"), "x", storage.Preferences{})).NotTo(Succeed())
			Expect(mgr.SetPreferences(ctx, storage.ScopeChannel, "c1", storage.Preferences{Verbosity: "loud"})).NotTo(Succeed())
			Expect(mgr.SetPreferences(ctx, storage.ScopeChannel, "c1", storage.Preferences{Verbosity: "all"})).To(Succeed())
		})

		It("uses a stored channel model for new turns", func() {
			Expect(mgr.SetPreferences(ctx, storage.ScopeChannel, "chan-1", storage.Preferences{Model: "anthropic/claude-haiku"})).To(Succeed())

			done := start(mgr, thread, "hi", types.Overrides{ChannelID: "chan-1"})
			Eventually(agent.promptCount).Should(Equal(1))
			Expect(agent.prompt(0).Model.String()).To(Equal("anthropic/claude-haiku"))

			finishTurn("ses_1", "msg_1")
			Eventually(done).Should(Receive())
		})
	})
})
