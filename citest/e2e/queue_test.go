package e2e_test

import (
	"context"
	"net/http"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/citest/testutil"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// holdFirst keeps the first prompt running and answers the rest right away.
func holdFirst() testutil.Script {
	var n atomic.Int32
	return func(sessionID, prompt string) [][]byte {
		if n.Add(1) == 1 {
			return [][]byte{testutil.AssistantMessage(sessionID, "msg_1", 10, 5, false)}
		}
		return testutil.Reply(sessionID, "msg_"+prompt, "done: "+prompt)
	}
}

var _ = Describe("Running turns", func() {
	var (
		ts     *testutil.TestServer
		stream *testutil.SSEClient
		client *testutil.TestClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts, stream = startBridge(holdFirst())
		client = ts.Client()

		Expect(client.StartTurn(ctx, "t-1", "first")).To(Succeed())
		Eventually(ts.Manager.ActiveTurns).Should(Equal(1))
		Eventually(hasEvent(stream, string(event.TurnStarted))).Should(BeTrue())
	})

	Describe("follow-up queue", func() {
		It("should run queued follow-ups after the running turn", func() {
			q, err := client.Enqueue(ctx, "t-1", "second")
			Expect(err).NotTo(HaveOccurred())
			Expect(q.Position).To(Equal(1))
			Expect(q.Length).To(Equal(1))

			q, err = client.Queue(ctx, "t-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(q.Entries).To(HaveLen(1))
			Expect(q.Entries[0].Prompt).To(Equal("second"))
			Expect(stream.HasEventType(string(event.QueueChanged))).To(BeTrue())

			ts.Agent.Emit(testutil.Reply("ses_1", "msg_1", "first done")...)

			Eventually(ts.Agent.Prompts).Should(Equal([]string{"first", "second"}))
			Eventually(func() int { return stream.CountEventType(string(event.TurnCompleted)) }).Should(Equal(2))

			q, err = client.Queue(ctx, "t-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(q.Length).To(Equal(0))
		})

		It("should clear the queue", func() {
			_, err := client.Enqueue(ctx, "t-1", "second")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.Enqueue(ctx, "t-1", "third")
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.Delete(ctx, "/thread/t-1/queue")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body struct {
				Cleared int `json:"cleared"`
			}
			Expect(resp.JSON(&body)).To(Succeed())
			Expect(body.Cleared).To(Equal(2))

			ts.Agent.Emit(testutil.Reply("ses_1", "msg_1", "first done")...)
			Eventually(hasEvent(stream, string(event.TurnCompleted))).Should(BeTrue())
			Consistently(ts.Agent.Prompts, "200ms").Should(Equal([]string{"first"}))
		})
	})

	Describe("abort", func() {
		It("should stop the running turn and abort the session", func() {
			aborted, err := client.Abort(ctx, "t-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(aborted).To(BeTrue())

			Eventually(ts.Agent.Aborts).Should(ContainElement("ses_1"))
			Eventually(stream.TurnsEnded).Should(ContainElement(And(
				HaveField("Reason", "error"),
				HaveField("Error", Not(BeEmpty())),
			)))
			Eventually(ts.Manager.ActiveTurns).Should(Equal(0))
			Expect(stream.HasEventType(string(event.TurnFailed))).To(BeTrue())

			binding, err := ts.Store.Binding(ctx, "t-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(binding.Status).To(Equal(types.BindingFailed))
		})

		It("should report when nothing is running", func() {
			aborted, err := client.Abort(ctx, "t-idle")
			Expect(err).NotTo(HaveOccurred())
			Expect(aborted).To(BeFalse())
		})
	})

	Describe("model change", func() {
		It("should restart the running turn with the new model", func() {
			resp, err := client.Put(ctx, "/thread/t-1/model", map[string]string{"model": "claude-haiku"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Model     string `json:"model"`
				Restarted bool   `json:"restarted"`
			}
			Expect(resp.JSON(&body)).To(Succeed())
			Expect(body.Restarted).To(BeTrue())

			Eventually(ts.Agent.Prompts).Should(Equal([]string{"first", "first"}))
			Eventually(hasEvent(stream, string(event.TurnCompleted))).Should(BeTrue())
			Expect(stream.TurnsEnded()).To(ContainElement(HaveField("Reason", "model-change")))

			prefs, err := ts.Store.Preferences(ctx, storage.ScopeSession, "ses_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(prefs.Model).To(Equal("anthropic/claude-haiku"))
		})

		It("should refuse a model the agent does not offer", func() {
			resp, err := client.Put(ctx, "/thread/t-1/model", map[string]string{"model": "gpt-9"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeFalse())
			Expect(ts.Manager.ActiveTurns()).To(Equal(1))
		})
	})
})
