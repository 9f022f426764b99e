package e2e_test

import (
	"context"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/citest/testutil"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/session"
)

var _ = Describe("Turns", func() {
	var (
		ts     *testutil.TestServer
		stream *testutil.SSEClient
		client *testutil.TestClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts, stream = startBridge(func(sessionID, prompt string) [][]byte {
			return testutil.Reply(sessionID, "msg_"+prompt, "Hi there")
		})
		client = ts.Client()
	})

	It("should run a turn and stream its output to the thread", func() {
		res, err := client.RunTurn(ctx, "t-1", "hello")
		Expect(err).NotTo(HaveOccurred())

		Expect(res.ThreadID).To(Equal("t-1"))
		Expect(res.SessionID).To(Equal("ses_1"))
		Expect(res.Reason).To(Equal(session.ReasonFinished))
		Expect(res.Model).To(Equal("anthropic/claude-sonnet"))
		Expect(res.Tokens.Total()).To(Equal(200))
		Expect(ts.Agent.Prompts()).To(ConsistOf("hello"))

		Eventually(func() []event.DeliveryData {
			return stream.Deliveries("fragment")
		}).Should(ContainElement(HaveField("Text", "Hi there")))
		Eventually(func() []event.DeliveryData {
			return stream.Deliveries("summary")
		}).Should(HaveLen(1))
		Eventually(hasEvent(stream, string(event.TurnCompleted))).Should(BeTrue())
		Expect(stream.HasEventType(string(event.TurnStarted))).To(BeTrue())
	})

	It("should reuse the thread's session on the next turn", func() {
		first, err := client.RunTurn(ctx, "t-1", "one")
		Expect(err).NotTo(HaveOccurred())
		second, err := client.RunTurn(ctx, "t-1", "two")
		Expect(err).NotTo(HaveOccurred())

		Expect(second.SessionID).To(Equal(first.SessionID))
		Expect(second.TurnID).NotTo(Equal(first.TurnID))
		Expect(ts.Agent.Prompts()).To(Equal([]string{"one", "two"}))
	})

	It("should give separate threads separate sessions", func() {
		a, err := client.RunTurn(ctx, "t-a", "one")
		Expect(err).NotTo(HaveOccurred())
		b, err := client.RunTurn(ctx, "t-b", "two")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.SessionID).NotTo(Equal(b.SessionID))

		binding, err := ts.Store.Binding(ctx, "t-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(binding.SessionID).To(Equal(b.SessionID))
	})

	It("should reject an empty prompt", func() {
		resp, err := client.Post(ctx, "/thread/t-1/turn", map[string]string{"prompt": "  "})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(ts.Agent.Prompts()).To(BeEmpty())
	})

	It("should filter the event stream by thread", func() {
		filtered, err := ts.Stream(ctx, "t-other")
		Expect(err).NotTo(HaveOccurred())
		defer filtered.Close()

		_, err = client.RunTurn(ctx, "t-1", "hello")
		Expect(err).NotTo(HaveOccurred())
		Eventually(hasEvent(stream, string(event.TurnCompleted))).Should(BeTrue())

		Consistently(func() []event.DeliveryData {
			return filtered.Deliveries("")
		}, "200ms").Should(BeEmpty())
	})
})

var _ = Describe("Operations", func() {
	var (
		ts     *testutil.TestServer
		client *testutil.TestClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts, _ = startBridge(func(sessionID, prompt string) [][]byte {
			return testutil.Reply(sessionID, "msg_1", "ok")
		})
		client = ts.Client()
	})

	It("should report health", func() {
		resp, err := client.Get(ctx, "/health")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]any
		Expect(resp.JSON(&body)).To(Succeed())
		Expect(body).To(HaveKeyWithValue("healthy", true))
		Expect(body).To(HaveKeyWithValue("activeTurns", BeNumerically("==", 0)))
	})

	It("should expose turn metrics", func() {
		_, err := client.RunTurn(ctx, "t-1", "hello")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Get(ctx, "/metrics")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		lines := strings.Split(resp.String(), "\n")
		Expect(lines).To(ContainElement(HavePrefix("chatbridge_turns_total")))
		Expect(lines).To(ContainElement(HavePrefix("chatbridge_fragments_emitted_total")))
	})
})
