package e2e_test

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/citest/testutil"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

var _ = Describe("Interactive prompts", func() {
	var (
		ts     *testutil.TestServer
		stream *testutil.SSEClient
		client *testutil.TestClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts, stream = startBridge(func(sessionID, prompt string) [][]byte {
			frames := [][]byte{testutil.AssistantMessage(sessionID, "msg_1", 10, 5, false)}
			switch prompt {
			case "deploy":
				frames = append(frames, testutil.PermissionAsked(sessionID, "per_1", "bash", "git push"))
			case "setup":
				frames = append(frames, testutil.QuestionAsked(sessionID, "que_1", "Which database?", "postgres", "sqlite"))
			}
			return frames
		})
		client = ts.Client()
	})

	finish := func(text string) {
		ts.Agent.Emit(testutil.Reply("ses_1", "msg_2", text)...)
		Eventually(hasEvent(stream, string(event.TurnCompleted))).Should(BeTrue())
	}

	It("should relay a permission prompt and forward the reply", func() {
		Expect(client.StartTurn(ctx, "t-1", "deploy")).To(Succeed())

		Eventually(func() []event.DeliveryData {
			return stream.Deliveries("permission")
		}).Should(HaveLen(1))
		prompt := stream.Deliveries("permission")[0]
		Expect(prompt.Meta).To(HaveKeyWithValue("permission", "bash"))
		handleID, _ := prompt.Meta["handleID"].(string)
		Expect(handleID).NotTo(BeEmpty())
		Expect(stream.HasEventType(string(event.PermissionPrompted))).To(BeTrue())

		resp, err := client.ReplyPermission(ctx, handleID, types.ReplyOnce)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		Eventually(func() string { return ts.Agent.PermissionReply("per_1") }).Should(Equal("once"))
		Eventually(hasEvent(stream, string(event.PermissionResolved))).Should(BeTrue())

		finish("Pushed")
	})

	It("should answer 404 for an unknown permission handle", func() {
		resp, err := client.ReplyPermission(ctx, "nope", types.ReplyOnce)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should reject an invalid permission reply", func() {
		resp, err := client.ReplyPermission(ctx, "nope", types.PermissionReply("maybe"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("should reject open permissions when a new message arrives", func() {
		Expect(client.StartTurn(ctx, "t-1", "deploy")).To(Succeed())
		Eventually(func() []event.DeliveryData {
			return stream.Deliveries("permission")
		}).Should(HaveLen(1))

		Expect(client.StartTurn(ctx, "t-1", "never mind")).To(Succeed())

		Eventually(func() string { return ts.Agent.PermissionReply("per_1") }).Should(Equal("reject"))
		Eventually(hasEvent(stream, string(event.TurnCancelled))).Should(BeTrue())
		Eventually(ts.Agent.Prompts).Should(Equal([]string{"deploy", "never mind"}))
	})

	It("should relay a question and forward the answer", func() {
		Expect(client.StartTurn(ctx, "t-1", "setup")).To(Succeed())

		Eventually(func() []event.DeliveryData {
			return stream.Deliveries("question")
		}).Should(HaveLen(1))
		q := stream.Deliveries("question")[0]
		Expect(q.Meta).To(HaveKeyWithValue("requestID", "que_1"))
		Expect(q.Text).To(ContainSubstring("Which database?"))

		resolved, err := client.AnswerQuestion(ctx, "que_1", 0, "sqlite")
		Expect(err).NotTo(HaveOccurred())
		Expect(resolved).To(BeTrue())

		Eventually(func() [][]string { return ts.Agent.Answers("que_1") }).Should(Equal([][]string{{"sqlite"}}))
		Eventually(hasEvent(stream, string(event.QuestionResolved))).Should(BeTrue())

		finish("Using sqlite")
	})
})
