// Package session binds chat threads to agent sessions and runs turns.
//
// A turn is one prompt sent on behalf of a thread. The Manager resolves or
// creates the thread's agent session, subscribes to the agent's event
// stream, sends the prompt and then drives an event loop that buffers the
// agent's output parts and delivers each one to the thread exactly once.
//
// # Components
//
//   - Manager: owns all keyed state and exposes the operations a chat
//     adapter calls (RunTurn, EnqueueFollowUp, ReplyPermission, ...).
//   - Token: the single-use cancellation handle of a running turn.
//   - ModelResolver: picks the model from overrides, stored preferences,
//     configuration and the agent's provider defaults.
//
// # Supersession
//
// At most one turn runs per thread. A new prompt cancels the running turn
// with ReasonNewRequest, aborts it upstream without waiting, gives its
// handler up to the drain window to clean up and then waits the grace
// window before sending:
//
//	res, err := mgr.RunTurn(ctx, threadID, "fix the failing test", nil, types.Overrides{})
//	if errors.Is(err, session.ErrSuperseded) {
//		// a newer message took over; nothing is reported to the thread
//	}
//
// Open permission prompts of the thread are rejected and an open question
// is answered with the new prompt text before the new turn starts.
//
// # Outcomes
//
// A turn ends with one of four reasons. ReasonNewRequest and
// ReasonModelChange are silent; a model change is followed by exactly one
// automatic retry of the same prompt. ReasonFinished delivers a completion
// summary and ReasonError delivers an error message. After a finished or
// failed turn has cleaned up, the next queued follow-up starts.
package session
