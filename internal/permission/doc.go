// Package permission deduplicates the agent's permission requests into chat
// prompts.
//
// # Dedupe key
//
// Requests are grouped by DedupeKey: the project directory, the permission
// kind and the sorted pattern list. Two requests whose patterns differ only in
// order share a key.
//
// # Tracker
//
// The Tracker keeps one open Prompt per thread and key. A request with a key
// that already has an open prompt is attached to it; only the first opens a
// prompt in the thread.
//
//	prompt, opened := tracker.OnAsked(threadID, dir, perm)
//	if opened {
//		// show prompt.HandleID to the user
//	}
//
// When the user answers, OnUserReplied sends the reply for every attached
// request and disposes the prompt. RejectAll is used when a new message
// supersedes the running turn: every open prompt of the thread is rejected.
// OnUpstreamReplied detaches requests answered from another client.
package permission
