// Package server provides the HTTP API chat adapters use to drive the bridge.
//
// The server is a Chi router in front of a Bridge (normally the
// session.Manager). Adapters post user messages as turns, answer permission
// prompts and questions, and read the bridge's output from one of the two
// event streams.
//
// # API Endpoints
//
//   - POST   /thread/{threadID}/turn      start a turn (?wait=true blocks for the result)
//   - POST   /thread/{threadID}/queue     queue a follow-up for after the running turn
//   - GET    /thread/{threadID}/queue     list queued follow-ups
//   - DELETE /thread/{threadID}/queue     drop queued follow-ups
//   - POST   /thread/{threadID}/abort     stop the running turn
//   - PUT    /thread/{threadID}/model     switch model, restarting a running turn once
//   - POST   /thread/{threadID}/revert    roll the session back to a message
//   - POST   /permission/{handleID}       reply once, always or reject
//   - POST   /question/{requestID}        answer one sub-question
//   - PUT    /preferences/{scope}[/{key}] set model, agent, variant or verbosity
//   - GET    /event                       Server-Sent Events
//   - GET    /ws                          WebSocket
//   - GET    /metrics                     Prometheus metrics
//   - GET    /health                      liveness
//
// # Event Streaming
//
// Both streams carry the event bus as JSON objects of the form
//
//	{"type": "delivery.created", "properties": {...}}
//
// and start with a server.connected event. Passing ?thread=<id> limits a
// stream to one thread's events; events that belong to no thread are always
// sent. A stream client that falls far behind loses events rather than
// slowing the bridge down.
//
// # Error Handling
//
// Errors use a consistent envelope:
//
//	{"error": {"code": "NOT_FOUND", "message": "no open permission prompt"}}
//
// Bridge errors map onto status codes in statusFor: unknown handles and
// threads without a session are 404, unknown models 400, superseded or
// aborted turns 409, agent-server failures 502 and turn timeouts 504.
package server
