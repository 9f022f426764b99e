/*
Package event holds the two event vocabularies of the bridge.

# Upstream events

Events read from the agent server's stream are decoded by Decode into an
Upstream value tagged with a closed Kind:

  - message.updated: assistant/user message info (tokens, completion, errors)
  - message.part.updated: one output part, possibly a repeated update
  - session.error: the session failed
  - permission.asked / permission.replied: guarded-action requests
  - question.asked: interactive multi-choice question
  - session.idle / session.status: run state

Unrecognized tags decode to KindUnknown and must be ignored by consumers.
Consumers switch over every Kind explicitly.

# Bridge events

The Bus publishes the bridge's own notifications (turn lifecycle, deliveries,
prompts, queue changes, context usage). In-process subscribers receive typed
Event values. Every event is also mirrored as JSON onto a watermill gochannel
topic, which the SSE and WebSocket endpoints consume through Stream.

	bus := event.NewBus()
	unsub := bus.Subscribe(event.DeliveryCreated, func(e event.Event) {
	    d := e.Data.(event.DeliveryData)
	    fmt.Println(d.Text)
	})
	defer unsub()
*/
package event
