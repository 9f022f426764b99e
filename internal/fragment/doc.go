/*
Package fragment turns the agent's incremental output parts into chat
messages.

A Buffer holds parts per message until they are safe to show: finished text,
tool calls with a result, anything that is not a structural marker. Parts are
updated in place while buffered and flushed in arrival order; a forced flush
releases everything for a message regardless of state.

An Emitter delivers each part id at most once per thread. It filters by the
live Verbosity, renders the part, records the delivered message id so later
runs can seed the emitted set, and posts a separate notice for tool outputs
above the large-output token threshold.

Subtasks tracks child sessions spawned by task tool calls and labels their
output "<agent>-<n>".
*/
package fragment
