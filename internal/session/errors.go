package session

import "errors"

var (
	// ErrSuperseded is returned when a newer request or a model change
	// replaced the turn.
	ErrSuperseded = errors.New("turn superseded")

	// ErrUpstreamUnavailable is returned when the agent server cannot be reached.
	ErrUpstreamUnavailable = errors.New("agent server unavailable")

	// ErrNoModelAvailable is returned when no model could be resolved.
	ErrNoModelAvailable = errors.New("no model available")

	// ErrPromptRejected is returned when the prompt or command call failed.
	ErrPromptRejected = errors.New("prompt rejected")

	// ErrEventStream is returned when the event stream failed mid-turn.
	ErrEventStream = errors.New("event stream failed")

	// ErrAborted is returned when the user stopped the turn.
	ErrAborted = errors.New("turn aborted")

	// ErrTimeout is returned when the turn ran past its deadline.
	ErrTimeout = errors.New("turn timed out")

	// ErrNoSession is returned for thread operations before any turn ran.
	ErrNoSession = errors.New("thread has no session")

	// ErrUnknownModel is returned for an explicit model no provider offers.
	ErrUnknownModel = errors.New("unknown model")
)
