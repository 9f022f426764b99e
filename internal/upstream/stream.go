package upstream

import (
	"context"
	"errors"
	"sync"

	"github.com/opencode-ai/chatbridge/internal/event"
)

// ErrStreamClosed is returned by Subscription.Err when the server ended the
// stream and it could not be reopened.
var ErrStreamClosed = errors.New("event stream closed by server")

// Producer feeds a subscription. It calls emit for every decoded event, in
// order, and returns when ctx is done or the source is exhausted. emit
// returns false once the subscription is closed.
type Producer func(ctx context.Context, emit func(event.Upstream) bool) error

// Subscription is a cancellable, ordered sequence of upstream events.
// Closing it unblocks any pending receive: Events is closed once the
// producer returns.
type Subscription struct {
	events chan event.Upstream
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewSubscription runs produce in its own goroutine and exposes its output.
func NewSubscription(ctx context.Context, produce Producer) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	return startSubscription(ctx, cancel, produce)
}

// startSubscription is NewSubscription for callers that already hold the
// cancellable context, e.g. because they opened a stream on it.
func startSubscription(ctx context.Context, cancel context.CancelFunc, produce Producer) *Subscription {
	s := &Subscription{
		events: make(chan event.Upstream),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.events)

		emit := func(ev event.Upstream) bool {
			select {
			case s.events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := produce(ctx, emit)
		if ctx.Err() != nil {
			// Cancellation is a clean end, whatever the producer reported.
			return
		}
		if err == nil {
			err = ErrStreamClosed
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()

	return s
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan event.Upstream {
	return s.events
}

// Err reports why the subscription ended. It is nil after a clean
// cancellation and only meaningful once Events is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the producer has returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the subscription and waits for the producer to return.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}
