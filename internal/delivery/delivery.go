// Package delivery carries rendered output to the chat thread.
//
// A Sink performs one delivery and returns the id the chat side assigned to
// the resulting message. Sinks do not deduplicate; the emit-once guard lives
// with the fragment emitter.
package delivery

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Kind classifies a delivery.
type Kind string

const (
	KindFragment   Kind = "fragment"
	KindNotice     Kind = "notice"
	KindSummary    Kind = "summary"
	KindError      Kind = "error"
	KindPermission Kind = "permission"
	KindQuestion   Kind = "question"
)

// Delivery is one message for a chat thread.
type Delivery struct {
	ID       string
	ThreadID string
	Kind     Kind
	Text     string
	PartID   string
	Files    []types.Media
	Meta     map[string]any
}

// New creates a delivery with a fresh id.
func New(threadID string, kind Kind, text string) Delivery {
	return Delivery{
		ID:       ulid.Make().String(),
		ThreadID: threadID,
		Kind:     kind,
		Text:     text,
	}
}

// Sink delivers messages to a chat thread.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) (messageID string, err error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery) (string, error)

func (f SinkFunc) Deliver(ctx context.Context, d Delivery) (string, error) {
	return f(ctx, d)
}

// MultiSink delivers to every sink in order. The message id of the first
// successful sink is returned; failures of the others are joined.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, d Delivery) (string, error) {
	var (
		id   string
		errs []error
	)
	for _, s := range m {
		got, err := s.Deliver(ctx, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id == "" {
			id = got
		}
	}
	if id == "" && len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return id, errors.Join(errs...)
}
