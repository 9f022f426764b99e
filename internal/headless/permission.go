package headless

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

const replyTimeout = 10 * time.Second

// Replier answers open prompts. *session.Manager satisfies it.
type Replier interface {
	ReplyPermission(ctx context.Context, handleID string, reply types.PermissionReply) error
	ReplyQuestion(ctx context.Context, requestID string, index int, values []string) (bool, error)
}

// Responder answers the prompts of a headless run, where nobody is there
// to click a button. With autoApprove every permission is allowed once and
// every question gets its first option; otherwise permissions are rejected
// and questions stay open until the turn times out.
type Responder struct {
	next        delivery.Sink
	replier     Replier
	autoApprove bool
	onDecision  func(Decision)
	rejected    atomic.Int32
}

// NewResponder wraps next. The replier is set with Bind once the manager
// exists.
func NewResponder(next delivery.Sink, autoApprove bool, onDecision func(Decision)) *Responder {
	return &Responder{next: next, autoApprove: autoApprove, onDecision: onDecision}
}

// Bind sets the replier.
func (r *Responder) Bind(replier Replier) { r.replier = replier }

// Rejected returns the number of permission prompts rejected so far.
func (r *Responder) Rejected() int { return int(r.rejected.Load()) }

// Deliver forwards d and answers it if it is a prompt.
func (r *Responder) Deliver(ctx context.Context, d delivery.Delivery) (string, error) {
	id, err := r.next.Deliver(ctx, d)
	if r.replier == nil {
		return id, err
	}
	switch d.Kind {
	case delivery.KindPermission:
		r.permission(ctx, d)
	case delivery.KindQuestion:
		if r.autoApprove {
			r.question(ctx, d)
		}
	}
	return id, err
}

func (r *Responder) permission(ctx context.Context, d delivery.Delivery) {
	handleID := metaString(d.Meta, "handleID")
	if handleID == "" {
		return
	}
	reply := types.ReplyReject
	if r.autoApprove {
		reply = types.ReplyOnce
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := r.replier.ReplyPermission(ctx, handleID, reply); err != nil {
		log.Warn().Err(err).Str("handle", handleID).Msg("answering permission prompt failed")
		return
	}
	if reply == types.ReplyReject {
		r.rejected.Add(1)
	}
	if r.onDecision != nil {
		r.onDecision(Decision{
			HandleID:   handleID,
			Permission: metaString(d.Meta, "permission"),
			Reply:      reply,
		})
	}
}

func (r *Responder) question(ctx context.Context, d delivery.Delivery) {
	requestID := metaString(d.Meta, "requestID")
	items, _ := d.Meta["questions"].([]types.QuestionItem)
	if requestID == "" || len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	for i, item := range items {
		if len(item.Options) == 0 {
			log.Warn().Str("question", requestID).Int("index", i).Msg("question has no options to pick")
			return
		}
		if _, err := r.replier.ReplyQuestion(ctx, requestID, i, []string{item.Options[0].Label}); err != nil {
			log.Warn().Err(err).Str("question", requestID).Msg("answering question failed")
			return
		}
	}
}
