package delivery

import (
	"context"

	"github.com/opencode-ai/chatbridge/internal/event"
)

// BusSink publishes deliveries as delivery.created events, which reach the
// SSE and WebSocket streams and any in-process subscriber.
type BusSink struct {
	bus *event.Bus
}

// NewBusSink creates a sink publishing on bus.
func NewBusSink(bus *event.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Deliver(ctx context.Context, d Delivery) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.bus.PublishSync(event.Event{
		Type: event.DeliveryCreated,
		Data: event.DeliveryData{
			ID:       d.ID,
			ThreadID: d.ThreadID,
			Kind:     string(d.Kind),
			Text:     d.Text,
			PartID:   d.PartID,
			Files:    d.Files,
			Meta:     d.Meta,
		},
	})
	return d.ID, nil
}
