package gateway

import (
	"context"
	"log"

	"coin-monitor/internal/model"
)

// AlertSubscriber streams alert events published by any monitor process.
// *redis.Reader satisfies it.
type AlertSubscriber interface {
	SubscribeAlerts(ctx context.Context) <-chan model.AlertEvent
}

// Relay forwards every event from sub to the hub. Blocks until ctx is
// cancelled or the subscription ends.
func (h *Hub) Relay(ctx context.Context, sub AlertSubscriber) {
	ch := sub.SubscribeAlerts(ctx)
	log.Println("[gateway] relaying redis alert channel")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.PublishAlert(ctx, ev)
		}
	}
}
