package notification

import (
	"context"
	"log/slog"
	"time"

	"coin-monitor/internal/model"
)

// EventSink receives every dispatched alert event (Redis pub/sub, the
// websocket hub).
type EventSink interface {
	PublishAlert(ctx context.Context, ev model.AlertEvent) error
}

// Dispatcher turns alert events into messages and hands them to a
// notifier and to event sinks. It never returns delivery errors.
type Dispatcher struct {
	notifier Notifier
	sinks    []EventSink
	policy   RetryPolicy
	loc      *time.Location

	// OnFailure is called when a message could not be delivered (optional).
	OnFailure func()
}

// NewDispatcher creates a dispatcher. loc controls displayed times.
func NewDispatcher(n Notifier, policy RetryPolicy, loc *time.Location, sinks ...EventSink) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{notifier: n, sinks: sinks, policy: policy, loc: loc}
}

// Dispatch delivers ev. Sink errors are logged and do not block delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.AlertEvent) {
	if !DeliverWith(ctx, d.notifier, FormatAlert(ev, d.loc), d.policy) && d.OnFailure != nil {
		d.OnFailure()
	}
	d.Publish(ctx, ev)
}

// Publish hands ev to the event sinks only. Used for events already
// announced in a combined message.
func (d *Dispatcher) Publish(ctx context.Context, ev model.AlertEvent) {
	for _, s := range d.sinks {
		if err := s.PublishAlert(ctx, ev); err != nil {
			slog.Warn("alert sink publish failed", "symbol", ev.Symbol, "kind", ev.Kind, "error", err)
		}
	}
}

// Notify delivers a free-form message through the dispatcher's notifier.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) bool {
	ok := DeliverWith(ctx, d.notifier, msg, d.policy)
	if !ok && d.OnFailure != nil {
		d.OnFailure()
	}
	return ok
}
