// Package alert implements the once-per-transition alert state machines:
// the streak tracker and the one-shot price breakout level.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coin-monitor/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Dispatcher delivers an alert event. Delivery is best-effort.
type Dispatcher interface {
	// Dispatch notifies and publishes ev.
	Dispatch(ctx context.Context, ev model.AlertEvent)
	// Publish hands ev to event sinks without a notification.
	Publish(ctx context.Context, ev model.AlertEvent)
}

// Tracker compares fresh readings to persisted state and emits an event
// only on the transition into a new, higher value.
type Tracker struct {
	states model.StreakStateStore
	levels model.AlertLevelStore // optional
	out    Dispatcher

	// Now stamps events and state rows.
	Now func() time.Time

	// Metrics hooks
	OnAlert        func(kind model.AlertKind) // called per emitted event (optional)
	OnPersistError func()                     // called when the state upsert fails (optional)
}

// NewTracker creates a tracker. levels may be nil when breakout alerts are
// not used.
func NewTracker(states model.StreakStateStore, levels model.AlertLevelStore, out Dispatcher) *Tracker {
	return &Tracker{states: states, levels: levels, out: out, Now: time.Now}
}

// StreakCheck is one streak reading at a fully aggregated bar.
type StreakCheck struct {
	Symbol        string
	TF            int
	Streak        int
	CumulativePct float64
	Close         decimal.Decimal
	AsOf          int64 // PeriodStart of the newest bar
}

// CheckAndMaybeAlert fires when c.Streak >= minThreshold and c.Streak is
// strictly above the last observed streak (missing state counts as 0).
// The order is compute, notify, persist: the state row is upserted on every
// call, and a failed upsert does not withdraw an alert already sent. A
// failed read of the previous state returns an error with no alert.
// Callers serialize checks per (symbol, tf); the monitor holds the
// symbol's writer lease across the check.
func (t *Tracker) CheckAndMaybeAlert(ctx context.Context, c StreakCheck, minThreshold int) (*model.AlertEvent, error) {
	prev, _, err := t.states.GetStreakState(ctx, c.Symbol, c.TF)
	if err != nil {
		return nil, fmt.Errorf("read streak state %s: %w", model.CacheKey(c.Symbol, c.TF), err)
	}

	now := t.Now()
	var ev *model.AlertEvent
	if c.Streak >= minThreshold && c.Streak > prev.LastObservedStreak {
		ev = &model.AlertEvent{
			ID:            uuid.NewString(),
			Kind:          model.AlertStreak,
			Symbol:        c.Symbol,
			TF:            c.TF,
			Streak:        c.Streak,
			CumulativePct: c.CumulativePct,
			Price:         c.Close,
			AsOf:          c.AsOf,
			CreatedAt:     now.UTC(),
		}
		t.emit(ctx, *ev)
	}

	st := model.StreakState{
		Symbol:             c.Symbol,
		TF:                 c.TF,
		LastObservedStreak: c.Streak,
		AsOfPeriodStart:    c.AsOf,
		UpdatedAt:          now.UTC(),
	}
	if err := t.states.UpsertStreakState(ctx, st); err != nil {
		slog.Warn("streak state persist failed", "symbol", c.Symbol, "tf", c.TF, "streak", c.Streak, "error", err)
		if t.OnPersistError != nil {
			t.OnPersistError()
		}
		return ev, fmt.Errorf("persist streak state %s: %w", model.CacheKey(c.Symbol, c.TF), err)
	}
	return ev, nil
}

// CheckBreakout fires lvl when close strictly exceeds P1. The level is
// flipped to fired before the event is sent, so it fires at most once even
// with several monitors; a failed flip leaves it armed for the next cycle.
func (t *Tracker) CheckBreakout(ctx context.Context, lvl model.AlertLevel, close decimal.Decimal, asOf int64) (*model.AlertEvent, error) {
	if t.levels == nil || lvl.Alerted || !close.GreaterThan(lvl.P1) {
		return nil, nil
	}
	flipped, err := t.levels.MarkAlerted(ctx, lvl.Symbol)
	if err != nil {
		return nil, fmt.Errorf("mark level %s: %w", lvl.Symbol, err)
	}
	if !flipped {
		return nil, nil
	}
	ev := model.AlertEvent{
		ID:        uuid.NewString(),
		Kind:      model.AlertBreakout,
		Symbol:    lvl.Symbol,
		Price:     close,
		P1:        lvl.P1,
		AsOf:      asOf,
		CreatedAt: t.Now().UTC(),
	}
	t.emit(ctx, ev)
	return &ev, nil
}

// Record publishes an event whose notification was sent elsewhere (the
// volume digest) and counts it. ID and CreatedAt are filled when empty.
func (t *Tracker) Record(ctx context.Context, ev model.AlertEvent) model.AlertEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.Now().UTC()
	}
	t.count(ev)
	if t.out != nil {
		t.out.Publish(ctx, ev)
	}
	return ev
}

func (t *Tracker) emit(ctx context.Context, ev model.AlertEvent) {
	t.count(ev)
	if t.out != nil {
		t.out.Dispatch(ctx, ev)
	}
}

func (t *Tracker) count(ev model.AlertEvent) {
	slog.Info("alert", "kind", ev.Kind, "symbol", ev.Symbol, "tf", ev.TF, "streak", ev.Streak, "price", ev.Price.String())
	if t.OnAlert != nil {
		t.OnAlert(ev.Kind)
	}
}
