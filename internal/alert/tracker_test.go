package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coin-monitor/internal/model"
	"coin-monitor/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Dispatcher that keeps every event.
type recorder struct {
	mu        sync.Mutex
	events    []model.AlertEvent
	published []model.AlertEvent
}

func (r *recorder) Dispatch(ctx context.Context, ev model.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Publish(ctx context.Context, ev model.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ev)
}

func check(symbol string, streak int, asOf int64) StreakCheck {
	return StreakCheck{Symbol: symbol, TF: 14400, Streak: streak, CumulativePct: float64(streak), Close: decimal.NewFromInt(10), AsOf: asOf}
}

func TestCheckAndMaybeAlert_OncePerTransition(t *testing.T) {
	states := memory.NewStreakStore()
	rec := &recorder{}
	tr := NewTracker(states, nil, rec)
	ctx := context.Background()

	fired := 0
	for i := 0; i < 5; i++ {
		ev, err := tr.CheckAndMaybeAlert(ctx, check("XUSDT", 3, 1000), 2)
		require.NoError(t, err)
		if ev != nil {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
	assert.Len(t, rec.events, 1)

	st, ok, err := states.GetStreakState(ctx, "XUSDT", 14400)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, st.LastObservedStreak)
	assert.Equal(t, int64(1000), st.AsOfPeriodStart)
	assert.Equal(t, 5, states.Upserts, "state is upserted on every check")
}

func TestCheckAndMaybeAlert_ThresholdBoundary(t *testing.T) {
	ctx := context.Background()

	tr := NewTracker(memory.NewStreakStore(), nil, &recorder{})
	ev, err := tr.CheckAndMaybeAlert(ctx, check("A", 3, 1), 3)
	require.NoError(t, err)
	assert.NotNil(t, ev, "streak == threshold fires")

	tr = NewTracker(memory.NewStreakStore(), nil, &recorder{})
	ev, err = tr.CheckAndMaybeAlert(ctx, check("A", 2, 1), 3)
	require.NoError(t, err)
	assert.Nil(t, ev, "streak == threshold-1 does not fire")
}

func TestCheckAndMaybeAlert_ResetThenRise(t *testing.T) {
	tr := NewTracker(memory.NewStreakStore(), nil, &recorder{})
	ctx := context.Background()

	var got []bool
	for _, s := range []int{3, 4, 0, 1, 2, 3, 3} {
		ev, err := tr.CheckAndMaybeAlert(ctx, check("A", s, 1), 3)
		require.NoError(t, err)
		got = append(got, ev != nil)
	}
	assert.Equal(t, []bool{true, true, false, false, false, true, false}, got)
}

func TestCheckAndMaybeAlert_PersistFailureKeepsAlert(t *testing.T) {
	states := memory.NewStreakStore()
	states.UpsertErr = errors.New("db down")
	rec := &recorder{}
	tr := NewTracker(states, nil, rec)
	persistErrs := 0
	tr.OnPersistError = func() { persistErrs++ }

	ev, err := tr.CheckAndMaybeAlert(context.Background(), check("A", 5, 1), 3)
	require.Error(t, err)
	require.NotNil(t, ev, "persist failure must not suppress the computed alert")
	assert.Len(t, rec.events, 1)
	assert.Equal(t, 1, persistErrs)
}

func TestCheckAndMaybeAlert_EventFields(t *testing.T) {
	tr := NewTracker(memory.NewStreakStore(), nil, &recorder{})
	now := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	tr.Now = func() time.Time { return now }
	kinds := map[model.AlertKind]int{}
	tr.OnAlert = func(k model.AlertKind) { kinds[k]++ }

	ev, err := tr.CheckAndMaybeAlert(context.Background(), StreakCheck{
		Symbol: "XUSDT", TF: 14400, Streak: 3, CumulativePct: 30,
		Close: decimal.NewFromInt(13), AsOf: 42,
	}, 2)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, model.AlertStreak, ev.Kind)
	assert.Equal(t, 30.0, ev.CumulativePct)
	assert.True(t, ev.Price.Equal(decimal.NewFromInt(13)))
	assert.Equal(t, int64(42), ev.AsOf)
	assert.Equal(t, now, ev.CreatedAt)
	assert.Equal(t, 1, kinds[model.AlertStreak])
}

func TestCheckBreakout_OneShot(t *testing.T) {
	levels := memory.NewLevelStore()
	ctx := context.Background()
	require.NoError(t, levels.Arm(ctx, model.AlertLevel{Symbol: "XUSDT", P1: decimal.NewFromInt(100)}))
	rec := &recorder{}
	tr := NewTracker(memory.NewStreakStore(), levels, rec)

	armed, err := levels.ArmedLevels(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	lvl := armed[0]

	ev, err := tr.CheckBreakout(ctx, lvl, decimal.NewFromInt(100), 1)
	require.NoError(t, err)
	assert.Nil(t, ev, "equal to p1 is not a breakout")

	ev, err = tr.CheckBreakout(ctx, lvl, decimal.RequireFromString("100.01"), 2)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.AlertBreakout, ev.Kind)
	assert.True(t, ev.P1.Equal(decimal.NewFromInt(100)))

	// A stale armed copy cannot fire twice.
	ev, err = tr.CheckBreakout(ctx, lvl, decimal.NewFromInt(120), 3)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Len(t, rec.events, 1)

	stored, _ := levels.Level("XUSDT")
	assert.True(t, stored.Alerted)

	// Re-arming is external; afterwards the level can fire again.
	require.NoError(t, levels.Arm(ctx, model.AlertLevel{Symbol: "XUSDT", P1: decimal.NewFromInt(130)}))
	armed, _ = levels.ArmedLevels(ctx)
	ev, err = tr.CheckBreakout(ctx, armed[0], decimal.NewFromInt(131), 4)
	require.NoError(t, err)
	assert.NotNil(t, ev)
}

func TestCheckBreakout_NoLevelStore(t *testing.T) {
	tr := NewTracker(memory.NewStreakStore(), nil, &recorder{})
	ev, err := tr.CheckBreakout(context.Background(), model.AlertLevel{Symbol: "A", P1: decimal.NewFromInt(1)}, decimal.NewFromInt(2), 1)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestRecord_PublishesWithoutNotifying(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(memory.NewStreakStore(), nil, rec)
	kinds := []model.AlertKind{}
	tr.OnAlert = func(k model.AlertKind) { kinds = append(kinds, k) }

	ev := tr.Record(context.Background(), model.AlertEvent{Kind: model.AlertVolume, Symbol: "XUSDT", DeviationPct: 250})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Empty(t, rec.events)
	require.Len(t, rec.published, 1)
	assert.Equal(t, []model.AlertKind{model.AlertVolume}, kinds)
}
