package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"coin-monitor/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	streak [][]model.StreakSnapshot
	alerts []model.AlertEvent
}

func (f *fakePublisher) PublishStreaks(ctx context.Context, snaps []model.StreakSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.streak = append(f.streak, snaps)
	return nil
}

func (f *fakePublisher) PublishAlert(ctx context.Context, ev model.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, ev)
	return nil
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestBoardKey(t *testing.T) {
	assert.Equal(t, "streaks:14400s", BoardKey(14400))
}

func TestBufferedWriter_BuffersWhileOpenAndFlushes(t *testing.T) {
	pub := &fakePublisher{err: errors.New("down")}
	cb := NewCircuitBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), pub, cb, 10)
	ctx := context.Background()

	// First failure trips the breaker and is returned to the caller.
	err := bw.PublishAlert(ctx, model.AlertEvent{Symbol: "AUSDT"})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.CurrentState())

	// While open, writes are buffered and reported as success.
	require.NoError(t, bw.PublishAlert(ctx, model.AlertEvent{Symbol: "BUSDT", Price: decimal.NewFromInt(2)}))
	require.NoError(t, bw.PublishStreaks(ctx, []model.StreakSnapshot{{Symbol: "BUSDT", TF: 14400, Streak: 3}}))
	assert.Equal(t, 2, bw.PendingCount())

	pub.setErr(nil)
	flushed := 0
	bw.OnFlush = func(n int) { flushed = n }
	bw.Flush()

	assert.Equal(t, 2, flushed)
	assert.Zero(t, bw.PendingCount())
	require.Len(t, pub.alerts, 1)
	assert.Equal(t, "BUSDT", pub.alerts[0].Symbol)
	assert.True(t, pub.alerts[0].Price.Equal(decimal.NewFromInt(2)))
	require.Len(t, pub.streak, 1)
	assert.Equal(t, 3, pub.streak[0][0].Streak)
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	pub := &fakePublisher{err: errors.New("down")}
	cb := NewCircuitBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), pub, cb, 2)
	ctx := context.Background()

	_ = bw.PublishAlert(ctx, model.AlertEvent{Symbol: "TRIP"})
	for _, s := range []string{"A", "B", "C"} {
		require.NoError(t, bw.PublishAlert(ctx, model.AlertEvent{Symbol: s}))
	}
	assert.Equal(t, 2, bw.PendingCount())

	pub.setErr(nil)
	bw.Flush()
	require.Len(t, pub.alerts, 2)
	assert.Equal(t, "B", pub.alerts[0].Symbol)
	assert.Equal(t, "C", pub.alerts[1].Symbol)
}

func TestBufferedWriter_BoardKeepsNewestReading(t *testing.T) {
	pub := &fakePublisher{err: errors.New("down")}
	cb := NewCircuitBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), pub, cb, 10)
	ctx := context.Background()

	_ = bw.PublishAlert(ctx, model.AlertEvent{Symbol: "TRIP"})
	require.NoError(t, bw.PublishStreaks(ctx, []model.StreakSnapshot{
		{Symbol: "AUSDT", TF: 14400, Streak: 1},
		{Symbol: "BUSDT", TF: 14400, Streak: 4},
	}))
	require.NoError(t, bw.PublishStreaks(ctx, []model.StreakSnapshot{{Symbol: "AUSDT", TF: 14400, Streak: 2}}))
	assert.Equal(t, 2, bw.PendingCount())

	pub.setErr(nil)
	bw.Flush()
	require.Len(t, pub.streak, 1, "held board replays in one write")
	require.Len(t, pub.streak[0], 2)
	assert.Equal(t, "AUSDT", pub.streak[0][0].Symbol)
	assert.Equal(t, 2, pub.streak[0][0].Streak)
	assert.Equal(t, 4, pub.streak[0][1].Streak)
}

func TestBufferedWriter_PassThroughWhenClosed(t *testing.T) {
	pub := &fakePublisher{}
	bw := NewBufferedWriter(context.Background(), pub, NewCircuitBreaker(3, time.Second), 0)
	require.NoError(t, bw.PublishAlert(context.Background(), model.AlertEvent{Symbol: "XUSDT"}))
	assert.Len(t, pub.alerts, 1)
	assert.Zero(t, bw.PendingCount())
}

func TestDecodeAlert(t *testing.T) {
	ev := model.AlertEvent{ID: "1", Kind: model.AlertStreak, Symbol: "XUSDT", Streak: 3}
	got, ok := decodeAlert(map[string]interface{}{"data": string(ev.JSON())})
	require.True(t, ok)
	assert.Equal(t, "XUSDT", got.Symbol)
	assert.Equal(t, 3, got.Streak)

	_, ok = decodeAlert(map[string]interface{}{"data": "{"})
	assert.False(t, ok)
	_, ok = decodeAlert(map[string]interface{}{})
	assert.False(t, ok)
}

// Integration tests below need a live server.
func testClientAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	return addr
}

func TestIntegration_PublishAndRead(t *testing.T) {
	addr := testClientAddr(t)
	ctx := context.Background()
	client, err := Connect(ctx, Config{Addr: addr, DB: 15})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.FlushDB(ctx).Err())

	w := NewWriter(client)
	r := NewReader(client)
	require.NoError(t, w.PublishStreaks(ctx, []model.StreakSnapshot{
		{Symbol: "BUSDT", TF: 14400, Streak: 2},
		{Symbol: "AUSDT", TF: 14400, Streak: 5},
	}))
	snaps, err := r.ReadStreaks(ctx, 14400)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "AUSDT", snaps[0].Symbol)

	require.NoError(t, w.PublishAlert(ctx, model.AlertEvent{ID: "a", Symbol: "AUSDT"}))
	require.NoError(t, w.PublishAlert(ctx, model.AlertEvent{ID: "b", Symbol: "BUSDT"}))
	alerts, err := r.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[0].ID)
}

func TestIntegration_Lease(t *testing.T) {
	addr := testClientAddr(t)
	ctx := context.Background()
	client, err := Connect(ctx, Config{Addr: addr, DB: 15})
	require.NoError(t, err)
	defer client.Close()

	l := NewLocker(client)
	key := "agg:lease:TEST:14400"
	release, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, model.ErrLeaseHeld)

	release()
	release()
	again, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	again()
}
