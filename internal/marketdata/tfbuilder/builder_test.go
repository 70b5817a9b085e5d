package tfbuilder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coin-monitor/internal/model"
	"coin-monitor/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, src model.RawBarSource, store model.CacheStore, locker model.Locker) *Builder {
	t.Helper()
	b, err := New(Config{RawInterval: raw15m, TF: tf4h}, src, store, locker)
	require.NoError(t, err)
	base := alignedBase(tf4h)
	b.Now = func() time.Time { return time.UnixMilli(base).Add(10 * 24 * time.Hour) }
	return b
}

func cacheBars(t *testing.T, b *Builder, symbol string) []model.AggregatedBar {
	t.Helper()
	snap, err := b.Snapshot(context.Background(), symbol)
	require.NoError(t, err)
	return snap.Bars
}

func TestNew_RejectsNonMultipleTF(t *testing.T) {
	_, err := New(Config{RawInterval: raw15m, TF: 1000}, memory.NewRawStore(), nil, nil)
	assert.Error(t, err)
	_, err = New(Config{RawInterval: raw15m, TF: tf4h}, nil, nil, nil)
	assert.Error(t, err)
}

func TestBuilder_Refresh_NoData(t *testing.T) {
	b := newTestBuilder(t, memory.NewRawStore(), memory.NewCacheStore(), nil)
	got, err := b.Refresh(context.Background(), "XUSDT")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuilder_IncrementalEquivalence(t *testing.T) {
	base := alignedBase(tf4h)
	// Five full windows plus a partial sixth.
	raws := rising("XUSDT", base, 5*16+7, 100)
	ctx := context.Background()

	batchSrc := memory.NewRawStore()
	batchSrc.Add(raws...)
	batch := newTestBuilder(t, batchSrc, nil, nil)
	_, err := batch.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	want := cacheBars(t, batch, "XUSDT")
	require.Len(t, want, 5)

	for split := 0; split <= len(raws); split++ {
		src := memory.NewRawStore()
		src.Add(raws[:split]...)
		b := newTestBuilder(t, src, memory.NewCacheStore(), nil)
		_, err := b.Refresh(ctx, "XUSDT")
		require.NoError(t, err)
		src.Add(raws[split:]...)
		_, err = b.Refresh(ctx, "XUSDT")
		require.NoError(t, err)

		got := cacheBars(t, b, "XUSDT")
		require.Len(t, got, len(want), "split=%d", split)
		for i := range want {
			assert.True(t, want[i].Equal(got[i]), "split=%d bar=%d", split, i)
		}
	}
}

func TestBuilder_Refresh_ReadsFromCursorPlusTF(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 32, 100)...)
	b := newTestBuilder(t, src, nil, nil)
	ctx := context.Background()

	added, err := b.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	require.Len(t, added, 2)

	_, err = b.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	assert.Equal(t, added[1].PeriodStart+model.TFMillis(tf4h), src.LastFrom)
}

func TestBuilder_FirstRunBackfillAligned(t *testing.T) {
	src := memory.NewRawStore()
	b := newTestBuilder(t, src, nil, nil)
	_, err := b.Refresh(context.Background(), "XUSDT")
	require.NoError(t, err)
	assert.Zero(t, src.LastFrom%model.TFMillis(tf4h), "backfill start must sit on a window boundary")
	assert.Less(t, src.LastFrom, b.Now().UnixMilli())
}

func TestBuilder_ResumesFromDurableStore(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 32, 100)...)
	store := memory.NewCacheStore()
	ctx := context.Background()

	first := newTestBuilder(t, src, store, nil)
	_, err := first.Refresh(ctx, "XUSDT")
	require.NoError(t, err)

	// A new process sees the durable cursor and only the new window.
	src.Add(rising("XUSDT", base+2*model.TFMillis(tf4h), 16, 200)...)
	second := newTestBuilder(t, src, store, nil)
	added, err := second.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, base+2*model.TFMillis(tf4h), added[0].PeriodStart)
	assert.Len(t, cacheBars(t, second, "XUSDT"), 3)

	persisted, err := store.LoadCache(ctx, "XUSDT", tf4h)
	require.NoError(t, err)
	assert.Len(t, persisted.Bars, 3)
	assert.Equal(t, added[0].PeriodStart, persisted.Cursor)
}

func TestBuilder_PersistFailure_KeepsMemoryAndRetries(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 16, 100)...)
	store := memory.NewCacheStore()
	store.AppendErr = errors.New("disk full")
	b := newTestBuilder(t, src, store, nil)
	persistErrs := 0
	b.OnPersistError = func() { persistErrs++ }
	ctx := context.Background()

	added, err := b.Refresh(ctx, "XUSDT")
	require.ErrorIs(t, err, ErrPersist)
	assert.Len(t, added, 1, "bars are still returned on persist failure")
	assert.Len(t, cacheBars(t, b, "XUSDT"), 1)
	assert.Equal(t, 1, persistErrs)

	store.AppendErr = nil
	added, err = b.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	assert.Empty(t, added)

	persisted, err := store.LoadCache(ctx, "XUSDT", tf4h)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Len(t, persisted.Bars, 1, "pending bars are written on the next refresh")
	assert.Equal(t, base, persisted.Cursor)
}

func TestBuilder_CorruptCache_Rebuilds(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 32, 100)...)
	store := memory.NewCacheStore()
	store.MarkCorrupt("XUSDT", tf4h)
	b := newTestBuilder(t, src, store, nil)

	added, err := b.Refresh(context.Background(), "XUSDT")
	require.NoError(t, err)
	assert.Len(t, added, 2)
	assert.Equal(t, 1, store.Deletes)
}

func TestBuilder_GapWindow_StaysSkipped(t *testing.T) {
	base := alignedBase(tf4h)
	raws := rising("XUSDT", base, 32, 100)
	late := raws[3]
	raws = append(raws[:3], raws[4:]...)

	src := memory.NewRawStore()
	src.Add(raws...)
	b := newTestBuilder(t, src, nil, nil)
	ctx := context.Background()

	added, err := b.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, base+model.TFMillis(tf4h), added[0].PeriodStart)

	// The missing bar arrives after a later window was materialized.
	src.Add(late)
	added, err = b.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Len(t, cacheBars(t, b, "XUSDT"), 1)
}

func TestBuilder_Apply_NeverRewritesHistory(t *testing.T) {
	base := alignedBase(tf4h)
	b := newTestBuilder(t, memory.NewRawStore(), nil, nil)
	stale := 0
	b.OnStaleWindow = func() { stale++ }
	cache := model.NewSymbolCache("XUSDT", tf4h)

	first := b.Apply(cache, rising("XUSDT", base, 32, 100))
	require.Len(t, first, 2)

	// Re-applying the same windows with different prices changes nothing.
	again := b.Apply(cache, rising("XUSDT", base, 32, 900))
	assert.Empty(t, again)
	assert.Equal(t, 2, stale)
	assert.True(t, cache.Bars[0].Equal(first[0]))
}

func TestBuilder_MaxHistory_TrimsOldest(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 6*16, 100)...)
	b, err := New(Config{RawInterval: raw15m, TF: tf4h, MaxHistory: 4}, src, nil, nil)
	require.NoError(t, err)
	b.Now = func() time.Time { return time.UnixMilli(base).Add(24 * time.Hour) }

	_, err = b.Refresh(context.Background(), "XUSDT")
	require.NoError(t, err)
	bars := cacheBars(t, b, "XUSDT")
	require.Len(t, bars, 4)
	assert.Equal(t, base+2*model.TFMillis(tf4h), bars[0].PeriodStart)

	snap, err := b.Snapshot(context.Background(), "XUSDT")
	require.NoError(t, err)
	assert.Equal(t, base+5*model.TFMillis(tf4h), snap.Cursor)
}

func TestBuilder_LeaseHeld_SkipsSymbol(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 16, 100)...)
	locker := memory.NewLocker()
	release, err := locker.Acquire(context.Background(), "agg:lease:XUSDT:14400", time.Minute)
	require.NoError(t, err)
	defer release()

	b := newTestBuilder(t, src, nil, locker)
	_, err = b.Refresh(context.Background(), "XUSDT")
	require.ErrorIs(t, err, model.ErrLeaseHeld)
	assert.Zero(t, src.Queries, "no raw read without the lease")
}

func TestBuilder_Lease_HeldAcrossRefreshLeased(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 16, 100)...)
	locker := memory.NewLocker()
	ctx := context.Background()
	a := newTestBuilder(t, src, memory.NewCacheStore(), locker)
	b := newTestBuilder(t, src, memory.NewCacheStore(), locker)

	release, err := a.Lease(ctx, "XUSDT")
	require.NoError(t, err)
	added, err := a.RefreshLeased(ctx, "XUSDT")
	require.NoError(t, err)
	assert.Len(t, added, 1)

	_, err = b.Refresh(ctx, "XUSDT")
	require.ErrorIs(t, err, model.ErrLeaseHeld, "lease outlives the refresh until released")

	release()
	_, err = b.Refresh(ctx, "XUSDT")
	require.NoError(t, err)

	noLock := newTestBuilder(t, src, nil, nil)
	release, err = noLock.Lease(ctx, "XUSDT")
	require.NoError(t, err)
	release()
	assert.Equal(t, DefaultLeaseTTL, noLock.LeaseTTL())
}

// stallSource blocks raw reads while stall is set.
type stallSource struct {
	*memory.RawStore
	stall   bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallSource) RawBars(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.RawBar, error) {
	if s.stall {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.RawStore.RawBars(ctx, symbol, fromMs, toMs)
}

func TestBuilder_Snapshot_DoesNotWaitForRefresh(t *testing.T) {
	base := alignedBase(tf4h)
	src := &stallSource{RawStore: memory.NewRawStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	src.Add(rising("XUSDT", base, 2*16, 100)...)
	b := newTestBuilder(t, src, memory.NewCacheStore(), nil)
	ctx := context.Background()

	_, err := b.Refresh(ctx, "XUSDT")
	require.NoError(t, err)

	src.stall = true
	src.Add(rising("XUSDT", base+2*model.TFMillis(tf4h), 16, 200)...)
	done := make(chan error, 1)
	go func() {
		_, err := b.Refresh(ctx, "XUSDT")
		done <- err
	}()
	<-src.entered

	got := make(chan int, 1)
	go func() {
		snap, err := b.Snapshot(ctx, "XUSDT")
		assert.NoError(t, err)
		got <- len(snap.Bars)
	}()
	select {
	case n := <-got:
		assert.Equal(t, 2, n, "reader sees the last published cache")
	case <-time.After(2 * time.Second):
		t.Fatal("Snapshot blocked behind Refresh")
	}

	close(src.release)
	require.NoError(t, <-done)
	assert.Len(t, cacheBars(t, b, "XUSDT"), 3)
}

func TestBuilder_LeaseLost_ReadsDurableCache(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 16, 100)...)
	store := memory.NewCacheStore()
	locker := memory.NewLocker()
	ctx := context.Background()

	a := newTestBuilder(t, src, store, locker)
	_, err := a.Refresh(ctx, "XUSDT")
	require.NoError(t, err)

	// Another writer takes over and advances the durable cache.
	release, err := locker.Acquire(ctx, "agg:lease:XUSDT:14400", time.Minute)
	require.NoError(t, err)
	src.Add(rising("XUSDT", base+model.TFMillis(tf4h), 2*16, 200)...)
	other := newTestBuilder(t, src, store, nil)
	_, err = other.Refresh(ctx, "XUSDT")
	require.NoError(t, err)

	_, err = a.Refresh(ctx, "XUSDT")
	require.ErrorIs(t, err, model.ErrLeaseHeld)
	assert.Len(t, cacheBars(t, a, "XUSDT"), 3, "non-writer reads the writer's cache")

	release()
	added, err := a.Refresh(ctx, "XUSDT")
	require.NoError(t, err)
	assert.Empty(t, added, "resumes from the durable cursor")
	assert.Len(t, cacheBars(t, a, "XUSDT"), 3)
}

func TestBuilder_ConcurrentRefresh_SingleWriter(t *testing.T) {
	base := alignedBase(tf4h)
	src := memory.NewRawStore()
	src.Add(rising("XUSDT", base, 4*16, 100)...)
	store := memory.NewCacheStore()
	b := newTestBuilder(t, src, store, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := b.Refresh(context.Background(), "XUSDT")
			assert.NoError(t, err)
			mu.Lock()
			total += len(added)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, total, "each window materialized exactly once")
	persisted, err := store.LoadCache(context.Background(), "XUSDT", tf4h)
	require.NoError(t, err)
	assert.Len(t, persisted.Bars, 4)
}
