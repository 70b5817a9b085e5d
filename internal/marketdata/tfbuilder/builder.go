package tfbuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coin-monitor/internal/model"
)

// ErrPersist wraps a durable cache write failure. The bars returned with it
// are valid and already applied to the in-memory cache.
var ErrPersist = errors.New("tfbuilder: persist cache")

const (
	DefaultMaxHistory = 500
	DefaultBackfill   = 30 * 24 * time.Hour
	DefaultLeaseTTL   = 2 * time.Minute
)

// Config configures a Builder for one timeframe.
type Config struct {
	RawInterval int           // raw bar cadence in seconds, e.g. 900
	TF          int           // target timeframe in seconds, e.g. 14400
	MaxHistory  int           // bars kept per symbol; 0 = DefaultMaxHistory
	Backfill    time.Duration // first-run lookback; 0 = DefaultBackfill
	LeaseTTL    time.Duration // cross-process lease; 0 = DefaultLeaseTTL
}

// Builder owns the SymbolCache of every symbol for one timeframe.
// Refreshes of the same symbol are serialized in-process; a Locker, when
// set, extends that to one writer across processes.
type Builder struct {
	cfg    Config
	src    model.RawBarSource
	store  model.CacheStore // optional durable layer
	locker model.Locker     // optional

	mu      sync.Mutex
	entries map[string]*entry
	locks   keyedMutex

	// Now is the clock used for the first-run backfill window.
	Now func() time.Time

	// Metrics hooks
	OnBars         func(tf, n int) // called with the number of new bars (optional)
	OnStaleWindow  func()          // called when a complete window at or behind the cursor is discarded (optional)
	OnPersistError func()          // called when the durable write fails (optional)
}

// New creates a Builder. store and locker may be nil.
func New(cfg Config, src model.RawBarSource, store model.CacheStore, locker model.Locker) (*Builder, error) {
	if cfg.RawInterval <= 0 || cfg.TF < cfg.RawInterval || cfg.TF%cfg.RawInterval != 0 {
		return nil, fmt.Errorf("tfbuilder: tf %ds is not a multiple of raw interval %ds", cfg.TF, cfg.RawInterval)
	}
	if src == nil {
		return nil, errors.New("tfbuilder: nil raw bar source")
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Backfill == 0 {
		cfg.Backfill = DefaultBackfill
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Builder{
		cfg:     cfg,
		src:     src,
		store:   store,
		locker:  locker,
		entries: make(map[string]*entry, 64),
		locks:   keyedMutex{m: make(map[string]*sync.Mutex, 64)},
		Now:     time.Now,
	}, nil
}

// entry is the live state of one symbol. pending holds bars applied in
// memory whose durable write failed; they are retried on the next refresh.
// cache is only touched under the symbol lock; view is an immutable copy
// swapped after every change, so readers never wait on a refresh.
type entry struct {
	cache   *model.SymbolCache
	pending []model.AggregatedBar
	view    atomic.Pointer[model.SymbolCache]
}

func newEntry(cache *model.SymbolCache) *entry {
	e := &entry{cache: cache}
	e.publish()
	return e
}

func (e *entry) publish() { e.view.Store(e.cache.Clone()) }

// TF returns the target timeframe in seconds.
func (b *Builder) TF() int { return b.cfg.TF }

// Expected returns the number of raw bars in one complete window.
func (b *Builder) Expected() int { return b.cfg.TF / b.cfg.RawInterval }

// Apply resamples raws and appends the windows newer than cache.Cursor.
// Windows at or behind the cursor are never rewritten. Returns the bars
// that were appended.
func (b *Builder) Apply(cache *model.SymbolCache, raws []model.RawBar) []model.AggregatedBar {
	bars := Resample(cache.Symbol, raws, b.cfg.RawInterval, cache.TF)
	added := make([]model.AggregatedBar, 0, len(bars))
	for _, bar := range bars {
		if bar.PeriodStart <= cache.Cursor {
			if b.OnStaleWindow != nil {
				b.OnStaleWindow()
			}
			continue
		}
		added = append(added, bar)
	}
	if len(added) == 0 {
		return added
	}
	cache.Bars = append(cache.Bars, added...)
	cache.Cursor = added[len(added)-1].PeriodStart
	cache.Trim(b.cfg.MaxHistory)
	return added
}

// Refresh takes the symbol's writer lease, runs RefreshLeased and releases
// the lease.
func (b *Builder) Refresh(ctx context.Context, symbol string) ([]model.AggregatedBar, error) {
	release, err := b.Lease(ctx, symbol)
	if err != nil {
		return nil, err
	}
	defer release()
	return b.RefreshLeased(ctx, symbol)
}

// Lease takes the cross-process writer lease for symbol, so the caller can
// keep it across RefreshLeased and whatever reads the result. Without a
// Locker it always succeeds. When another process holds it the live entry
// is dropped, so reads fall back to the durable layer that process writes.
func (b *Builder) Lease(ctx context.Context, symbol string) (release func(), err error) {
	if b.locker == nil {
		return func() {}, nil
	}
	key := "agg:lease:" + model.CacheKey(symbol, b.cfg.TF)
	release, err = b.locker.Acquire(ctx, key, b.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, model.ErrLeaseHeld) {
			unlock := b.locks.lock(symbol)
			b.forget(symbol)
			unlock()
		}
		return nil, fmt.Errorf("lease %s: %w", key, err)
	}
	return release, nil
}

// LeaseTTL returns how long a lease from Lease stays valid.
func (b *Builder) LeaseTTL() time.Duration { return b.cfg.LeaseTTL }

// RefreshLeased brings the symbol's cache up to date with the raw source
// and persists the new bars. The caller must hold the lease from Lease. It
// returns the newly materialized bars; no new raw data is an empty result
// and a nil error.
func (b *Builder) RefreshLeased(ctx context.Context, symbol string) ([]model.AggregatedBar, error) {
	unlock := b.locks.lock(symbol)
	defer unlock()

	e, err := b.load(ctx, symbol)
	if err != nil {
		return nil, err
	}

	from := b.fetchFrom(e.cache)
	raws, err := b.src.RawBars(ctx, symbol, from, 0)
	if err != nil {
		return nil, fmt.Errorf("raw bars %s from %d: %w", symbol, from, err)
	}

	added := []model.AggregatedBar{}
	if len(raws) > 0 {
		added = b.Apply(e.cache, raws)
	}
	if len(added) > 0 {
		e.publish()
		if b.OnBars != nil {
			b.OnBars(b.cfg.TF, len(added))
		}
	}
	if err := b.persist(ctx, e, added); err != nil {
		return added, err
	}
	return added, nil
}

// persist writes added, plus anything left over from a failed write, to
// the durable layer.
func (b *Builder) persist(ctx context.Context, e *entry, added []model.AggregatedBar) error {
	if b.store == nil {
		return nil
	}
	batch := append(e.pending, added...)
	if len(batch) == 0 {
		return nil
	}
	if err := b.store.AppendBars(ctx, e.cache.Symbol, b.cfg.TF, batch, e.cache.Cursor); err != nil {
		e.pending = batch
		slog.Warn("cache persist failed", "symbol", e.cache.Symbol, "tf", b.cfg.TF, "pending", len(batch), "error", err)
		if b.OnPersistError != nil {
			b.OnPersistError()
		}
		return fmt.Errorf("%w: %s: %v", ErrPersist, model.CacheKey(e.cache.Symbol, b.cfg.TF), err)
	}
	e.pending = nil
	return nil
}

// fetchFrom is the first raw time that can belong to a window not yet
// materialized. Windows are origin-aligned, so that is cursor + tf.
func (b *Builder) fetchFrom(cache *model.SymbolCache) int64 {
	tfMs := model.TFMillis(b.cfg.TF)
	if cache.Cursor > 0 {
		return cache.Cursor + tfMs
	}
	from := b.Now().Add(-b.cfg.Backfill).UnixMilli()
	return from - floorMod(from, tfMs)
}

// load returns the live entry for symbol, reading the durable layer on
// first use. A corrupt durable cache is dropped and rebuilt from scratch.
func (b *Builder) load(ctx context.Context, symbol string) (*entry, error) {
	b.mu.Lock()
	e, ok := b.entries[symbol]
	b.mu.Unlock()
	if ok {
		return e, nil
	}

	cache, err := b.loadDurable(ctx, symbol)
	if err != nil {
		return nil, err
	}
	e = newEntry(cache)
	b.mu.Lock()
	b.entries[symbol] = e
	b.mu.Unlock()
	return e, nil
}

// forget drops the live entry of a symbol another process now writes, so
// reads and a later refresh start from the durable layer. Without a
// durable layer the entry is all there is and is kept.
func (b *Builder) forget(symbol string) {
	if b.store == nil {
		return
	}
	b.mu.Lock()
	delete(b.entries, symbol)
	b.mu.Unlock()
}

func (b *Builder) loadDurable(ctx context.Context, symbol string) (*model.SymbolCache, error) {
	if b.store == nil {
		return model.NewSymbolCache(symbol, b.cfg.TF), nil
	}
	cache, err := b.store.LoadCache(ctx, symbol, b.cfg.TF)
	switch {
	case errors.Is(err, model.ErrCorruptCache):
		slog.Warn("corrupt cache, rebuilding from raw source", "symbol", symbol, "tf", b.cfg.TF)
		if derr := b.store.DeleteCache(ctx, symbol, b.cfg.TF); derr != nil {
			slog.Warn("drop corrupt cache failed", "symbol", symbol, "tf", b.cfg.TF, "error", derr)
		}
		return model.NewSymbolCache(symbol, b.cfg.TF), nil
	case err != nil:
		return nil, fmt.Errorf("load cache %s: %w", model.CacheKey(symbol, b.cfg.TF), err)
	case cache == nil:
		return model.NewSymbolCache(symbol, b.cfg.TF), nil
	}
	cache.Trim(b.cfg.MaxHistory)
	return cache, nil
}

// Snapshot returns a copy of the symbol's cache without touching the raw
// source and without waiting for a running Refresh. A symbol this process
// does not write is read from the durable layer; the copy may trail the
// writer.
func (b *Builder) Snapshot(ctx context.Context, symbol string) (*model.SymbolCache, error) {
	b.mu.Lock()
	e, ok := b.entries[symbol]
	b.mu.Unlock()
	if ok {
		return e.view.Load().Clone(), nil
	}
	if b.store == nil {
		return model.NewSymbolCache(symbol, b.cfg.TF), nil
	}
	cache, err := b.store.LoadCache(ctx, symbol, b.cfg.TF)
	if errors.Is(err, model.ErrCorruptCache) {
		return model.NewSymbolCache(symbol, b.cfg.TF), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cache %s: %w", model.CacheKey(symbol, b.cfg.TF), err)
	}
	if cache == nil {
		return model.NewSymbolCache(symbol, b.cfg.TF), nil
	}
	cache.Trim(b.cfg.MaxHistory)
	return cache, nil
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
