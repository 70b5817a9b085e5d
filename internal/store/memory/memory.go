// Package memory provides in-process implementations of the model storage
// ports. They back unit tests and the dry-run mode of cmd/monitor.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"coin-monitor/internal/model"
)

// RawStore is an in-memory RawBarSource.
type RawStore struct {
	mu   sync.RWMutex
	bars map[string][]model.RawBar

	// Err, when set, is returned by every query.
	Err error
	// Queries counts RawBars calls; LastFrom is the fromMs of the latest one.
	Queries  int
	LastFrom int64
}

// NewRawStore returns an empty raw bar store.
func NewRawStore() *RawStore {
	return &RawStore{bars: make(map[string][]model.RawBar)}
}

// Add inserts bars, keeping each symbol ordered by time. A bar with an
// existing (symbol, time) replaces the stored row.
func (s *RawStore) Add(bars ...model.RawBar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		rows := s.bars[b.Symbol]
		i := sort.Search(len(rows), func(i int) bool { return rows[i].Time >= b.Time })
		if i < len(rows) && rows[i].Time == b.Time {
			rows[i] = b
			continue
		}
		rows = append(rows, model.RawBar{})
		copy(rows[i+1:], rows[i:])
		rows[i] = b
		s.bars[b.Symbol] = rows
	}
}

func (s *RawStore) Symbols(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]string, 0, len(s.bars))
	for sym := range s.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (s *RawStore) RawBars(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.RawBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries++
	s.LastFrom = fromMs
	if s.Err != nil {
		return nil, s.Err
	}
	var out []model.RawBar
	for _, b := range s.bars[symbol] {
		if b.Time < fromMs {
			continue
		}
		if toMs > 0 && b.Time >= toMs {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *RawStore) LatestBar(ctx context.Context, symbol string) (model.RawBar, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return model.RawBar{}, false, s.Err
	}
	rows := s.bars[symbol]
	if len(rows) == 0 {
		return model.RawBar{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

// CacheStore is an in-memory durable cache stand-in.
type CacheStore struct {
	mu      sync.Mutex
	caches  map[string]*model.SymbolCache
	corrupt map[string]bool

	// AppendErr, when set, fails every AppendBars call.
	AppendErr error
	Appends   int
	Deletes   int
}

// NewCacheStore returns an empty cache store.
func NewCacheStore() *CacheStore {
	return &CacheStore{
		caches:  make(map[string]*model.SymbolCache),
		corrupt: make(map[string]bool),
	}
}

// MarkCorrupt makes LoadCache fail with ErrCorruptCache for (symbol, tf)
// until the cache is deleted.
func (s *CacheStore) MarkCorrupt(symbol string, tf int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[model.CacheKey(symbol, tf)] = true
}

func (s *CacheStore) LoadCache(ctx context.Context, symbol string, tf int) (*model.SymbolCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.CacheKey(symbol, tf)
	if s.corrupt[key] {
		return nil, model.ErrCorruptCache
	}
	c, ok := s.caches[key]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *CacheStore) AppendBars(ctx context.Context, symbol string, tf int, bars []model.AggregatedBar, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Appends++
	key := model.CacheKey(symbol, tf)
	c, ok := s.caches[key]
	if !ok {
		c = model.NewSymbolCache(symbol, tf)
		s.caches[key] = c
	}
	c.Bars = append(c.Bars, bars...)
	c.Cursor = cursor
	return nil
}

func (s *CacheStore) DeleteCache(ctx context.Context, symbol string, tf int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.CacheKey(symbol, tf)
	delete(s.caches, key)
	delete(s.corrupt, key)
	s.Deletes++
	return nil
}

func (s *CacheStore) Close() error { return nil }

// StreakStore is an in-memory StreakStateStore.
type StreakStore struct {
	mu   sync.Mutex
	rows map[string]model.StreakState

	// UpsertErr, when set, fails every upsert.
	UpsertErr error
	Upserts   int
}

// NewStreakStore returns an empty streak state store.
func NewStreakStore() *StreakStore {
	return &StreakStore{rows: make(map[string]model.StreakState)}
}

func (s *StreakStore) GetStreakState(ctx context.Context, symbol string, tf int) (model.StreakState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rows[model.CacheKey(symbol, tf)]
	return st, ok, nil
}

func (s *StreakStore) UpsertStreakState(ctx context.Context, st model.StreakState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.Upserts++
	s.rows[model.CacheKey(st.Symbol, st.TF)] = st
	return nil
}

// LevelStore is an in-memory AlertLevelStore.
type LevelStore struct {
	mu     sync.Mutex
	levels map[string]model.AlertLevel
}

// NewLevelStore returns an empty level store.
func NewLevelStore() *LevelStore {
	return &LevelStore{levels: make(map[string]model.AlertLevel)}
}

func (s *LevelStore) ArmedLevels(ctx context.Context) ([]model.AlertLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AlertLevel
	for _, lvl := range s.levels {
		if !lvl.Alerted {
			out = append(out, lvl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *LevelStore) Arm(ctx context.Context, lvl model.AlertLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lvl.Alerted = false
	s.levels[lvl.Symbol] = lvl
	return nil
}

func (s *LevelStore) MarkAlerted(ctx context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lvl, ok := s.levels[symbol]
	if !ok || lvl.Alerted {
		return false, nil
	}
	lvl.Alerted = true
	s.levels[symbol] = lvl
	return true, nil
}

// Level returns the stored level for symbol.
func (s *LevelStore) Level(symbol string) (model.AlertLevel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lvl, ok := s.levels[symbol]
	return lvl, ok
}

// Labels is a static LabelSource.
type Labels map[string][]string

func (l Labels) Labels(ctx context.Context, symbols []string) (map[string][]string, error) {
	out := make(map[string][]string, len(symbols))
	for _, s := range symbols {
		if tags, ok := l[s]; ok {
			out[s] = tags
		}
	}
	return out, nil
}

// Board is an in-memory StreakPublisher and StreakBoardReader.
type Board struct {
	mu     sync.Mutex
	snaps  map[string]model.StreakSnapshot
	Alerts []model.AlertEvent
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{snaps: make(map[string]model.StreakSnapshot)}
}

func (b *Board) PublishStreaks(ctx context.Context, snaps []model.StreakSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range snaps {
		b.snaps[model.CacheKey(s.Symbol, s.TF)] = s
	}
	return nil
}

func (b *Board) PublishAlert(ctx context.Context, ev model.AlertEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Alerts = append(b.Alerts, ev)
	return nil
}

func (b *Board) ReadStreaks(ctx context.Context, tf int) ([]model.StreakSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.StreakSnapshot
	for _, s := range b.snaps {
		if s.TF == tf {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// WhaleLog is an in-memory model.WhaleLog.
type WhaleLog struct {
	mu   sync.Mutex
	seen map[string]model.WhaleRecord

	// Err, when set, fails every call.
	Err error
}

// NewWhaleLog returns an empty whale log.
func NewWhaleLog() *WhaleLog {
	return &WhaleLog{seen: make(map[string]model.WhaleRecord)}
}

func (l *WhaleLog) RecordWhale(ctx context.Context, r model.WhaleRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, l.Err
	}
	if _, ok := l.seen[r.Key()]; ok {
		return false, nil
	}
	l.seen[r.Key()] = r
	return true, nil
}

// Len returns the number of records stored.
func (l *WhaleLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Locker is an in-process Locker with expiring leases.
type Locker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewLocker returns an empty locker.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.leases[key]; ok && l.now().Before(exp) {
		return nil, model.ErrLeaseHeld
	}
	exp := l.now().Add(ttl)
	l.leases[key] = exp
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.leases[key]; ok && cur.Equal(exp) {
				delete(l.leases, key)
			}
		})
	}, nil
}
