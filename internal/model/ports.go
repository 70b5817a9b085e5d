package model

import (
	"context"
	"errors"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the monitor from concrete stores (Postgres,
// SQLite, Redis). The memory package provides fakes for all of them.

// ErrCorruptCache is returned by a CacheStore when a persisted cache cannot
// be decoded. Callers drop the cache and rebuild from the raw source.
var ErrCorruptCache = errors.New("corrupt symbol cache")

// ErrLeaseHeld is returned by a Locker when another owner holds the key.
var ErrLeaseHeld = errors.New("lease held by another owner")

// RawBarSource is the read side of the raw series store.
type RawBarSource interface {
	// Symbols returns the distinct symbols present in the store.
	Symbols(ctx context.Context) ([]string, error)

	// RawBars returns bars with fromMs <= time < toMs ordered by time.
	// toMs <= 0 means open-ended. No rows is an empty slice, not an error.
	RawBars(ctx context.Context, symbol string, fromMs, toMs int64) ([]RawBar, error)

	// LatestBar returns the newest raw bar for symbol; ok is false when none.
	LatestBar(ctx context.Context, symbol string) (bar RawBar, ok bool, err error)
}

// CacheStore persists SymbolCache history and cursor.
type CacheStore interface {
	// LoadCache returns the persisted cache, or nil, nil if none exists.
	// A cache that cannot be decoded yields ErrCorruptCache.
	LoadCache(ctx context.Context, symbol string, tf int) (*SymbolCache, error)

	// AppendBars appends bars and moves the cursor in one transaction.
	AppendBars(ctx context.Context, symbol string, tf int, bars []AggregatedBar, cursor int64) error

	// DeleteCache drops all persisted state for (symbol, tf).
	DeleteCache(ctx context.Context, symbol string, tf int) error

	// Close releases underlying resources.
	Close() error
}

// StreakStateStore reads and upserts StreakState rows.
type StreakStateStore interface {
	// GetStreakState returns ok=false when no row exists.
	GetStreakState(ctx context.Context, symbol string, tf int) (st StreakState, ok bool, err error)
	UpsertStreakState(ctx context.Context, st StreakState) error
}

// AlertLevelStore holds breakout reference levels.
type AlertLevelStore interface {
	// ArmedLevels returns every level with Alerted == false.
	ArmedLevels(ctx context.Context) ([]AlertLevel, error)

	// Arm upserts a level for lvl.Symbol and resets Alerted to false.
	Arm(ctx context.Context, lvl AlertLevel) error

	// MarkAlerted flips an armed level to fired. It reports false when the
	// level was already fired or does not exist.
	MarkAlerted(ctx context.Context, symbol string) (bool, error)
}

// WhaleLog keeps every whale record seen, keyed by WhaleRecord.Key.
type WhaleLog interface {
	// RecordWhale stores r. It reports false when the key was already
	// stored, so only one caller treats a record as new.
	RecordWhale(ctx context.Context, r WhaleRecord) (bool, error)
}

// LabelSource maps symbols to human tags for display only.
type LabelSource interface {
	Labels(ctx context.Context, symbols []string) (map[string][]string, error)
}

// StreakPublisher publishes streak readings and alert events to shared
// consumers (dashboards, other processes).
type StreakPublisher interface {
	PublishStreaks(ctx context.Context, snaps []StreakSnapshot) error
	PublishAlert(ctx context.Context, ev AlertEvent) error
}

// StreakBoardReader reads the published streak board.
type StreakBoardReader interface {
	ReadStreaks(ctx context.Context, tf int) ([]StreakSnapshot, error)
}

// Locker grants an exclusive, expiring lease on a key.
type Locker interface {
	// Acquire returns ErrLeaseHeld when another owner holds key.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
