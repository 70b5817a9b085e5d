package whale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"coin-monitor/internal/model"
	"coin-monitor/internal/notification"

	"github.com/shopspring/decimal"
)

const DefaultMaxAge = time.Hour

// DefaultMinValueUSD is the smallest position value that is notified.
var DefaultMinValueUSD = decimal.NewFromInt(10_000_000)

// Fetcher returns the current whale feed.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.WhaleRecord, error)
}

// Notifier delivers a message. *notification.Dispatcher satisfies it.
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) bool
}

// Config tunes a Watcher.
type Config struct {
	MinValueUSD decimal.Decimal // zero = DefaultMinValueUSD
	MaxAge      time.Duration   // older records are stored, not notified; 0 = DefaultMaxAge
	Location    *time.Location  // message timestamps
}

// Watcher notifies each whale record once. Records are claimed in the log
// before the notification, so monitors sharing a log notify once between
// them.
type Watcher struct {
	cfg Config
	src Fetcher
	log model.WhaleLog
	out Notifier

	// Now is the clock for the age cut-off.
	Now func() time.Time
}

// NewWatcher creates a watcher. out may be nil to only record.
func NewWatcher(cfg Config, src Fetcher, log model.WhaleLog, out Notifier) *Watcher {
	if cfg.MinValueUSD.IsZero() {
		cfg.MinValueUSD = DefaultMinValueUSD
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Watcher{cfg: cfg, src: src, log: log, out: out, Now: time.Now}
}

// Poll fetches the feed once, stores every unseen record and notifies the
// new ones that are large and recent enough. It returns the notified
// records. A record whose store write fails is not notified and is tried
// again on the next poll.
func (w *Watcher) Poll(ctx context.Context) ([]model.WhaleRecord, error) {
	recs, err := w.src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch whale feed: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreateTime < recs[j].CreateTime })

	cutoff := w.Now().Add(-w.cfg.MaxAge).UnixMilli()
	var (
		sent []model.WhaleRecord
		errs []error
	)
	for _, r := range recs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		fresh, err := w.log.RecordWhale(ctx, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !fresh || r.PositionValueUSD.LessThan(w.cfg.MinValueUSD) || r.CreateTime < cutoff {
			continue
		}
		slog.Info("whale position", "user", r.User, "symbol", r.Symbol, "action", r.PositionAction, "value_usd", r.PositionValueUSD.String())
		if w.out != nil {
			w.out.Notify(ctx, Format(r, w.cfg.Location))
		}
		sent = append(sent, r)
	}
	return sent, errors.Join(errs...)
}
