package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"coin-monitor/internal/model"

	"github.com/shopspring/decimal"
)

// LoadCache reads the persisted history of (symbol, tf) ordered by
// period start. It returns nil, nil when nothing is stored, and
// model.ErrCorruptCache when rows cannot be decoded or the cursor does not
// match the newest bar.
func (s *Store) LoadCache(ctx context.Context, symbol string, tf int) (*model.SymbolCache, error) {
	var cursor sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_period_start FROM agg_cursors WHERE symbol = ? AND tf = ?`,
		symbol, tf,
	).Scan(&cursor)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite query agg_cursors: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT period_start, open, high, low, close, volume, count
		FROM agg_bars
		WHERE symbol = ? AND tf = ?
		ORDER BY period_start ASC
	`, symbol, tf)
	if err != nil {
		return nil, fmt.Errorf("sqlite query agg_bars: %w", err)
	}
	defer rows.Close()

	cache := model.NewSymbolCache(symbol, tf)
	for rows.Next() {
		var b model.AggregatedBar
		var open, high, low, cl, vol string
		if err := rows.Scan(&b.PeriodStart, &open, &high, &low, &cl, &vol, &b.Count); err != nil {
			return nil, fmt.Errorf("%w: scan agg_bars: %v", model.ErrCorruptCache, err)
		}
		b.Symbol, b.TF = symbol, tf
		if err := parseDecimals([]string{open, high, low, cl, vol},
			[]*decimal.Decimal{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume}); err != nil {
			return nil, fmt.Errorf("%w: %s@%d: %v", model.ErrCorruptCache, symbol, b.PeriodStart, err)
		}
		cache.Bars = append(cache.Bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite iterate agg_bars: %w", err)
	}

	if !cursor.Valid {
		if len(cache.Bars) > 0 {
			return nil, fmt.Errorf("%w: %s has bars but no cursor", model.ErrCorruptCache, model.CacheKey(symbol, tf))
		}
		return nil, nil
	}
	cache.Cursor = cursor.Int64
	last, ok := cache.Last()
	if !ok {
		return nil, fmt.Errorf("%w: %s has a cursor but no bars", model.ErrCorruptCache, model.CacheKey(symbol, tf))
	}
	if last.PeriodStart != cache.Cursor {
		return nil, fmt.Errorf("%w: %s cursor %d != newest bar %d",
			model.ErrCorruptCache, model.CacheKey(symbol, tf), cache.Cursor, last.PeriodStart)
	}
	return cache, nil
}

// Symbols lists every symbol with a cursor for tf.
func (s *Store) Symbols(ctx context.Context, tf int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol FROM agg_cursors WHERE tf = ? ORDER BY symbol`, tf)
	if err != nil {
		return nil, fmt.Errorf("sqlite query agg_cursors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("sqlite scan agg_cursors: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func parseDecimals(src []string, dst []*decimal.Decimal) error {
	for i, v := range src {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}
