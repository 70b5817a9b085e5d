package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coin-monitor/internal/model"

	"github.com/shopspring/decimal"
)

type rawRow struct {
	Symbol string          `db:"symbol"`
	Time   int64           `db:"time"`
	Open   decimal.Decimal `db:"open"`
	High   decimal.Decimal `db:"high"`
	Low    decimal.Decimal `db:"low"`
	Close  decimal.Decimal `db:"close"`
	Volume decimal.Decimal `db:"volume"`
}

func (r rawRow) bar() model.RawBar {
	return model.RawBar{
		Symbol: r.Symbol, Time: r.Time,
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
	}
}

const (
	rawColumns = `symbol, time, open, high, low, close, COALESCE(volume_usd, 0) AS volume`

	// pricedOnly drops rows with a missing price. A missing volume reads
	// as zero.
	pricedOnly = ` AND open IS NOT NULL AND high IS NOT NULL AND low IS NOT NULL AND close IS NOT NULL`
)

// Symbols returns the distinct symbols in the raw table.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT symbol FROM `+s.rawTable+` ORDER BY symbol`); err != nil {
		return nil, fmt.Errorf("postgres distinct symbols: %w", err)
	}
	return out, nil
}

// RawBars returns bars with fromMs <= time < toMs; toMs <= 0 is open-ended.
// Rows with a NULL price are skipped.
func (s *Store) RawBars(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.RawBar, error) {
	query := `SELECT ` + rawColumns + ` FROM ` + s.rawTable + ` WHERE symbol = $1 AND time >= $2` + pricedOnly
	args := []interface{}{symbol, fromMs}
	if toMs > 0 {
		query += ` AND time < $3`
		args = append(args, toMs)
	}
	query += ` ORDER BY time ASC`

	var rows []rawRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("postgres raw bars %s: %w", symbol, err)
	}
	out := make([]model.RawBar, len(rows))
	for i, r := range rows {
		out[i] = r.bar()
	}
	return out, nil
}

// LatestBar returns the newest raw bar for symbol.
func (s *Store) LatestBar(ctx context.Context, symbol string) (model.RawBar, bool, error) {
	var r rawRow
	err := s.db.GetContext(ctx, &r,
		`SELECT `+rawColumns+` FROM `+s.rawTable+` WHERE symbol = $1`+pricedOnly+` ORDER BY time DESC LIMIT 1`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RawBar{}, false, nil
	}
	if err != nil {
		return model.RawBar{}, false, fmt.Errorf("postgres latest bar %s: %w", symbol, err)
	}
	return r.bar(), true, nil
}
