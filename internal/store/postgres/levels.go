package postgres

import (
	"context"
	"fmt"

	"coin-monitor/internal/model"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func (s *Store) ArmedLevels(ctx context.Context) ([]model.AlertLevel, error) {
	var out []model.AlertLevel
	err := s.db.SelectContext(ctx, &out, `
		SELECT symbol, p1, start_ts, end_ts, alerted
		FROM monitor_levels WHERE alerted = FALSE ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres armed levels: %w", err)
	}
	return out, nil
}

func (s *Store) Arm(ctx context.Context, lvl model.AlertLevel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_levels (symbol, start_ts, end_ts, p1, alerted)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (symbol) DO UPDATE SET
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			p1 = excluded.p1,
			alerted = FALSE
	`, lvl.Symbol, lvl.StartTS, lvl.EndTS, lvl.P1)
	if err != nil {
		return fmt.Errorf("postgres arm level %s: %w", lvl.Symbol, err)
	}
	return nil
}

// MarkAlerted flips an armed level. The conditional update makes the flip
// happen once even with concurrent monitors.
func (s *Store) MarkAlerted(ctx context.Context, symbol string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitor_levels SET alerted = TRUE WHERE symbol = $1 AND alerted = FALSE`, symbol)
	if err != nil {
		return false, fmt.Errorf("postgres mark alerted %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres mark alerted %s: %w", symbol, err)
	}
	return n == 1, nil
}

// ComputeLevels derives P1 for each symbol as the highest raw close with
// startTs <= time <= endTs. Symbols without bars in the range are left out.
func (s *Store) ComputeLevels(ctx context.Context, symbols []string, startTs, endTs int64) ([]model.AlertLevel, error) {
	var rows []struct {
		Symbol string          `db:"symbol"`
		P1     decimal.Decimal `db:"p1"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT symbol, MAX(close) AS p1
		FROM `+s.rawTable+`
		WHERE symbol = ANY($1) AND time BETWEEN $2 AND $3 AND close IS NOT NULL
		GROUP BY symbol ORDER BY symbol
	`, pq.Array(symbols), startTs, endTs)
	if err != nil {
		return nil, fmt.Errorf("postgres compute p1: %w", err)
	}
	out := make([]model.AlertLevel, len(rows))
	for i, r := range rows {
		out[i] = model.AlertLevel{Symbol: r.Symbol, P1: r.P1, StartTS: startTs, EndTS: endTs}
	}
	return out, nil
}
