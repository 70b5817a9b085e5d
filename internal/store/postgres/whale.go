package postgres

import (
	"context"
	"fmt"

	"coin-monitor/internal/model"
)

// RecordWhale inserts r unless its (user, create_time, action) key exists.
func (s *Store) RecordWhale(ctx context.Context, r model.WhaleRecord) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO whale_records (user_addr, create_time, position_action, symbol,
			position_size, entry_price, liq_price, position_value_usd)
		VALUES (:user_addr, :create_time, :position_action, :symbol,
			:position_size, :entry_price, :liq_price, :position_value_usd)
		ON CONFLICT (user_addr, create_time, position_action) DO NOTHING
	`, r)
	if err != nil {
		return false, fmt.Errorf("postgres record whale %s: %w", r.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres record whale %s: %w", r.Key(), err)
	}
	return n == 1, nil
}
