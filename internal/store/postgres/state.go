package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coin-monitor/internal/model"
)

func (s *Store) GetStreakState(ctx context.Context, symbol string, tf int) (model.StreakState, bool, error) {
	var st model.StreakState
	err := s.db.GetContext(ctx, &st, `
		SELECT symbol, tf, last_observed_streak, as_of_period_start, updated_at
		FROM streak_state WHERE symbol = $1 AND tf = $2
	`, symbol, tf)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StreakState{}, false, nil
	}
	if err != nil {
		return model.StreakState{}, false, fmt.Errorf("postgres get streak_state: %w", err)
	}
	return st, true, nil
}

func (s *Store) UpsertStreakState(ctx context.Context, st model.StreakState) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO streak_state (symbol, tf, last_observed_streak, as_of_period_start, updated_at)
		VALUES (:symbol, :tf, :last_observed_streak, :as_of_period_start, :updated_at)
		ON CONFLICT (symbol, tf) DO UPDATE SET
			last_observed_streak = excluded.last_observed_streak,
			as_of_period_start = excluded.as_of_period_start,
			updated_at = excluded.updated_at
	`, st)
	if err != nil {
		return fmt.Errorf("postgres upsert streak_state: %w", err)
	}
	return nil
}

