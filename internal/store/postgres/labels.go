package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// Labels returns the tags of each symbol from instruments(instrument_id, labels).
func (s *Store) Labels(ctx context.Context, symbols []string) (map[string][]string, error) {
	var rows []struct {
		ID     string         `db:"instrument_id"`
		Labels pq.StringArray `db:"labels"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT instrument_id, COALESCE(labels, '{}') AS labels FROM instruments WHERE instrument_id = ANY($1)`,
		pq.Array(symbols))
	if err != nil {
		return nil, fmt.Errorf("postgres labels: %w", err)
	}
	out := make(map[string][]string, len(rows))
	for _, r := range rows {
		out[r.ID] = []string(r.Labels)
	}
	return out, nil
}

// Instruments lists instrument ids, the symbol universe for P1 levels.
func (s *Store) Instruments(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out, `SELECT instrument_id FROM instruments ORDER BY instrument_id`); err != nil {
		return nil, fmt.Errorf("postgres instruments: %w", err)
	}
	return out, nil
}
