package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"coin-monitor/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// StoreConfig configures the SQLite cache store.
type StoreConfig struct {
	DBPath     string // path to SQLite database file, e.g. "data/cache.db"
	MaxHistory int    // bars kept per (symbol, tf); 0 keeps everything
}

// Store is the durable SymbolCache layer. Prices are stored as decimal
// text so a reload reproduces them exactly.
type Store struct {
	db         *sql.DB
	maxHistory int
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg StoreConfig) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened cache database at %s", cfg.DBPath)
	return &Store{db: db, maxHistory: cfg.MaxHistory}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agg_bars (
			symbol       TEXT    NOT NULL,
			tf           INTEGER NOT NULL,
			period_start INTEGER NOT NULL,
			open         TEXT    NOT NULL,
			high         TEXT    NOT NULL,
			low          TEXT    NOT NULL,
			close        TEXT    NOT NULL,
			volume       TEXT    NOT NULL,
			count        INTEGER NOT NULL,
			PRIMARY KEY (symbol, tf, period_start)
		);

		CREATE TABLE IF NOT EXISTS agg_cursors (
			symbol            TEXT    NOT NULL,
			tf                INTEGER NOT NULL,
			last_period_start INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			PRIMARY KEY (symbol, tf)
		);
	`)
	return err
}

// AppendBars inserts bars and moves the cursor in a single transaction,
// then trims history beyond MaxHistory.
func (s *Store) AppendBars(ctx context.Context, symbol string, tf int, bars []model.AggregatedBar, cursor int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO agg_bars (symbol, tf, period_start, open, high, low, close, volume, count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare agg_bars: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, symbol, tf, b.PeriodStart,
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(), b.Count)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert agg_bars: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agg_cursors (symbol, tf, last_period_start, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol, tf) DO UPDATE SET
			last_period_start = excluded.last_period_start,
			updated_at = excluded.updated_at
	`, symbol, tf, cursor, time.Now().Unix())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite upsert agg_cursors: %w", err)
	}

	if s.maxHistory > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM agg_bars
			WHERE symbol = ? AND tf = ? AND period_start < (
				SELECT period_start FROM agg_bars
				WHERE symbol = ? AND tf = ?
				ORDER BY period_start DESC
				LIMIT 1 OFFSET ?
			)
		`, symbol, tf, symbol, tf, s.maxHistory-1)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite trim agg_bars: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteCache drops the history and cursor of (symbol, tf).
func (s *Store) DeleteCache(ctx context.Context, symbol string, tf int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agg_bars WHERE symbol = ? AND tf = ?`, symbol, tf); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite delete agg_bars: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agg_cursors WHERE symbol = ? AND tf = ?`, symbol, tf); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite delete agg_cursors: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
