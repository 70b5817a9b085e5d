// Package postgres reads the raw OHLCV series and keeps alert state in
// Postgres: streak_state, monitor_levels, whale_records and the
// instruments label table.
package postgres

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config holds connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// DSN renders the lib/pq key/value connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Connect opens a pooled connection and pings it.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	return ConnectDSN(ctx, cfg.DSN(), cfg.MaxConns, cfg.MaxIdle)
}

// ConnectDSN is Connect for a prebuilt DSN or URL.
func ConnectDSN(ctx context.Context, dsn string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Printf("[postgres] connected")
	return db, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store implements the raw bar source, streak state, alert level and label
// ports on one connection pool.
type Store struct {
	db       *sqlx.DB
	rawTable string
}

// New wraps db. rawTable is the raw series table, e.g. "ohlcv".
func New(db *sqlx.DB, rawTable string) (*Store, error) {
	if !identRe.MatchString(rawTable) {
		return nil, fmt.Errorf("postgres: invalid raw table name %q", rawTable)
	}
	return &Store{db: db, rawTable: rawTable}, nil
}

// DB returns the underlying pool for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// EnsureSchema creates the tables the monitor owns. The raw series and the
// instruments table are owned by other jobs and are not created here.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS streak_state (
			symbol               TEXT    NOT NULL,
			tf                   INTEGER NOT NULL,
			last_observed_streak INTEGER NOT NULL,
			as_of_period_start   BIGINT  NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (symbol, tf)
		);

		CREATE TABLE IF NOT EXISTS monitor_levels (
			symbol   TEXT PRIMARY KEY,
			start_ts BIGINT NOT NULL,
			end_ts   BIGINT NOT NULL,
			p1       NUMERIC NOT NULL,
			alerted  BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE IF NOT EXISTS whale_records (
			user_addr          TEXT    NOT NULL,
			create_time        BIGINT  NOT NULL,
			position_action    INTEGER NOT NULL,
			symbol             TEXT    NOT NULL,
			position_size      NUMERIC NOT NULL,
			entry_price        NUMERIC NOT NULL,
			liq_price          NUMERIC,
			position_value_usd NUMERIC NOT NULL,
			seen_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_addr, create_time, position_action)
		);
	`)
	if err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
