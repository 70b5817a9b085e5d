package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// StreakState is the last streak observed for one (symbol, tf), taken at a
// fully aggregated bar. One row per key, upserted on every check.
type StreakState struct {
	Symbol             string    `json:"symbol" db:"symbol"`
	TF                 int       `json:"tf" db:"tf"`
	LastObservedStreak int       `json:"last_observed_streak" db:"last_observed_streak"`
	AsOfPeriodStart    int64     `json:"as_of_period_start" db:"as_of_period_start"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// AlertLevel is a one-shot price breakout reference. Armed while Alerted is
// false; fired exactly once when a close strictly exceeds P1.
type AlertLevel struct {
	Symbol  string          `json:"symbol" db:"symbol"`
	P1      decimal.Decimal `json:"p1" db:"p1"`
	StartTS int64           `json:"start_ts" db:"start_ts"`
	EndTS   int64           `json:"end_ts" db:"end_ts"`
	Alerted bool            `json:"alerted" db:"alerted"`
}

// AlertKind distinguishes the alert sources.
type AlertKind string

const (
	AlertStreak   AlertKind = "streak"
	AlertBreakout AlertKind = "breakout"
	AlertVolume   AlertKind = "volume"
	AlertWhale    AlertKind = "whale"
)

// AlertEvent is emitted on an alert transition.
type AlertEvent struct {
	ID            string          `json:"id"`
	Kind          AlertKind       `json:"kind"`
	Symbol        string          `json:"symbol"`
	TF            int             `json:"tf,omitempty"`
	Streak        int             `json:"streak,omitempty"`
	CumulativePct float64         `json:"cumulative_pct,omitempty"`
	DeviationPct  float64         `json:"deviation_pct,omitempty"`
	Price         decimal.Decimal `json:"price"`
	P1            decimal.Decimal `json:"p1,omitempty"`
	AsOf          int64           `json:"as_of"` // PeriodStart (or raw bar time) in epoch ms
	CreatedAt     time.Time       `json:"created_at"`
}

// JSON returns the JSON-encoded event.
func (e *AlertEvent) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// StreakSnapshot is the latest streak reading for a symbol, published to
// the shared board for dashboards.
type StreakSnapshot struct {
	Symbol        string  `json:"symbol"`
	TF            int     `json:"tf"`
	Streak        int     `json:"streak"`
	CumulativePct float64 `json:"cumulative_pct"`
	Close         string  `json:"close"`
	AsOf          int64   `json:"as_of"`
}
