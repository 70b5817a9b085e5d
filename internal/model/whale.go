package model

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Whale position actions as reported by Coinglass.
const (
	WhaleOpen  = 1
	WhaleClose = 2
)

// WhaleRecord is one large Hyperliquid position change. A record is
// identified by (User, CreateTime, PositionAction). A negative
// PositionSize is a short.
type WhaleRecord struct {
	User             string              `json:"user" db:"user_addr"`
	Symbol           string              `json:"symbol" db:"symbol"`
	PositionSize     decimal.Decimal     `json:"position_size" db:"position_size"`
	EntryPrice       decimal.Decimal     `json:"entry_price" db:"entry_price"`
	LiqPrice         decimal.NullDecimal `json:"liq_price" db:"liq_price"`
	PositionValueUSD decimal.Decimal     `json:"position_value_usd" db:"position_value_usd"`
	PositionAction   int                 `json:"position_action" db:"position_action"`
	CreateTime       int64               `json:"create_time" db:"create_time"` // epoch ms
}

// Key is the dedupe key of the record.
func (r WhaleRecord) Key() string {
	return r.User + ":" + strconv.FormatInt(r.CreateTime, 10) + ":" + strconv.Itoa(r.PositionAction)
}

// Long reports whether the position is long.
func (r WhaleRecord) Long() bool { return r.PositionSize.IsPositive() }

// Leverage estimates notional leverage as entry / (entry - liq). ok is
// false without a liquidation price or when it equals the entry.
func (r WhaleRecord) Leverage() (lev float64, ok bool) {
	if !r.LiqPrice.Valid || r.LiqPrice.Decimal.Equal(r.EntryPrice) {
		return 0, false
	}
	lev, _ = r.EntryPrice.Div(r.EntryPrice.Sub(r.LiqPrice.Decimal)).Float64()
	return lev, true
}
