package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RawBar is one fixed-cadence OHLCV row from the raw series store.
// Time is the bar open time in epoch milliseconds. Key = (Symbol, Time).
type RawBar struct {
	Symbol string          `json:"symbol"`
	Time   int64           `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// AggregatedBar is a completed higher-timeframe bar built from raw bars.
// PeriodStart is aligned to the Unix epoch, so 4h windows open at
// 00:00/04:00/08:00 UTC. Count is the number of raw bars merged.
type AggregatedBar struct {
	Symbol      string          `json:"symbol"`
	TF          int             `json:"tf"`           // timeframe in seconds
	PeriodStart int64           `json:"period_start"` // epoch ms
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	Count       int             `json:"count"`
}

// Start returns PeriodStart as a UTC time.
func (b *AggregatedBar) Start() time.Time {
	return time.UnixMilli(b.PeriodStart).UTC()
}

// Key returns "symbol:tf".
func (b *AggregatedBar) Key() string {
	return CacheKey(b.Symbol, b.TF)
}

// JSON returns the JSON-encoded bar.
func (b *AggregatedBar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// Equal reports whether two bars carry the same window and values.
func (b AggregatedBar) Equal(o AggregatedBar) bool {
	return b.Symbol == o.Symbol && b.TF == o.TF && b.PeriodStart == o.PeriodStart &&
		b.Count == o.Count &&
		b.Open.Equal(o.Open) && b.High.Equal(o.High) && b.Low.Equal(o.Low) &&
		b.Close.Equal(o.Close) && b.Volume.Equal(o.Volume)
}

// CacheKey returns the per-symbol per-timeframe key "symbol:tf".
func CacheKey(symbol string, tf int) string {
	return symbol + ":" + strconv.Itoa(tf)
}
