package model

// SymbolCache is the aggregated history of one (symbol, tf) pair plus the
// cursor marking the last materialized window. Only the aggregator mutates
// it; readers work on a Clone.
type SymbolCache struct {
	Symbol string          `json:"symbol"`
	TF     int             `json:"tf"`
	Bars   []AggregatedBar `json:"bars"`
	Cursor int64           `json:"cursor"` // PeriodStart of the last bar, 0 = empty
}

// NewSymbolCache returns an empty cache for symbol and tf.
func NewSymbolCache(symbol string, tf int) *SymbolCache {
	return &SymbolCache{Symbol: symbol, TF: tf}
}

// Empty reports whether nothing has been materialized yet.
func (c *SymbolCache) Empty() bool {
	return c.Cursor == 0 && len(c.Bars) == 0
}

// Last returns the most recent bar.
func (c *SymbolCache) Last() (AggregatedBar, bool) {
	if len(c.Bars) == 0 {
		return AggregatedBar{}, false
	}
	return c.Bars[len(c.Bars)-1], true
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (c *SymbolCache) Clone() *SymbolCache {
	out := &SymbolCache{Symbol: c.Symbol, TF: c.TF, Cursor: c.Cursor}
	out.Bars = make([]AggregatedBar, len(c.Bars))
	copy(out.Bars, c.Bars)
	return out
}

// Trim keeps at most max of the newest bars. max <= 0 disables trimming.
// The cursor is never moved.
func (c *SymbolCache) Trim(max int) {
	if max <= 0 || len(c.Bars) <= max {
		return
	}
	kept := make([]AggregatedBar, max)
	copy(kept, c.Bars[len(c.Bars)-max:])
	c.Bars = kept
}
