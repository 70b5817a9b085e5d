// Package indicator provides technical indicator calculations over closing
// prices.
//
// All indicators implement the Indicator interface, receiving one close at
// a time and producing float64 values.
package indicator

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_20", "MACD_12_26_9").
	Name() string

	// Update feeds the next close and recalculates.
	Update(price float64)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}
