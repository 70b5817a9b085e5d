package streak

import (
	"testing"

	"coin-monitor/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closes(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

// ohlc builds bars from (open, close) pairs.
func ohlc(pairs ...[2]int64) []model.AggregatedBar {
	out := make([]model.AggregatedBar, len(pairs))
	for i, p := range pairs {
		out[i] = model.AggregatedBar{
			Open:  decimal.NewFromInt(p[0]),
			Close: decimal.NewFromInt(p[1]),
		}
	}
	return out
}

func TestConsecutiveUpCloses(t *testing.T) {
	tests := []struct {
		name   string
		closes []decimal.Decimal
		count  int
		pct    float64
	}{
		{"last bar dropped", closes(10, 11, 12, 11), 0, 0},
		{"three rising", closes(10, 11, 12, 13), 3, 30.0},
		{"single bar", closes(10), 0, 0},
		{"empty", nil, 0, 0},
		{"equal close breaks", closes(10, 11, 11, 12), 1, 100.0 * (12.0/11.0 - 1)},
		{"run stops at first violation", closes(5, 20, 10, 11, 12), 2, 20.0},
		{"whole history rising", closes(1, 2, 4), 2, 300.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConsecutiveUpCloses(tt.closes)
			assert.Equal(t, tt.count, got.Count)
			assert.InDelta(t, tt.pct, got.CumulativePct, 1e-9)
		})
	}
}

func TestConsecutiveUp_GreenRule(t *testing.T) {
	// Closes rise every bar, but the second-to-last bar closed below its open.
	bars := ohlc([2]int64{9, 10}, [2]int64{10, 11}, [2]int64{13, 12}, [2]int64{12, 13})

	assert.Equal(t, 3, ConsecutiveUp(bars, RuleCloseOverClose).Count)

	got := ConsecutiveUp(bars, RuleGreenCloseOverClose)
	assert.Equal(t, 1, got.Count)
	assert.InDelta(t, 100.0*(13.0/12.0-1), got.CumulativePct, 1e-9)
}

func TestConsecutiveUp_CompoundedNotSummed(t *testing.T) {
	got := ConsecutiveUpCloses(closes(100, 110, 121))
	require.Equal(t, 2, got.Count)
	// 10% + 10% compounds to 21%, not 20%.
	assert.InDelta(t, 21.0, got.CumulativePct, 1e-9)
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("")
	require.NoError(t, err)
	assert.Equal(t, RuleCloseOverClose, r)

	r, err = ParseRule(" Green_Close_Over_Close ")
	require.NoError(t, err)
	assert.Equal(t, RuleGreenCloseOverClose, r)

	_, err = ParseRule("sideways")
	assert.Error(t, err)
}

func TestPctChange_ZeroBase(t *testing.T) {
	assert.Zero(t, PctChange(decimal.Zero, decimal.NewFromInt(5)))
}
