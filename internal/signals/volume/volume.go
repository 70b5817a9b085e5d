// Package volume flags hourly volume spikes against a trailing mean.
package volume

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"coin-monitor/internal/model"

	"github.com/shopspring/decimal"
)

const (
	DefaultWindow = 24
	DefaultMinPct = 200.0
	DefaultTop    = 20
)

// Config tunes the anomaly check.
type Config struct {
	Window int     // trailing hours averaged; 0 = DefaultWindow
	MinPct float64 // minimum deviation reported; 0 = DefaultMinPct
	Top    int     // rows kept in a digest; 0 = DefaultTop
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MinPct == 0 {
		c.MinPct = DefaultMinPct
	}
	if c.Top <= 0 {
		c.Top = DefaultTop
	}
	return c
}

// Anomaly is one symbol whose last hour traded far above its average.
type Anomaly struct {
	Symbol       string
	PeriodStart  int64
	Volume       decimal.Decimal
	Mean         decimal.Decimal
	DeviationPct float64 // (volume/mean - 1) * 100
	ChangePct    float64 // (close/open - 1) * 100 of the last hour
	Close        decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Evaluate measures the newest bar of hourly bars against the mean volume
// of the bars in the preceding cfg.Window hours. It reports false when
// there is no history, the mean is zero, or the open is zero.
func Evaluate(symbol string, bars []model.AggregatedBar, cfg Config) (Anomaly, bool) {
	cfg = cfg.withDefaults()
	if len(bars) < 2 {
		return Anomaly{}, false
	}
	last := bars[len(bars)-1]
	from := last.PeriodStart - int64(cfg.Window)*model.TFMillis(3600)

	sum := decimal.Zero
	n := 0
	for i := len(bars) - 2; i >= 0 && bars[i].PeriodStart >= from; i-- {
		sum = sum.Add(bars[i].Volume)
		n++
	}
	if n == 0 || sum.IsZero() || last.Open.IsZero() {
		return Anomaly{}, false
	}
	mean := sum.Div(decimal.NewFromInt(int64(n)))
	dev, _ := last.Volume.Div(mean).Sub(decimal.NewFromInt(1)).Mul(hundred).Float64()
	chg, _ := last.Close.Div(last.Open).Sub(decimal.NewFromInt(1)).Mul(hundred).Float64()
	return Anomaly{
		Symbol:       symbol,
		PeriodStart:  last.PeriodStart,
		Volume:       last.Volume,
		Mean:         mean,
		DeviationPct: dev,
		ChangePct:    chg,
		Close:        last.Close,
	}, true
}

// Select keeps anomalies at or above cfg.MinPct whose hour closed flat or
// up, sorted by deviation descending and cut to cfg.Top.
func Select(all []Anomaly, cfg Config) []Anomaly {
	cfg = cfg.withDefaults()
	out := make([]Anomaly, 0, len(all))
	for _, a := range all {
		if a.DeviationPct >= cfg.MinPct && a.ChangePct >= 0 {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeviationPct > out[j].DeviationPct })
	if len(out) > cfg.Top {
		out = out[:cfg.Top]
	}
	return out
}

// Reporter remembers the last hour reported so a digest goes out at most
// once per hour.
type Reporter struct {
	mu   sync.Mutex
	last int64
}

// Claim reports true the first time periodStart is seen past the last
// claimed hour.
func (r *Reporter) Claim(periodStart int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if periodStart <= r.last {
		return false
	}
	r.last = periodStart
	return true
}

// DigestLines renders anomalies as aligned table rows.
func DigestLines(as []Anomaly) []string {
	lines := make([]string, 0, len(as)+1)
	lines = append(lines, fmt.Sprintf("%-12s %9s %7s", "SYMBOL", "VOL%", "CHG%"))
	for _, a := range as {
		lines = append(lines, fmt.Sprintf("%-12s %+8.0f%% %+6.2f%%",
			strings.TrimSuffix(a.Symbol, "USDT"), a.DeviationPct, a.ChangePct))
	}
	return lines
}
