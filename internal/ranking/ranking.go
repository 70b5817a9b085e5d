// Package ranking orders symbols by their current up streak for dashboards
// and the ranking command. It only reads caches; it never materializes bars.
package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"coin-monitor/internal/indicator"
	"coin-monitor/internal/model"
	"coin-monitor/internal/signals/streak"

	"github.com/shopspring/decimal"
)

// CacheReader returns a read-only copy of a symbol's aggregated history.
// *tfbuilder.Builder satisfies it.
type CacheReader interface {
	Snapshot(ctx context.Context, symbol string) (*model.SymbolCache, error)
}

// SymbolLister lists candidate symbols.
type SymbolLister interface {
	Symbols(ctx context.Context) ([]string, error)
}

// Query selects a ranking.
type Query struct {
	TF    int
	Limit int         // 0 = all
	Rule  streak.Rule // "" = streak.DefaultRule
}

// Row is one ranked symbol.
type Row struct {
	Symbol          string             `json:"symbol"`
	Labels          []string           `json:"labels,omitempty"`
	TF              int                `json:"tf"`
	Streak          int                `json:"streak"`
	CumulativePct   float64            `json:"cumulative_pct"`
	PeriodReturnPct float64            `json:"period_return_pct"`
	MaxDrawdownPct  float64            `json:"max_drawdown_pct"`
	Close           string             `json:"close"`
	AsOf            int64              `json:"as_of"`
	Indicators      []indicator.Result `json:"indicators,omitempty"`
}

// Ranker computes rankings over the caches of each configured timeframe.
type Ranker struct {
	symbols SymbolLister
	caches  map[int]CacheReader
	labels  model.LabelSource // optional
	skip    map[string]bool

	// Indicators computed per row; nil uses indicator.DefaultConfigs.
	Indicators []indicator.IndicatorConfig
}

// NewRanker creates a ranker. caches maps a timeframe in seconds to its
// reader. labels may be nil.
func NewRanker(symbols SymbolLister, caches map[int]CacheReader, labels model.LabelSource, skip []string) *Ranker {
	sk := make(map[string]bool, len(skip))
	for _, s := range skip {
		sk[s] = true
	}
	return &Ranker{symbols: symbols, caches: caches, labels: labels, skip: sk}
}

// Rank returns rows sorted by streak descending, then cumulative pct
// descending, then symbol. Symbols without aggregated bars are left out.
// A per-symbol read failure is logged and skipped.
func (r *Ranker) Rank(ctx context.Context, q Query) ([]Row, error) {
	cache, ok := r.caches[q.TF]
	if !ok {
		return nil, fmt.Errorf("ranking: timeframe %ds not configured", q.TF)
	}
	rule := q.Rule
	if rule == "" {
		rule = streak.DefaultRule
	}
	cfgs := r.Indicators
	if cfgs == nil {
		cfgs = indicator.DefaultConfigs
	}

	symbols, err := r.symbols.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking: list symbols: %w", err)
	}

	rows := make([]Row, 0, len(symbols))
	for _, sym := range symbols {
		if r.skip[sym] {
			continue
		}
		snap, err := cache.Snapshot(ctx, sym)
		if err != nil {
			slog.Warn("ranking: read cache failed", "symbol", sym, "tf", q.TF, "error", err)
			continue
		}
		if snap == nil || snap.Empty() {
			continue
		}
		rows = append(rows, buildRow(snap, rule, cfgs))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Streak != rows[j].Streak {
			return rows[i].Streak > rows[j].Streak
		}
		if rows[i].CumulativePct != rows[j].CumulativePct {
			return rows[i].CumulativePct > rows[j].CumulativePct
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	if r.labels != nil && len(rows) > 0 {
		syms := make([]string, len(rows))
		for i := range rows {
			syms[i] = rows[i].Symbol
		}
		labels, err := r.labels.Labels(ctx, syms)
		if err != nil {
			slog.Warn("ranking: labels unavailable", "error", err)
		}
		for i := range rows {
			rows[i].Labels = labels[rows[i].Symbol]
		}
	}
	return rows, nil
}

func buildRow(c *model.SymbolCache, rule streak.Rule, cfgs []indicator.IndicatorConfig) Row {
	last, _ := c.Last()
	res := streak.ConsecutiveUp(c.Bars, rule)
	closes := make([]float64, len(c.Bars))
	for i, b := range c.Bars {
		closes[i] = b.Close.InexactFloat64()
	}
	return Row{
		Symbol:          c.Symbol,
		TF:              c.TF,
		Streak:          res.Count,
		CumulativePct:   res.CumulativePct,
		PeriodReturnPct: streak.PctChange(last.Open, last.Close),
		MaxDrawdownPct:  MaxDrawdown(c.Bars),
		Close:           last.Close.String(),
		AsOf:            last.PeriodStart,
		Indicators:      indicator.Compute(closes, cfgs),
	}
}

// MaxDrawdown is the largest peak-to-trough fall of closes, as a negative
// percentage (0 when closes never fall below a prior peak).
func MaxDrawdown(bars []model.AggregatedBar) float64 {
	if len(bars) == 0 {
		return 0
	}
	peak := bars[0].Close
	worst := decimal.Zero
	for _, b := range bars[1:] {
		if b.Close.GreaterThan(peak) {
			peak = b.Close
			continue
		}
		if peak.IsZero() {
			continue
		}
		dd := b.Close.Div(peak).Sub(decimal.NewFromInt(1))
		if dd.LessThan(worst) {
			worst = dd
		}
	}
	return worst.Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// FormatTable renders rows as "label : SYMBOL : pct" lines with the USDT
// suffix stripped.
func FormatTable(rows []Row) []string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s : %s : %.2f%%",
			strings.Join(r.Labels, ","), strings.TrimSuffix(r.Symbol, "USDT"), r.CumulativePct))
	}
	return lines
}
