// Package streak counts consecutive up bars backward from the newest bar.
package streak

import (
	"fmt"
	"strings"

	"coin-monitor/internal/model"

	"github.com/shopspring/decimal"
)

// Rule selects what counts as an "up" bar.
type Rule string

const (
	// RuleCloseOverClose counts a bar when its close is strictly above the
	// previous bar's close.
	RuleCloseOverClose Rule = "close_over_close"

	// RuleGreenCloseOverClose additionally requires the bar to close above
	// its own open.
	RuleGreenCloseOverClose Rule = "green_close_over_close"
)

// DefaultRule is used when none is configured.
const DefaultRule = RuleCloseOverClose

var hundred = decimal.NewFromInt(100)

// ParseRule maps a config value to a Rule. Empty selects DefaultRule.
func ParseRule(s string) (Rule, error) {
	switch Rule(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultRule, nil
	case RuleCloseOverClose:
		return RuleCloseOverClose, nil
	case RuleGreenCloseOverClose:
		return RuleGreenCloseOverClose, nil
	}
	return "", fmt.Errorf("unknown streak rule %q", s)
}

// Result is a streak reading at the newest bar.
type Result struct {
	Count         int     `json:"count"`
	CumulativePct float64 `json:"cumulative_pct"` // compounded return over the streak, percent
}

// ConsecutiveUp walks bars (oldest first) backward from the newest bar and
// counts the bars that satisfy rule, stopping at the first one that does
// not. Equal closes break the streak. Fewer than two bars give zero.
func ConsecutiveUp(bars []model.AggregatedBar, rule Rule) Result {
	n := len(bars)
	if n < 2 {
		return Result{}
	}
	count := 0
	for i := n - 1; i > 0; i-- {
		if !isUp(bars[i-1], bars[i], rule) {
			break
		}
		count++
	}
	if count == 0 {
		return Result{}
	}
	return Result{
		Count:         count,
		CumulativePct: PctChange(bars[n-1-count].Close, bars[n-1].Close),
	}
}

// ConsecutiveUpCloses applies RuleCloseOverClose to a bare close series.
func ConsecutiveUpCloses(closes []decimal.Decimal) Result {
	bars := make([]model.AggregatedBar, len(closes))
	for i, c := range closes {
		bars[i].Close = c
	}
	return ConsecutiveUp(bars, RuleCloseOverClose)
}

func isUp(prev, cur model.AggregatedBar, rule Rule) bool {
	if !cur.Close.GreaterThan(prev.Close) {
		return false
	}
	if rule == RuleGreenCloseOverClose && !cur.Close.GreaterThan(cur.Open) {
		return false
	}
	return true
}

// PctChange returns (to/from - 1) * 100. A zero base yields 0.
func PctChange(from, to decimal.Decimal) float64 {
	if from.IsZero() {
		return 0
	}
	return to.Div(from).Sub(decimal.NewFromInt(1)).Mul(hundred).InexactFloat64()
}
