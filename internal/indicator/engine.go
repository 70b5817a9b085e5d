package indicator

import (
	"fmt"
	"strconv"
	"strings"
)

// IndicatorConfig specifies a single indicator to compute.
type IndicatorConfig struct {
	Type   string // "SMA", "EMA", "RSI", "MACD"
	Period int    // MACD: fast period
	Slow   int    // MACD only
	Signal int    // MACD only
}

// DefaultConfigs are the indicators shown next to a ranking row.
var DefaultConfigs = []IndicatorConfig{
	{Type: "RSI", Period: 14},
	{Type: "MACD", Period: 12, Slow: 26, Signal: 9},
}

// ParseConfigs parses a comma-separated list such as
// "RSI_14,EMA_20,MACD_12_26_9".
func ParseConfigs(s string) ([]IndicatorConfig, error) {
	var out []IndicatorConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(strings.ToUpper(part), "_")
		nums := make([]int, 0, len(fields)-1)
		for _, f := range fields[1:] {
			n, err := strconv.Atoi(f)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("indicator %q: bad period %q", part, f)
			}
			nums = append(nums, n)
		}
		cfg := IndicatorConfig{Type: fields[0]}
		switch {
		case cfg.Type == "MACD" && len(nums) == 3:
			cfg.Period, cfg.Slow, cfg.Signal = nums[0], nums[1], nums[2]
			if cfg.Period >= cfg.Slow {
				return nil, fmt.Errorf("indicator %q: fast period must be below slow", part)
			}
		case (cfg.Type == "SMA" || cfg.Type == "EMA" || cfg.Type == "RSI") && len(nums) == 1:
			cfg.Period = nums[0]
		default:
			return nil, fmt.Errorf("indicator %q: unknown type or wrong arity", part)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// New creates a fresh indicator instance for cfg.
func New(cfg IndicatorConfig) Indicator {
	switch cfg.Type {
	case "EMA":
		return NewEMA(cfg.Period)
	case "RSI":
		return NewRSI(cfg.Period)
	case "MACD":
		return NewMACD(cfg.Period, cfg.Slow, cfg.Signal)
	default:
		return NewSMA(cfg.Period) // fallback
	}
}

// Result is one indicator value at the end of a series.
type Result struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Ready bool    `json:"ready"`
}

// Compute runs every configured indicator over closes, oldest first, and
// returns the final values in config order.
func Compute(closes []float64, cfgs []IndicatorConfig) []Result {
	inds := make([]Indicator, len(cfgs))
	for i, c := range cfgs {
		inds[i] = New(c)
	}
	for _, p := range closes {
		for _, ind := range inds {
			ind.Update(p)
		}
	}
	out := make([]Result, 0, len(inds))
	for _, ind := range inds {
		out = append(out, Result{Name: ind.Name(), Value: ind.Value(), Ready: ind.Ready()})
	}
	return out
}
