// Package tfbuilder resamples fixed-cadence raw bars into higher timeframe
// bars. Windows are aligned to the Unix epoch so boundaries do not depend on
// the first bar seen, and a window is emitted only when it holds exactly
// tf/rawInterval raw bars. Builder layers an incremental per-symbol cache on
// top: each refresh reads raw bars past the cursor only.
package tfbuilder

import (
	"sort"

	"coin-monitor/internal/model"

	"github.com/shopspring/decimal"
)

// window collects the deduplicated raw bars of one bucket.
type window struct {
	start int64 // bucket start = t - t%tfMs (epoch ms)
	slots []model.RawBar
	last  int64 // floored time of the newest slot
}

// Resample groups raws into tf-second windows and returns one bar for every
// complete window, oldest first. Raw times are floored to the raw cadence to
// absorb millisecond jitter; two rows floored to the same slot keep the later
// row. Incomplete windows are dropped. Invalid intervals yield nil.
func Resample(symbol string, raws []model.RawBar, rawInterval, tf int) []model.AggregatedBar {
	if rawInterval <= 0 || tf < rawInterval || tf%rawInterval != 0 || len(raws) == 0 {
		return nil
	}
	rawMs := model.TFMillis(rawInterval)
	tfMs := model.TFMillis(tf)
	expected := tf / rawInterval

	sorted := raws
	if !sort.SliceIsSorted(raws, func(i, j int) bool { return raws[i].Time < raws[j].Time }) {
		sorted = make([]model.RawBar, len(raws))
		copy(sorted, raws)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	}

	var out []model.AggregatedBar
	var cur *window
	for _, r := range sorted {
		slot := r.Time - floorMod(r.Time, rawMs)
		bucket := slot - floorMod(slot, tfMs)

		if cur != nil && bucket != cur.start {
			if len(cur.slots) == expected {
				out = append(out, merge(symbol, tf, cur))
			}
			cur = nil
		}
		if cur == nil {
			cur = &window{start: bucket, slots: make([]model.RawBar, 0, expected)}
		}
		if len(cur.slots) > 0 && cur.last == slot {
			cur.slots[len(cur.slots)-1] = r
			continue
		}
		cur.slots = append(cur.slots, r)
		cur.last = slot
	}
	if cur != nil && len(cur.slots) == expected {
		out = append(out, merge(symbol, tf, cur))
	}
	return out
}

// merge folds a complete window: first open, max high, min low, last close,
// summed volume.
func merge(symbol string, tf int, w *window) model.AggregatedBar {
	first := w.slots[0]
	bar := model.AggregatedBar{
		Symbol:      symbol,
		TF:          tf,
		PeriodStart: w.start,
		Open:        first.Open,
		High:        first.High,
		Low:         first.Low,
		Close:       w.slots[len(w.slots)-1].Close,
		Volume:      decimal.Zero,
		Count:       len(w.slots),
	}
	for _, r := range w.slots {
		if r.High.GreaterThan(bar.High) {
			bar.High = r.High
		}
		if r.Low.LessThan(bar.Low) {
			bar.Low = r.Low
		}
		bar.Volume = bar.Volume.Add(r.Volume)
	}
	return bar
}

// floorMod is t mod m for non-negative results on negative t.
func floorMod(t, m int64) int64 {
	r := t % m
	if r < 0 {
		r += m
	}
	return r
}
