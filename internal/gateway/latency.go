package gateway

import (
	"math"
	"sort"
	"sync"
)

// LagStats summarizes recorded alert delivery lag in milliseconds.
type LagStats struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// LatencyTracker keeps the last N lag samples in a ring. Safe for
// concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewLatencyTracker creates a tracker that holds the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = lagSamples
	}
	return &LatencyTracker{samples: make([]float64, capacity)}
}

// Record adds a sample in milliseconds.
func (lt *LatencyTracker) Record(ms float64) {
	lt.mu.Lock()
	lt.samples[lt.next] = ms
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next = 0
		lt.full = true
	}
	lt.mu.Unlock()
}

// Stats returns the percentiles of the buffered samples; zero when empty.
func (lt *LatencyTracker) Stats() LagStats {
	lt.mu.Lock()
	n := lt.next
	if lt.full {
		n = len(lt.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, lt.samples[:n])
	lt.mu.Unlock()

	if n == 0 {
		return LagStats{}
	}
	sort.Float64s(sorted)
	return LagStats{
		Count: n,
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile interpolates the p-th quantile (0..1) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
