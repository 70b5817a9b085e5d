package gateway

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Stats is the payload of /api/v1/stats and the periodic stats envelope.
type Stats struct {
	Clients     int      `json:"clients"`
	Seq         int64    `json:"seq"`
	Lag         LagStats `json:"lag"`
	Goroutines  int      `json:"goroutines"`
	HeapAllocMB float64  `json:"heap_alloc_mb"`
	SysMB       float64  `json:"sys_mb"`
	GCRuns      uint32   `json:"gc_runs"`
	Load1       float64  `json:"load_1,omitempty"`
	UptimeSec   int64    `json:"uptime_sec"`
	TS          string   `json:"ts"`
}

// Stats collects hub counters and process resource usage.
func (h *Hub) Stats(start time.Time) Stats {
	s := Stats{
		Clients:    h.ClientCount(),
		Seq:        h.Seq(),
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(time.Since(start).Seconds()),
		TS:         time.Now().UTC().Format(time.RFC3339Nano),
		Load1:      loadAvg1(),
	}
	if h.Lag != nil {
		s.Lag = h.Lag.Stats()
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	s.SysMB = float64(ms.Sys) / 1024 / 1024
	s.GCRuns = ms.NumGC
	return s
}

// loadAvg1 reads the 1-minute load average; 0 where /proc is absent.
func loadAvg1() float64 {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0
	}
	fields := strings.Fields(sc.Text())
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[0], 64)
	return v
}
