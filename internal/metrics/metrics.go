package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the monitor.
type Metrics struct {
	CyclesTotal   prometheus.Counter
	CycleDuration prometheus.Histogram

	// Aggregation
	AggBarsTotal       *prometheus.CounterVec // labels: tf
	StaleWindowsTotal  prometheus.Counter
	CachePersistErrors prometheus.Counter

	// Per-symbol failures inside a cycle
	SymbolErrorsTotal *prometheus.CounterVec // labels: stage

	// Alerts and delivery
	AlertsTotal          *prometheus.CounterVec // labels: kind
	NotifyFailuresTotal  prometheus.Counter
	StreakPersistErrors  prometheus.Counter
	LastCycleSymbols     prometheus.Gauge
	LastCycleCompletedAt prometheus.Gauge

	// Circuit breaker metrics
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cycles_total",
			Help: "Total monitoring cycles run",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_cycle_duration_seconds",
			Help:    "Wall time of one monitoring cycle",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		AggBarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_agg_bars_total",
			Help: "Aggregated bars materialized (by timeframe)",
		}, []string{"tf"}),
		StaleWindowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_stale_windows_total",
			Help: "Complete windows at or behind the cursor that were discarded",
		}),
		CachePersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cache_persist_errors_total",
			Help: "Failed durable cache writes",
		}),

		SymbolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_symbol_errors_total",
			Help: "Per-symbol failures inside a cycle (by stage)",
		}, []string{"stage"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "Alerts emitted (by kind)",
		}, []string{"kind"}),
		NotifyFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_notify_failures_total",
			Help: "Notifications that failed after all retries",
		}),
		StreakPersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_streak_persist_errors_total",
			Help: "Failed streak state upserts",
		}),
		LastCycleSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_last_cycle_symbols",
			Help: "Symbols processed by the last cycle",
		}),
		LastCycleCompletedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_last_cycle_completed_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_redis_circuit_breaker_trips_total",
			Help: "Number of times the Redis circuit breaker opened",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_redis_buffered_writes_total",
			Help: "Redis writes buffered while the circuit was open",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.AggBarsTotal,
		m.StaleWindowsTotal,
		m.CachePersistErrors,
		m.SymbolErrorsTotal,
		m.AlertsTotal,
		m.NotifyFailuresTotal,
		m.StreakPersistErrors,
		m.LastCycleSymbols,
		m.LastCycleCompletedAt,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration, symbols int) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.LastCycleSymbols.Set(float64(symbols))
	m.LastCycleCompletedAt.Set(float64(time.Now().Unix()))
}

// HealthStatus tracks dependency health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	PostgresOK        bool
	PostgresLatencyMs float64
	SQLiteOK          bool
	SQLiteLatencyMs   float64
	RedisConnected    bool
	RedisLatencyMs    float64
	RedisEnabled      bool

	LastCycleAt    time.Time
	LastCycleError string
	EnabledTFs     []int
	LastCheckAt    time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetEnabledTFs(tfs []int) {
	h.mu.Lock()
	h.EnabledTFs = tfs
	h.mu.Unlock()
}

// SetCycle records the outcome of the latest cycle; err may be nil.
func (h *HealthStatus) SetCycle(at time.Time, err error) {
	h.mu.Lock()
	h.LastCycleAt = at
	h.LastCycleError = ""
	if err != nil {
		h.LastCycleError = err.Error()
	}
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the cache database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	ok, ms := ping(ctx, db)
	h.mu.Lock()
	h.SQLiteOK = ok
	h.SQLiteLatencyMs = ms
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckPostgres pings the raw series database and records latency + health.
func (h *HealthStatus) CheckPostgres(ctx context.Context, db *sql.DB) {
	ok, ms := ping(ctx, db)
	h.mu.Lock()
	h.PostgresOK = ok
	h.PostgresLatencyMs = ms
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

func ping(ctx context.Context, db *sql.DB) (bool, float64) {
	start := time.Now()
	err := db.PingContext(ctx)
	return err == nil, float64(time.Since(start).Microseconds()) / 1000.0
}

// Probes are the dependencies checked by the liveness loop. Nil fields are
// skipped.
type Probes struct {
	Postgres *sql.DB
	SQLite   *sql.DB
	Redis    *goredis.Client
}

// Check runs every configured probe once.
func (h *HealthStatus) Check(ctx context.Context, p Probes) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if p.Postgres != nil {
		h.CheckPostgres(probeCtx, p.Postgres)
	}
	if p.SQLite != nil {
		h.CheckSQLite(probeCtx, p.SQLite)
	}
	if p.Redis != nil {
		h.CheckRedis(probeCtx, p.Redis)
	}
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, p Probes, interval time.Duration) {
	h.Check(ctx, p)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx, p)
			}
		}
	}()
}

// Report is the JSON body of /healthz.
type Report struct {
	Status            string  `json:"status"`
	Uptime            string  `json:"uptime"`
	PostgresOK        bool    `json:"postgres_ok"`
	PostgresLatencyMs float64 `json:"postgres_latency_ms"`
	SQLiteOK          bool    `json:"sqlite_ok"`
	SQLiteLatencyMs   float64 `json:"sqlite_latency_ms"`
	RedisConnected    bool    `json:"redis_connected"`
	RedisLatencyMs    float64 `json:"redis_latency_ms"`
	LastCycleAt       string  `json:"last_cycle_at"`
	LastCycleError    string  `json:"last_cycle_error,omitempty"`
	EnabledTFs        []int   `json:"enabled_tfs"`
	LastCheckAt       string  `json:"last_check_at"`
}

// Report summarizes health. Postgres down is unhealthy since nothing can be
// computed without raw bars; a cache or Redis outage only degrades.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.PostgresOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	lastCycle := ""
	if !h.LastCycleAt.IsZero() {
		lastCycle = h.LastCycleAt.Format(time.RFC3339)
	}
	return Report{
		Status:            status,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		PostgresOK:        h.PostgresOK,
		PostgresLatencyMs: h.PostgresLatencyMs,
		SQLiteOK:          h.SQLiteOK,
		SQLiteLatencyMs:   h.SQLiteLatencyMs,
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		LastCycleAt:       lastCycle,
		LastCycleError:    h.LastCycleError,
		EnabledTFs:        h.EnabledTFs,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
