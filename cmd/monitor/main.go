package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"coin-monitor/config"
	"coin-monitor/internal/alert"
	"coin-monitor/internal/gateway"
	"coin-monitor/internal/indicator"
	"coin-monitor/internal/logger"
	"coin-monitor/internal/marketdata/tfbuilder"
	"coin-monitor/internal/metrics"
	"coin-monitor/internal/model"
	"coin-monitor/internal/monitor"
	"coin-monitor/internal/notification"
	"coin-monitor/internal/ranking"
	"coin-monitor/internal/scheduler"
	"coin-monitor/internal/signals/streak"
	"coin-monitor/internal/signals/volume"
	"coin-monitor/internal/signals/whale"
	"coin-monitor/internal/store/memory"
	"coin-monitor/internal/store/postgres"
	redisstore "coin-monitor/internal/store/redis"
	sqlitestore "coin-monitor/internal/store/sqlite"

	"github.com/shopspring/decimal"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	once := flag.Bool("once", false, "run a single cycle and exit")
	dryRun := flag.Bool("dry-run", false, "log notifications instead of sending them and keep alert state in memory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[monitor] config: %v", err)
	}
	_, logFile := logger.InitFile("monitor", logger.ParseLevel(cfg.LogLevel), logger.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logFile.Close()
	log.Println("[monitor] starting...")
	if *dryRun {
		log.Println("[monitor] *** DRY RUN: notifications go to the log, alert state is not persisted ***")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tfs := cfg.ParseTFs()
	loc := cfg.Location()
	rule, err := streak.ParseRule(cfg.StreakRule)
	if err != nil {
		log.Fatalf("[monitor] %v", err)
	}
	log.Printf("[monitor] enabled TFs: %v seconds, alert TF %ds", tfs, cfg.AlertTF)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetEnabledTFs(tfs)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Postgres: raw series, streak state, levels, labels ----
	db, err := postgres.Connect(ctx, postgres.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatalf("[monitor] %v", err)
	}
	pg, err := postgres.New(db, cfg.RawTable)
	if err != nil {
		log.Fatalf("[monitor] %v", err)
	}
	defer pg.Close()
	probes := metrics.Probes{Postgres: db.DB}

	var (
		states model.StreakStateStore = pg
		levels model.AlertLevelStore  = pg
		whales model.WhaleLog         = pg
		cache  model.CacheStore
	)
	if *dryRun {
		states = memory.NewStreakStore()
		levels = memory.NewLevelStore()
		whales = memory.NewWhaleLog()
		cache = memory.NewCacheStore()
	} else {
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("[monitor] %v", err)
		}
		// ---- SQLite aggregated cache ----
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		sq, err := sqlitestore.New(sqlitestore.StoreConfig{DBPath: cfg.SQLitePath, MaxHistory: cfg.MaxHistory})
		if err != nil {
			log.Fatalf("[monitor] sqlite init failed: %v", err)
		}
		defer sq.Close()
		cache = sq
		probes.SQLite = sq.DB()
		log.Println("[monitor] sqlite cache ready")
	}

	// ---- Redis (optional): streak board, alert fan-out, leases ----
	var (
		board      model.StreakPublisher
		boardRead  model.StreakBoardReader
		locker     model.Locker
		redisRead  *redisstore.Reader
		alertLog   gateway.AlertLog
		bufWriter  *redisstore.BufferedWriter
		localBoard = memory.NewBoard()
	)
	if cfg.RedisAddr != "" {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[monitor] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			defer rdb.Close()
			cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
				log.Printf("[monitor] redis circuit %s -> %s", from, to)
			}
			bufWriter = redisstore.NewBufferedWriter(ctx, redisstore.NewWriter(rdb), cb, 1000)
			bufWriter.OnBuffer = prom.RedisBufferedWrites.Inc
			board = bufWriter
			locker = redisstore.NewLocker(rdb)
			redisRead = redisstore.NewReader(rdb)
			boardRead = redisRead
			alertLog = redisRead
			probes.Redis = rdb
			log.Println("[monitor] redis writer ready")
		}
	}
	if board == nil {
		board = localBoard
		boardRead = localBoard
	}
	health.StartLivenessChecker(ctx, probes, 10*time.Second)

	// ---- Notifications ----
	var backends notification.Multi
	if !*dryRun && cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if !*dryRun && cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if len(backends) == 0 {
		backends = append(backends, notification.NewLogNotifier())
	}

	// Alerts reach the websocket hub through Redis pub/sub when Redis is
	// up, so every monitor's alerts reach every gateway; otherwise directly.
	var hub *gateway.Hub
	sinks := []notification.EventSink{board}
	if cfg.GatewayAddr != "" {
		hub = gateway.NewHub(0)
		if redisRead != nil {
			go hub.Relay(ctx, redisRead)
		} else {
			sinks = append(sinks, hub)
		}
	}
	dispatcher := notification.NewDispatcher(backends, notification.DefaultRetry, loc, sinks...)
	dispatcher.OnFailure = prom.NotifyFailuresTotal.Inc

	tracker := alert.NewTracker(states, levels, dispatcher)
	tracker.OnAlert = func(kind model.AlertKind) {
		prom.AlertsTotal.WithLabelValues(string(kind)).Inc()
	}
	tracker.OnPersistError = prom.StreakPersistErrors.Inc

	// ---- Aggregation: one builder per enabled timeframe ----
	builders := make([]*tfbuilder.Builder, 0, len(tfs))
	readers := make(map[int]ranking.CacheReader, len(tfs))
	for _, tf := range tfs {
		b, err := tfbuilder.New(tfbuilder.Config{
			RawInterval: cfg.RawIntervalSec,
			TF:          tf,
			MaxHistory:  cfg.MaxHistory,
		}, pg, cache, locker)
		if err != nil {
			log.Fatalf("[monitor] %v", err)
		}
		b.OnBars = func(tf, n int) {
			prom.AggBarsTotal.WithLabelValues(strconv.Itoa(tf)).Add(float64(n))
		}
		b.OnStaleWindow = prom.StaleWindowsTotal.Inc
		b.OnPersistError = prom.CachePersistErrors.Inc
		builders = append(builders, b)
		readers[tf] = b
	}

	// Hourly bars for the volume digest stay in memory; they only need
	// the trailing window.
	var hourly *tfbuilder.Builder
	if 3600%cfg.RawIntervalSec == 0 {
		hourly, err = tfbuilder.New(tfbuilder.Config{
			RawInterval: cfg.RawIntervalSec,
			TF:          3600,
			MaxHistory:  cfg.VolumeWindowH + 2,
			Backfill:    time.Duration(cfg.VolumeWindowH+2) * time.Hour,
		}, pg, nil, nil)
		if err != nil {
			log.Fatalf("[monitor] %v", err)
		}
	} else {
		log.Printf("[monitor] volume digest disabled: raw interval %ds does not divide one hour", cfg.RawIntervalSec)
	}

	var whaleWatcher *whale.Watcher
	if cfg.WhaleAPIKey != "" {
		whaleWatcher = whale.NewWatcher(whale.Config{
			MinValueUSD: decimal.NewFromFloat(cfg.WhaleMinValueUSD),
			MaxAge:      cfg.WhaleMaxAge,
			Location:    loc,
		}, whale.NewClient(cfg.WhaleURL, cfg.WhaleAPIKey), whales, dispatcher)
		log.Println("[monitor] whale feed enabled")
	}

	svc, err := monitor.New(monitor.Options{
		AlertTF:       cfg.AlertTF,
		MinStreak:     cfg.MinStreak,
		Rule:          rule,
		Workers:       cfg.FetchWorkers,
		SymbolTimeout: cfg.FetchTimeout,
		Skip:          cfg.Skip(),
		Volume:        volume.Config{Window: cfg.VolumeWindowH, MinPct: cfg.VolumeMinPct},
		Location:      loc,
	}, monitor.Deps{
		Source:   pg,
		Builders: builders,
		Hourly:   hourly,
		Tracker:  tracker,
		Levels:   levels,
		Board:    board,
		Notifier: dispatcher,
		Whale:    whaleWatcher,
		Metrics:  prom,
	})
	if err != nil {
		log.Fatalf("[monitor] %v", err)
	}
	svc.OnCycle = func(rep monitor.Report, err error) {
		health.SetCycle(time.Now(), err)
	}

	// ---- Gateway: websocket feed + REST ----
	var gw *gateway.Server
	if hub != nil {
		ranker := ranking.NewRanker(pg, readers, pg, cfg.Skip())
		if cfg.RankingIndicators != "" {
			if ranker.Indicators, err = indicator.ParseConfigs(cfg.RankingIndicators); err != nil {
				log.Fatalf("[monitor] RANKING_INDICATORS: %v", err)
			}
		}
		gw = gateway.NewServer(cfg.GatewayAddr, gateway.NewRouter(gateway.Routes{
			Hub:       hub,
			Ranker:    ranker,
			Board:     boardRead,
			Alerts:    alertLog,
			Health:    health,
			TFs:       tfs,
			DefaultTF: cfg.AlertTF,
			Start:     time.Now(),
		}))
		gw.Start()
		go hub.StartStatsBroadcast(ctx, time.Now(), 10*time.Second)
	}

	dispatcher.Notify(ctx, notification.Message{
		Level: notification.LevelInfo,
		Title: "monitor started",
		Text: fmt.Sprintf("tfs=%v alert=%s min_streak=%d rule=%s",
			tfs, notification.TFLabel(cfg.AlertTF), cfg.MinStreak, rule),
	})

	if *once {
		rep, err := svc.RunCycle(ctx)
		health.SetCycle(time.Now(), err)
		if err != nil {
			log.Printf("[monitor] cycle failed: %v", err)
		} else {
			log.Printf("[monitor] cycle done: %d symbols, %d new bars, %d alerts, %d errors",
				rep.Symbols, rep.NewBars, rep.Alerts, rep.Errors)
		}
	} else {
		sched := scheduler.NewAligned(cfg.PollEvery, cfg.PollDelay)
		sched.RunAtStart = true
		svc.Run(ctx, sched)
	}

	// ---- Graceful shutdown ----
	log.Println("[monitor] shutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if gw != nil {
		gw.Stop(shutdownCtx)
		hub.Close()
	}
	if bufWriter != nil && bufWriter.PendingCount() > 0 {
		log.Printf("[monitor] dropping %d buffered redis writes", bufWriter.PendingCount())
	}
	metricsSrv.Stop(shutdownCtx)
	log.Println("[monitor] stopped")
}
