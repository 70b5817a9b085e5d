// cmd/streakrank prints the consecutive-close ranking for one timeframe from
// the aggregated cache, and can send it to Telegram or arm breakout levels.
//
// Usage:
//
//	go run ./cmd/streakrank --tf=14400 --limit=20 --send
//	go run ./cmd/streakrank --arm-start=2024-03-01 --arm-end=2024-03-31
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coin-monitor/config"
	"coin-monitor/internal/indicator"
	"coin-monitor/internal/logger"
	"coin-monitor/internal/marketdata/tfbuilder"
	"coin-monitor/internal/model"
	"coin-monitor/internal/notification"
	"coin-monitor/internal/ranking"
	"coin-monitor/internal/signals/streak"
	"coin-monitor/internal/store/postgres"
	redisstore "coin-monitor/internal/store/redis"
	sqlitestore "coin-monitor/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[streakrank] config: %v", err)
	}

	// Flags
	tf := flag.Int("tf", cfg.AlertTF, "Timeframe in seconds")
	limit := flag.Int("limit", 20, "Rows to print (0=all)")
	ruleStr := flag.String("rule", cfg.StreakRule, "Streak rule: close_over_close or green_close_over_close")
	send := flag.Bool("send", false, "Send the table to Telegram")
	refresh := flag.Bool("refresh", false, "Bring the cache up to date from the raw series first")
	armStart := flag.String("arm-start", "", "Arm P1 levels from this date (YYYY-MM-DD, local zone)")
	armEnd := flag.String("arm-end", "", "Arm P1 levels up to the end of this date (YYYY-MM-DD, local zone)")
	flag.Parse()

	logger.Init("streakrank", logger.ParseLevel(cfg.LogLevel))
	rule, err := streak.ParseRule(*ruleStr)
	if err != nil {
		log.Fatalf("[streakrank] %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.Connect(ctx, postgres.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatalf("[streakrank] %v", err)
	}
	pg, err := postgres.New(db, cfg.RawTable)
	if err != nil {
		log.Fatalf("[streakrank] %v", err)
	}
	defer pg.Close()

	if *armStart != "" || *armEnd != "" {
		if err := arm(ctx, pg, *armStart, *armEnd, cfg.Location()); err != nil {
			log.Fatalf("[streakrank] arm: %v", err)
		}
		return
	}

	sq, err := sqlitestore.New(sqlitestore.StoreConfig{DBPath: cfg.SQLitePath, MaxHistory: cfg.MaxHistory})
	if err != nil {
		log.Fatalf("[streakrank] sqlite open failed: %v", err)
	}
	defer sq.Close()

	var locker model.Locker
	if *refresh && cfg.RedisAddr != "" {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Fatalf("[streakrank] redis: %v", err)
		}
		defer rdb.Close()
		locker = redisstore.NewLocker(rdb)
	}

	b, err := tfbuilder.New(tfbuilder.Config{
		RawInterval: cfg.RawIntervalSec,
		TF:          *tf,
		MaxHistory:  cfg.MaxHistory,
	}, pg, sq, locker)
	if err != nil {
		log.Fatalf("[streakrank] %v", err)
	}

	if *refresh {
		symbols, err := pg.Symbols(ctx)
		if err != nil {
			log.Fatalf("[streakrank] %v", err)
		}
		n := 0
		for _, sym := range symbols {
			added, err := b.Refresh(ctx, sym)
			if err != nil && !errors.Is(err, model.ErrLeaseHeld) {
				log.Printf("[streakrank] refresh %s: %v", sym, err)
			}
			n += len(added)
		}
		log.Printf("[streakrank] refreshed %d symbols, %d new bars", len(symbols), n)
	}

	ranker := ranking.NewRanker(pg, map[int]ranking.CacheReader{*tf: b}, pg, cfg.Skip())
	if cfg.RankingIndicators != "" {
		if ranker.Indicators, err = indicator.ParseConfigs(cfg.RankingIndicators); err != nil {
			log.Fatalf("[streakrank] RANKING_INDICATORS: %v", err)
		}
	}
	rows, err := ranker.Rank(ctx, ranking.Query{TF: *tf, Limit: *limit, Rule: rule})
	if err != nil {
		log.Fatalf("[streakrank] %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("no data for this range")
		return
	}

	title := fmt.Sprintf("%s streak ranking (%s)", notification.TFLabel(*tf), rule)
	lines := ranking.FormatTable(rows)
	fmt.Println(title)
	for _, l := range lines {
		fmt.Println(l)
	}

	if *send {
		if cfg.TelegramBotToken == "" || cfg.TelegramChatID == "" {
			log.Fatal("[streakrank] --send needs TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
		}
		tg := notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		if !notification.Deliver(ctx, tg, notification.CodeBlock(notification.LevelInfo, title, lines)) {
			os.Exit(1)
		}
		log.Println("[streakrank] sent to telegram")
	}
}

// arm computes P1 for every instrument over [start, end] and arms it.
func arm(ctx context.Context, pg *postgres.Store, startStr, endStr string, loc *time.Location) error {
	if startStr == "" || endStr == "" {
		return errors.New("both --arm-start and --arm-end are required")
	}
	start, err := time.ParseInLocation("2006-01-02", startStr, loc)
	if err != nil {
		return fmt.Errorf("arm-start: %w", err)
	}
	end, err := time.ParseInLocation("2006-01-02", endStr, loc)
	if err != nil {
		return fmt.Errorf("arm-end: %w", err)
	}
	end = end.AddDate(0, 0, 1).Add(-time.Millisecond)
	if end.Before(start) {
		return fmt.Errorf("range %s..%s is empty", startStr, endStr)
	}

	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}
	symbols, err := pg.Instruments(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		if symbols, err = pg.Symbols(ctx); err != nil {
			return err
		}
	}
	levels, err := pg.ComputeLevels(ctx, symbols, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return err
	}
	for _, lvl := range levels {
		if err := pg.Arm(ctx, lvl); err != nil {
			return err
		}
	}
	log.Printf("[streakrank] armed %d of %d symbols for %s..%s", len(levels), len(symbols), startStr, endStr)
	return nil
}
