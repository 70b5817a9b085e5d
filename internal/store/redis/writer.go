package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"coin-monitor/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// AlertChannel is the pub/sub channel carrying every alert event.
	AlertChannel = "alerts"
	// AlertLogKey is the capped stream of recent alert events.
	AlertLogKey = "alerts:log"

	alertLogMaxLen = 1000
	boardTTL       = 24 * time.Hour
)

// BoardKey returns the hash holding the latest streak per symbol for tf.
func BoardKey(tf int) string {
	return "streaks:" + strconv.Itoa(tf) + "s"
}

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return client, nil
}

// Writer publishes streak readings and alert events.
type Writer struct {
	client *goredis.Client
}

// NewWriter wraps a connected client.
func NewWriter(client *goredis.Client) *Writer {
	return &Writer{client: client}
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// PublishStreaks writes every snapshot into its board hash in one pipeline.
func (w *Writer) PublishStreaks(ctx context.Context, snaps []model.StreakSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pipe := w.client.Pipeline()
	touched := make(map[int]bool)
	for i := range snaps {
		data, err := json.Marshal(&snaps[i])
		if err != nil {
			return fmt.Errorf("marshal streak %s: %w", snaps[i].Symbol, err)
		}
		key := BoardKey(snaps[i].TF)
		pipe.HSet(ctx, key, snaps[i].Symbol, data)
		touched[snaps[i].TF] = true
	}
	for tf := range touched {
		pipe.Expire(ctx, BoardKey(tf), boardTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish streaks: %w", err)
	}
	return nil
}

// PublishAlert sends ev on AlertChannel and appends it to AlertLogKey.
func (w *Writer) PublishAlert(ctx context.Context, ev model.AlertEvent) error {
	data := ev.JSON()
	pipe := w.client.Pipeline()
	pipe.Publish(ctx, AlertChannel, data)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: AlertLogKey,
		MaxLen: alertLogMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish alert %s: %w", ev.Symbol, err)
	}
	return nil
}
