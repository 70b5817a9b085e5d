package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration loaded from environment
// variables, an optional .env file and an optional YAML overlay.
type Config struct {
	// Raw series database (Postgres)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	RawTable   string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	GatewayAddr   string // empty disables the websocket and REST server

	// Aggregation (seconds). EnabledTFs is comma-separated, e.g. "14400,86400".
	RawIntervalSec int
	EnabledTFs     string
	MaxHistory     int

	// Streak alerts
	AlertTF    int
	MinStreak  int
	StreakRule string

	// Polling
	PollEvery    time.Duration
	PollDelay    time.Duration
	FetchWorkers int
	FetchTimeout time.Duration
	SkipSymbols  string

	// Ranking read path, e.g. "RSI_14,MACD_12_26_9"; empty uses the defaults
	RankingIndicators string

	// Volume anomaly digest
	VolumeWindowH int
	VolumeMinPct  float64

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Hyperliquid whale feed; empty WhaleAPIKey disables it
	WhaleAPIKey      string
	WhaleURL         string
	WhaleMinValueUSD float64
	WhaleMaxAge      time.Duration

	LogLevel string
	TZName   string

	// Optional rotating log file; empty LogFile logs to stdout only.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Overlay is the YAML tuning file named by MONITOR_CONFIG_FILE. Only the
// keys present override the environment.
type Overlay struct {
	EnabledTFs    []int    `yaml:"enabled_tfs"`
	AlertTF       *int     `yaml:"alert_tf"`
	MinStreak     *int     `yaml:"min_streak"`
	StreakRule    *string  `yaml:"streak_rule"`
	PollEvery     *string  `yaml:"poll_every"`
	PollDelay     *string  `yaml:"poll_delay"`
	FetchWorkers  *int     `yaml:"fetch_workers"`
	FetchTimeout  *string  `yaml:"fetch_timeout"`
	SkipSymbols   []string `yaml:"skip_symbols"`
	VolumeWindowH *int     `yaml:"volume_window_h"`
	VolumeMinPct  *float64 `yaml:"volume_min_pct"`
}

// Load reads configuration with sensible defaults. A .env file in the
// working directory is loaded first when present; variables already set in
// the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	c := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "crypto"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		RawTable:   getEnv("RAW_TABLE", "ohlcv"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/agg_cache.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8080"),

		// Default: 15m raw bars aggregated to 4h
		RawIntervalSec: getEnvInt("RAW_INTERVAL_SEC", 900),
		EnabledTFs:     getEnv("ENABLED_TFS", "14400"),
		MaxHistory:     getEnvInt("MAX_HISTORY", 500),

		AlertTF:    getEnvInt("ALERT_TF", 14400),
		MinStreak:  getEnvInt("MIN_STREAK", 3),
		StreakRule: getEnv("STREAK_RULE", "close_over_close"),

		PollEvery:    getEnvDuration("POLL_EVERY", 15*time.Minute),
		PollDelay:    getEnvDuration("POLL_DELAY", 30*time.Second),
		FetchWorkers: getEnvInt("FETCH_WORKERS", 8),
		FetchTimeout: getEnvDuration("FETCH_TIMEOUT", 20*time.Second),
		SkipSymbols:  getEnv("SKIP_SYMBOLS", "USDCUSDT,BTCDOMUSDT"),

		RankingIndicators: getEnv("RANKING_INDICATORS", ""),

		VolumeWindowH: getEnvInt("VOLUME_WINDOW_H", 24),
		VolumeMinPct:  getEnvFloat("VOLUME_MIN_PCT", 200),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		WhaleAPIKey:      getEnv("CG_API_KEY", ""),
		WhaleURL:         getEnv("WHALE_API_URL", ""),
		WhaleMinValueUSD: getEnvFloat("WHALE_MIN_VALUE_USD", 10_000_000),
		WhaleMaxAge:      getEnvDuration("WHALE_MAX_AGE", time.Hour),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		TZName:   getEnv("TZ_NAME", "Asia/Shanghai"),

		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
	}

	if path := os.Getenv("MONITOR_CONFIG_FILE"); path != "" {
		if err := c.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyFile overlays the YAML tuning file at path.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return c.Apply(o)
}

// Apply copies every set overlay field onto c.
func (c *Config) Apply(o Overlay) error {
	if len(o.EnabledTFs) > 0 {
		parts := make([]string, len(o.EnabledTFs))
		for i, tf := range o.EnabledTFs {
			parts[i] = strconv.Itoa(tf)
		}
		c.EnabledTFs = strings.Join(parts, ",")
	}
	if o.AlertTF != nil {
		c.AlertTF = *o.AlertTF
	}
	if o.MinStreak != nil {
		c.MinStreak = *o.MinStreak
	}
	if o.StreakRule != nil {
		c.StreakRule = *o.StreakRule
	}
	if o.FetchWorkers != nil {
		c.FetchWorkers = *o.FetchWorkers
	}
	if o.SkipSymbols != nil {
		c.SkipSymbols = strings.Join(o.SkipSymbols, ",")
	}
	if o.VolumeWindowH != nil {
		c.VolumeWindowH = *o.VolumeWindowH
	}
	if o.VolumeMinPct != nil {
		c.VolumeMinPct = *o.VolumeMinPct
	}
	for _, d := range []struct {
		src *string
		dst *time.Duration
		key string
	}{
		{o.PollEvery, &c.PollEvery, "poll_every"},
		{o.PollDelay, &c.PollDelay, "poll_delay"},
		{o.FetchTimeout, &c.FetchTimeout, "fetch_timeout"},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate checks the values the monitor cannot run without.
func (c *Config) Validate() error {
	if c.RawIntervalSec <= 0 {
		return fmt.Errorf("config: RAW_INTERVAL_SEC must be positive")
	}
	tfs := c.ParseTFs()
	if len(tfs) == 0 {
		return fmt.Errorf("config: ENABLED_TFS has no valid timeframe")
	}
	alertOK := false
	for _, tf := range tfs {
		if tf%c.RawIntervalSec != 0 {
			return fmt.Errorf("config: timeframe %d is not a multiple of raw interval %d", tf, c.RawIntervalSec)
		}
		if tf == c.AlertTF {
			alertOK = true
		}
	}
	if !alertOK {
		return fmt.Errorf("config: ALERT_TF %d is not in ENABLED_TFS", c.AlertTF)
	}
	if c.MinStreak < 1 {
		return fmt.Errorf("config: MIN_STREAK must be at least 1")
	}
	if c.FetchWorkers < 1 {
		return fmt.Errorf("config: FETCH_WORKERS must be at least 1")
	}
	if c.PollEvery <= 0 {
		return fmt.Errorf("config: POLL_EVERY must be positive")
	}
	if c.WhaleMinValueUSD < 0 {
		return fmt.Errorf("config: WHALE_MIN_VALUE_USD must not be negative")
	}
	if _, err := time.LoadLocation(c.TZName); err != nil {
		return fmt.Errorf("config: TZ_NAME: %w", err)
	}
	return nil
}

// ParseTFs parses the EnabledTFs string into a slice of timeframe durations in seconds.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]int, 0, len(parts))
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid TF value: %q", p)
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		tfs = append(tfs, n)
	}
	return tfs
}

// Skip returns the skip list as a slice.
func (c *Config) Skip() []string {
	var out []string
	for _, s := range strings.Split(c.SkipSymbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

// Location returns the display time zone, UTC if TZName is invalid.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZName)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
