package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Instant session lifecycle
	UnclaimedTimeout time.Duration
	JoinTimeout      time.Duration

	// Reaper
	ReaperInterval  time.Duration
	ReaperBatchSize int

	// Session cleanup
	ExpiredSessionGraceDays int
	CleanupInterval         time.Duration

	// Discovery / listing
	DiscoveryScanLimit int
	ListDefaultLimit   int
	ListMaxLimit       int

	// Rate Limit（req/min）
	RateLimitGeneral       int
	RateLimitRequestCreate int

	// Notification
	NotifyWebhookURL string
	NotifyTimeout    time.Duration

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort        string
	WorkerMetricsPort string

	// CORS
	CORSAllowedOrigin string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	// Optional fields with defaults
	cfg.UnclaimedTimeout = getEnvDuration("INSTANT_UNCLAIMED_TIMEOUT", 15*time.Minute)
	cfg.JoinTimeout = getEnvDuration("INSTANT_JOIN_TIMEOUT", 10*time.Minute)
	cfg.ReaperInterval = getEnvDuration("REAPER_INTERVAL", time.Minute)
	cfg.ReaperBatchSize = getEnvInt("REAPER_BATCH_SIZE", 500)
	cfg.ExpiredSessionGraceDays = getEnvInt("EXPIRED_SESSION_GRACE_DAYS", 7)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.DiscoveryScanLimit = getEnvInt("DISCOVERY_SCAN_LIMIT", 2000)
	cfg.ListDefaultLimit = getEnvInt("LIST_DEFAULT_LIMIT", 20)
	cfg.ListMaxLimit = getEnvInt("LIST_MAX_LIMIT", 100)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitRequestCreate = getEnvInt("RATE_LIMIT_REQUEST_CREATE", 10)
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second)
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9091")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", true)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	if cfg.ListMaxLimit < cfg.ListDefaultLimit {
		cfg.ListMaxLimit = cfg.ListDefaultLimit
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvLevel は debug / info / warn / error を slog.Level に変換する。
func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
