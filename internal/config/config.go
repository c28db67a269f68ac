// Package config は環境変数からのアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、以後は変更しない。
type Config struct {
	// Database
	DatabaseURL string

	// Admin API
	AdminToken string

	// Generation
	GenerationAPIURL      string
	GenerationAPIKey      string
	GenerationModel       string
	GenerationTimeout     time.Duration
	GenerationRPS         float64
	GenerationMaxAttempts int

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Worker
	WorkerPollInterval   time.Duration
	WorkerMaxConcurrency int
	RetentionDays        int

	// Rate Limit
	RateLimitGeneral int
	RateLimitPoll    int

	// Server
	ServerPort  string
	MetricsPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを組み立てる。
// 必須環境変数が1つでも欠けている場合、欠けたすべての名前を挙げてエラーを返す。
// 省略可能な値は未設定・解釈不能のいずれでもデフォルト値へフォールバックする。
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		GenerationAPIKey: os.Getenv("GENERATION_API_KEY"),

		GenerationAPIURL:      envString("GENERATION_API_URL", "https://api.openai.com/v1"),
		GenerationModel:       envString("GENERATION_MODEL", "gpt-4o-mini"),
		GenerationTimeout:     envDuration("GENERATION_TIMEOUT", 120*time.Second),
		GenerationRPS:         envFloat("GENERATION_RPS", 1.0),
		GenerationMaxAttempts: envInt("GENERATION_MAX_ATTEMPTS", 5),

		FetchTimeout: envDuration("FETCH_TIMEOUT", 30*time.Second),
		FetchMaxSize: envInt64("FETCH_MAX_SIZE", 10*1024*1024),

		WorkerPollInterval:   envDuration("WORKER_POLL_INTERVAL", time.Minute),
		WorkerMaxConcurrency: envInt("WORKER_MAX_CONCURRENCY", 5),
		RetentionDays:        envInt("RETENTION_DAYS", 90),

		RateLimitGeneral: envInt("RATE_LIMIT_GENERAL", 120),
		RateLimitPoll:    envInt("RATE_LIMIT_POLL", 10),

		ServerPort:  envString("SERVER_PORT", "8080"),
		MetricsPort: envString("METRICS_PORT", "9090"),

		CORSAllowedOrigin: envString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),

		LogLevel: envString("LOG_LEVEL", "info"),
	}

	var missing []string
	for _, required := range []struct {
		name, value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"ADMIN_TOKEN", cfg.AdminToken},
		{"GENERATION_API_KEY", cfg.GenerationAPIKey},
	} {
		if required.value == "" {
			missing = append(missing, required.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return cfg, nil
}

// envString は環境変数の値を返す。未設定ならfallbackを返す。
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt は環境変数を整数として解釈する。未設定・解釈不能ならfallbackを返す。
func envInt(key string, fallback int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return i
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if i, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return i
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}
