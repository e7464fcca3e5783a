// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
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

	// OAuth（X）
	XClientID     string
	XClientSecret string
	RedirectURL   string

	// Provider
	ProviderTimeout    time.Duration
	ProviderRatePerMin int

	// Shared state（空ならインメモリ）
	RedisURL string

	// Autopost
	AutopostInterval      time.Duration
	AutopostStep          int
	AutopostMaxConcurrent int

	// Verifier cleanup（0で無効）
	VerifierMaxAge        time.Duration
	VerifierPurgeInterval time.Duration

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitPublish int

	// Server
	ServerPort string
	AppURL     string

	// HTTPS はAPP_URLがhttpsかどうか。HSTSの送出に使う。
	HTTPS bool

	// CORS（空なら同一オリジン運用）
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定のものをすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.XClientID = required("X_CLIENT_ID")
	cfg.XClientSecret = required("X_CLIENT_SECRET")
	cfg.AppURL = required("APP_URL")
	cfg.RedirectURL = required("REDIRECT_URL")
	cfg.DatabaseURL = required("DATABASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "3001")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.ProviderTimeout = getEnvPositiveDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.ProviderRatePerMin = getEnvInt("PROVIDER_RATE_PER_MIN", 60)
	cfg.AutopostInterval = getEnvPositiveDuration("AUTOPOST_INTERVAL", 6*time.Minute)
	cfg.AutopostStep = getEnvInt("AUTOPOST_STEP", 5)
	cfg.AutopostMaxConcurrent = getEnvInt("AUTOPOST_MAX_CONCURRENT", 10)
	// 0以下は掃除を無効にする
	cfg.VerifierMaxAge = max(getEnvDuration("VERIFIER_MAX_AGE", 0), 0)
	cfg.VerifierPurgeInterval = getEnvPositiveDuration("VERIFIER_PURGE_INTERVAL", 10*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublish = getEnvInt("RATE_LIMIT_PUBLISH", 10)
	cfg.HTTPS = strings.HasPrefix(cfg.AppURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

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
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvPositiveDuration はティッカー間隔やタイムアウトに使う値を読む。
// 0以下はtime.NewTickerがpanicし、http.Clientでは無制限になるためデフォルト値に戻す。
func getEnvPositiveDuration(key string, defaultVal time.Duration) time.Duration {
	if d := getEnvDuration(key, defaultVal); d > 0 {
		return d
	}
	return defaultVal
}
