package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration from the given TOML file path, applies environment
// variable overrides, and validates the result. If path is empty, defaults
// plus environment overrides are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env if present; ignore missing file.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config fields from PERPBOT_* environment
// variables. Secrets in particular are expected to arrive via the environment
// rather than the config file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")

	// Binance
	setStr(&cfg.Binance.BaseURL, "PERPBOT_BINANCE_BASE_URL")
	setStr(&cfg.Binance.WsURL, "PERPBOT_BINANCE_WS_URL")
	setBool(&cfg.Binance.StreamEnabled, "PERPBOT_BINANCE_STREAM_ENABLED")

	// Decider
	setStr(&cfg.Decider.Endpoint, "PERPBOT_DECIDER_ENDPOINT")
	setStr(&cfg.Decider.AuthToken, "PERPBOT_DECIDER_AUTH_TOKEN")
	setDuration(&cfg.Decider.Timeout, "PERPBOT_DECIDER_TIMEOUT")
	setDuration(&cfg.Decider.RetryBackoff, "PERPBOT_DECIDER_RETRY_BACKOFF")

	// Postgres
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")

	// S3
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")

	// Engine
	setFloat64(&cfg.Engine.MaxLeverage, "PERPBOT_ENGINE_MAX_LEVERAGE")
	setFloat64(&cfg.Engine.TakerFeeRate, "PERPBOT_ENGINE_TAKER_FEE_RATE")
	setFloat64(&cfg.Engine.MaintenanceMarginRate, "PERPBOT_ENGINE_MAINTENANCE_MARGIN_RATE")
	setFloat64(&cfg.Engine.WarnThreshold, "PERPBOT_ENGINE_WARN_THRESHOLD")
	setFloat64(&cfg.Engine.CriticalThreshold, "PERPBOT_ENGINE_CRITICAL_THRESHOLD")
	setDuration(&cfg.Engine.MaxQuoteAge, "PERPBOT_ENGINE_MAX_QUOTE_AGE")
	setDuration(&cfg.Engine.QuoteTTL, "PERPBOT_ENGINE_QUOTE_TTL")
	setDuration(&cfg.Engine.PollInterval, "PERPBOT_ENGINE_POLL_INTERVAL")

	// Pipeline
	setBool(&cfg.Pipeline.Enabled, "PERPBOT_PIPELINE_ENABLED")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "PERPBOT_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "PERPBOT_PIPELINE_ARCHIVE_CRON")

	// Server
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setInt(&cfg.Server.RateLimitPerMin, "PERPBOT_SERVER_RATE_LIMIT_PER_MIN")
	setStr(&cfg.Server.APIKey, "PERPBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPBOT_SERVER_CORS_ORIGINS")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
