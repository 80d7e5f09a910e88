// Package config defines the top-level configuration for the perpetuals
// monitoring engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Binance  BinanceConfig   `toml:"binance"`
	Decider  DeciderConfig   `toml:"decider"`
	Postgres PostgresConfig  `toml:"postgres"`
	Redis    RedisConfig     `toml:"redis"`
	S3       S3Config        `toml:"s3"`
	Engine   EngineConfig    `toml:"engine"`
	Profiles []ProfileConfig `toml:"profile"`
	Pipeline PipelineConfig  `toml:"pipeline"`
	Server   ServerConfig    `toml:"server"`
	Notify   NotifyConfig    `toml:"notify"`
	Mode     string          `toml:"mode"`
	LogLevel string          `toml:"log_level"`
}

// BinanceConfig holds exchange API endpoints.
type BinanceConfig struct {
	BaseURL       string `toml:"base_url"`
	WsURL         string `toml:"ws_url"`
	StreamEnabled bool   `toml:"stream_enabled"`
}

// DeciderConfig holds the external decision service endpoint.
type DeciderConfig struct {
	Endpoint     string   `toml:"endpoint"`
	AuthToken    string   `toml:"auth_token"`
	Timeout      duration `toml:"timeout"`
	RetryBackoff duration `toml:"retry_backoff"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the risk and timing parameters of the monitoring engine.
type EngineConfig struct {
	MaxLeverage           float64  `toml:"max_leverage"`
	TakerFeeRate          float64  `toml:"taker_fee_rate"`
	MaintenanceMarginRate float64  `toml:"maintenance_margin_rate"`
	WarnThreshold         float64  `toml:"warn_threshold"`
	CriticalThreshold     float64  `toml:"critical_threshold"`
	RecoveryMargin        float64  `toml:"recovery_margin"`
	MaxQuoteAge           duration `toml:"max_quote_age"`
	QuoteTTL              duration `toml:"quote_ttl"`
	PollInterval          duration `toml:"poll_interval"`
}

// ProfileConfig declares a monitoring profile and its triggers, loaded from
// [[profile]] blocks.
type ProfileConfig struct {
	ID               string          `toml:"id"`
	Symbol           string          `toml:"symbol"`
	MinCheckInterval duration        `toml:"min_check_interval"`
	Triggers         []TriggerConfig `toml:"trigger"`
}

// TriggerConfig declares one trigger within a [[profile.trigger]] block.
type TriggerConfig struct {
	ID         string   `toml:"id"`
	Kind       string   `toml:"kind"` // "price" or "time"
	Threshold  float64  `toml:"threshold"`
	Direction  string   `toml:"direction"` // "above" or "below"
	ReturnBand float64  `toml:"return_band"`
	Interval   duration `toml:"interval"`
}

// ToProfile converts a ProfileConfig into the domain representation.
func (p ProfileConfig) ToProfile() domain.Profile {
	out := domain.Profile{
		ID:               p.ID,
		Symbol:           p.Symbol,
		MinCheckInterval: p.MinCheckInterval.Duration,
	}
	for i, t := range p.Triggers {
		id := t.ID
		if id == "" {
			id = fmt.Sprintf("%s-trigger-%d", p.ID, i)
		}
		out.Triggers = append(out.Triggers, domain.Trigger{
			ID:         id,
			ProfileID:  p.ID,
			Kind:       domain.TriggerKind(t.Kind),
			Threshold:  t.Threshold,
			Direction:  domain.PriceDirection(t.Direction),
			ReturnBand: t.ReturnBand,
			Interval:   t.Interval.Duration,
		})
	}
	return out
}

// PipelineConfig holds background maintenance parameters.
type PipelineConfig struct {
	Enabled              bool   `toml:"enabled"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
	ArchiveCron          string `toml:"archive_cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"` // 0 disables rate limiting
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Binance: BinanceConfig{
			BaseURL:       "https://fapi.binance.com",
			WsURL:         "wss://fstream.binance.com/ws",
			StreamEnabled: true,
		},
		Decider: DeciderConfig{
			Timeout:      duration{10 * time.Second},
			RetryBackoff: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			MaxLeverage:           100,
			TakerFeeRate:          0.0004,
			MaintenanceMarginRate: 0.005,
			WarnThreshold:         0.20,
			CriticalThreshold:     0.05,
			RecoveryMargin:        0.02,
			MaxQuoteAge:           duration{10 * time.Second},
			QuoteTTL:              duration{5 * time.Second},
			PollInterval:          duration{5 * time.Second},
		},
		Pipeline: PipelineConfig{
			Enabled:              false,
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 300,
		},
		Notify: NotifyConfig{
			Events: []string{"margin_warn", "margin_critical", "liquidation"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Binance endpoints.
	if c.Binance.BaseURL == "" {
		errs = append(errs, "binance: base_url must not be empty")
	}
	if c.Binance.StreamEnabled && c.Binance.WsURL == "" {
		errs = append(errs, "binance: ws_url must not be empty when stream_enabled is set")
	}

	// Decider — trading modes call out to it.
	if c.Mode == "trade" || c.Mode == "full" {
		if c.Decider.Endpoint == "" {
			errs = append(errs, "decider: endpoint is required for mode "+c.Mode)
		}
	}
	if c.Decider.Timeout.Duration <= 0 {
		errs = append(errs, "decider: timeout must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only needed when the archiver runs.
	if c.Pipeline.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when pipeline is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when pipeline is enabled")
		}
		if c.Pipeline.ArchiveRetentionDays < 1 {
			errs = append(errs, "pipeline: archive_retention_days must be >= 1")
		}
	}

	// Engine thresholds.
	if c.Engine.MaxLeverage <= 0 {
		errs = append(errs, "engine: max_leverage must be > 0")
	}
	if c.Engine.TakerFeeRate < 0 {
		errs = append(errs, "engine: taker_fee_rate must be >= 0")
	}
	if c.Engine.MaintenanceMarginRate < 0 || c.Engine.MaintenanceMarginRate >= 1 {
		errs = append(errs, "engine: maintenance_margin_rate must be in [0, 1)")
	}
	if c.Engine.CriticalThreshold <= 0 || c.Engine.WarnThreshold <= c.Engine.CriticalThreshold {
		errs = append(errs, "engine: warn_threshold must be greater than critical_threshold, both > 0")
	}

	// Profiles
	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("profile[%d]: id must not be empty", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("profile[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.Symbol == "" {
			errs = append(errs, fmt.Sprintf("profile %s: symbol must not be empty", p.ID))
		}
		for j, t := range p.Triggers {
			switch t.Kind {
			case "price":
				if t.Threshold <= 0 {
					errs = append(errs, fmt.Sprintf("profile %s trigger[%d]: threshold must be > 0", p.ID, j))
				}
				if t.Direction != "above" && t.Direction != "below" {
					errs = append(errs, fmt.Sprintf("profile %s trigger[%d]: direction must be \"above\" or \"below\"", p.ID, j))
				}
			case "time":
				if t.Interval.Duration <= 0 {
					errs = append(errs, fmt.Sprintf("profile %s trigger[%d]: interval must be > 0", p.ID, j))
				}
			default:
				errs = append(errs, fmt.Sprintf("profile %s trigger[%d]: unknown kind %q", p.ID, j, t.Kind))
			}
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
