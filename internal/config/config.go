// Package config defines the riskguard configuration tree, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by RISKGUARD_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Gateway    GatewayConfig    `toml:"gateway"`
	MarketData MarketDataConfig `toml:"market_data"`
	Feed       FeedConfig       `toml:"feed"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Adjuster   AdjusterConfig   `toml:"adjuster"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Risk       RiskConfig       `toml:"risk"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	ConnTimeout   duration `toml:"connect_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and the features built on it.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// PositionLocks takes a Redis lease per position around every
	// read-modify-write, for running more than one guard process.
	PositionLocks bool     `toml:"position_locks"`
	LockTTL       duration `toml:"lock_ttl"`
	StreamMaxLen  int64    `toml:"stream_max_len"`
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

// GatewayConfig holds the execution gateway endpoint, credentials and call
// bounds.
type GatewayConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	APISecret     string   `toml:"api_secret"`
	APIPassphrase string   `toml:"api_passphrase"`
	SecretFile    string   `toml:"secret_file"`
	SecretPass    string   `toml:"secret_password"`
	Timeout       duration `toml:"timeout"`
	Workers       int      `toml:"workers"`
	RetryAttempts int      `toml:"retry_attempts"`
	CloseAttempts int      `toml:"close_attempts"`
	RetryBase     duration `toml:"retry_base"`
	RetryMax      duration `toml:"retry_max"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// MarketDataConfig selects where cache misses are fetched from.
type MarketDataConfig struct {
	Source        string   `toml:"source"` // "gateway" or "redis"
	Timeout       duration `toml:"timeout"`
	RetryAttempts int      `toml:"retry_attempts"`
	MaxAge        duration `toml:"max_age"` // redis source only
}

// FeedConfig configures the optional websocket price feed.
type FeedConfig struct {
	Enabled     bool     `toml:"enabled"`
	URL         string   `toml:"url"`
	Instruments []string `toml:"instruments"`
	// Publish also writes ticks to the shared Redis price hash.
	Publish       bool     `toml:"publish"`
	ReconnectWait duration `toml:"reconnect_wait"`
}

// MonitorConfig tunes the position monitor and the price cache.
type MonitorConfig struct {
	PollInterval  duration `toml:"poll_interval"`
	ShutdownGrace duration `toml:"shutdown_grace"`
	Workers       int      `toml:"workers"`
	CacheTTL      duration `toml:"cache_ttl"`
	SweepFactor   int      `toml:"sweep_factor"`
}

// AdjusterConfig tunes the position adjuster. Percentages are in percent.
type AdjusterConfig struct {
	PollInterval           duration `toml:"poll_interval"`
	ShutdownGrace          duration `toml:"shutdown_grace"`
	Workers                int      `toml:"workers"`
	MaxAdjustments         int      `toml:"max_adjustments"`
	RiskThresholdPct       float64  `toml:"risk_threshold_pct"`
	TrailingActivationPct  float64  `toml:"trailing_activation_pct"`
	TrailingDistancePct    float64  `toml:"trailing_distance_pct"`
	TrailingTPOffsetPct    float64  `toml:"trailing_tp_offset_pct"`
	ScalingThresholdPct    float64  `toml:"scaling_threshold_pct"`
	ScalingExtensionPct    float64  `toml:"scaling_extension_pct"`
	ProtectionThresholdPct float64  `toml:"protection_threshold_pct"`
	ProtectionLockPct      float64  `toml:"protection_lock_pct"`
	DeescalationStopPct    float64  `toml:"deescalation_stop_pct"`
	DeescalationTargetPct  float64  `toml:"deescalation_target_pct"`
	MinChangePct           float64  `toml:"min_change_pct"`
	HistorySize            int      `toml:"history_size"`
}

// BreakerConfig holds the circuit breaker rules.
type BreakerConfig struct {
	LossThreshold          int      `toml:"loss_threshold"`
	Cooldown               duration `toml:"cooldown"`
	ExtensionFactor        float64  `toml:"extension_factor"`
	MaxCooldown            duration `toml:"max_cooldown"`
	ReactivationPhaseSizes []int    `toml:"reactivation_phase_sizes"`
	// Persist stores the breaker state in Redis so it survives restarts.
	Persist bool `toml:"persist"`
}

// RiskConfig holds the sizing and stop parameters, plus the entry gate limit.
type RiskConfig struct {
	MinFraction           float64 `toml:"min_fraction"`
	MaxPositionFraction   float64 `toml:"max_position_fraction"`
	BaselineVolatilityPct float64 `toml:"baseline_volatility_pct"`
	MaxExposureFraction   float64 `toml:"max_exposure_fraction"`
	ATRMultiplier         float64 `toml:"atr_multiplier"`
	MinRewardRiskRatio    float64 `toml:"min_reward_risk_ratio"`
	LotStep               float64 `toml:"lot_step"`
	PriceTick             float64 `toml:"price_tick"`
	MaxOpenPositions      int     `toml:"max_open_positions"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds alerting channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPI       string   `toml:"telegram_api"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// ArchiveConfig controls moving aged adjustment records to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
	Prefix        string   `toml:"prefix"`
}

// duration wraps time.Duration for TOML string decoding ("5s", "30m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "riskguard",
			User:          "riskguard",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			ConnTimeout:   duration{10 * time.Second},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "riskguard:",
			LockTTL:      duration{30 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Gateway: GatewayConfig{
			BaseURL:       "http://localhost:8080/v1",
			Timeout:       duration{5 * time.Second},
			Workers:       8,
			RetryAttempts: 3,
			CloseAttempts: 5,
			RetryBase:     duration{200 * time.Millisecond},
			RetryMax:      duration{5 * time.Second},
			RateWindow:    duration{time.Second},
		},
		MarketData: MarketDataConfig{
			Source:        "gateway",
			Timeout:       duration{3 * time.Second},
			RetryAttempts: 3,
			MaxAge:        duration{30 * time.Second},
		},
		Feed: FeedConfig{
			ReconnectWait: duration{2 * time.Second},
		},
		Monitor: MonitorConfig{
			PollInterval:  duration{5 * time.Second},
			ShutdownGrace: duration{10 * time.Second},
			Workers:       8,
			CacheTTL:      duration{2 * time.Second},
			SweepFactor:   10,
		},
		Adjuster: AdjusterConfig{
			PollInterval:           duration{10 * time.Second},
			ShutdownGrace:          duration{10 * time.Second},
			Workers:                4,
			MaxAdjustments:         5,
			RiskThresholdPct:       -2,
			TrailingActivationPct:  5,
			TrailingDistancePct:    2,
			TrailingTPOffsetPct:    3,
			ScalingThresholdPct:    3,
			ScalingExtensionPct:    3,
			ProtectionThresholdPct: 1.5,
			ProtectionLockPct:      0.2,
			DeescalationStopPct:    1,
			DeescalationTargetPct:  0.5,
			MinChangePct:           0.05,
			HistorySize:            500,
		},
		Breaker: BreakerConfig{
			LossThreshold:          3,
			Cooldown:               duration{30 * time.Minute},
			ExtensionFactor:        2,
			MaxCooldown:            duration{4 * time.Hour},
			ReactivationPhaseSizes: []int{2, 3},
			Persist:                true,
		},
		Risk: RiskConfig{
			MaxPositionFraction:   0.05,
			BaselineVolatilityPct: 2.0,
			MaxExposureFraction:   0.5,
			ATRMultiplier:         2.0,
			MinRewardRiskRatio:    1.5,
			LotStep:               0.001,
			MaxOpenPositions:      20,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"breaker_tripped", "breaker_armed", "orders_detached", "close_failed", "position_closed"},
			Cooldown: duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
			BatchSize:     5000,
			Prefix:        "archive",
		},
		Mode:     "guard",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"guard":   true,
	"monitor": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: guard, monitor, archive)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be within 0..pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Redis.PositionLocks && c.Redis.LockTTL.Duration <= 0 {
			add("redis: lock_ttl must be > 0 when position_locks is set")
		}
	} else {
		if c.Redis.PositionLocks {
			add("redis: position_locks requires redis.enabled")
		}
		if c.MarketData.Source == "redis" {
			add("market_data: source \"redis\" requires redis.enabled")
		}
		if c.Feed.Enabled && c.Feed.Publish {
			add("feed: publish requires redis.enabled")
		}
	}

	// Gateway
	if mode != "archive" {
		if c.Gateway.BaseURL == "" {
			add("gateway: base_url must not be empty")
		}
		if c.Gateway.APIKey != "" && c.Gateway.APISecret == "" && c.Gateway.SecretFile == "" {
			add("gateway: api_secret or secret_file is required when api_key is set")
		}
		if c.Gateway.SecretFile != "" && c.Gateway.SecretPass == "" {
			add("gateway: secret_password is required when secret_file is set")
		}
	}
	if c.Gateway.Workers < 1 {
		add("gateway: workers must be >= 1")
	}
	if c.Gateway.RetryAttempts < 1 || c.Gateway.CloseAttempts < 1 {
		add("gateway: retry_attempts and close_attempts must be >= 1")
	}

	// Market data
	switch c.MarketData.Source {
	case "gateway", "redis":
	default:
		add("market_data: unknown source %q (valid: gateway, redis)", c.MarketData.Source)
	}

	// Feed
	if c.Feed.Enabled && c.Feed.URL == "" {
		add("feed: url must not be empty when enabled")
	}

	// Monitor
	if c.Monitor.PollInterval.Duration <= 0 {
		add("monitor: poll_interval must be > 0")
	}
	if c.Monitor.CacheTTL.Duration <= 0 {
		add("monitor: cache_ttl must be > 0")
	}
	if c.Monitor.Workers < 1 {
		add("monitor: workers must be >= 1")
	}

	// Adjuster
	if c.Adjuster.PollInterval.Duration <= 0 {
		add("adjuster: poll_interval must be > 0")
	}
	if c.Adjuster.MaxAdjustments < 0 {
		add("adjuster: max_adjustments must be >= 0")
	}
	if c.Adjuster.RiskThresholdPct >= 0 {
		add("adjuster: risk_threshold_pct must be negative")
	}
	if !(c.Adjuster.ProtectionThresholdPct < c.Adjuster.ScalingThresholdPct &&
		c.Adjuster.ScalingThresholdPct < c.Adjuster.TrailingActivationPct) {
		add("adjuster: need protection_threshold_pct < scaling_threshold_pct < trailing_activation_pct")
	}

	// Breaker
	if c.Breaker.LossThreshold < 1 {
		add("breaker: loss_threshold must be >= 1")
	}
	if c.Breaker.Cooldown.Duration <= 0 {
		add("breaker: cooldown must be > 0")
	}
	for i, n := range c.Breaker.ReactivationPhaseSizes {
		if n < 1 {
			add("breaker: reactivation_phase_sizes[%d] must be >= 1", i)
		}
	}
	if c.Breaker.Persist && !c.Redis.Enabled {
		add("breaker: persist requires redis.enabled")
	}

	// Risk
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		add("risk: max_position_fraction must be in (0, 1]")
	}
	if c.Risk.ATRMultiplier <= 0 || c.Risk.MinRewardRiskRatio <= 0 {
		add("risk: atr_multiplier and min_reward_risk_ratio must be > 0")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	// Archive
	if c.Archive.Enabled || mode == "archive" {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ArchiveCutoff is the timestamp before which adjustment records are archived.
func (c *Config) ArchiveCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.Archive.RetentionDays)
}
