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

// Load decodes the TOML file at path over Defaults, loads .env when present,
// and applies RISKGUARD_* overrides. An empty path skips the file. The
// result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose RISKGUARD_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "RISKGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // conventional alias
	setStr(&cfg.Postgres.Host, "RISKGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RISKGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RISKGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RISKGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RISKGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RISKGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RISKGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RISKGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RISKGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "RISKGUARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RISKGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RISKGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RISKGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RISKGUARD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "RISKGUARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "RISKGUARD_REDIS_KEY_PREFIX")
	setBool(&cfg.Redis.PositionLocks, "RISKGUARD_REDIS_POSITION_LOCKS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RISKGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RISKGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "RISKGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RISKGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RISKGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RISKGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RISKGUARD_S3_FORCE_PATH_STYLE")

	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "RISKGUARD_GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.APIKey, "RISKGUARD_GATEWAY_API_KEY")
	setStr(&cfg.Gateway.APISecret, "RISKGUARD_GATEWAY_API_SECRET")
	setStr(&cfg.Gateway.APIPassphrase, "RISKGUARD_GATEWAY_API_PASSPHRASE")
	setStr(&cfg.Gateway.SecretFile, "RISKGUARD_GATEWAY_SECRET_FILE")
	setStr(&cfg.Gateway.SecretPass, "RISKGUARD_GATEWAY_SECRET_PASSWORD")
	setDuration(&cfg.Gateway.Timeout, "RISKGUARD_GATEWAY_TIMEOUT")
	setInt(&cfg.Gateway.Workers, "RISKGUARD_GATEWAY_WORKERS")
	setInt(&cfg.Gateway.RateLimit, "RISKGUARD_GATEWAY_RATE_LIMIT")

	// ── Market data / feed ──
	setStr(&cfg.MarketData.Source, "RISKGUARD_MARKET_DATA_SOURCE")
	setDuration(&cfg.MarketData.Timeout, "RISKGUARD_MARKET_DATA_TIMEOUT")
	setBool(&cfg.Feed.Enabled, "RISKGUARD_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "RISKGUARD_FEED_URL")
	setStringSlice(&cfg.Feed.Instruments, "RISKGUARD_FEED_INSTRUMENTS")
	setBool(&cfg.Feed.Publish, "RISKGUARD_FEED_PUBLISH")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "RISKGUARD_MONITOR_POLL_INTERVAL")
	setDuration(&cfg.Monitor.CacheTTL, "RISKGUARD_MONITOR_CACHE_TTL")
	setInt(&cfg.Monitor.Workers, "RISKGUARD_MONITOR_WORKERS")

	// ── Adjuster ──
	setDuration(&cfg.Adjuster.PollInterval, "RISKGUARD_ADJUSTER_POLL_INTERVAL")
	setInt(&cfg.Adjuster.MaxAdjustments, "RISKGUARD_ADJUSTER_MAX_ADJUSTMENTS")
	setFloat64(&cfg.Adjuster.RiskThresholdPct, "RISKGUARD_ADJUSTER_RISK_THRESHOLD_PCT")
	setFloat64(&cfg.Adjuster.TrailingActivationPct, "RISKGUARD_ADJUSTER_TRAILING_ACTIVATION_PCT")
	setFloat64(&cfg.Adjuster.ScalingThresholdPct, "RISKGUARD_ADJUSTER_SCALING_THRESHOLD_PCT")

	// ── Breaker ──
	setInt(&cfg.Breaker.LossThreshold, "RISKGUARD_BREAKER_LOSS_THRESHOLD")
	setDuration(&cfg.Breaker.Cooldown, "RISKGUARD_BREAKER_COOLDOWN")
	setIntSlice(&cfg.Breaker.ReactivationPhaseSizes, "RISKGUARD_BREAKER_REACTIVATION_PHASE_SIZES")
	setBool(&cfg.Breaker.Persist, "RISKGUARD_BREAKER_PERSIST")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxPositionFraction, "RISKGUARD_RISK_MAX_POSITION_FRACTION")
	setFloat64(&cfg.Risk.ATRMultiplier, "RISKGUARD_RISK_ATR_MULTIPLIER")
	setFloat64(&cfg.Risk.MinRewardRiskRatio, "RISKGUARD_RISK_MIN_REWARD_RISK_RATIO")
	setInt(&cfg.Risk.MaxOpenPositions, "RISKGUARD_RISK_MAX_OPEN_POSITIONS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RISKGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RISKGUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RISKGUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RISKGUARD_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RISKGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RISKGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RISKGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RISKGUARD_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "RISKGUARD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "RISKGUARD_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RISKGUARD_MODE")
	setStr(&cfg.LogLevel, "RISKGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setIntSlice(dst *[]int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []int
	for _, p := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return
		}
		out = append(out, n)
	}
	*dst = out
}
