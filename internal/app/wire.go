package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/riskguard/internal/blob/s3"
	"github.com/alanyoungcy/riskguard/internal/cache/redis"
	"github.com/alanyoungcy/riskguard/internal/config"
	"github.com/alanyoungcy/riskguard/internal/crypto"
	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/notify"
	"github.com/alanyoungcy/riskguard/internal/platform/gateway"
	"github.com/alanyoungcy/riskguard/internal/server/handler"
	"github.com/alanyoungcy/riskguard/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. It is built by
// Wire and torn down by the returned cleanup function. Redis-backed fields
// are nil when redis.enabled is false.
type Dependencies struct {
	// Stores
	PositionStore   domain.PositionStore
	AdjustmentStore domain.AdjustmentStore
	AuditStore      domain.AuditStore

	// Redis
	PriceStore   domain.PriceStore
	BreakerStore domain.BreakerStore
	SignalBus    domain.SignalBus
	LockManager  domain.LockManager
	RateLimiter  *redis.RateLimiter

	// Gateway and the cache-miss price source
	Gateway    domain.ExecutionGateway
	MarketData domain.MarketData

	// Blob storage
	Archiver domain.Archiver

	Notifier     *notify.Notifier
	HealthChecks map[string]handler.HealthCheck
}

// needsGateway reports whether mode talks to the execution gateway.
func needsGateway(mode string) bool {
	return strings.ToLower(mode) != "archive"
}

// needsS3 reports whether mode archives to object storage.
func needsS3(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.Mode)
	return mode == "archive" || (mode == "guard" && cfg.Archive.Enabled)
}

// Wire constructs the concrete infrastructure from cfg and returns it with a
// cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL (every mode) ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Postgres.DSN,
		Host:           cfg.Postgres.Host,
		Port:           cfg.Postgres.Port,
		Database:       cfg.Postgres.Database,
		User:           cfg.Postgres.User,
		Password:       cfg.Postgres.Password,
		SSLMode:        cfg.Postgres.SSLMode,
		MaxConns:       cfg.Postgres.PoolMaxConns,
		MinConns:       cfg.Postgres.PoolMinConns,
		ConnectTimeout: cfg.Postgres.ConnTimeout.Duration,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AdjustmentStore = postgres.NewAdjustmentStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.HealthChecks["postgres"] = pgClient.Ping

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		priceStore := redis.NewPriceStore(redisClient)
		deps.PriceStore = priceStore
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Breaker.Persist {
			deps.BreakerStore = redis.NewBreakerStore(redisClient, "default")
		}
		if cfg.MarketData.Source == "redis" {
			deps.MarketData = redis.NewMarketData(priceStore, cfg.MarketData.MaxAge.Duration)
		}
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- Execution gateway ---
	if needsGateway(cfg.Mode) {
		var auth *crypto.HMACAuth
		if cfg.Gateway.APIKey != "" {
			secret, err := crypto.LoadSecret(crypto.SecretConfig{
				Raw:           cfg.Gateway.APISecret,
				EncryptedPath: cfg.Gateway.SecretFile,
				Password:      cfg.Gateway.SecretPass,
			})
			if err != nil {
				return fail(fmt.Errorf("wire: gateway secret: %w", err))
			}
			auth = &crypto.HMACAuth{
				Key:        cfg.Gateway.APIKey,
				Secret:     secret,
				Passphrase: cfg.Gateway.APIPassphrase,
			}
		}
		client := gateway.NewClient(cfg.Gateway.BaseURL, auth, cfg.Gateway.Timeout.Duration)
		deps.Gateway = client
		if deps.MarketData == nil {
			deps.MarketData = client
		}
	}

	// --- S3 archive ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3Client,
			deps.AdjustmentStore,
			deps.AuditStore,
			s3blob.ArchiverConfig{
				Prefix:    cfg.Archive.Prefix,
				BatchSize: cfg.Archive.BatchSize,
			},
			logger,
		)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
