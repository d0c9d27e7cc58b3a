package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/riskguard/internal/cache/memory"
	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/executor"
	"github.com/alanyoungcy/riskguard/internal/feed"
	"github.com/alanyoungcy/riskguard/internal/metrics"
	"github.com/alanyoungcy/riskguard/internal/risk"
	"github.com/alanyoungcy/riskguard/internal/server"
	"github.com/alanyoungcy/riskguard/internal/server/handler"
	"github.com/alanyoungcy/riskguard/internal/server/middleware"
	"github.com/alanyoungcy/riskguard/internal/service"
)

// components are the long-lived services shared by guard and monitor mode.
type components struct {
	cache    *memory.PriceCache
	book     *service.PositionBook
	breaker  *risk.CircuitBreaker
	gate     *service.EntryGate
	monitor  *service.PositionMonitor
	adjuster *service.PositionAdjuster // nil in monitor mode
	feed     *feed.PriceFeed           // nil unless feed.enabled
}

// GuardMode runs the monitor, the adjuster, the cache sweeper, the optional
// price feed, the HTTP server and the periodic archiver.
func (a *App) GuardMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting guard mode")

	c, err := a.buildComponents(ctx, deps, true)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startComponents(ctx, g, c)

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps.Archiver)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// MonitorMode runs exit protection only: positions are closed when a level
// is crossed but levels are never moved.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	c, err := a.buildComponents(ctx, deps, false)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startComponents(ctx, g, c)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// ArchiveMode runs a single archive pass and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("app: archive mode: archiver not configured")
	}
	return a.archiveOnce(ctx, deps.Archiver)
}

// positionLeaseTTL returns the cross-process lease held per position. It is
// never shorter than one protective replace plus a full close retry run, the
// most a single locked section can spend at the gateway.
func positionLeaseTTL(configured, callTimeout time.Duration, protective, closeRetry executor.RetryConfig) time.Duration {
	need := 2*protective.Budget(callTimeout) + closeRetry.Budget(callTimeout) + leaseMargin
	if configured > need {
		return configured
	}
	return need
}

const leaseMargin = 5 * time.Second

func (a *App) buildComponents(ctx context.Context, deps *Dependencies, withAdjuster bool) (*components, error) {
	cfg := a.cfg
	c := &components{}

	// Gateway: shared worker pool, bounded retries, optional rate limit.
	protective := executor.DefaultRetryConfig()
	protective.MaxAttempts = cfg.Gateway.RetryAttempts
	protective.InitialDelay = cfg.Gateway.RetryBase.Duration
	protective.MaxDelay = cfg.Gateway.RetryMax.Duration
	closeRetry := executor.CloseRetryConfig()
	closeRetry.MaxAttempts = cfg.Gateway.CloseAttempts
	closeRetry.MaxDelay = cfg.Gateway.RetryMax.Duration

	var limiter domain.RateLimiter
	if deps.RateLimiter != nil && cfg.Gateway.RateLimit > 0 {
		limiter = deps.RateLimiter
	}
	gw := executor.NewGuardedGateway(deps.Gateway, executor.NewPool(cfg.Gateway.Workers), limiter, executor.GuardedGatewayConfig{
		CallTimeout: cfg.Gateway.Timeout.Duration,
		Protective:  protective,
		Close:       closeRetry,
		RateLimit:   cfg.Gateway.RateLimit,
		RateWindow:  cfg.Gateway.RateWindow.Duration,
	}, a.logger)

	// Prices
	c.cache = memory.NewPriceCache(cfg.Monitor.CacheTTL.Duration, memory.WithSweepFactor(cfg.Monitor.SweepFactor))
	priceRetry := executor.DefaultRetryConfig()
	priceRetry.MaxAttempts = cfg.MarketData.RetryAttempts
	prices := service.NewPriceResolver(c.cache, deps.MarketData, cfg.MarketData.Timeout.Duration, priceRetry, a.logger)

	// Positions
	var bookOpts []service.BookOption
	if cfg.Redis.PositionLocks && deps.LockManager != nil {
		ttl := positionLeaseTTL(cfg.Redis.LockTTL.Duration, cfg.Gateway.Timeout.Duration, protective, closeRetry)
		if ttl > cfg.Redis.LockTTL.Duration {
			a.logger.InfoContext(ctx, "position lease ttl raised to cover gateway retries",
				slog.Duration("configured", cfg.Redis.LockTTL.Duration),
				slog.Duration("ttl", ttl),
			)
		}
		bookOpts = append(bookOpts, service.WithDistributedLocks(deps.LockManager, ttl))
	}
	c.book = service.NewPositionBook(deps.PositionStore, cfg.Adjuster.MaxAdjustments, a.logger, bookOpts...)
	if err := c.book.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// Breaker and entry gate
	var breakerOpts []risk.BreakerOption
	if deps.BreakerStore != nil {
		breakerOpts = append(breakerOpts, risk.WithBreakerStore(deps.BreakerStore))
	}
	breaker, err := risk.NewCircuitBreaker(risk.BreakerConfig{
		LossThreshold:   cfg.Breaker.LossThreshold,
		Cooldown:        cfg.Breaker.Cooldown.Duration,
		ExtensionFactor: cfg.Breaker.ExtensionFactor,
		MaxCooldown:     cfg.Breaker.MaxCooldown.Duration,
		PhaseSizes:      cfg.Breaker.ReactivationPhaseSizes,
	}, a.logger, breakerOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	breaker.OnTransition(a.breakerObserver(deps))
	if err := breaker.Restore(ctx); err != nil {
		// An unreadable snapshot starts ARMED rather than blocking startup.
		a.logger.WarnContext(ctx, "breaker state not restored", slog.String("error", err.Error()))
	}
	metrics.BreakerPhase.Set(phaseValue(breaker.State(ctx).Phase))
	c.breaker = breaker

	engine, err := risk.NewEngine(risk.EngineConfig{
		MinFraction:           cfg.Risk.MinFraction,
		MaxPositionFraction:   cfg.Risk.MaxPositionFraction,
		BaselineVolatilityPct: cfg.Risk.BaselineVolatilityPct,
		MaxExposureFraction:   cfg.Risk.MaxExposureFraction,
		ATRMultiplier:         cfg.Risk.ATRMultiplier,
		MinRewardRiskRatio:    cfg.Risk.MinRewardRiskRatio,
		LotStep:               cfg.Risk.LotStep,
		PriceTick:             cfg.Risk.PriceTick,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	c.gate = service.NewEntryGate(breaker, engine, c.book, service.EntryGateConfig{
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
	}, a.logger)

	// Loops
	c.monitor = service.NewPositionMonitor(c.book, prices, gw, service.MonitorDeps{
		Outcomes: breaker,
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Alerts:   deps.Notifier,
	}, service.MonitorConfig{
		Interval:      cfg.Monitor.PollInterval.Duration,
		ShutdownGrace: cfg.Monitor.ShutdownGrace.Duration,
		Workers:       cfg.Monitor.Workers,
	}, a.logger)

	if withAdjuster {
		adjCfg := service.AdjusterConfig{
			Interval:               cfg.Adjuster.PollInterval.Duration,
			ShutdownGrace:          cfg.Adjuster.ShutdownGrace.Duration,
			Workers:                cfg.Adjuster.Workers,
			RiskThresholdPct:       cfg.Adjuster.RiskThresholdPct,
			TrailingActivationPct:  cfg.Adjuster.TrailingActivationPct,
			TrailingDistancePct:    cfg.Adjuster.TrailingDistancePct,
			TrailingTPOffsetPct:    cfg.Adjuster.TrailingTPOffsetPct,
			ScalingThresholdPct:    cfg.Adjuster.ScalingThresholdPct,
			ScalingExtensionPct:    cfg.Adjuster.ScalingExtensionPct,
			ProtectionThresholdPct: cfg.Adjuster.ProtectionThresholdPct,
			ProtectionLockPct:      cfg.Adjuster.ProtectionLockPct,
			DeescalationStopPct:    cfg.Adjuster.DeescalationStopPct,
			DeescalationTargetPct:  cfg.Adjuster.DeescalationTargetPct,
			MinChangePct:           cfg.Adjuster.MinChangePct,
			MaxAdjustments:         cfg.Adjuster.MaxAdjustments,
			HistorySize:            cfg.Adjuster.HistorySize,
		}
		if err := adjCfg.Validate(); err != nil {
			return nil, fmt.Errorf("app: adjuster config: %w", err)
		}
		c.adjuster = service.NewPositionAdjuster(c.book, prices, gw, service.AdjusterDeps{
			Records: deps.AdjustmentStore,
			Bus:     deps.SignalBus,
			Alerts:  deps.Notifier,
		}, adjCfg, a.logger)
	}

	if cfg.Feed.Enabled {
		var store domain.PriceStore
		if cfg.Feed.Publish {
			store = deps.PriceStore
		}
		c.feed = feed.NewPriceFeed(feed.Config{
			URL:           cfg.Feed.URL,
			Instruments:   cfg.Feed.Instruments,
			ReconnectWait: cfg.Feed.ReconnectWait.Duration,
		}, c.cache, store, a.logger)
	}

	return c, nil
}

func (a *App) startComponents(ctx context.Context, g *errgroup.Group, c *components) {
	g.Go(func() error {
		return c.cache.Run(ctx)
	})
	g.Go(func() error {
		return c.monitor.Run(ctx)
	})
	if c.adjuster != nil {
		g.Go(func() error {
			return c.adjuster.Run(ctx)
		})
	}
	if c.feed != nil {
		g.Go(func() error {
			// The feed only warms the cache; losing it is not fatal.
			if err := c.feed.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "price feed stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
}

// breakerObserver fans breaker transitions out to metrics, the signal bus and
// the notifier. Notifications are sent off the caller's goroutine.
func (a *App) breakerObserver(deps *Dependencies) func(context.Context, domain.BreakerTransition) {
	return func(ctx context.Context, t domain.BreakerTransition) {
		metrics.BreakerPhase.Set(phaseValue(t.To))

		if deps.SignalBus != nil {
			if payload, err := json.Marshal(t); err == nil {
				if err := deps.SignalBus.Publish(ctx, domain.ChannelBreaker, payload); err != nil {
					a.logger.WarnContext(ctx, "breaker transition publish failed", slog.String("error", err.Error()))
				}
			}
		}

		var event, title string
		switch t.To {
		case domain.BreakerTripped:
			metrics.BreakerTrips.Inc()
			event, title = service.EventBreakerTripped, "Circuit breaker tripped"
		case domain.BreakerArmed:
			event, title = service.EventBreakerArmed, "Circuit breaker re-armed"
		default:
			return
		}
		msg := fmt.Sprintf("%s -> %s (%s), consecutive losses %d", t.From, t.To, t.Cause, t.State.ConsecutiveLosses)
		if t.State.CooldownUntil != nil {
			msg += ", cooldown until " + t.State.CooldownUntil.UTC().Format(time.RFC3339)
		}
		go func() {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := deps.Notifier.Notify(nctx, event, title, msg); err != nil {
				a.logger.WarnContext(nctx, "breaker notification failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func phaseValue(p domain.BreakerPhase) float64 {
	switch p {
	case domain.BreakerReactivating:
		return 1
	case domain.BreakerTripped:
		return 2
	default:
		return 0
	}
}

func (a *App) runArchiveLoop(ctx context.Context, archiver domain.Archiver) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.archiveOnce(ctx, archiver); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, archiver domain.Archiver) error {
	cutoff := a.cfg.ArchiveCutoff(time.Now().UTC())
	n, err := archiver.ArchiveAdjustments(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("app: archive adjustments: %w", err)
	}
	a.logger.InfoContext(ctx, "archive pass complete",
		slog.Int64("records", n),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	// A nil *PositionAdjuster must not reach the handlers as a non-nil
	// interface.
	var adjuster handler.AdjusterView
	if c.adjuster != nil {
		adjuster = c.adjuster
	}
	var limiter middleware.Limiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:      handler.NewStatusHandler(a.cfg.Mode, c.monitor, adjuster, c.breaker),
		Positions:   handler.NewPositionHandler(c.book, c.monitor, a.logger),
		Adjustments: handler.NewAdjustmentHandler(adjuster, deps.AdjustmentStore, a.logger),
		Breaker:     handler.NewBreakerHandler(c.breaker, a.logger),
		Entries:     handler.NewEntryHandler(c.gate, a.logger),
	}, limiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
