package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/metrics"
)

// GuardedGatewayConfig bounds every call to the execution gateway.
type GuardedGatewayConfig struct {
	CallTimeout time.Duration // per attempt
	Protective  RetryConfig   // cancel / place
	Close       RetryConfig
	// RateLimit is the number of calls admitted per RateWindow across all
	// processes sharing the limiter; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// GuardedGateway decorates an ExecutionGateway with a shared worker pool, a
// per-attempt timeout, bounded retries and an optional distributed rate limit.
type GuardedGateway struct {
	next    domain.ExecutionGateway
	pool    *Pool
	limiter domain.RateLimiter
	cfg     GuardedGatewayConfig
	logger  *slog.Logger
}

var _ domain.ExecutionGateway = (*GuardedGateway)(nil)

// NewGuardedGateway wraps next. limiter may be nil.
func NewGuardedGateway(next domain.ExecutionGateway, pool *Pool, limiter domain.RateLimiter, cfg GuardedGatewayConfig, logger *slog.Logger) *GuardedGateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	return &GuardedGateway{
		next:    next,
		pool:    pool,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "gateway")),
	}
}

// CancelProtectiveOrders cancels the TP/SL pair for positionID.
func (g *GuardedGateway) CancelProtectiveOrders(ctx context.Context, positionID string) error {
	return g.call(ctx, "cancel", positionID, g.cfg.Protective, func(ctx context.Context) error {
		return g.next.CancelProtectiveOrders(ctx, positionID)
	})
}

// PlaceProtectiveOrders places a new TP/SL pair for positionID.
func (g *GuardedGateway) PlaceProtectiveOrders(ctx context.Context, positionID string, takeProfit, stopLoss float64) error {
	return g.call(ctx, "place", positionID, g.cfg.Protective, func(ctx context.Context) error {
		return g.next.PlaceProtectiveOrders(ctx, positionID, takeProfit, stopLoss)
	})
}

// ClosePosition requests a market close of positionID.
func (g *GuardedGateway) ClosePosition(ctx context.Context, positionID string, price float64) error {
	return g.call(ctx, "close", positionID, g.cfg.Close, func(ctx context.Context) error {
		return g.next.ClosePosition(ctx, positionID, price)
	})
}

func (g *GuardedGateway) call(ctx context.Context, op, positionID string, rc RetryConfig, fn func(ctx context.Context) error) error {
	start := time.Now()
	rc.RetryIf = retryableGatewayError
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.logger.WarnContext(ctx, "gateway call retry",
			slog.String("position_id", positionID),
			slog.String("action", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}

	err := Retry(ctx, rc, func(ctx context.Context) error {
		return g.pool.Do(ctx, func(ctx context.Context) error {
			if err := g.throttle(ctx); err != nil {
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
			return fn(callCtx)
		})
	})

	metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("executor: %s %s: %w", op, positionID, err)
	}
	metrics.GatewayCalls.WithLabelValues(op, "ok").Inc()
	return nil
}

func (g *GuardedGateway) throttle(ctx context.Context) error {
	if g.limiter == nil || g.cfg.RateLimit <= 0 {
		return nil
	}
	ok, err := g.limiter.Allow(ctx, "gateway", g.cfg.RateLimit, g.cfg.RateWindow)
	if err != nil {
		// Limiter outage must not block protective calls.
		g.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

// retryableGatewayError treats rejections, bad credentials and unknown
// positions as final. Timeouts, transport errors and rate limiting are retried.
func retryableGatewayError(err error) bool {
	switch {
	case errors.Is(err, domain.ErrGatewayRejected),
		errors.Is(err, domain.ErrInvalidLevels),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrNotFound):
		return false
	}
	return true
}
