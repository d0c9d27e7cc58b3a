package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/riskguard/internal/cache/memory"
	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/executor"
	"github.com/alanyoungcy/riskguard/internal/metrics"
)

// CacheStats counts PriceCache outcomes.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	FetchErrors int64   `json:"fetch_errors"`
	HitRate     float64 `json:"hit_rate"`
	Size        int     `json:"size"`
}

// PriceResolver reads the PriceCache and falls back to MarketData on a miss.
// Fetches carry a timeout and bounded retries and never hold the cache lock.
type PriceResolver struct {
	cache   *memory.PriceCache
	market  domain.MarketData
	timeout time.Duration
	retry   executor.RetryConfig
	logger  *slog.Logger

	mu    sync.Mutex
	stats CacheStats
}

// NewPriceResolver creates a PriceResolver.
func NewPriceResolver(cache *memory.PriceCache, market domain.MarketData, timeout time.Duration, retry executor.RetryConfig, logger *slog.Logger) *PriceResolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &PriceResolver{
		cache:   cache,
		market:  market,
		timeout: timeout,
		retry:   retry,
		logger:  logger.With(slog.String("component", "price_resolver")),
	}
}

// Resolve returns the price of instrument from the cache, or fetches and
// caches it.
func (r *PriceResolver) Resolve(ctx context.Context, instrument string) (float64, error) {
	if p, ok := r.cache.Get(instrument); ok {
		r.count(func(s *CacheStats) { s.Hits++ })
		metrics.PriceLookups.WithLabelValues("hit").Inc()
		return p, nil
	}
	r.count(func(s *CacheStats) { s.Misses++ })
	metrics.PriceLookups.WithLabelValues("miss").Inc()

	price, err := executor.RetryValue(ctx, r.retry, func(ctx context.Context) (float64, error) {
		fctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.market.GetPrice(fctx, instrument)
	})
	if err == nil && price <= 0 {
		err = fmt.Errorf("non-positive price %g: %w", price, domain.ErrPriceUnavailable)
	}
	if err != nil {
		r.count(func(s *CacheStats) { s.FetchErrors++ })
		metrics.PriceLookups.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("price_resolver: %s: %w", instrument, err)
	}

	r.cache.Set(instrument, price)
	return price, nil
}

// Stats returns a copy of the counters.
func (r *PriceResolver) Stats() CacheStats {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	s.Size = r.cache.Len()
	return s
}

func (r *PriceResolver) count(fn func(*CacheStats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
