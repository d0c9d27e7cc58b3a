package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/cache/memory"
	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/executor"
)

func fastRetry(attempts int) executor.RetryConfig {
	return executor.RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestPriceResolver_MissFetchesThenHits(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	cache := memory.NewPriceCache(time.Second, memory.WithClock(clock.Now))
	market := newFakeMarket()
	market.set("BTC-USD", 101.5)
	r := NewPriceResolver(cache, market, time.Second, fastRetry(1), quietLogger())
	ctx := context.Background()

	p, err := r.Resolve(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.InDelta(t, 101.5, p, 1e-9)

	market.set("BTC-USD", 99)
	p, err = r.Resolve(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.InDelta(t, 101.5, p, 1e-9, "served from cache within ttl")

	clock.Advance(2 * time.Second)
	p, err = r.Resolve(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.InDelta(t, 99, p, 1e-9, "refetched after expiry")

	s := r.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.InDelta(t, 1.0/3.0, s.HitRate, 1e-9)
}

func TestPriceResolver_RetriesThenFails(t *testing.T) {
	t.Parallel()
	cache := memory.NewPriceCache(time.Second)
	market := newFakeMarket()
	market.err = errors.New("upstream down")
	r := NewPriceResolver(cache, market, time.Second, fastRetry(3), quietLogger())

	_, err := r.Resolve(context.Background(), "ETH-USD")
	require.Error(t, err)
	assert.Equal(t, 3, market.calls)
	assert.Equal(t, int64(1), r.Stats().FetchErrors)
	assert.Zero(t, cache.Len(), "failures are not cached")
}

func TestPriceResolver_RejectsNonPositivePrice(t *testing.T) {
	t.Parallel()
	cache := memory.NewPriceCache(time.Second)
	market := newFakeMarket()
	market.set("SOL-USD", 0)
	r := NewPriceResolver(cache, market, time.Second, fastRetry(1), quietLogger())

	_, err := r.Resolve(context.Background(), "SOL-USD")
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.Zero(t, cache.Len())
}
