package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

func testEngine(t *testing.T, mut func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{
		MinFraction:           0,
		MaxPositionFraction:   0.10,
		BaselineVolatilityPct: 2,
		MaxExposureFraction:   0,
		ATRMultiplier:         2,
		MinRewardRiskRatio:    1.5,
		LotStep:               0,
	}
	if mut != nil {
		mut(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func TestKellyFraction(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.2, KellyFraction(0.6, 1), 1e-12)
	assert.InDelta(t, 0.25, KellyFraction(0.5, 2), 1e-12)
	assert.InDelta(t, -0.2, KellyFraction(0.4, 1), 1e-12)
}

func TestSizePosition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mut      func(*EngineConfig)
		req      SizeRequest
		wantQty  float64
		cappedBy string
	}{
		{
			name:    "kelly below max is used as is",
			req:     SizeRequest{Equity: 10_000, WinProbability: 0.45, PayoffRatio: 1.5, Volatility: 1, Price: 100},
			wantQty: 10_000 * (0.45 - 0.55/1.5) / 100,
		},
		{
			name:    "kelly clipped to max fraction",
			req:     SizeRequest{Equity: 10_000, WinProbability: 0.6, PayoffRatio: 1, Volatility: 1, Price: 100},
			wantQty: 10,
		},
		{
			name:    "negative edge clipped to min fraction",
			req:     SizeRequest{Equity: 10_000, WinProbability: 0.3, PayoffRatio: 1, Volatility: 1, Price: 100},
			wantQty: 0,
		},
		{
			name:    "min fraction floor",
			mut:     func(c *EngineConfig) { c.MinFraction = 0.01 },
			req:     SizeRequest{Equity: 10_000, WinProbability: 0.3, PayoffRatio: 1, Volatility: 1, Price: 100},
			wantQty: 1,
		},
		{
			name:     "volatility above baseline scales down proportionally",
			req:      SizeRequest{Equity: 10_000, WinProbability: 0.6, PayoffRatio: 1, Volatility: 4, Price: 100},
			wantQty:  5,
			cappedBy: "volatility",
		},
		{
			name:     "exposure budget caps notional",
			mut:      func(c *EngineConfig) { c.MaxExposureFraction = 0.5 },
			req:      SizeRequest{Equity: 10_000, WinProbability: 0.6, PayoffRatio: 1, Volatility: 1, Price: 100, OpenExposure: 4_700},
			wantQty:  3,
			cappedBy: "exposure",
		},
		{
			name:     "exposure exhausted yields zero",
			mut:      func(c *EngineConfig) { c.MaxExposureFraction = 0.5 },
			req:      SizeRequest{Equity: 10_000, WinProbability: 0.6, PayoffRatio: 1, Volatility: 1, Price: 100, OpenExposure: 6_000},
			wantQty:  0,
			cappedBy: "exposure",
		},
		{
			name:     "breaker multiplier",
			req:      SizeRequest{Equity: 10_000, WinProbability: 0.6, PayoffRatio: 1, Volatility: 1, Price: 100, SizeMultiplier: 0.5},
			wantQty:  5,
			cappedBy: "breaker",
		},
		{
			name:    "lot step rounds down",
			mut:     func(c *EngineConfig) { c.LotStep = 0.5 },
			req:     SizeRequest{Equity: 10_000, WinProbability: 0.6, PayoffRatio: 1, Volatility: 1, Price: 130},
			wantQty: 7.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := testEngine(t, tt.mut)
			res, err := e.SizePosition(tt.req)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantQty, res.Quantity, 1e-9)
			assert.Equal(t, tt.cappedBy, res.CappedBy)
			assert.LessOrEqual(t, res.Fraction, e.Config().MaxPositionFraction+1e-12)
		})
	}
}

func TestSizePosition_Deterministic(t *testing.T) {
	t.Parallel()
	e := testEngine(t, func(c *EngineConfig) { c.LotStep = 0.001 })
	req := SizeRequest{Equity: 12_345, WinProbability: 0.55, PayoffRatio: 1.7, Volatility: 3.3, Price: 97.1}
	a, err := e.SizePosition(req)
	require.NoError(t, err)
	b, err := e.SizePosition(req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSizePosition_RejectsBadInput(t *testing.T) {
	t.Parallel()
	e := testEngine(t, nil)
	for _, req := range []SizeRequest{
		{Equity: 0, WinProbability: 0.5, PayoffRatio: 1, Price: 1},
		{Equity: 1, WinProbability: 1.5, PayoffRatio: 1, Price: 1},
		{Equity: 1, WinProbability: 0.5, PayoffRatio: 0, Price: 1},
		{Equity: 1, WinProbability: 0.5, PayoffRatio: 1, Price: 0},
		{Equity: 1, WinProbability: 0.5, PayoffRatio: 1, Price: 1, Volatility: -1},
		{Equity: math.NaN(), WinProbability: 0.5, PayoffRatio: 1, Price: 1},
		{Equity: math.Inf(1), WinProbability: 0.5, PayoffRatio: 1, Price: 1},
		{Equity: 1, WinProbability: math.NaN(), PayoffRatio: 1, Price: 1},
		{Equity: 1, WinProbability: 0.5, PayoffRatio: 1, Price: 1, Volatility: math.NaN()},
		{Equity: math.MaxFloat64, WinProbability: 0.9, PayoffRatio: 3, Price: 1e-300},
	} {
		_, err := e.SizePosition(req)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput), "%+v", req)
	}
}

func TestComputeInitialStops(t *testing.T) {
	t.Parallel()
	e := testEngine(t, nil)

	long, err := e.ComputeInitialStops(100, domain.SideLong, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 97, long.StopLoss, 1e-9)
	assert.InDelta(t, 104.5, long.TakeProfit, 1e-9)
	assert.InDelta(t, 1.5, RewardRisk(100, long.StopLoss, long.TakeProfit), 1e-9)
	assert.Less(t, long.StopLoss, 100.0)
	assert.Greater(t, long.TakeProfit, 100.0)

	short, err := e.ComputeInitialStops(100, domain.SideShort, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 103, short.StopLoss, 1e-9)
	assert.InDelta(t, 95.5, short.TakeProfit, 1e-9)
	assert.Greater(t, short.StopLoss, 100.0)
	assert.Less(t, short.TakeProfit, 100.0)
}

func TestComputeInitialStops_TickRoundingWidens(t *testing.T) {
	t.Parallel()
	e := testEngine(t, func(c *EngineConfig) { c.PriceTick = 0.5 })

	s, err := e.ComputeInitialStops(100, domain.SideLong, 1.3)
	require.NoError(t, err)
	assert.InDelta(t, 97.0, s.StopLoss, 1e-9)
	assert.InDelta(t, 104.0, s.TakeProfit, 1e-9)
	assert.GreaterOrEqual(t, RewardRisk(100, s.StopLoss, s.TakeProfit), 1.3)
}

func TestComputeInitialStops_Errors(t *testing.T) {
	t.Parallel()
	e := testEngine(t, nil)

	_, err := e.ComputeInitialStops(0, domain.SideLong, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.ComputeInitialStops(100, domain.Side("flat"), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.ComputeInitialStops(10, domain.SideLong, 6)
	assert.ErrorIs(t, err, domain.ErrInvalidLevels)

	_, err = e.ComputeInitialStops(100, domain.SideShort, math.Inf(1))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.ComputeInitialStops(math.NaN(), domain.SideLong, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.NotPanics(t, func() {
		_, err = e.ComputeInitialStops(1e308, domain.SideLong, math.MaxFloat64/2)
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSizePosition_OverflowingQuantity(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(DefaultEngineConfig())
	require.NoError(t, err)

	req := SizeRequest{Equity: 1e308, WinProbability: 0.6, PayoffRatio: 2, Price: 1e-10}
	assert.NotPanics(t, func() {
		_, err = e.SizePosition(req)
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRounding_NonFinite(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		assert.True(t, math.IsInf(roundDown(math.Inf(1), 0.01), 1))
		assert.Zero(t, roundDown(math.NaN(), 0.01))
		assert.True(t, math.IsInf(roundAway(math.Inf(-1), 100, 0.5), -1))
	})
}

func TestNewEngine_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(EngineConfig{MinFraction: 0.2, MaxPositionFraction: 0.1, ATRMultiplier: 1, MinRewardRiskRatio: 1})
	assert.Error(t, err)
	_, err = NewEngine(EngineConfig{MaxPositionFraction: 0.1, ATRMultiplier: 0, MinRewardRiskRatio: 1})
	assert.Error(t, err)
	_, err = NewEngine(DefaultEngineConfig())
	assert.NoError(t, err)
}
