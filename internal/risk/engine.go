// Package risk holds the pure position-sizing and stop calculators and the
// circuit breaker state machine.
package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// EngineConfig parameterizes the Engine.
type EngineConfig struct {
	MinFraction           float64 // lower clip of the Kelly fraction
	MaxPositionFraction   float64 // upper clip of the Kelly fraction
	BaselineVolatilityPct float64 // ATR as % of price above which size is scaled down
	MaxExposureFraction   float64 // aggregate open notional cap as a fraction of equity
	ATRMultiplier         float64
	MinRewardRiskRatio    float64
	LotStep               float64 // quantity increment; 0 disables rounding
	PriceTick             float64 // price increment for stops; 0 disables rounding
}

// DefaultEngineConfig returns conservative defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinFraction:           0,
		MaxPositionFraction:   0.05,
		BaselineVolatilityPct: 2.0,
		MaxExposureFraction:   0.5,
		ATRMultiplier:         2.0,
		MinRewardRiskRatio:    1.5,
		LotStep:               0.001,
	}
}

// Engine is a stateless calculator. All methods are pure.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates an Engine after validating cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.MinFraction < 0 || cfg.MaxPositionFraction <= 0 || cfg.MinFraction > cfg.MaxPositionFraction {
		return nil, fmt.Errorf("risk: engine: fraction bounds [%g, %g] invalid: %w", cfg.MinFraction, cfg.MaxPositionFraction, domain.ErrInvalidInput)
	}
	if cfg.MaxPositionFraction > 1 {
		return nil, fmt.Errorf("risk: engine: max_position_fraction %g > 1: %w", cfg.MaxPositionFraction, domain.ErrInvalidInput)
	}
	if cfg.ATRMultiplier <= 0 || cfg.MinRewardRiskRatio <= 0 {
		return nil, fmt.Errorf("risk: engine: atr_multiplier and min_reward_risk_ratio must be > 0: %w", domain.ErrInvalidInput)
	}
	if cfg.BaselineVolatilityPct < 0 || cfg.MaxExposureFraction < 0 || cfg.LotStep < 0 || cfg.PriceTick < 0 {
		return nil, fmt.Errorf("risk: engine: negative limit: %w", domain.ErrInvalidInput)
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine parameters.
func (e *Engine) Config() EngineConfig { return e.cfg }

// SizeRequest is the input to SizePosition.
type SizeRequest struct {
	Equity         float64
	WinProbability float64
	PayoffRatio    float64 // average win / average loss
	Volatility     float64 // ATR in price units
	Price          float64
	OpenExposure   float64 // notional already at risk in open positions
	SizeMultiplier float64 // breaker throttle in (0, 1]; 0 means 1
}

// SizeResult is the output of SizePosition.
type SizeResult struct {
	KellyFraction float64 `json:"kelly_fraction"`
	Fraction      float64 `json:"fraction"`
	Notional      float64 `json:"notional"`
	Quantity      float64 `json:"quantity"`
	CappedBy      string  `json:"capped_by,omitempty"`
}

// KellyFraction returns p - (1-p)/b.
func KellyFraction(p, b float64) float64 {
	return p - (1-p)/b
}

// SizePosition returns the quantity to open given account equity and the
// signal's edge. The Kelly fraction is clipped to [MinFraction,
// MaxPositionFraction], scaled down when relative volatility exceeds the
// baseline, then capped by the remaining exposure budget.
func (e *Engine) SizePosition(req SizeRequest) (SizeResult, error) {
	if !(req.Equity > 0) || !(req.Price > 0) || !finite(req.Equity) || !finite(req.Price) {
		return SizeResult{}, fmt.Errorf("risk: size position: equity and price must be finite and > 0: %w", domain.ErrInvalidInput)
	}
	if !(req.WinProbability >= 0 && req.WinProbability <= 1) {
		return SizeResult{}, fmt.Errorf("risk: size position: win probability %g outside [0,1]: %w", req.WinProbability, domain.ErrInvalidInput)
	}
	if !(req.PayoffRatio > 0) {
		return SizeResult{}, fmt.Errorf("risk: size position: payoff ratio must be > 0: %w", domain.ErrInvalidInput)
	}
	if !(req.Volatility >= 0) {
		return SizeResult{}, fmt.Errorf("risk: size position: volatility must be >= 0: %w", domain.ErrInvalidInput)
	}

	res := SizeResult{KellyFraction: KellyFraction(req.WinProbability, req.PayoffRatio)}
	f := clamp(res.KellyFraction, e.cfg.MinFraction, e.cfg.MaxPositionFraction)

	relVolPct := req.Volatility / req.Price * 100
	if e.cfg.BaselineVolatilityPct > 0 && relVolPct > e.cfg.BaselineVolatilityPct {
		f *= e.cfg.BaselineVolatilityPct / relVolPct
		res.CappedBy = "volatility"
	}

	if m := req.SizeMultiplier; m > 0 && m < 1 {
		f *= m
		res.CappedBy = "breaker"
	}

	notional := f * req.Equity
	if e.cfg.MaxExposureFraction > 0 {
		budget := math.Max(0, req.Equity*e.cfg.MaxExposureFraction-req.OpenExposure)
		if notional > budget {
			notional = budget
			res.CappedBy = "exposure"
		}
	}

	q := notional / req.Price
	if !finite(q) {
		return SizeResult{}, fmt.Errorf("risk: size position: quantity %g for equity %g at price %g: %w", q, req.Equity, req.Price, domain.ErrInvalidInput)
	}
	res.Quantity = roundDown(q, e.cfg.LotStep)
	res.Notional = res.Quantity * req.Price
	res.Fraction = res.Notional / req.Equity
	return res, nil
}

// Stops holds initial protective levels.
type Stops struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Distance   float64 `json:"distance"`
}

// ComputeInitialStops places the stop at ATR × multiplier from entry and the
// target at MinRewardRiskRatio times that distance on the other side.
func (e *Engine) ComputeInitialStops(entry float64, side domain.Side, atr float64) (Stops, error) {
	if !(entry > 0) || !(atr > 0) || !finite(entry) || !finite(atr) {
		return Stops{}, fmt.Errorf("risk: initial stops: entry and volatility must be finite and > 0: %w", domain.ErrInvalidInput)
	}
	if !side.Valid() {
		return Stops{}, fmt.Errorf("risk: initial stops: side %q: %w", side, domain.ErrInvalidInput)
	}

	d := atr * e.cfg.ATRMultiplier
	reward := d * e.cfg.MinRewardRiskRatio
	if !finite(entry+reward) || !finite(entry-reward) || !finite(entry+d) {
		return Stops{}, fmt.Errorf("risk: initial stops: distance %g out of range: %w", d, domain.ErrInvalidInput)
	}

	var s Stops
	if side == domain.SideLong {
		s.StopLoss = roundAway(entry-d, entry, e.cfg.PriceTick)
		s.TakeProfit = roundAway(entry+reward, entry, e.cfg.PriceTick)
	} else {
		s.StopLoss = roundAway(entry+d, entry, e.cfg.PriceTick)
		s.TakeProfit = roundAway(entry-reward, entry, e.cfg.PriceTick)
	}
	s.Distance = math.Abs(entry - s.StopLoss)

	if s.StopLoss <= 0 || s.TakeProfit <= 0 {
		return Stops{}, fmt.Errorf("risk: initial stops: distance %g exceeds entry %g: %w", d, entry, domain.ErrInvalidLevels)
	}
	return s, nil
}

// RewardRisk returns |tp - entry| / |entry - sl|, 0 when the stop sits at entry.
func RewardRisk(entry, stopLoss, takeProfit float64) float64 {
	r := math.Abs(entry - stopLoss)
	if r == 0 {
		return 0
	}
	return math.Abs(takeProfit-entry) / r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// roundDown truncates v to a multiple of step.
func roundDown(v, step float64) float64 {
	if !(v > 0) {
		return 0
	}
	if step <= 0 || !finite(v) {
		return v
	}
	s := decimal.NewFromFloat(step)
	q := decimal.NewFromFloat(v).Div(s).Floor().Mul(s)
	f, _ := q.Float64()
	return f
}

// roundAway rounds level to the tick grid, moving away from ref so that the
// distance to entry never shrinks.
func roundAway(level, ref, tick float64) float64 {
	if tick <= 0 || !finite(level) {
		return level
	}
	t := decimal.NewFromFloat(tick)
	steps := decimal.NewFromFloat(level).Div(t)
	if level < ref {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	f, _ := steps.Mul(t).Float64()
	return f
}
