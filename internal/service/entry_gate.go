package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/risk"
)

// EntryBreaker gates new entries. The circuit breaker implements it.
type EntryBreaker interface {
	Allow(ctx context.Context) (float64, error)
}

// EntryGateConfig holds the limits applied before sizing.
type EntryGateConfig struct {
	MaxOpenPositions int
}

// EntryRequest is an entry signal from the strategy engine.
type EntryRequest struct {
	Instrument     string      `json:"instrument"`
	Side           domain.Side `json:"side"`
	Price          float64     `json:"price"`
	Equity         float64     `json:"equity"`
	WinProbability float64     `json:"win_probability"`
	PayoffRatio    float64     `json:"payoff_ratio"`
	Volatility     float64     `json:"volatility"`
}

// EntryPlan is the sized and protected entry the strategy engine may submit.
type EntryPlan struct {
	Instrument     string          `json:"instrument"`
	Side           domain.Side     `json:"side"`
	EntryPrice     float64         `json:"entry_price"`
	Quantity       float64         `json:"quantity"`
	Notional       float64         `json:"notional"`
	TakeProfit     float64         `json:"take_profit"`
	StopLoss       float64         `json:"stop_loss"`
	RewardRisk     float64         `json:"reward_risk"`
	SizeMultiplier float64         `json:"size_multiplier"`
	Sizing         risk.SizeResult `json:"sizing"`
}

// EntryGate is the pre-trade check for new entries. It is the only consumer
// of the circuit breaker.
type EntryGate struct {
	breaker EntryBreaker
	engine  *risk.Engine
	book    *PositionBook
	cfg     EntryGateConfig
	logger  *slog.Logger
}

// NewEntryGate creates an EntryGate.
func NewEntryGate(breaker EntryBreaker, engine *risk.Engine, book *PositionBook, cfg EntryGateConfig, logger *slog.Logger) *EntryGate {
	return &EntryGate{
		breaker: breaker,
		engine:  engine,
		book:    book,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "entry_gate")),
	}
}

// Plan validates req against the breaker and the open-position limits, then
// sizes it and computes its initial stops. It returns
// domain.ErrBreakerTripped while the breaker is in cooldown.
//
// Checks performed:
//  1. Circuit breaker state
//  2. Maximum number of open positions
//  3. Kelly sizing against the exposure budget
//  4. Initial stops and reward/risk
func (g *EntryGate) Plan(ctx context.Context, req EntryRequest) (EntryPlan, error) {
	if req.Instrument == "" || !req.Side.Valid() {
		return EntryPlan{}, fmt.Errorf("entry_gate: instrument and side required: %w", domain.ErrInvalidInput)
	}

	// Check 1: breaker.
	mult, err := g.breaker.Allow(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "entry rejected by circuit breaker",
			slog.String("instrument", req.Instrument),
			slog.String("error", err.Error()),
		)
		return EntryPlan{}, fmt.Errorf("entry_gate: %w", err)
	}

	// Check 2: open positions.
	if n := g.book.Len(); g.cfg.MaxOpenPositions > 0 && n >= g.cfg.MaxOpenPositions {
		g.logger.WarnContext(ctx, "max open positions reached",
			slog.String("instrument", req.Instrument),
			slog.Int("open", n),
			slog.Int("max", g.cfg.MaxOpenPositions),
		)
		return EntryPlan{}, fmt.Errorf("entry_gate: max open positions reached (%d/%d): %w", n, g.cfg.MaxOpenPositions, domain.ErrInvalidInput)
	}

	// Check 3: size.
	size, err := g.engine.SizePosition(risk.SizeRequest{
		Equity:         req.Equity,
		WinProbability: req.WinProbability,
		PayoffRatio:    req.PayoffRatio,
		Volatility:     req.Volatility,
		Price:          req.Price,
		OpenExposure:   g.book.OpenExposure(),
		SizeMultiplier: mult,
	})
	if err != nil {
		return EntryPlan{}, fmt.Errorf("entry_gate: %w", err)
	}
	if size.Quantity <= 0 {
		return EntryPlan{}, fmt.Errorf("entry_gate: no edge or exposure budget left (capped by %q): %w", size.CappedBy, domain.ErrInvalidInput)
	}

	// Check 4: stops.
	stops, err := g.engine.ComputeInitialStops(req.Price, req.Side, req.Volatility)
	if err != nil {
		return EntryPlan{}, fmt.Errorf("entry_gate: %w", err)
	}

	plan := EntryPlan{
		Instrument:     req.Instrument,
		Side:           req.Side,
		EntryPrice:     req.Price,
		Quantity:       size.Quantity,
		Notional:       size.Notional,
		TakeProfit:     stops.TakeProfit,
		StopLoss:       stops.StopLoss,
		RewardRisk:     risk.RewardRisk(req.Price, stops.StopLoss, stops.TakeProfit),
		SizeMultiplier: mult,
		Sizing:         size,
	}
	g.logger.InfoContext(ctx, "entry planned",
		slog.String("instrument", plan.Instrument),
		slog.String("side", string(plan.Side)),
		slog.Float64("quantity", plan.Quantity),
		slog.Float64("take_profit", plan.TakeProfit),
		slog.Float64("stop_loss", plan.StopLoss),
		slog.Float64("size_multiplier", mult),
	)
	return plan, nil
}
