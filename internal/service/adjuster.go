package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/executor"
	"github.com/alanyoungcy/riskguard/internal/metrics"
)

// AdjusterConfig holds the thresholds of the PositionAdjuster. All *Pct
// values are percentages of price, e.g. 5 means 5%.
type AdjusterConfig struct {
	Interval      time.Duration
	ShutdownGrace time.Duration
	Workers       int

	RiskThresholdPct       float64
	TrailingActivationPct  float64
	TrailingDistancePct    float64
	TrailingTPOffsetPct    float64
	ScalingThresholdPct    float64
	ScalingExtensionPct    float64
	ProtectionThresholdPct float64
	ProtectionLockPct      float64
	DeescalationStopPct    float64
	DeescalationTargetPct  float64
	MinChangePct           float64

	MaxAdjustments int
	HistorySize    int
}

// DefaultAdjusterConfig returns the default thresholds.
func DefaultAdjusterConfig() AdjusterConfig {
	return AdjusterConfig{
		Interval:               10 * time.Second,
		ShutdownGrace:          10 * time.Second,
		Workers:                4,
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
		MaxAdjustments:         5,
		HistorySize:            500,
	}
}

// Validate checks that the trigger bands are ordered and non-overlapping.
func (c AdjusterConfig) Validate() error {
	var errs []error
	if c.RiskThresholdPct >= 0 {
		errs = append(errs, fmt.Errorf("risk_threshold_pct must be negative, got %g", c.RiskThresholdPct))
	}
	if !(c.ProtectionThresholdPct > 0 && c.ProtectionThresholdPct < c.ScalingThresholdPct && c.ScalingThresholdPct < c.TrailingActivationPct) {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < protection (%g) < scaling (%g) < trailing activation (%g)",
			c.ProtectionThresholdPct, c.ScalingThresholdPct, c.TrailingActivationPct))
	}
	if c.ProtectionLockPct < 0 || c.ProtectionLockPct >= c.ProtectionThresholdPct {
		errs = append(errs, fmt.Errorf("protection_lock_pct must be in [0, protection_threshold_pct), got %g", c.ProtectionLockPct))
	}
	if c.TrailingDistancePct <= 0 || c.TrailingDistancePct >= 100 {
		errs = append(errs, fmt.Errorf("trailing_distance_pct must be in (0, 100), got %g", c.TrailingDistancePct))
	} else if (1+c.TrailingActivationPct/100)*(1-c.TrailingDistancePct/100) <= 1 {
		// The first trailing stop must already sit above break-even.
		errs = append(errs, fmt.Errorf("trailing_distance_pct %g too wide for trailing_activation_pct %g",
			c.TrailingDistancePct, c.TrailingActivationPct))
	}
	if c.TrailingTPOffsetPct <= 0 || c.ScalingExtensionPct <= 0 {
		errs = append(errs, errors.New("trailing_tp_offset_pct and scaling_extension_pct must be positive"))
	}
	if c.DeescalationStopPct <= 0 || c.DeescalationStopPct >= 100 || c.DeescalationTargetPct < 0 {
		errs = append(errs, errors.New("deescalation_stop_pct must be in (0, 100) and deescalation_target_pct non-negative"))
	}
	if c.MinChangePct < 0 {
		errs = append(errs, fmt.Errorf("min_change_pct must be non-negative, got %g", c.MinChangePct))
	}
	if c.MaxAdjustments < 0 {
		errs = append(errs, fmt.Errorf("max_adjustments must be non-negative, got %d", c.MaxAdjustments))
	}
	if len(errs) > 0 {
		return fmt.Errorf("adjuster: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// AdjustmentPlan is the outcome of evaluating the triggers for one position.
type AdjustmentPlan struct {
	Reason       domain.AdjustmentReason
	TakeProfit   float64
	StopLoss     float64
	TrailingStop *float64
	Price        float64
	PnLPct       float64
}

// PlanAdjustment evaluates the level triggers for p at price, first match
// wins. It returns false when no trigger fires, when the move is below
// MinChangePct, or when the new levels would not bracket price. It does not
// consider the adjustment cap or the protection state.
func PlanAdjustment(cfg AdjusterConfig, p domain.Position, price float64) (AdjustmentPlan, bool) {
	if price <= 0 || p.EntryPrice <= 0 {
		return AdjustmentPlan{}, false
	}
	pnl := p.PnLPctAt(price)
	plan := AdjustmentPlan{
		TakeProfit:   p.TakeProfit,
		StopLoss:     p.StopLoss,
		TrailingStop: p.TrailingStop,
		Price:        price,
		PnLPct:       pnl,
	}
	long := p.Side != domain.SideShort
	// towardProfit moves v by pct in the profitable direction.
	towardProfit := func(v, pct float64) float64 {
		if long {
			return v * (1 + pct/100)
		}
		return v * (1 - pct/100)
	}
	towardLoss := func(v, pct float64) float64 {
		if long {
			return v * (1 - pct/100)
		}
		return v * (1 + pct/100)
	}
	// tighter returns whichever stop is closer to profit.
	tighter := func(a, b float64) float64 {
		if long {
			return math.Max(a, b)
		}
		return math.Min(a, b)
	}
	// further returns whichever target is further into profit.
	further := tighter
	nearer := func(a, b float64) float64 {
		if long {
			return math.Min(a, b)
		}
		return math.Max(a, b)
	}

	switch {
	case pnl <= cfg.RiskThresholdPct:
		plan.Reason = domain.ReasonRiskDeescalation
		plan.StopLoss = tighter(p.StopLoss, towardLoss(price, cfg.DeescalationStopPct))
		plan.TakeProfit = nearer(p.TakeProfit, towardProfit(p.EntryPrice, cfg.DeescalationTargetPct))
	case pnl >= cfg.TrailingActivationPct:
		plan.Reason = domain.ReasonTrailingStop
		trail := towardLoss(price, cfg.TrailingDistancePct)
		if p.TrailingStop != nil && *p.TrailingStop > 0 {
			trail = tighter(*p.TrailingStop, trail)
		}
		plan.TrailingStop = domain.Float(trail)
		plan.StopLoss = tighter(p.StopLoss, trail)
		plan.TakeProfit = further(p.TakeProfit, towardProfit(price, cfg.TrailingTPOffsetPct))
	case pnl >= cfg.ScalingThresholdPct:
		plan.Reason = domain.ReasonProfitScaling
		plan.TakeProfit = further(p.TakeProfit, towardProfit(price, cfg.ScalingExtensionPct))
	case pnl >= cfg.ProtectionThresholdPct:
		plan.Reason = domain.ReasonProfitProtection
		plan.StopLoss = tighter(p.StopLoss, towardProfit(p.EntryPrice, cfg.ProtectionLockPct))
	default:
		return AdjustmentPlan{}, false
	}

	if changePct(p.TakeProfit, plan.TakeProfit) < cfg.MinChangePct &&
		changePct(p.StopLoss, plan.StopLoss) < cfg.MinChangePct {
		return AdjustmentPlan{}, false
	}
	if !brackets(p.Side, plan.TakeProfit, plan.StopLoss, price) {
		return AdjustmentPlan{}, false
	}
	return plan, true
}

func changePct(old, next float64) float64 {
	if old == 0 {
		if next == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(next-old) / math.Abs(old) * 100
}

// brackets reports whether tp and sl sit on the correct sides of price.
func brackets(side domain.Side, tp, sl, price float64) bool {
	if side == domain.SideShort {
		return tp < price && price < sl
	}
	return sl < price && price < tp
}

// AdjusterStatus is the status surface of the adjuster.
type AdjusterStatus struct {
	Running  bool                   `json:"running"`
	Detached int                    `json:"detached"`
	Stats    domain.AdjustmentStats `json:"stats"`
	Health   LoopHealth             `json:"health"`
}

// AdjusterDeps groups the optional collaborators of the adjuster.
type AdjusterDeps struct {
	Records domain.AdjustmentStore
	Bus     domain.SignalBus
	Alerts  Alerter
}

// PositionAdjuster recalculates and reissues protective order levels for
// open positions.
type PositionAdjuster struct {
	book    *PositionBook
	prices  *PriceResolver
	gateway domain.ExecutionGateway
	records domain.AdjustmentStore
	bus     domain.SignalBus
	alerts  Alerter
	history *AdjustmentLog
	cfg     AdjusterConfig
	logger  *slog.Logger
	loop    *loop
	now     func() time.Time
}

// NewPositionAdjuster creates a PositionAdjuster. cfg must already be valid.
func NewPositionAdjuster(book *PositionBook, prices *PriceResolver, gateway domain.ExecutionGateway, deps AdjusterDeps, cfg AdjusterConfig, logger *slog.Logger) *PositionAdjuster {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	a := &PositionAdjuster{
		book:    book,
		prices:  prices,
		gateway: gateway,
		records: deps.Records,
		bus:     deps.Bus,
		alerts:  deps.Alerts,
		history: NewAdjustmentLog(cfg.HistorySize),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "position_adjuster")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	a.loop = newLoop("position adjuster", cfg.Interval, cfg.ShutdownGrace, a.RunCycle, a.logger)
	return a
}

// Run blocks until ctx is cancelled or Stop is called.
func (a *PositionAdjuster) Run(ctx context.Context) error {
	return a.loop.run(ctx)
}

// Stop signals the loop to exit after the current cycle.
func (a *PositionAdjuster) Stop() { a.loop.stop() }

// RegisterCleanup adds a hook run once the loop has stopped.
func (a *PositionAdjuster) RegisterCleanup(fn func()) { a.loop.registerCleanup(fn) }

// Stats summarizes the rolling window of adjustment attempts.
func (a *PositionAdjuster) Stats() domain.AdjustmentStats {
	return a.history.Stats()
}

// Recent returns up to limit in-memory records, newest first.
func (a *PositionAdjuster) Recent(limit int) []domain.AdjustmentRecord {
	return a.history.Recent(limit)
}

// Status reports the running flag, rolling stats and loop health.
func (a *PositionAdjuster) Status() AdjusterStatus {
	detached := 0
	for _, p := range a.book.Snapshot() {
		if p.Detached() {
			detached++
		}
	}
	return AdjusterStatus{
		Running:  a.loop.running.Load(),
		Detached: detached,
		Stats:    a.history.Stats(),
		Health:   a.loop.snapshot(),
	}
}

// RunCycle evaluates every open position once.
func (a *PositionAdjuster) RunCycle(ctx context.Context) error {
	positions := a.book.Snapshot()
	_ = executor.ForEach(ctx, a.cfg.Workers, positions, func(ctx context.Context, p domain.Position) error {
		if p.Status != domain.PositionOpen {
			return nil
		}
		a.check(ctx, p)
		return nil
	})

	detached := 0
	for _, p := range a.book.Snapshot() {
		if p.Detached() {
			detached++
		}
	}
	metrics.DetachedPositions.Set(float64(detached))
	return ctx.Err()
}

func (a *PositionAdjuster) check(ctx context.Context, snap domain.Position) {
	price, err := a.prices.Resolve(ctx, snap.Instrument)
	if err != nil {
		a.logger.WarnContext(ctx, "price unavailable, skipping position this cycle",
			slog.String("position_id", snap.ID),
			slog.String("action", "resolve_price"),
			slog.String("error", err.Error()),
		)
		return
	}

	err = a.book.With(ctx, snap.ID, func(ctx context.Context, tx *Tx) error {
		p := tx.Position()
		if p.Status != domain.PositionOpen {
			return nil
		}
		if p.Detached() {
			return a.recoverLocked(ctx, tx, price)
		}
		if !p.CanAdjust() {
			return nil
		}
		// An exit already due belongs to the monitor.
		if _, hit := ExitTrigger(p, price); hit {
			return nil
		}
		plan, ok := PlanAdjustment(a.cfg, p, price)
		if !ok {
			return nil
		}
		return a.applyLocked(ctx, tx, plan)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		a.logger.ErrorContext(ctx, "adjustment failed",
			slog.String("position_id", snap.ID),
			slog.String("action", "adjust"),
			slog.String("error", err.Error()),
		)
	}
}

// Apply runs plan against position id immediately, outside the loop.
func (a *PositionAdjuster) Apply(ctx context.Context, id string, plan AdjustmentPlan) error {
	return a.book.With(ctx, id, func(ctx context.Context, tx *Tx) error {
		p := tx.Position()
		if p.Status != domain.PositionOpen {
			return domain.ErrPositionClosed
		}
		if p.Detached() {
			return a.recoverLocked(ctx, tx, plan.Price)
		}
		if !p.CanAdjust() {
			return fmt.Errorf("adjuster: %s: adjustment cap %d reached", id, p.MaxAdjustments)
		}
		return a.applyLocked(ctx, tx, plan)
	})
}

// applyLocked cancels the live protective pair and places the planned one.
// The position is marked ORDERS_DETACHED between the two calls so a failed
// place is recovered on a later cycle.
func (a *PositionAdjuster) applyLocked(ctx context.Context, tx *Tx, plan AdjustmentPlan) error {
	p := tx.Position()
	if !brackets(p.Side, plan.TakeProfit, plan.StopLoss, plan.Price) {
		return fmt.Errorf("adjuster: %s: tp %g sl %g at %g: %w", p.ID, plan.TakeProfit, plan.StopLoss, plan.Price, domain.ErrInvalidLevels)
	}
	rec := a.record(p, plan.Reason, plan.TakeProfit, plan.StopLoss, plan.Price, plan.PnLPct)

	rec.Phase = domain.PhaseCancel
	if err := a.gateway.CancelProtectiveOrders(ctx, p.ID); err != nil {
		a.emit(ctx, rec, err)
		return fmt.Errorf("cancel protective orders: %w", err)
	}

	detached := domain.ProtectionDetached
	if err := tx.Commit(ctx, domain.PositionUpdate{
		Protection:        &detached,
		PendingTakeProfit: domain.Float(plan.TakeProfit),
		PendingStopLoss:   domain.Float(plan.StopLoss),
	}); err != nil {
		a.logger.WarnContext(ctx, "persist detached state failed",
			slog.String("position_id", p.ID),
			slog.String("action", "mark_detached"),
			slog.String("error", err.Error()),
		)
	}

	rec.Phase = domain.PhasePlace
	if err := a.gateway.PlaceProtectiveOrders(ctx, p.ID, plan.TakeProfit, plan.StopLoss); err != nil {
		a.emit(ctx, rec, err)
		a.alert(ctx, EventOrdersDetached, "Protective orders detached",
			fmt.Sprintf("%s %s: cancelled but not replaced (%s): %v", p.Instrument, p.ID, plan.Reason, err))
		return fmt.Errorf("place protective orders: %w", err)
	}

	attached := domain.ProtectionAttached
	count := p.AdjustmentCount + 1
	u := domain.PositionUpdate{
		TakeProfit:      domain.Float(plan.TakeProfit),
		StopLoss:        domain.Float(plan.StopLoss),
		AdjustmentCount: &count,
		Protection:      &attached,
		ClearPending:    true,
	}
	if plan.TrailingStop != nil {
		u.TrailingStop = domain.Float(*plan.TrailingStop)
	}
	if err := tx.Commit(ctx, u); err != nil {
		a.logger.WarnContext(ctx, "persist adjusted levels failed",
			slog.String("position_id", p.ID),
			slog.String("action", "commit_levels"),
			slog.String("error", err.Error()),
		)
	}

	rec.Phase = domain.PhaseDone
	a.emit(ctx, rec, nil)
	a.logger.InfoContext(ctx, "protective levels adjusted",
		slog.String("position_id", p.ID),
		slog.String("reason", string(plan.Reason)),
		slog.Float64("price", plan.Price),
		slog.Float64("pnl_pct", plan.PnLPct),
		slog.Float64("old_tp", p.TakeProfit),
		slog.Float64("new_tp", plan.TakeProfit),
		slog.Float64("old_sl", p.StopLoss),
		slog.Float64("new_sl", plan.StopLoss),
		slog.Int("adjustment_count", count),
	)
	return nil
}

// recoverLocked re-places protective orders for a detached position. The
// pending levels are preferred; the last committed levels are the fallback.
func (a *PositionAdjuster) recoverLocked(ctx context.Context, tx *Tx, price float64) error {
	p := tx.Position()
	pending := p.PendingTakeProfit != nil && p.PendingStopLoss != nil

	var tp, sl float64
	switch {
	case pending && brackets(p.Side, *p.PendingTakeProfit, *p.PendingStopLoss, price):
		tp, sl = *p.PendingTakeProfit, *p.PendingStopLoss
	case brackets(p.Side, p.TakeProfit, p.StopLoss, price):
		tp, sl = p.TakeProfit, p.StopLoss
	default:
		a.logger.WarnContext(ctx, "no valid levels to restore protective orders",
			slog.String("position_id", p.ID),
			slog.String("action", "recover"),
			slog.Float64("price", price),
			slog.Float64("take_profit", p.TakeProfit),
			slog.Float64("stop_loss", p.StopLoss),
		)
		return nil
	}

	rec := a.record(p, domain.ReasonOrderRecovery, tp, sl, price, p.PnLPctAt(price))
	rec.Phase = domain.PhasePlace
	if err := a.gateway.PlaceProtectiveOrders(ctx, p.ID, tp, sl); err != nil {
		a.emit(ctx, rec, err)
		return fmt.Errorf("recover protective orders: %w", err)
	}

	attached := domain.ProtectionAttached
	u := domain.PositionUpdate{
		TakeProfit:   domain.Float(tp),
		StopLoss:     domain.Float(sl),
		Protection:   &attached,
		ClearPending: true,
	}
	// The interrupted adjustment now counts, unless the cap already holds.
	if pending && p.AdjustmentCount < p.MaxAdjustments {
		count := p.AdjustmentCount + 1
		u.AdjustmentCount = &count
	}
	if err := tx.Commit(ctx, u); err != nil {
		a.logger.WarnContext(ctx, "persist recovered levels failed",
			slog.String("position_id", p.ID),
			slog.String("action", "commit_recovery"),
			slog.String("error", err.Error()),
		)
	}

	rec.Phase = domain.PhaseDone
	a.emit(ctx, rec, nil)
	a.alert(ctx, EventOrdersRestored, "Protective orders restored",
		fmt.Sprintf("%s %s: tp %.6g sl %.6g", p.Instrument, p.ID, tp, sl))
	return nil
}

func (a *PositionAdjuster) record(p domain.Position, reason domain.AdjustmentReason, tp, sl, price, pnlPct float64) domain.AdjustmentRecord {
	return domain.AdjustmentRecord{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		Instrument: p.Instrument,
		Reason:     reason,
		OldTP:      p.TakeProfit,
		NewTP:      tp,
		OldSL:      p.StopLoss,
		NewSL:      sl,
		Price:      price,
		PnLPct:     pnlPct,
		Timestamp:  a.now(),
	}
}

// emit finalizes rec with the outcome of the attempt and fans it out to the
// rolling window, the store and the stream.
func (a *PositionAdjuster) emit(ctx context.Context, rec domain.AdjustmentRecord, err error) {
	result := "success"
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
		result = "failure"
	}
	metrics.Adjustments.WithLabelValues(string(rec.Reason), result).Inc()
	a.history.Add(rec)

	if a.records != nil {
		if serr := a.records.Append(ctx, rec); serr != nil {
			a.logger.WarnContext(ctx, "store adjustment record failed",
				slog.String("position_id", rec.PositionID),
				slog.String("action", "append_record"),
				slog.String("error", serr.Error()),
			)
		}
	}
	if a.bus != nil {
		payload, _ := json.Marshal(rec)
		if berr := a.bus.StreamAppend(ctx, domain.StreamAdjustments, payload); berr != nil {
			a.logger.WarnContext(ctx, "stream adjustment record failed",
				slog.String("position_id", rec.PositionID),
				slog.String("action", "stream_record"),
				slog.String("error", berr.Error()),
			)
		}
	}
}

func (a *PositionAdjuster) alert(ctx context.Context, event, title, msg string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Notify(ctx, event, title, msg); err != nil {
		a.logger.WarnContext(ctx, "notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
