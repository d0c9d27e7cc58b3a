package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/executor"
	"github.com/alanyoungcy/riskguard/internal/metrics"
)

// OutcomeRecorder receives the realized PnL of every close. The circuit
// breaker implements it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, pnl float64) domain.BreakerState
}

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types.
const (
	EventPositionClosed = "position_closed"
	EventCloseFailed    = "close_failed"
	EventOrdersDetached = "orders_detached"
	EventOrdersRestored = "orders_restored"
	EventBreakerTripped = "breaker_tripped"
	EventBreakerArmed   = "breaker_armed"
)

// MonitorConfig tunes the PositionMonitor.
type MonitorConfig struct {
	Interval      time.Duration
	ShutdownGrace time.Duration
	Workers       int
}

// MonitorStats are the monitor counters, guarded by their own lock.
type MonitorStats struct {
	Cycles           int64     `json:"cycles"`
	PositionsChecked int64     `json:"positions_checked"`
	TakeProfitHits   int64     `json:"take_profit_hits"`
	StopLossHits     int64     `json:"stop_loss_hits"`
	TrailingStopHits int64     `json:"trailing_stop_hits"`
	ManualCloses     int64     `json:"manual_closes"`
	Closed           int64     `json:"closed"`
	CloseFailures    int64     `json:"close_failures"`
	PriceErrors      int64     `json:"price_errors"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
}

// MonitorStatus is the status surface of the monitor.
type MonitorStatus struct {
	Running       bool         `json:"running"`
	OpenPositions int          `json:"open_positions"`
	Stats         MonitorStats `json:"stats"`
	Cache         CacheStats   `json:"cache"`
	Health        LoopHealth   `json:"health"`
}

// PositionMonitor polls open positions and closes those whose take-profit,
// trailing stop or stop-loss has been crossed.
type PositionMonitor struct {
	book     *PositionBook
	prices   *PriceResolver
	gateway  domain.ExecutionGateway
	outcomes OutcomeRecorder
	bus      domain.SignalBus
	audit    domain.AuditStore
	alerts   Alerter
	cfg      MonitorConfig
	logger   *slog.Logger
	loop     *loop

	statsMu sync.Mutex
	stats   MonitorStats
}

// MonitorDeps groups the optional collaborators of the monitor.
type MonitorDeps struct {
	Outcomes OutcomeRecorder
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Alerts   Alerter
}

// NewPositionMonitor creates a PositionMonitor. gateway should already be
// bounded by a worker pool and retries.
func NewPositionMonitor(book *PositionBook, prices *PriceResolver, gateway domain.ExecutionGateway, deps MonitorDeps, cfg MonitorConfig, logger *slog.Logger) *PositionMonitor {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	m := &PositionMonitor{
		book:     book,
		prices:   prices,
		gateway:  gateway,
		outcomes: deps.Outcomes,
		bus:      deps.Bus,
		audit:    deps.Audit,
		alerts:   deps.Alerts,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "position_monitor")),
	}
	m.loop = newLoop("position monitor", cfg.Interval, cfg.ShutdownGrace, m.RunCycle, m.logger)
	return m
}

// Run blocks until ctx is cancelled or Stop is called.
func (m *PositionMonitor) Run(ctx context.Context) error {
	return m.loop.run(ctx)
}

// Stop signals the loop to exit after the current cycle.
func (m *PositionMonitor) Stop() { m.loop.stop() }

// RegisterCleanup adds a hook run once the loop has stopped, in reverse
// registration order.
func (m *PositionMonitor) RegisterCleanup(fn func()) { m.loop.registerCleanup(fn) }

// Status reports the running flag, counters, cache stats and loop health.
func (m *PositionMonitor) Status() MonitorStatus {
	return MonitorStatus{
		Running:       m.loop.running.Load(),
		OpenPositions: m.book.Len(),
		Stats:         m.Stats(),
		Cache:         m.prices.Stats(),
		Health:        m.loop.snapshot(),
	}
}

// Stats returns a copy of the counters.
func (m *PositionMonitor) Stats() MonitorStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *PositionMonitor) count(fn func(*MonitorStats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}

// RunCycle performs one pass over every guarded position.
func (m *PositionMonitor) RunCycle(ctx context.Context) error {
	start := time.Now()
	if err := m.book.Refresh(ctx); err != nil {
		// Keep protecting what is already loaded.
		m.logger.WarnContext(ctx, "refresh positions failed", slog.String("error", err.Error()))
	}
	m.book.FlushDirty(ctx)

	positions := m.book.Snapshot()
	_ = executor.ForEach(ctx, m.cfg.Workers, positions, func(ctx context.Context, p domain.Position) error {
		m.check(ctx, p)
		return nil
	})

	m.count(func(s *MonitorStats) {
		s.Cycles++
		s.PositionsChecked += int64(len(positions))
		s.LastCycleAt = start.UTC()
	})
	metrics.MonitorCycles.Inc()
	metrics.MonitorCycleSeconds.Observe(time.Since(start).Seconds())
	return ctx.Err()
}

// ExitTrigger evaluates the hard exit conditions against price. The order is
// take-profit, trailing stop, stop-loss. Levels <= 0 are treated as unset.
func ExitTrigger(p domain.Position, price float64) (domain.ExitReason, bool) {
	if p.Side == domain.SideShort {
		switch {
		case p.TakeProfit > 0 && price <= p.TakeProfit:
			return domain.ExitTakeProfit, true
		case p.TrailingStop != nil && *p.TrailingStop > 0 && price >= *p.TrailingStop:
			return domain.ExitTrailingStop, true
		case p.StopLoss > 0 && price >= p.StopLoss:
			return domain.ExitStopLoss, true
		}
		return "", false
	}
	switch {
	case p.TakeProfit > 0 && price >= p.TakeProfit:
		return domain.ExitTakeProfit, true
	case p.TrailingStop != nil && *p.TrailingStop > 0 && price <= *p.TrailingStop:
		return domain.ExitTrailingStop, true
	case p.StopLoss > 0 && price <= p.StopLoss:
		return domain.ExitStopLoss, true
	}
	return "", false
}

func (m *PositionMonitor) check(ctx context.Context, snap domain.Position) {
	if snap.Status == domain.PositionClosing {
		m.withPosition(ctx, snap.ID, "finalize", func(ctx context.Context, tx *Tx) error {
			return m.finalize(ctx, tx)
		})
		return
	}

	// Resolve outside the position lock; the lock never spans a price fetch.
	price, err := m.prices.Resolve(ctx, snap.Instrument)
	if err != nil {
		m.count(func(s *MonitorStats) { s.PriceErrors++ })
		m.logger.WarnContext(ctx, "price unavailable, skipping position this cycle",
			slog.String("position_id", snap.ID),
			slog.String("instrument", snap.Instrument),
			slog.String("action", "resolve_price"),
			slog.String("error", err.Error()),
		)
		return
	}

	m.withPosition(ctx, snap.ID, "evaluate_exit", func(ctx context.Context, tx *Tx) error {
		p := tx.Position()
		switch p.Status {
		case domain.PositionClosing:
			return m.finalize(ctx, tx)
		case domain.PositionOpen:
		default:
			return nil
		}

		reason, hit := ExitTrigger(p, price)
		if !hit {
			pnl := p.PnLAt(price)
			return tx.Commit(ctx, domain.PositionUpdate{CurrentPrice: &price, UnrealizedPnL: &pnl})
		}
		return m.closeLocked(ctx, tx, price, reason)
	})
}

// CloseNow closes position id at the current price regardless of its levels.
// It is the manual override path.
func (m *PositionMonitor) CloseNow(ctx context.Context, id string) error {
	snap, ok := m.book.Get(id)
	if !ok {
		return fmt.Errorf("position_monitor: close %s: %w", id, domain.ErrNotFound)
	}
	price, err := m.prices.Resolve(ctx, snap.Instrument)
	if err != nil {
		return fmt.Errorf("position_monitor: close %s: %w", id, err)
	}
	return m.book.With(ctx, id, func(ctx context.Context, tx *Tx) error {
		p := tx.Position()
		switch p.Status {
		case domain.PositionOpen:
			return m.closeLocked(ctx, tx, price, domain.ExitManual)
		case domain.PositionClosing:
			return m.finalize(ctx, tx)
		}
		return domain.ErrPositionClosed
	})
}

// closeLocked sends the close request. The gateway ack moves the position to
// CLOSING; exhausted retries leave it OPEN for the next cycle.
func (m *PositionMonitor) closeLocked(ctx context.Context, tx *Tx, price float64, reason domain.ExitReason) error {
	p := tx.Position()
	m.count(func(s *MonitorStats) {
		switch reason {
		case domain.ExitTakeProfit:
			s.TakeProfitHits++
		case domain.ExitStopLoss:
			s.StopLossHits++
		case domain.ExitTrailingStop:
			s.TrailingStopHits++
		case domain.ExitManual:
			s.ManualCloses++
		}
	})
	metrics.ExitTriggers.WithLabelValues(string(reason)).Inc()

	m.logger.InfoContext(ctx, "exit triggered",
		slog.String("position_id", p.ID),
		slog.String("instrument", p.Instrument),
		slog.String("reason", string(reason)),
		slog.Float64("price", price),
		slog.Float64("take_profit", p.TakeProfit),
		slog.Float64("stop_loss", p.StopLoss),
	)

	if err := m.gateway.ClosePosition(ctx, p.ID, price); err != nil {
		m.count(func(s *MonitorStats) { s.CloseFailures++ })
		m.alert(ctx, EventCloseFailed, "Close failed",
			fmt.Sprintf("%s %s: %s at %.6g not closed: %v", p.Instrument, p.ID, reason, price, err))
		return fmt.Errorf("close request: %w", err)
	}

	closing := domain.PositionClosing
	pnl := p.PnLAt(price)
	if err := tx.Commit(ctx, domain.PositionUpdate{
		Status:        &closing,
		CurrentPrice:  &price,
		UnrealizedPnL: &pnl,
		ExitPrice:     &price,
		ExitReason:    &reason,
	}); err != nil {
		// Local state is CLOSING either way; finalize still proceeds.
		m.logger.WarnContext(ctx, "persist closing state failed",
			slog.String("position_id", p.ID),
			slog.String("action", "mark_closing"),
			slog.String("error", err.Error()),
		)
	}
	return m.finalize(ctx, tx)
}

// finalize moves a CLOSING position to CLOSED in the store, without sending
// a second close request.
func (m *PositionMonitor) finalize(ctx context.Context, tx *Tx) error {
	p := tx.Position()
	exit := p.CurrentPrice
	if p.ExitPrice != nil {
		exit = *p.ExitPrice
	}
	reason := p.ExitReason
	if reason == "" {
		reason = domain.ExitManual
	}
	realized := p.PnLAt(exit)

	if err := tx.Close(ctx, domain.ClosedPosition{
		ID:          p.ID,
		ExitPrice:   exit,
		Reason:      reason,
		RealizedPnL: realized,
		ClosedAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	m.count(func(s *MonitorStats) { s.Closed++ })
	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", p.ID),
		slog.String("instrument", p.Instrument),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exit),
		slog.Float64("realized_pnl", realized),
	)

	if m.outcomes != nil {
		m.outcomes.RecordOutcome(ctx, realized)
	}
	m.publish(ctx, p, exit, reason, realized)
	m.alert(ctx, EventPositionClosed, "Position closed",
		fmt.Sprintf("%s %s %s at %.6g, pnl %.4f", p.Instrument, p.ID, reason, exit, realized))
	return nil
}

func (m *PositionMonitor) publish(ctx context.Context, p domain.Position, exit float64, reason domain.ExitReason, realized float64) {
	detail := map[string]any{
		"position_id":  p.ID,
		"instrument":   p.Instrument,
		"side":         string(p.Side),
		"entry_price":  p.EntryPrice,
		"exit_price":   exit,
		"reason":       string(reason),
		"realized_pnl": realized,
	}
	if m.bus != nil {
		payload, _ := json.Marshal(detail)
		if err := m.bus.Publish(ctx, domain.ChannelPositionClosed, payload); err != nil {
			m.logger.WarnContext(ctx, "publish close event failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.audit != nil {
		if err := m.audit.Log(ctx, EventPositionClosed, p.ID, detail); err != nil {
			m.logger.WarnContext(ctx, "audit close failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *PositionMonitor) alert(ctx context.Context, event, title, msg string) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.Notify(ctx, event, title, msg); err != nil {
		m.logger.WarnContext(ctx, "notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (m *PositionMonitor) withPosition(ctx context.Context, id, action string, fn func(ctx context.Context, tx *Tx) error) {
	err := m.book.With(ctx, id, fn)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return
	}
	level := slog.LevelError
	if errors.Is(err, domain.ErrLockHeld) {
		level = slog.LevelDebug
	}
	m.logger.Log(ctx, level, "position check failed",
		slog.String("position_id", id),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}
