package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// CircuitBreaker is the stateful wrapper around BreakerConfig. It gates new
// entries only; closing or adjusting existing positions never consults it.
type CircuitBreaker struct {
	cfg       BreakerConfig
	store     domain.BreakerStore
	logger    *slog.Logger
	now       func() time.Time
	observers []func(context.Context, domain.BreakerTransition)

	mu     sync.Mutex
	state  domain.BreakerState
	saveMu sync.Mutex
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithBreakerStore persists every state change.
func WithBreakerStore(s domain.BreakerStore) BreakerOption {
	return func(b *CircuitBreaker) { b.store = s }
}

// NewCircuitBreaker creates an ARMED breaker.
func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger, opts ...BreakerOption) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "circuit_breaker")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.state = ArmedState(b.now())
	return b, nil
}

// OnTransition registers fn to run after every phase change. Observers must
// be registered before the breaker is shared.
func (b *CircuitBreaker) OnTransition(fn func(context.Context, domain.BreakerTransition)) {
	b.observers = append(b.observers, fn)
}

// Restore loads the persisted state, keeping ARMED when nothing was saved.
func (b *CircuitBreaker) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	s, err := b.store.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("risk: restore breaker: %w", err)
	}
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "breaker state restored",
		slog.String("phase", string(s.Phase)),
		slog.Int("consecutive_losses", s.ConsecutiveLosses),
	)
	return nil
}

// Allow returns the size multiplier for a new entry, or ErrBreakerTripped
// while the breaker is in cooldown.
func (b *CircuitBreaker) Allow(ctx context.Context) (float64, error) {
	s := b.update(ctx, "cooldown elapsed", func(s domain.BreakerState, now time.Time) domain.BreakerState {
		return b.cfg.Advance(s, now)
	})
	if s.Phase == domain.BreakerTripped {
		until := ""
		if s.CooldownUntil != nil {
			until = s.CooldownUntil.UTC().Format(time.RFC3339)
		}
		return 0, fmt.Errorf("risk: entry blocked until %s: %w", until, domain.ErrBreakerTripped)
	}
	return b.cfg.SizeMultiplier(s), nil
}

// RecordOutcome feeds the realized PnL of a closed trade into the breaker.
func (b *CircuitBreaker) RecordOutcome(ctx context.Context, pnl float64) domain.BreakerState {
	cause := "winning trade"
	if pnl < 0 {
		cause = "losing trade"
	}
	return b.update(ctx, cause, func(s domain.BreakerState, now time.Time) domain.BreakerState {
		return b.cfg.ApplyOutcome(s, pnl, now)
	})
}

// State returns the current state with time-driven transitions applied.
func (b *CircuitBreaker) State(ctx context.Context) domain.BreakerState {
	return b.update(ctx, "cooldown elapsed", func(s domain.BreakerState, now time.Time) domain.BreakerState {
		return b.cfg.Advance(s, now)
	})
}

// Config returns the breaker rules.
func (b *CircuitBreaker) Config() BreakerConfig { return b.cfg }

// Reset forces the breaker back to ARMED. Manual operator override.
func (b *CircuitBreaker) Reset(ctx context.Context) domain.BreakerState {
	return b.update(ctx, "manual reset", func(_ domain.BreakerState, now time.Time) domain.BreakerState {
		return ArmedState(now)
	})
}

func (b *CircuitBreaker) update(ctx context.Context, cause string, fn func(domain.BreakerState, time.Time) domain.BreakerState) domain.BreakerState {
	now := b.now()

	b.mu.Lock()
	prev := b.state
	next := fn(prev, now)
	b.state = next
	b.mu.Unlock()

	if next == prev {
		return next
	}
	b.persist(ctx)

	if next.Phase != prev.Phase || next.ReactivationPhase != prev.ReactivationPhase {
		t := domain.BreakerTransition{From: prev.Phase, To: next.Phase, State: next, Cause: cause}
		b.logger.WarnContext(ctx, "breaker transition",
			slog.String("from", string(prev.Phase)),
			slog.String("to", string(next.Phase)),
			slog.Int("reactivation_phase", next.ReactivationPhase),
			slog.Int("consecutive_losses", next.ConsecutiveLosses),
			slog.String("cause", cause),
		)
		for _, o := range b.observers {
			o(ctx, t)
		}
	}
	return next
}

// persist saves the latest snapshot. saveMu orders concurrent saves so the
// last write always carries the newest state.
func (b *CircuitBreaker) persist(ctx context.Context) {
	if b.store == nil {
		return
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.Lock()
	snap := b.state
	b.mu.Unlock()

	if err := b.store.Save(ctx, snap); err != nil {
		b.logger.ErrorContext(ctx, "persist breaker state failed",
			slog.String("phase", string(snap.Phase)),
			slog.String("error", err.Error()),
		)
	}
}
