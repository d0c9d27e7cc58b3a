package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// BreakerConfig holds the circuit breaker rules. Its methods are pure
// transition functions over domain.BreakerState.
type BreakerConfig struct {
	LossThreshold   int
	Cooldown        time.Duration
	ExtensionFactor float64       // cooldown multiplier per re-trip during reactivation
	MaxCooldown     time.Duration // upper bound of the extended cooldown; 0 = unbounded
	// PhaseSizes[k] is the number of consecutive non-losing trades needed to
	// leave reactivation phase k+1.
	PhaseSizes []int
}

// DefaultBreakerConfig returns a three-loss breaker with two reactivation phases.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		LossThreshold:   3,
		Cooldown:        30 * time.Minute,
		ExtensionFactor: 2,
		MaxCooldown:     4 * time.Hour,
		PhaseSizes:      []int{2, 3},
	}
}

// Validate checks the rules for consistency.
func (c BreakerConfig) Validate() error {
	if c.LossThreshold < 1 {
		return fmt.Errorf("risk: breaker: loss_threshold must be >= 1: %w", domain.ErrInvalidInput)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("risk: breaker: cooldown must be > 0: %w", domain.ErrInvalidInput)
	}
	if c.ExtensionFactor < 1 {
		return fmt.Errorf("risk: breaker: extension factor must be >= 1: %w", domain.ErrInvalidInput)
	}
	for i, n := range c.PhaseSizes {
		if n < 1 {
			return fmt.Errorf("risk: breaker: phase %d size must be >= 1: %w", i+1, domain.ErrInvalidInput)
		}
	}
	return nil
}

// Phases returns P, the number of reactivation phases.
func (c BreakerConfig) Phases() int { return len(c.PhaseSizes) }

// ArmedState is the initial breaker state.
func ArmedState(now time.Time) domain.BreakerState {
	return domain.BreakerState{Phase: domain.BreakerArmed, UpdatedAt: now}
}

// Advance applies time-driven transitions: TRIPPED -> REACTIVATING(1) once
// the cooldown has elapsed, or straight to ARMED when no phases are configured.
func (c BreakerConfig) Advance(s domain.BreakerState, now time.Time) domain.BreakerState {
	if s.Phase != domain.BreakerTripped {
		return s
	}
	if s.CooldownUntil != nil && now.Before(*s.CooldownUntil) {
		return s
	}
	if c.Phases() == 0 {
		return ArmedState(now)
	}
	s.Phase = domain.BreakerReactivating
	s.ReactivationPhase = 1
	s.PhaseTradeCount = 0
	s.UpdatedAt = now
	return s
}

// ApplyOutcome folds the result of a closed trade into the state. A trade is a
// loss when pnl < 0.
func (c BreakerConfig) ApplyOutcome(s domain.BreakerState, pnl float64, now time.Time) domain.BreakerState {
	s = c.Advance(s, now)
	loss := pnl < 0
	s.UpdatedAt = now

	switch s.Phase {
	case domain.BreakerArmed:
		if !loss {
			s.ConsecutiveLosses = 0
			return s
		}
		s.ConsecutiveLosses++
		if s.ConsecutiveLosses >= c.LossThreshold {
			return c.trip(s, now)
		}
		return s

	case domain.BreakerTripped:
		// Exits of pre-existing positions still count toward the streak but
		// do not move the cooldown.
		if loss {
			s.ConsecutiveLosses++
		} else {
			s.ConsecutiveLosses = 0
		}
		return s

	case domain.BreakerReactivating:
		if loss {
			s.ConsecutiveLosses++
			return c.trip(s, now)
		}
		s.ConsecutiveLosses = 0
		s.PhaseTradeCount++
		if s.PhaseTradeCount < c.phaseSize(s.ReactivationPhase) {
			return s
		}
		if s.ReactivationPhase >= c.Phases() {
			return ArmedState(now)
		}
		s.ReactivationPhase++
		s.PhaseTradeCount = 0
		return s
	}
	return s
}

// AllowsEntry reports whether a new position may be opened at now.
func (c BreakerConfig) AllowsEntry(s domain.BreakerState, now time.Time) bool {
	return c.Advance(s, now).Phase != domain.BreakerTripped
}

// SizeMultiplier is the fraction of normal size permitted in the current
// state: 1 when ARMED, k/(P+1) in reactivation phase k, 0 when TRIPPED.
func (c BreakerConfig) SizeMultiplier(s domain.BreakerState) float64 {
	switch s.Phase {
	case domain.BreakerArmed:
		return 1
	case domain.BreakerReactivating:
		return float64(s.ReactivationPhase) / float64(c.Phases()+1)
	}
	return 0
}

// CooldownFor returns the cooldown applied on the n-th trip of an episode
// (n starting at 1).
func (c BreakerConfig) CooldownFor(n int) time.Duration {
	if n <= 1 {
		return c.Cooldown
	}
	// Compared as float64: the product overflows int64 long before the
	// exponent is large.
	f := float64(c.Cooldown) * math.Pow(c.ExtensionFactor, float64(n-1))
	if c.MaxCooldown > 0 && !(f <= float64(c.MaxCooldown)) {
		return c.MaxCooldown
	}
	if !(f < maxCooldownFloat) {
		return maxDuration
	}
	return time.Duration(f)
}

const maxDuration = time.Duration(math.MaxInt64)

// maxCooldownFloat is the largest float64 strictly below 2^63.
var maxCooldownFloat = math.Nextafter(float64(math.MaxInt64), 0)

func (c BreakerConfig) trip(s domain.BreakerState, now time.Time) domain.BreakerState {
	s.TripCount++
	until := now.Add(c.CooldownFor(s.TripCount))
	tripped := now
	s.Phase = domain.BreakerTripped
	s.TrippedAt = &tripped
	s.CooldownUntil = &until
	s.ReactivationPhase = 0
	s.PhaseTradeCount = 0
	return s
}

func (c BreakerConfig) phaseSize(phase int) int {
	if phase < 1 || phase > c.Phases() {
		return 1
	}
	return c.PhaseSizes[phase-1]
}
