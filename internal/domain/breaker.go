package domain

import "time"

// BreakerPhase is the circuit breaker's tagged state.
type BreakerPhase string

const (
	BreakerArmed        BreakerPhase = "ARMED"
	BreakerTripped      BreakerPhase = "TRIPPED"
	BreakerReactivating BreakerPhase = "REACTIVATING"
)

// BreakerState is the persisted circuit breaker snapshot.
type BreakerState struct {
	Phase             BreakerPhase `json:"phase"`
	ConsecutiveLosses int          `json:"consecutive_losses"`
	TrippedAt         *time.Time   `json:"tripped_at,omitempty"`
	CooldownUntil     *time.Time   `json:"cooldown_until,omitempty"`
	// ReactivationPhase is 0 outside REACTIVATING, 1..P inside it.
	ReactivationPhase int `json:"reactivation_phase"`
	// PhaseTradeCount counts consecutive non-losing trades in the current phase.
	PhaseTradeCount int `json:"phase_trade_count"`
	// TripCount counts trips since the breaker was last ARMED.
	TripCount int       `json:"trip_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BreakerTransition describes a phase change, passed to observers.
type BreakerTransition struct {
	From  BreakerPhase `json:"from"`
	To    BreakerPhase `json:"to"`
	State BreakerState `json:"state"`
	Cause string       `json:"cause"`
}
