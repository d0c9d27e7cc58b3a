package domain

import "time"

// AdjustmentReason names the trigger that produced an adjustment attempt.
type AdjustmentReason string

const (
	ReasonRiskDeescalation AdjustmentReason = "RISK_DEESCALATION"
	ReasonTrailingStop     AdjustmentReason = "TRAILING_STOP"
	ReasonProfitScaling    AdjustmentReason = "PROFIT_SCALING"
	ReasonProfitProtection AdjustmentReason = "PROFIT_PROTECTION"
	// ReasonOrderRecovery marks an attempt to re-place protective orders for
	// a position left in ORDERS_DETACHED.
	ReasonOrderRecovery AdjustmentReason = "ORDER_RECOVERY"
)

// AdjustmentPhase is the last step an adjustment attempt reached.
type AdjustmentPhase string

const (
	PhaseCancel AdjustmentPhase = "cancel"
	PhasePlace  AdjustmentPhase = "place"
	PhaseDone   AdjustmentPhase = "done"
)

// AdjustmentRecord is emitted once per adjustment attempt, successful or not.
type AdjustmentRecord struct {
	ID         string           `json:"id"`
	PositionID string           `json:"position_id"`
	Instrument string           `json:"instrument"`
	Reason     AdjustmentReason `json:"reason"`
	OldTP      float64          `json:"old_tp"`
	NewTP      float64          `json:"new_tp"`
	OldSL      float64          `json:"old_sl"`
	NewSL      float64          `json:"new_sl"`
	Price      float64          `json:"price"`
	PnLPct     float64          `json:"pnl_pct"`
	Phase      AdjustmentPhase  `json:"phase"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// AdjustmentStats summarizes the rolling window of adjustment records.
type AdjustmentStats struct {
	Total       int                      `json:"total"`
	Succeeded   int                      `json:"succeeded"`
	Failed      int                      `json:"failed"`
	SuccessRate float64                  `json:"success_rate"`
	ByReason    map[AdjustmentReason]int `json:"by_reason"`
	Window      int                      `json:"window"`
}
