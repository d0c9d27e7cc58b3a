package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionStatus tracks the position lifecycle. Transitions are only
// OPEN -> CLOSING -> CLOSED.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// CanTransition reports whether moving from s to next is allowed.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	switch s {
	case PositionOpen:
		return next == PositionClosing
	case PositionClosing:
		return next == PositionClosed
	}
	return false
}

// ProtectionState describes whether the protective order pair is live at the
// gateway.
type ProtectionState string

const (
	ProtectionAttached ProtectionState = "ATTACHED"
	// ProtectionDetached means the old pair was cancelled but the new pair
	// was never acknowledged. PendingTakeProfit/PendingStopLoss hold the
	// levels the next recovery attempt must place.
	ProtectionDetached ProtectionState = "ORDERS_DETACHED"
)

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitManual       ExitReason = "MANUAL"
)

// Position is an open or historical trading position guarded by the monitor
// and the adjuster.
type Position struct {
	ID                string          `json:"id"`
	Instrument        string          `json:"instrument"`
	Side              Side            `json:"side"`
	EntryPrice        float64         `json:"entry_price"`
	Quantity          float64         `json:"quantity"`
	CurrentPrice      float64         `json:"current_price"`
	TakeProfit        float64         `json:"take_profit"`
	StopLoss          float64         `json:"stop_loss"`
	TrailingStop      *float64        `json:"trailing_stop,omitempty"`
	OpenedAt          time.Time       `json:"opened_at"`
	AdjustmentCount   int             `json:"adjustment_count"`
	MaxAdjustments    int             `json:"max_adjustments"`
	Status            PositionStatus  `json:"status"`
	Protection        ProtectionState `json:"protection"`
	PendingTakeProfit *float64        `json:"pending_take_profit,omitempty"`
	PendingStopLoss   *float64        `json:"pending_stop_loss,omitempty"`
	UnrealizedPnL     float64         `json:"unrealized_pnl"`
	RealizedPnL       float64         `json:"realized_pnl"`
	ExitPrice         *float64        `json:"exit_price,omitempty"`
	ExitReason        ExitReason      `json:"exit_reason,omitempty"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PnLAt returns the unrealized PnL of the position marked at price.
func (p Position) PnLAt(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// PnLPctAt returns the PnL at price as a percentage of the entry price,
// positive when the position is in profit.
func (p Position) PnLPctAt(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == SideShort {
		return -pct
	}
	return pct
}

// Notional is the entry value of the position.
func (p Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// CanAdjust reports whether the adjustment cap still leaves room.
func (p Position) CanAdjust() bool {
	return p.AdjustmentCount < p.MaxAdjustments
}

// Detached reports whether the protective orders are not live at the gateway.
func (p Position) Detached() bool {
	return p.Protection == ProtectionDetached
}

// ValidEntryLevels checks the initialization invariant: for a long position
// stopLoss < entryPrice < takeProfit, mirrored for a short.
func (p Position) ValidEntryLevels() bool {
	if p.Side == SideShort {
		return p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss
	}
	return p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit
}

// Clone returns a deep copy so pointer fields are not shared.
func (p Position) Clone() Position {
	out := p
	out.TrailingStop = cloneFloat(p.TrailingStop)
	out.PendingTakeProfit = cloneFloat(p.PendingTakeProfit)
	out.PendingStopLoss = cloneFloat(p.PendingStopLoss)
	out.ExitPrice = cloneFloat(p.ExitPrice)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// PositionUpdate is a partial update applied through PositionStore.Update.
// Nil fields are left untouched.
type PositionUpdate struct {
	CurrentPrice      *float64
	UnrealizedPnL     *float64
	TakeProfit        *float64
	StopLoss          *float64
	TrailingStop      *float64
	AdjustmentCount   *int
	Status            *PositionStatus
	Protection        *ProtectionState
	PendingTakeProfit *float64
	PendingStopLoss   *float64
	ExitPrice         *float64
	ExitReason        *ExitReason
	// ClearPending resets the pending levels to NULL.
	ClearPending bool
}

// Apply copies the non-nil fields of u onto p.
func (u PositionUpdate) Apply(p *Position) {
	if u.CurrentPrice != nil {
		p.CurrentPrice = *u.CurrentPrice
	}
	if u.UnrealizedPnL != nil {
		p.UnrealizedPnL = *u.UnrealizedPnL
	}
	if u.TakeProfit != nil {
		p.TakeProfit = *u.TakeProfit
	}
	if u.StopLoss != nil {
		p.StopLoss = *u.StopLoss
	}
	if u.TrailingStop != nil {
		p.TrailingStop = Float(*u.TrailingStop)
	}
	if u.AdjustmentCount != nil {
		p.AdjustmentCount = *u.AdjustmentCount
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Protection != nil {
		p.Protection = *u.Protection
	}
	if u.PendingTakeProfit != nil {
		p.PendingTakeProfit = Float(*u.PendingTakeProfit)
	}
	if u.PendingStopLoss != nil {
		p.PendingStopLoss = Float(*u.PendingStopLoss)
	}
	if u.ExitPrice != nil {
		p.ExitPrice = Float(*u.ExitPrice)
	}
	if u.ExitReason != nil {
		p.ExitReason = *u.ExitReason
	}
	if u.ClearPending {
		p.PendingTakeProfit = nil
		p.PendingStopLoss = nil
	}
}

// Snapshot returns an update that rewrites every mutable field of p.
func Snapshot(p Position) PositionUpdate {
	u := PositionUpdate{
		CurrentPrice:      Float(p.CurrentPrice),
		UnrealizedPnL:     Float(p.UnrealizedPnL),
		TakeProfit:        Float(p.TakeProfit),
		StopLoss:          Float(p.StopLoss),
		TrailingStop:      cloneFloat(p.TrailingStop),
		AdjustmentCount:   &p.AdjustmentCount,
		Status:            &p.Status,
		Protection:        &p.Protection,
		PendingTakeProfit: cloneFloat(p.PendingTakeProfit),
		PendingStopLoss:   cloneFloat(p.PendingStopLoss),
		ExitPrice:         cloneFloat(p.ExitPrice),
		ClearPending:      p.PendingTakeProfit == nil && p.PendingStopLoss == nil,
	}
	if p.ExitReason != "" {
		r := p.ExitReason
		u.ExitReason = &r
	}
	return u
}

// ClosedPosition carries the fields written when a position is finalized.
type ClosedPosition struct {
	ID          string
	ExitPrice   float64
	Reason      ExitReason
	RealizedPnL float64
	ClosedAt    time.Time
}
