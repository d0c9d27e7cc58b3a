package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the durable owner of positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetOpen(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	Update(ctx context.Context, id string, u PositionUpdate) error
	MarkClosed(ctx context.Context, c ClosedPosition) error
}

// AdjustmentStore persists adjustment attempts.
type AdjustmentStore interface {
	Append(ctx context.Context, rec AdjustmentRecord) error
	ListRecent(ctx context.Context, limit int) ([]AdjustmentRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]AdjustmentRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID         int64
	Event      string
	PositionID string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event, positionID string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BreakerStore persists the circuit breaker snapshot across restarts.
type BreakerStore interface {
	Load(ctx context.Context) (BreakerState, error)
	Save(ctx context.Context, state BreakerState) error
}
