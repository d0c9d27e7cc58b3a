package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, instrument, side, entry_price, quantity, current_price,
	take_profit, stop_loss, trailing_stop, adjustment_count, max_adjustments,
	status, protection, pending_take_profit, pending_stop_loss,
	unrealized_pnl, realized_pnl, exit_price, exit_reason,
	opened_at, closed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status, protection string
	var exitReason *string

	err := row.Scan(
		&p.ID, &p.Instrument, &side, &p.EntryPrice, &p.Quantity, &p.CurrentPrice,
		&p.TakeProfit, &p.StopLoss, &p.TrailingStop, &p.AdjustmentCount, &p.MaxAdjustments,
		&status, &protection, &p.PendingTakeProfit, &p.PendingStopLoss,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.ExitPrice, &exitReason,
		&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.Protection = domain.ProtectionState(protection)
	if exitReason != nil {
		p.ExitReason = domain.ExitReason(*exitReason)
	}
	return p, nil
}

// Create inserts a new open position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	if !p.ValidEntryLevels() {
		return fmt.Errorf("postgres: create position %s: tp %g sl %g around entry %g: %w",
			p.ID, p.TakeProfit, p.StopLoss, p.EntryPrice, domain.ErrInvalidLevels)
	}

	const query = `
		INSERT INTO positions (
			id, instrument, side, entry_price, quantity, current_price,
			take_profit, stop_loss, trailing_stop, adjustment_count, max_adjustments,
			status, protection, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			'OPEN', 'ATTACHED', $12, NOW()
		)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Instrument, string(p.Side), p.EntryPrice, p.Quantity, p.EntryPrice,
		p.TakeProfit, p.StopLoss, p.TrailingStop, p.AdjustmentCount, p.MaxAdjustments,
		p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetOpen returns every position not yet CLOSED, including those CLOSING.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status <> 'CLOSED'
		 ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open positions: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: open positions rows: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Update writes the non-nil fields of u.
func (s *PositionStore) Update(ctx context.Context, id string, u domain.PositionUpdate) error {
	set, args := positionUpdateSet(u)
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE positions SET %s, updated_at = NOW() WHERE id = $%d AND status <> 'CLOSED'`,
		strings.Join(set, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// positionUpdateSet renders the SET clauses and positional arguments for u.
func positionUpdateSet(u domain.PositionUpdate) ([]string, []any) {
	var set []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.CurrentPrice != nil {
		add("current_price", *u.CurrentPrice)
	}
	if u.UnrealizedPnL != nil {
		add("unrealized_pnl", *u.UnrealizedPnL)
	}
	if u.TakeProfit != nil {
		add("take_profit", *u.TakeProfit)
	}
	if u.StopLoss != nil {
		add("stop_loss", *u.StopLoss)
	}
	if u.TrailingStop != nil {
		add("trailing_stop", *u.TrailingStop)
	}
	if u.AdjustmentCount != nil {
		add("adjustment_count", *u.AdjustmentCount)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Protection != nil {
		add("protection", string(*u.Protection))
	}
	if u.ExitPrice != nil {
		add("exit_price", *u.ExitPrice)
	}
	if u.ExitReason != nil {
		add("exit_reason", string(*u.ExitReason))
	}
	if u.ClearPending {
		set = append(set, "pending_take_profit = NULL", "pending_stop_loss = NULL")
	} else {
		if u.PendingTakeProfit != nil {
			add("pending_take_profit", *u.PendingTakeProfit)
		}
		if u.PendingStopLoss != nil {
			add("pending_stop_loss", *u.PendingStopLoss)
		}
	}
	return set, args
}

// MarkClosed finalizes a position. It fails with domain.ErrNotFound when the
// position is missing or already closed.
func (s *PositionStore) MarkClosed(ctx context.Context, c domain.ClosedPosition) error {
	const query = `
		UPDATE positions SET
			status       = 'CLOSED',
			exit_price   = $2,
			exit_reason  = $3,
			realized_pnl = $4,
			closed_at    = $5,
			unrealized_pnl = 0,
			pending_take_profit = NULL,
			pending_stop_loss   = NULL,
			updated_at   = NOW()
		WHERE id = $1 AND status <> 'CLOSED'`

	tag, err := s.pool.Exec(ctx, query, c.ID, c.ExitPrice, string(c.Reason), c.RealizedPnL, c.ClosedAt)
	if err != nil {
		return fmt.Errorf("postgres: mark closed %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark closed %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}
