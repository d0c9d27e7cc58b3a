package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// AdjustmentStore implements domain.AdjustmentStore using PostgreSQL.
type AdjustmentStore struct {
	pool *pgxpool.Pool
}

var _ domain.AdjustmentStore = (*AdjustmentStore)(nil)

// NewAdjustmentStore creates a new AdjustmentStore backed by the given pool.
func NewAdjustmentStore(pool *pgxpool.Pool) *AdjustmentStore {
	return &AdjustmentStore{pool: pool}
}

const adjustmentSelectCols = `id, position_id, instrument, reason, old_tp, new_tp,
	old_sl, new_sl, price, pnl_pct, phase, success, error, created_at`

// Append inserts one adjustment record.
func (s *AdjustmentStore) Append(ctx context.Context, r domain.AdjustmentRecord) error {
	const query = `
		INSERT INTO adjustment_records (
			id, position_id, instrument, reason, old_tp, new_tp,
			old_sl, new_sl, price, pnl_pct, phase, success, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.PositionID, r.Instrument, string(r.Reason), r.OldTP, r.NewTP,
		r.OldSL, r.NewSL, r.Price, r.PnLPct, string(r.Phase), r.Success, r.Error, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append adjustment %s: %w", r.ID, err)
	}
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *AdjustmentStore) ListRecent(ctx context.Context, limit int) ([]domain.AdjustmentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+adjustmentSelectCols+` FROM adjustment_records
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent adjustments: %w", err)
	}
	return collectAdjustments(rows)
}

// ListBefore returns up to limit records created before the cutoff, oldest
// first, for archiving.
func (s *AdjustmentStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.AdjustmentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+adjustmentSelectCols+` FROM adjustment_records
		 WHERE created_at < $1
		 ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list adjustments before %s: %w", before.Format(time.RFC3339), err)
	}
	return collectAdjustments(rows)
}

// DeleteBefore removes records created before the cutoff and returns the
// number deleted.
func (s *AdjustmentStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM adjustment_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete adjustments before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func collectAdjustments(rows pgx.Rows) ([]domain.AdjustmentRecord, error) {
	defer rows.Close()

	var out []domain.AdjustmentRecord
	for rows.Next() {
		var r domain.AdjustmentRecord
		var reason, phase string
		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.Instrument, &reason, &r.OldTP, &r.NewTP,
			&r.OldSL, &r.NewSL, &r.Price, &r.PnLPct, &phase, &r.Success, &r.Error, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan adjustment: %w", err)
		}
		r.Reason = domain.AdjustmentReason(reason)
		r.Phase = domain.AdjustmentPhase(phase)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: adjustment rows: %w", err)
	}
	return out, nil
}
