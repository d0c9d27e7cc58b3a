package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// PositionLister lists guarded positions.
type PositionLister interface {
	Snapshot() []domain.Position
}

// PositionCloser closes a position at market, bypassing its levels.
type PositionCloser interface {
	CloseNow(ctx context.Context, id string) error
}

// PositionHandler serves the position endpoints.
type PositionHandler struct {
	positions PositionLister
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionLister, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, closer: closer, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
	Count     int               `json:"count"`
}

// ListPositions returns every open or closing position, oldest first.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.Snapshot()
	if positions == nil {
		positions = []domain.Position{}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions, Count: len(positions)})
}

// ClosePosition is the manual override close.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}
	if err := h.closer.CloseNow(r.Context(), id); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: manual close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "handler: manual close", slog.String("position_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "closed": true})
}
