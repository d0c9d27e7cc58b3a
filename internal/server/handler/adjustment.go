package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// AdjustmentHistory reads persisted adjustment records.
type AdjustmentHistory interface {
	ListRecent(ctx context.Context, limit int) ([]domain.AdjustmentRecord, error)
}

// AdjustmentHandler serves the adjustment history and stats.
type AdjustmentHandler struct {
	adjuster AdjusterView
	store    AdjustmentHistory
	logger   *slog.Logger
}

// NewAdjustmentHandler creates an AdjustmentHandler. store may be nil.
func NewAdjustmentHandler(adjuster AdjusterView, store AdjustmentHistory, logger *slog.Logger) *AdjustmentHandler {
	return &AdjustmentHandler{adjuster: adjuster, store: store, logger: logger}
}

type listAdjustmentsResponse struct {
	Adjustments []domain.AdjustmentRecord `json:"adjustments"`
	Source      string                    `json:"source"`
}

// ListRecent returns the newest adjustment records. The in-memory window is
// used by default; ?source=store reads the database instead.
// GET /api/adjustments?limit=50&source=store
func (h *AdjustmentHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)

	if r.URL.Query().Get("source") == "store" {
		if h.store == nil {
			writeError(w, http.StatusNotImplemented, "adjustment store not configured")
			return
		}
		recs, err := h.store.ListRecent(r.Context(), limit)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list adjustments failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list adjustments")
			return
		}
		if recs == nil {
			recs = []domain.AdjustmentRecord{}
		}
		writeJSON(w, http.StatusOK, listAdjustmentsResponse{Adjustments: recs, Source: "store"})
		return
	}

	if h.adjuster == nil {
		writeError(w, http.StatusNotImplemented, "adjuster not running")
		return
	}
	recs := h.adjuster.Recent(limit)
	if recs == nil {
		recs = []domain.AdjustmentRecord{}
	}
	writeJSON(w, http.StatusOK, listAdjustmentsResponse{Adjustments: recs, Source: "memory"})
}

// Stats returns counts by reason and the success rate of the rolling window.
// GET /api/adjustments/stats
func (h *AdjustmentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.adjuster == nil {
		writeError(w, http.StatusNotImplemented, "adjuster not running")
		return
	}
	writeJSON(w, http.StatusOK, h.adjuster.Stats())
}
