package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/riskguard/internal/service"
)

// EntryPlanner sizes and protects a prospective entry.
type EntryPlanner interface {
	Plan(ctx context.Context, req service.EntryRequest) (service.EntryPlan, error)
}

// EntryHandler serves pre-trade entry planning.
type EntryHandler struct {
	planner EntryPlanner
	logger  *slog.Logger
}

// NewEntryHandler creates an EntryHandler.
func NewEntryHandler(planner EntryPlanner, logger *slog.Logger) *EntryHandler {
	return &EntryHandler{planner: planner, logger: logger}
}

// PlanEntry runs the breaker check, sizing and initial stops for a signal.
// POST /api/entries/plan
func (h *EntryHandler) PlanEntry(w http.ResponseWriter, r *http.Request) {
	var req service.EntryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	plan, err := h.planner.Plan(r.Context(), req)
	if err != nil {
		h.logger.InfoContext(r.Context(), "handler: entry rejected",
			slog.String("instrument", req.Instrument),
			slog.String("error", err.Error()),
		)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
