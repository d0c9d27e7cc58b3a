package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/service"
)

// MonitorView is the read side of the position monitor.
type MonitorView interface {
	Status() service.MonitorStatus
}

// AdjusterView is the read side of the position adjuster.
type AdjusterView interface {
	Status() service.AdjusterStatus
	Stats() domain.AdjustmentStats
	Recent(limit int) []domain.AdjustmentRecord
}

// BreakerControl reads and resets the circuit breaker.
type BreakerControl interface {
	State(ctx context.Context) domain.BreakerState
	Reset(ctx context.Context) domain.BreakerState
}

// StatusHandler reports the state of every running component.
type StatusHandler struct {
	mode     string
	monitor  MonitorView
	adjuster AdjusterView
	breaker  BreakerControl
}

// NewStatusHandler creates a StatusHandler. adjuster is nil in monitor mode.
func NewStatusHandler(mode string, monitor MonitorView, adjuster AdjusterView, breaker BreakerControl) *StatusHandler {
	return &StatusHandler{mode: mode, monitor: monitor, adjuster: adjuster, breaker: breaker}
}

type statusResponse struct {
	Mode     string                  `json:"mode"`
	Monitor  *service.MonitorStatus  `json:"monitor,omitempty"`
	Adjuster *service.AdjusterStatus `json:"adjuster,omitempty"`
	Breaker  *domain.BreakerState    `json:"breaker,omitempty"`
}

// GetStatus returns the mode plus monitor, adjuster and breaker state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.mode}
	if h.monitor != nil {
		s := h.monitor.Status()
		resp.Monitor = &s
	}
	if h.adjuster != nil {
		s := h.adjuster.Status()
		resp.Adjuster = &s
	}
	if h.breaker != nil {
		s := h.breaker.State(r.Context())
		resp.Breaker = &s
	}
	writeJSON(w, http.StatusOK, resp)
}
