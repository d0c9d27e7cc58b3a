package handler

import (
	"log/slog"
	"net/http"
)

// BreakerHandler exposes the circuit breaker.
type BreakerHandler struct {
	breaker BreakerControl
	logger  *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler.
func NewBreakerHandler(breaker BreakerControl, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{breaker: breaker, logger: logger}
}

// GetState returns the breaker snapshot.
// GET /api/breaker
func (h *BreakerHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breaker.State(r.Context()))
}

// Reset forces the breaker back to ARMED.
// POST /api/breaker/reset
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	state := h.breaker.Reset(r.Context())
	h.logger.WarnContext(r.Context(), "handler: circuit breaker reset by operator",
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, state)
}
