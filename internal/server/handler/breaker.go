package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// BreakerControl is the operator view of the daily-loss circuit breaker.
type BreakerControl interface {
	State() domain.CircuitBreakerState
	Reset(ctx context.Context, token string) error
}

// BreakerHandler serves the circuit breaker endpoints.
type BreakerHandler struct {
	breaker BreakerControl
	logger  *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler.
func NewBreakerHandler(b BreakerControl, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{breaker: b, logger: logHandler(logger, "breaker")}
}

// GetState returns the breaker state without its reset token.
// GET /api/breaker
func (h *BreakerHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toBreakerView(h.breaker.State()))
}

type resetRequest struct {
	Token string `json:"token"`
}

// Reset reactivates a tripped breaker. The token is the one delivered in the
// trip alert.
// POST /api/breaker/reset
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	if err := h.breaker.Reset(r.Context(), req.Token); err != nil {
		h.logger.WarnContext(r.Context(), "breaker reset refused", slog.String("error", err.Error()))
		fail(w, r, h.logger, "failed to reset breaker", err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakerView(h.breaker.State()))
}
