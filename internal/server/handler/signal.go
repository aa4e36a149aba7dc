package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/risk"
	"github.com/derobiwan/trader-sub000/internal/service"
)

// SignalSubmitter runs a signal through the trading core.
type SignalSubmitter interface {
	Submit(ctx context.Context, sig domain.TradingSignal) (service.SubmitResult, error)
}

// SignalHandler accepts trading signals over HTTP.
type SignalHandler struct {
	submit SignalSubmitter
	logger *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(submit SignalSubmitter, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{submit: submit, logger: logHandler(logger, "signals")}
}

type submitResponse struct {
	Accepted bool          `json:"accepted"`
	Reason   string        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Position *positionView `json:"position,omitempty"`
	Entry    *orderView    `json:"entry,omitempty"`
}

// SubmitSignal validates and, if accepted, executes a signal. Risk rejections
// answer 422 with the typed reason.
// POST /api/signals
func (h *SignalHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.TradingSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if sig.Source == "" {
		sig.Source = "api"
	}

	res, err := h.submit.Submit(r.Context(), sig)
	resp := submitResponse{
		Accepted: res.Decision.Accepted,
		Reason:   string(res.Decision.Reason),
		Detail:   res.Decision.Detail,
		Entry:    toOrderView(res.Entry),
	}
	if res.Position != nil {
		v := toPositionView(*res.Position)
		resp.Position = &v
	}

	var rej *risk.Rejection
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, resp)
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		fail(w, r, h.logger, "failed to submit signal", err)
	}
}
