package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Position(ctx context.Context, id string) (domain.Position, error)
	OpenPositions(ctx context.Context) ([]domain.Position, error)
	History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	Close(ctx context.Context, id, reason string) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns open positions, or closed ones with ?state=closed.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []domain.Position
		err       error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "", "open":
		positions, err = h.positions.OpenPositions(r.Context())
	case "closed":
		positions, err = h.positions.History(r.Context(), parseListOpts(r))
	default:
		writeError(w, http.StatusBadRequest, "state must be open or closed")
		return
	}
	if err != nil {
		fail(w, r, h.logger, "failed to list positions", err)
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toPositionViews(positions)})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Position(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "failed to get position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(pos))
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// ClosePosition flattens a position at market.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	req := closeRequest{Reason: "manual"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	id := pathParam(r, "id")
	pos, err := h.positions.Close(r.Context(), id, req.Reason)
	if err != nil {
		fail(w, r, h.logger, "failed to close position", err)
		return
	}
	h.logger.InfoContext(r.Context(), "position closed by operator",
		slog.String("position_id", id),
		slog.String("reason", req.Reason),
	)
	writeJSON(w, http.StatusOK, toPositionView(pos))
}
