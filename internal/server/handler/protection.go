package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// ProtectionView lists the safeguards currently attached to positions.
type ProtectionView interface {
	Snapshot() []domain.ProtectionState
}

// ProtectionHandler serves the protection snapshot.
type ProtectionHandler struct {
	protection ProtectionView
	logger     *slog.Logger
}

// NewProtectionHandler creates a ProtectionHandler.
func NewProtectionHandler(p ProtectionView, logger *slog.Logger) *ProtectionHandler {
	return &ProtectionHandler{protection: p, logger: logHandler(logger, "protection")}
}

// ListProtection returns one entry per protected position, ordered by symbol.
// GET /api/protection
func (h *ProtectionHandler) ListProtection(w http.ResponseWriter, r *http.Request) {
	states := h.protection.Snapshot()
	sort.Slice(states, func(i, j int) bool {
		if states[i].Symbol != states[j].Symbol {
			return states[i].Symbol < states[j].Symbol
		}
		return states[i].PositionID < states[j].PositionID
	})
	out := make([]protectionView, 0, len(states))
	for _, s := range states {
		out = append(out, toProtectionView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"protection": out})
}
