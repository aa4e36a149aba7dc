package handler

import (
	"log/slog"
	"net/http"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// ReconcileTrigger schedules an out-of-band reconciliation.
type ReconcileTrigger interface {
	Trigger(reason string)
}

// ReconcileHandler serves reconciliation history and the manual trigger.
type ReconcileHandler struct {
	runs    domain.ReconciliationStore
	trigger ReconcileTrigger
	logger  *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler.
func NewReconcileHandler(runs domain.ReconciliationStore, trigger ReconcileTrigger, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{runs: runs, trigger: trigger, logger: logHandler(logger, "reconcile")}
}

// ListRuns returns recent runs with their results, newest first.
// GET /api/reconciliation/runs
func (h *ReconcileHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context(), parseListOpts(r))
	if err != nil {
		fail(w, r, h.logger, "failed to list reconciliation runs", err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// Trigger queues a manual run. The run itself is asynchronous; its record
// shows up in ListRuns.
// POST /api/reconciliation/trigger
func (h *ReconcileHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.trigger.Trigger("manual")
	h.logger.InfoContext(r.Context(), "manual reconciliation requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
