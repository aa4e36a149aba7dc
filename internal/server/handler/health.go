package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Pinger is a dependency whose liveness the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	deps   map[string]Pinger
	mode   string
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. deps may be empty when the process
// runs on in-memory stores.
func NewHealthHandler(mode string, deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, mode: mode, logger: logHandler(logger, "health")}
}

// HealthCheck pings every dependency and reports 503 if any is down.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			checks[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "up"
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"mode":      h.mode,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
