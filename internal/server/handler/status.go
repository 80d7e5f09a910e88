package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yxzhao/perpbot/internal/engine"
)

// StatusSource reports the scheduler's current state.
type StatusSource interface {
	CurrentStatus(ctx context.Context) (engine.Status, error)
}

// StatusHandler serves the scheduler status endpoint.
type StatusHandler struct {
	status StatusSource
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(status StatusSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		status: status,
		logger: logHandler(logger, "status"),
	}
}

// SchedulerStatus returns per-profile states, queue depth, and the open
// position count.
// GET /api/scheduler/status
func (h *StatusHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status.CurrentStatus(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "scheduler status failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	if st.Profiles == nil {
		st.Profiles = []engine.ProfileStatus{}
	}
	writeJSON(w, http.StatusOK, st)
}
