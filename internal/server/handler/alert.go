package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/yxzhao/perpbot/internal/domain"
)

// AlertSource provides the most recently raised margin alerts.
type AlertSource interface {
	RecentAlerts(n int) []domain.Alert
}

// AlertHandler serves the margin-alert endpoints.
type AlertHandler struct {
	alerts AlertSource
	logger *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts AlertSource, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		logger: logHandler(logger, "alerts"),
	}
}

// listAlertsResponse wraps the recent alerts response.
type listAlertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
}

// ListRecent returns the most recently raised alerts, newest first.
// GET /api/alerts/recent?limit=50
func (h *AlertHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	alerts := h.alerts.RecentAlerts(limit)
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, listAlertsResponse{Alerts: alerts})
}
