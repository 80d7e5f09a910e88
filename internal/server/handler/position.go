package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yxzhao/perpbot/internal/domain"
)

// PositionEngine defines the engine operations the position handler requires.
type PositionEngine interface {
	OpenPosition(ctx context.Context, profileID string, params domain.OpenParams) (domain.Position, error)
	ClosePosition(ctx context.Context, positionID string, reason domain.CloseReason) (float64, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	engine PositionEngine
	store  domain.PositionStore
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(engine PositionEngine, store domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		engine: engine,
		store:  store,
		logger: logHandler(logger, "positions"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions for a given profile.
// GET /api/positions?profile_id=...&limit=...&since=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profile_id")
	if profileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id query parameter required")
		return
	}

	positions, err := h.store.ListByProfile(r.Context(), profileID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns a single position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	p, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// openPositionRequest is the manual open request body.
type openPositionRequest struct {
	ProfileID string            `json:"profile_id"`
	Params    domain.OpenParams `json:"params"`
}

// OpenPosition opens a position at the current mark price.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProfileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id required")
		return
	}

	p, err := h.engine.OpenPosition(r.Context(), req.ProfileID, req.Params)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidParameters) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "open position failed",
			slog.String("profile_id", req.ProfileID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to open position")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// closePositionResponse wraps the realized PnL of a manual close.
type closePositionResponse struct {
	PositionID  string  `json:"position_id"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// ClosePosition closes a position at the current mark price.
// DELETE /api/positions/{id}
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	realized, err := h.engine.ClosePosition(r.Context(), id, domain.CloseReasonManual)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.Is(err, domain.ErrNotOpen):
			writeError(w, http.StatusConflict, "position is not open")
		default:
			h.logger.ErrorContext(r.Context(), "close position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to close position")
		}
		return
	}
	writeJSON(w, http.StatusOK, closePositionResponse{PositionID: id, RealizedPnL: realized})
}
