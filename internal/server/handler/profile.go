package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yxzhao/perpbot/internal/domain"
)

// ProfileRegistry defines the registration operations the profile handler
// requires.
type ProfileRegistry interface {
	RegisterProfile(ctx context.Context, p domain.Profile) error
	DeregisterProfile(ctx context.Context, profileID string) error
}

// ProfileHandler serves profile registration endpoints.
type ProfileHandler struct {
	registry ProfileRegistry
	logger   *slog.Logger
}

// NewProfileHandler creates a ProfileHandler.
func NewProfileHandler(registry ProfileRegistry, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{
		registry: registry,
		logger:   logHandler(logger, "profiles"),
	}
}

// RegisterProfile adds a profile to the scheduler.
// POST /api/profiles
func (h *ProfileHandler) RegisterProfile(w http.ResponseWriter, r *http.Request) {
	var p domain.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.registry.RegisterProfile(r.Context(), p); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidParameters):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "profile already registered")
		default:
			h.logger.ErrorContext(r.Context(), "register profile failed",
				slog.String("profile_id", p.ID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to register profile")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"profile_id": p.ID})
}

// DeregisterProfile removes a profile from the scheduler.
// DELETE /api/profiles/{id}
func (h *ProfileHandler) DeregisterProfile(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	if err := h.registry.DeregisterProfile(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "deregister profile failed",
			slog.String("profile_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to deregister profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
