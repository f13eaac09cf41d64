package api

import (
	"net/http"

	"github.com/clinicops/equipwatch/internal/profile"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/rs/zerolog"
)

type profileHandler struct {
	store      storage.ProfileStore
	aggregator *profile.Aggregator
	logger     zerolog.Logger
}

// List returns the profiles of a tenant, or of every tenant when systemId
// is omitted.
func (h *profileHandler) List(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfiles(r.Context(), r.URL.Query().Get("systemId"))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list profiles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

// Recompute rebuilds profiles from completed sessions.
func (h *profileHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err, "Invalid request body")
		return
	}
	window, err := req.window()
	if err != nil {
		writeServiceError(w, h.logger, err, "Invalid range")
		return
	}

	result, err := h.aggregator.Recompute(r.Context(), req.SystemID, window)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to recompute profiles")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
