package api

import (
	"net/http"
	"strconv"

	"github.com/clinicops/equipwatch/internal/anomaly"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type insightHandler struct {
	anomaly *anomaly.Service
	logger  zerolog.Logger
}

// List returns insights matching the query filters.
func (h *insightHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.InsightFilter{
		SystemID:      q.Get("systemId"),
		AppointmentID: q.Get("appointmentId"),
		Type:          storage.InsightType(q.Get("type")),
	}
	if v := q.Get("unresolved"); v != "" {
		unresolved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unresolved must be a boolean")
			return
		}
		filter.UnresolvedOnly = unresolved
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	insights, err := h.anomaly.ListInsights(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list insights")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"insights": insights,
		"count":    len(insights),
	})
}

// Resolve marks an insight resolved.
func (h *insightHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	insight, err := h.anomaly.ResolveInsight(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to resolve insight")
		return
	}
	audit(h.logger, r, "resolve", insight.ID)
	writeJSON(w, http.StatusOK, insight)
}

// EvaluateRange re-evaluates completed sessions in a window.
func (h *insightHandler) EvaluateRange(w http.ResponseWriter, r *http.Request) {
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

	result, err := h.anomaly.EvaluateRange(r.Context(), req.SystemID, window)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to evaluate sessions")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
