package api

import (
	"net/http"
	"strconv"

	"github.com/clinicops/equipwatch/internal/anomaly"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SessionView is a session plus its provisional active minutes.
type SessionView struct {
	storage.UsageSession
	ActualMinutesSoFar int64 `json:"actual_minutes_so_far"`
}

type pauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type completeRequest struct {
	EnergyKwh *float64 `json:"energyKwh,omitempty"`
}

type sessionHandler struct {
	engine  *usage.Engine
	anomaly *anomaly.Service
	logger  zerolog.Logger
}

func (h *sessionHandler) view(session *storage.UsageSession) SessionView {
	return SessionView{UsageSession: *session, ActualMinutesSoFar: h.engine.ActualMinutesSoFar(*session)}
}

// Start opens a new session.
func (h *sessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req usage.StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err, "Invalid request body")
		return
	}

	session, err := h.engine.Start(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to start session")
		return
	}
	audit(h.logger, r, "start", session.ID)
	writeJSON(w, http.StatusCreated, h.view(session))
}

// ListOpen returns every ACTIVE or PAUSED session.
func (h *sessionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.ListOpen(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list sessions")
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, h.view(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": views,
		"count":    len(views),
	})
}

// Get returns one session.
func (h *sessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, h.view(session))
}

// Pause pauses an ACTIVE session.
func (h *sessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err, "Invalid request body")
		return
	}

	session, err := h.engine.Pause(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to pause session")
		return
	}
	audit(h.logger, r, "pause", session.ID)
	writeJSON(w, http.StatusOK, h.view(session))
}

// Resume resumes a PAUSED session.
func (h *sessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	session, err := h.engine.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to resume session")
		return
	}
	audit(h.logger, r, "resume", session.ID)
	writeJSON(w, http.StatusOK, h.view(session))
}

// Complete completes an open session.
func (h *sessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err, "Invalid request body")
		return
	}
	if req.EnergyKwh != nil && *req.EnergyKwh < 0 {
		writeError(w, http.StatusBadRequest, "energyKwh must not be negative")
		return
	}

	session, err := h.engine.Complete(r.Context(), mux.Vars(r)["id"], req.EnergyKwh)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to complete session")
		return
	}
	audit(h.logger, r, "complete", session.ID)
	writeJSON(w, http.StatusOK, h.view(session))
}

// Evaluate re-evaluates a completed session. With ?dryRun=true the verdict
// is returned without creating an insight.
func (h *sessionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	dryRun := false
	if v := r.URL.Query().Get("dryRun"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dryRun must be a boolean")
			return
		}
		dryRun = parsed
	}

	var (
		eval *anomaly.Evaluation
		err  error
	)
	if dryRun {
		eval, err = h.anomaly.Preview(r.Context(), id)
	} else {
		eval, err = h.anomaly.EvaluateSession(r.Context(), id, true)
	}
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to evaluate session")
		return
	}
	writeJSON(w, http.StatusOK, eval)
}
