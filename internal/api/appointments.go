package api

import (
	"net/http"
	"strings"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type appointmentHandler struct {
	store  storage.AppointmentStore
	engine *usage.Engine
	logger zerolog.Logger
}

// Put stores the read model of an appointment.
func (h *appointmentHandler) Put(w http.ResponseWriter, r *http.Request) {
	var appointment storage.Appointment
	if err := decodeBody(r, &appointment); err != nil {
		writeServiceError(w, h.logger, err, "Invalid request body")
		return
	}

	appointment.ID = mux.Vars(r)["id"]
	appointment.SystemID = strings.TrimSpace(appointment.SystemID)
	if appointment.Services == nil {
		appointment.Services = []storage.AppointmentService{}
	}
	for _, svc := range appointment.Services {
		if strings.TrimSpace(svc.ServiceID) == "" {
			writeError(w, http.StatusBadRequest, "service_id is required for every service")
			return
		}
		if svc.DurationMinutes < 0 || svc.TreatmentDurationMinutes < 0 {
			writeError(w, http.StatusBadRequest, "service durations must not be negative")
			return
		}
	}
	appointment.UpdatedAt = h.engine.Now()

	if err := h.store.UpsertAppointment(r.Context(), appointment); err != nil {
		writeServiceError(w, h.logger, err, "Failed to store appointment")
		return
	}

	h.logger.Debug().
		Str("appointment_id", appointment.ID).
		Int("services", len(appointment.Services)).
		Msg("Appointment stored")
	writeJSON(w, http.StatusOK, appointment)
}

// Get returns the read model of an appointment.
func (h *appointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	appointment, err := h.store.GetAppointment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to get appointment")
		return
	}
	writeJSON(w, http.StatusOK, appointment)
}
