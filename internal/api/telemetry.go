package api

import (
	"net/http"

	"github.com/clinicops/equipwatch/internal/telemetry"
	"github.com/rs/zerolog"
)

type telemetryHandler struct {
	ingestor *telemetry.Ingestor
	logger   zerolog.Logger
}

// Push accepts one telemetry event. Power samples are applied
// asynchronously, so the reply is 202.
func (h *telemetryHandler) Push(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "Telemetry ingestion is disabled")
		return
	}

	var ev telemetry.Event
	if err := decodeBody(r, &ev); err != nil {
		writeServiceError(w, h.logger, err, "Invalid request body")
		return
	}
	if err := h.ingestor.Submit(ev, "http"); err != nil {
		writeServiceError(w, h.logger, err, "Failed to accept telemetry")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// List returns the latest known state of every cached device.
func (h *telemetryHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "Telemetry ingestion is disabled")
		return
	}

	devices := h.ingestor.Cache().Snapshot()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{DeviceState: d, EffectivePowerW: d.EffectivePowerW()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": views,
		"count":   len(views),
	})
}

type deviceView struct {
	telemetry.DeviceState
	EffectivePowerW float64 `json:"effectivePowerW"`
}
