package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clinicops/equipwatch/internal/anomaly"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/telemetry"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response","code":500}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, usage.ErrInvalidRequest),
		errors.Is(err, telemetry.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, usage.ErrAlreadyActive),
		errors.Is(err, usage.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrOpenSessionExists),
		errors.Is(err, anomaly.ErrSessionNotCompleted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps err onto a response. Server errors are logged and
// their detail withheld.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg(message)
		writeError(w, status, message)
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody decodes an optional JSON body. An empty body leaves dst as is.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", usage.ErrInvalidRequest, err)
	}
	return nil
}

// rangeRequest is the body of recompute and bulk evaluation requests.
type rangeRequest struct {
	SystemID string     `json:"systemId"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

func (r rangeRequest) window() (storage.DateRange, error) {
	if r.From != nil && r.To != nil && !r.From.Before(*r.To) {
		return storage.DateRange{}, fmt.Errorf("%w: from must be before to", usage.ErrInvalidRequest)
	}
	return storage.DateRange{From: r.From, To: r.To}, nil
}
