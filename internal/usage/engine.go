package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxConflictRetries bounds how often a transition is re-read and
// re-applied after losing a compare-and-swap race.
const DefaultMaxConflictRetries = 5

var (
	// ErrAlreadyActive is returned by Start when the appointment already has
	// an ACTIVE or PAUSED session for the equipment.
	ErrAlreadyActive = errors.New("usage session already active")

	// ErrInvalidTransition is returned when the session's current state does
	// not allow the requested operation.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// errNoChange aborts a transition without writing.
var errNoChange = errors.New("no change")

// CompletionObserver is notified after a session has been committed as
// COMPLETED.
type CompletionObserver interface {
	SessionCompleted(ctx context.Context, session storage.UsageSession)
}

// Config holds engine configuration
type Config struct {
	MaxConflictRetries int
	DefaultSystemID    string
	Clock              Clock
}

// StartRequest describes a new usage session.
type StartRequest struct {
	SystemID              string `json:"systemId"`
	AppointmentID         string `json:"appointmentId"`
	EquipmentID           string `json:"equipmentId"`
	EquipmentAssignmentID string `json:"equipmentAssignmentId,omitempty"`
	DeviceID              string `json:"deviceId,omitempty"`
	EstimatedMinutes      *int64 `json:"estimatedMinutes,omitempty"`
}

// Engine runs the pause/resume state machine of usage sessions. State lives
// in the store; every transition is a read-modify-write guarded by the
// session version, so engines on several instances can share one store.
type Engine struct {
	sessions     storage.SessionStore
	appointments storage.AppointmentStore
	sink         notify.Sink
	clock        Clock
	maxRetries   int
	systemID     string
	logger       zerolog.Logger

	mu       sync.RWMutex
	observer CompletionObserver
}

// NewEngine creates a usage timer engine.
func NewEngine(sessions storage.SessionStore, appointments storage.AppointmentStore, sink notify.Sink, config Config, logger zerolog.Logger) *Engine {
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}
	if sink == nil {
		sink = notify.Nop{}
	}

	return &Engine{
		sessions:     sessions,
		appointments: appointments,
		sink:         sink,
		clock:        config.Clock,
		maxRetries:   config.MaxConflictRetries,
		systemID:     config.DefaultSystemID,
		logger:       logger.With().Str("component", "usage-engine").Logger(),
	}
}

// SetCompletionObserver sets the hook called after each completion.
func (e *Engine) SetCompletionObserver(observer CompletionObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = observer
}

func (e *Engine) completionObserver() CompletionObserver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.observer
}

// Start opens a new ACTIVE session.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*storage.UsageSession, error) {
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.EquipmentID = strings.TrimSpace(req.EquipmentID)
	if req.AppointmentID == "" || req.EquipmentID == "" {
		return nil, fmt.Errorf("%w: appointmentId and equipmentId are required", ErrInvalidRequest)
	}
	if req.EstimatedMinutes != nil && *req.EstimatedMinutes < 0 {
		return nil, fmt.Errorf("%w: estimatedMinutes must not be negative", ErrInvalidRequest)
	}

	systemID := req.SystemID
	var estimated int64
	if req.EstimatedMinutes != nil {
		estimated = *req.EstimatedMinutes
	}

	if req.EstimatedMinutes == nil || systemID == "" {
		appointment, err := e.appointments.GetAppointment(ctx, req.AppointmentID)
		switch {
		case err == nil:
			if req.EstimatedMinutes == nil {
				estimated = appointment.EstimatedMinutes()
			}
			if systemID == "" {
				systemID = appointment.SystemID
			}
		case errors.Is(err, storage.ErrNotFound):
			e.logger.Debug().
				Str("appointment_id", req.AppointmentID).
				Msg("Appointment not known, starting session without estimate")
		default:
			return nil, fmt.Errorf("failed to load appointment: %w", err)
		}
	}
	if systemID == "" {
		systemID = e.systemID
	}

	now := e.clock.Now().UTC()
	session := storage.UsageSession{
		ID:                    uuid.NewString(),
		SystemID:              systemID,
		AppointmentID:         req.AppointmentID,
		EquipmentID:           req.EquipmentID,
		EquipmentAssignmentID: req.EquipmentAssignmentID,
		DeviceID:              strings.TrimSpace(req.DeviceID),
		StartedAt:             now,
		EstimatedMinutes:      estimated,
		Status:                storage.SessionActive,
		PauseIntervals:        []storage.PauseInterval{},
		Version:               1,
		UpdatedAt:             now,
	}

	if err := e.sessions.CreateSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrOpenSessionExists) {
			metrics.SessionTransitions.WithLabelValues("start", "rejected").Inc()
			return nil, fmt.Errorf("%w: appointment %s equipment %s", ErrAlreadyActive, req.AppointmentID, req.EquipmentID)
		}
		metrics.SessionTransitions.WithLabelValues("start", "error").Inc()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.SessionTransitions.WithLabelValues("start", "ok").Inc()
	metrics.OpenSessions.Inc()

	e.logger.Info().
		Str("session_id", session.ID).
		Str("appointment_id", session.AppointmentID).
		Str("equipment_id", session.EquipmentID).
		Str("device_id", session.DeviceID).
		Int64("estimated_minutes", session.EstimatedMinutes).
		Msg("Started usage session")

	e.publish(ctx, notify.TypeSessionStarted, "start", session, now)
	return &session, nil
}

// Pause moves an ACTIVE session to PAUSED.
func (e *Engine) Pause(ctx context.Context, id, reason string) (*storage.UsageSession, error) {
	session, err := e.transition(ctx, id, "pause", func(s *storage.UsageSession, now time.Time) error {
		if s.Status != storage.SessionActive {
			return fmt.Errorf("%w: cannot pause %s session", ErrInvalidTransition, s.Status)
		}
		flushEnergy(s, now)
		paused := now
		s.Status = storage.SessionPaused
		s.PausedAt = &paused
		s.PauseIntervals = append(s.PauseIntervals, storage.PauseInterval{
			PausedAt: now,
			Reason:   strings.TrimSpace(reason),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("session_id", session.ID).
		Str("reason", reason).
		Int("pauses", len(session.PauseIntervals)).
		Msg("Paused usage session")

	e.publish(ctx, notify.TypeSessionPaused, "pause", *session, session.UpdatedAt)
	return session, nil
}

// Resume moves a PAUSED session back to ACTIVE and closes its open pause.
func (e *Engine) Resume(ctx context.Context, id string) (*storage.UsageSession, error) {
	session, err := e.transition(ctx, id, "resume", func(s *storage.UsageSession, now time.Time) error {
		if s.Status != storage.SessionPaused {
			return fmt.Errorf("%w: cannot resume %s session", ErrInvalidTransition, s.Status)
		}
		closeOpenPause(s, now)
		s.Status = storage.SessionActive
		if s.LastSampleAt != nil {
			cursor := now
			s.LastSampleAt = &cursor
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("session_id", session.ID).
		Int64("active_minutes", ActiveMinutes(*session, session.UpdatedAt)).
		Msg("Resumed usage session")

	e.publish(ctx, notify.TypeSessionResumed, "resume", *session, session.UpdatedAt)
	return session, nil
}

// Complete ends an ACTIVE or PAUSED session and records its active minutes.
// A non-nil finalEnergyKwh replaces whatever energy telemetry accumulated.
func (e *Engine) Complete(ctx context.Context, id string, finalEnergyKwh *float64) (*storage.UsageSession, error) {
	if finalEnergyKwh != nil && *finalEnergyKwh < 0 {
		return nil, fmt.Errorf("%w: energyKwh must not be negative", ErrInvalidRequest)
	}

	session, err := e.transition(ctx, id, "complete", func(s *storage.UsageSession, now time.Time) error {
		switch s.Status {
		case storage.SessionPaused:
			closeOpenPause(s, now)
		case storage.SessionActive:
			flushEnergy(s, now)
		default:
			return fmt.Errorf("%w: cannot complete %s session", ErrInvalidTransition, s.Status)
		}

		ended := now
		s.EndedAt = &ended
		s.PausedAt = nil
		s.Status = storage.SessionCompleted
		minutes := ActiveMinutes(*s, now)
		s.ActualMinutes = &minutes
		if finalEnergyKwh != nil {
			kwh := *finalEnergyKwh
			s.EnergyKwh = &kwh
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenSessions.Dec()
	metrics.UsageMinutes.WithLabelValues(session.SystemID, session.EquipmentID).Add(float64(*session.ActualMinutes))
	if session.EnergyKwh != nil {
		metrics.EnergyKwh.WithLabelValues(session.SystemID, session.EquipmentID).Add(*session.EnergyKwh)
	}

	logEvent := e.logger.Info().
		Str("session_id", session.ID).
		Str("appointment_id", session.AppointmentID).
		Int64("actual_minutes", *session.ActualMinutes).
		Int64("estimated_minutes", session.EstimatedMinutes)
	if session.EnergyKwh != nil {
		logEvent = logEvent.Float64("energy_kwh", *session.EnergyKwh)
	}
	logEvent.Msg("Completed usage session")

	e.publish(ctx, notify.TypeSessionCompleted, "complete", *session, session.UpdatedAt)

	if observer := e.completionObserver(); observer != nil {
		observer.SessionCompleted(context.WithoutCancel(ctx), *session)
	}
	return session, nil
}

// RecordPower integrates a power reading into the ACTIVE session bound to the
// device. It returns nil without error when the device has no open session or
// the sample does not apply.
func (e *Engine) RecordPower(ctx context.Context, deviceID string, watts float64, at time.Time) (*storage.UsageSession, error) {
	open, err := e.sessions.FindOpenSessionByDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find session for device: %w", err)
	}

	at = at.UTC()
	session, err := e.transition(ctx, open.ID, "sample", func(s *storage.UsageSession, _ time.Time) error {
		if s.Status != storage.SessionActive {
			return errNoChange
		}
		if !applySample(s, watts, at) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("session_id", session.ID).
		Str("device_id", deviceID).
		Float64("watts", watts).
		Float64("energy_kwh", *session.EnergyKwh).
		Msg("Recorded power sample")

	return session, nil
}

// Get returns a session by id.
func (e *Engine) Get(ctx context.Context, id string) (*storage.UsageSession, error) {
	return e.sessions.GetSession(ctx, id)
}

// ListOpen returns every ACTIVE or PAUSED session.
func (e *Engine) ListOpen(ctx context.Context) ([]storage.UsageSession, error) {
	return e.sessions.ListOpenSessions(ctx)
}

// ActualMinutesSoFar returns the live active minutes of a session.
func (e *Engine) ActualMinutesSoFar(session storage.UsageSession) int64 {
	return ActiveMinutes(session, e.clock.Now().UTC())
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now().UTC()
}

// transition re-reads the session and applies fn until the compare-and-swap
// succeeds. A conflicting writer forces fn to see the new state, so guards are
// re-evaluated rather than double-applied.
func (e *Engine) transition(ctx context.Context, id, action string, fn func(*storage.UsageSession, time.Time) error) (*storage.UsageSession, error) {
	for attempt := 0; ; attempt++ {
		current, err := e.sessions.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}

		now := e.clock.Now().UTC()
		next := current.Clone()
		if err := fn(&next, now); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				metrics.SessionTransitions.WithLabelValues(action, "rejected").Inc()
			}
			return nil, err
		}

		next.Version = current.Version + 1
		next.UpdatedAt = now

		err = e.sessions.UpdateSession(ctx, next, current.Version)
		if err == nil {
			metrics.SessionTransitions.WithLabelValues(action, "ok").Inc()
			return &next, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			metrics.SessionTransitions.WithLabelValues(action, "error").Inc()
			return nil, fmt.Errorf("failed to %s session: %w", action, err)
		}

		metrics.SessionConflicts.WithLabelValues(action).Inc()
		if attempt >= e.maxRetries {
			return nil, fmt.Errorf("failed to %s session after %d attempts: %w", action, attempt+1, err)
		}

		e.logger.Debug().
			Str("session_id", id).
			Str("action", action).
			Int("attempt", attempt+1).
			Msg("Session version conflict, retrying")

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
