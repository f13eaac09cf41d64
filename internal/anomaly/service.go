package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSessionNotCompleted is returned when evaluating a session that is still
// ACTIVE or PAUSED.
var ErrSessionNotCompleted = errors.New("session not completed")

// Evaluation is the outcome of evaluating one session.
type Evaluation struct {
	SessionID string           `json:"sessionId"`
	Verdict   Verdict          `json:"verdict"`
	Insight   *storage.Insight `json:"insight,omitempty"`
	// Duplicate is set when an unresolved insight already covered the
	// appointment and none was created.
	Duplicate bool `json:"duplicate,omitempty"`
}

// RangeResult summarizes a bulk re-evaluation.
type RangeResult struct {
	Evaluated int `json:"evaluated"`
	Anomalous int `json:"anomalous"`
	Created   int `json:"created"`
	Skipped   int `json:"skipped"`
}

// Detail is the evidence stored with an insight.
type Detail struct {
	StdDevSum    float64      `json:"stdDevSum"`
	Recalculated bool         `json:"recalculated"`
	Timestamp    time.Time    `json:"timestamp"`
	ThresholdKwh float64      `json:"thresholdKwh"`
	Allocations  []Allocation `json:"allocations"`
	Thresholds   Thresholds   `json:"thresholds"`
}

// Service evaluates completed sessions against stored profiles and manages
// the resulting insights.
type Service struct {
	sessions     storage.SessionStore
	appointments storage.AppointmentStore
	profiles     storage.ProfileStore
	insights     storage.InsightStore
	sink         notify.Sink
	thresholds   Thresholds
	clock        usage.Clock
	logger       zerolog.Logger
}

// NewService creates an anomaly Service.
func NewService(store storage.Store, sink notify.Sink, thresholds Thresholds, clock usage.Clock, logger zerolog.Logger) *Service {
	if sink == nil {
		sink = notify.Nop{}
	}
	if clock == nil {
		clock = usage.RealClock{}
	}
	return &Service{
		sessions:     store.Sessions(),
		appointments: store.Appointments(),
		profiles:     store.Profiles(),
		insights:     store.Insights(),
		sink:         sink,
		thresholds:   thresholds,
		clock:        clock,
		logger:       logger.With().Str("component", "anomaly").Logger(),
	}
}

// Thresholds returns the thresholds in use.
func (s *Service) Thresholds() Thresholds {
	return s.thresholds
}

// SessionCompleted evaluates a freshly completed session. Failures are
// logged; completion has already been committed.
func (s *Service) SessionCompleted(ctx context.Context, session storage.UsageSession) {
	if _, err := s.evaluate(ctx, session, false, true); err != nil {
		s.logger.Error().Err(err).
			Str("session_id", session.ID).
			Str("appointment_id", session.AppointmentID).
			Msg("Failed to evaluate completed session")
	}
}

// EvaluateSession re-evaluates a completed session and records an insight
// when it is anomalous.
func (s *Service) EvaluateSession(ctx context.Context, id string, recalculated bool) (*Evaluation, error) {
	session, err := s.completedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, *session, recalculated, true)
}

// Preview evaluates a completed session without writing an insight.
func (s *Service) Preview(ctx context.Context, id string) (*Evaluation, error) {
	session, err := s.completedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, *session, true, false)
}

// EvaluateRange re-evaluates every completed session of a tenant that ended
// inside window.
func (s *Service) EvaluateRange(ctx context.Context, systemID string, window storage.DateRange) (RangeResult, error) {
	var result RangeResult

	sessions, err := s.sessions.ListCompletedSessions(ctx, systemID, window)
	if err != nil {
		return result, fmt.Errorf("failed to list completed sessions: %w", err)
	}
	storage.SortSessionsByEnd(sessions)

	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		evaluation, err := s.evaluate(ctx, session, true, true)
		if err != nil {
			return result, fmt.Errorf("failed to evaluate session %s: %w", session.ID, err)
		}

		result.Evaluated++
		switch {
		case evaluation.Verdict.Outcome == OutcomeColdStartSkipped:
			result.Skipped++
		case evaluation.Verdict.Anomalous():
			result.Anomalous++
			if !evaluation.Duplicate {
				result.Created++
			}
		}
	}

	s.logger.Info().
		Str("system_id", systemID).
		Int("evaluated", result.Evaluated).
		Int("anomalous", result.Anomalous).
		Int("created", result.Created).
		Msg("Bulk evaluation finished")

	return result, nil
}

// ResolveInsight marks an insight resolved. Resolving twice is a no-op.
func (s *Service) ResolveInsight(ctx context.Context, id string) (*storage.Insight, error) {
	insight, err := s.insights.ResolveInsight(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("insight_id", insight.ID).
		Str("appointment_id", insight.AppointmentID).
		Msg("Insight resolved")

	s.sink.Publish(ctx, insightEvent(notify.TypeInsightResolved, *insight, s.clock.Now().UTC()))
	return insight, nil
}

// ListInsights returns insights matching filter, newest first.
func (s *Service) ListInsights(ctx context.Context, filter storage.InsightFilter) ([]storage.Insight, error) {
	return s.insights.ListInsights(ctx, filter)
}

func (s *Service) completedSession(ctx context.Context, id string) (*storage.UsageSession, error) {
	session, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != storage.SessionCompleted {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotCompleted, id, session.Status)
	}
	return session, nil
}

func (s *Service) evaluate(ctx context.Context, session storage.UsageSession, recalculated, persist bool) (*Evaluation, error) {
	input, err := s.input(ctx, session)
	if err != nil {
		return nil, err
	}

	verdict := Evaluate(input, s.thresholds)
	metrics.Evaluations.WithLabelValues(string(verdict.Outcome)).Inc()

	evaluation := &Evaluation{SessionID: session.ID, Verdict: verdict}

	logEvent := s.logger.Debug()
	if verdict.Anomalous() {
		logEvent = s.logger.Info()
	}
	logEvent.
		Str("session_id", session.ID).
		Str("outcome", string(verdict.Outcome)).
		Float64("actual_kwh", verdict.ActualKwh).
		Float64("expected_kwh", verdict.ExpectedKwh).
		Float64("deviation_pct", verdict.DeviationPct).
		Msg("Session evaluated")

	if !verdict.Anomalous() || !persist {
		return evaluation, nil
	}

	existing, err := s.insights.FindUnresolved(ctx, session.AppointmentID, storage.InsightOverConsumption)
	switch {
	case err == nil:
		evaluation.Insight = existing
		evaluation.Duplicate = true
		return evaluation, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing insights: %w", err)
	}

	now := s.clock.Now().UTC()
	detail, err := json.Marshal(Detail{
		StdDevSum:    verdict.StdDevSum,
		Recalculated: recalculated,
		Timestamp:    now,
		ThresholdKwh: verdict.Threshold,
		Allocations:  verdict.Allocations,
		Thresholds:   s.thresholds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode insight detail: %w", err)
	}

	insight := storage.Insight{
		ID:                    uuid.NewString(),
		SystemID:              session.SystemID,
		AppointmentID:         session.AppointmentID,
		DeviceUsageID:         session.ID,
		EquipmentAssignmentID: session.EquipmentAssignmentID,
		Type:                  storage.InsightOverConsumption,
		ActualKwh:             verdict.ActualKwh,
		ExpectedKwh:           verdict.ExpectedKwh,
		DeviationPct:          verdict.DeviationPct,
		Detail:                detail,
		DetectedAt:            now,
	}

	if err := s.insights.CreateInsight(ctx, insight); err != nil {
		if !errors.Is(err, storage.ErrInsightExists) {
			return nil, fmt.Errorf("failed to create insight: %w", err)
		}
		// Lost the race to a concurrent evaluation of the same appointment.
		existing, findErr := s.insights.FindUnresolved(ctx, session.AppointmentID, storage.InsightOverConsumption)
		if findErr == nil {
			evaluation.Insight = existing
		}
		evaluation.Duplicate = true
		return evaluation, nil
	}

	metrics.InsightsCreated.WithLabelValues(string(insight.Type)).Inc()
	s.logger.Warn().
		Str("insight_id", insight.ID).
		Str("session_id", session.ID).
		Str("appointment_id", session.AppointmentID).
		Float64("actual_kwh", insight.ActualKwh).
		Float64("expected_kwh", insight.ExpectedKwh).
		Float64("deviation_pct", insight.DeviationPct).
		Msg("Over-consumption detected")

	s.sink.Publish(ctx, insightEvent(notify.TypeInsightCreated, insight, now))
	evaluation.Insight = &insight
	return evaluation, nil
}

// input gathers the appointment services and their profiles. A missing
// appointment or profile yields a cold start rather than an error.
func (s *Service) input(ctx context.Context, session storage.UsageSession) (Input, error) {
	input := Input{Profiles: make(map[string]storage.EnergyProfile)}
	if session.EnergyKwh != nil {
		input.ActualKwh = *session.EnergyKwh
	}
	if session.ActualMinutes != nil {
		input.ActualMinutes = *session.ActualMinutes
	}

	appointment, err := s.appointments.GetAppointment(ctx, session.AppointmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return input, nil
		}
		return input, fmt.Errorf("failed to load appointment: %w", err)
	}
	input.Services = appointment.Services

	for _, svc := range appointment.Services {
		if _, done := input.Profiles[svc.ServiceID]; done {
			continue
		}
		profile, err := s.profiles.GetProfile(ctx, session.SystemID, session.EquipmentID, svc.ServiceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return input, fmt.Errorf("failed to load profile: %w", err)
		}
		input.Profiles[svc.ServiceID] = *profile
	}
	return input, nil
}

func insightEvent(eventType string, insight storage.Insight, at time.Time) notify.Event {
	return notify.Event{
		Type: eventType,
		Topics: []string{
			notify.AppointmentTopic(insight.AppointmentID),
			notify.SessionTopic(insight.DeviceUsageID),
			notify.SystemTopic(insight.SystemID),
		},
		ResourceID: insight.ID,
		Timestamp:  at,
		Data:       insight,
	}
}
