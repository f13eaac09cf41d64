package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

// Result reports what a recompute pass did.
type Result struct {
	SystemID        string `json:"systemId,omitempty"`
	SessionsScanned int    `json:"sessionsScanned"`
	SessionsUsed    int    `json:"sessionsUsed"`
	ProfilesWritten int    `json:"profilesWritten"`
}

// Aggregator recomputes energy profiles from completed sessions.
type Aggregator struct {
	sessions     storage.SessionStore
	appointments storage.AppointmentStore
	profiles     storage.ProfileStore
	clock        usage.Clock
	logger       zerolog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(store storage.Store, clock usage.Clock, logger zerolog.Logger) *Aggregator {
	if clock == nil {
		clock = usage.RealClock{}
	}
	return &Aggregator{
		sessions:     store.Sessions(),
		appointments: store.Appointments(),
		profiles:     store.Profiles(),
		clock:        clock,
		logger:       logger.With().Str("component", "profile-aggregator").Logger(),
	}
}

type sampleKey struct {
	systemID    string
	equipmentID string
	serviceID   string
}

// Recompute rebuilds every profile touched by the tenant's completed sessions
// that ended inside window. An empty systemID covers every tenant.
//
// Each profile is replaced in one write. Cancellation is checked between
// writes, so an interrupted pass leaves each profile either old or new.
func (a *Aggregator) Recompute(ctx context.Context, systemID string, window storage.DateRange) (Result, error) {
	start := time.Now()
	result := Result{SystemID: systemID}

	sessions, err := a.sessions.ListCompletedSessions(ctx, systemID, window)
	if err != nil {
		return result, fmt.Errorf("failed to list completed sessions: %w", err)
	}
	storage.SortSessionsByEnd(sessions)

	samples, used, err := a.collect(ctx, sessions)
	if err != nil {
		return result, err
	}
	result.SessionsScanned = len(sessions)
	result.SessionsUsed = used

	keys := make([]sampleKey, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].systemID != keys[j].systemID {
			return keys[i].systemID < keys[j].systemID
		}
		if keys[i].equipmentID != keys[j].equipmentID {
			return keys[i].equipmentID < keys[j].equipmentID
		}
		return keys[i].serviceID < keys[j].serviceID
	})

	now := a.clock.Now().UTC()
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		stats := Summarize(samples[k])
		err := a.profiles.ReplaceProfile(ctx, storage.EnergyProfile{
			SystemID:        k.systemID,
			EquipmentID:     k.equipmentID,
			ServiceID:       k.serviceID,
			AvgKwhPerMin:    stats.Mean,
			StdDevKwhPerMin: stats.StdDev,
			SampleCount:     stats.Count,
			UpdatedAt:       now,
		})
		if err != nil {
			return result, fmt.Errorf("failed to replace profile %s: %w", storage.ProfileKey(k.systemID, k.equipmentID, k.serviceID), err)
		}
		result.ProfilesWritten++
		metrics.ProfilesWritten.WithLabelValues(k.systemID).Inc()
	}

	metrics.RecomputeDuration.WithLabelValues(systemID).Observe(time.Since(start).Seconds())

	a.logger.Info().
		Str("system_id", systemID).
		Int("sessions_scanned", result.SessionsScanned).
		Int("sessions_used", result.SessionsUsed).
		Int("profiles_written", result.ProfilesWritten).
		Dur("duration", time.Since(start)).
		Msg("Energy profiles recomputed")

	return result, nil
}

// collect groups per-minute samples by profile key. Every distinct service of
// a session's appointment receives that session's sample.
func (a *Aggregator) collect(ctx context.Context, sessions []storage.UsageSession) (map[sampleKey][]float64, int, error) {
	samples := make(map[sampleKey][]float64)
	appointments := make(map[string]*storage.Appointment)
	used := 0

	for _, session := range sessions {
		if session.ActualMinutes == nil || *session.ActualMinutes <= 0 || session.EnergyKwh == nil {
			continue
		}

		appointment, ok := appointments[session.AppointmentID]
		if !ok {
			loaded, err := a.appointments.GetAppointment(ctx, session.AppointmentID)
			switch {
			case err == nil:
				appointment = loaded
			case errors.Is(err, storage.ErrNotFound):
				a.logger.Debug().
					Str("session_id", session.ID).
					Str("appointment_id", session.AppointmentID).
					Msg("Skipping session without appointment")
			default:
				return nil, 0, fmt.Errorf("failed to load appointment %s: %w", session.AppointmentID, err)
			}
			appointments[session.AppointmentID] = appointment
		}
		if appointment == nil || len(appointment.Services) == 0 {
			continue
		}

		sample := *session.EnergyKwh / float64(*session.ActualMinutes)
		seen := make(map[string]struct{}, len(appointment.Services))
		for _, svc := range appointment.Services {
			if svc.ServiceID == "" {
				continue
			}
			if _, dup := seen[svc.ServiceID]; dup {
				continue
			}
			seen[svc.ServiceID] = struct{}{}

			k := sampleKey{systemID: session.SystemID, equipmentID: session.EquipmentID, serviceID: svc.ServiceID}
			samples[k] = append(samples[k], sample)
		}
		if len(seen) > 0 {
			used++
		}
	}

	return samples, used, nil
}
