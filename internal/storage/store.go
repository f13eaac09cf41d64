package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrConflict is returned when a compare-and-swap update observes a
	// version other than the expected one.
	ErrConflict = errors.New("storage: version conflict")

	// ErrOpenSessionExists is returned when an ACTIVE or PAUSED session
	// already exists for the same appointment and equipment.
	ErrOpenSessionExists = errors.New("storage: open session exists")

	// ErrInsightExists is returned when an unresolved insight of the same
	// type already exists for the appointment.
	ErrInsightExists = errors.New("storage: unresolved insight exists")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Profiles() ProfileStore
	Insights() InsightStore
	Appointments() AppointmentStore
}

// SessionStore manages equipment usage sessions.
//
// UpdateSession is a compare-and-swap: it writes the session only if the
// stored version equals expectedVersion, and returns ErrConflict otherwise.
// Callers set session.Version to the new version before calling.
type SessionStore interface {
	CreateSession(ctx context.Context, session UsageSession) error
	GetSession(ctx context.Context, id string) (*UsageSession, error)
	UpdateSession(ctx context.Context, session UsageSession, expectedVersion int64) error
	FindOpenSession(ctx context.Context, appointmentID, equipmentID string) (*UsageSession, error)
	// FindOpenSessionByDevice returns the most recently started open session
	// bound to the device; other open sessions on the same device stay indexed.
	FindOpenSessionByDevice(ctx context.Context, deviceID string) (*UsageSession, error)
	ListOpenSessions(ctx context.Context) ([]UsageSession, error)
	ListCompletedSessions(ctx context.Context, systemID string, window DateRange) ([]UsageSession, error)
}

// ProfileStore manages energy profiles. ReplaceProfile overwrites the row
// for the profile key atomically.
type ProfileStore interface {
	ReplaceProfile(ctx context.Context, profile EnergyProfile) error
	GetProfile(ctx context.Context, systemID, equipmentID, serviceID string) (*EnergyProfile, error)
	ListProfiles(ctx context.Context, systemID string) ([]EnergyProfile, error)
}

// InsightStore manages detected insights.
type InsightStore interface {
	// CreateInsight stores a new insight unless an unresolved insight of the
	// same type exists for the appointment, in which case it returns
	// ErrInsightExists.
	CreateInsight(ctx context.Context, insight Insight) error
	GetInsight(ctx context.Context, id string) (*Insight, error)
	FindUnresolved(ctx context.Context, appointmentID string, insightType InsightType) (*Insight, error)
	ListInsights(ctx context.Context, filter InsightFilter) ([]Insight, error)
	ResolveInsight(ctx context.Context, id string, resolvedAt time.Time) (*Insight, error)
}

// AppointmentStore holds the appointment read model used to derive
// estimated durations and service allocations.
type AppointmentStore interface {
	UpsertAppointment(ctx context.Context, appointment Appointment) error
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
}

// DateRange is a half-open [From, To) window. Nil bounds are open.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && !t.Before(*r.To) {
		return false
	}
	return true
}

// InsightFilter defines criteria for listing insights.
type InsightFilter struct {
	SystemID       string
	AppointmentID  string
	Type           InsightType
	UnresolvedOnly bool
	Limit          int
}

// Matches reports whether the insight satisfies the filter.
func (f InsightFilter) Matches(in Insight) bool {
	if f.SystemID != "" && in.SystemID != f.SystemID {
		return false
	}
	if f.AppointmentID != "" && in.AppointmentID != f.AppointmentID {
		return false
	}
	if f.Type != "" && in.Type != f.Type {
		return false
	}
	if f.UnresolvedOnly && in.Resolved {
		return false
	}
	return true
}
