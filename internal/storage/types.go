package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a usage session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to uppercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToUpper(raw))
	switch normalized {
	case SessionActive, SessionPaused, SessionCompleted:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid session status: %s (must be ACTIVE, PAUSED, or COMPLETED)", raw)
	}
}

// Open reports whether the session still accepts transitions.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionPaused
}

// InsightType classifies an insight.
type InsightType string

const (
	InsightOverConsumption InsightType = "OVER_CONSUMPTION"
)

// PauseInterval records one pause of a session. ResumedAt and
// DurationMinutes stay nil while the pause is open.
type PauseInterval struct {
	PausedAt        time.Time  `json:"paused_at"`
	ResumedAt       *time.Time `json:"resumed_at,omitempty"`
	DurationMinutes *int64     `json:"duration_minutes,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// Closed reports whether the pause has been resumed.
func (p PauseInterval) Closed() bool {
	return p.ResumedAt != nil
}

// UsageSession is one use of a piece of equipment within an appointment.
type UsageSession struct {
	ID                    string          `json:"id"`
	SystemID              string          `json:"system_id"`
	AppointmentID         string          `json:"appointment_id"`
	EquipmentID           string          `json:"equipment_id"`
	EquipmentAssignmentID string          `json:"equipment_assignment_id,omitempty"`
	DeviceID              string          `json:"device_id,omitempty"`
	StartedAt             time.Time       `json:"started_at"`
	PausedAt              *time.Time      `json:"paused_at,omitempty"`
	EndedAt               *time.Time      `json:"ended_at,omitempty"`
	EstimatedMinutes      int64           `json:"estimated_minutes"`
	ActualMinutes         *int64          `json:"actual_minutes,omitempty"`
	Status                SessionStatus   `json:"status"`
	PauseIntervals        []PauseInterval `json:"pause_intervals"`
	EnergyKwh             *float64        `json:"energy_kwh,omitempty"`
	LastSampleAt          *time.Time      `json:"last_sample_at,omitempty"`
	LastPowerW            float64         `json:"last_power_w"`
	Version               int64           `json:"version"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s UsageSession) Clone() UsageSession {
	out := s
	out.PausedAt = cloneTime(s.PausedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	out.LastSampleAt = cloneTime(s.LastSampleAt)
	if s.ActualMinutes != nil {
		v := *s.ActualMinutes
		out.ActualMinutes = &v
	}
	if s.EnergyKwh != nil {
		v := *s.EnergyKwh
		out.EnergyKwh = &v
	}
	out.PauseIntervals = make([]PauseInterval, len(s.PauseIntervals))
	for i, p := range s.PauseIntervals {
		cp := p
		cp.ResumedAt = cloneTime(p.ResumedAt)
		if p.DurationMinutes != nil {
			v := *p.DurationMinutes
			cp.DurationMinutes = &v
		}
		out.PauseIntervals[i] = cp
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AppointmentService is one service booked on an appointment.
type AppointmentService struct {
	ServiceID                string `json:"service_id"`
	DurationMinutes          int64  `json:"duration_minutes"`
	TreatmentDurationMinutes int64  `json:"treatment_duration_minutes,omitempty"`
}

// DeclaredMinutes returns the treatment-specific duration when set, the
// generic duration otherwise.
func (s AppointmentService) DeclaredMinutes() int64 {
	if s.TreatmentDurationMinutes > 0 {
		return s.TreatmentDurationMinutes
	}
	if s.DurationMinutes > 0 {
		return s.DurationMinutes
	}
	return 0
}

// Appointment is the read model of a booked appointment.
type Appointment struct {
	ID        string               `json:"id"`
	SystemID  string               `json:"system_id"`
	Services  []AppointmentService `json:"services"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// EstimatedMinutes sums the declared duration of every service.
func (a Appointment) EstimatedMinutes() int64 {
	var total int64
	for _, svc := range a.Services {
		total += svc.DeclaredMinutes()
	}
	return total
}

// EnergyProfile is the per-minute consumption baseline of a service on a
// piece of equipment.
type EnergyProfile struct {
	SystemID        string    `json:"system_id"`
	EquipmentID     string    `json:"equipment_id"`
	ServiceID       string    `json:"service_id"`
	AvgKwhPerMin    float64   `json:"avg_kwh_per_min"`
	StdDevKwhPerMin float64   `json:"stddev_kwh_per_min"`
	SampleCount     int       `json:"sample_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Key returns the natural key of the profile.
func (p EnergyProfile) Key() string {
	return ProfileKey(p.SystemID, p.EquipmentID, p.ServiceID)
}

// ProfileKey joins the natural key parts of an energy profile.
func ProfileKey(systemID, equipmentID, serviceID string) string {
	return systemID + "/" + equipmentID + "/" + serviceID
}

// Insight records a detected anomaly for an appointment.
type Insight struct {
	ID                    string          `json:"id"`
	SystemID              string          `json:"system_id"`
	AppointmentID         string          `json:"appointment_id"`
	DeviceUsageID         string          `json:"device_usage_id"`
	EquipmentAssignmentID string          `json:"equipment_assignment_id,omitempty"`
	Type                  InsightType     `json:"type"`
	ActualKwh             float64         `json:"actual_kwh"`
	ExpectedKwh           float64         `json:"expected_kwh"`
	DeviationPct          float64         `json:"deviation_pct"`
	Resolved              bool            `json:"resolved"`
	ResolvedAt            *time.Time      `json:"resolved_at,omitempty"`
	Detail                json.RawMessage `json:"detail,omitempty"`
	DetectedAt            time.Time       `json:"detected_at"`
}
