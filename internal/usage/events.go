package usage

import (
	"context"
	"time"

	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/storage"
)

// SessionEvent is the payload of session.* notifications.
type SessionEvent struct {
	SessionID          string                  `json:"sessionId"`
	AppointmentID      string                  `json:"appointmentId"`
	EquipmentID        string                  `json:"equipmentId"`
	CurrentStatus      storage.SessionStatus   `json:"currentStatus"`
	PauseIntervals     []storage.PauseInterval `json:"pauseIntervals"`
	ActualMinutesSoFar int64                   `json:"actualMinutesSoFar"`
	EnergyKwh          *float64                `json:"energyKwh,omitempty"`
	Action             string                  `json:"action"`
}

// NewSessionEvent builds the notification for a session after an action.
func NewSessionEvent(eventType, action string, session storage.UsageSession, at time.Time) notify.Event {
	return notify.Event{
		Type: eventType,
		Topics: []string{
			notify.SessionTopic(session.ID),
			notify.AppointmentTopic(session.AppointmentID),
			notify.SystemTopic(session.SystemID),
		},
		ResourceID: session.ID,
		Timestamp:  at,
		Data: SessionEvent{
			SessionID:          session.ID,
			AppointmentID:      session.AppointmentID,
			EquipmentID:        session.EquipmentID,
			CurrentStatus:      session.Status,
			PauseIntervals:     session.PauseIntervals,
			ActualMinutesSoFar: ActiveMinutes(session, at),
			EnergyKwh:          session.EnergyKwh,
			Action:             action,
		},
	}
}

func (e *Engine) publish(ctx context.Context, eventType, action string, session storage.UsageSession, at time.Time) {
	e.sink.Publish(ctx, NewSessionEvent(eventType, action, session, at))
}
