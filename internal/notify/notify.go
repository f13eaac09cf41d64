// Package notify delivers domain events to operators and downstream systems.
//
// Publishing is fire-and-forget: a Sink never returns an error to the caller
// and never blocks a session transition for long. Sinks that talk to remote
// brokers are wrapped in an AsyncSink so slow brokers shed load instead.
package notify

import (
	"context"
	"time"
)

// Event types published by the engine.
const (
	TypeSessionStarted   = "session.started"
	TypeSessionPaused    = "session.paused"
	TypeSessionResumed   = "session.resumed"
	TypeSessionCompleted = "session.completed"
	TypeInsightCreated   = "insight.created"
	TypeInsightResolved  = "insight.resolved"
	TypeTelemetryStale   = "telemetry.stale"
)

// AllTopics subscribes a client to every event.
const AllTopics = "*"

// Event is a single notification.
type Event struct {
	Type       string    `json:"type"`
	Topics     []string  `json:"topics"`
	ResourceID string    `json:"resourceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// SessionTopic returns the topic for one usage session.
func SessionTopic(id string) string { return "session:" + id }

// AppointmentTopic returns the topic for one appointment.
func AppointmentTopic(id string) string { return "appointment:" + id }

// SystemTopic returns the topic for one tenant.
func SystemTopic(id string) string { return "system:" + id }

// DeviceTopic returns the topic for one telemetry device.
func DeviceTopic(id string) string { return "device:" + id }

// Nop discards every event.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) {}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event)

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, event Event) { f(ctx, event) }
