package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, event Event) {
	entry := s.logger.Info()
	if event.Type == TypeTelemetryStale || event.Type == TypeInsightCreated {
		entry = s.logger.Warn()
	}
	entry.
		Str("type", event.Type).
		Str("resource_id", event.ResourceID).
		Strs("topics", event.Topics).
		Interface("data", event.Data).
		Msg("Notification")
}
