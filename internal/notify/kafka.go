package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON messages keyed by resource id.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaSink creates a synchronous writer for the topic.
func NewKafkaSink(brokers []string, topic string, logger zerolog.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaSink(writer, logger)
}

func newKafkaSink(writer MessageWriter, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		writer:  writer,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "notify-kafka").Logger(),
	}
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.ResourceID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		metrics.NotificationsDropped.WithLabelValues("kafka").Inc()
		s.logger.Error().Err(err).
			Str("type", event.Type).
			Str("resource_id", event.ResourceID).
			Msg("Failed to publish event to Kafka")
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
