package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicops/equipwatch/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *amqp.Channel used by AMQPSink.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events to a topic exchange using the event type as the
// routing key.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pub      Publisher
	exchange string
	logger   zerolog.Logger
}

// NewAMQPSink dials the broker and declares a durable topic exchange.
func NewAMQPSink(url, exchange string, logger zerolog.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	sink := newAMQPSink(ch, exchange, logger)
	sink.conn = conn
	sink.ch = ch
	return sink, nil
}

func newAMQPSink(pub Publisher, exchange string, logger zerolog.Logger) *AMQPSink {
	return &AMQPSink{
		pub:      pub,
		exchange: exchange,
		logger:   logger.With().Str("component", "notify-amqp").Logger(),
	}
}

// Publish implements Sink.
func (s *AMQPSink) Publish(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = s.pub.PublishWithContext(ctx, s.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ResourceID,
		Timestamp:    event.Timestamp,
		Type:         event.Type,
		Body:         body,
	})
	if err != nil {
		metrics.NotificationsDropped.WithLabelValues("amqp").Inc()
		s.logger.Error().Err(err).
			Str("type", event.Type).
			Str("resource_id", event.ResourceID).
			Msg("Failed to publish event to AMQP")
	}
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
