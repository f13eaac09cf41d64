package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/clinicops/equipwatch/internal/config"
	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/clinicops/equipwatch/internal/usage"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const mqttSource = "mqtt"

// MQTTSource subscribes to smart-plug telemetry and emits decoded events.
type MQTTSource struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	events  chan Event
	clock   usage.Clock
	logger  zerolog.Logger
}

// NewMQTTSource creates a source for the configured broker. Events are
// buffered up to bufferSize; a full buffer drops messages.
func NewMQTTSource(cfg config.MQTTConfig, bufferSize int, clock usage.Clock, logger zerolog.Logger) (*MQTTSource, error) {
	timeout, err := time.ParseDuration(cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid connect timeout: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if clock == nil {
		clock = usage.RealClock{}
	}

	s := &MQTTSource{
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: timeout,
		events:  make(chan Event, bufferSize),
		clock:   clock,
		logger:  logger.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn().Err(err).Msg("MQTT connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	s.client = mqtt.NewClient(opts)

	return s, nil
}

// Events returns the channel decoded events are delivered on.
func (s *MQTTSource) Events() <-chan Event {
	return s.events
}

// Start connects to the broker. The subscription is re-established on every
// reconnect.
func (s *MQTTSource) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("timed out connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *MQTTSource) Stop() {
	s.client.Disconnect(250)
	s.logger.Info().Msg("MQTT source stopped")
}

func (s *MQTTSource) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.topic, s.qos, s.handle)
	if token.WaitTimeout(s.timeout) && token.Error() == nil {
		s.logger.Info().Str("topic", s.topic).Msg("Subscribed to telemetry topic")
		return
	}
	s.logger.Error().Err(token.Error()).Str("topic", s.topic).Msg("Failed to subscribe to telemetry topic")
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	ev, err := decodePayload(s.topic, msg.Topic(), msg.Payload(), s.clock.Now())
	if err != nil {
		metrics.TelemetryEvents.WithLabelValues(mqttSource, "invalid").Inc()
		s.logger.Debug().Err(err).Str("topic", msg.Topic()).Msg("Discarding telemetry message")
		return
	}

	select {
	case s.events <- ev:
	default:
		metrics.TelemetryEvents.WithLabelValues(mqttSource, "dropped").Inc()
		s.logger.Warn().Str("device_id", ev.DeviceID).Msg("MQTT event buffer full, dropping message")
	}
}

type wirePayload struct {
	DeviceID     string          `json:"deviceId"`
	Online       *bool           `json:"online"`
	RelayOn      *bool           `json:"relayOn"`
	CurrentPower *float64        `json:"currentPower"`
	Voltage      *float64        `json:"voltage"`
	Temperature  *float64        `json:"temperature"`
	Timestamp    json.RawMessage `json:"timestamp"`
}

// decodePayload turns a JSON message into an Event. The device id comes from
// the payload or, failing that, from the topic segment matched by the first
// '+' wildcard of filter. Timestamps may be RFC 3339 strings or Unix seconds
// or milliseconds; a missing timestamp means now.
func decodePayload(filter, topic string, payload []byte, now time.Time) (Event, error) {
	var wire wirePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}

	ev := Event{
		DeviceID:     strings.TrimSpace(wire.DeviceID),
		Online:       wire.Online,
		RelayOn:      wire.RelayOn,
		CurrentPower: wire.CurrentPower,
		Voltage:      wire.Voltage,
		Temperature:  wire.Temperature,
	}
	if ev.DeviceID == "" {
		ev.DeviceID = deviceFromTopic(filter, topic)
	}
	if ev.DeviceID == "" {
		return Event{}, errors.New("no device id in payload or topic")
	}
	if ev.CurrentPower != nil && (math.IsNaN(*ev.CurrentPower) || math.IsInf(*ev.CurrentPower, 0)) {
		return Event{}, errors.New("current power is not a finite number")
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return Event{}, err
	}
	if ts.IsZero() {
		ts = now
	}
	ev.Timestamp = ts.UTC()
	return ev, nil
}

func deviceFromTopic(filter, topic string) string {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")
	for i, part := range filterParts {
		if part == "+" && i < len(topicParts) {
			return topicParts[i]
		}
	}
	return ""
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("decode timestamp: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return t, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp: %w", err)
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
