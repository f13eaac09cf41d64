package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

// OpenSessionLister lists sessions that are still ACTIVE or PAUSED.
type OpenSessionLister interface {
	ListOpen(ctx context.Context) ([]storage.UsageSession, error)
}

// StaleDevice is the payload of a telemetry.stale notification.
type StaleDevice struct {
	DeviceID      string    `json:"deviceId"`
	SessionID     string    `json:"sessionId"`
	AppointmentID string    `json:"appointmentId"`
	LastSeen      time.Time `json:"lastSeen"`
	StaleSeconds  float64   `json:"staleSeconds"`
}

// Watchdog warns when a device bound to an open session stops reporting.
// Each stale episode is reported once; session state is never changed.
type Watchdog struct {
	sessions   OpenSessionLister
	cache      *StateCache
	sink       notify.Sink
	staleAfter time.Duration
	interval   time.Duration
	clock      usage.Clock
	logger     zerolog.Logger

	mu    sync.Mutex
	stale map[string]bool

	stopChan chan struct{}
	done     chan struct{}
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(sessions OpenSessionLister, cache *StateCache, sink notify.Sink, staleAfter, interval time.Duration, clock usage.Clock, logger zerolog.Logger) *Watchdog {
	if clock == nil {
		clock = usage.RealClock{}
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Watchdog{
		sessions:   sessions,
		cache:      cache,
		sink:       sink,
		staleAfter: staleAfter,
		interval:   interval,
		clock:      clock,
		logger:     logger.With().Str("component", "telemetry-watchdog").Logger(),
		stale:      make(map[string]bool),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs Check every interval until Stop.
func (w *Watchdog) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := w.Check(context.Background()); err != nil {
					w.logger.Error().Err(err).Msg("Telemetry watchdog check failed")
				}
			case <-w.stopChan:
				return
			}
		}
	}()
	w.logger.Info().
		Dur("stale_after", w.staleAfter).
		Dur("interval", w.interval).
		Msg("Telemetry watchdog started")
}

// Stop stops the watchdog loop.
func (w *Watchdog) Stop() {
	close(w.stopChan)
	<-w.done
}

// Check inspects every open session's device and returns the devices that
// became stale during this check.
func (w *Watchdog) Check(ctx context.Context) ([]string, error) {
	sessions, err := w.sessions.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	now := w.clock.Now().UTC()
	current := make(map[string]struct{}, len(sessions))
	var newlyStale []string

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, session := range sessions {
		if session.DeviceID == "" {
			continue
		}
		current[session.DeviceID] = struct{}{}

		lastSeen := session.StartedAt
		if state, ok := w.cache.Get(session.DeviceID); ok && state.ReceivedAt.After(lastSeen) {
			lastSeen = state.ReceivedAt
		}
		silence := now.Sub(lastSeen)

		if silence <= w.staleAfter {
			if w.stale[session.DeviceID] {
				delete(w.stale, session.DeviceID)
				w.logger.Info().
					Str("device_id", session.DeviceID).
					Msg("Device reporting again")
			}
			continue
		}
		if w.stale[session.DeviceID] {
			continue
		}

		w.stale[session.DeviceID] = true
		newlyStale = append(newlyStale, session.DeviceID)
		metrics.TelemetryStale.Inc()

		w.logger.Warn().
			Str("device_id", session.DeviceID).
			Str("session_id", session.ID).
			Dur("silence", silence).
			Msg("Device telemetry is stale")

		w.sink.Publish(ctx, notify.Event{
			Type: notify.TypeTelemetryStale,
			Topics: []string{
				notify.DeviceTopic(session.DeviceID),
				notify.SessionTopic(session.ID),
				notify.SystemTopic(session.SystemID),
			},
			ResourceID: session.DeviceID,
			Timestamp:  now,
			Data: StaleDevice{
				DeviceID:      session.DeviceID,
				SessionID:     session.ID,
				AppointmentID: session.AppointmentID,
				LastSeen:      lastSeen,
				StaleSeconds:  silence.Seconds(),
			},
		})
	}

	for deviceID := range w.stale {
		if _, ok := current[deviceID]; !ok {
			delete(w.stale, deviceID)
		}
	}

	return newlyStale, nil
}
