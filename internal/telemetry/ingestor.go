package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

// ErrInvalidEvent is returned by Submit for events without a device id.
var ErrInvalidEvent = errors.New("invalid telemetry event")

// PowerRecorder integrates power samples into usage sessions.
type PowerRecorder interface {
	RecordPower(ctx context.Context, deviceID string, watts float64, at time.Time) (*storage.UsageSession, error)
}

// DefaultWorkerIdle is how long a device worker waits for a sample before it
// exits.
const DefaultWorkerIdle = 5 * time.Minute

type sample struct {
	watts float64
	at    time.Time
}

// Ingestor applies telemetry to the state cache and feeds power samples to a
// per-device worker. Submit never blocks: a worker whose queue is full loses
// the sample. Workers exit after sitting idle and restart on the next sample.
type Ingestor struct {
	cache      *StateCache
	recorder   PowerRecorder
	queueSize  int
	workerIdle time.Duration
	clock      usage.Clock
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	workers map[string]chan sample
}

// NewIngestor creates an Ingestor.
func NewIngestor(cache *StateCache, recorder PowerRecorder, queueSize int, clock usage.Clock, logger zerolog.Logger) *Ingestor {
	if queueSize <= 0 {
		queueSize = 64
	}
	if clock == nil {
		clock = usage.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		cache:      cache,
		recorder:   recorder,
		queueSize:  queueSize,
		workerIdle: DefaultWorkerIdle,
		clock:      clock,
		logger:     logger.With().Str("component", "telemetry").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]chan sample),
	}
}

// SetWorkerIdle changes the idle timeout of device workers. Call it before
// the first Submit.
func (i *Ingestor) SetWorkerIdle(d time.Duration) {
	if d > 0 {
		i.workerIdle = d
	}
}

// Workers returns the number of running device workers.
func (i *Ingestor) Workers() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.workers)
}

// Cache returns the device state cache.
func (i *Ingestor) Cache() *StateCache {
	return i.cache
}

// Submit accepts one event from the named source.
func (i *Ingestor) Submit(ev Event, source string) error {
	ev.DeviceID = strings.TrimSpace(ev.DeviceID)
	if ev.DeviceID == "" {
		metrics.TelemetryEvents.WithLabelValues(source, "invalid").Inc()
		return ErrInvalidEvent
	}

	now := i.clock.Now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC()

	state, powerChanged := i.cache.Apply(ev, now)
	if !powerChanged {
		metrics.TelemetryEvents.WithLabelValues(source, "ignored").Inc()
		return nil
	}

	accepted, open := i.enqueue(ev.DeviceID, sample{watts: state.EffectivePowerW(), at: ev.Timestamp})
	switch {
	case accepted:
		metrics.TelemetryEvents.WithLabelValues(source, "accepted").Inc()
	case !open:
		metrics.TelemetryEvents.WithLabelValues(source, "dropped").Inc()
	default:
		metrics.TelemetryEvents.WithLabelValues(source, "dropped").Inc()
		i.logger.Warn().
			Str("device_id", ev.DeviceID).
			Str("source", source).
			Msg("Telemetry queue full, dropping power sample")
	}
	return nil
}

// enqueue hands a sample to the device worker, starting one if needed. The
// send happens under the lock so a retiring worker never leaves a sample
// behind in its queue.
func (i *Ingestor) enqueue(deviceID string, s sample) (accepted, open bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return false, false
	}

	q, ok := i.workers[deviceID]
	if !ok {
		q = make(chan sample, i.queueSize)
		i.workers[deviceID] = q
		i.wg.Add(1)
		go i.work(deviceID, q)
		i.logger.Debug().Str("device_id", deviceID).Msg("Started device worker")
	}

	select {
	case q <- s:
		return true, true
	default:
		return false, true
	}
}

// retire removes an idle worker. It fails when a sample arrived meanwhile.
func (i *Ingestor) retire(deviceID string, queue chan sample) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(queue) > 0 {
		return false
	}
	if i.workers[deviceID] == queue {
		delete(i.workers, deviceID)
	}
	return true
}

func (i *Ingestor) work(deviceID string, queue chan sample) {
	defer i.wg.Done()

	idle := time.NewTimer(i.workerIdle)
	defer idle.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-idle.C:
			if i.retire(deviceID, queue) {
				i.logger.Debug().Str("device_id", deviceID).Msg("Stopped idle device worker")
				return
			}
			idle.Reset(i.workerIdle)
		case s := <-queue:
			idle.Reset(i.workerIdle)
			if _, err := i.recorder.RecordPower(i.ctx, deviceID, s.watts, s.at); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				i.logger.Error().Err(err).
					Str("device_id", deviceID).
					Float64("watts", s.watts).
					Msg("Failed to record power sample")
			}
		}
	}
}

// Close stops every worker. Queued samples not yet recorded are discarded.
func (i *Ingestor) Close() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	i.cancel()
	i.wg.Wait()
}
