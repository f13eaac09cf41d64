package notify

import (
	"context"
	"sync"

	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/rs/zerolog"
)

// AsyncSink queues events for a background worker that forwards them to the
// wrapped sink. Publish never blocks; when the queue is full the event is
// dropped.
type AsyncSink struct {
	next   Sink
	name   string
	queue  chan Event
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts a worker that forwards to next. name labels drop metrics.
func NewAsyncSink(name string, next Sink, size int, logger zerolog.Logger) *AsyncSink {
	if size <= 0 {
		size = 256
	}
	s := &AsyncSink{
		next:   next,
		name:   name,
		queue:  make(chan Event, size),
		logger: logger.With().Str("component", "notify-async").Str("sink", name).Logger(),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish implements Sink.
func (s *AsyncSink) Publish(_ context.Context, event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(event, "Notification sink closed, dropping event")
		return
	}

	select {
	case s.queue <- event:
	default:
		s.drop(event, "Notification queue full, dropping event")
	}
}

func (s *AsyncSink) drop(event Event, msg string) {
	metrics.NotificationsDropped.WithLabelValues(s.name).Inc()
	s.logger.Warn().
		Str("type", event.Type).
		Str("resource_id", event.ResourceID).
		Msg(msg)
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for event := range s.queue {
		s.next.Publish(context.Background(), event)
	}
}
