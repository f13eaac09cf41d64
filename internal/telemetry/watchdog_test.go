package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

type staticLister struct {
	mu       sync.Mutex
	sessions []storage.UsageSession
}

func (l *staticLister) ListOpen(context.Context) ([]storage.UsageSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.UsageSession(nil), l.sessions...), nil
}

func (l *staticLister) set(sessions ...storage.UsageSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = sessions
}

func TestWatchdogReportsOncePerEpisode(t *testing.T) {
	clock := usage.NewTestClock(t0)
	cache, _ := NewStateCache(8)
	lister := &staticLister{}
	lister.set(storage.UsageSession{ID: "s-1", SystemID: "clinic-1", DeviceID: "plug-1", Status: storage.SessionActive, StartedAt: t0})

	var mu sync.Mutex
	var published []notify.Event
	sink := notify.SinkFunc(func(_ context.Context, e notify.Event) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, e)
	})

	w := NewWatchdog(lister, cache, sink, 2*time.Minute, time.Second, clock, zerolog.Nop())
	ctx := context.Background()

	cache.Apply(Event{DeviceID: "plug-1", CurrentPower: floatPtr(50), Timestamp: t0}, t0.Add(time.Minute))

	clock.Set(t0.Add(2 * time.Minute))
	if stale, _ := w.Check(ctx); len(stale) != 0 {
		t.Fatalf("device reported stale too early: %v", stale)
	}

	clock.Set(t0.Add(4 * time.Minute))
	stale, err := w.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(stale) != 1 || stale[0] != "plug-1" {
		t.Fatalf("stale = %v, want [plug-1]", stale)
	}

	clock.Set(t0.Add(6 * time.Minute))
	if stale, _ := w.Check(ctx); len(stale) != 0 {
		t.Errorf("same episode reported twice: %v", stale)
	}

	// Device recovers, then goes silent again: a new episode.
	cache.Apply(Event{DeviceID: "plug-1", CurrentPower: floatPtr(50), Timestamp: t0.Add(6 * time.Minute)}, t0.Add(6*time.Minute))
	if stale, _ := w.Check(ctx); len(stale) != 0 {
		t.Errorf("recovered device reported stale: %v", stale)
	}
	clock.Set(t0.Add(9 * time.Minute))
	if stale, _ := w.Check(ctx); len(stale) != 1 {
		t.Errorf("second episode not reported: %v", stale)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 2 {
		t.Fatalf("published %d events, want 2", len(published))
	}
	ev := published[0]
	if ev.Type != notify.TypeTelemetryStale || ev.ResourceID != "plug-1" {
		t.Errorf("event = %+v", ev)
	}
	data, ok := ev.Data.(StaleDevice)
	if !ok || data.SessionID != "s-1" || !data.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("event data = %+v", ev.Data)
	}
}

func TestWatchdogUsesSessionStartWithoutTelemetry(t *testing.T) {
	clock := usage.NewTestClock(t0.Add(10 * time.Minute))
	cache, _ := NewStateCache(8)
	lister := &staticLister{}
	lister.set(
		storage.UsageSession{ID: "s-1", DeviceID: "plug-9", StartedAt: t0.Add(9 * time.Minute)},
		storage.UsageSession{ID: "s-2", DeviceID: "plug-8", StartedAt: t0},
		storage.UsageSession{ID: "s-3", StartedAt: t0},
	)

	w := NewWatchdog(lister, cache, nil, 2*time.Minute, time.Second, clock, zerolog.Nop())
	stale, err := w.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(stale) != 1 || stale[0] != "plug-8" {
		t.Errorf("stale = %v, want [plug-8]", stale)
	}

	// Completed session: its device is forgotten.
	lister.set()
	if _, err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(w.stale) != 0 {
		t.Errorf("stale set not cleared: %v", w.stale)
	}
}

func TestWatchdogStartStop(t *testing.T) {
	cache, _ := NewStateCache(8)
	w := NewWatchdog(&staticLister{}, cache, nil, time.Minute, 5*time.Millisecond, nil, zerolog.Nop())
	w.Start()
	time.Sleep(20 * time.Millisecond)
	w.Stop()
}
