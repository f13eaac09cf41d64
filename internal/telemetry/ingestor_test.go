package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

type recordedSample struct {
	deviceID string
	watts    float64
	at       time.Time
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []recordedSample
	block   chan struct{}
}

func (f *fakeRecorder) RecordPower(ctx context.Context, deviceID string, watts float64, at time.Time) (*storage.UsageSession, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, recordedSample{deviceID, watts, at})
	return nil, nil
}

func (f *fakeRecorder) snapshot() []recordedSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSample(nil), f.samples...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestIngestor(t *testing.T, rec PowerRecorder, queueSize int) *Ingestor {
	t.Helper()
	cache, err := NewStateCache(16)
	if err != nil {
		t.Fatalf("NewStateCache: %v", err)
	}
	ing := NewIngestor(cache, rec, queueSize, usage.NewTestClock(t0), zerolog.Nop())
	t.Cleanup(ing.Close)
	return ing
}

func TestIngestorDeliversInOrderPerDevice(t *testing.T) {
	rec := &fakeRecorder{}
	ing := newTestIngestor(t, rec, 16)

	events := []Event{
		{DeviceID: "plug-1", Online: boolPtr(true), RelayOn: boolPtr(true), CurrentPower: floatPtr(60), Timestamp: t0},
		{DeviceID: "plug-1", CurrentPower: floatPtr(90), Timestamp: t0.Add(time.Minute)},
		{DeviceID: "plug-1", Temperature: floatPtr(40), Timestamp: t0.Add(90 * time.Second)},
		{DeviceID: "plug-1", RelayOn: boolPtr(false), Timestamp: t0.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		if err := ing.Submit(ev, "test"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, func() bool { return len(rec.snapshot()) == 3 })

	got := rec.snapshot()
	want := []float64{60, 90, 0}
	for i, s := range got {
		if s.deviceID != "plug-1" || s.watts != want[i] {
			t.Errorf("sample %d = %+v, want %v W", i, s, want[i])
		}
		if i > 0 && !s.at.After(got[i-1].at) {
			t.Errorf("sample %d out of order", i)
		}
	}
}

func TestIngestorDefaultsTimestampAndRejectsMissingDevice(t *testing.T) {
	rec := &fakeRecorder{}
	ing := newTestIngestor(t, rec, 4)

	if err := ing.Submit(Event{DeviceID: "  ", CurrentPower: floatPtr(1)}, "test"); err != ErrInvalidEvent {
		t.Fatalf("Submit without device = %v, want ErrInvalidEvent", err)
	}

	if err := ing.Submit(Event{DeviceID: "plug-2", CurrentPower: floatPtr(12)}, "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	if s := rec.snapshot()[0]; !s.at.Equal(t0) {
		t.Errorf("timestamp = %v, want clock time %v", s.at, t0)
	}
	state, ok := ing.Cache().Get("plug-2")
	if !ok || !state.ReceivedAt.Equal(t0) {
		t.Errorf("cache state = %+v, %v", state, ok)
	}
}

func TestIngestorSubmitNeverBlocks(t *testing.T) {
	rec := &fakeRecorder{block: make(chan struct{})}
	ing := newTestIngestor(t, rec, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = ing.Submit(Event{DeviceID: "plug-3", CurrentPower: floatPtr(float64(i)), Timestamp: t0.Add(time.Duration(i) * time.Second)}, "test")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	close(rec.block)
	// One sample in flight plus one queued at most.
	waitFor(t, func() bool { return len(rec.snapshot()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.snapshot()); n > 2 {
		t.Errorf("recorded %d samples, want at most 2", n)
	}
}

func TestIngestorDropsAfterClose(t *testing.T) {
	rec := &fakeRecorder{}
	cache, _ := NewStateCache(4)
	ing := NewIngestor(cache, rec, 4, usage.NewTestClock(t0), zerolog.Nop())
	ing.Close()

	if err := ing.Submit(Event{DeviceID: "plug-4", CurrentPower: floatPtr(5), Timestamp: t0}, "test"); err != nil {
		t.Fatalf("Submit after close: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("recorded %d samples after close", n)
	}
}

func TestIngestorRetiresIdleWorkers(t *testing.T) {
	rec := &fakeRecorder{}
	ing := newTestIngestor(t, rec, 4)
	ing.SetWorkerIdle(20 * time.Millisecond)

	const devices = 200
	for n := 0; n < devices; n++ {
		ev := Event{DeviceID: fmt.Sprintf("plug-%d", n), CurrentPower: floatPtr(50), Timestamp: t0}
		if err := ing.Submit(ev, "test"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, func() bool { return len(rec.snapshot()) == devices })
	waitFor(t, func() bool { return ing.Workers() == 0 })

	if got := ing.Cache().Len(); got != 16 {
		t.Errorf("cache len = %d, want 16", got)
	}

	// A retired device gets a fresh worker on its next sample.
	if err := ing.Submit(Event{DeviceID: "plug-0", CurrentPower: floatPtr(75), Timestamp: t0.Add(time.Minute)}, "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == devices+1 })

	last := rec.snapshot()[devices]
	if last.deviceID != "plug-0" || last.watts != 75 {
		t.Errorf("last sample = %+v, want plug-0 at 75 W", last)
	}
}
