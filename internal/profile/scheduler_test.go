package profile

import (
	"context"
	"testing"
	"time"

	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

func TestSchedulerNextRun(t *testing.T) {
	s, err := NewScheduler(nil, "03:00", nil, 0, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before run time", time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC), time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)},
		{"at run time", time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC), time.Date(2024, 3, 5, 3, 0, 0, 0, time.UTC)},
		{"after run time", time.Date(2024, 3, 4, 17, 30, 0, 0, time.UTC), time.Date(2024, 3, 5, 3, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.nextRun(tt.now); !got.Equal(tt.want) {
				t.Errorf("nextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewSchedulerRejectsBadTime(t *testing.T) {
	if _, err := NewScheduler(nil, "25:99", nil, 0, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid time")
	}
}

func TestSchedulerRunOnceUsesLookback(t *testing.T) {
	store := setupStore(t)
	seedAppointment(t, store, "appt-1", "facial")
	seedCompleted(t, store, "old", "appt-1", -72*time.Hour, 10, kwh(1.0))
	seedCompleted(t, store, "recent", "appt-1", time.Hour, 10, kwh(0.2))

	clock := usage.NewTestClock(base.Add(2 * time.Hour))
	agg := NewAggregator(store, clock, zerolog.Nop())
	s, err := NewScheduler(agg, "03:00", []string{"clinic-1"}, 2, clock, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	window := s.Window(clock.Now())
	if window.From == nil || !window.From.Equal(base.Add(2*time.Hour).AddDate(0, 0, -2)) || window.To != nil {
		t.Fatalf("window = %+v", window)
	}

	results := s.RunOnce(context.Background())
	if len(results) != 1 || results[0].SessionsScanned != 1 || results[0].ProfilesWritten != 1 {
		t.Fatalf("results = %+v", results)
	}

	profile, err := store.Profiles().GetProfile(context.Background(), "clinic-1", "laser-1", "facial")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.SampleCount != 1 {
		t.Errorf("samples = %d, want 1", profile.SampleCount)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	store := setupStore(t)
	agg := NewAggregator(store, nil, zerolog.Nop())
	s, err := NewScheduler(agg, "03:00", nil, 0, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	s.Start()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
