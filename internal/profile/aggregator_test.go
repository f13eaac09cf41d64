package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/storage/bolt"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "profile.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedCompleted stores a completed session with the given minutes and energy.
func seedCompleted(t *testing.T, store storage.Store, id, appointmentID string, endOffset time.Duration, minutes int64, kwh *float64) {
	t.Helper()
	ctx := context.Background()

	started := base.Add(endOffset - time.Duration(minutes)*time.Minute)
	ended := base.Add(endOffset)
	session := storage.UsageSession{
		ID:             id,
		SystemID:       "clinic-1",
		AppointmentID:  appointmentID,
		EquipmentID:    "laser-1",
		StartedAt:      started,
		Status:         storage.SessionActive,
		PauseIntervals: []storage.PauseInterval{},
		Version:        1,
	}
	if err := store.Sessions().CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession %s: %v", id, err)
	}

	session.Status = storage.SessionCompleted
	session.EndedAt = &ended
	session.ActualMinutes = &minutes
	session.EnergyKwh = kwh
	session.Version = 2
	if err := store.Sessions().UpdateSession(ctx, session, 1); err != nil {
		t.Fatalf("UpdateSession %s: %v", id, err)
	}
}

func seedAppointment(t *testing.T, store storage.Store, id string, services ...string) {
	t.Helper()
	appointment := storage.Appointment{ID: id, SystemID: "clinic-1"}
	for _, svc := range services {
		appointment.Services = append(appointment.Services, storage.AppointmentService{ServiceID: svc, DurationMinutes: 30})
	}
	if err := store.Appointments().UpsertAppointment(context.Background(), appointment); err != nil {
		t.Fatalf("UpsertAppointment: %v", err)
	}
}

func kwh(v float64) *float64 { return &v }

func TestRecomputeBuildsProfiles(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	seedAppointment(t, store, "appt-1", "facial")
	seedAppointment(t, store, "appt-2", "facial", "peel", "facial")
	seedAppointment(t, store, "appt-3", "facial")

	seedCompleted(t, store, "s-1", "appt-1", 1*time.Hour, 30, kwh(0.6))  // 0.02/min
	seedCompleted(t, store, "s-2", "appt-2", 2*time.Hour, 20, kwh(0.8))  // 0.04/min
	seedCompleted(t, store, "s-3", "appt-3", 3*time.Hour, 0, kwh(0.5))   // zero minutes
	seedCompleted(t, store, "s-4", "appt-3", 4*time.Hour, 10, nil)       // no energy
	seedCompleted(t, store, "s-5", "appt-none", 5*time.Hour, 10, kwh(1)) // unknown appointment

	agg := NewAggregator(store, usage.NewTestClock(base.Add(24*time.Hour)), zerolog.Nop())
	result, err := agg.Recompute(ctx, "clinic-1", storage.DateRange{})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	if result.SessionsScanned != 5 || result.SessionsUsed != 2 || result.ProfilesWritten != 2 {
		t.Fatalf("result = %+v", result)
	}

	facial, err := store.Profiles().GetProfile(ctx, "clinic-1", "laser-1", "facial")
	if err != nil {
		t.Fatalf("GetProfile facial: %v", err)
	}
	if facial.SampleCount != 2 {
		t.Errorf("facial samples = %d, want 2 (duplicate service counted once)", facial.SampleCount)
	}
	if math.Abs(facial.AvgKwhPerMin-0.03) > 1e-12 || math.Abs(facial.StdDevKwhPerMin-0.01) > 1e-12 {
		t.Errorf("facial = %+v", facial)
	}

	peel, err := store.Profiles().GetProfile(ctx, "clinic-1", "laser-1", "peel")
	if err != nil {
		t.Fatalf("GetProfile peel: %v", err)
	}
	if peel.SampleCount != 1 || peel.StdDevKwhPerMin != 0 || math.Abs(peel.AvgKwhPerMin-0.04) > 1e-12 {
		t.Errorf("peel = %+v", peel)
	}
}

func TestRecomputeIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	seedAppointment(t, store, "appt-1", "facial")
	for i := 0; i < 12; i++ {
		seedCompleted(t, store, fmt.Sprintf("s-%02d", i), "appt-1", time.Duration(i+1)*time.Hour, int64(10+i), kwh(0.1*float64(i+1)/3))
	}

	agg := NewAggregator(store, usage.NewTestClock(base), zerolog.Nop())
	if _, err := agg.Recompute(ctx, "clinic-1", storage.DateRange{}); err != nil {
		t.Fatalf("first Recompute: %v", err)
	}
	first, err := store.Profiles().GetProfile(ctx, "clinic-1", "laser-1", "facial")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}

	if _, err := agg.Recompute(ctx, "clinic-1", storage.DateRange{}); err != nil {
		t.Fatalf("second Recompute: %v", err)
	}
	second, err := store.Profiles().GetProfile(ctx, "clinic-1", "laser-1", "facial")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}

	if math.Float64bits(first.AvgKwhPerMin) != math.Float64bits(second.AvgKwhPerMin) ||
		math.Float64bits(first.StdDevKwhPerMin) != math.Float64bits(second.StdDevKwhPerMin) ||
		first.SampleCount != second.SampleCount {
		t.Fatalf("recompute not bit-identical: %+v vs %+v", first, second)
	}
}

func TestRecomputeHonoursWindow(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	seedAppointment(t, store, "appt-1", "facial")
	seedCompleted(t, store, "early", "appt-1", 1*time.Hour, 10, kwh(0.1))
	seedCompleted(t, store, "late", "appt-1", 5*time.Hour, 10, kwh(0.5))

	from := base.Add(2 * time.Hour)
	agg := NewAggregator(store, usage.NewTestClock(base), zerolog.Nop())
	result, err := agg.Recompute(ctx, "clinic-1", storage.DateRange{From: &from})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if result.SessionsScanned != 1 {
		t.Fatalf("scanned %d, want 1", result.SessionsScanned)
	}

	profile, err := store.Profiles().GetProfile(ctx, "clinic-1", "laser-1", "facial")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if math.Abs(profile.AvgKwhPerMin-0.05) > 1e-12 {
		t.Errorf("avg = %v, want 0.05", profile.AvgKwhPerMin)
	}
}

func TestRecomputeStopsWhenCanceled(t *testing.T) {
	store := setupStore(t)
	seedAppointment(t, store, "appt-1", "facial")
	seedCompleted(t, store, "s-1", "appt-1", time.Hour, 10, kwh(0.1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agg := NewAggregator(store, usage.NewTestClock(base), zerolog.Nop())
	if _, err := agg.Recompute(ctx, "clinic-1", storage.DateRange{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := store.Profiles().GetProfile(context.Background(), "clinic-1", "laser-1", "facial"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("profile written despite cancellation: %v", err)
	}
}
