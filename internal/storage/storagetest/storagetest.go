// Package storagetest holds behavioural tests shared by every storage
// backend.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
)

// Factory returns a fresh, empty store for one sub-test.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract against the backend.
func Run(t *testing.T, open Factory) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, open(t)) })
	t.Run("SharedDevice", func(t *testing.T) { testSharedDevice(t, open(t)) })
	t.Run("SessionCompareAndSwap", func(t *testing.T) { testSessionCompareAndSwap(t, open(t)) })
	t.Run("CompletedSessions", func(t *testing.T) { testCompletedSessions(t, open(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, open(t)) })
	t.Run("Insights", func(t *testing.T) { testInsights(t, open(t)) })
	t.Run("Appointments", func(t *testing.T) { testAppointments(t, open(t)) })
}

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// NewSession builds an ACTIVE session for tests.
func NewSession(id, appointmentID, equipmentID, deviceID string) storage.UsageSession {
	return storage.UsageSession{
		ID:             id,
		SystemID:       "clinic-1",
		AppointmentID:  appointmentID,
		EquipmentID:    equipmentID,
		DeviceID:       deviceID,
		StartedAt:      base,
		Status:         storage.SessionActive,
		PauseIntervals: []storage.PauseInterval{},
		Version:        1,
		UpdatedAt:      base,
	}
}

func complete(session storage.UsageSession, end time.Time, minutes int64, kwh float64) storage.UsageSession {
	session.Status = storage.SessionCompleted
	session.EndedAt = &end
	session.ActualMinutes = &minutes
	session.EnergyKwh = &kwh
	session.Version++
	return session
}

func testSessionLifecycle(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	sessions := store.Sessions()

	session := NewSession("session-1", "appt-1", "laser-1", "plug-1")
	if err := sessions.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	dup := NewSession("session-2", "appt-1", "laser-1", "plug-1")
	if err := sessions.CreateSession(ctx, dup); !errors.Is(err, storage.ErrOpenSessionExists) {
		t.Fatalf("Expected ErrOpenSessionExists, got %v", err)
	}

	other := NewSession("session-3", "appt-1", "laser-2", "plug-2")
	if err := sessions.CreateSession(ctx, other); err != nil {
		t.Fatalf("CreateSession for other equipment failed: %v", err)
	}

	open, err := sessions.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("Expected 2 open sessions, got %d", len(open))
	}

	byDevice, err := sessions.FindOpenSessionByDevice(ctx, "plug-1")
	if err != nil {
		t.Fatalf("FindOpenSessionByDevice failed: %v", err)
	}
	if byDevice.ID != "session-1" {
		t.Errorf("Expected session-1 for plug-1, got %s", byDevice.ID)
	}

	byKey, err := sessions.FindOpenSession(ctx, "appt-1", "laser-1")
	if err != nil {
		t.Fatalf("FindOpenSession failed: %v", err)
	}
	if byKey.ID != "session-1" {
		t.Errorf("Expected session-1, got %s", byKey.ID)
	}

	done := complete(session, base.Add(30*time.Minute), 30, 0.6)
	if err := sessions.UpdateSession(ctx, done, session.Version); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	if _, err := sessions.FindOpenSessionByDevice(ctx, "plug-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for completed device session, got %v", err)
	}
	if _, err := sessions.FindOpenSession(ctx, "appt-1", "laser-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for completed session key, got %v", err)
	}

	// A new session may start once the previous one is completed.
	again := NewSession("session-4", "appt-1", "laser-1", "plug-1")
	if err := sessions.CreateSession(ctx, again); err != nil {
		t.Fatalf("CreateSession after completion failed: %v", err)
	}

	got, err := sessions.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != storage.SessionCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
	if got.ActualMinutes == nil || *got.ActualMinutes != 30 {
		t.Errorf("Expected actual minutes 30, got %v", got.ActualMinutes)
	}
	if got.EnergyKwh == nil || *got.EnergyKwh != 0.6 {
		t.Errorf("Expected energy 0.6, got %v", got.EnergyKwh)
	}

	if _, err := sessions.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testSharedDevice(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	sessions := store.Sessions()

	older := NewSession("session-a", "appt-a", "laser-1", "plug-1")
	if err := sessions.CreateSession(ctx, older); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	newer := NewSession("session-b", "appt-b", "laser-1", "plug-1")
	newer.StartedAt = base.Add(5 * time.Minute)
	if err := sessions.CreateSession(ctx, newer); err != nil {
		t.Fatalf("CreateSession on a shared device failed: %v", err)
	}

	got, err := sessions.FindOpenSessionByDevice(ctx, "plug-1")
	if err != nil {
		t.Fatalf("FindOpenSessionByDevice failed: %v", err)
	}
	if got.ID != "session-b" {
		t.Errorf("Expected latest session-b for plug-1, got %s", got.ID)
	}

	done := complete(newer, base.Add(20*time.Minute), 15, 0.3)
	if err := sessions.UpdateSession(ctx, done, newer.Version); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err = sessions.FindOpenSessionByDevice(ctx, "plug-1")
	if err != nil {
		t.Fatalf("Expected session-a to stay bound to plug-1, got %v", err)
	}
	if got.ID != "session-a" {
		t.Errorf("Expected session-a for plug-1, got %s", got.ID)
	}

	done = complete(older, base.Add(40*time.Minute), 40, 0.8)
	if err := sessions.UpdateSession(ctx, done, older.Version); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if _, err := sessions.FindOpenSessionByDevice(ctx, "plug-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound once every session on plug-1 completed, got %v", err)
	}
}

func testSessionCompareAndSwap(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	sessions := store.Sessions()

	session := NewSession("session-1", "appt-1", "laser-1", "")
	if err := sessions.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	paused := session.Clone()
	pausedAt := base.Add(10 * time.Minute)
	paused.Status = storage.SessionPaused
	paused.PausedAt = &pausedAt
	paused.PauseIntervals = append(paused.PauseIntervals, storage.PauseInterval{PausedAt: pausedAt, Reason: "patient break"})
	paused.Version = 2

	if err := sessions.UpdateSession(ctx, paused, 1); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	// A writer that read version 1 must lose.
	stale := session.Clone()
	stale.Status = storage.SessionCompleted
	stale.Version = 2
	if err := sessions.UpdateSession(ctx, stale, 1); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	got, err := sessions.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != storage.SessionPaused || got.Version != 2 {
		t.Errorf("Expected PAUSED v2, got %s v%d", got.Status, got.Version)
	}
	if len(got.PauseIntervals) != 1 || got.PauseIntervals[0].Reason != "patient break" {
		t.Errorf("Unexpected pause intervals: %+v", got.PauseIntervals)
	}
	if got.PauseIntervals[0].Closed() {
		t.Errorf("Expected open pause interval")
	}

	missing := NewSession("missing", "appt-9", "laser-9", "")
	if err := sessions.UpdateSession(ctx, missing, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testCompletedSessions(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	sessions := store.Sessions()

	ends := []time.Duration{3 * time.Hour, 1 * time.Hour, 2 * time.Hour}
	for i, offset := range ends {
		s := NewSession(string(rune('a'+i))+"-session", "appt-"+string(rune('a'+i)), "laser-1", "")
		if err := sessions.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if err := sessions.UpdateSession(ctx, complete(s, base.Add(offset), 20, 0.5), s.Version); err != nil {
			t.Fatalf("UpdateSession failed: %v", err)
		}
	}

	foreign := NewSession("z-session", "appt-z", "laser-1", "")
	foreign.SystemID = "clinic-2"
	if err := sessions.CreateSession(ctx, foreign); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := sessions.UpdateSession(ctx, complete(foreign, base.Add(time.Hour), 20, 0.5), foreign.Version); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	active := NewSession("open-session", "appt-open", "laser-1", "")
	if err := sessions.CreateSession(ctx, active); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	all, err := sessions.ListCompletedSessions(ctx, "clinic-1", storage.DateRange{})
	if err != nil {
		t.Fatalf("ListCompletedSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 completed sessions, got %d", len(all))
	}
	want := []string{"b-session", "c-session", "a-session"}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, all[i].ID)
		}
	}

	from := base.Add(90 * time.Minute)
	to := base.Add(3 * time.Hour)
	windowed, err := sessions.ListCompletedSessions(ctx, "clinic-1", storage.DateRange{From: &from, To: &to})
	if err != nil {
		t.Fatalf("ListCompletedSessions failed: %v", err)
	}
	if len(windowed) != 1 || windowed[0].ID != "c-session" {
		t.Errorf("Expected only c-session in window, got %+v", windowed)
	}
}

func testProfiles(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	profiles := store.Profiles()

	p := storage.EnergyProfile{
		SystemID:        "clinic-1",
		EquipmentID:     "laser-1",
		ServiceID:       "hair-removal",
		AvgKwhPerMin:    0.02,
		StdDevKwhPerMin: 0.002,
		SampleCount:     12,
		UpdatedAt:       base,
	}
	if err := profiles.ReplaceProfile(ctx, p); err != nil {
		t.Fatalf("ReplaceProfile failed: %v", err)
	}

	p.AvgKwhPerMin = 0.03
	p.SampleCount = 13
	if err := profiles.ReplaceProfile(ctx, p); err != nil {
		t.Fatalf("ReplaceProfile failed: %v", err)
	}

	other := p
	other.ServiceID = "skin-tightening"
	if err := profiles.ReplaceProfile(ctx, other); err != nil {
		t.Fatalf("ReplaceProfile failed: %v", err)
	}
	foreign := p
	foreign.SystemID = "clinic-2"
	if err := profiles.ReplaceProfile(ctx, foreign); err != nil {
		t.Fatalf("ReplaceProfile failed: %v", err)
	}

	got, err := profiles.GetProfile(ctx, "clinic-1", "laser-1", "hair-removal")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.AvgKwhPerMin != 0.03 || got.SampleCount != 13 || got.StdDevKwhPerMin != 0.002 {
		t.Errorf("Unexpected profile: %+v", got)
	}

	list, err := profiles.ListProfiles(ctx, "clinic-1")
	if err != nil {
		t.Fatalf("ListProfiles failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 profiles, got %d", len(list))
	}
	if list[0].ServiceID != "hair-removal" || list[1].ServiceID != "skin-tightening" {
		t.Errorf("Unexpected profile order: %+v", list)
	}

	if _, err := profiles.GetProfile(ctx, "clinic-1", "laser-1", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testInsights(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	insights := store.Insights()

	first := storage.Insight{
		ID:            "insight-1",
		SystemID:      "clinic-1",
		AppointmentID: "appt-1",
		DeviceUsageID: "session-1",
		Type:          storage.InsightOverConsumption,
		ActualKwh:     1.2,
		ExpectedKwh:   0.6,
		DeviationPct:  1.0,
		Detail:        []byte(`{"stdDevSum":0.002}`),
		DetectedAt:    base,
	}
	if err := insights.CreateInsight(ctx, first); err != nil {
		t.Fatalf("CreateInsight failed: %v", err)
	}

	second := first
	second.ID = "insight-2"
	if err := insights.CreateInsight(ctx, second); !errors.Is(err, storage.ErrInsightExists) {
		t.Fatalf("Expected ErrInsightExists, got %v", err)
	}

	open, err := insights.FindUnresolved(ctx, "appt-1", storage.InsightOverConsumption)
	if err != nil {
		t.Fatalf("FindUnresolved failed: %v", err)
	}
	if open.ID != "insight-1" {
		t.Errorf("Expected insight-1, got %s", open.ID)
	}

	resolvedAt := base.Add(time.Hour)
	resolved, err := insights.ResolveInsight(ctx, "insight-1", resolvedAt)
	if err != nil {
		t.Fatalf("ResolveInsight failed: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil || !resolved.ResolvedAt.Equal(resolvedAt) {
		t.Errorf("Unexpected resolved insight: %+v", resolved)
	}

	// Resolving twice keeps the first resolution time.
	again, err := insights.ResolveInsight(ctx, "insight-1", resolvedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("ResolveInsight failed: %v", err)
	}
	if !again.ResolvedAt.Equal(resolvedAt) {
		t.Errorf("Expected resolution time to stay %v, got %v", resolvedAt, again.ResolvedAt)
	}

	if _, err := insights.FindUnresolved(ctx, "appt-1", storage.InsightOverConsumption); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after resolve, got %v", err)
	}

	second.DetectedAt = base.Add(2 * time.Hour)
	if err := insights.CreateInsight(ctx, second); err != nil {
		t.Fatalf("CreateInsight after resolve failed: %v", err)
	}

	all, err := insights.ListInsights(ctx, storage.InsightFilter{SystemID: "clinic-1"})
	if err != nil {
		t.Fatalf("ListInsights failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "insight-2" {
		t.Errorf("Expected newest first, got %+v", all)
	}

	unresolved, err := insights.ListInsights(ctx, storage.InsightFilter{SystemID: "clinic-1", UnresolvedOnly: true})
	if err != nil {
		t.Fatalf("ListInsights failed: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != "insight-2" {
		t.Errorf("Expected only insight-2 unresolved, got %+v", unresolved)
	}

	got, err := insights.GetInsight(ctx, "insight-2")
	if err != nil {
		t.Fatalf("GetInsight failed: %v", err)
	}
	var detail map[string]float64
	if err := json.Unmarshal(got.Detail, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail["stdDevSum"] != 0.002 {
		t.Errorf("Unexpected detail: %s", got.Detail)
	}

	if _, err := insights.ResolveInsight(ctx, "missing", base); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testAppointments(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	appointments := store.Appointments()

	appt := storage.Appointment{
		ID:       "appt-1",
		SystemID: "clinic-1",
		Services: []storage.AppointmentService{
			{ServiceID: "hair-removal", DurationMinutes: 30, TreatmentDurationMinutes: 20},
			{ServiceID: "consult", DurationMinutes: 15},
		},
		UpdatedAt: base,
	}
	if err := appointments.UpsertAppointment(ctx, appt); err != nil {
		t.Fatalf("UpsertAppointment failed: %v", err)
	}

	got, err := appointments.GetAppointment(ctx, "appt-1")
	if err != nil {
		t.Fatalf("GetAppointment failed: %v", err)
	}
	if len(got.Services) != 2 || got.EstimatedMinutes() != 35 {
		t.Errorf("Unexpected appointment: %+v", got)
	}

	if _, err := appointments.GetAppointment(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
