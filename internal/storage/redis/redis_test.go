package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/clinicops/equipwatch/internal/config"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/storage/storagetest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays 0
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestOpenInvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "soon", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err == nil {
		t.Fatal("Expected error for invalid dial timeout")
	}
}

func TestSessionStore_IndexesAfterCompletion(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	session := storagetest.NewSession("session-1", "appt-1", "laser-1", "plug-1")
	if err := sessions.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if ok, _ := mr.SIsMember(deviceKey("plug-1"), "session-1"); !ok {
		t.Fatal("Expected session in device set for open session")
	}
	if ok, _ := mr.SIsMember(openSessionSet(), "session-1"); !ok {
		t.Fatal("Expected session in open set")
	}

	end := session.StartedAt.Add(25 * time.Minute)
	minutes := int64(25)
	done := session.Clone()
	done.Status = storage.SessionCompleted
	done.EndedAt = &end
	done.ActualMinutes = &minutes
	done.Version = 2

	if err := sessions.UpdateSession(ctx, done, 1); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	if mr.Exists(deviceKey("plug-1")) {
		t.Error("Device key should be deleted after completion")
	}
	if mr.Exists(openSessionKey("appt-1", "laser-1")) {
		t.Error("Open slot should be released after completion")
	}
	if ok, _ := mr.SIsMember(openSessionSet(), "session-1"); ok {
		t.Error("Session should leave the open set after completion")
	}

	members, err := mr.ZMembers(completedKey("clinic-1"))
	if err != nil {
		t.Fatalf("ZMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "session-1" {
		t.Errorf("Expected session-1 in completed index, got %v", members)
	}
	score, err := mr.ZScore(completedKey("clinic-1"), "session-1")
	if err != nil {
		t.Fatalf("ZScore failed: %v", err)
	}
	if score != float64(end.UnixMilli()) {
		t.Errorf("Expected score %d, got %v", end.UnixMilli(), score)
	}
}

func TestProfileStore_ExactFloatRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	profile := storage.EnergyProfile{
		SystemID:        "clinic-1",
		EquipmentID:     "laser-1",
		ServiceID:       "hair-removal",
		AvgKwhPerMin:    0.1 + 0.2,
		StdDevKwhPerMin: 1.0 / 3.0,
		SampleCount:     3,
		UpdatedAt:       time.Date(2024, 3, 4, 9, 0, 0, 123456789, time.UTC),
	}
	if err := store.Profiles().ReplaceProfile(ctx, profile); err != nil {
		t.Fatalf("ReplaceProfile failed: %v", err)
	}

	got, err := store.Profiles().GetProfile(ctx, "clinic-1", "laser-1", "hair-removal")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.AvgKwhPerMin != profile.AvgKwhPerMin || got.StdDevKwhPerMin != profile.StdDevKwhPerMin {
		t.Errorf("Float values changed: got %v/%v", got.AvgKwhPerMin, got.StdDevKwhPerMin)
	}
	if !got.UpdatedAt.Equal(profile.UpdatedAt) {
		t.Errorf("Expected UpdatedAt %v, got %v", profile.UpdatedAt, got.UpdatedAt)
	}
}

func TestInsightStore_FindUnresolvedMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Insights().FindUnresolved(context.Background(), "appt-1", storage.InsightOverConsumption)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
