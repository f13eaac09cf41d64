package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/storage/storagetest"
)

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestStoreReopenKeepsIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equipwatch.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}

	session := storagetest.NewSession("session-1", "appt-1", "laser-1", "plug-1")
	if err := store.Sessions().CreateSession(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen bolt store: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Sessions().FindOpenSessionByDevice(context.Background(), "plug-1")
	if err != nil {
		t.Fatalf("find by device: %v", err)
	}
	if got.ID != "session-1" {
		t.Fatalf("expected session-1, got %s", got.ID)
	}
}

func TestCanceledContext(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := storagetest.NewSession("session-1", "appt-1", "laser-1", "")
	if err := store.Sessions().CreateSession(ctx, session); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "equipwatch.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	return store
}
