package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, store SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	snap, err := store.Load(ctx, "Clock")
	if err != nil || snap != nil {
		t.Fatalf("Load on empty store = %+v, %v", snap, err)
	}

	now := time.Now().Truncate(time.Millisecond)
	first := PersistedSnapshot{ComponentName: "Clock", SignedState: "a", Room: "lobby", UserID: "u1", LastUpdate: now}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := first
	second.SignedState = "b"
	second.LastUpdate = now.Add(time.Second)
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}
	other := PersistedSnapshot{ComponentName: "Counter", SignedState: "c", LastUpdate: now}
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx, "Clock")
	if err != nil || got == nil {
		t.Fatalf("Load = %+v, %v", got, err)
	}
	if got.SignedState != "b" || got.Room != "lobby" || got.UserID != "u1" {
		t.Errorf("Load = %+v, want the latest save", got)
	}
	if !got.LastUpdate.Equal(second.LastUpdate) {
		t.Errorf("LastUpdate = %v, want %v", got.LastUpdate, second.LastUpdate)
	}

	if err := store.Delete(ctx, "Clock"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.Load(ctx, "Clock"); got != nil {
		t.Errorf("Load after Delete = %+v", got)
	}
	if got, _ := store.Load(ctx, "Counter"); got == nil || got.SignedState != "c" {
		t.Errorf("Delete touched another name: %+v", got)
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete of a missing name: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewSQLiteStore(path, "")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, "app")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Save(ctx, PersistedSnapshot{ComponentName: "Clock", SignedState: "tok", LastUpdate: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path, "app")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got, _ := reopened.Load(ctx, "Clock"); got == nil || got.SignedState != "tok" {
		t.Errorf("Load after reopen = %+v", got)
	}

	// Namespaces do not see each other's keys.
	other, err := NewSQLiteStore(path, "other")
	if err != nil {
		t.Fatalf("open other namespace: %v", err)
	}
	defer other.Close()
	if got, _ := other.Load(ctx, "Clock"); got != nil {
		t.Errorf("other namespace sees %+v", got)
	}
}
