package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/livestate/pkg/protocol"
)

func TestComponentMountAndCall(t *testing.T) {
	_, url := newTestServer(t, nil)
	store := NewMemoryStore()
	cfg := testConfig(url)
	cfg.Store = store
	c := openClient(t, cfg)

	var (
		mu       sync.Mutex
		versions []protocol.Version
	)
	cp := c.NewComponent("Counter", WithOnUpdate(func(_ map[string]any, v protocol.Version) {
		mu.Lock()
		versions = append(versions, v)
		mu.Unlock()
	}))
	ctx := context.Background()
	if err := cp.Mount(ctx, map[string]any{"start": 5}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if cp.ID() == "" || cp.SignedState() == "" {
		t.Fatalf("mounted handle has id %q signed %q", cp.ID(), cp.SignedState())
	}
	if got := number(cp.State()["count"]); got != 5 {
		t.Errorf("count = %v after mount, want 5", got)
	}

	result, err := cp.Call(ctx, "increment", incrementPayload{By: 2})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal(result, &res); err != nil || number(res["count"]) != 7 {
		t.Errorf("result = %s (%v)", result, err)
	}

	// The update is applied before Call returns.
	if got := number(cp.State()["count"]); got != 7 {
		t.Errorf("count = %v right after Call, want 7", got)
	}
	if v := cp.Version(); v.Number != 2 || v.Source != protocol.SourceServer {
		t.Errorf("version = %+v", v)
	}

	eventually(t, "update hooks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) == 2
	})
	mu.Lock()
	if versions[0].Source != protocol.SourceMount || versions[1].Number != 2 {
		t.Errorf("hook versions = %+v", versions)
	}
	mu.Unlock()

	eventually(t, "persisted snapshot", func() bool {
		snap, _ := store.Load(ctx, "Counter")
		return snap != nil && snap.SignedState == cp.SignedState()
	})
}

func TestComponentCallErrors(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))
	ctx := context.Background()

	cp := c.NewComponent("Counter")
	if _, err := cp.Call(ctx, "increment", nil); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Call before Mount = %v, want ErrNotMounted", err)
	}
	if err := cp.Mount(ctx, nil); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	_, err := cp.Call(ctx, "explode", nil)
	if !IsCode(err, protocol.ErrUnknownAction) {
		t.Errorf("unknown action err = %v", err)
	}
	_, err = cp.Call(ctx, "fail", nil)
	if !IsCode(err, protocol.ErrActionFailed) {
		t.Errorf("failing action err = %v", err)
	}

	// The component survives failed actions.
	if _, err := cp.Call(ctx, "increment", nil); err != nil {
		t.Errorf("Call after failures: %v", err)
	}
}

func TestComponentMountUnknownType(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))

	err := c.NewComponent("Nope").Mount(context.Background(), nil)
	if !IsCode(err, protocol.ErrUnknownComponent) {
		t.Errorf("err = %v, want UNKNOWN_COMPONENT", err)
	}
}

func TestComponentResumesAfterReconnect(t *testing.T) {
	srv, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))
	ctx := context.Background()

	rehydrated := make(chan [2]string, 2)
	cp := c.NewComponent("Counter", WithOnRehydrate(func(oldID, newID string) {
		rehydrated <- [2]string{oldID, newID}
	}))
	if err := cp.Mount(ctx, map[string]any{"start": 1}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := cp.Call(ctx, "increment", incrementPayload{By: 4}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	oldID := cp.ID()
	eventually(t, "snapshot persisted", func() bool {
		snap, _ := c.config.Store.Load(ctx, "Counter")
		return snap != nil && snap.SignedState == cp.SignedState()
	})

	srv.CloseConnections()

	select {
	case ids := <-rehydrated:
		if ids[0] != oldID || ids[1] == oldID {
			t.Errorf("rehydrated %s -> %s, old id was %s", ids[0], ids[1], oldID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("component not rehydrated")
	}

	if got := number(cp.State()["count"]); got != 5 {
		t.Errorf("count after resume = %v, want 5", got)
	}
	if _, err := cp.Call(ctx, "increment", nil); err != nil {
		t.Fatalf("Call after resume: %v", err)
	}
	if got := number(cp.State()["count"]); got != 6 {
		t.Errorf("count = %v, want 6", got)
	}
}

func TestComponentStaleSnapshotMountsFresh(t *testing.T) {
	_, url := newTestServer(t, nil)
	ctx := context.Background()

	store := NewMemoryStore()
	store.Save(ctx, PersistedSnapshot{
		ComponentName: "Counter",
		SignedState:   staleSnapshot(t, "Counter", map[string]any{"count": 99}),
		LastUpdate:    time.Now(),
	})

	reports := make(chan error, 4)
	cfg := testConfig(url)
	cfg.Store = store
	cfg.OnError = func(err error, fatal bool) {
		if fatal {
			t.Errorf("fatal error %v", err)
		}
		reports <- err
	}
	c := openClient(t, cfg)

	cp := c.NewComponent("Counter")
	if err := cp.Mount(ctx, map[string]any{"start": 3}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := number(cp.State()["count"]); got != 3 {
		t.Errorf("count = %v, want the fresh mount's 3", got)
	}

	select {
	case err := <-reports:
		var rerr *RehydrationError
		if !errors.As(err, &rerr) || rerr.Reason != protocol.ReasonExpired {
			t.Errorf("reported %v, want expired RehydrationError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rehydration failure not reported")
	}

	// The stale snapshot is replaced by the fresh mount's.
	eventually(t, "fresh snapshot", func() bool {
		snap, _ := store.Load(ctx, "Counter")
		return snap != nil && snap.SignedState == cp.SignedState()
	})
}

func TestComponentStaleSnapshotOnReconnectMountsFresh(t *testing.T) {
	srv, url := newTestServer(t, nil)
	ctx := context.Background()

	store := NewMemoryStore()
	reports := make(chan error, 16)
	cfg := testConfig(url)
	cfg.Store = store
	cfg.OnError = func(err error, fatal bool) {
		if fatal {
			t.Errorf("fatal error %v", err)
		}
		reports <- err
	}
	c := openClient(t, cfg)

	rehydrated := make(chan struct{}, 1)
	cp := c.NewComponent("Counter", WithOnRehydrate(func(string, string) {
		rehydrated <- struct{}{}
	}))
	if err := cp.Mount(ctx, map[string]any{"start": 3}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := cp.Call(ctx, "increment", incrementPayload{By: 4}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	oldID := cp.ID()
	eventually(t, "snapshot persisted", func() bool {
		snap, _ := store.Load(ctx, "Counter")
		return snap != nil && snap.SignedState == cp.SignedState()
	})

	// Two hours pass: the server no longer honours the persisted token.
	stale := staleSnapshot(t, "Counter", map[string]any{"count": 99})
	store.Save(ctx, PersistedSnapshot{
		ComponentName: "Counter",
		SignedState:   stale,
		LastUpdate:    time.Now().Add(-2 * time.Hour),
	})

	srv.CloseConnections()

	deadline := time.After(5 * time.Second)
	for waiting := true; waiting; {
		select {
		case err := <-reports:
			var rerr *RehydrationError
			if errors.As(err, &rerr) {
				if rerr.Reason != protocol.ReasonExpired {
					t.Errorf("rehydration refused with %q, want expired", rerr.Reason)
				}
				waiting = false
			}
		case <-deadline:
			t.Fatal("rehydration failure not reported")
		}
	}

	eventually(t, "fresh mount", func() bool { return cp.ID() != oldID && cp.ID() != "" })
	if got := number(cp.State()["count"]); got != 3 {
		t.Errorf("count = %v, want the fresh mount's 3", got)
	}
	if v := cp.Version(); v.Source != protocol.SourceMount {
		t.Errorf("version = %+v, want a mount", v)
	}
	eventually(t, "stale snapshot replaced", func() bool {
		snap, _ := store.Load(ctx, "Counter")
		return snap != nil && snap.SignedState != stale && snap.SignedState == cp.SignedState()
	})
	select {
	case <-rehydrated:
		t.Error("OnRehydrate called for a refused snapshot")
	default:
	}
}

func TestComponentLocallyExpiredSnapshotIgnored(t *testing.T) {
	_, url := newTestServer(t, nil)
	ctx := context.Background()

	store := NewMemoryStore()
	store.Save(ctx, PersistedSnapshot{
		ComponentName: "Counter",
		SignedState:   "never-sent",
		LastUpdate:    time.Now().Add(-48 * time.Hour),
	})

	reports := make(chan error, 1)
	cfg := testConfig(url)
	cfg.Store = store
	cfg.OnError = func(err error, _ bool) { reports <- err }
	c := openClient(t, cfg)

	cp := c.NewComponent("Counter")
	if err := cp.Mount(ctx, map[string]any{"start": 1}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	select {
	case err := <-reports:
		t.Errorf("unexpected report %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestComponentRehydratesOnMount(t *testing.T) {
	_, url := newTestServer(t, nil)
	ctx := context.Background()
	store := NewMemoryStore()

	first := openClient(t, func() *Config { cfg := testConfig(url); cfg.Store = store; return cfg }())
	cp := first.NewComponent("Counter")
	if err := cp.Mount(ctx, map[string]any{"start": 10}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := cp.Call(ctx, "increment", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eventually(t, "snapshot persisted", func() bool {
		snap, _ := store.Load(ctx, "Counter")
		return snap != nil && snap.SignedState == cp.SignedState()
	})
	first.Close()

	// A new process sharing the store picks up where the first left off.
	second := openClient(t, func() *Config { cfg := testConfig(url); cfg.Store = store; return cfg }())
	again := second.NewComponent("Counter")
	if err := again.Mount(ctx, map[string]any{"start": 0}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := number(again.State()["count"]); got != 11 {
		t.Errorf("count = %v, want 11 from the snapshot", got)
	}
	if again.Version().Source != protocol.SourceRehydrate {
		t.Errorf("version = %+v", again.Version())
	}
}

func TestComponentUnmount(t *testing.T) {
	srv, url := newTestServer(t, nil)
	store := NewMemoryStore()
	cfg := testConfig(url)
	cfg.Store = store
	c := openClient(t, cfg)
	ctx := context.Background()

	cp := c.NewComponent("Counter")
	if err := cp.Mount(ctx, nil); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	eventually(t, "server session", func() bool { return srv.Sessions().Count() == 1 })

	if err := cp.Unmount(ctx); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if cp.Mounted() {
		t.Error("still mounted")
	}
	eventually(t, "server session removed", func() bool { return srv.Sessions().Count() == 0 })

	// Saves still queued when Unmount ran are dropped.
	time.Sleep(20 * time.Millisecond)
	if snap, _ := store.Load(ctx, "Counter"); snap != nil {
		t.Errorf("snapshot still present after unmount: %+v", snap)
	}
	if err := cp.Unmount(ctx); !errors.Is(err, ErrNotMounted) {
		t.Errorf("second Unmount = %v, want ErrNotMounted", err)
	}
	if _, err := cp.Call(ctx, "increment", nil); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Call after Unmount = %v, want ErrNotMounted", err)
	}
}
