package demo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/livestate/pkg/client"
	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, opts Options) string {
	t.Helper()
	reg := server.NewRegistry()
	if err := Register(reg, opts); err != nil {
		t.Fatalf("Register: %v", err)
	}
	srv, err := server.New(&server.ServerConfig{
		SnapshotKey: []byte("demo-test-key"),
		Logger:      discardLogger(),
	}, reg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func connect(t *testing.T, url string) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.URL = url
	cfg.Logger = discardLogger()
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := server.NewRegistry()
	if err := Register(reg, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := Register(reg, Options{}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if got := reg.Names(); len(got) != 2 {
		t.Errorf("names = %v", got)
	}
}

// Mount a Clock, tick it, and see the update arrive.
func TestClockTick(t *testing.T) {
	c := connect(t, startServer(t, Options{}))
	ctx := context.Background()

	updates := make(chan map[string]any, 4)
	cp := c.NewComponent(ClockName, client.WithOnUpdate(func(state map[string]any, _ protocol.Version) {
		updates <- state
	}))
	if err := cp.Mount(ctx, map[string]any{"time": "t0"}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := cp.State()["time"]; got != "t0" {
		t.Errorf("time = %v after mount", got)
	}

	if _, err := cp.Call(ctx, "tick", TickPayload{Time: "t1"}); err != nil {
		t.Fatalf("tick: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-updates:
			if state["time"] == "t1" {
				return
			}
		case <-deadline:
			t.Fatal("no update with time t1")
		}
	}
}

func TestClockDefaultsToNow(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	typ := Clock(Options{Now: func() time.Time { return fixed }})
	state, err := typ.Init(nil)
	if err != nil {
		t.Fatal(err)
	}
	if state["time"] != "2024-03-01T12:00:00Z" {
		t.Errorf("time = %v", state["time"])
	}
}

func TestClockTicksOnItsOwn(t *testing.T) {
	var (
		mu sync.Mutex
		n  int
	)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return time.Unix(int64(n), 0)
	}
	c := connect(t, startServer(t, Options{ClockInterval: 10 * time.Millisecond, Now: now}))

	updates := make(chan protocol.Version, 16)
	cp := c.NewComponent(ClockName, client.WithOnUpdate(func(_ map[string]any, v protocol.Version) {
		select {
		case updates <- v:
		default:
		}
	}))
	if err := cp.Mount(context.Background(), nil); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-updates:
			if v.Source == protocol.SourceServer && v.Number >= 3 {
				return
			}
		case <-deadline:
			t.Fatalf("clock did not tick, version %+v", cp.Version())
		}
	}
}

func TestCounter(t *testing.T) {
	c := connect(t, startServer(t, Options{}))
	ctx := context.Background()

	cp := c.NewComponent(CounterName)
	if err := cp.Mount(ctx, map[string]any{"start": 2, "min": 0}); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	call := func(action string, payload any) (float64, error) {
		raw, err := cp.Call(ctx, action, payload)
		if err != nil {
			return 0, err
		}
		var res struct{ Count float64 }
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		return res.Count, nil
	}

	if got, err := call("increment", CounterPayload{By: 3}); err != nil || got != 5 {
		t.Errorf("increment = %v, %v", got, err)
	}
	if got, err := call("decrement", nil); err != nil || got != 4 {
		t.Errorf("decrement = %v, %v", got, err)
	}
	if _, err := call("decrement", CounterPayload{By: 10}); !client.IsCode(err, protocol.ErrActionFailed) {
		t.Errorf("decrement below min err = %v", err)
	}
	if got, err := call("reset", nil); err != nil || got != 0 {
		t.Errorf("reset = %v, %v", got, err)
	}
	if _, err := call("increment", map[string]any{"step": 1}); !client.IsCode(err, protocol.ErrActionFailed) {
		t.Errorf("unknown payload field err = %v", err)
	}
}

func TestCounterInitRejectsNonNumbers(t *testing.T) {
	if _, err := Counter().Init(map[string]any{"start": "ten"}); err == nil {
		t.Error("string start accepted")
	}
	state, err := Counter().Init(nil)
	if err != nil || state["count"] != 0.0 {
		t.Errorf("state = %v, %v", state, err)
	}
}
