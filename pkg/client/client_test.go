package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/server"
	"github.com/vango-dev/livestate/pkg/snapshot"
	"github.com/vango-dev/livestate/pkg/upload"
)

var testKey = []byte("client-test-key")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

type incrementPayload struct {
	By float64 `json:"by"`
}

func counterType() server.ComponentType {
	return server.ComponentType{
		Name: "Counter",
		Init: func(props map[string]any) (map[string]any, error) {
			return map[string]any{"count": number(props["start"])}, nil
		},
		Actions: map[string]server.Action{
			"increment": server.TypedAction(func(ctx *server.ActionContext, p incrementPayload) (any, error) {
				by := p.By
				if by == 0 {
					by = 1
				}
				next := number(ctx.Get("count")) + by
				ctx.SetState(map[string]any{"count": next})
				return map[string]any{"count": next}, nil
			}),
			"fail": server.ActionFunc(func(*server.ActionContext, json.RawMessage) (any, error) {
				return nil, errors.New("nope")
			}),
		},
	}
}

func newTestServer(t *testing.T, store upload.Store) (*server.Server, string) {
	t.Helper()
	reg := server.NewRegistry()
	reg.MustRegister(counterType())

	srv, err := server.New(&server.ServerConfig{
		SnapshotKey: testKey,
		UploadStore: store,
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
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func testConfig(url string) *Config {
	return &Config{
		URL:                  url,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		RequestTimeout:       2 * time.Second,
		RehydrateTimeout:     time.Second,
		Logger:               discardLogger(),
	}
}

func newTestClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func openClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	c := newTestClient(t, cfg)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// silentServer accepts sockets, greets them and never answers anything.
func silentServer(t *testing.T) (string, func()) {
	t.Helper()
	var (
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, ws)
		mu.Unlock()

		hello, _ := protocol.NewMessage(protocol.TypeConnectionEstablished, "",
			protocol.ConnectionEstablished{ConnectionID: "silent"})
		data, _ := protocol.Encode(hello)
		ws.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	dropAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, ws := range conns {
			ws.Close()
		}
		conns = nil
	}
	return "ws" + strings.TrimPrefix(ts.URL, "http"), dropAll
}

func TestClientOpenIsIdempotent(t *testing.T) {
	_, url := newTestServer(t, nil)

	connected := make(chan string, 4)
	cfg := testConfig(url)
	cfg.OnConnect = func(id string) { connected <- id }
	c := openClient(t, cfg)

	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	id := c.ConnectionID()
	if id == "" {
		t.Fatal("empty connection id")
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if c.ConnectionID() != id {
		t.Error("second Open replaced the socket")
	}

	select {
	case got := <-connected:
		if got != id {
			t.Errorf("OnConnect id = %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}
	select {
	case <-connected:
		t.Error("OnConnect called twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientRequiresURL(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Error("expected error without URL")
	}
}

func TestClientSendBeforeOpen(t *testing.T) {
	c := newTestClient(t, testConfig("ws://127.0.0.1:1/ws"))
	msg, _ := protocol.NewMessage(protocol.TypePing, "", nil)
	if err := c.Send(msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	if _, err := c.SendAndAwait(context.Background(), msg, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAndAwait = %v, want ErrNotConnected", err)
	}
}

func TestClientPing(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))

	msg, _ := protocol.NewMessage(protocol.TypePing, "", nil)
	reply, err := c.SendAndAwait(context.Background(), msg, 0)
	if err != nil {
		t.Fatalf("SendAndAwait: %v", err)
	}
	if reply.Type != protocol.TypePong || reply.RequestID != msg.RequestID {
		t.Errorf("reply = %s %q, want pong %q", reply.Type, reply.RequestID, msg.RequestID)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	url, _ := silentServer(t)
	c := openClient(t, testConfig(url))

	msg, _ := protocol.NewMessage(protocol.TypePing, "", nil)
	start := time.Now()
	_, err := c.SendAndAwait(context.Background(), msg, 50*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout fired late")
	}

	c.mu.Lock()
	left := len(c.pending)
	c.mu.Unlock()
	if left != 0 {
		t.Errorf("%d pending requests left after timeout", left)
	}
}

func TestClientPendingFailOnDisconnect(t *testing.T) {
	url, dropAll := silentServer(t)

	disconnected := make(chan error, 4)
	cfg := testConfig(url)
	cfg.OnDisconnect = func(err error) { disconnected <- err }
	c := openClient(t, cfg)

	errs := make(chan error, 1)
	go func() {
		msg, _ := protocol.NewMessage(protocol.TypePing, "", nil)
		_, err := c.SendAndAwait(context.Background(), msg, 5*time.Second)
		errs <- err
	}()

	eventually(t, "request pending", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	})
	dropAll()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not failed")
	}
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not called")
	}

	// The silent server accepts again, so the client reconnects by itself.
	eventually(t, "reconnect", func() bool { return c.State() == StateConnected })
}

func TestClientReconnectExhaustion(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	type report struct {
		err   error
		fatal bool
	}
	reports := make(chan report, 16)
	cfg := testConfig(url)
	cfg.ReconnectInterval = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.OnError = func(err error, fatal bool) { reports <- report{err, fatal} }
	c := newTestClient(t, cfg)

	if err := c.Open(context.Background()); err == nil {
		t.Fatal("Open against a dead address succeeded")
	}

	select {
	case r := <-reports:
		if !errors.Is(r.err, ErrMaxReconnectAttempts) || !r.fatal {
			t.Errorf("OnError(%v, %v), want fatal ErrMaxReconnectAttempts", r.err, r.fatal)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no exhaustion report")
	}
	eventually(t, "failed state", func() bool { return c.State() == StateFailed })

	// Reconnect starts over from failed.
	if err := c.Reconnect(context.Background()); err == nil {
		t.Fatal("Reconnect against a dead address succeeded")
	}
	select {
	case r := <-reports:
		if !errors.Is(r.err, ErrMaxReconnectAttempts) {
			t.Errorf("second report = %v", r.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no second exhaustion report")
	}
}

func TestClientCloseFromFatalErrorHook(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	var c *Client
	closed := make(chan error, 1)
	cfg := testConfig(url)
	cfg.ReconnectInterval = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 1
	cfg.OnError = func(err error, fatal bool) {
		if fatal {
			closed <- c.Close()
		}
	}
	c = newTestClient(t, cfg)

	if err := c.Open(context.Background()); err == nil {
		t.Fatal("Open against a dead address succeeded")
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close called from OnError did not return")
	}
	if err := c.Open(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Open after Close = %v, want ErrClientClosed", err)
	}
}

func TestClientCloseStopsReconnecting(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if c.State() != StateDisconnected {
		t.Errorf("state = %s after Close", c.State())
	}
	if err := c.Open(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Open after Close = %v, want ErrClientClosed", err)
	}
}

func TestClientRegisterHandler(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))

	cp := c.NewComponent("Counter")
	if err := cp.Mount(context.Background(), map[string]any{"start": 1}); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	got := make(chan *protocol.Message, 4)
	unregister := c.Register("external", func(m *protocol.Message) { got <- m })
	defer unregister()

	// A handler for another id never sees the component's updates.
	if _, err := cp.Call(context.Background(), "increment", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	select {
	case m := <-got:
		t.Errorf("unexpected message %s", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientRehydrateSharesInFlight(t *testing.T) {
	c := newTestClient(t, testConfig("ws://127.0.0.1:1/ws"))

	f := &flight{done: make(chan struct{})}
	c.flights.Add("Counter", f)

	const callers = 5
	results := make(chan *protocol.Rehydrated, callers)
	for i := 0; i < callers; i++ {
		go func() {
			res, err := c.rehydrate(context.Background(), protocol.RehydrateRequest{ComponentName: "Counter"})
			if err != nil {
				t.Errorf("rehydrate: %v", err)
			}
			results <- res
		}()
	}

	select {
	case <-results:
		t.Fatal("caller returned before the shared flight finished")
	case <-time.After(50 * time.Millisecond):
	}

	f.result = &protocol.Rehydrated{NewComponentID: "shared"}
	close(f.done)
	for i := 0; i < callers; i++ {
		select {
		case res := <-results:
			if res == nil || res.NewComponentID != "shared" {
				t.Errorf("result = %+v", res)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("caller did not receive the shared result")
		}
	}
}

func TestClientRehydrateFlightCleared(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))

	_, err := c.rehydrate(context.Background(), protocol.RehydrateRequest{
		ComponentName: "Counter",
		SignedState:   "garbage",
	})
	var rerr *RehydrationError
	if !errors.As(err, &rerr) || rerr.Reason != protocol.ReasonMalformed {
		t.Fatalf("err = %v, want malformed RehydrationError", err)
	}
	if _, ok := c.flights.Peek("Counter"); ok {
		t.Error("flight entry left behind")
	}
}

func staleSnapshot(t *testing.T, name string, state map[string]any) string {
	t.Helper()
	codec, err := snapshot.NewCodec(testKey, snapshot.WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	token, err := codec.Sign(snapshot.Snapshot{ComponentName: name, State: state})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}
