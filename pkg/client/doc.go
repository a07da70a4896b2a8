// Package client connects to a livestate server, mirrors the state of the
// components it mounts and keeps them alive across network drops.
//
// # Connection
//
// A Client owns one WebSocket at a time. Its lifecycle is a small state
// machine:
//
//	disconnected -> connecting -> connected
//	      ^              |            |
//	      +--------------+------------+
//	disconnected -> failed (after MaxReconnectAttempts)
//
// When the socket closes, every pending request fails with
// ErrConnectionClosed and a reconnect is scheduled after ReconnectInterval.
// The attempt counter resets on every successful connect. When it runs out,
// OnError receives ErrMaxReconnectAttempts with fatal set and the client
// stays in StateFailed until Open or Reconnect is called.
//
// # Components
//
// Component handles mount server components and persist each signed
// snapshot they receive in the configured SnapshotStore. After a reconnect
// every mounted component is rehydrated from its snapshot. The server either
// rebinds the still-live session under a new id or rebuilds it from the
// snapshot. A refused snapshot is deleted and the component is mounted fresh
// with its original props.
//
// Only one rehydrate request per component name is in flight at a time;
// concurrent callers share its outcome.
//
// # Ordering
//
// Replies resolve their waiting caller directly from the read loop. State
// updates are applied to their Component on the read loop too, so State
// reflects an action's effects when Call returns. Hooks (OnConnect,
// OnDisconnect, OnError, component OnUpdate and OnRehydrate) and handlers
// installed with Register run one at a time on a dispatcher goroutine in
// arrival order. They may call SendAndAwait and Close.
//
// # Uploads
//
// Upload sends a file in chunks whose size adapts to observed round-trip
// latency (see package chunk). Failed chunks are resent with the same index
// and bytes; the server ignores duplicates.
//
// # Example
//
//	c, err := client.New(&client.Config{URL: "ws://localhost:8080/ws"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	if err := c.Open(ctx); err != nil {
//	    return err
//	}
//
//	counter := c.NewComponent("Counter")
//	if err := counter.Mount(ctx, map[string]any{"start": 5}); err != nil {
//	    return err
//	}
//	if _, err := counter.Call(ctx, "increment", nil); err != nil {
//	    return err
//	}
//	fmt.Println(counter.State()["count"])
package client
