// Package server hosts live components for WebSocket clients.
//
// Clients mount components by name, call their actions and receive a
// state-update whenever a component's state changes. Every update carries a
// signed snapshot of the state which the client persists; after a reconnect
// the client exchanges that snapshot for a live component again.
//
// # Architecture
//
//   - Registry: component types by name, each with its actions and hooks
//   - Session: one live component with its own action queue and loop goroutine
//   - SessionManager: mount, rehydrate, unmount and the detached-session sweep
//   - Conn: one WebSocket connection with its read loop and heartbeat
//   - Server: HTTP routing, upgrade, metrics and graceful shutdown
//
// # Ordering
//
// Actions for one component id run to completion one at a time, in the order
// the frames arrived. Different components run concurrently. A component
// whose connection drops is kept for SessionConfig.DetachGrace so that a
// rehydrate naming its previous id rebinds it with its live state.
//
// # Example Usage
//
//	reg := server.NewRegistry()
//	reg.MustRegister(server.ComponentType{
//	    Name: "Counter",
//	    Actions: map[string]server.Action{
//	        "inc": server.ActionFunc(func(ctx *server.ActionContext, _ json.RawMessage) (any, error) {
//	            n, _ := ctx.Get("count").(float64)
//	            ctx.SetState(map[string]any{"count": n + 1})
//	            return nil, nil
//	        }),
//	    },
//	})
//
//	srv, err := server.New(&server.ServerConfig{SnapshotKey: key}, reg)
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx)
package server
