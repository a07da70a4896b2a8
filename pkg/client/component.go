package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/vango-dev/livestate/pkg/protocol"
)

// Component is the client handle of one server component. It mirrors the
// server state, persists every signed snapshot it receives and resumes itself
// after the connection is re-established.
type Component struct {
	client *Client
	name   string
	room   string
	userID string
	logger *slog.Logger

	onUpdate    func(state map[string]any, version protocol.Version)
	onRehydrate func(oldID, newID string)

	// resumeMu serializes mount, resume and unmount.
	resumeMu sync.Mutex

	// persistMu orders snapshot writes against the delete in Unmount.
	persistMu sync.Mutex

	mu         sync.RWMutex
	id         string
	props      map[string]any
	state      map[string]any
	signed     string
	version    protocol.Version
	mounted    bool
	unregister func()
}

// ComponentOption configures a Component.
type ComponentOption func(*Component)

// WithRoom scopes the component to a room.
func WithRoom(room string) ComponentOption {
	return func(cp *Component) { cp.room = room }
}

// WithUser sets the owner id sent with mount and rehydrate requests.
func WithUser(userID string) ComponentOption {
	return func(cp *Component) { cp.userID = userID }
}

// WithOnUpdate sets a hook called after every state change, including the
// initial mount. It runs on the client's dispatcher goroutine.
func WithOnUpdate(fn func(state map[string]any, version protocol.Version)) ComponentOption {
	return func(cp *Component) { cp.onUpdate = fn }
}

// WithOnRehydrate sets a hook called after the component was restored from a
// snapshot under a new id.
func WithOnRehydrate(fn func(oldID, newID string)) ComponentOption {
	return func(cp *Component) { cp.onRehydrate = fn }
}

// NewComponent creates an unmounted handle for the component type name.
func (c *Client) NewComponent(name string, opts ...ComponentOption) *Component {
	cp := &Component{
		client: c,
		name:   name,
		logger: c.logger.With("component_name", name),
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// Name returns the component type name.
func (cp *Component) Name() string {
	return cp.name
}

// ID returns the current server id, which changes on every rehydration.
func (cp *Component) ID() string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.id
}

// State returns a copy of the mirrored state.
func (cp *Component) State() map[string]any {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return maps.Clone(cp.state)
}

// Version returns the version of the last applied state update.
func (cp *Component) Version() protocol.Version {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.version
}

// SignedState returns the latest signed snapshot.
func (cp *Component) SignedState() string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.signed
}

// Mounted reports whether the component is mounted.
func (cp *Component) Mounted() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.mounted
}

// Mount instantiates the component on the server. When a persisted snapshot
// younger than Config.SnapshotExpiry exists it is rehydrated instead; if the
// server refuses it, the snapshot is dropped, a *RehydrationError is reported
// through OnError and the component is mounted fresh with props.
func (cp *Component) Mount(ctx context.Context, props map[string]any) error {
	cp.resumeMu.Lock()
	defer cp.resumeMu.Unlock()

	cp.mu.Lock()
	if cp.mounted {
		cp.mu.Unlock()
		return nil
	}
	cp.props = maps.Clone(props)
	cp.mu.Unlock()

	if err := cp.restore(ctx, ""); err != nil {
		return err
	}
	cp.client.track(cp)
	return nil
}

// resume runs after a reconnect.
func (cp *Component) resume() {
	ctx, cancel := context.WithTimeout(context.Background(), cp.client.config.RequestTimeout+cp.client.config.RehydrateTimeout)
	defer cancel()

	cp.resumeMu.Lock()
	defer cp.resumeMu.Unlock()

	if !cp.Mounted() {
		return
	}
	if err := cp.restore(ctx, cp.ID()); err != nil {
		cp.logger.Warn("resume failed", "error", err)
	}
}

// recoverStale resumes after the server reported staleID as no longer live. It is
// a no-op when another resume already replaced staleID.
func (cp *Component) recoverStale(ctx context.Context, staleID string) error {
	cp.resumeMu.Lock()
	defer cp.resumeMu.Unlock()

	if !cp.Mounted() {
		return ErrNotMounted
	}
	if cp.ID() != staleID {
		return nil
	}
	return cp.restore(ctx, staleID)
}

// restore rehydrates from the persisted snapshot if there is a usable one and
// mounts fresh otherwise. resumeMu must be held.
func (cp *Component) restore(ctx context.Context, previousID string) error {
	store := cp.client.config.Store

	snap, err := store.Load(ctx, cp.name)
	if err != nil {
		cp.logger.Warn("load snapshot failed", "error", err)
		snap = nil
	}
	if snap != nil && time.Since(snap.LastUpdate) > cp.client.config.SnapshotExpiry {
		cp.logger.Debug("persisted snapshot expired", "last_update", snap.LastUpdate)
		cp.forget(ctx)
		snap = nil
	}

	if snap != nil {
		res, err := cp.client.rehydrate(ctx, protocol.RehydrateRequest{
			ComponentName: cp.name,
			SignedState:   snap.SignedState,
			Room:          cp.room,
			UserID:        cp.userID,
			PreviousID:    previousID,
		})
		if err == nil {
			oldID := cp.adopt(res.NewComponentID, res.State, res.SignedState, res.Version)
			if oldID == "" {
				oldID = res.OldComponentID
			}
			cp.logger.Info("component rehydrated", "old_id", oldID, "component_id", res.NewComponentID)
			if hook := cp.onRehydrate; hook != nil {
				cp.client.events.push(func() { hook(oldID, res.NewComponentID) })
			}
			return nil
		}

		var rerr *RehydrationError
		if !errors.As(err, &rerr) {
			return err
		}
		cp.logger.Info("rehydration refused, mounting fresh", "reason", rerr.Reason)
		cp.forget(ctx)
		cp.client.emitError(rerr, false)
	}

	return cp.mountFresh(ctx)
}

func (cp *Component) mountFresh(ctx context.Context) error {
	cp.mu.RLock()
	props := cp.props
	cp.mu.RUnlock()

	msg, err := protocol.NewMessage(protocol.TypeMount, "", protocol.MountRequest{
		Component: cp.name,
		Props:     props,
		Room:      cp.room,
		UserID:    cp.userID,
	})
	if err != nil {
		return err
	}
	reply, err := cp.client.SendAndAwait(ctx, msg, 0)
	if err != nil {
		return fmt.Errorf("client: mount %s: %w", cp.name, err)
	}
	var result protocol.MountResult
	if err := decodeResult(reply, &result); err != nil {
		return fmt.Errorf("client: mount %s: %w", cp.name, err)
	}
	cp.adopt(result.ComponentID, result.State, result.SignedState, result.Version)
	return nil
}

// adopt switches the handle to id with the given state and returns the id
// it replaced.
func (cp *Component) adopt(id string, state map[string]any, signed string, version protocol.Version) string {
	cp.mu.Lock()
	oldID := cp.id
	if cp.unregister != nil && oldID != id {
		cp.unregister()
		cp.unregister = nil
	}
	cp.id = id
	cp.state = state
	cp.signed = signed
	cp.version = version
	cp.mounted = true
	if cp.unregister == nil {
		cp.unregister = cp.client.register(id, &handlerEntry{fn: cp.apply, inline: true})
	}
	cp.mu.Unlock()

	cp.notify(state, signed, version)
	return oldID
}

// apply runs on the read loop so State is current before the reply of the
// action that caused the update is delivered.
func (cp *Component) apply(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeStateUpdate:
		var update protocol.StateUpdate
		if err := msg.DecodePayload(&update); err != nil {
			cp.logger.Debug("bad state update", "error", err)
			return
		}
		cp.mu.Lock()
		if cp.id != msg.ComponentID {
			cp.mu.Unlock()
			return
		}
		cp.state = update.State
		if update.SignedState != "" {
			cp.signed = update.SignedState
		}
		cp.version = update.Version
		signed := cp.signed
		cp.mu.Unlock()

		cp.notify(update.State, signed, update.Version)
	case protocol.TypeError:
		cp.logger.Debug("component error", "component_id", msg.ComponentID, "payload", string(msg.Payload))
	default:
		cp.logger.Debug("unhandled component message", "type", msg.Type)
	}
}

// notify persists the snapshot and runs the update hook on the dispatcher.
func (cp *Component) notify(state map[string]any, signed string, version protocol.Version) {
	snap := PersistedSnapshot{
		ComponentName: cp.name,
		SignedState:   signed,
		Room:          cp.room,
		UserID:        cp.userID,
		LastUpdate:    time.Now(),
	}
	hook := cp.onUpdate
	cp.client.events.push(func() {
		cp.persistMu.Lock()
		if snap.SignedState != "" && cp.Mounted() {
			if err := cp.client.config.Store.Save(context.Background(), snap); err != nil {
				cp.logger.Warn("persist snapshot failed", "error", err)
			}
		}
		cp.persistMu.Unlock()
		if hook != nil {
			hook(maps.Clone(state), version)
		}
	})
}

func (cp *Component) forget(ctx context.Context) {
	if err := cp.client.config.Store.Delete(ctx, cp.name); err != nil {
		cp.logger.Warn("delete snapshot failed", "error", err)
	}
}

// Call invokes action with payload and returns the action's result. If the
// server no longer knows the component id, the component is resumed and the
// call retried once.
func (cp *Component) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	req := protocol.ActionRequest{Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("client: encode %s payload: %w", action, err)
		}
		req.Payload = raw
	}

	for attempt := 0; ; attempt++ {
		if !cp.Mounted() {
			return nil, ErrNotMounted
		}
		id := cp.ID()
		msg, err := protocol.NewMessage(protocol.TypeCallAction, id, req)
		if err != nil {
			return nil, err
		}
		reply, err := cp.client.SendAndAwait(ctx, msg, 0)
		if err != nil {
			return nil, err
		}
		if !protocol.IsRehydrationRequired(reply) {
			var result json.RawMessage
			if err := decodeResult(reply, &result); err != nil {
				return nil, err
			}
			return result, nil
		}
		if attempt > 0 {
			return nil, &ServerError{Code: protocol.ErrRehydrationRequired, Message: "component " + id + " is not live"}
		}
		cp.logger.Debug("component not live, resuming", "component_id", id, "action", action)
		if err := cp.recoverStale(ctx, id); err != nil {
			return nil, err
		}
	}
}

// Unmount removes the component on the server and drops its persisted
// snapshot.
func (cp *Component) Unmount(ctx context.Context) error {
	cp.resumeMu.Lock()
	defer cp.resumeMu.Unlock()

	cp.persistMu.Lock()
	cp.mu.Lock()
	if !cp.mounted {
		cp.mu.Unlock()
		cp.persistMu.Unlock()
		return ErrNotMounted
	}
	id := cp.id
	cp.mounted = false
	if cp.unregister != nil {
		cp.unregister()
		cp.unregister = nil
	}
	cp.mu.Unlock()
	cp.forget(ctx)
	cp.persistMu.Unlock()

	cp.client.untrack(cp)

	msg, err := protocol.NewMessage(protocol.TypeUnmount, id, nil)
	if err != nil {
		return err
	}
	reply, err := cp.client.SendAndAwait(ctx, msg, 0)
	if err != nil {
		return fmt.Errorf("client: unmount %s: %w", cp.name, err)
	}
	if protocol.IsRehydrationRequired(reply) {
		return nil
	}
	return decodeResult(reply, nil)
}

// decodeResult unmarshals the result of a successful message-response into v.
func decodeResult(m *protocol.Message, v any) error {
	if m.Type != protocol.TypeResponse {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, m.Type)
	}
	var r protocol.Response
	if err := m.DecodePayload(&r); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], r.Result...)
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return nil
}
