package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/snapshot"
)

// Session is one live component instance. All state changes and action
// handlers run on the session's own loop goroutine, so handlers for one
// component never overlap while different components run concurrently.
type Session struct {
	// Identity
	Name      string
	Room      string
	Owner     string
	CreatedAt time.Time

	typ    *ComponentType
	codec  *snapshot.Codec
	logger *slog.Logger

	mu         sync.RWMutex
	id         string
	state      map[string]any
	version    protocol.Version
	signed     string
	conns      map[string]*Conn
	detachedAt time.Time

	queue     chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(id string, typ *ComponentType, room, owner string, state map[string]any,
	source protocol.VersionSource, codec *snapshot.Codec, queueSize int, logger *slog.Logger) (*Session, error) {

	s := &Session{
		Name:      typ.Name,
		Room:      room,
		Owner:     owner,
		CreatedAt: time.Now(),
		typ:       typ,
		codec:     codec,
		logger:    logger,
		id:        id,
		state:     state,
		version:   protocol.Version{Number: 1, Source: source},
		conns:     make(map[string]*Conn),
		queue:     make(chan func(), queueSize),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	signed, err := s.sign(state)
	if err != nil {
		return nil, NewSessionError(id, "sign", err)
	}
	s.signed = signed

	go s.loop()
	return s, nil
}

// ID returns the current component id. It changes when the session is
// rebound by a rehydration.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// State returns a copy of the current state.
func (s *Session) State() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// Version returns the current state version.
func (s *Session) Version() protocol.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SignedState returns the snapshot token for the current state.
func (s *Session) SignedState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signed
}

// IsDetached reports whether no connection is bound.
func (s *Session) IsDetached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns) == 0
}

// ConnCount returns the number of bound connections.
func (s *Session) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Done is closed when the session is discarded.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsClosed reports whether the session has been discarded.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Dispatch queues fn to run on the session loop without waiting.
func (s *Session) Dispatch(fn func()) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.queue <- fn:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// Update runs fn on the session loop with an ActionContext, for state
// changes that originate on the server rather than from a client action.
func (s *Session) Update(fn func(ctx *ActionContext)) error {
	return s.Dispatch(func() {
		fn(&ActionContext{ctx: context.Background(), session: s})
	})
}

// run queues fn and waits for it to finish.
func (s *Session) run(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := s.Dispatch(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.queue:
			s.safeExecute(fn)
		case <-s.done:
			return
		}
	}
}

// safeExecute runs fn, recovering and logging panics so the loop survives.
func (s *Session) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session loop panic",
				"panic", r,
				"component_id", s.ID(),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// invoke runs the named action. It must be called on the session loop.
func (s *Session) invoke(ctx context.Context, action string, payload json.RawMessage) (result any, err error) {
	handler, ok := s.typ.Actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAction, s.Name, action)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("action panic",
				"panic", r,
				"component", s.Name,
				"action", action,
				"stack", string(debug.Stack()))
			result = nil
			err = &ActionError{Component: s.Name, Action: action, Panic: r}
		}
	}()

	result, err = handler.Invoke(&ActionContext{ctx: ctx, session: s}, payload)
	if err != nil {
		return nil, &ActionError{Component: s.Name, Action: action, Err: err}
	}
	return result, nil
}

// commit installs next as the new state, signs it and, if broadcast is set,
// pushes a state-update to every bound connection. It must be called on the
// session loop.
func (s *Session) commit(next map[string]any, source protocol.VersionSource, broadcast bool) {
	signed, err := s.sign(next)

	s.mu.Lock()
	s.state = next
	s.version = protocol.Version{Number: s.version.Number + 1, Source: source}
	if err != nil {
		s.logger.Error("snapshot signing failed", "component_id", s.id, "error", err)
	} else {
		s.signed = signed
	}
	id := s.id
	update := protocol.StateUpdate{
		State:       cloneState(next),
		SignedState: s.signed,
		Version:     s.version,
	}
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if !broadcast {
		return
	}
	for _, c := range conns {
		if err := c.sendTo(protocol.TypeStateUpdate, id, update); err != nil {
			s.logger.Debug("state update not delivered",
				"component_id", id,
				"connection_id", c.ID,
				"error", err)
		}
	}
}

func (s *Session) sign(state map[string]any) (string, error) {
	return s.codec.Sign(snapshot.Snapshot{
		ComponentName: s.Name,
		State:         state,
		Room:          s.Room,
		Owner:         s.Owner,
	})
}

func (s *Session) bind(c *Conn) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.detachedAt = time.Time{}
	s.mu.Unlock()
}

// unbind removes a connection and returns whether the session is now detached.
func (s *Session) unbind(connID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connID)
	if len(s.conns) == 0 && s.detachedAt.IsZero() {
		s.detachedAt = now
	}
	return len(s.conns) == 0
}

func (s *Session) isBound(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[connID]
	return ok
}

// detachedSince returns when the last connection left, or zero if bound.
func (s *Session) detachedSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.conns) > 0 {
		return time.Time{}
	}
	return s.detachedAt
}

// rekey moves the session to newID bound only to c, and returns the old id
// and the connections that lost the binding.
func (s *Session) rekey(newID string, c *Conn) (string, []*Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldID := s.id
	var dropped []*Conn
	for id, other := range s.conns {
		if id != c.ID {
			dropped = append(dropped, other)
		}
	}
	s.id = newID
	s.conns = map[string]*Conn{c.ID: c}
	s.detachedAt = time.Time{}
	return oldID, dropped
}

// Close discards the session. Queued work that has not started is dropped.
// It is safe to call from the session loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		id := s.id
		conns := s.conns
		s.conns = make(map[string]*Conn)
		s.mu.Unlock()

		for _, c := range conns {
			c.untrack(id)
		}
		close(s.done)

		s.logger.Debug("session closed",
			"component_id", id,
			"component", s.Name,
			"lifetime", time.Since(s.CreatedAt))
	})
}

// ActionContext is handed to action handlers and lifecycle hooks. It is only
// valid on the session loop for the duration of the call.
type ActionContext struct {
	ctx     context.Context
	session *Session
}

// Context returns the request context.
func (c *ActionContext) Context() context.Context {
	return c.ctx
}

// ComponentID returns the current component id.
func (c *ActionContext) ComponentID() string {
	return c.session.ID()
}

// Name returns the component type name.
func (c *ActionContext) Name() string {
	return c.session.Name
}

// Room returns the room partition key.
func (c *ActionContext) Room() string {
	return c.session.Room
}

// Owner returns the owning user id.
func (c *ActionContext) Owner() string {
	return c.session.Owner
}

// Session returns the underlying session, e.g. to schedule Update calls from
// a timer.
func (c *ActionContext) Session() *Session {
	return c.session
}

// Logger returns a logger tagged with the component.
func (c *ActionContext) Logger() *slog.Logger {
	return c.session.logger.With("component", c.session.Name, "component_id", c.session.ID())
}

// State returns a copy of the current state.
func (c *ActionContext) State() map[string]any {
	return c.session.State()
}

// Get returns one state value.
func (c *ActionContext) Get(key string) any {
	c.session.mu.RLock()
	defer c.session.mu.RUnlock()
	return cloneValue(c.session.state[key])
}

// SetState merges patch into the state, producing a new version and
// notifying every bound connection.
func (c *ActionContext) SetState(patch map[string]any) {
	next := c.session.State()
	for k, v := range patch {
		next[k] = cloneValue(v)
	}
	c.session.commit(next, protocol.SourceServer, true)
}

// ReplaceState replaces the whole state, producing a new version and
// notifying every bound connection.
func (c *ActionContext) ReplaceState(state map[string]any) {
	c.session.commit(cloneState(state), protocol.SourceServer, true)
}
