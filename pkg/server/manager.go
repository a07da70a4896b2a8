package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/snapshot"
)

// SessionManager owns all live component sessions.
// It handles mount, rehydration, unmount and the detached-session sweep.
type SessionManager struct {
	// Sessions map protected by RWMutex
	sessions map[string]*Session
	mu       sync.RWMutex

	// Configuration
	config   *SessionConfig
	registry *Registry
	codec    *snapshot.Codec
	now      func() time.Time

	// Cleanup
	done        chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once

	// Metrics
	totalCreated  atomic.Uint64
	totalClosed   atomic.Uint64
	totalRebound  atomic.Uint64
	totalRejected atomic.Uint64
	metrics       *Metrics

	// Logger
	logger *slog.Logger
	base   *slog.Logger
}

// ManagerStats contains aggregate session statistics.
type ManagerStats struct {
	Active        int
	Detached      int
	TotalCreated  uint64
	TotalClosed   uint64
	TotalRebound  uint64
	TotalRejected uint64
}

// NewSessionManager creates a SessionManager and starts its cleanup loop.
func NewSessionManager(registry *Registry, codec *snapshot.Codec, config *SessionConfig, metrics *Metrics, logger *slog.Logger) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	sm := &SessionManager{
		sessions:    make(map[string]*Session),
		config:      config,
		registry:    registry,
		codec:       codec,
		now:         time.Now,
		done:        make(chan struct{}),
		cleanupDone: make(chan struct{}),
		metrics:     metrics,
		logger:      logger.With("component", "session_manager"),
		base:        logger,
	}

	go sm.cleanupLoop()
	return sm
}

// Mount creates a session for req and binds it to c.
func (sm *SessionManager) Mount(ctx context.Context, c *Conn, req protocol.MountRequest) (*Session, error) {
	typ, ok := sm.registry.Lookup(req.Component)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, req.Component)
	}

	state, err := typ.initialState(req.Props)
	if err != nil {
		return nil, NewSessionError("", "init "+typ.Name, err)
	}

	sess, err := sm.create(typ, req.Room, req.UserID, state, protocol.SourceMount)
	if err != nil {
		return nil, err
	}
	sm.attach(sess, c)
	sm.runOnMount(ctx, sess)

	sm.logger.Debug("component mounted",
		"component", typ.Name,
		"component_id", sess.ID(),
		"connection_id", c.ID)
	return sess, nil
}

// Rehydrate verifies a persisted snapshot and binds c to a session under a
// new id. A live session named by req.PreviousID with the same identity is
// rebound and keeps its state; otherwise a session is rebuilt from the
// snapshot. It returns the session and the id it replaced, if any.
func (sm *SessionManager) Rehydrate(ctx context.Context, c *Conn, req protocol.RehydrateRequest) (*Session, string, error) {
	snap, err := sm.codec.Verify(req.SignedState)
	if err != nil {
		return nil, "", sm.reject(snapshot.Reason(err), err)
	}
	if req.ComponentName != "" && req.ComponentName != snap.ComponentName {
		return nil, "", sm.reject(protocol.ReasonNameMismatch,
			fmt.Errorf("%w: requested %s, snapshot holds %s", ErrNameMismatch, req.ComponentName, snap.ComponentName))
	}
	typ, ok := sm.registry.Lookup(snap.ComponentName)
	if !ok {
		return nil, "", sm.reject(protocol.ReasonUnknownComponent,
			fmt.Errorf("%w: %s", ErrUnknownComponent, snap.ComponentName))
	}

	newID := sm.config.IDGenerator()

	if prev := sm.takeForRebind(req.PreviousID, newID, snap); prev != nil {
		oldID, dropped := prev.rekey(newID, c)
		for _, other := range dropped {
			other.untrack(oldID)
		}
		c.track(newID)
		sm.releaseIfTornDown(prev, c)

		err := prev.run(ctx, func() {
			prev.commit(prev.State(), protocol.SourceRehydrate, false)
		})
		if err != nil {
			return nil, "", NewSessionError(newID, "rehydrate", err)
		}

		sm.totalRebound.Add(1)
		sm.metrics.rehydrated("rebound")
		sm.logger.Debug("component rebound",
			"component", typ.Name,
			"old_component_id", oldID,
			"component_id", newID,
			"connection_id", c.ID)
		return prev, oldID, nil
	}

	sess, err := newSession(newID, typ, snap.Room, snap.Owner, cloneState(snap.State),
		protocol.SourceRehydrate, sm.codec, sm.config.ActionQueueSize, sm.sessionLogger(typ.Name))
	if err != nil {
		return nil, "", err
	}
	sm.insert(sess)
	sm.attach(sess, c)
	sm.runOnMount(ctx, sess)
	sm.metrics.rehydrated("reconstructed")

	sm.logger.Debug("component reconstructed",
		"component", typ.Name,
		"previous_id", req.PreviousID,
		"component_id", newID,
		"connection_id", c.ID)
	return sess, req.PreviousID, nil
}

func (sm *SessionManager) reject(reason string, err error) error {
	sm.totalRejected.Add(1)
	sm.metrics.rehydrated(reason)
	return &RehydrateError{Reason: reason, Err: err}
}

// takeForRebind atomically moves a matching live session from oldID to newID.
func (sm *SessionManager) takeForRebind(oldID, newID string, snap *snapshot.Snapshot) *Session {
	if oldID == "" {
		return nil
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev, ok := sm.sessions[oldID]
	if !ok || prev.IsClosed() {
		return nil
	}
	if prev.Name != snap.ComponentName || prev.Room != snap.Room || prev.Owner != snap.Owner {
		return nil
	}
	delete(sm.sessions, oldID)
	sm.sessions[newID] = prev
	return prev
}

// Lookup returns the session for id if it is bound to connID.
func (sm *SessionManager) Lookup(id, connID string) (*Session, error) {
	sess := sm.Get(id)
	if sess == nil || sess.IsClosed() || !sess.isBound(connID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Get returns the session for id, or nil.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Unmount discards the session after any queued actions have run.
func (sm *SessionManager) Unmount(ctx context.Context, id, connID string) error {
	sess, err := sm.Lookup(id, connID)
	if err != nil {
		return err
	}
	err = sess.run(ctx, func() {
		defer sess.Close()
		sm.remove(sess)
		sm.runOnUnmount(sess)
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Detach unbinds c from every session it holds. Sessions left without any
// connection are kept for the detach grace window.
func (sm *SessionManager) Detach(c *Conn) {
	now := sm.now()
	var detached int
	for _, id := range c.tracked() {
		sess := sm.Get(id)
		if sess == nil {
			continue
		}
		if sess.unbind(c.ID, now) {
			detached++
		}
	}
	if detached > 0 {
		sm.logger.Debug("sessions detached",
			"connection_id", c.ID,
			"count", detached)
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Stats returns aggregated session statistics.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	stats := ManagerStats{Active: len(sm.sessions)}
	for _, sess := range sm.sessions {
		if sess.IsDetached() {
			stats.Detached++
		}
	}
	sm.mu.RUnlock()

	stats.TotalCreated = sm.totalCreated.Load()
	stats.TotalClosed = sm.totalClosed.Load()
	stats.TotalRebound = sm.totalRebound.Load()
	stats.TotalRejected = sm.totalRejected.Load()
	return stats
}

// ForEach calls fn for each session until fn returns false.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}

// Shutdown stops the cleanup loop and closes all sessions.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.closeOnce.Do(func() {
		close(sm.done)
	})
	select {
	case <-sm.cleanupDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sm.closeSession(sess)
	}

	sm.logger.Info("session manager shutdown",
		"closed_sessions", len(sessions))
	return nil
}

// cleanupLoop periodically removes sessions detached for longer than the
// grace window.
func (sm *SessionManager) cleanupLoop() {
	defer close(sm.cleanupDone)

	ticker := time.NewTicker(sm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.cleanupDetached()
		case <-sm.done:
			return
		}
	}
}

// cleanupDetached removes expired detached sessions and returns how many.
func (sm *SessionManager) cleanupDetached() int {
	cutoff := sm.now().Add(-sm.config.DetachGrace)

	sm.mu.Lock()
	var expired []*Session
	for id, sess := range sm.sessions {
		since := sess.detachedSince()
		if !since.IsZero() && since.Before(cutoff) {
			expired = append(expired, sess)
			delete(sm.sessions, id)
		}
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	for _, sess := range expired {
		sm.closeSession(sess)
	}

	if len(expired) > 0 {
		sm.logger.Info("cleaned up detached sessions",
			"count", len(expired),
			"remaining", remaining)
	}
	return len(expired)
}

// closeSession runs the unmount hook on the session loop, then closes it.
func (sm *SessionManager) closeSession(sess *Session) {
	err := sess.Dispatch(func() {
		defer sess.Close()
		sm.runOnUnmount(sess)
	})
	if err != nil {
		sess.Close()
	}
	sm.totalClosed.Add(1)
	sm.metrics.sessionClosed()
}

func (sm *SessionManager) create(typ *ComponentType, room, owner string, state map[string]any, source protocol.VersionSource) (*Session, error) {
	id := sm.config.IDGenerator()
	sess, err := newSession(id, typ, room, owner, state, source, sm.codec, sm.config.ActionQueueSize, sm.sessionLogger(typ.Name))
	if err != nil {
		return nil, err
	}
	sm.insert(sess)
	return sess, nil
}

func (sm *SessionManager) insert(sess *Session) {
	sm.mu.Lock()
	sm.sessions[sess.ID()] = sess
	sm.mu.Unlock()
	sm.totalCreated.Add(1)
	sm.metrics.sessionOpened()
}

func (sm *SessionManager) attach(sess *Session, c *Conn) {
	sess.bind(c)
	c.track(sess.ID())
	sm.releaseIfTornDown(sess, c)
}

// releaseIfTornDown unbinds c again when its teardown ran while the binding
// was in flight. Conn.Close marks done before it detaches, so either it sees
// the tracked id or this check sees the closed channel.
func (sm *SessionManager) releaseIfTornDown(sess *Session, c *Conn) {
	select {
	case <-c.done:
	default:
		return
	}
	if sess.unbind(c.ID, sm.now()) {
		sm.logger.Debug("session bound after connection teardown",
			"component_id", sess.ID(),
			"connection_id", c.ID)
	}
}

func (sm *SessionManager) remove(sess *Session) {
	id := sess.ID()
	sm.mu.Lock()
	if sm.sessions[id] == sess {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	sm.totalClosed.Add(1)
	sm.metrics.sessionClosed()
}

func (sm *SessionManager) runOnMount(ctx context.Context, sess *Session) {
	if sess.typ.OnMount == nil {
		return
	}
	hook := sess.typ.OnMount
	if err := sess.Dispatch(func() {
		hook(&ActionContext{ctx: context.WithoutCancel(ctx), session: sess})
	}); err != nil {
		sm.logger.Warn("mount hook not scheduled", "component_id", sess.ID(), "error", err)
	}
}

func (sm *SessionManager) runOnUnmount(sess *Session) {
	if sess.typ.OnUnmount == nil {
		return
	}
	sess.typ.OnUnmount(&ActionContext{ctx: context.Background(), session: sess})
}

func (sm *SessionManager) sessionLogger(name string) *slog.Logger {
	return sm.base.With("component", name)
}
