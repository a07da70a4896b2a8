package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultNamespace prefixes persisted snapshot keys.
const DefaultNamespace = "livestate"

// PersistedSnapshot is the client-side record of the latest signed state of
// one component name.
type PersistedSnapshot struct {
	ComponentName string    `json:"componentName"`
	SignedState   string    `json:"signedState"`
	Room          string    `json:"room,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	LastUpdate    time.Time `json:"lastUpdate"`
}

// SnapshotStore persists one snapshot per component name; the most recent
// Save wins.
type SnapshotStore interface {
	Save(ctx context.Context, snap PersistedSnapshot) error

	// Load returns nil, nil when nothing is stored for name.
	Load(ctx context.Context, name string) (*PersistedSnapshot, error)

	Delete(ctx context.Context, name string) error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]PersistedSnapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]PersistedSnapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap PersistedSnapshot) error {
	s.mu.Lock()
	s.snaps[snap.ComponentName] = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, name string) (*PersistedSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[name]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.snaps, name)
	s.mu.Unlock()
	return nil
}

// SQLiteStore persists snapshots in a SQLite database so they survive process
// restarts.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// NewSQLiteStore opens (creating if needed) the database at path. Keys are
// stored as "<namespace>:<component name>"; an empty namespace uses
// DefaultNamespace.
func NewSQLiteStore(path, namespace string) (*SQLiteStore, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("client: open snapshot db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: ping snapshot db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: enable WAL mode: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		component_name TEXT NOT NULL,
		signed_state TEXT NOT NULL,
		room TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		last_update INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: create snapshots table: %w", err)
	}

	return &SQLiteStore{db: db, namespace: namespace}, nil
}

func (s *SQLiteStore) key(name string) string {
	return s.namespace + ":" + name
}

func (s *SQLiteStore) Save(ctx context.Context, snap PersistedSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (key, component_name, signed_state, room, user_id, last_update)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.key(snap.ComponentName), snap.ComponentName, snap.SignedState,
		snap.Room, snap.UserID, snap.LastUpdate.UnixMilli())
	if err != nil {
		return fmt.Errorf("client: save snapshot %s: %w", snap.ComponentName, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (*PersistedSnapshot, error) {
	var (
		snap       PersistedSnapshot
		lastUpdate int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT component_name, signed_state, room, user_id, last_update FROM snapshots WHERE key = ?`,
		s.key(name)).Scan(&snap.ComponentName, &snap.SignedState, &snap.Room, &snap.UserID, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: load snapshot %s: %w", name, err)
	}
	snap.LastUpdate = time.UnixMilli(lastUpdate)
	return &snap, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, s.key(name)); err != nil {
		return fmt.Errorf("client: delete snapshot %s: %w", name, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
