package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// sweptMemory bounds how many swept ids are remembered for ErrExpired.
const sweptMemory = 4096

// Session is one in-progress transfer.
type Session struct {
	ID         string
	Filename   string
	MimeType   string
	TotalBytes int64
	ChunkSize  int
	CreatedAt  time.Time

	mu           sync.Mutex
	received     int64
	chunks       map[int][]byte
	lastActivity time.Time
	done         bool
}

// BytesReceived returns the decoded bytes recorded so far.
func (s *Session) BytesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// LastActivity returns the time of the last start or chunk.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) percent() float64 {
	if s.TotalBytes <= 0 {
		return 100
	}
	p := float64(s.received) / float64(s.TotalBytes) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ManagerStats is a point-in-time view of the manager.
type ManagerStats struct {
	Active        int
	TotalStarted  uint64
	TotalComplete uint64
	TotalSwept    uint64
}

// Manager tracks upload sessions and assembles completed files.
type Manager struct {
	config *Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	swept    *expirable.LRU[string, time.Time]
	stats    ManagerStats

	done      chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once

	onComplete func(*Result)
}

// NewManager creates a Manager and starts its background sweep.
// A nil config uses DefaultConfig.
func NewManager(store Store, config *Config, logger *slog.Logger) *Manager {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config:    config,
		store:     store,
		logger:    logger.With("component", "upload_manager"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		swept:     expirable.NewLRU[string, time.Time](sweptMemory, nil, 10*config.StaleAfter()),
		done:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// SetOnComplete registers a callback invoked after each successful Complete.
func (m *Manager) SetOnComplete(fn func(*Result)) {
	m.mu.Lock()
	m.onComplete = fn
	m.mu.Unlock()
}

// Start opens a session for id.
func (m *Manager) Start(id, filename, mimeType string, totalBytes int64, chunkSize int) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: upload id required", ErrInvalidRequest)
	}
	if totalBytes <= 0 {
		return nil, fmt.Errorf("%w: total bytes must be positive", ErrInvalidRequest)
	}
	if totalBytes > m.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, totalBytes, m.config.MaxFileSize)
	}
	if !m.config.Allows(mimeType) {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotAllowed, mimeType)
	}

	now := m.now()
	sess := &Session{
		ID:           id,
		Filename:     filename,
		MimeType:     mimeType,
		TotalBytes:   totalBytes,
		ChunkSize:    chunkSize,
		CreatedAt:    now,
		chunks:       make(map[int][]byte),
		lastActivity: now,
	}

	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	m.sessions[id] = sess
	m.swept.Remove(id)
	m.stats.TotalStarted++
	m.mu.Unlock()

	m.logger.Debug("upload started",
		"upload_id", id,
		"filename", filename,
		"total_bytes", totalBytes,
		"chunk_size", chunkSize)

	return sess, nil
}

// ReceiveChunk records the base64 payload for index. A repeated index is
// acknowledged without being counted again.
func (m *Manager) ReceiveChunk(id string, index int, payload string) (*Progress, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", ErrInvalidChunk, index)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrInvalidChunk, index, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: index %d is empty", ErrInvalidChunk, index)
	}

	sess, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.done {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.lastActivity = m.now()
	progress := &Progress{
		UploadID:   id,
		Index:      index,
		TotalBytes: sess.TotalBytes,
	}

	if _, seen := sess.chunks[index]; seen {
		progress.Duplicate = true
	} else {
		if sess.received+int64(len(data)) > sess.TotalBytes {
			return nil, fmt.Errorf("%w: index %d overflows declared size %d", ErrInvalidChunk, index, sess.TotalBytes)
		}
		sess.chunks[index] = data
		sess.received += int64(len(data))
	}

	progress.BytesReceived = sess.received
	progress.Percent = sess.percent()
	return progress, nil
}

// Complete assembles the session into the store. It fails with
// *IncompleteError, leaving the session open, unless every byte arrived.
func (m *Manager) Complete(ctx context.Context, id string) (*Result, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.done {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sess.received != sess.TotalBytes {
		return nil, &IncompleteError{UploadID: id, Expected: sess.TotalBytes, Received: sess.received}
	}

	indexes := make([]int, 0, len(sess.chunks))
	for i := range sess.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	readers := make([]io.Reader, 0, len(indexes))
	for _, i := range indexes {
		readers = append(readers, bytes.NewReader(sess.chunks[i]))
	}

	key := ObjectKey(m.config.KeyPrefix, m.now(), sess.Filename)
	location, err := m.store.Put(ctx, key, sess.MimeType, sess.TotalBytes, io.MultiReader(readers...))
	if err != nil {
		sess.lastActivity = m.now()
		return nil, fmt.Errorf("upload: store %s: %w", id, err)
	}

	sess.done = true
	sess.chunks = nil

	m.mu.Lock()
	delete(m.sessions, id)
	m.stats.TotalComplete++
	onComplete := m.onComplete
	m.mu.Unlock()

	res := &Result{
		UploadID: id,
		Filename: sess.Filename,
		MimeType: sess.MimeType,
		Key:      key,
		Location: location,
		Size:     sess.TotalBytes,
	}

	m.logger.Info("upload completed",
		"upload_id", id,
		"location", location,
		"size", sess.TotalBytes,
		"chunks", len(indexes))

	if onComplete != nil {
		onComplete(res)
	}
	return res, nil
}

// Cancel discards the session for id.
func (m *Manager) Cancel(id string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.done = true
	sess.chunks = nil
	sess.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Debug("upload cancelled", "upload_id", id)
	return nil
}

// Get returns the open session for id.
func (m *Manager) Get(id string) (*Session, error) {
	return m.lookup(id)
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns aggregate counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := m.stats
	stats.Active = len(m.sessions)
	return stats
}

// Sweep removes sessions idle longer than the stale window and returns how
// many were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.config.StaleAfter())

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		candidates = append(candidates, sess)
	}
	m.mu.RUnlock()

	var stale []*Session
	for _, sess := range candidates {
		sess.mu.Lock()
		if !sess.done && sess.lastActivity.Before(cutoff) {
			sess.done = true
			sess.chunks = nil
			stale = append(stale, sess)
		}
		sess.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}

	now := m.now()
	m.mu.Lock()
	for _, sess := range stale {
		if m.sessions[sess.ID] == sess {
			delete(m.sessions, sess.ID)
			m.swept.Add(sess.ID, now)
			m.stats.TotalSwept++
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("swept stale uploads",
		"count", len(stale),
		"remaining", remaining)
	return len(stale)
}

// Close stops the background sweep and drops all sessions.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.sweepDone

		m.mu.Lock()
		n := len(m.sessions)
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		if n > 0 {
			m.logger.Info("upload manager closed", "dropped_sessions", n)
		}
	})
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}
	if m.swept.Contains(id) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.done:
			return
		}
	}
}
