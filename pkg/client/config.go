package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-dev/livestate/pkg/chunk"
)

// Config holds client configuration.
type Config struct {
	// URL is the server WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// Dialer opens the socket.
	// Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Reconnection

	// ReconnectInterval is the fixed delay between reconnect attempts.
	// Default: 3 seconds.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts is how many consecutive attempts are made before
	// the client gives up and reports ErrMaxReconnectAttempts.
	// Default: 10.
	MaxReconnectAttempts int

	// HeartbeatInterval is the time between ping messages. The socket is
	// considered dead after two intervals without any frame.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Requests

	// RequestTimeout bounds SendAndAwait calls that do not pass their own.
	// Default: 10 seconds.
	RequestTimeout time.Duration

	// RehydrateTimeout bounds a rehydrate request.
	// Default: 2 seconds.
	RehydrateTimeout time.Duration

	// Snapshots

	// Store persists signed snapshots per component name.
	// Default: a MemoryStore.
	Store SnapshotStore

	// SnapshotExpiry is the age after which a persisted snapshot is treated
	// as absent. The server enforces its own, shorter, freshness ceiling.
	// Default: 24 hours.
	SnapshotExpiry time.Duration

	// Uploads

	// Chunk configures adaptive chunk sizing.
	// Default: chunk.DefaultConfig().
	Chunk chunk.Config

	// ChunkTimeout bounds each chunk round trip.
	// Default: 30 seconds.
	ChunkTimeout time.Duration

	// MaxChunkRetries is how many times a failed chunk is resent.
	// Default: 3.
	MaxChunkRetries int

	// MaxUploadSize rejects larger files before anything is sent.
	// Default: 500MB.
	MaxUploadSize int64

	// Hooks run on the client's dispatcher goroutine, in order with component
	// messages.

	// OnConnect is called after a socket is established.
	OnConnect func(connectionID string)

	// OnDisconnect is called after a socket closes.
	OnDisconnect func(err error)

	// OnError reports failures that have no caller to return to. fatal is
	// true only for ErrMaxReconnectAttempts.
	OnError func(err error, fatal bool)

	// Logger is the structured logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults. URL is left empty.
func DefaultConfig() *Config {
	return &Config{
		Dialer:               websocket.DefaultDialer,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		RequestTimeout:       10 * time.Second,
		RehydrateTimeout:     2 * time.Second,
		SnapshotExpiry:       24 * time.Hour,
		Chunk:                chunk.DefaultConfig(),
		ChunkTimeout:         30 * time.Second,
		MaxChunkRetries:      3,
		MaxUploadSize:        500 * 1024 * 1024,
	}
}

// withDefaults returns a copy with every unset field filled in.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	clone := *c
	if clone.Dialer == nil {
		clone.Dialer = def.Dialer
	}
	if clone.ReconnectInterval <= 0 {
		clone.ReconnectInterval = def.ReconnectInterval
	}
	if clone.MaxReconnectAttempts <= 0 {
		clone.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if clone.HeartbeatInterval <= 0 {
		clone.HeartbeatInterval = def.HeartbeatInterval
	}
	if clone.RequestTimeout <= 0 {
		clone.RequestTimeout = def.RequestTimeout
	}
	if clone.RehydrateTimeout <= 0 {
		clone.RehydrateTimeout = def.RehydrateTimeout
	}
	if clone.Store == nil {
		clone.Store = NewMemoryStore()
	}
	if clone.SnapshotExpiry <= 0 {
		clone.SnapshotExpiry = def.SnapshotExpiry
	}
	if clone.Chunk == (chunk.Config{}) {
		clone.Chunk = def.Chunk
	}
	if clone.ChunkTimeout <= 0 {
		clone.ChunkTimeout = def.ChunkTimeout
	}
	if clone.MaxChunkRetries < 0 {
		clone.MaxChunkRetries = 0
	} else if clone.MaxChunkRetries == 0 {
		clone.MaxChunkRetries = def.MaxChunkRetries
	}
	if clone.MaxUploadSize <= 0 {
		clone.MaxUploadSize = def.MaxUploadSize
	}
	if clone.Logger == nil {
		clone.Logger = slog.Default()
	}
	return &clone
}
