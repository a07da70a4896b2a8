package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vango-dev/livestate/pkg/snapshot"
	"github.com/vango-dev/livestate/pkg/upload"
)

// ConnConfig holds configuration for individual connections.
type ConnConfig struct {
	// Timeouts

	// ReadTimeout is the maximum time to wait for any frame from the client,
	// including pongs to server pings.
	// Default: 90 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between server ping control frames.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// It must fit the largest base64 encoded upload chunk.
	// Default: 2MB.
	MaxMessageSize int64
}

// DefaultConnConfig returns a ConnConfig with sensible defaults.
func DefaultConnConfig() *ConnConfig {
	return &ConnConfig{
		ReadTimeout:       90 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    2 * 1024 * 1024,
	}
}

// Clone returns a copy of the ConnConfig.
func (c *ConnConfig) Clone() *ConnConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// SessionConfig holds configuration for component sessions.
type SessionConfig struct {
	// ActionQueueSize is the buffer of pending actions per component.
	// Actions beyond it are rejected.
	// Default: 256.
	ActionQueueSize int

	// DetachGrace is how long a component with no bound connection is kept
	// so a reconnecting client can rebind it.
	// Default: 2 minutes.
	DetachGrace time.Duration

	// CleanupInterval is the interval for the detached-session sweep.
	// Default: 30 seconds.
	CleanupInterval time.Duration

	// IDGenerator allocates component ids. Ids must never repeat.
	// Default: uuid.NewString.
	IDGenerator func() string
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ActionQueueSize: 256,
		DetachGrace:     2 * time.Minute,
		CleanupInterval: 30 * time.Second,
		IDGenerator:     uuid.NewString,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// Path is the WebSocket endpoint.
	// Default: "/ws".
	Path string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// ConnConfig is the configuration for individual connections.
	// Default: DefaultConnConfig().
	ConnConfig *ConnConfig

	// SessionConfig is the configuration for component sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// Snapshots

	// SnapshotKey signs component snapshots. Required.
	SnapshotKey []byte

	// SnapshotMaxAge is the freshness ceiling for rehydration.
	// Default: 1 hour.
	SnapshotMaxAge time.Duration

	// Uploads

	// Upload configures chunked uploads.
	// Default: upload.DefaultConfig().
	Upload *upload.Config

	// UploadStore receives assembled uploads. If nil, upload messages are
	// rejected.
	UploadStore upload.Store

	// Observability

	// Registry receives the server's Prometheus collectors and backs /metrics.
	// Default: a fresh prometheus.Registry.
	Registry *prometheus.Registry

	// Logger is the structured logger.
	// Default: slog.Default().
	Logger *slog.Logger

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// SnapshotKey is left empty and must be set.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		Path:            "/ws",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     SameOriginCheck,
		ConnConfig:      DefaultConnConfig(),
		SessionConfig:   DefaultSessionConfig(),
		SnapshotMaxAge:  snapshot.DefaultMaxAge,
		Upload:          upload.DefaultConfig(),
		ShutdownTimeout: 30 * time.Second,
	}
}

// ErrMissingSnapshotKey is returned by Validate when no signing key is set.
var ErrMissingSnapshotKey = errors.New("server: snapshot key required")

// Validate checks the configuration for fatal omissions.
func (c *ServerConfig) Validate() error {
	if len(c.SnapshotKey) == 0 {
		return ErrMissingSnapshotKey
	}
	return nil
}

// withDefaults returns a copy with every unset field filled in.
func (c *ServerConfig) withDefaults() *ServerConfig {
	def := DefaultServerConfig()
	if c == nil {
		return def
	}
	clone := *c
	if clone.Address == "" {
		clone.Address = def.Address
	}
	if clone.Path == "" {
		clone.Path = def.Path
	}
	if clone.ReadBufferSize <= 0 {
		clone.ReadBufferSize = def.ReadBufferSize
	}
	if clone.WriteBufferSize <= 0 {
		clone.WriteBufferSize = def.WriteBufferSize
	}
	if clone.CheckOrigin == nil {
		clone.CheckOrigin = def.CheckOrigin
	}

	conn := def.ConnConfig
	if c.ConnConfig != nil {
		conn = c.ConnConfig.Clone()
		if conn.ReadTimeout <= 0 {
			conn.ReadTimeout = def.ConnConfig.ReadTimeout
		}
		if conn.WriteTimeout <= 0 {
			conn.WriteTimeout = def.ConnConfig.WriteTimeout
		}
		if conn.HeartbeatInterval <= 0 {
			conn.HeartbeatInterval = def.ConnConfig.HeartbeatInterval
		}
		if conn.MaxMessageSize <= 0 {
			conn.MaxMessageSize = def.ConnConfig.MaxMessageSize
		}
	}
	clone.ConnConfig = conn

	sess := def.SessionConfig
	if c.SessionConfig != nil {
		sess = c.SessionConfig.Clone()
		if sess.ActionQueueSize <= 0 {
			sess.ActionQueueSize = def.SessionConfig.ActionQueueSize
		}
		if sess.DetachGrace <= 0 {
			sess.DetachGrace = def.SessionConfig.DetachGrace
		}
		if sess.CleanupInterval <= 0 {
			sess.CleanupInterval = def.SessionConfig.CleanupInterval
		}
		if sess.IDGenerator == nil {
			sess.IDGenerator = def.SessionConfig.IDGenerator
		}
	}
	clone.SessionConfig = sess

	if clone.SnapshotMaxAge <= 0 {
		clone.SnapshotMaxAge = def.SnapshotMaxAge
	}
	if clone.Upload == nil {
		clone.Upload = def.Upload
	}
	if clone.Registry == nil {
		clone.Registry = prometheus.NewRegistry()
	}
	if clone.Logger == nil {
		clone.Logger = slog.Default()
	}
	if clone.ShutdownTimeout <= 0 {
		clone.ShutdownTimeout = def.ShutdownTimeout
	}
	return &clone
}

// SameOriginCheck allows requests without an Origin header and requests
// whose Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// AllowAllOrigins accepts every origin. Use only behind a trusted proxy or
// in development.
func AllowAllOrigins(*http.Request) bool {
	return true
}
