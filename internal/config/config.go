package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vango-dev/livestate/internal/errors"
	"github.com/vango-dev/livestate/pkg/chunk"
	"github.com/vango-dev/livestate/pkg/client"
	"github.com/vango-dev/livestate/pkg/server"
	"github.com/vango-dev/livestate/pkg/snapshot"
	"github.com/vango-dev/livestate/pkg/upload"
	"gopkg.in/yaml.v3"
)

const (
	// JSONFileName and YAMLFileName are looked for, in that order, by Find.
	JSONFileName = "livestate.json"
	YAMLFileName = "livestate.yaml"

	// SnapshotKeyEnv overrides server.snapshotKey.
	SnapshotKeyEnv = "LIVESTATE_SNAPSHOT_KEY"

	DefaultAddress = ":8080"
	DefaultPath    = "/ws"
	DefaultURL     = "ws://localhost:8080/ws"
)

// Config is the complete livestate configuration file.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Upload UploadConfig `json:"upload" yaml:"upload"`
	Client ClientConfig `json:"client" yaml:"client"`
	Log    LogConfig    `json:"log" yaml:"log"`

	// path stores where the config was loaded from.
	path string
}

// ServerConfig configures `livestate serve`.
type ServerConfig struct {
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`

	// SnapshotKey signs component snapshots. SnapshotKeyEnv takes precedence.
	SnapshotKey string `json:"snapshotKey,omitempty" yaml:"snapshotKey,omitempty"`

	// SnapshotMaxAge is the freshness ceiling for rehydration (e.g., "1h").
	SnapshotMaxAge Duration `json:"snapshotMaxAge,omitempty" yaml:"snapshotMaxAge,omitempty"`

	// DetachGrace keeps components of dropped connections rebindable.
	DetachGrace Duration `json:"detachGrace,omitempty" yaml:"detachGrace,omitempty"`

	HeartbeatInterval Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty"`
	ReadTimeout       Duration `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	WriteTimeout      Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	MaxMessageSize    int64    `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty"`

	// AllowAllOrigins disables the same-origin check on the WebSocket
	// handshake.
	AllowAllOrigins bool `json:"allowAllOrigins,omitempty" yaml:"allowAllOrigins,omitempty"`

	// ClockInterval makes the demo Clock component tick on its own.
	// Zero disables it.
	ClockInterval Duration `json:"clockInterval,omitempty" yaml:"clockInterval,omitempty"`
}

// UploadConfig configures where assembled uploads go and their limits.
// Uploads are disabled unless Dir or S3.Bucket is set.
type UploadConfig struct {
	Dir string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	S3  S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`

	MaxFileSize  int64    `json:"maxFileSize,omitempty" yaml:"maxFileSize,omitempty"`
	AllowedTypes []string `json:"allowedTypes,omitempty" yaml:"allowedTypes,omitempty"`
	ChunkTimeout Duration `json:"chunkTimeout,omitempty" yaml:"chunkTimeout,omitempty"`
	KeyPrefix    string   `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// S3Config selects an S3 bucket as the upload store.
type S3Config struct {
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// PathStyle addresses the bucket in the path, as MinIO expects.
	PathStyle bool `json:"pathStyle,omitempty" yaml:"pathStyle,omitempty"`
}

// ClientConfig configures `livestate upload` and other client commands.
type ClientConfig struct {
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	ReconnectInterval    Duration `json:"reconnectInterval,omitempty" yaml:"reconnectInterval,omitempty"`
	MaxReconnectAttempts int      `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts,omitempty"`
	HeartbeatInterval    Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty"`
	RequestTimeout       Duration `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
	RehydrateTimeout     Duration `json:"rehydrateTimeout,omitempty" yaml:"rehydrateTimeout,omitempty"`

	// SnapshotDB is a SQLite file for persisted snapshots. Empty keeps them
	// in memory.
	SnapshotDB     string   `json:"snapshotDb,omitempty" yaml:"snapshotDb,omitempty"`
	SnapshotExpiry Duration `json:"snapshotExpiry,omitempty" yaml:"snapshotExpiry,omitempty"`

	ChunkInitial    int      `json:"chunkInitial,omitempty" yaml:"chunkInitial,omitempty"`
	ChunkMin        int      `json:"chunkMin,omitempty" yaml:"chunkMin,omitempty"`
	ChunkMax        int      `json:"chunkMax,omitempty" yaml:"chunkMax,omitempty"`
	TargetLatency   Duration `json:"targetLatency,omitempty" yaml:"targetLatency,omitempty"`
	ChunkTimeout    Duration `json:"chunkTimeout,omitempty" yaml:"chunkTimeout,omitempty"`
	MaxChunkRetries int      `json:"maxChunkRetries,omitempty" yaml:"maxChunkRetries,omitempty"`
	MaxUploadSize   int64    `json:"maxUploadSize,omitempty" yaml:"maxUploadSize,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	srv := server.DefaultServerConfig()
	up := upload.DefaultConfig()
	cl := client.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Address:           DefaultAddress,
			Path:              DefaultPath,
			SnapshotMaxAge:    Duration(snapshot.DefaultMaxAge),
			DetachGrace:       Duration(srv.SessionConfig.DetachGrace),
			HeartbeatInterval: Duration(srv.ConnConfig.HeartbeatInterval),
			ReadTimeout:       Duration(srv.ConnConfig.ReadTimeout),
			WriteTimeout:      Duration(srv.ConnConfig.WriteTimeout),
			MaxMessageSize:    srv.ConnConfig.MaxMessageSize,
		},
		Upload: UploadConfig{
			MaxFileSize:  up.MaxFileSize,
			ChunkTimeout: Duration(up.ChunkTimeout),
			KeyPrefix:    up.KeyPrefix,
		},
		Client: ClientConfig{
			URL:                  DefaultURL,
			ReconnectInterval:    Duration(cl.ReconnectInterval),
			MaxReconnectAttempts: cl.MaxReconnectAttempts,
			HeartbeatInterval:    Duration(cl.HeartbeatInterval),
			RequestTimeout:       Duration(cl.RequestTimeout),
			RehydrateTimeout:     Duration(cl.RehydrateTimeout),
			SnapshotExpiry:       Duration(cl.SnapshotExpiry),
			ChunkInitial:         cl.Chunk.Initial,
			ChunkMin:             cl.Chunk.Min,
			ChunkMax:             cl.Chunk.Max,
			TargetLatency:        Duration(cl.Chunk.TargetLatency),
			ChunkTimeout:         Duration(cl.ChunkTimeout),
			MaxChunkRetries:      cl.MaxChunkRetries,
			MaxUploadSize:        cl.MaxUploadSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Find returns the config file in dir, or "" if there is none.
func Find(dir string) string {
	for _, name := range []string{JSONFileName, YAMLFileName, "livestate.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads the config file in dir. A directory without one yields the
// defaults.
func Load(dir string) (*Config, error) {
	p := Find(dir)
	if p == "" {
		cfg := New()
		cfg.applyEnv()
		return cfg, nil
	}
	return LoadFile(p)
}

// LoadFile reads configuration from path. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON. Fields absent from the file keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("L100").
				WithDetail("No config file at " + path)
		}
		return nil, errors.New("L101").Wrap(err)
	}

	cfg := New()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.New("L101").
			WithDetail(fmt.Sprintf("Failed to parse %s: %v", filepath.Base(path), err))
	}

	cfg.path = path
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv(SnapshotKeyEnv); key != "" {
		c.Server.SnapshotKey = key
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Validate checks values that the packages would otherwise silently replace
// with defaults.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New("L102").WithDetail(fmt.Sprintf(format, args...))
	}

	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		return invalid("server.path must start with '/', got %q", c.Server.Path)
	}
	for name, d := range map[string]Duration{
		"server.snapshotMaxAge":    c.Server.SnapshotMaxAge,
		"server.detachGrace":       c.Server.DetachGrace,
		"server.heartbeatInterval": c.Server.HeartbeatInterval,
		"server.clockInterval":     c.Server.ClockInterval,
		"upload.chunkTimeout":      c.Upload.ChunkTimeout,
		"client.reconnectInterval": c.Client.ReconnectInterval,
		"client.requestTimeout":    c.Client.RequestTimeout,
		"client.chunkTimeout":      c.Client.ChunkTimeout,
	} {
		if d < 0 {
			return invalid("%s must not be negative", name)
		}
	}
	if c.Client.ChunkMin > 0 && c.Client.ChunkMax > 0 && c.Client.ChunkMin > c.Client.ChunkMax {
		return invalid("client.chunkMin (%d) exceeds client.chunkMax (%d)", c.Client.ChunkMin, c.Client.ChunkMax)
	}
	if c.Upload.Dir != "" && c.Upload.S3.Bucket != "" {
		return invalid("set upload.dir or upload.s3.bucket, not both")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return invalid("%v", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// RequireSnapshotKey reports the missing key as a CLI error.
func (c *Config) RequireSnapshotKey() error {
	if c.Server.SnapshotKey == "" {
		return errors.New("L103").WithExample("server:\n  snapshotKey: change-me")
	}
	return nil
}

// ServerConfig converts to the server package's config. The upload store
// is left for the caller to attach.
func (c *Config) ServerConfig(logger *slog.Logger) *server.ServerConfig {
	cfg := server.DefaultServerConfig()
	cfg.Address = c.Server.Address
	cfg.Path = c.Server.Path
	cfg.SnapshotKey = []byte(c.Server.SnapshotKey)
	cfg.SnapshotMaxAge = c.Server.SnapshotMaxAge.Std()
	cfg.SessionConfig.DetachGrace = c.Server.DetachGrace.Std()
	cfg.ConnConfig.HeartbeatInterval = c.Server.HeartbeatInterval.Std()
	cfg.ConnConfig.ReadTimeout = c.Server.ReadTimeout.Std()
	cfg.ConnConfig.WriteTimeout = c.Server.WriteTimeout.Std()
	cfg.ConnConfig.MaxMessageSize = c.Server.MaxMessageSize
	if c.Server.AllowAllOrigins {
		cfg.CheckOrigin = server.AllowAllOrigins
	}
	cfg.Upload = c.UploadLimits()
	cfg.Logger = logger
	return cfg
}

// UploadLimits converts to the upload package's config.
func (c *Config) UploadLimits() *upload.Config {
	cfg := upload.DefaultConfig()
	cfg.MaxFileSize = c.Upload.MaxFileSize
	cfg.AllowedTypes = c.Upload.AllowedTypes
	cfg.ChunkTimeout = c.Upload.ChunkTimeout.Std()
	cfg.KeyPrefix = c.Upload.KeyPrefix
	return cfg
}

// UploadsEnabled reports whether a store is configured.
func (c *Config) UploadsEnabled() bool {
	return c.Upload.Dir != "" || c.Upload.S3.Bucket != ""
}

// ClientConfig converts to the client package's config. The snapshot store
// is left for the caller to attach.
func (c *Config) ClientConfig(logger *slog.Logger) *client.Config {
	cfg := client.DefaultConfig()
	cfg.URL = c.Client.URL
	cfg.ReconnectInterval = c.Client.ReconnectInterval.Std()
	cfg.MaxReconnectAttempts = c.Client.MaxReconnectAttempts
	cfg.HeartbeatInterval = c.Client.HeartbeatInterval.Std()
	cfg.RequestTimeout = c.Client.RequestTimeout.Std()
	cfg.RehydrateTimeout = c.Client.RehydrateTimeout.Std()
	cfg.SnapshotExpiry = c.Client.SnapshotExpiry.Std()
	cfg.Chunk = chunk.Config{
		Initial:       c.Client.ChunkInitial,
		Min:           c.Client.ChunkMin,
		Max:           c.Client.ChunkMax,
		TargetLatency: c.Client.TargetLatency.Std(),
	}
	cfg.ChunkTimeout = c.Client.ChunkTimeout.Std()
	cfg.MaxChunkRetries = c.Client.MaxChunkRetries
	cfg.MaxUploadSize = c.Client.MaxUploadSize
	cfg.Logger = logger
	return cfg
}

// ParseLevel maps a level name onto slog. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds a logger writing to w as configured.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Duration is a time.Duration written as a string ("30s", "2m") in config
// files. Plain numbers are read as nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val)
	case int:
		*d = Duration(val)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
