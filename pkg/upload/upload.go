package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no upload session exists for an id.
	ErrNotFound = errors.New("upload: session not found")

	// ErrExpired is returned when a session was removed by the stale sweep.
	ErrExpired = errors.New("upload: session expired")

	// ErrTooLarge is returned when a file exceeds the size limit.
	ErrTooLarge = errors.New("upload: file too large")

	// ErrTypeNotAllowed is returned when the MIME type is not in the allow-list.
	ErrTypeNotAllowed = errors.New("upload: type not allowed")

	// ErrDuplicate is returned when Start is called for an id that is already open.
	ErrDuplicate = errors.New("upload: duplicate upload id")

	// ErrInvalidChunk is returned for chunks with a bad index or payload.
	ErrInvalidChunk = errors.New("upload: invalid chunk")

	// ErrInvalidRequest is returned when Start receives unusable parameters.
	ErrInvalidRequest = errors.New("upload: invalid request")

	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("upload: manager closed")
)

// IncompleteError is returned by Complete when the received byte count does
// not match the declared total.
type IncompleteError struct {
	UploadID string
	Expected int64
	Received int64
}

// Shortfall returns the number of bytes still missing.
func (e *IncompleteError) Shortfall() int64 {
	return e.Expected - e.Received
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload: %s incomplete: received %d of %d bytes (%d bytes short)",
		e.UploadID, e.Received, e.Expected, e.Shortfall())
}

// Store is the interface for assembled-file storage backends.
type Store interface {
	// Put writes size bytes from r under key and returns the location of the
	// stored object.
	Put(ctx context.Context, key, contentType string, size int64, r io.Reader) (location string, err error)

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error
}

// Result describes a completed upload.
type Result struct {
	UploadID string
	Filename string
	MimeType string
	Key      string
	Location string
	Size     int64
}

// Progress reports the state of an upload after a chunk.
type Progress struct {
	UploadID      string
	Index         int
	BytesReceived int64
	TotalBytes    int64

	// Percent is BytesReceived/TotalBytes in [0, 100].
	Percent float64

	// Duplicate is true if the chunk index had already been recorded.
	Duplicate bool
}

// Config holds upload limits and timing.
type Config struct {
	// MaxFileSize is the largest accepted total size in bytes.
	// Default: 500MB.
	MaxFileSize int64

	// AllowedTypes restricts MIME types. Entries may be exact ("image/png")
	// or a major type wildcard ("image/*"). Empty allows all types.
	AllowedTypes []string

	// ChunkTimeout is the per-chunk timeout clients use. Sessions idle for
	// twice this long are swept.
	// Default: 30 seconds.
	ChunkTimeout time.Duration

	// SweepInterval is how often stale sessions are looked for.
	// Default: ChunkTimeout.
	SweepInterval time.Duration

	// KeyPrefix is prepended to every stored key.
	// Default: "uploads".
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize:  500 * 1024 * 1024,
		ChunkTimeout: 30 * time.Second,
		KeyPrefix:    "uploads",
	}
}

// StaleAfter returns the inactivity window after which a session is swept.
func (c *Config) StaleAfter() time.Duration {
	return 2 * c.ChunkTimeout
}

// Allows reports whether mimeType passes the allow-list.
func (c *Config) Allows(mimeType string) bool {
	if len(c.AllowedTypes) == 0 {
		return true
	}
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	for _, allowed := range c.AllowedTypes {
		allowed = strings.ToLower(allowed)
		if allowed == mt {
			return true
		}
		if major, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(mt, major+"/") {
			return true
		}
	}
	return false
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	clone := *c
	if clone.MaxFileSize <= 0 {
		clone.MaxFileSize = def.MaxFileSize
	}
	if clone.ChunkTimeout <= 0 {
		clone.ChunkTimeout = def.ChunkTimeout
	}
	if clone.SweepInterval <= 0 {
		clone.SweepInterval = clone.ChunkTimeout
	}
	if clone.KeyPrefix == "" {
		clone.KeyPrefix = def.KeyPrefix
	}
	return &clone
}

// ObjectKey builds the storage key for an assembled file.
func ObjectKey(prefix string, at time.Time, filename string) string {
	return path.Join(prefix, fmt.Sprintf("%d_%s", at.UnixMilli(), SanitizeFilename(filename)))
}

// SanitizeFilename reduces a client-supplied name to a safe base name made of
// letters, digits, dots, dashes and underscores.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" || strings.Trim(out, "_") == "" {
		return "upload"
	}
	return out
}
