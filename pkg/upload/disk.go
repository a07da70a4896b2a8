package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskStore stores assembled uploads on the local filesystem.
//
// Each object is written to a temp file in the root directory and renamed
// into place, so readers never observe a partial file. A JSON sidecar
// (<key>.meta) records the content type and size.
type DiskStore struct {
	dir string
}

type diskMeta struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// File describes an object held by a DiskStore.
type File struct {
	Key         string
	ContentType string
	Size        int64
	Path        string
	CreatedAt   time.Time
}

// NewDiskStore creates a DiskStore rooted at dir, creating it if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Put writes r to the path for key and returns that path.
func (s *DiskStore) Put(ctx context.Context, key, contentType string, size int64, r io.Reader) (string, error) {
	dst, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}
	if written != size {
		return "", fmt.Errorf("upload: wrote %d bytes for %s, expected %d", written, key, size)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return "", err
	}

	meta := &diskMeta{
		Key:         key,
		ContentType: contentType,
		Size:        written,
		CreatedAt:   time.Now(),
	}
	if err := s.saveMeta(dst, meta); err != nil {
		os.Remove(dst)
		return "", err
	}

	return dst, nil
}

// Stat returns the metadata for key.
func (s *DiskStore) Stat(key string) (*File, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	meta, err := s.loadMeta(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &File{
		Key:         meta.Key,
		ContentType: meta.ContentType,
		Size:        meta.Size,
		Path:        p,
		CreatedAt:   meta.CreatedAt,
	}, nil
}

// Open opens the object stored under key for reading.
func (s *DiskStore) Open(key string) (*os.File, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes the object stored under key and its metadata.
func (s *DiskStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(metaPath(p)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// path resolves key below the root, refusing keys that escape it.
func (s *DiskStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("upload: invalid key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

func metaPath(p string) string {
	return p + ".meta"
}

func (s *DiskStore) saveMeta(p string, meta *diskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath(p), data, 0644)
}

func (s *DiskStore) loadMeta(p string) (*diskMeta, error) {
	data, err := os.ReadFile(metaPath(p))
	if err != nil {
		return nil, err
	}
	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
