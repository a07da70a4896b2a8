package client

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vango-dev/livestate/pkg/chunk"
	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/upload"
)

func smallChunks() chunk.Config {
	cfg := chunk.DefaultConfig()
	cfg.Initial = 8 * 1024
	cfg.Min = 4 * 1024
	cfg.Max = 32 * 1024
	return cfg
}

func TestUploadEndToEnd(t *testing.T) {
	dir := t.TempDir()
	store, err := upload.NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	srv, url := newTestServer(t, store)

	cfg := testConfig(url)
	cfg.Chunk = smallChunks()
	c := openClient(t, cfg)

	data := bytes.Repeat([]byte("livestate-"), 20_000)
	var progress []protocol.UploadProgress
	res, err := c.Upload(context.Background(), UploadRequest{
		Filename:   "big file.bin",
		MimeType:   "application/octet-stream",
		Size:       int64(len(data)),
		Reader:     bytes.NewReader(data),
		OnProgress: func(p protocol.UploadProgress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if res.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", res.Size, len(data))
	}
	if res.Chunks < 2 || res.Chunks != len(progress) {
		t.Errorf("chunks = %d, progress callbacks = %d", res.Chunks, len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i].BytesReceived <= progress[i-1].BytesReceived {
			t.Errorf("progress went backwards at %d: %+v", i, progress)
		}
	}
	if last := progress[len(progress)-1]; last.Progress != 100 {
		t.Errorf("final progress = %v", last.Progress)
	}

	got, err := os.ReadFile(res.Location)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("assembled file differs from the source")
	}
	if !strings.HasPrefix(res.Location, dir) {
		t.Errorf("location %s outside store dir", res.Location)
	}
	if srv.Uploads().Count() != 0 {
		t.Error("upload session left behind")
	}
}

func TestUploadFile(t *testing.T) {
	store, err := upload.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	_, url := newTestServer(t, store)
	c := openClient(t, testConfig(url))

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello upload"), 0644); err != nil {
		t.Fatal(err)
	}
	res, err := c.UploadFile(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if res.Size != 12 || res.Filename != "notes.txt" || res.Chunks != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestUploadEmptyFileRejected(t *testing.T) {
	store, err := upload.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	_, url := newTestServer(t, store)
	c := openClient(t, testConfig(url))

	_, err = c.Upload(context.Background(), UploadRequest{
		Filename: "empty",
		Reader:   bytes.NewReader(nil),
	})
	if !IsCode(err, protocol.ErrUploadRejected) {
		t.Errorf("err = %v, want UPLOAD_REJECTED", err)
	}
}

func TestUploadTooLarge(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.MaxUploadSize = 10
	c := newTestClient(t, cfg)

	_, err := c.Upload(context.Background(), UploadRequest{
		Filename: "x",
		Size:     11,
		Reader:   bytes.NewReader(make([]byte, 11)),
	})
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Errorf("err = %v, want ErrUploadTooLarge", err)
	}
}

func TestUploadRejectedByServer(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := openClient(t, testConfig(url))

	_, err := c.Upload(context.Background(), UploadRequest{
		Filename: "x",
		Size:     4,
		Reader:   bytes.NewReader([]byte("abcd")),
	})
	if !IsCode(err, protocol.ErrUploadRejected) {
		t.Errorf("err = %v, want UPLOAD_REJECTED", err)
	}
}

func TestUploadCancelledContext(t *testing.T) {
	store, err := upload.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	srv, url := newTestServer(t, store)
	cfg := testConfig(url)
	cfg.Chunk = smallChunks()
	c := openClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	data := make([]byte, 200_000)
	_, err = c.Upload(ctx, UploadRequest{
		ID:       "cancel-me",
		Filename: "x.bin",
		Size:     int64(len(data)),
		Reader:   bytes.NewReader(data),
		OnProgress: func(p protocol.UploadProgress) {
			if p.Index == 1 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	eventually(t, "server session cancelled", func() bool {
		_, err := srv.Uploads().Get("cancel-me")
		return err != nil
	})
}
