package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/vango-dev/livestate/pkg/chunk"
	"github.com/vango-dev/livestate/pkg/protocol"
)

// UploadRequest describes one file transfer.
type UploadRequest struct {
	// ID names the upload; a uuid is generated when empty.
	ID       string
	Filename string
	MimeType string
	Size     int64
	Reader   io.ReaderAt

	// OnProgress is called after every acknowledged chunk, on the uploading
	// goroutine.
	OnProgress func(protocol.UploadProgress)
}

// UploadResult reports a finished upload.
type UploadResult struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
	Location string
	Chunks   int
	Retries  int
	Elapsed  time.Duration
}

// chunkRetryInterval is the first delay before resending a failed chunk.
const chunkRetryInterval = 250 * time.Millisecond

// Upload sends req in chunks sized by an adaptive sizer and asks the server to
// assemble them. A failed chunk is resent with the same bytes and index up to
// Config.MaxChunkRetries times. Cancelling ctx stops the transfer and sends a
// best-effort upload-cancel.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Reader == nil {
		return nil, errors.New("client: upload reader required")
	}
	if req.Size < 0 {
		return nil, fmt.Errorf("client: negative upload size %d", req.Size)
	}
	if req.Size > c.config.MaxUploadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrUploadTooLarge, req.Size, c.config.MaxUploadSize)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	logger := c.logger.With("upload_id", req.ID)
	sizer := chunk.NewSizer(c.config.Chunk)
	sizer.Reset()
	started := time.Now()

	start, err := protocol.NewMessage(protocol.TypeUploadStart, "", protocol.UploadStart{
		UploadID:   req.ID,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		TotalBytes: req.Size,
		ChunkSize:  sizer.Next(),
	})
	if err != nil {
		return nil, err
	}
	reply, err := c.SendAndAwait(ctx, start, 0)
	if err != nil {
		return nil, fmt.Errorf("client: start upload %s: %w", req.ID, err)
	}
	if err := decodeResult(reply, nil); err != nil {
		return nil, err
	}

	result := &UploadResult{ID: req.ID}
	var offset int64
	for index := 0; offset < req.Size; index++ {
		if err := ctx.Err(); err != nil {
			c.cancelUpload(req.ID)
			return nil, err
		}
		n := int64(sizer.Next())
		if rest := req.Size - offset; n > rest {
			n = rest
		}
		buf := make([]byte, n)
		if read, err := req.Reader.ReadAt(buf, offset); int64(read) < n {
			c.cancelUpload(req.ID)
			return nil, fmt.Errorf("client: read upload %s at %d: %w", req.ID, offset, err)
		}

		progress, retries, err := c.sendChunk(ctx, sizer, req.ID, index, buf)
		result.Retries += retries
		if err != nil {
			logger.Debug("upload aborted", "index", index, "error", err)
			c.cancelUpload(req.ID)
			return nil, err
		}
		result.Chunks++
		offset += n
		if req.OnProgress != nil {
			req.OnProgress(*progress)
		}
	}

	complete, err := protocol.NewMessage(protocol.TypeUploadComplete, "", protocol.UploadRef{UploadID: req.ID})
	if err != nil {
		return nil, err
	}
	reply, err = c.SendAndAwait(ctx, complete, c.config.ChunkTimeout)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelUpload(req.ID)
		}
		return nil, fmt.Errorf("client: complete upload %s: %w", req.ID, err)
	}
	if reply.Type != protocol.TypeUploadCompleted {
		return nil, fmt.Errorf("%w: %s to upload-complete", ErrUnexpectedReply, reply.Type)
	}
	var done protocol.UploadCompleted
	if err := reply.DecodePayload(&done); err != nil {
		return nil, err
	}

	result.Filename = done.Filename
	result.MimeType = done.MimeType
	result.Size = done.Size
	result.Location = done.Location
	result.Elapsed = time.Since(started)
	logger.Info("upload completed",
		"size", done.Size,
		"chunks", result.Chunks,
		"retries", result.Retries,
		"location", done.Location)
	return result, nil
}

// sendChunk sends one chunk, retrying the same bytes on failure, and feeds
// every attempt into the sizer.
func (c *Client) sendChunk(ctx context.Context, sizer *chunk.Sizer, id string, index int, data []byte) (*protocol.UploadProgress, int, error) {
	payload := protocol.UploadChunk{
		UploadID: id,
		Index:    index,
		Data:     base64.StdEncoding.EncodeToString(data),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = chunkRetryInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.config.MaxChunkRetries)), ctx)

	var (
		progress protocol.UploadProgress
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		msg, err := protocol.NewMessage(protocol.TypeUploadChunk, "", payload)
		if err != nil {
			return backoff.Permanent(err)
		}

		begin := time.Now()
		reply, err := c.SendAndAwait(ctx, msg, c.config.ChunkTimeout)
		latency := time.Since(begin)
		if err == nil && reply.Type != protocol.TypeUploadProgress {
			err = fmt.Errorf("%w: %s to upload-chunk", ErrUnexpectedReply, reply.Type)
		}
		if err == nil {
			err = reply.DecodePayload(&progress)
		}
		sizer.Record(chunk.Sample{Bytes: len(data), Latency: latency, OK: err == nil})
		if err == nil {
			return nil
		}

		if ctx.Err() != nil || IsCode(err, protocol.ErrUploadRejected) || IsCode(err, protocol.ErrUploadNotFound) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("chunk failed", "upload_id", id, "index", index, "attempt", attempts, "error", err)
		return err
	}, retry)

	retries := attempts - 1
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, retries, ctxErr
		}
		return nil, retries, fmt.Errorf("client: upload %s chunk %d: %w", id, index, err)
	}
	return &progress, retries, nil
}

func (c *Client) cancelUpload(id string) {
	msg, err := protocol.NewMessage(protocol.TypeUploadCancel, "", protocol.UploadRef{UploadID: id})
	if err != nil {
		return
	}
	if err := c.Send(msg); err != nil {
		c.logger.Debug("upload-cancel not sent", "upload_id", id, "error", err)
	}
}

// UploadFile uploads the file at path, guessing the MIME type from its
// extension.
func (c *Client) UploadFile(ctx context.Context, path string, onProgress func(protocol.UploadProgress)) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("client: %s is a directory", path)
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return c.Upload(ctx, UploadRequest{
		Filename:   name,
		MimeType:   mimeType,
		Size:       info.Size(),
		Reader:     f,
		OnProgress: onProgress,
	})
}
