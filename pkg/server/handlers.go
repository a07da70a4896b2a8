package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/upload"
	"go.opentelemetry.io/otel/attribute"
)

// handle routes one decoded frame. It runs on the read loop, so anything that
// may block on a component or on storage is handed off.
func (c *Conn) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		c.reply(msg, protocol.TypePong, nil)
	case protocol.TypeMount:
		c.handleMount(msg)
	case protocol.TypeCallAction:
		c.handleAction(msg)
	case protocol.TypeUnmount:
		c.handleUnmount(msg)
	case protocol.TypeRehydrate:
		c.handleRehydrate(msg)
	case protocol.TypeUploadStart:
		c.handleUploadStart(msg)
	case protocol.TypeUploadChunk:
		c.handleUploadChunk(msg)
	case protocol.TypeUploadComplete:
		c.handleUploadComplete(msg)
	case protocol.TypeUploadCancel:
		c.handleUploadCancel(msg)
	case protocol.TypePong:
	default:
		c.replyError(msg, protocol.ErrInvalidFrame,
			fmt.Errorf("%w: %s is not a client message", protocol.ErrInvalidMessage, msg.Type), "")
	}
}

func (c *Conn) handleMount(msg *protocol.Message) {
	var req protocol.MountRequest
	if err := msg.DecodePayload(&req); err != nil {
		c.replyError(msg, protocol.ErrInvalidFrame, err, "")
		return
	}

	ctx, span := startSpan(context.Background(), "mount",
		attribute.String("livestate.component", req.Component),
		attribute.String("livestate.connection_id", c.ID))

	sess, err := c.server.sessions.Mount(ctx, c, req)
	endSpan(span, err)
	if err != nil {
		code := protocol.ErrServerError
		if errors.Is(err, ErrUnknownComponent) {
			code = protocol.ErrUnknownComponent
		}
		c.logger.Debug("mount failed", "component", req.Component, "error", err)
		c.replyError(msg, code, err, "")
		return
	}

	c.replyResult(msg, protocol.MountResult{
		ComponentID: sess.ID(),
		State:       sess.State(),
		SignedState: sess.SignedState(),
		Version:     sess.Version(),
	})
}

// handleAction queues the action on the component's loop. The reply is sent
// from the loop, so replies for one component keep their request order.
func (c *Conn) handleAction(msg *protocol.Message) {
	sess, err := c.server.sessions.Lookup(msg.ComponentID, c.ID)
	if err != nil {
		c.replyError(msg, protocol.ErrRehydrationRequired, err, "")
		return
	}

	var req protocol.ActionRequest
	if err := msg.DecodePayload(&req); err != nil {
		c.replyError(msg, protocol.ErrInvalidFrame, err, "")
		return
	}

	err = sess.Dispatch(func() {
		ctx, span := startSpan(context.Background(), "action",
			attribute.String("livestate.component", sess.Name),
			attribute.String("livestate.component_id", msg.ComponentID),
			attribute.String("livestate.action", req.Action))

		start := time.Now()
		result, err := sess.invoke(ctx, req.Action, req.Payload)
		c.server.metrics.actionObserved(sess.Name, err, time.Since(start))
		endSpan(span, err)

		if err != nil {
			code := protocol.ErrActionFailed
			if errors.Is(err, ErrUnknownAction) {
				code = protocol.ErrUnknownAction
			}
			c.server.metrics.errorSent(code)
			c.reply(msg, protocol.TypeResponse, protocol.Response{
				Success: false,
				Error:   err.Error(),
				Code:    code,
			})
			return
		}
		c.replyResult(msg, result)
	})
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			c.replyError(msg, protocol.ErrRehydrationRequired, err, "")
			return
		}
		c.replyError(msg, protocol.ErrServerError, err, "")
	}
}

func (c *Conn) handleUnmount(msg *protocol.Message) {
	if _, err := c.server.sessions.Lookup(msg.ComponentID, c.ID); err != nil {
		// Already gone; unmount is idempotent.
		c.replyResult(msg, nil)
		return
	}

	c.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
		defer cancel()

		if err := c.server.sessions.Unmount(ctx, msg.ComponentID, c.ID); err != nil &&
			!errors.Is(err, ErrSessionNotFound) {
			c.replyError(msg, protocol.ErrServerError, err, "")
			return
		}
		c.replyResult(msg, nil)
	})
}

func (c *Conn) handleRehydrate(msg *protocol.Message) {
	var req protocol.RehydrateRequest
	if err := msg.DecodePayload(&req); err != nil {
		c.replyError(msg, protocol.ErrRehydrationFailed, err, protocol.ReasonMalformed)
		return
	}

	c.goBackground(func() {
		ctx, span := startSpan(context.Background(), "rehydrate",
			attribute.String("livestate.component", req.ComponentName),
			attribute.String("livestate.previous_id", req.PreviousID),
			attribute.String("livestate.connection_id", c.ID))
		ctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()

		sess, oldID, err := c.server.sessions.Rehydrate(ctx, c, req)
		endSpan(span, err)
		if err != nil {
			var rerr *RehydrateError
			if errors.As(err, &rerr) {
				c.logger.Debug("rehydrate rejected",
					"component", req.ComponentName,
					"reason", rerr.Reason)
				c.replyError(msg, protocol.ErrRehydrationFailed, rerr, rerr.Reason)
				return
			}
			c.replyError(msg, protocol.ErrServerError, err, "")
			return
		}

		c.reply(msg, protocol.TypeRehydrated, protocol.Rehydrated{
			OldComponentID: oldID,
			NewComponentID: sess.ID(),
			State:          sess.State(),
			SignedState:    sess.SignedState(),
			Version:        sess.Version(),
		})
	})
}

func (c *Conn) uploads() (*upload.Manager, error) {
	if c.server.uploads == nil {
		return nil, ErrUploadsDisabled
	}
	return c.server.uploads, nil
}

// uploadCode maps upload errors onto wire codes.
func uploadCode(err error) protocol.ErrorCode {
	var incomplete *upload.IncompleteError
	switch {
	case errors.As(err, &incomplete):
		return protocol.ErrUploadIncomplete
	case errors.Is(err, upload.ErrNotFound), errors.Is(err, upload.ErrExpired):
		return protocol.ErrUploadNotFound
	case errors.Is(err, upload.ErrTooLarge),
		errors.Is(err, upload.ErrTypeNotAllowed),
		errors.Is(err, upload.ErrDuplicate),
		errors.Is(err, upload.ErrInvalidChunk),
		errors.Is(err, upload.ErrInvalidRequest),
		errors.Is(err, ErrUploadsDisabled):
		return protocol.ErrUploadRejected
	default:
		return protocol.ErrServerError
	}
}

func (c *Conn) handleUploadStart(msg *protocol.Message) {
	m, err := c.uploads()
	if err != nil {
		c.replyError(msg, uploadCode(err), err, "")
		return
	}
	var req protocol.UploadStart
	if err := msg.DecodePayload(&req); err != nil {
		c.replyError(msg, protocol.ErrInvalidFrame, err, "")
		return
	}
	if _, err := m.Start(req.UploadID, req.Filename, req.MimeType, req.TotalBytes, req.ChunkSize); err != nil {
		c.logger.Debug("upload rejected", "upload_id", req.UploadID, "error", err)
		c.replyError(msg, uploadCode(err), err, "")
		return
	}
	c.replyResult(msg, protocol.UploadRef{UploadID: req.UploadID})
}

func (c *Conn) handleUploadChunk(msg *protocol.Message) {
	m, err := c.uploads()
	if err != nil {
		c.replyError(msg, uploadCode(err), err, "")
		return
	}
	var req protocol.UploadChunk
	if err := msg.DecodePayload(&req); err != nil {
		c.replyError(msg, protocol.ErrInvalidFrame, err, "")
		return
	}

	before := int64(0)
	if sess, err := m.Get(req.UploadID); err == nil {
		before = sess.BytesReceived()
	}
	p, err := m.ReceiveChunk(req.UploadID, req.Index, req.Data)
	if err != nil {
		c.replyError(msg, uploadCode(err), err, "")
		return
	}
	c.server.metrics.uploadChunk(p.BytesReceived - before)

	c.reply(msg, protocol.TypeUploadProgress, protocol.UploadProgress{
		UploadID:      p.UploadID,
		Index:         p.Index,
		BytesReceived: p.BytesReceived,
		TotalBytes:    p.TotalBytes,
		Progress:      p.Percent,
		Duplicate:     p.Duplicate,
	})
}

// handleUploadComplete assembles off the read loop; writing to the store may
// take a while for large files.
func (c *Conn) handleUploadComplete(msg *protocol.Message) {
	m, err := c.uploads()
	if err != nil {
		c.replyError(msg, uploadCode(err), err, "")
		return
	}
	var req protocol.UploadRef
	if err := msg.DecodePayload(&req); err != nil {
		c.replyError(msg, protocol.ErrInvalidFrame, err, "")
		return
	}

	c.goBackground(func() {
		ctx, span := startSpan(context.Background(), "upload.complete",
			attribute.String("livestate.upload_id", req.UploadID))

		res, err := m.Complete(ctx, req.UploadID)
		endSpan(span, err)
		if err != nil {
			c.logger.Debug("upload complete failed", "upload_id", req.UploadID, "error", err)
			c.replyError(msg, uploadCode(err), err, "")
			return
		}
		c.server.metrics.uploadCompleted()
		c.reply(msg, protocol.TypeUploadCompleted, protocol.UploadCompleted{
			UploadID: res.UploadID,
			Filename: res.Filename,
			MimeType: res.MimeType,
			Size:     res.Size,
			Location: res.Location,
		})
	})
}

func (c *Conn) handleUploadCancel(msg *protocol.Message) {
	m, err := c.uploads()
	if err != nil {
		c.replyError(msg, uploadCode(err), err, "")
		return
	}
	var req protocol.UploadRef
	if err := msg.DecodePayload(&req); err != nil {
		c.replyError(msg, protocol.ErrInvalidFrame, err, "")
		return
	}
	if err := m.Cancel(req.UploadID); err != nil && !errors.Is(err, upload.ErrNotFound) {
		c.replyError(msg, uploadCode(err), err, "")
		return
	}
	c.replyResult(msg, nil)
}

func marshalResult(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("server: encode result: %w", err)
	}
	return raw, nil
}
