package client

import (
	"errors"
	"fmt"

	"github.com/vango-dev/livestate/pkg/protocol"
)

var (
	// ErrConnectionClosed is returned for requests still pending when the
	// socket closes.
	ErrConnectionClosed = errors.New("client: connection closed")

	// ErrNotConnected is returned when sending without an open socket.
	ErrNotConnected = errors.New("client: not connected")

	// ErrRequestTimeout is returned when no reply arrives in time. Timed out
	// requests are never retried automatically.
	ErrRequestTimeout = errors.New("client: request timed out")

	// ErrMaxReconnectAttempts is reported through OnError when reconnecting
	// gives up. Reconnect starts over.
	ErrMaxReconnectAttempts = errors.New("client: max reconnection attempts reached")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client: closed")

	// ErrNotMounted is returned for component calls before Mount or after
	// Unmount.
	ErrNotMounted = errors.New("client: component not mounted")

	// ErrUploadTooLarge is returned before sending a file above MaxUploadSize.
	ErrUploadTooLarge = errors.New("client: upload too large")

	// ErrUnexpectedReply is returned when a reply has an unexpected type.
	ErrUnexpectedReply = errors.New("client: unexpected reply")
)

// ServerError is a failure reported by the server for one request.
type ServerError struct {
	Code    protocol.ErrorCode
	Message string
	Reason  string
}

// Error returns the error message.
func (e *ServerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("client: server error %s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("client: server error %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a *ServerError with the given code.
func IsCode(err error, code protocol.ErrorCode) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}

// RehydrationError reports a snapshot the server refused or a rehydrate
// request that went unanswered. It is never fatal: the persisted snapshot is
// dropped and the component mounts fresh.
type RehydrationError struct {
	Component string
	// Reason is the server's rejection reason (invalid_signature, expired,
	// unknown_component, name_mismatch, malformed) or "timeout".
	Reason string
	Err    error
}

// Error returns the error message.
func (e *RehydrationError) Error() string {
	return fmt.Sprintf("client: rehydrate %s failed (%s): %v", e.Component, e.Reason, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *RehydrationError) Unwrap() error {
	return e.Err
}

// replyError converts an error or failed message-response into an error.
// REHYDRATION_REQUIRED is not an error at this level.
func replyError(m *protocol.Message) error {
	switch m.Type {
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := m.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
		}
		if p.Code == protocol.ErrRehydrationRequired {
			return nil
		}
		return &ServerError{Code: p.Code, Message: p.Error, Reason: p.Reason}
	case protocol.TypeResponse:
		var r protocol.Response
		if err := m.DecodePayload(&r); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
		}
		if r.Success || r.Code == protocol.ErrRehydrationRequired {
			return nil
		}
		return &ServerError{Code: r.Code, Message: r.Error}
	}
	return nil
}
