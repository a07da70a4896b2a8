package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the kind of envelope on the wire.
type MessageType string

const (
	TypeConnectionEstablished MessageType = "connection-established"
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"
	TypeError                 MessageType = "error"
	TypeResponse              MessageType = "message-response"

	TypeMount       MessageType = "mount"
	TypeCallAction  MessageType = "call-action"
	TypeUnmount     MessageType = "unmount"
	TypeStateUpdate MessageType = "state-update"
	TypeRehydrate   MessageType = "rehydrate"
	TypeRehydrated  MessageType = "rehydrated"

	TypeUploadStart     MessageType = "upload-start"
	TypeUploadChunk     MessageType = "upload-chunk"
	TypeUploadComplete  MessageType = "upload-complete"
	TypeUploadCancel    MessageType = "upload-cancel"
	TypeUploadProgress  MessageType = "upload-progress"
	TypeUploadCompleted MessageType = "upload-completed"
)

var knownTypes = map[MessageType]struct{}{
	TypeConnectionEstablished: {},
	TypePing:                  {},
	TypePong:                  {},
	TypeError:                 {},
	TypeResponse:              {},
	TypeMount:                 {},
	TypeCallAction:            {},
	TypeUnmount:               {},
	TypeStateUpdate:           {},
	TypeRehydrate:             {},
	TypeRehydrated:            {},
	TypeUploadStart:           {},
	TypeUploadChunk:           {},
	TypeUploadComplete:        {},
	TypeUploadCancel:          {},
	TypeUploadProgress:        {},
	TypeUploadCompleted:       {},
}

// Known reports whether t is a message type defined by this package.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// ErrInvalidMessage is returned when a frame cannot be decoded into an envelope.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Message is the envelope exchanged in both directions.
type Message struct {
	Type        MessageType     `json:"type"`
	ComponentID string          `json:"componentId,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// NewMessage builds an envelope with payload marshaled to JSON.
// A nil payload leaves the payload field empty.
func NewMessage(t MessageType, componentID string, payload any) (*Message, error) {
	msg := &Message{
		Type:        t,
		ComponentID: componentID,
		Timestamp:   time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// ReplyTo builds a reply envelope that echoes the request's correlation id
// and component id.
func ReplyTo(req *Message, t MessageType, payload any) (*Message, error) {
	msg, err := NewMessage(t, req.ComponentID, payload)
	if err != nil {
		return nil, err
	}
	msg.RequestID = req.RequestID
	return msg, nil
}

// DecodePayload unmarshals the payload into v. Unknown fields are rejected.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s: missing payload", ErrInvalidMessage, m.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(m.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// Encode serializes the envelope, stamping a timestamp if none is set.
func Encode(m *Message) ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(m)
}

// Decode parses a single frame. The type must be known.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if !m.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return &m, nil
}
