package protocol

import "encoding/json"

// ConnectionEstablished is sent by the server as the first frame on a socket.
type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
}

// MountRequest asks the server to instantiate a component by name.
type MountRequest struct {
	Component string         `json:"component"`
	Props     map[string]any `json:"props,omitempty"`
	Room      string         `json:"room,omitempty"`
	UserID    string         `json:"userId,omitempty"`
}

// MountResult is the result of a successful mount.
type MountResult struct {
	ComponentID string         `json:"componentId"`
	State       map[string]any `json:"state"`
	SignedState string         `json:"signedState"`
	Version     Version        `json:"version"`
}

// ActionRequest invokes a named action on a mounted component.
type ActionRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Version tags a state revision with its origin.
type Version struct {
	Number int64         `json:"number"`
	Source VersionSource `json:"source"`
}

// VersionSource names what produced a state revision.
type VersionSource string

const (
	SourceMount     VersionSource = "mount"
	SourceServer    VersionSource = "server"
	SourceRehydrate VersionSource = "rehydrate"
)

// StateUpdate carries a component's new state to every bound connection.
type StateUpdate struct {
	State       map[string]any `json:"state"`
	SignedState string         `json:"signedState,omitempty"`
	Version     Version        `json:"version"`
}

// RehydrateRequest exchanges a persisted snapshot for a live component id.
// PreviousID is the id the client held before the connection dropped.
type RehydrateRequest struct {
	ComponentName string `json:"componentName"`
	SignedState   string `json:"signedState"`
	Room          string `json:"room,omitempty"`
	UserID        string `json:"userId,omitempty"`
	PreviousID    string `json:"previousId,omitempty"`
}

// Rehydrated is the reply to a successful rehydrate request.
type Rehydrated struct {
	OldComponentID string         `json:"oldComponentId,omitempty"`
	NewComponentID string         `json:"newComponentId"`
	State          map[string]any `json:"state"`
	SignedState    string         `json:"signedState"`
	Version        Version        `json:"version"`
}

// Response is the generic reply to a request.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Error  string    `json:"error"`
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason,omitempty"`
}

// UploadStart opens an upload session.
type UploadStart struct {
	UploadID   string `json:"uploadId"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType,omitempty"`
	TotalBytes int64  `json:"totalBytes"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
}

// UploadChunk carries one base64 encoded chunk.
type UploadChunk struct {
	UploadID string `json:"uploadId"`
	Index    int    `json:"index"`
	Data     string `json:"data"`
}

// UploadRef names an upload for complete and cancel requests.
type UploadRef struct {
	UploadID string `json:"uploadId"`
}

// UploadProgress acknowledges a chunk.
type UploadProgress struct {
	UploadID      string  `json:"uploadId"`
	Index         int     `json:"index"`
	BytesReceived int64   `json:"bytesReceived"`
	TotalBytes    int64   `json:"totalBytes"`
	Progress      float64 `json:"progress"`
	Duplicate     bool    `json:"duplicate,omitempty"`
}

// UploadCompleted reports where an assembled upload was written.
type UploadCompleted struct {
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
	Location string `json:"location"`
}
