package protocol

// ErrorCode identifies the type of a failure reported over the wire.
type ErrorCode string

const (
	ErrUnknown             ErrorCode = "UNKNOWN"
	ErrInvalidFrame        ErrorCode = "INVALID_FRAME"
	ErrUnknownComponent    ErrorCode = "UNKNOWN_COMPONENT"
	ErrUnknownAction       ErrorCode = "UNKNOWN_ACTION"
	ErrActionFailed        ErrorCode = "ACTION_FAILED"
	ErrRehydrationRequired ErrorCode = "REHYDRATION_REQUIRED"
	ErrRehydrationFailed   ErrorCode = "REHYDRATION_FAILED"
	ErrUploadRejected      ErrorCode = "UPLOAD_REJECTED"
	ErrUploadIncomplete    ErrorCode = "UPLOAD_INCOMPLETE"
	ErrUploadNotFound      ErrorCode = "UPLOAD_NOT_FOUND"
	ErrServerError         ErrorCode = "SERVER_ERROR"
)

// Rehydration rejection reasons carried in ErrorPayload.Reason.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "expired"
	ReasonUnknownComponent = "unknown_component"
	ReasonNameMismatch     = "name_mismatch"
	ReasonMalformed        = "malformed"
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	if ec == "" {
		return string(ErrUnknown)
	}
	return string(ec)
}

// IsRehydrationRequired reports whether m tells the caller that its component
// id is no longer live on the server.
func IsRehydrationRequired(m *Message) bool {
	if m == nil {
		return false
	}
	switch m.Type {
	case TypeError:
		var p ErrorPayload
		if err := m.DecodePayload(&p); err != nil {
			return false
		}
		return p.Code == ErrRehydrationRequired
	case TypeResponse:
		var r Response
		if err := m.DecodePayload(&r); err != nil {
			return false
		}
		return !r.Success && r.Code == ErrRehydrationRequired
	}
	return false
}
