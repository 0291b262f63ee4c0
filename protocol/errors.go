package protocol

import "fmt"

// ErrorCode classifies protocol-level failures.
type ErrorCode string

const (
	// ErrCodeMalformed marks bytes that do not parse as an envelope.
	ErrCodeMalformed ErrorCode = "MALFORMED"
	// ErrCodeTooLarge marks an envelope over the configured size limit.
	ErrCodeTooLarge ErrorCode = "TOO_LARGE"
	// ErrCodeUnknownKind marks an envelope with an unrecognized kind.
	ErrCodeUnknownKind ErrorCode = "UNKNOWN_KIND"
	// ErrCodeVersion marks an unsupported protocol version.
	ErrCodeVersion ErrorCode = "VERSION_MISMATCH"
	// ErrCodeEncode marks a local serialization failure.
	ErrCodeEncode ErrorCode = "ENCODE"
	// ErrCodeBadPayload marks a payload that does not match its kind's schema.
	ErrCodeBadPayload ErrorCode = "BAD_PAYLOAD"
	// ErrCodeIdentity marks a handshake whose claimed PeerID does not match
	// the signing key.
	ErrCodeIdentity ErrorCode = "IDENTITY_MISMATCH"
)

// Error is a structured protocol error. Decode failures carry one so callers
// can distinguish a hostile or corrupt envelope from a local fault.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the protocol error code from err, or "" when err is not a
// *protocol.Error.
func CodeOf(err error) ErrorCode {
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return ""
}
