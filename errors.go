package mcp

import (
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes. Application specific codes must stay outside the
// reserved band [-32768, -32000].
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	reservedCodeMin = -32768
	reservedCodeMax = -32000
)

const (
	errMsgInvalidRequest = "Invalid Request"
	errMsgMethodNotFound = "Method not found"
	errMsgInvalidParams  = "Invalid params"
	errMsgInternalError  = "Internal error"
	errMsgTimeout        = "Request timed out"
)

var (
	// ErrMalformedEnvelope is returned by Decode and Encode when a payload does not have the
	// shape of a JSON-RPC 2.0 envelope. Transports reject such payloads before dispatch.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrMethodNotFound is returned by Registry.Resolve for unregistered methods.
	ErrMethodNotFound = errors.New("method not found")

	// ErrSessionNotFound is returned when a request targets an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when operating on a Session that reached StateClosed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNotAnnounced is returned when a notification is pushed before the endpoint
	// announcement was sent on a NotificationChannel.
	ErrNotAnnounced = errors.New("endpoint not announced")

	// ErrAlreadyAnnounced is returned when the endpoint announcement is sent twice.
	ErrAlreadyAnnounced = errors.New("endpoint already announced")

	errHandlerPanic = errors.New("handler panicked")
)

// Error is the error object of a JSON-RPC 2.0 error Response. It implements the error
// interface so Handlers can return it directly, see InvalidParams.
type Error struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional structured information about the error and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// NewError creates an Error with the given code, message and optional data.
func NewError(code int, message string, data map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// InvalidParams creates the error a Handler returns when it rejects its params. The
// formatted text is carried in data.detail, the message stays "Invalid params".
func InvalidParams(format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidParams,
		Message: errMsgInvalidParams,
		Data: map[string]any{
			"detail": fmt.Sprintf(format, args...),
		},
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data: %v", e.Code, e.Message, e.Data)
}

// IsReservedCode reports whether code lies in the band reserved by JSON-RPC 2.0.
func IsReservedCode(code int) bool {
	return code >= reservedCodeMin && code <= reservedCodeMax
}

func invalidRequestError(reason string, state SessionState) *Error {
	return &Error{
		Code:    CodeInvalidRequest,
		Message: errMsgInvalidRequest,
		Data: map[string]any{
			"reason": reason,
			"state":  state.String(),
		},
	}
}

func methodNotFoundError(method string) *Error {
	return &Error{
		Code:    CodeMethodNotFound,
		Message: errMsgMethodNotFound,
		Data: map[string]any{
			"method": method,
		},
	}
}

func internalError() *Error {
	return &Error{
		Code:    CodeInternalError,
		Message: errMsgInternalError,
	}
}

func timeoutError() *Error {
	return &Error{
		Code:    CodeInternalError,
		Message: errMsgTimeout,
		Data: map[string]any{
			"reason": "timeout",
		},
	}
}
