package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a bookreader error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"      // 400
	ErrUserActionRejected ErrorCode = "USER_ACTION_REJECTED" // 409
	ErrNotFound           ErrorCode = "NOT_FOUND"            // 404
	ErrImageDecode        ErrorCode = "IMAGE_DECODE"         // 422
	ErrPayload            ErrorCode = "PAYLOAD"              // 502
	ErrOCRRequest         ErrorCode = "OCR_REQUEST"          // 502
	ErrCameraSwitch       ErrorCode = "CAMERA_SWITCH"        // 502
	ErrChannelTransport   ErrorCode = "CHANNEL_TRANSPORT"    // 503
	ErrInternal           ErrorCode = "INTERNAL"             // 500
)

// ReaderError represents a structured error with code, status, and details.
type ReaderError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *ReaderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ReaderError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ReaderError {
	return &ReaderError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewUserActionRejected creates a 409 error for actions refused before any
// network call is made (no frame available, capture already running).
func NewUserActionRejected(msg string) *ReaderError {
	return &ReaderError{
		Code:    ErrUserActionRejected,
		Status:  409,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing journal entry.
func NewNotFound(identifier string) *ReaderError {
	return &ReaderError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("capture not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewImageDecode creates a 422 error when a frame cannot be decoded.
func NewImageDecode(err error) *ReaderError {
	msg := "image decode failed"
	if err != nil {
		msg = fmt.Sprintf("image decode failed: %v", err)
	}
	return &ReaderError{
		Code:    ErrImageDecode,
		Status:  422,
		Message: msg,
		cause:   err,
	}
}

// NewPayload creates an error for an "error" message received on the live
// channel. It is informational: the connection stays open.
func NewPayload(msg string) *ReaderError {
	return &ReaderError{
		Code:    ErrPayload,
		Status:  502,
		Message: msg,
	}
}

// NewOCRRequest creates an error for a rejected or failed OCR request.
// The server-supplied message is used verbatim when present.
func NewOCRRequest(status int, serverMsg string) *ReaderError {
	msg := serverMsg
	if msg == "" {
		msg = "OCR processing failed"
	}
	return &ReaderError{
		Code:    ErrOCRRequest,
		Status:  502,
		Message: msg,
		Details: map[string]any{"http_status": status},
	}
}

// NewCameraSwitch creates an error for a camera switch the backend refused.
func NewCameraSwitch(deviceID int, serverMsg string) *ReaderError {
	msg := serverMsg
	if msg == "" {
		msg = "Unknown error"
	}
	return &ReaderError{
		Code:    ErrCameraSwitch,
		Status:  502,
		Message: fmt.Sprintf("camera switch to %d failed: %s", deviceID, msg),
		Details: map[string]any{"device_id": deviceID},
	}
}

// NewChannelTransport creates a 503 error for connection-level failures on
// the live channel or any backend call.
func NewChannelTransport(err error) *ReaderError {
	msg := "backend unreachable"
	if err != nil {
		msg = err.Error()
	}
	return &ReaderError{
		Code:    ErrChannelTransport,
		Status:  503,
		Message: msg,
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *ReaderError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &ReaderError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error (or anything it wraps) is a ReaderError with the given code.
func Is(err error, code ErrorCode) bool {
	var rErr *ReaderError
	if stderrors.As(err, &rErr) {
		return rErr.Code == code
	}
	return false
}

// As extracts the ReaderError from err, falling back to NewInternal.
func As(err error) *ReaderError {
	var rErr *ReaderError
	if stderrors.As(err, &rErr) {
		return rErr
	}
	return NewInternal(err)
}
