package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Weaver error code.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"  // 400
	ErrUnknownMessage  ErrorCode = "UNKNOWN_MESSAGE"  // 400
	ErrNotFound        ErrorCode = "NOT_FOUND"        // 404
	ErrPolicyViolation ErrorCode = "POLICY_VIOLATION" // 409
	ErrInternal        ErrorCode = "INTERNAL"         // 500
	ErrHostUnavailable ErrorCode = "HOST_UNAVAILABLE" // 503
	ErrTimeout         ErrorCode = "TIMEOUT"          // 504
)

// WeaverError represents a structured error with code, status, and details.
type WeaverError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *WeaverError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *WeaverError {
	return &WeaverError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewUnknownMessage creates a 400 error for an unrecognized protocol message type.
func NewUnknownMessage(msgType string) *WeaverError {
	return &WeaverError{
		Code:    ErrUnknownMessage,
		Status:  400,
		Message: "Unknown message type",
		Details: map[string]any{"type": msgType},
	}
}

// NewNotFound creates a 404 error for a tab that is not tracked.
func NewNotFound(tabID int) *WeaverError {
	return &WeaverError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("tab not found: %d", tabID),
		Details: map[string]any{"tab_id": tabID},
	}
}

// NewPolicyViolation creates a 409 error for a request the hibernation policy forbids,
// such as hibernating a protected tab. Callers should warn, not retry.
func NewPolicyViolation(tabID int, reason string) *WeaverError {
	return &WeaverError{
		Code:    ErrPolicyViolation,
		Status:  409,
		Message: fmt.Sprintf("tab %d cannot be hibernated: %s", tabID, reason),
		Details: map[string]any{"tab_id": tabID, "reason": reason},
	}
}

// NewHostUnavailable creates a 503 error for a failed browser or storage call.
// These are transient: the next cycle or request may succeed.
func NewHostUnavailable(op string, err error) *WeaverError {
	msg := op + " failed"
	if err != nil {
		msg = fmt.Sprintf("%s failed: %v", op, err)
	}
	return &WeaverError{
		Code:    ErrHostUnavailable,
		Status:  503,
		Message: msg,
		Details: map[string]any{"operation": op},
	}
}

// NewTimeout creates a 504 error when the browser does not answer a command in time.
func NewTimeout(op string) *WeaverError {
	return &WeaverError{
		Code:    ErrTimeout,
		Status:  504,
		Message: fmt.Sprintf("%s timed out", op),
		Details: map[string]any{"operation": op},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message is generic; the original error is kept in Details for logging only.
func NewInternal(err error) *WeaverError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &WeaverError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
	}
}

// Is checks if an error (or any error it wraps) is a WeaverError with the given code.
func Is(err error, code ErrorCode) bool {
	var wErr *WeaverError
	if stderrors.As(err, &wErr) {
		return wErr.Code == code
	}
	return false
}

// As returns the WeaverError in err's chain, if any.
func As(err error) (*WeaverError, bool) {
	var wErr *WeaverError
	if stderrors.As(err, &wErr) {
		return wErr, true
	}
	return nil, false
}

// IsTransient reports whether err is a host failure worth retrying on a later cycle.
func IsTransient(err error) bool {
	return Is(err, ErrHostUnavailable) || Is(err, ErrTimeout)
}

// StatusOf returns the HTTP status for code. Unknown codes map to 500.
func StatusOf(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest, ErrUnknownMessage:
		return 400
	case ErrNotFound:
		return 404
	case ErrPolicyViolation:
		return 409
	case ErrHostUnavailable:
		return 503
	case ErrTimeout:
		return 504
	default:
		return 500
	}
}
