package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so cloned sentinels still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrServiceUnavailable = New("SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, "service unavailable")

	ErrKeyNotFound       = New("KEY_NOT_FOUND", http.StatusNotFound, "key not found in local store")
	ErrAttendanceLocked  = New("ATTENDANCE_LOCKED", http.StatusConflict, "attendance already submitted for this class period")
	ErrQueueCorrupted    = New("QUEUE_CORRUPTED", http.StatusInternalServerError, "sync queue could not be decoded; reset local state")
	ErrMutationNotFound  = New("MUTATION_NOT_FOUND", http.StatusNotFound, "mutation not found in sync queue")
	ErrInvalidTransition = New("INVALID_TRANSITION", http.StatusConflict, "invalid mutation status transition")
	ErrDrainInProgress   = New("DRAIN_IN_PROGRESS", http.StatusConflict, "a sync pass is already running")
	ErrOffline           = New("OFFLINE", http.StatusServiceUnavailable, "remote record store unreachable")
	ErrRemoteConflict    = New("REMOTE_CONFLICT", http.StatusConflict, "remote record written by another device")
	ErrRemoteUnavailable = New("REMOTE_UNAVAILABLE", http.StatusBadGateway, "remote record store unavailable")
	ErrRemoteRejected    = New("REMOTE_REJECTED", http.StatusUnprocessableEntity, "remote record store rejected the mutation")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WithCause returns a copy of the sentinel carrying the underlying cause.
func WithCause(err *Error, cause error) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.Err = cause
	return &clone
}
