package errors

import (
	"context"
	"errors"
	"fmt"
)

// SessionError is the terminal error of a measurement session or a
// boundary operation. Stage names the phase that failed, when known.
type SessionError struct {
	Code    string
	Stage   string
	Message string
	Cause   error
}

func (e *SessionError) Error() string {
	prefix := e.Code
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.Stage)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Cause }

const (
	ErrCodeProbeFailed       = "PROBE_FAILED"
	ErrCodeTransferFailed    = "TRANSFER_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInvalidConfig     = "INVALID_CONFIG"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeStoreFailed       = "STORE_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

func ErrProbeFailed(stage string, cause error) *SessionError {
	return &SessionError{
		Code:    ErrCodeProbeFailed,
		Stage:   stage,
		Message: "latency probe failed",
		Cause:   cause,
	}
}

func ErrTransferFailed(stage string, cause error) *SessionError {
	return &SessionError{
		Code:    ErrCodeTransferFailed,
		Stage:   stage,
		Message: "data transfer failed",
		Cause:   cause,
	}
}

func ErrCancelled(stage string, cause error) *SessionError {
	return &SessionError{
		Code:    ErrCodeCancelled,
		Stage:   stage,
		Message: "session cancelled",
		Cause:   cause,
	}
}

func ErrInvalidConfig(msg string, cause error) *SessionError {
	return &SessionError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrResourceExhausted(msg string) *SessionError {
	return &SessionError{
		Code:    ErrCodeResourceExhausted,
		Message: msg,
	}
}

func ErrSessionNotFound(id string) *SessionError {
	return &SessionError{
		Code:    ErrCodeSessionNotFound,
		Message: fmt.Sprintf("test %s not found", id),
	}
}

func ErrStoreFailed(msg string, cause error) *SessionError {
	return &SessionError{
		Code:    ErrCodeStoreFailed,
		Message: msg,
		Cause:   cause,
	}
}

// Stage wraps err as a stage-scoped failure. Context errors become
// CANCELLED, everything else gets code.
func Stage(stage, code string, err error) error {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	if IsContextError(err) {
		return ErrCancelled(stage, err)
	}
	switch code {
	case ErrCodeProbeFailed:
		return ErrProbeFailed(stage, err)
	case ErrCodeTransferFailed:
		return ErrTransferFailed(stage, err)
	default:
		return &SessionError{Code: code, Stage: stage, Message: "session failed", Cause: err}
	}
}

// CodeOf returns the SessionError code carried by err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	if IsContextError(err) {
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
