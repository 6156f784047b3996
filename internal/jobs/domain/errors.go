package domain

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a job error. The set is closed: handlers returning plain
// errors are folded into execution_failed by Classify.
type Code string

const (
	CodeJobNotFound          Code = "job_not_found"
	CodeJobAlreadyRunning    Code = "job_already_running"
	CodeJobCancelled         Code = "job_cancelled"
	CodeMaxRetriesExceeded   Code = "max_retries_exceeded"
	CodeInvalidPayload       Code = "invalid_payload"
	CodeExecutionFailed      Code = "execution_failed"
	CodeTimeout              Code = "timeout"
	CodeDatabaseError        Code = "database_error"
	CodeExternalServiceError Code = "external_service_error"
)

// Error is the job error type persisted on the job record and returned by
// queue operations. Retryable tells the worker whether a reschedule is
// worth attempting.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches by code so that sentinel values below work with errors.Is even
// when the concrete error carries a different message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is matching on queue operation outcomes.
var (
	ErrJobNotFound       = &Error{Code: CodeJobNotFound, Message: "job not found"}
	ErrJobAlreadyRunning = &Error{Code: CodeJobAlreadyRunning, Message: "job is running and cannot be cancelled"}
	ErrJobNotRetryable   = &Error{Code: CodeExecutionFailed, Message: "job is not in failed status"}

	// ErrJobAlreadyClaimed signals that a concurrent worker won the claim
	// race. It is not a job record error, just a skip signal.
	ErrJobAlreadyClaimed = errors.New("job already claimed or not pending")
)

// NewError builds a job error with an explicit code and retryability.
func NewError(code Code, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// NewDatabaseError wraps a store failure. Store round-trips are assumed
// transient, so these are retryable.
func NewDatabaseError(err error) *Error {
	return &Error{Code: CodeDatabaseError, Message: err.Error(), Retryable: true, cause: err}
}

// NewInvalidPayloadError marks a payload that can never be processed.
func NewInvalidPayloadError(err error) *Error {
	return &Error{Code: CodeInvalidPayload, Message: err.Error(), Retryable: false, cause: err}
}

// NewMaxRetriesError is the synthesized terminal error when the attempt
// ceiling is reached before the handler ever succeeded.
func NewMaxRetriesError(attempts, max int, last error) *Error {
	msg := fmt.Sprintf("max retries exceeded after %d/%d attempts", attempts, max)
	if last != nil {
		msg += ": " + last.Error()
	}
	return &Error{Code: CodeMaxRetriesExceeded, Message: msg, Retryable: false, cause: last}
}

// Classify folds an arbitrary handler error into the job error taxonomy.
// Typed errors pass through; context deadline becomes a retryable timeout;
// anything else becomes a retryable execution_failed.
func Classify(err error) *Error {
	var je *Error
	if errors.As(err, &je) {
		return je
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error(), Retryable: true, cause: err}
	}
	return &Error{Code: CodeExecutionFailed, Message: err.Error(), Retryable: true, cause: err}
}

// IsRetryable reports whether the worker should reschedule after err.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}
