// Package errors provides the structured error system used across the
// objectpool client: stable error codes, categories, and context that
// survive wrapping.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a failure class. Codes are stable API: callers
// dispatch on them with Code() or errors.Is.
type ErrorCode string

const (
	// Handle lifecycle errors
	ErrCodeNotConnected  ErrorCode = "NOT_CONNECTED"
	ErrCodeInvalidHandle ErrorCode = "INVALID_HANDLE"
	ErrCodePoolNotFound  ErrorCode = "POOL_NOT_FOUND"
	ErrCodePoolExists    ErrorCode = "POOL_EXISTS"

	// Batch errors
	ErrCodeBatchConsumed ErrorCode = "BATCH_CONSUMED"
	ErrCodeAssertFailed  ErrorCode = "ASSERT_FAILED"

	// Object and snapshot errors
	ErrCodeObjectNotFound  ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeObjectExists    ErrorCode = "OBJECT_EXISTS"
	ErrCodeXattrNotFound   ErrorCode = "XATTR_NOT_FOUND"
	ErrCodeSnapshotInvalid ErrorCode = "SNAPSHOT_INVALID"

	// Completion errors
	ErrCodeNotReady ErrorCode = "NOT_READY"

	// Transport and configuration errors
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
)

// ErrorCategory groups codes for metrics labels and logging.
type ErrorCategory string

const (
	CategoryHandle    ErrorCategory = "handle"
	CategoryBatch     ErrorCategory = "batch"
	CategoryObject    ErrorCategory = "object"
	CategoryTransport ErrorCategory = "transport"
	CategoryConfig    ErrorCategory = "config"
)

// Error is the structured error carried through the client. It records
// the operation and object it belongs to so a failure deep in the engine
// still identifies its origin.
type Error struct {
	Code      ErrorCode
	Category  ErrorCategory
	Message   string
	Operation string
	Pool      string
	Object    string
	Cause     error
	Timestamp time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Operation != "" {
		fmt.Fprintf(&b, "[%s] ", e.Operation)
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Object != "" {
		fmt.Fprintf(&b, " (object %q)", e.Object)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two structured errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithOperation sets the client operation the error belongs to.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithPool sets the pool the error belongs to.
func (e *Error) WithPool(pool string) *Error {
	e.Pool = pool
	return e
}

// WithObject sets the object the error belongs to.
func (e *Error) WithObject(oid string) *Error {
	e.Object = oid
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates a structured error for the given code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error with cause attached.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return New(code, message).WithCause(cause)
}

// Code extracts the error code from err or any error it wraps. Returns
// the empty code for nil and for plain errors.
func Code(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && Code(err) == code
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotConnected, ErrCodeInvalidHandle, ErrCodePoolNotFound, ErrCodePoolExists:
		return CategoryHandle
	case ErrCodeBatchConsumed, ErrCodeAssertFailed, ErrCodeNotReady:
		return CategoryBatch
	case ErrCodeObjectNotFound, ErrCodeObjectExists, ErrCodeXattrNotFound, ErrCodeSnapshotInvalid:
		return CategoryObject
	case ErrCodeInvalidArgument, ErrCodeConfigValidation:
		return CategoryConfig
	default:
		return CategoryTransport
	}
}
