// Package errors provides standardized error handling for embedbridge
// components. It includes error classification, standard error variables,
// and helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried,
	// such as transport-level delivery failures.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration.
	ErrorInvalid
	// ErrorApplication represents errors the sandbox produced while
	// executing an operation. They are surfaced verbatim and never retried.
	ErrorApplication
	// ErrorFatal represents unrecoverable errors that should stop processing.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorApplication:
		return "application"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Sandbox lifecycle errors
	ErrInitTimeout    = errors.New("sandbox initialization timeout")
	ErrSandboxFailed  = errors.New("sandbox entered failed state")
	ErrSandboxClosed  = errors.New("sandbox closed")
	ErrNotReady       = errors.New("sandbox not ready")
	ErrAlreadyStarted = errors.New("already started")

	// Transport and request errors
	ErrTransport       = errors.New("transport delivery failed")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrRequestCanceled = errors.New("request canceled")
	ErrNoConnection    = errors.New("no connection available")

	// Data errors
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownRequest = errors.New("unknown request type")
	ErrDimensionWidth = errors.New("embedding dimension mismatch")
	ErrEmptyInput     = errors.New("empty input")
	ErrBlobCorrupted  = errors.New("serialized index blob corrupted")

	// Persistence errors
	ErrNoCheckpoint = errors.New("no checkpoint stored")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ClassifiedError wraps an error with its classification and the
// component/operation that produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and eligible for the shared
// retry policy. Only transport-level failures qualify; application errors
// from the sandbox never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrNotReady)
}

// IsApplication checks if an error originated inside the sandbox while
// executing the operation (e.g. a dimension mismatch).
func IsApplication(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorApplication
	}

	return errors.Is(err, ErrDimensionWidth) ||
		errors.Is(err, ErrBlobCorrupted) ||
		errors.Is(err, ErrUnknownRequest)
}

// IsTimeout checks if an error is a timeout of either kind: the sandbox
// never reached Ready, or a single request expired.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInitTimeout) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsInvalid checks if an error is due to invalid input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrEmptyInput)
}

// Classify returns the error class for an error.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsApplication(err) {
		return ErrorApplication
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsTransient(err) {
		return ErrorTransient
	}
	// A timeout is fatal for the in-flight call, but a later call may
	// retry creation fresh, so it classifies as transient here.
	if IsTimeout(err) {
		return ErrorTransient
	}
	return ErrorFatal
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapApplication() or WrapInvalid().
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapApplication wraps an error as a sandbox application error with context.
func WrapApplication(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorApplication, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}
