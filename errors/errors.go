// Package errors provides standardized error handling patterns for adfront.
// It includes error classification, the request-dispatch error taxonomy, and
// helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Request dispatch taxonomy. Every per-request failure wraps exactly one of
// these so that logs and metrics can report a stable kind.
var (
	ErrConfig            = errors.New("configuration error")
	ErrPluginNotFound    = errors.New("plugin not found")
	ErrPluginLogic       = errors.New("plugin logic error")
	ErrSubOperation      = errors.New("sub-operation failed")
	ErrMalformedInput    = errors.New("malformed input")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrContextDestroyed  = errors.New("request context already destroyed")
)

// Process-level conditions.
var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrShuttingDown       = errors.New("shutting down")
	ErrConnectionLost     = errors.New("connection lost")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrCircuitOpen        = errors.New("circuit breaker open")
)

// Default classes of unclassified errors, by cause and then by message.
var (
	transientCauses = []error{
		ErrConnectionLost,
		ErrResourceExhausted,
		ErrShuttingDown,
		ErrCircuitOpen,
		context.DeadlineExceeded,
		context.Canceled,
	}
	fatalCauses = []error{
		ErrConfig,
		ErrInvalidConfig,
		ErrMissingConfig,
		ErrContextDestroyed,
	}
	invalidCauses = []error{
		ErrMalformedInput,
		ErrProtocolViolation,
		ErrPluginNotFound,
	}

	transientPatterns = []string{"timeout", "connection", "network", "temporary", "unavailable", "busy", "retry"}
	fatalPatterns     = []string{"fatal", "panic", "corrupted", "invalid config", "missing config", "out of memory"}
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// explicitClass returns the class of the outermost ClassifiedError in err's
// chain.
func explicitClass(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func causedByAny(err error, causes []error) bool {
	for _, cause := range causes {
		if errors.Is(err, cause) {
			return true
		}
	}
	return false
}

func mentionsAny(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorTransient
	}
	return causedByAny(err, transientCauses) || mentionsAny(err, transientPatterns)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorFatal
	}
	return causedByAny(err, fatalCauses) || mentionsAny(err, fatalPatterns)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorInvalid
	}
	return causedByAny(err, invalidCauses)
}

// Classify returns the error class for an error. Unknown errors are
// transient.
func Classify(err error) ErrorClass {
	if class, ok := explicitClass(err); ok {
		return class
	}
	switch {
	case err == nil, IsTransient(err):
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Kind maps an error onto its dispatch taxonomy label. Errors outside the
// taxonomy report "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrPluginNotFound):
		return "plugin_not_found"
	case errors.Is(err, ErrPluginLogic):
		return "plugin_logic"
	case errors.Is(err, ErrSubOperation):
		return "sub_operation"
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrContextDestroyed):
		return "context_destroyed"
	default:
		return "internal"
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

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
