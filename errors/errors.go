// Package errors provides the error taxonomy shared by every readout module.
// It combines classified errors (transient, invalid, fatal) with sentinels for
// the lifecycle failure kinds a run-control client needs to tell apart.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that leave a module unusable
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

// Taxonomy sentinels. Every lifecycle failure wraps exactly one of these.
var (
	// ErrConfiguration covers ambiguous or missing type resolution, duplicate
	// connection names, unknown names in a conf payload and partial configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrInitialization covers constructor failures.
	ErrInitialization = errors.New("initialization error")
	// ErrNoImplementation is returned when no constructor is registered for a tag.
	// It is an initialization error.
	ErrNoImplementation = fmt.Errorf("no implementation available: %w", ErrInitialization)
	// ErrResource is returned when a connection or queue cannot be bound.
	ErrResource = errors.New("resource error")
	// ErrCommandSequence is returned for commands issued in an invalid state.
	ErrCommandSequence = errors.New("command sequence error")
	// ErrRuntimeIO is a recoverable pipeline-level I/O error.
	ErrRuntimeIO = errors.New("runtime I/O error")
)

// Specific conditions, each tied to one taxonomy sentinel.
var (
	ErrDuplicateConnection  = fmt.Errorf("duplicate connection: %w", ErrConfiguration)
	ErrUnknownConnection    = fmt.Errorf("unknown connection: %w", ErrConfiguration)
	ErrAmbiguousPayloadType = fmt.Errorf("connection must advertise exactly one payload type: %w", ErrConfiguration)
	ErrNotConfigured        = fmt.Errorf("not all pipelines were configured: %w", ErrConfiguration)
	ErrAlreadyConfigured    = fmt.Errorf("pipeline already configured: %w", ErrConfiguration)
	ErrInvalidConfig        = fmt.Errorf("invalid configuration: %w", ErrConfiguration)
	ErrMissingConfig        = fmt.Errorf("missing required configuration: %w", ErrConfiguration)

	ErrRecordingUnsupported = fmt.Errorf("recording not supported: %w", ErrCommandSequence)
	ErrInvalidState         = fmt.Errorf("invalid state for command: %w", ErrCommandSequence)
	ErrRecordingActive      = fmt.Errorf("recording already in progress: %w", ErrCommandSequence)

	ErrQueueNotFound = fmt.Errorf("queue not found: %w", ErrResource)
	ErrQueueClosed   = fmt.Errorf("queue closed: %w", ErrResource)
	ErrNoConnection  = fmt.Errorf("no connection available: %w", ErrResource)

	// ErrTimeout is a bounded-timeout poll miss. It is not a failure.
	ErrTimeout = errors.New("operation timed out")

	ErrCircuitOpen = errors.New("circuit breaker open")
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

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsInitialization reports whether err is an InitializationError.
func IsInitialization(err error) bool { return errors.Is(err, ErrInitialization) }

// IsNoImplementation reports whether no constructor matched a payload type.
func IsNoImplementation(err error) bool { return errors.Is(err, ErrNoImplementation) }

// IsResource reports whether err is a ResourceError.
func IsResource(err error) bool { return errors.Is(err, ErrResource) }

// IsCommandSequence reports whether err is a CommandSequenceError.
func IsCommandSequence(err error) bool { return errors.Is(err, ErrCommandSequence) }

// IsRuntimeIO reports whether err is a RuntimeIOError.
func IsRuntimeIO(err error) bool { return errors.Is(err, ErrRuntimeIO) }

// IsTimeout reports whether err is a poll miss rather than a failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient checks if an error is transient and may be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return IsTimeout(err) || IsRuntimeIO(err) || errors.Is(err, ErrCircuitOpen)
}

// IsFatal checks if an error leaves the module unusable
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return IsInitialization(err) || IsResource(err)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return IsConfiguration(err) || IsCommandSequence(err)
}

// Kind returns the taxonomy name of err, as reported to run control.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNoImplementation(err):
		return "NoImplementationAvailable"
	case IsConfiguration(err):
		return "ConfigurationError"
	case IsInitialization(err):
		return "InitializationError"
	case IsResource(err):
		return "ResourceError"
	case IsCommandSequence(err):
		return "CommandSequenceError"
	case IsRuntimeIO(err):
		return "RuntimeIOError"
	default:
		return "Error"
	}
}

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

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Errorf builds a taxonomy error carrying sentinel plus a formatted detail.
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

// Join mirrors the standard library helper so callers need a single import.
func Join(errs ...error) error { return errors.Join(errs...) }

// Is mirrors errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As mirrors errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// New mirrors errors.New.
func New(text string) error { return errors.New(text) }
