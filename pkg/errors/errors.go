package errors

import (
	"errors"
	"fmt"
)

// Generic error types shared across services

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrExternal indicates an upstream API returned an error response
	ErrExternal = errors.New("external service error")
)

// External dependency errors

var (
	// ErrTransientNetwork indicates a retryable network or upstream failure
	ErrTransientNetwork = errors.New("transient network error")

	// ErrCircuitOpen indicates the circuit breaker rejected the call without running it
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrConfiguration indicates missing or rejected credentials/settings.
	// Callers degrade to cached or empty data instead of failing.
	ErrConfiguration = errors.New("configuration error")

	// ErrMalformedResponse indicates an upstream payload that could not be parsed
	ErrMalformedResponse = errors.New("malformed response")
)

// Model and batch errors

var (
	// ErrModelProcess indicates the ML subprocess failed (spawn, exit code, timeout)
	ErrModelProcess = errors.New("model process error")

	// ErrPartialBatch indicates a single record failed inside an otherwise successful batch
	ErrPartialBatch = errors.New("batch record failed")
)

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join combines errors, see errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

// Mark tags err with a sentinel so both match errors.Is
func Mark(err, sentinel error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
