package errors

import (
	"errors"
	"fmt"
)

// Common error types for categorization and handling

var (
	// ErrNotFound indicates a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid user input
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceUnavailable indicates a required service is unavailable
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrDatabaseOperation indicates a persistence operation failed
	ErrDatabaseOperation = errors.New("database operation failed")

	// ErrTransport indicates the backend could not be reached or answered with a non-2xx status
	ErrTransport = errors.New("backend transport failure")

	// ErrMalformedEvent indicates a stream payload could not be decoded
	ErrMalformedEvent = errors.New("malformed stream event")

	// ErrLastSession indicates an attempt to delete the only remaining session
	ErrLastSession = errors.New("cannot delete the last session")

	// ErrResponseInProgress indicates a send while the assistant is still answering
	ErrResponseInProgress = errors.New("a response is already in progress")

	// ErrStaleTurn indicates a reply event for a turn the chat has moved past
	ErrStaleTurn = errors.New("reply belongs to an earlier turn")
)

// WrapError wraps an error with context message and stack
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapErrorf wraps an error with formatted context message
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput checks if error is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsServiceUnavailable checks if error is a service unavailable error
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

// IsTransport checks if error is a backend transport failure
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsLastSession checks if error is a rejected delete of the sole session
func IsLastSession(err error) bool {
	return errors.Is(err, ErrLastSession)
}

// IsResponseInProgress checks if error reports a send during an unfinished reply
func IsResponseInProgress(err error) bool {
	return errors.Is(err, ErrResponseInProgress)
}

// IsStaleTurn checks if error reports an event for a superseded turn
func IsStaleTurn(err error) bool {
	return errors.Is(err, ErrStaleTurn)
}
