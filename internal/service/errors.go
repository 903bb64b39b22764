package service

import (
	"errors"
	"fmt"
)

// Standard errors returned by service operations.
var (
	// ErrHandshake indicates the process did not announce that it is listening.
	ErrHandshake = errors.New("unexpected handshake")

	// ErrHandshakeTimeout indicates the handshake line never arrived.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrNoCommand indicates no service command is configured.
	ErrNoCommand = errors.New("no service command configured")

	// ErrExited indicates the process went away while connecting.
	ErrExited = errors.New("service exited")

	// ErrInvalidResponse indicates a response line that is not valid JSON.
	ErrInvalidResponse = errors.New("invalid response from service")
)

// ConnectionError reports a failed attempt to start a service.
type ConnectionError struct {
	Root string
	Err  error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect service for %s: %v", e.Root, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
