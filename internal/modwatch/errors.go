package modwatch

import "errors"

// Standard errors returned by the watcher.
var (
	// ErrUnknownBackend indicates an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown watcher backend")

	// ErrInvalidPattern indicates an ignore pattern that does not compile.
	ErrInvalidPattern = errors.New("invalid ignore pattern")
)
