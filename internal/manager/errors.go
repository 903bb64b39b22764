package manager

import (
	"errors"
	"fmt"
	"strings"
)

// Standard errors returned by the manager.
var (
	// ErrAlreadyAttached indicates Attach was called for a tracked buffer.
	ErrAlreadyAttached = errors.New("buffer already attached")

	// ErrUnknownBuffer indicates the buffer was never attached.
	ErrUnknownBuffer = errors.New("unknown buffer")

	// ErrNoPath indicates the buffer has no file path.
	ErrNoPath = errors.New("buffer has no file path")

	// ErrFileConflict indicates two interfaces whose active sets nest.
	ErrFileConflict = errors.New("file conflict between interfaces")

	// ErrInvariant indicates a broken graph invariant.
	ErrInvariant = errors.New("graph invariant violated")
)

// BufferError reports a misordered attach or detach.
type BufferError struct {
	Buffer string
	Err    error
}

// Error implements the error interface.
func (e *BufferError) Error() string {
	return fmt.Sprintf("buffer %s: %v", e.Buffer, e.Err)
}

// Unwrap returns the underlying error.
func (e *BufferError) Unwrap() error {
	return e.Err
}

// FileConflictError reports two live interfaces where one's active paths
// cover the other's. The merge rules make this unreachable; Verify reports
// it as an invariant violation.
type FileConflictError struct {
	First  string
	Second string
	Shared []string
}

// Error implements the error interface.
func (e *FileConflictError) Error() string {
	return fmt.Sprintf("file conflict between %s and %s on [%s]",
		e.First, e.Second, strings.Join(e.Shared, ", "))
}

// Unwrap returns ErrFileConflict.
func (e *FileConflictError) Unwrap() error {
	return ErrFileConflict
}

// InvariantError reports a structural inconsistency in the graph.
type InvariantError struct {
	Rule   string
	Detail string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %q violated: %s", e.Rule, e.Detail)
}

// Unwrap returns ErrInvariant.
func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}
