package editor

import (
	"errors"
	"fmt"
)

// Errors reported for events the session cannot apply.
var (
	ErrMalformedEvent  = errors.New("malformed event")
	ErrUnknownEvent    = errors.New("unknown event")
	ErrUnknownBuffer   = errors.New("unknown buffer")
	ErrDuplicateBuffer = errors.New("buffer already open")
)

// EventError is a failure to handle one event.
type EventError struct {
	Event string
	ID    string
	Err   error
}

func (e *EventError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Event, e.ID, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}
