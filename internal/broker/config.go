package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/subtype/internal/modwatch"
)

// Config configures a Broker.
type Config struct {
	// UpdateDelay debounces pushing buffer content to services.
	// Default: 1s
	UpdateDelay time.Duration

	// ErrorsDelay debounces fetching diagnostics. It must exceed
	// UpdateDelay so a fetch observes the preceding update.
	// Default: 1.5s
	ErrorsDelay time.Duration

	// ReloadDelay debounces reloads triggered by module changes.
	// Default: 250ms
	ReloadDelay time.Duration

	// RequestTimeout bounds background service calls. Zero means no bound.
	RequestTimeout time.Duration

	// Extensions lists the file extensions treated as source files.
	// Default: .ts
	Extensions []string

	// FileTypes lists the editor file types treated as source files when
	// a buffer reports one.
	// Default: typescript
	FileTypes []string

	// StrictInvariants verifies the interface graph after every mutation.
	StrictInvariants bool

	// Watcher configures the module watcher.
	Watcher modwatch.Config
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		UpdateDelay: time.Second,
		ErrorsDelay: 1500 * time.Millisecond,
		ReloadDelay: 250 * time.Millisecond,
		Extensions:  []string{".ts"},
		FileTypes:   []string{"typescript"},
		Watcher:     modwatch.DefaultConfig(),
	}
}

// ErrDelayOrder indicates an errors delay that does not exceed the update
// delay.
var ErrDelayOrder = errors.New("errors delay must exceed update delay")

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.UpdateDelay < 0 || c.ErrorsDelay < 0 || c.ReloadDelay < 0 {
		return errors.New("negative delay")
	}
	if c.ErrorsDelay <= c.UpdateDelay {
		return fmt.Errorf("%w: %s <= %s", ErrDelayOrder, c.ErrorsDelay, c.UpdateDelay)
	}
	if len(c.Extensions) == 0 && len(c.FileTypes) == 0 {
		return errors.New("no source extensions or file types configured")
	}
	return nil
}
