package modwatch

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnore skips dotfiles and underscore-prefixed files.
var DefaultIgnore = []string{".*", "_*"}

// Ignore matches file names that never count as new modules.
type Ignore struct {
	patterns []string
}

// NewIgnore validates and compiles patterns in doublestar syntax.
func NewIgnore(patterns ...string) (*Ignore, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
	}
	return &Ignore{patterns: append([]string(nil), patterns...)}, nil
}

// Match reports whether the base name should be ignored.
func (ig *Ignore) Match(name string) bool {
	if ig == nil {
		return false
	}
	for _, p := range ig.patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
