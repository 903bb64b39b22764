package service

import (
	"path/filepath"
	"strings"
)

// NormalizePath converts a file path to the form used by the service:
// absolute, forward slashes, lower-case drive letter.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	if !isDrivePath(p) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.ToLower(p[:1]) + p[1:]
}

// isDrivePath reports whether p starts with a Windows drive letter.
func isDrivePath(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		(p[0] >= 'a' && p[0] <= 'z' || p[0] >= 'A' && p[0] <= 'Z')
}
