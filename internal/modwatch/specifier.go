package modwatch

import (
	"path/filepath"
	"strings"

	"github.com/dshills/subtype/internal/service"
)

// quotedSpecifier returns the first quoted token in text. Single, double
// and back quotes are recognized.
func quotedSpecifier(text string) (string, bool) {
	start := strings.IndexAny(text, "'\"`")
	if start < 0 {
		return "", false
	}
	quote := text[start]
	end := strings.IndexByte(text[start+1:], quote)
	if end < 0 {
		return "", false
	}
	return text[start+1 : start+1+end], true
}

// isRelative reports whether spec names a path relative to the importer.
func isRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// watchedPath resolves the module named by d against the directory of the
// file that imports it.
func watchedPath(d service.Diagnostic) (string, bool) {
	spec, ok := quotedSpecifier(d.Text)
	if !ok || !isRelative(spec) || d.File == "" {
		return "", false
	}
	return service.NormalizePath(filepath.Join(filepath.Dir(d.File), spec)), true
}

// moduleKeys returns the watched paths a file satisfies: its own path and
// the path with one or more trailing extensions removed, so app.config.ts
// satisfies app.config and util.d.ts satisfies both util.d and util.
func moduleKeys(path string) []string {
	path = service.NormalizePath(path)
	keys := []string{path}
	dir, base := filepath.Split(path)
	for {
		ext := filepath.Ext(base)
		if ext == "" || ext == base {
			return keys
		}
		base = strings.TrimSuffix(base, ext)
		keys = append(keys, service.NormalizePath(filepath.Join(dir, base)))
	}
}

// sameCode compares diagnostic codes, ignoring case and a TS prefix.
func sameCode(a, b string) bool {
	trim := func(s string) string {
		s = strings.ToUpper(strings.TrimSpace(s))
		return strings.TrimPrefix(s, "TS")
	}
	return a != "" && trim(a) == trim(b)
}
