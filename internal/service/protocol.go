package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Wire commands understood by the service.
const (
	cmdFiles       = "files"
	cmdReload      = "reload"
	cmdShowErrors  = "showErrors"
	cmdCompletions = "completions"
	cmdUpdate      = "update"
)

// semanticPhase marks diagnostics reported as warnings.
const semanticPhase = "Semantics"

var handshakePattern = regexp.MustCompile(`(?i)^"?loaded (.+?), (?:[a-z]+ )?listening`)

// matchHandshake reports whether line is the ready announcement for root.
func matchHandshake(line, root string) bool {
	m := handshakePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return false
	}
	return strings.EqualFold(NormalizePath(m[1]), NormalizePath(root))
}

// command returns the command word of a request line.
func command(request string) string {
	if i := strings.IndexAny(request, " \n"); i >= 0 {
		return request[:i]
	}
	return request
}

func completionsRequest(path string, line, col int) string {
	return fmt.Sprintf("%s false %d %d %s", cmdCompletions, line+1, col+1, NormalizePath(path))
}

func updateRequest(path, content string) string {
	lines := strings.Count(content, "\n") + 1
	return fmt.Sprintf("%s %d %s\n%s", cmdUpdate, lines, NormalizePath(path), content)
}

// parseFiles decodes a files response, dropping paths under exclude.
func parseFiles(resp, exclude string) ([]string, error) {
	if resp == "" {
		return nil, nil
	}
	if !gjson.Valid(resp) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, truncate(resp, 60))
	}

	exclude = NormalizePath(exclude)
	var files []string
	gjson.Parse(resp).ForEach(func(_, v gjson.Result) bool {
		f := NormalizePath(v.String())
		if f == "" || exclude != "" && strings.HasPrefix(f, exclude) {
			return true
		}
		files = append(files, f)
		return true
	})
	return files, nil
}

// parseDiagnostics decodes a showErrors response. Wire coordinates are
// 1-based and are converted to 0-based points.
func parseDiagnostics(resp string) ([]Diagnostic, error) {
	if resp == "" {
		return nil, nil
	}
	if !gjson.Valid(resp) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, truncate(resp, 60))
	}

	var diags []Diagnostic
	gjson.Parse(resp).ForEach(func(_, v gjson.Result) bool {
		code, text := splitDiagnosticText(v.Get("text").String())
		level := LevelIllegal
		if v.Get("phase").String() == semanticPhase {
			level = LevelWarning
		}
		diags = append(diags, Diagnostic{
			File:  NormalizePath(v.Get("file").String()),
			Start: wirePoint(v.Get("start")),
			End:   wirePoint(v.Get("end")),
			Code:  code,
			Text:  text,
			Level: level,
		})
		return true
	})
	return diags, nil
}

func wirePoint(v gjson.Result) Point {
	return Point{
		Row: int(v.Get("line").Int()) - 1,
		Col: int(v.Get("character").Int()) - 1,
	}
}

// splitDiagnosticText splits "<prefix> <CODE>: <message>" into code and
// message. Text that does not follow the convention has no code.
func splitDiagnosticText(text string) (code, message string) {
	colon := strings.Index(text, ": ")
	if colon < 0 {
		return "", strings.TrimSpace(text)
	}
	head := strings.Fields(text[:colon])
	if len(head) == 0 || len(head) > 2 {
		return "", strings.TrimSpace(text)
	}
	return head[len(head)-1], strings.TrimSpace(text[colon+2:])
}

// parseCompletions decodes a completions response.
func parseCompletions(resp string) ([]Completion, error) {
	if resp == "" {
		return nil, nil
	}
	if !gjson.Valid(resp) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, truncate(resp, 60))
	}

	entries := gjson.Get(resp, "entries")
	if !entries.IsArray() {
		return nil, nil
	}

	out := make([]Completion, 0, len(entries.Array()))
	entries.ForEach(func(_, v gjson.Result) bool {
		out = append(out, Completion{
			Name: v.Get("name").String(),
			Type: v.Get("type").String(),
		})
		return true
	})
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
