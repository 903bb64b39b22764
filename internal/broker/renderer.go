package broker

import (
	"strings"

	"github.com/dshills/subtype/internal/manager"
	"github.com/dshills/subtype/internal/service"
)

// maxStatus bounds the status line length.
const maxStatus = 200

// Renderer presents broker output to the user. Calls may arrive from
// timer goroutines and with the lifecycle manager's lock held, so
// implementations must be safe for concurrent use and must not call back
// into the Broker.
type Renderer interface {
	// ShowDiagnostics replaces the diagnostics shown for buf. An empty
	// list clears them.
	ShowDiagnostics(buf manager.Buffer, diags []service.Diagnostic)

	// ShowCompletions offers completion entries at the cursor of buf.
	ShowCompletions(buf manager.Buffer, entries []service.Completion)

	// ShowStatus sets the status line of buf. An empty text clears it.
	ShowStatus(buf manager.Buffer, text string)
}

// NopRenderer discards everything.
type NopRenderer struct{}

// ShowDiagnostics implements Renderer.
func (NopRenderer) ShowDiagnostics(manager.Buffer, []service.Diagnostic) {}

// ShowCompletions implements Renderer.
func (NopRenderer) ShowCompletions(manager.Buffer, []service.Completion) {}

// ShowStatus implements Renderer.
func (NopRenderer) ShowStatus(manager.Buffer, string) {}

var _ Renderer = NopRenderer{}

// StatusText joins diagnostic messages for a status line, cut to 200
// characters.
func StatusText(diags []service.Diagnostic) string {
	texts := make([]string, 0, len(diags))
	for _, d := range diags {
		texts = append(texts, d.Text)
	}
	s := strings.Join(texts, "; ")

	r := []rune(s)
	if len(r) > maxStatus {
		return string(r[:maxStatus-3]) + "..."
	}
	return s
}
