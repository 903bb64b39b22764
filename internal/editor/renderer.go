package editor

import (
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/broker"
	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/manager"
	"github.com/dshills/subtype/internal/service"
)

type diagnosticsEvent struct {
	Event       string               `json:"event"`
	ID          string               `json:"id"`
	Path        string               `json:"path"`
	Diagnostics []service.Diagnostic `json:"diagnostics"`
}

type completionsEvent struct {
	Event       string               `json:"event"`
	ID          string               `json:"id"`
	Completions []service.Completion `json:"completions"`
}

type statusEvent struct {
	Event string `json:"event"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

type errorEvent struct {
	Event   string `json:"event"`
	Source  string `json:"source"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// JSONRenderer writes broker output as JSON lines.
type JSONRenderer struct {
	logger *zap.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONRenderer creates a renderer writing to w.
func NewJSONRenderer(w io.Writer, logger *zap.Logger) *JSONRenderer {
	return &JSONRenderer{
		logger: logging.OrNop(logger).Named("renderer"),
		enc:    json.NewEncoder(w),
	}
}

var _ broker.Renderer = (*JSONRenderer)(nil)

// ShowDiagnostics implements broker.Renderer.
func (r *JSONRenderer) ShowDiagnostics(buf manager.Buffer, diags []service.Diagnostic) {
	if diags == nil {
		diags = []service.Diagnostic{}
	}
	r.write(diagnosticsEvent{Event: "diagnostics", ID: buf.ID(), Path: buf.Path(), Diagnostics: diags})
}

// ShowCompletions implements broker.Renderer.
func (r *JSONRenderer) ShowCompletions(buf manager.Buffer, entries []service.Completion) {
	if entries == nil {
		entries = []service.Completion{}
	}
	r.write(completionsEvent{Event: "completions", ID: buf.ID(), Completions: entries})
}

// ShowStatus implements broker.Renderer.
func (r *JSONRenderer) ShowStatus(buf manager.Buffer, text string) {
	r.write(statusEvent{Event: "status", ID: buf.ID(), Text: text})
}

// ShowError reports a failed event.
func (r *JSONRenderer) ShowError(err *EventError) {
	r.write(errorEvent{Event: "error", Source: err.Event, ID: err.ID, Message: err.Err.Error()})
}

func (r *JSONRenderer) write(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(v); err != nil {
		r.logger.Warn("writing event failed", zap.Error(err))
	}
}
