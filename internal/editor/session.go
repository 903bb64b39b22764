package editor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/broker"
	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/service"
)

// Event names.
const (
	EventOpen     = "open"
	EventModify   = "modify"
	EventSave     = "save"
	EventClose    = "close"
	EventSelect   = "select"
	EventComplete = "complete"
	EventFileType = "filetype"
	EventRename   = "rename"
	EventErrors   = "errors"
)

// maxLine bounds one event line; buffers travel whole.
const maxLine = 64 << 20

// Event is one editor event. Absent optional fields leave the buffer
// unchanged.
type Event struct {
	Event    string  `json:"event"`
	ID       string  `json:"id"`
	Path     string  `json:"path,omitempty"`
	Content  *string `json:"content,omitempty"`
	FileType *string `json:"filetype,omitempty"`
	Row      *int    `json:"row,omitempty"`
	Col      *int    `json:"col,omitempty"`
}

// Handler reacts to editor events. *broker.Broker implements it.
type Handler interface {
	Opened(ctx context.Context, buf broker.Buffer) error
	Modified(ctx context.Context, buf broker.Buffer) error
	Saved(ctx context.Context, buf broker.Buffer) error
	Closed(ctx context.Context, buf broker.Buffer) error
	FileTypeChanged(ctx context.Context, buf broker.Buffer) error
	SelectionModified(buf broker.Buffer)
	QueryCompletions(ctx context.Context, buf broker.Buffer) ([]service.Completion, error)
	FetchErrors(ctx context.Context, buf broker.Buffer) ([]service.Diagnostic, error)
}

var _ Handler = (*broker.Broker)(nil)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logging.OrNop(l)
	}
}

// WithErrorHandler receives every event that failed.
func WithErrorHandler(fn func(err *EventError)) SessionOption {
	return func(s *Session) {
		s.onError = fn
	}
}

// Session applies editor events to in-memory buffers and forwards them
// to a Handler.
type Session struct {
	handler Handler
	logger  *zap.Logger
	onError func(err *EventError)

	mu      sync.Mutex
	buffers map[string]*Buffer
}

// NewSession creates a session forwarding to h.
func NewSession(h Handler, opts ...SessionOption) *Session {
	s := &Session{
		handler: h,
		logger:  zap.NewNop(),
		buffers: make(map[string]*Buffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session")
	return s
}

// Run handles one JSON event per line from r until EOF or ctx is done.
// Failed events are reported and do not stop the session.
func (s *Session) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.report(&EventError{Event: "decode", Err: fmt.Errorf("%w: %v", ErrMalformedEvent, err)})
			continue
		}
		if err := s.Handle(ctx, ev); err != nil {
			s.report(&EventError{Event: ev.Event, ID: ev.ID, Err: err})
		}
	}
	return sc.Err()
}

func (s *Session) report(err *EventError) {
	s.logger.Warn("event failed", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}

// Handle applies one event.
func (s *Session) Handle(ctx context.Context, ev Event) error {
	s.logger.Debug("event", zap.String("event", ev.Event), zap.String("id", ev.ID))

	switch ev.Event {
	case EventOpen:
		return s.open(ctx, ev)
	case EventModify, EventSave, EventClose, EventSelect, EventComplete, EventFileType, EventRename, EventErrors:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Event)
	}

	buf, err := s.buffer(ev.ID)
	if err != nil {
		return err
	}
	apply(buf, ev)

	switch ev.Event {
	case EventModify:
		return s.handler.Modified(ctx, buf)
	case EventSave:
		return s.handler.Saved(ctx, buf)
	case EventClose:
		s.mu.Lock()
		delete(s.buffers, ev.ID)
		s.mu.Unlock()
		return s.handler.Closed(ctx, buf)
	case EventSelect:
		s.handler.SelectionModified(buf)
		return nil
	case EventComplete:
		_, err := s.handler.QueryCompletions(ctx, buf)
		return err
	case EventFileType:
		return s.handler.FileTypeChanged(ctx, buf)
	case EventRename:
		return s.handler.Modified(ctx, buf)
	default: // EventErrors
		_, err := s.handler.FetchErrors(ctx, buf)
		return err
	}
}

func (s *Session) open(ctx context.Context, ev Event) error {
	if ev.ID == "" || ev.Path == "" {
		return fmt.Errorf("%w: open needs id and path", ErrMalformedEvent)
	}

	s.mu.Lock()
	if _, ok := s.buffers[ev.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateBuffer
	}
	buf := NewBuffer(ev.ID, ev.Path, "")
	s.buffers[ev.ID] = buf
	s.mu.Unlock()

	apply(buf, ev)
	return s.handler.Opened(ctx, buf)
}

func (s *Session) buffer(id string) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[id]
	if !ok {
		return nil, ErrUnknownBuffer
	}
	return buf, nil
}

// Buffer returns the open buffer with the given ID.
func (s *Session) Buffer(id string) (*Buffer, bool) {
	buf, err := s.buffer(id)
	return buf, err == nil
}

// apply copies the fields present in ev onto buf.
func apply(buf *Buffer, ev Event) {
	if ev.Path != "" {
		buf.SetPath(ev.Path)
	}
	if ev.Content != nil {
		buf.SetContent(*ev.Content)
	}
	if ev.FileType != nil {
		buf.SetFileType(*ev.FileType)
	}
	if ev.Row != nil || ev.Col != nil {
		cur := buf.Cursor()
		if ev.Row != nil {
			cur.Row = *ev.Row
		}
		if ev.Col != nil {
			cur.Col = *ev.Col
		}
		buf.SetCursor(cur)
	}
}
