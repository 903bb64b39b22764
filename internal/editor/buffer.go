package editor

import (
	"sync"

	"github.com/dshills/subtype/internal/service"
)

// Buffer is an in-memory editor buffer. It is safe for concurrent use.
type Buffer struct {
	id string

	mu       sync.RWMutex
	path     string
	content  string
	fileType string
	cursor   service.Point
}

// NewBuffer creates a buffer showing path.
func NewBuffer(id, path, content string) *Buffer {
	return &Buffer{id: id, path: path, content: content}
}

// ID returns the buffer ID.
func (b *Buffer) ID() string {
	return b.id
}

// Path returns the file path.
func (b *Buffer) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.path
}

// Content returns the full text.
func (b *Buffer) Content() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.content
}

// Cursor returns the 0-based cursor position.
func (b *Buffer) Cursor() service.Point {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursor
}

// FileType returns the editor file type, or "" when unknown.
func (b *Buffer) FileType() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fileType
}

// SetPath changes the file path, as after a rename.
func (b *Buffer) SetPath(path string) {
	b.mu.Lock()
	b.path = path
	b.mu.Unlock()
}

// SetContent replaces the text.
func (b *Buffer) SetContent(content string) {
	b.mu.Lock()
	b.content = content
	b.mu.Unlock()
}

// SetCursor moves the cursor.
func (b *Buffer) SetCursor(p service.Point) {
	b.mu.Lock()
	b.cursor = p
	b.mu.Unlock()
}

// SetFileType changes the file type.
func (b *Buffer) SetFileType(ft string) {
	b.mu.Lock()
	b.fileType = ft
	b.mu.Unlock()
}
