package manager

import "github.com/dshills/subtype/internal/service"

// Buffer is an open editor buffer.
type Buffer interface {
	// ID returns a stable identifier for the buffer's lifetime.
	ID() string

	// Path returns the file path the buffer currently shows.
	Path() string
}

// Listener receives graph notifications. Methods run with the manager lock
// held and must not call back into the Manager.
type Listener interface {
	// BufferAttached is called when buf starts being served by set, either
	// on Attach or when another interface begins covering its path.
	BufferAttached(buf Buffer, set *service.Set)

	// BufferDetached is called when buf stops being tracked.
	BufferDetached(buf Buffer)

	// FileRenamed is called when Resolve re-attaches a renamed buffer.
	FileRenamed(buf Buffer, before, after *service.Set)

	// InterfaceClosed is called after a service has been closed.
	InterfaceClosed(svc service.Service)
}

// Funcs adapts optional functions to a Listener.
type Funcs struct {
	OnBufferAttached  func(buf Buffer, set *service.Set)
	OnBufferDetached  func(buf Buffer)
	OnFileRenamed     func(buf Buffer, before, after *service.Set)
	OnInterfaceClosed func(svc service.Service)
}

// BufferAttached implements Listener.
func (f Funcs) BufferAttached(buf Buffer, set *service.Set) {
	if f.OnBufferAttached != nil {
		f.OnBufferAttached(buf, set)
	}
}

// BufferDetached implements Listener.
func (f Funcs) BufferDetached(buf Buffer) {
	if f.OnBufferDetached != nil {
		f.OnBufferDetached(buf)
	}
}

// FileRenamed implements Listener.
func (f Funcs) FileRenamed(buf Buffer, before, after *service.Set) {
	if f.OnFileRenamed != nil {
		f.OnFileRenamed(buf, before, after)
	}
}

// InterfaceClosed implements Listener.
func (f Funcs) InterfaceClosed(svc service.Service) {
	if f.OnInterfaceClosed != nil {
		f.OnInterfaceClosed(svc)
	}
}

var _ Listener = Funcs{}
