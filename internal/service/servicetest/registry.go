package servicetest

import (
	"context"
	"sync"

	"github.com/dshills/subtype/internal/service"
)

// Registry hands out fakes from predefined file lists.
type Registry struct {
	mu      sync.Mutex
	files   map[string][]string
	fail    map[string]error
	spawned []*Fake
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		files: make(map[string][]string),
		fail:  make(map[string]error),
	}
}

// Define sets the files a service rooted at root will claim.
// Roots without a definition claim only themselves.
func (r *Registry) Define(root string, files ...string) {
	r.mu.Lock()
	r.files[service.NormalizePath(root)] = files
	r.mu.Unlock()
}

// Fail makes connecting to root fail with a *service.ConnectionError.
func (r *Registry) Fail(root string, err error) {
	r.mu.Lock()
	r.fail[service.NormalizePath(root)] = err
	r.mu.Unlock()
}

// Connector returns a service.Connector backed by the registry.
func (r *Registry) Connector() service.Connector {
	return func(_ context.Context, root string) (service.Service, error) {
		root = service.NormalizePath(root)

		r.mu.Lock()
		defer r.mu.Unlock()

		if err := r.fail[root]; err != nil {
			return nil, &service.ConnectionError{Root: root, Err: err}
		}
		files, ok := r.files[root]
		if !ok {
			files = []string{root}
		}
		f := NewFake(root, files...)
		r.spawned = append(r.spawned, f)
		return f, nil
	}
}

// Spawned returns every fake created so far, oldest first.
func (r *Registry) Spawned() []*Fake {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Fake(nil), r.spawned...)
}

// Live returns the fakes that are not closed.
func (r *Registry) Live() []*Fake {
	var live []*Fake
	for _, f := range r.Spawned() {
		if !f.Closed() {
			live = append(live, f)
		}
	}
	return live
}

// Last returns the newest fake rooted at root, or nil.
func (r *Registry) Last(root string) *Fake {
	root = service.NormalizePath(root)
	spawned := r.Spawned()
	for i := len(spawned) - 1; i >= 0; i-- {
		if spawned[i].Root() == root {
			return spawned[i]
		}
	}
	return nil
}
