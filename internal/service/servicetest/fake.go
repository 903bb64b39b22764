// Package servicetest provides in-memory language services for tests.
package servicetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/subtype/internal/service"
)

var fakeSeq atomic.Int64

// Update records one Update call.
type Update struct {
	Path    string
	Content string
}

// Fake is an in-memory service.Service.
type Fake struct {
	id   string
	root string

	mu          sync.Mutex
	files       []string
	nextFiles   []string
	diags       []service.Diagnostic
	completions []service.Completion
	updates     []Update
	reloadErr   error
	reloads     int
	closes      int
	closed      bool
}

// NewFake creates a fake rooted at root that claims files.
func NewFake(root string, files ...string) *Fake {
	return &Fake{
		id:    fmt.Sprintf("fake-%d", fakeSeq.Add(1)),
		root:  service.NormalizePath(root),
		files: normalize(files),
	}
}

func normalize(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, service.NormalizePath(f))
	}
	return out
}

// ID implements service.Service.
func (f *Fake) ID() string { return f.id }

// Root implements service.Service.
func (f *Fake) Root() string { return f.root }

// Files implements service.Service.
func (f *Fake) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.files...)
}

// Closed implements service.Service.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetReloadFiles sets the files reported after the next Reload.
func (f *Fake) SetReloadFiles(files ...string) {
	f.mu.Lock()
	f.nextFiles = normalize(files)
	f.mu.Unlock()
}

// SetReloadError makes Reload fail with err.
func (f *Fake) SetReloadError(err error) {
	f.mu.Lock()
	f.reloadErr = err
	f.mu.Unlock()
}

// SetErrors sets the diagnostics returned by Errors.
func (f *Fake) SetErrors(diags ...service.Diagnostic) {
	f.mu.Lock()
	f.diags = diags
	f.mu.Unlock()
}

// SetCompletions sets the entries returned by Completions.
func (f *Fake) SetCompletions(entries ...service.Completion) {
	f.mu.Lock()
	f.completions = entries
	f.mu.Unlock()
}

// Reload implements service.Service.
func (f *Fake) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.reloads++
	if f.reloadErr != nil {
		return f.reloadErr
	}
	if f.nextFiles != nil {
		f.files = f.nextFiles
		f.nextFiles = nil
	}
	return nil
}

// Errors implements service.Service.
func (f *Fake) Errors(context.Context) ([]service.Diagnostic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil
	}
	return append([]service.Diagnostic(nil), f.diags...), nil
}

// Completions implements service.Service.
func (f *Fake) Completions(context.Context, string, int, int) ([]service.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil
	}
	return append([]service.Completion(nil), f.completions...), nil
}

// Update implements service.Service.
func (f *Fake) Update(_ context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.updates = append(f.updates, Update{Path: service.NormalizePath(path), Content: content})
	return nil
}

// Close implements service.Service.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closed = true
	return nil
}

// Updates returns the recorded updates.
func (f *Fake) Updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Update(nil), f.updates...)
}

// Reloads returns how many times Reload ran.
func (f *Fake) Reloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
