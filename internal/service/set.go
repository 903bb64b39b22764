package service

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Result pairs a set member with the outcome of one operation on it.
type Result[T any] struct {
	Service Service
	Value   T
	Err     error
}

// Set is a read-only group of services covering one buffer.
// Operations fan out to every member concurrently; results keep member order.
type Set struct {
	members []Service
}

// NewSet builds a set, dropping nils and duplicates while keeping order.
func NewSet(members ...Service) *Set {
	s := &Set{}
	seen := make(map[Service]struct{}, len(members))
	for _, m := range members {
		if m == nil {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		s.members = append(s.members, m)
	}
	return s
}

// Members returns a copy of the members.
func (s *Set) Members() []Service {
	if s == nil {
		return nil
	}
	return append([]Service(nil), s.members...)
}

// Len returns the number of members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool {
	return s.Len() == 0
}

// Contains reports whether svc is a member.
func (s *Set) Contains(svc Service) bool {
	for _, m := range s.Members() {
		if m == svc {
			return true
		}
	}
	return false
}

// First returns the first member, or nil.
func (s *Set) First() Service {
	if s.Len() == 0 {
		return nil
	}
	return s.members[0]
}

// Key returns an order independent identifier for the membership.
func (s *Set) Key() string {
	ids := make([]string, 0, s.Len())
	for _, m := range s.Members() {
		ids = append(ids, m.ID())
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// Reload reloads every member.
func (s *Set) Reload(ctx context.Context) []Result[struct{}] {
	return fanOut(ctx, s.Members(), func(ctx context.Context, svc Service) (struct{}, error) {
		return struct{}{}, svc.Reload(ctx)
	})
}

// Errors fetches diagnostics from every member.
func (s *Set) Errors(ctx context.Context) []Result[[]Diagnostic] {
	return fanOut(ctx, s.Members(), func(ctx context.Context, svc Service) ([]Diagnostic, error) {
		return svc.Errors(ctx)
	})
}

// Completions fetches completions from every member.
func (s *Set) Completions(ctx context.Context, path string, line, col int) []Result[[]Completion] {
	return fanOut(ctx, s.Members(), func(ctx context.Context, svc Service) ([]Completion, error) {
		return svc.Completions(ctx, path, line, col)
	})
}

// Update pushes content to every member.
func (s *Set) Update(ctx context.Context, path, content string) []Result[struct{}] {
	return fanOut(ctx, s.Members(), func(ctx context.Context, svc Service) (struct{}, error) {
		return struct{}{}, svc.Update(ctx, path, content)
	})
}

// Close closes every member.
func (s *Set) Close() []Result[struct{}] {
	return fanOut(context.Background(), s.Members(), func(_ context.Context, svc Service) (struct{}, error) {
		return struct{}{}, svc.Close()
	})
}

// fanOut runs fn on every member concurrently. A failing member does not
// cancel the others.
func fanOut[T any](ctx context.Context, members []Service, fn func(context.Context, Service) (T, error)) []Result[T] {
	results := make([]Result[T], len(members))
	var g errgroup.Group
	for i, svc := range members {
		g.Go(func() error {
			v, err := fn(ctx, svc)
			results[i] = Result[T]{Service: svc, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FirstError returns the first non-nil error in results.
func FirstError[T any](results []Result[T]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
