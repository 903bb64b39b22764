package broker

import (
	"sort"
	"sync"

	"github.com/dshills/subtype/internal/manager"
	"github.com/dshills/subtype/internal/service"
)

// DiagnosticStore holds the diagnostics shown in each buffer, kept apart
// per reporting service.
type DiagnosticStore struct {
	mu      sync.RWMutex
	entries map[string]map[string][]service.Diagnostic // buffer -> service -> diagnostics
	buffers map[string]manager.Buffer
}

// NewDiagnosticStore creates an empty store.
func NewDiagnosticStore() *DiagnosticStore {
	return &DiagnosticStore{
		entries: make(map[string]map[string][]service.Diagnostic),
		buffers: make(map[string]manager.Buffer),
	}
}

// Apply replaces the diagnostics reported by svcID. Every buffer that held
// diagnostics from svcID is cleared first; each buffer in bufs then gets
// the diagnostics for its file. It returns the buffers whose diagnostics
// may have changed, ordered by ID.
func (s *DiagnosticStore) Apply(svcID string, bufs []manager.Buffer, diags []service.Diagnostic) []manager.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.dropLocked(svcID)

	byFile := make(map[string][]service.Diagnostic)
	for _, d := range diags {
		byFile[d.File] = append(byFile[d.File], d)
	}
	for _, buf := range bufs {
		id := buf.ID()
		if s.entries[id] == nil {
			s.entries[id] = make(map[string][]service.Diagnostic)
		}
		s.entries[id][svcID] = byFile[service.NormalizePath(buf.Path())]
		s.buffers[id] = buf
		changed[id] = buf
	}
	return sortedBuffers(changed)
}

// DropService removes every diagnostic reported by svcID and returns the
// affected buffers.
func (s *DiagnosticStore) DropService(svcID string) []manager.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedBuffers(s.dropLocked(svcID))
}

func (s *DiagnosticStore) dropLocked(svcID string) map[string]manager.Buffer {
	changed := make(map[string]manager.Buffer)
	for id, bySvc := range s.entries {
		if _, ok := bySvc[svcID]; !ok {
			continue
		}
		delete(bySvc, svcID)
		changed[id] = s.buffers[id]
		if len(bySvc) == 0 {
			delete(s.entries, id)
			delete(s.buffers, id)
		}
	}
	return changed
}

// ClearBuffer forgets every diagnostic of a buffer.
func (s *DiagnosticStore) ClearBuffer(bufID string) {
	s.mu.Lock()
	delete(s.entries, bufID)
	delete(s.buffers, bufID)
	s.mu.Unlock()
}

// Get returns the diagnostics of a buffer, merged across services in
// service order with duplicates removed.
func (s *DiagnosticStore) Get(bufID string) []service.Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySvc := s.entries[bufID]
	ids := make([]string, 0, len(bySvc))
	for id := range bySvc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []service.Diagnostic
	seen := make(map[service.Diagnostic]struct{})
	for _, id := range ids {
		for _, d := range bySvc[id] {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// At returns the diagnostics of a buffer whose range contains p.
func (s *DiagnosticStore) At(bufID string, p service.Point) []service.Diagnostic {
	var out []service.Diagnostic
	for _, d := range s.Get(bufID) {
		if d.Contains(p) {
			out = append(out, d)
		}
	}
	return out
}

func sortedBuffers(m map[string]manager.Buffer) []manager.Buffer {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]manager.Buffer, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
